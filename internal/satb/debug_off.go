//go:build !satbdebug

package satb

const debugChecks = false
