package satb

import "fmt"

// assertf panics when cond is false in debug builds.
func assertf(cond bool, format string, args ...interface{}) {
	if debugChecks && !cond {
		panic(fmt.Sprintf("satb: "+format, args...))
	}
}
