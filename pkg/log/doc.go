// Package log is the structured logging facade used across the SATB runtime.
//
// Loggers expose leveled methods taking Field values. Records are routed
// through log/slog with a bridge handler that feeds the package's own
// formatter and output pipeline, so text and JSON output look the same
// whether a record came from this facade or from slog directly.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.WithComponent("runtime").With(log.Str("cycle", id.String()))
//	l.Info("marking started", log.Int("threads", n))
//
// ApplyConfig builds a logger from a declarative Config. ToStdLogger and
// RedirectStdLog bridge code that expects a *log.Logger, such as
// net/http.Server.ErrorLog.
package log
