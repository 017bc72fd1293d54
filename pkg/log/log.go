// Package log implements minimal logging for the envelope package, focused
// on debug level tracing of cache and key lifecycle events. By default
// logging is disabled and the underlying logger is a no-op implementation.
// Call SetLogger to enable debug logging with your application's logger.
package log

var logger Interface = noopLogger{}

// Interface is implemented by any logger capable of formatted debug output.
type Interface interface {
	// Debugf logs v using a format string.
	Debugf(format string, v ...interface{})
}

// SetLogger sets the logger used by the envelope package and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the log using the configured logger.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled reports whether a logger has been supplied via SetLogger.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, v ...interface{}) {}
