package common

// Logger defines the interface for leveled logging.
// Components take a Logger so tests can silence or capture output.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}

// DiscardLogger drops every message.
type DiscardLogger struct{}

func (DiscardLogger) Debug(string, ...interface{}) {}
func (DiscardLogger) Info(string, ...interface{})  {}
func (DiscardLogger) Warn(string, ...interface{})  {}
func (DiscardLogger) Error(string, ...interface{}) {}

// OrDiscard returns l, or a DiscardLogger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return DiscardLogger{}
	}
	return l
}
