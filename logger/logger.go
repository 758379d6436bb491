package logger

// Logger is the minimal structured logging interface the engine uses.
// Implementations take alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}
