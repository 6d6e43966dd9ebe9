package logger

// Logger is the narrow logging surface every broker package logs through.
// Both SlogLogger (development console output) and ZapLogger (the
// production backend, rotated via lumberjack) satisfy it, so server.New can
// accept whichever a caller configures without the rest of the broker
// caring which is wired.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

var (
	_ Logger = (*SlogLogger)(nil)
	_ Logger = (*ZapLogger)(nil)
)
