package logger

// Writer is an entity that provides a Log method.
type Writer interface {
	Log(level Level, format string, args ...interface{})
}
