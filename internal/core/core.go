// Package core holds the small cross-cutting types shared by every
// component package (the logger contract primarily), so that a leaf
// package like internal/cow does not need to import pkg/logging directly.
package core

// Logger is the ILogger-shaped structured logging contract every
// component takes via constructor injection, grounded on the teacher's
// internal/core.ILogger.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}
