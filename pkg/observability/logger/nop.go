package logger

import "context"

type nopLogger struct{}

// Nop returns a Logger that discards every entry.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (l nopLogger) With(...any) Logger                 { return l }
func (l nopLogger) WithContext(context.Context) Logger { return l }
