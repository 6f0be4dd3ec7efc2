package logging

import "go.uber.org/zap"

type Logger = zap.SugaredLogger

func New() *Logger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}

// NewDebug builds a development logger with debug level enabled.
func NewDebug() *Logger {
	l, _ := zap.NewDevelopment()
	return l.Sugar()
}
