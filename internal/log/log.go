package log

import (
	"go.uber.org/zap"
)

type Logger struct {
	*zap.SugaredLogger
}

// NewLogger builds a production (JSON) logger, or a development (console)
// logger when debug is true. OPTIC_DEBUG / OPTIC_ENV decide which one the
// rest of the process gets; nobody downstream reaches for zap directly.
func NewLogger(debug bool) *Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return &Logger{logger.Sugar()}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{l.SugaredLogger.Named(name)}
}
