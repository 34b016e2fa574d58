package codec

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the codec package's logger. It is a no-op logger unless
// SetLogger was called.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the codec package's logger.
func SetLogger(l *zap.Logger) {
	logger = l
}

// logFailure records a failed operation once, at the driver boundary.
func logFailure(err *Error) {
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.String("kind", string(err.Kind)),
		zap.Error(err),
	}
	if err.Path != "" {
		fields = append(fields, zap.String("path", err.Path))
	}
	switch err.Kind {
	case KindDomainCreation, KindFileIO:
		Logger().Warn("codec operation failed", fields...)
	default:
		Logger().Debug("codec operation failed", fields...)
	}
}
