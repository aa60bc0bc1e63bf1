package hwapp

import (
	"net"

	"github.com/advdv/haywire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger configured from the environment.
// HW_LOG_LEVEL controls the level (debug, info, warn, error).
func NewLogger(env Environment) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(env.logLevel())
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

type zapLogger struct{ *zap.Logger }

func (l zapLogger) LogListening(addr string) {
	l.Logger.Info("listening", zap.String("addr", addr))
}

func (l zapLogger) LogRouteAdded(path string) {
	l.Logger.Debug("route added", zap.String("path", path))
}

func (l zapLogger) LogConnError(remote net.Addr, err error) {
	l.Logger.Warn("connection error", zap.Stringer("remote", remote), zap.Error(err))
}

func (l zapLogger) LogProtocolError(remote net.Addr, err error) {
	l.Logger.Info("protocol error", zap.Stringer("remote", remote), zap.Error(err))
}

func (l zapLogger) LogHandlerPanic(path string, v any) {
	l.Logger.Error("handler panicked", zap.String("path", path), zap.Any("panic", v))
}

func (l zapLogger) LogServeError(err error) {
	l.Logger.Error("unhandled server error", zap.Error(err))
}

func newZapHaywireLogger(l *zap.Logger) haywire.Logger {
	return zapLogger{l.Named("haywire").Named("hwapp")}
}
