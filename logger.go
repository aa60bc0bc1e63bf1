package haywire

import (
	"log"
	"net"
	"sync/atomic"
	"testing"
)

// Logger can be implemented to get informed about important states.
type Logger interface {
	LogListening(addr string)
	LogRouteAdded(path string)
	LogConnError(remote net.Addr, err error)
	LogProtocolError(remote net.Addr, err error)
	LogHandlerPanic(path string, v any)
	LogServeError(err error)
}

type stdLogger struct{ *log.Logger }

func (l stdLogger) LogListening(addr string) {
	l.Logger.Printf("haywire: listening on %s", addr)
}

func (l stdLogger) LogRouteAdded(path string) {
	l.Logger.Printf("haywire: added route %s", path)
}

func (l stdLogger) LogConnError(remote net.Addr, err error) {
	l.Logger.Printf("haywire: connection error from %s: %s", remote, err)
}

func (l stdLogger) LogProtocolError(remote net.Addr, err error) {
	l.Logger.Printf("haywire: protocol error from %s: %s", remote, err)
}

func (l stdLogger) LogHandlerPanic(path string, v any) {
	l.Logger.Printf("haywire: handler for %s panicked: %v", path, v)
}

func (l stdLogger) LogServeError(err error) {
	l.Logger.Printf("haywire: serve error: %s", err)
}

func NewStdLogger(l *log.Logger) Logger {
	if l == nil {
		l = log.Default()
	}

	return stdLogger{l}
}

type TestLogger struct {
	tb testing.TB

	NumLogListening     int64
	NumLogRouteAdded    int64
	NumLogConnError     int64
	NumLogProtocolError int64
	NumLogHandlerPanic  int64
	NumLogServeError    int64
}

func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) LogListening(addr string) {
	atomic.AddInt64(&l.NumLogListening, 1)
	l.tb.Logf("haywire: listening on %s", addr)
}

func (l *TestLogger) LogRouteAdded(path string) {
	atomic.AddInt64(&l.NumLogRouteAdded, 1)
	l.tb.Logf("haywire: added route %s", path)
}

func (l *TestLogger) LogConnError(remote net.Addr, err error) {
	atomic.AddInt64(&l.NumLogConnError, 1)
	l.tb.Logf("haywire: connection error from %s: %s", remote, err)
}

func (l *TestLogger) LogProtocolError(remote net.Addr, err error) {
	atomic.AddInt64(&l.NumLogProtocolError, 1)
	l.tb.Logf("haywire: protocol error from %s: %s", remote, err)
}

func (l *TestLogger) LogHandlerPanic(path string, v any) {
	atomic.AddInt64(&l.NumLogHandlerPanic, 1)
	l.tb.Logf("haywire: handler for %s panicked: %v", path, v)
}

func (l *TestLogger) LogServeError(err error) {
	atomic.AddInt64(&l.NumLogServeError, 1)
	l.tb.Logf("haywire: serve error: %s", err)
}

var _ Logger = &TestLogger{}
