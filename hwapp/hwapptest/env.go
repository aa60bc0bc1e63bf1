package hwapptest

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// Env provides a chainable builder for setting [hwapp.BaseEnvironment] env vars
// via t.Setenv. Create one with [SetBaseEnv].
type Env struct {
	t    testing.TB
	port int
}

// SetBaseEnv writes a server configuration that listens on a free loopback port and sets all
// [hwapp.BaseEnvironment] env vars to test defaults.
//
// Defaults:
//   - HW_SERVICE_NAME: "test"
//   - HW_CONFIG_LOCATION: an INI file in t.TempDir()
//   - HW_OTEL_EXPORTER: "none"
//   - HW_LOG_LEVEL: "warn"
//   - AWS_REGION: "us-east-1"
//   - AWS_ACCESS_KEY_ID: "test"
//   - AWS_SECRET_ACCESS_KEY: "test"
//
// Use the returned [Env] to override individual values:
//
//	hwapptest.SetBaseEnv(t).ServiceName("orders").StatsPath("/stats")
func SetBaseEnv(t testing.TB) *Env {
	t.Helper()

	port := freePort(t)
	path := filepath.Join(t.TempDir(), "haywire.ini")
	conf := "[http]\nlisten_address = 127.0.0.1\nlisten_port = " + strconv.Itoa(port) + "\n"
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatalf("hwapptest: failed to write config: %v", err)
	}

	t.Setenv("HW_SERVICE_NAME", "test")
	t.Setenv("HW_CONFIG_LOCATION", path)
	t.Setenv("HW_OTEL_EXPORTER", "none")
	t.Setenv("HW_LOG_LEVEL", "warn")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	return &Env{t: t, port: port}
}

// Port returns the port the written configuration listens on.
func (e *Env) Port() int { return e.port }

// BaseURL returns the URL the app's server is reachable at.
func (e *Env) BaseURL() string { return "http://127.0.0.1:" + strconv.Itoa(e.port) }

// ServiceName overrides HW_SERVICE_NAME.
func (e *Env) ServiceName(name string) *Env {
	e.t.Helper()
	e.t.Setenv("HW_SERVICE_NAME", name)
	return e
}

// ConfigLocation overrides HW_CONFIG_LOCATION.
func (e *Env) ConfigLocation(loc string) *Env {
	e.t.Helper()
	e.t.Setenv("HW_CONFIG_LOCATION", loc)
	return e
}

// StatsPath sets HW_STATS_PATH.
func (e *Env) StatsPath(path string) *Env {
	e.t.Helper()
	e.t.Setenv("HW_STATS_PATH", path)
	return e
}

// AccessLog sets HW_ACCESS_LOG.
func (e *Env) AccessLog(on bool) *Env {
	e.t.Helper()
	e.t.Setenv("HW_ACCESS_LOG", strconv.FormatBool(on))
	return e
}

// OtelExporter overrides HW_OTEL_EXPORTER.
func (e *Env) OtelExporter(exp string) *Env {
	e.t.Helper()
	e.t.Setenv("HW_OTEL_EXPORTER", exp)
	return e
}

func freePort(t testing.TB) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("hwapptest: failed to find a free port: %v", err)
	}
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}
