package hwapp

import (
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
)

// Environment defines the interface that all environment configurations must implement.
// Embed BaseEnvironment in your struct to satisfy this interface.
type Environment interface {
	serviceName() string
	configLocation() string
	statsPath() string
	accessLog() bool
	logLevel() zapcore.Level
	otelExporter() string
}

// BaseEnvironment contains the environment variables every haywire app reads.
// Embed this in your custom environment struct.
type BaseEnvironment struct {
	ServiceName string `env:"HW_SERVICE_NAME,required,notEmpty"`
	// ConfigLocation points at the server configuration: a file path, or an s3://, ssm:// or
	// secretsmanager:// location.
	ConfigLocation string        `env:"HW_CONFIG_LOCATION,required,notEmpty"`
	StatsPath      string        `env:"HW_STATS_PATH"`
	LogLevel       zapcore.Level `env:"HW_LOG_LEVEL" envDefault:"info"`
	OtelExporter   string        `env:"HW_OTEL_EXPORTER" envDefault:"stdout"`
	AccessLog      bool          `env:"HW_ACCESS_LOG"`
}

func (e BaseEnvironment) serviceName() string     { return e.ServiceName }
func (e BaseEnvironment) configLocation() string  { return e.ConfigLocation }
func (e BaseEnvironment) statsPath() string       { return e.StatsPath }
func (e BaseEnvironment) accessLog() bool         { return e.AccessLog }
func (e BaseEnvironment) logLevel() zapcore.Level { return e.LogLevel }
func (e BaseEnvironment) otelExporter() string    { return e.OtelExporter }

var _ Environment = BaseEnvironment{}

// ParseEnv parses environment variables into the given Environment type.
func ParseEnv[E Environment]() func() (E, error) {
	return func() (e E, err error) {
		if err := env.Parse(&e); err != nil {
			return e, errors.Wrap(err, "failed to parse environment")
		}

		return e, nil
	}
}
