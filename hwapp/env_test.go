package hwapp_test

import (
	"testing"

	"github.com/advdv/haywire/hwapp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseEnv(t *testing.T) {
	t.Setenv("HW_SERVICE_NAME", "svc")
	t.Setenv("HW_CONFIG_LOCATION", "s3://bucket/haywire.ini")
	t.Setenv("HW_LOG_LEVEL", "debug")
	t.Setenv("GREETING", "")

	env, err := hwapp.ParseEnv[TestEnv]()()
	require.NoError(t, err)
	require.Equal(t, "svc", env.ServiceName)
	require.Equal(t, "s3://bucket/haywire.ini", env.ConfigLocation)
	require.Equal(t, zapcore.DebugLevel, env.LogLevel)
	require.Equal(t, "stdout", env.OtelExporter)
	require.Empty(t, env.StatsPath)
	require.Equal(t, "hello", env.Greeting)
}

func TestParseEnvMissingRequired(t *testing.T) {
	t.Setenv("HW_SERVICE_NAME", "svc")
	t.Setenv("HW_CONFIG_LOCATION", "")

	_, err := hwapp.ParseEnv[TestEnv]()()
	require.ErrorContains(t, err, "HW_CONFIG_LOCATION")
}
