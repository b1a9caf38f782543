package ygggo_amysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("YGGGO_AMYSQL_DRIVER", "sqlmock")
	t.Setenv("YGGGO_AMYSQL_CONNECT_TIMEOUT", "750ms")
	t.Setenv("YGGGO_AMYSQL_QUERY_TIMEOUT", "2s")
	t.Setenv("YGGGO_AMYSQL_CONNECT_ATTEMPTS", "3")
	t.Setenv("YGGGO_AMYSQL_RESET_BEFORE_CLOSE", "true")
	t.Setenv("YGGGO_AMYSQL_PARAMS", "charset=utf8mb4&parseTime=true&bogus")
	t.Setenv("YGGGO_AMYSQL_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("YGGGO_AMYSQL_LOG_ENABLED", "true")
	t.Setenv("YGGGO_AMYSQL_SLOW_QUERY_THRESHOLD", "150ms")
	t.Setenv("YGGGO_AMYSQL_STREAM_BUFFER_SIZE", "8")

	cfg := ClientConfig{}
	applyEnv(&cfg)
	assert.Equal(t, "sqlmock", cfg.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.DefaultOptions.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.DefaultOptions.QueryTimeout)
	assert.Equal(t, 3, cfg.DefaultOptions.ConnectAttempts)
	assert.True(t, cfg.DefaultOptions.ResetConnBeforeClose)
	assert.Equal(t, map[string]string{"charset": "utf8mb4", "parseTime": "true"}, cfg.DefaultOptions.Params)
	assert.Equal(t, 5, cfg.ConnectRetry.MaxAttempts)
	assert.True(t, cfg.Logging.Enabled)
	assert.Equal(t, 150*time.Millisecond, cfg.Logging.SlowQueryThreshold)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 8, cfg.StreamBufferSize)
}

func TestApplyEnv_UnsetKeepsConfig(t *testing.T) {
	cfg := ClientConfig{
		Driver:         "mysql",
		DefaultOptions: ConnectionOptions{QueryTimeout: time.Minute},
	}
	applyEnv(&cfg)
	assert.Equal(t, "mysql", cfg.Driver)
	assert.Equal(t, time.Minute, cfg.DefaultOptions.QueryTimeout)
}

func TestKeyFromEnv(t *testing.T) {
	t.Setenv("YGGGO_AMYSQL_HOST", "db.env")
	t.Setenv("YGGGO_AMYSQL_PORT", "3307")
	t.Setenv("YGGGO_AMYSQL_DATABASE", "shop")
	t.Setenv("YGGGO_AMYSQL_USER", "svc")
	t.Setenv("YGGGO_AMYSQL_PASSWORD", "pw")

	assert.Equal(t, NewConnectionKey("db.env", 3307, "shop", "svc", "pw"), KeyFromEnv())
}

func TestKeyFromEnv_Defaults(t *testing.T) {
	for _, name := range []string{"HOST", "PORT", "DATABASE", "USER", "PASSWORD"} {
		t.Setenv("YGGGO_AMYSQL_"+name, "")
	}
	assert.Equal(t, NewConnectionKey("127.0.0.1", 3306, "", "root", ""), KeyFromEnv())
}

func TestNewClientEnv(t *testing.T) {
	t.Setenv("YGGGO_AMYSQL_DRIVER", "sqlmock")
	t.Setenv("YGGGO_AMYSQL_QUERY_TIMEOUT", "4s")

	client, err := NewClientEnv()
	require.NoError(t, err)
	defer client.Shutdown()

	handler, ok := client.Handler().(*DriverHandler)
	require.True(t, ok)
	assert.Equal(t, "sqlmock", handler.DriverName())
	assert.Equal(t, 4*time.Second, client.Config().DefaultOptions.QueryTimeout)
}
