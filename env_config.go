package ygggo_amysql

import (
	"strings"

	"github.com/spf13/viper"
	gge "github.com/yggai/ygggo_env"
)

// EnvPrefix prefixes every environment variable read by the client.
const EnvPrefix = "YGGGO_AMYSQL"

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3306)
	v.SetDefault("user", "root")
	return v
}

// applyEnv overlays YGGGO_AMYSQL_* variables on cfg. Unset variables leave cfg as is.
func applyEnv(cfg *ClientConfig) {
	v := newEnv()
	if s := v.GetString("driver"); s != "" {
		cfg.Driver = s
	}
	if v.IsSet("connect_timeout") {
		cfg.DefaultOptions.ConnectTimeout = v.GetDuration("connect_timeout")
	}
	if v.IsSet("query_timeout") {
		cfg.DefaultOptions.QueryTimeout = v.GetDuration("query_timeout")
	}
	if v.IsSet("total_timeout") {
		cfg.DefaultOptions.TotalTimeout = v.GetDuration("total_timeout")
	}
	if v.IsSet("connect_attempts") {
		cfg.DefaultOptions.ConnectAttempts = v.GetInt("connect_attempts")
	}
	if v.IsSet("reset_before_close") {
		cfg.DefaultOptions.ResetConnBeforeClose = v.GetBool("reset_before_close")
	}
	if s := v.GetString("params"); s != "" {
		if cfg.DefaultOptions.Params == nil {
			cfg.DefaultOptions.Params = map[string]string{}
		}
		for _, kv := range strings.Split(s, "&") {
			k, val, ok := strings.Cut(kv, "=")
			if ok && k != "" {
				cfg.DefaultOptions.Params[k] = val
			}
		}
	}
	if v.IsSet("retry_max_attempts") {
		cfg.ConnectRetry.MaxAttempts = v.GetInt("retry_max_attempts")
	}
	if v.IsSet("retry_base_backoff") {
		cfg.ConnectRetry.BaseBackoff = v.GetDuration("retry_base_backoff")
	}
	if v.IsSet("log_enabled") {
		cfg.Logging.Enabled = v.GetBool("log_enabled")
	}
	if v.IsSet("slow_query_threshold") {
		cfg.Logging.SlowQueryThreshold = v.GetDuration("slow_query_threshold")
	}
	if v.IsSet("telemetry_enabled") {
		cfg.Telemetry.Enabled = v.GetBool("telemetry_enabled")
	}
	if v.IsSet("metrics_enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics_enabled")
	}
	if v.IsSet("stream_buffer_size") {
		cfg.StreamBufferSize = v.GetInt("stream_buffer_size")
	}
}

// KeyFromEnv builds a ConnectionKey from YGGGO_AMYSQL_HOST, _PORT, _DATABASE, _USER
// and _PASSWORD.
func KeyFromEnv() ConnectionKey {
	v := newEnv()
	return NewConnectionKey(v.GetString("host"), v.GetInt("port"), v.GetString("database"),
		v.GetString("user"), v.GetString("password"))
}

// NewClientEnv loads .env, applies YGGGO_AMYSQL_* variables and starts a client
// backed by the configured database/sql driver.
func NewClientEnv(opts ...ClientOption) (*Client, error) {
	gge.LoadEnv()
	cfg := ClientConfig{}
	applyEnv(&cfg)
	if cfg.Driver == "" {
		cfg.Driver = "mysql"
	}
	return NewClient(cfg, NewDriverHandler(cfg.Driver), opts...)
}
