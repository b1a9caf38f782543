package ygggo_amysql

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	defaultConnectTimeout   = 5 * time.Second
	defaultQueryTimeout     = 30 * time.Second
	defaultStreamBufferSize = 64
	// changeUserTimeoutPadding keeps a change-user from timing out before the
	// connection-level timeout would have fired.
	changeUserTimeoutPadding = time.Second
)

// ConnectionOptions holds per-connection settings.
type ConnectionOptions struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	// TotalTimeout bounds all connect attempts together. Zero means
	// ConnectTimeout * ConnectAttempts.
	TotalTimeout    time.Duration
	ConnectAttempts int
	// ResetConnBeforeClose resets a reusable connection before it is handed to its
	// dying callback.
	ResetConnBeforeClose bool
	// Params are passed to the driver DSN (e.g. parseTime=true).
	Params map[string]string
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	// Driver allows overriding the sql driver (e.g., "mysql" in prod, "sqlmock" in tests).
	// Only used by DriverHandler instances created through NewClientEnv.
	Driver           string
	DefaultOptions   ConnectionOptions
	ConnectRetry     RetryPolicy
	Logging          LoggingConfig
	Telemetry        TelemetryConfig
	Metrics          MetricsConfig
	StreamBufferSize int
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 1
	}
	return o
}

// merge fills unset fields of o from def.
func (o ConnectionOptions) merge(def ConnectionOptions) ConnectionOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = def.QueryTimeout
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = def.TotalTimeout
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = def.ConnectAttempts
	}
	if !o.ResetConnBeforeClose {
		o.ResetConnBeforeClose = def.ResetConnBeforeClose
	}
	if len(def.Params) > 0 {
		params := make(map[string]string, len(def.Params)+len(o.Params))
		for k, v := range def.Params {
			params[k] = v
		}
		for k, v := range o.Params {
			params[k] = v
		}
		o.Params = params
	}
	return o.withDefaults()
}

// connectDeadline is the budget for the whole connect operation.
func (o ConnectionOptions) connectDeadline() time.Duration {
	if o.TotalTimeout > 0 {
		return o.TotalTimeout
	}
	attempts := o.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return o.ConnectTimeout * time.Duration(attempts)
}

// FormatDSN returns the go-sql-driver DSN for a key. Params are rendered in
// sorted order by the driver.
func FormatDSN(key ConnectionKey, opts ConnectionOptions) string {
	cfg := mysql.NewConfig()
	cfg.User = key.User
	cfg.Passwd = key.Password
	cfg.Net = "tcp"
	cfg.Addr = key.Host
	if key.Port > 0 {
		cfg.Addr = net.JoinHostPort(key.Host, strconv.Itoa(key.Port))
	}
	cfg.DBName = key.Database
	if opts.ConnectTimeout > 0 {
		cfg.Timeout = opts.ConnectTimeout
	}
	if len(opts.Params) > 0 {
		cfg.Params = make(map[string]string, len(opts.Params))
		for k, v := range opts.Params {
			if k == "timeout" {
				if d, err := time.ParseDuration(v); err == nil {
					cfg.Timeout = d
					continue
				}
			}
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN()
}

// KeyFromDSN parses a go-sql-driver DSN into a key and the options it carries.
// Unknown parameters are kept in ConnectionOptions.Params.
func KeyFromDSN(dsn string) (ConnectionKey, ConnectionOptions, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return ConnectionKey{}, ConnectionOptions{}, fmt.Errorf("parse dsn: %w", err)
	}
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host, portStr = cfg.Addr, ""
	}
	port := 0
	if portStr != "" {
		if port, err = strconv.Atoi(portStr); err != nil {
			return ConnectionKey{}, ConnectionOptions{}, fmt.Errorf("parse dsn port %q: %w", portStr, err)
		}
	}
	opts := ConnectionOptions{ConnectTimeout: cfg.Timeout}
	if len(cfg.Params) > 0 {
		opts.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			opts.Params[k] = v
		}
	}
	return NewConnectionKey(host, port, cfg.DBName, cfg.User, cfg.Passwd), opts, nil
}
