package ygggo_amysql

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures a SQLite backed handler. It is meant for local
// development and tests; every handle opens its own database.
type SQLiteConfig struct {
	// Database file path, use ":memory:" for in-memory database
	Path string

	BusyTimeout time.Duration
	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string // FULL, NORMAL, OFF
	CacheSize   int    // Number of pages in cache
	ForeignKeys bool
}

// DefaultSQLiteConfig returns a default SQLite configuration
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        ":memory:",
		BusyTimeout: 5 * time.Second,
		JournalMode: "MEMORY",
		Synchronous: "OFF",
		ForeignKeys: true,
	}
}

// NewSQLiteHandler returns a handler that runs operations against SQLite through
// modernc.org/sqlite. Connection keys are ignored.
func NewSQLiteHandler(config SQLiteConfig) *DriverHandler {
	dsn := buildSQLiteDSN(config)
	return NewDriverHandler("sqlite", WithDSNBuilder(func(ConnectionKey, ConnectionOptions) string {
		return dsn
	}))
}

// buildSQLiteDSN builds a SQLite DSN string from config
func buildSQLiteDSN(config SQLiteConfig) string {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}
	var pragmas []string
	if config.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()))
	}
	if config.JournalMode != "" {
		pragmas = append(pragmas, fmt.Sprintf("journal_mode(%s)", config.JournalMode))
	}
	if config.Synchronous != "" {
		pragmas = append(pragmas, fmt.Sprintf("synchronous(%s)", config.Synchronous))
	}
	if config.CacheSize > 0 {
		pragmas = append(pragmas, fmt.Sprintf("cache_size(%d)", config.CacheSize))
	}
	if config.ForeignKeys {
		pragmas = append(pragmas, "foreign_keys(1)")
	}
	if len(pragmas) == 0 {
		return path
	}
	sort.Strings(pragmas)
	parts := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		parts = append(parts, "_pragma="+url.QueryEscape(p))
	}
	return path + "?" + strings.Join(parts, "&")
}
