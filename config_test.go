package ygggo_amysql

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionOptions_WithDefaults(t *testing.T) {
	opts := ConnectionOptions{}.withDefaults()
	assert.Equal(t, defaultConnectTimeout, opts.ConnectTimeout)
	assert.Equal(t, defaultQueryTimeout, opts.QueryTimeout)
	assert.Equal(t, 1, opts.ConnectAttempts)
	assert.Zero(t, opts.TotalTimeout)
}

func TestConnectionOptions_Merge(t *testing.T) {
	def := ConnectionOptions{
		ConnectTimeout:       2 * time.Second,
		ConnectAttempts:      3,
		ResetConnBeforeClose: true,
		Params:               map[string]string{"charset": "latin1", "autocommit": "1"},
	}
	got := ConnectionOptions{
		QueryTimeout: time.Second,
		Params:       map[string]string{"charset": "utf8mb4"},
	}.merge(def)

	assert.Equal(t, 2*time.Second, got.ConnectTimeout)
	assert.Equal(t, time.Second, got.QueryTimeout)
	assert.Equal(t, 3, got.ConnectAttempts)
	assert.True(t, got.ResetConnBeforeClose)
	assert.Equal(t, map[string]string{"charset": "utf8mb4", "autocommit": "1"}, got.Params)
	// merging never mutates the defaults
	assert.Equal(t, "latin1", def.Params["charset"])
}

func TestConnectionOptions_ConnectDeadline(t *testing.T) {
	assert.Equal(t, 6*time.Second, ConnectionOptions{ConnectTimeout: 2 * time.Second, ConnectAttempts: 3}.connectDeadline())
	assert.Equal(t, time.Second, ConnectionOptions{ConnectTimeout: 2 * time.Second, ConnectAttempts: 3, TotalTimeout: time.Second}.connectDeadline())
	assert.Equal(t, 2*time.Second, ConnectionOptions{ConnectTimeout: 2 * time.Second}.connectDeadline())
}

func TestFormatDSN(t *testing.T) {
	dsn := FormatDSN(testKey, ConnectionOptions{
		ConnectTimeout: 3 * time.Second,
		Params:         map[string]string{"autocommit": "1"},
	})
	assert.True(t, strings.HasPrefix(dsn, "app_user:secret@tcp(db.test:3306)/app?"), dsn)
	assert.Contains(t, dsn, "timeout=3s")
	assert.Contains(t, dsn, "autocommit=1")

	key, opts, err := KeyFromDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.Equal(t, "1", opts.Params["autocommit"])
}

func TestFormatDSN_TimeoutParam(t *testing.T) {
	dsn := FormatDSN(testKey, ConnectionOptions{Params: map[string]string{"timeout": "7s"}})
	_, opts, err := KeyFromDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, opts.ConnectTimeout)
	assert.NotContains(t, opts.Params, "timeout")
}

func TestKeyFromDSN(t *testing.T) {
	key, opts, err := KeyFromDSN("reader:pw@tcp(replica.internal)/shop")
	require.NoError(t, err)
	assert.Equal(t, NewConnectionKey("replica.internal", 3306, "shop", "reader", "pw"), key)
	assert.Zero(t, opts.ConnectTimeout)
	assert.Empty(t, opts.Params)

	_, _, err = KeyFromDSN("not a dsn")
	assert.Error(t, err)
}
