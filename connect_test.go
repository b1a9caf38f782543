package ygggo_amysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_Succeeds(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	mock.ExpectConnect().Pending(3)
	conn := mustConnect(t, client)

	assert.True(t, conn.Ok())
	assert.Equal(t, testKey, conn.Key())
	assert.Equal(t, 4, mock.Calls("connect"))
	assert.Equal(t, int64(1), mock.OpenHandles())
	assert.Equal(t, 1, client.NumStartedAndOpenConnections())
	assert.Equal(t, defaultQueryTimeout, conn.Options().QueryTimeout)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_OptionsOverrideDefaults(t *testing.T) {
	client, _ := newMockClient(t, ClientConfig{
		DefaultOptions: ConnectionOptions{QueryTimeout: time.Second, Params: map[string]string{"charset": "utf8mb4"}},
	})
	conn, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	opts := conn.Options()
	assert.Equal(t, 2*time.Second, opts.ConnectTimeout)
	assert.Equal(t, time.Second, opts.QueryTimeout)
	assert.Equal(t, "utf8mb4", opts.Params["charset"])
}

func TestConnect_RetriesRetryableErrors(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{
		ConnectRetry: RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	})
	mock.ExpectConnect().WillFail(CRConnHostError, "Can't connect to MySQL server on 'db.test'")
	mock.ExpectConnect().WillFail(errTooManyConnection, "Too many connections")
	conn := mustConnect(t, client)

	assert.True(t, conn.Ok())
	assert.Equal(t, 3, mock.Calls("connect"))
	// handles of failed attempts are closed
	assert.Equal(t, int64(1), mock.OpenHandles())
	assert.Equal(t, 1, client.NumStartedAndOpenConnections())
}

func TestConnect_NonRetryableErrorFailsImmediately(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{
		ConnectRetry: RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	})
	mock.ExpectConnect().WillFail(1045, "Access denied for user 'app_user'@'10.0.0.1'")

	_, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.Equal(t, uint16(1045), ErrnoOf(err))
	assert.Contains(t, err.Error(), "Access denied")
	assert.Equal(t, 1, mock.Calls("connect"))
	assert.Equal(t, int64(0), mock.OpenHandles())
	assert.Equal(t, 0, client.NumStartedAndOpenConnections())

	counters := client.Counters().(*SimpleDBCounter)
	assert.Equal(t, int64(1), counters.FailedConnections())
}

func TestConnect_GivesUpAfterConnectAttempts(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{
		ConnectRetry: RetryPolicy{BaseBackoff: time.Millisecond},
	})
	mock.ExpectConnect().WillFail(CRServerGoneError, "MySQL server has gone away")
	mock.ExpectConnect().WillFail(CRServerGoneError, "MySQL server has gone away")

	_, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{ConnectAttempts: 2})
	require.Error(t, err)
	assert.Equal(t, CRServerGoneError, ErrnoOf(err))
	assert.Equal(t, 2, mock.Calls("connect"))
	assert.Equal(t, int64(0), mock.OpenHandles())
}

func TestConnect_Timeout(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	gate := make(chan struct{})
	defer close(gate)
	mock.ExpectConnect().Hold(gate)

	_, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{ConnectTimeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, CRServerLost, ErrnoOf(err))
	var oe *OperationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "[2013](Mysql Client) Connect to db.test:3306 timed out after 30ms", oe.Message)
	assert.Equal(t, OperationTypeConnect, oe.Op)
	assert.GreaterOrEqual(t, oe.Elapsed, 30*time.Millisecond)
	assert.Equal(t, int64(0), mock.OpenHandles())
}

func TestConnect_CancelPending(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	gate := make(chan struct{})
	defer close(gate)
	mock.ExpectConnect().Hold(gate)

	op := client.BeginConnection(testKey)
	require.NoError(t, op.Run())
	require.Eventually(t, func() bool { return mock.Calls("connect") > 0 }, time.Second, time.Millisecond)
	op.Cancel()
	waitDone(t, op)

	assert.Equal(t, OperationResultCancelled, op.Result())
	assert.True(t, errors.Is(op.Err(), ErrCancelled))
	assert.Nil(t, op.ReleaseConnection())
	assert.Equal(t, int64(0), mock.OpenHandles())
	requireNoPending(t, client)
}

func TestBeginConnection(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{ConnectRetry: RetryPolicy{BaseBackoff: time.Millisecond}})
	mock.ExpectConnect().WillFail(CRServerLost, "Lost connection to MySQL server at 'reading initial communication packet'")

	op := client.BeginConnection(testKey)
	assert.Equal(t, OperationStateUnstarted, op.State())
	assert.Nil(t, op.ReleaseConnection())
	op.SetConnectionOptions(ConnectionOptions{ConnectTimeout: time.Second, ConnectAttempts: 2}).SetFlags(2)
	assert.Equal(t, 2*time.Second, op.Timeout())
	assert.Equal(t, 2, op.ConnectionOptions().ConnectAttempts)
	assert.Equal(t, testKey, op.Key())

	require.NoError(t, op.Run())
	require.NoError(t, op.Wait(context.Background()))
	require.True(t, op.OK(), "err: %v", op.Err())
	assert.Equal(t, 1, op.Attempts())

	// options are frozen once the operation ran
	op.SetConnectionOptions(ConnectionOptions{ConnectAttempts: 9})
	assert.Equal(t, 2, op.ConnectionOptions().ConnectAttempts)

	conn := op.ReleaseConnection()
	require.NotNil(t, conn)
	assert.Nil(t, op.ReleaseConnection())
	require.NoError(t, conn.Close())
}

func TestConnectAsync(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	mock.ExpectConnect().Pending(1)
	mock.ExpectConnect().WillFail(1049, "Unknown database 'missing'")

	res := <-client.ConnectAsync(context.Background(), testKey, ConnectionOptions{})
	require.True(t, res.OK(), "err: %v", res.Err())
	require.NotNil(t, res.Conn)
	assert.Greater(t, res.Elapsed, time.Duration(0))
	require.NoError(t, res.Conn.Close())

	missing := NewConnectionKey("db.test", 3306, "missing", "app_user", "secret")
	res = <-client.ConnectAsync(context.Background(), missing, ConnectionOptions{})
	assert.False(t, res.OK())
	assert.Nil(t, res.Conn)
	assert.Equal(t, uint16(1049), res.Errno())
	assert.Equal(t, ErrorKindConnectionFailed, res.Kind())
}
