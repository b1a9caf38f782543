package ygggo_amysql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_NilHandler(t *testing.T) {
	client, err := NewClient(ClientConfig{}, nil)
	assert.Nil(t, client)
	assert.Error(t, err)
}

func TestNewClient_AppliesDefaults(t *testing.T) {
	client, _ := newMockClient(t, ClientConfig{ConnectRetry: RetryPolicy{MaxAttempts: 4}})
	cfg := client.Config()
	assert.Equal(t, defaultConnectTimeout, cfg.DefaultOptions.ConnectTimeout)
	assert.Equal(t, defaultQueryTimeout, cfg.DefaultOptions.QueryTimeout)
	assert.Equal(t, 4, cfg.DefaultOptions.ConnectAttempts)
	assert.Equal(t, defaultStreamBufferSize, cfg.StreamBufferSize)
}

func TestClient_RunInThread(t *testing.T) {
	client, _ := newMockClient(t, ClientConfig{})
	assert.False(t, client.IsInReactor())

	var inReactor bool
	require.True(t, client.RunInThreadAndWait(func() { inReactor = client.IsInReactor() }))
	assert.True(t, inReactor)

	// a nested wait runs inline
	var order []int
	require.True(t, client.RunInThreadAndWait(func() {
		client.RunInThreadAndWait(func() { order = append(order, 1) })
		order = append(order, 2)
	}))
	assert.Equal(t, []int{1, 2}, order)

	// tasks from one goroutine run in submission order
	var seq []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, client.RunInThread(func() {
			seq = append(seq, i)
			if i == 99 {
				close(done)
			}
		}))
	}
	<-done
	require.Len(t, seq, 100)
	for i, v := range seq {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	assert.Greater(t, client.Stats().TasksRun, int64(100))
}

func TestClient_ShutdownStopsReactor(t *testing.T) {
	client, err := NewClient(ClientConfig{}, NewMockHandler())
	require.NoError(t, err)

	client.Shutdown()
	assert.False(t, client.RunInThread(func() {}))
	assert.False(t, client.RunInThreadAndWait(func() {}))

	// idempotent
	client.Shutdown()
	assert.NoError(t, client.Close())
}

func TestClient_ShutdownWaitsForOpenConnections(t *testing.T) {
	client, _ := newMockClient(t, ClientConfig{})
	conn, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{})
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		client.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("shutdown returned while a connection was open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, conn.Close())
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not return after the last connection closed")
	}
}

func TestClient_DrainCancelsUnstartedOperations(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	conn := mustConnect(t, client)
	requireNoPending(t, client)

	op, err := BeginQuery(conn, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, client.PendingOperations())

	drained := make(chan struct{})
	go func() {
		client.Drain(false)
		close(drained)
	}()
	waitDone(t, op)
	assert.Equal(t, OperationResultCancelled, op.Result())
	assert.Equal(t, 0, mock.Calls("run_query"))

	// drain keeps waiting for the open connection
	select {
	case <-drained:
		t.Fatalf("drain returned while a connection was open")
	case <-time.After(50 * time.Millisecond):
	}
	released := op.ReleaseConnection()
	require.NotNil(t, released)
	require.NoError(t, released.Close())
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not return")
	}
	assert.Equal(t, 0, client.PendingOperations())
}

func TestClient_DrainBlockRefusesNewOperations(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	client.Drain(true)

	_, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Contains(t, err.Error(), "Client is draining, new operations are not accepted")
	assert.Equal(t, 0, mock.Calls("connect"))
	assert.Equal(t, 0, client.PendingOperations())
}

func TestClient_RegistryTracksOperations(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	gate := make(chan struct{})
	mock.ExpectQuery("SELECT SLEEP(1)").Hold(gate).WillReturnRows([]string{"s"}, Row{int64(0)})
	conn := mustConnect(t, client)
	requireNoPending(t, client)

	op, err := BeginQuery(conn, "SELECT SLEEP(1)")
	require.NoError(t, err)
	require.NoError(t, op.Run())
	assert.Equal(t, 1, client.PendingOperations())
	assert.Equal(t, OperationStatePending, op.State())

	close(gate)
	waitDone(t, op)
	assert.True(t, op.OK())
	requireNoPending(t, client)
	op.ReleaseConnection()
}

func TestClient_ConnectionAccounting(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	other := NewConnectionKey("db.test", 3306, "billing", "app_user", "secret")

	c1 := mustConnect(t, client)
	c2 := mustConnect(t, client)
	c3, err := client.Connect(context.Background(), other.Host, other.Port, other.Database,
		other.User, other.Password, ConnectionOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, client.NumStartedAndOpenConnections())
	assert.Equal(t, map[ConnectionKey]int64{testKey: 2, other: 1}, client.ConnectionsByKey())
	assert.Equal(t, int64(3), mock.OpenHandles())

	require.NoError(t, c3.Close())
	require.NoError(t, c1.Close())
	assert.Equal(t, map[ConnectionKey]int64{testKey: 1}, client.ConnectionsByKey())
	require.NoError(t, c2.Close())
	assert.Empty(t, client.ConnectionsByKey())
	assert.Equal(t, 0, client.NumStartedAndOpenConnections())
	assert.Equal(t, int64(0), mock.OpenHandles())
}

func TestClient_Counters(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	mock.ExpectQuery("SELECT 1").WillReturnRows([]string{"1"}, Row{int64(1)})
	mock.ExpectQuery("SELECT x").WillFail(1054, "Unknown column 'x' in 'field list'")
	conn := mustConnect(t, client)

	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	_, err = conn.Query(context.Background(), "SELECT x")
	require.Error(t, err)
	require.NoError(t, conn.Close())

	counters, ok := client.Counters().(*SimpleDBCounter)
	require.True(t, ok)
	assert.Equal(t, int64(1), counters.SucceededQueries())
	assert.Equal(t, int64(1), counters.FailedQueries())
	assert.Equal(t, int64(1), counters.OpenedConnections())
	assert.Equal(t, int64(1), counters.ClosedConnections())
	assert.Equal(t, int64(0), counters.FailedConnections())
}

func TestClient_SyncCallOnReactorIsAnInvariantViolation(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var recovered any
	require.True(t, client.RunInThreadAndWait(func() {
		defer func() { recovered = recover() }()
		_, _ = client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
			testKey.User, testKey.Password, ConnectionOptions{})
	}))
	require.NotNil(t, recovered)
	assert.Contains(t, recovered, "synchronous call on the reactor goroutine")
	assert.Equal(t, 0, mock.Calls("connect"))
}

func TestClient_ShutdownLetsPendingQueryFinish(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	gate := make(chan struct{})
	mock.ExpectQuery("SELECT SLEEP(1)").Hold(gate).WillReturnRows([]string{"s"}, Row{int64(0)})

	running, err := BeginQuery(mustConnect(t, client), "SELECT SLEEP(1)")
	require.NoError(t, err)
	require.NoError(t, running.Run())
	require.Eventually(t, func() bool { return mock.Calls("run_query") == 1 }, time.Second, time.Millisecond)

	idle, err := BeginQuery(mustConnect(t, client), "SELECT 2")
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		client.Shutdown()
		close(stopped)
	}()

	// the first drain cancels only the operation that never ran
	waitDone(t, idle)
	assert.Equal(t, OperationResultCancelled, idle.Result())
	assert.Equal(t, OperationStatePending, running.State())

	close(gate)
	waitDone(t, running)
	assert.Equal(t, OperationResultSucceeded, running.Result())
	assert.Equal(t, []Row{{int64(0)}}, running.QueryResult().Rows)
	assert.Equal(t, 1, mock.Calls("run_query"))

	select {
	case <-stopped:
		t.Fatalf("shutdown returned with connections still open")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, running.ReleaseConnection().Close())
	require.NoError(t, idle.ReleaseConnection().Close())

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not return")
	}
	assert.Equal(t, 0, client.NumStartedAndOpenConnections())
	assert.Equal(t, 0, client.PendingOperations())
}

func TestClient_DrainClaimsOnlyUnstartedOperations(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	mock.ExpectQuery("SELECT 1").WillReturnRows([]string{"1"}, Row{int64(1)})

	started, err := BeginQuery(mustConnect(t, client), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, started.Run())
	assert.False(t, started.cancelIfUnstarted())
	waitDone(t, started)
	assert.Equal(t, OperationResultSucceeded, started.Result())

	claimed, err := BeginQuery(mustConnect(t, client), "SELECT 2")
	require.NoError(t, err)
	require.True(t, claimed.cancelIfUnstarted())
	assert.False(t, claimed.cancelIfUnstarted())
	// a Run racing the drain finds the operation taken and does nothing
	require.NoError(t, claimed.Run())
	claimed.finish(OperationResultCancelled)
	assert.Equal(t, OperationResultCancelled, claimed.Result())
	assert.Equal(t, 1, mock.Calls("run_query"))
}

func TestClient_DrainRacingRunNeverCancelsStartedOperations(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	const n = 20
	ops := make([]*QueryOperation, n)
	for i := range ops {
		mock.ExpectQuery("SELECT 1").WillReturnRows([]string{"1"}, Row{int64(1)})
		op, err := BeginQuery(mustConnect(t, client), "SELECT 1")
		require.NoError(t, err)
		ops[i] = op
	}

	start := make(chan struct{})
	drained := make(chan struct{})
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *QueryOperation) {
			defer wg.Done()
			<-start
			assert.NoError(t, op.Run())
		}(op)
	}
	go func() {
		<-start
		client.Drain(false)
		close(drained)
	}()
	close(start)
	wg.Wait()

	succeeded := 0
	for _, op := range ops {
		waitDone(t, op)
		switch op.Result() {
		case OperationResultSucceeded:
			succeeded++
		case OperationResultCancelled:
		default:
			t.Fatalf("unexpected result %s: %v", op.Result(), op.Err())
		}
	}
	// a cancelled operation never reached the handler
	assert.Equal(t, succeeded, mock.Calls("run_query"))

	for _, op := range ops {
		require.NoError(t, op.ReleaseConnection().Close())
	}
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not return")
	}
}

func TestClient_RunInThreadAcceptedTasksRunBeforeShutdown(t *testing.T) {
	client, _ := newMockClient(t, ClientConfig{})
	var accepted, ran atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if client.RunInThread(func() { ran.Add(1) }) {
					accepted.Add(1)
				}
			}
		}()
	}
	client.Shutdown()
	wg.Wait()
	assert.Equal(t, accepted.Load(), ran.Load())
}
