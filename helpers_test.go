package ygggo_amysql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testKey = NewConnectionKey("db.test", 3306, "app", "app_user", "secret")

// newMockClient starts a client on a MockHandler. The client is shut down and
// checked for leaked goroutines when the test ends; connections opened with
// mustConnect are closed before that.
func newMockClient(t *testing.T, cfg ClientConfig, opts ...ClientOption) (*Client, *MockHandler) {
	t.Helper()
	leakOpt := goleak.IgnoreCurrent()
	mock := NewMockHandler()
	client, err := NewClient(cfg, mock, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		client.Shutdown()
		goleak.VerifyNone(t, leakOpt)
	})
	return client, mock
}

func mustConnect(t *testing.T, c *Client) *Connection {
	t.Helper()
	conn, err := c.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitDone(t *testing.T, op Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("operation %s did not complete (state=%s)", op.Type(), op.State())
	}
}

func requireNoPending(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.PendingOperations() == 0 },
		2*time.Second, 5*time.Millisecond, "registry not empty")
}
