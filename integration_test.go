//go:build integration

package ygggo_amysql

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startMySQL runs a MySQL container for the test and returns the key of its
// application user.
func startMySQL(t *testing.T) ConnectionKey {
	t.Helper()
	ctx := context.Background()
	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase("testdb"),
		mysql.WithUsername("testuser"),
		mysql.WithPassword("testpass"),
		testcontainers.WithEnv(map[string]string{
			"MYSQL_ROOT_PASSWORD": "rootpass",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForLog("port: 3306  MySQL Community Server").
				WithOccurrence(1).
				WithStartupTimeout(90*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)
	portInt, err := strconv.Atoi(port.Port())
	require.NoError(t, err)
	return NewConnectionKey(host, portInt, "testdb", "testuser", "testpass")
}

func TestIntegration_MySQL(t *testing.T) {
	key := startMySQL(t)
	client, err := NewClient(ClientConfig{
		DefaultOptions: ConnectionOptions{
			ConnectTimeout:  5 * time.Second,
			QueryTimeout:    10 * time.Second,
			ConnectAttempts: 3,
		},
	}, NewDriverHandler("mysql"))
	require.NoError(t, err)
	defer client.Shutdown()
	ctx := context.Background()

	conn, err := client.Connect(ctx, key.Host, key.Port, key.Database, key.User, key.Password, ConnectionOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Query(ctx, "CREATE TABLE items (id INT AUTO_INCREMENT PRIMARY KEY, name VARCHAR(64) NOT NULL)")
	require.NoError(t, err)

	res, err := conn.Query(ctx, "INSERT INTO items (name) VALUES ('a'), ('b'), ('c')")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.AffectedRows)
	assert.Equal(t, int64(1), res.LastInsertID)

	multi, err := conn.MultiQuery(ctx, []string{
		"UPDATE items SET name = 'z' WHERE id = 3",
		"SELECT name FROM items ORDER BY id",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), multi.Results[0].AffectedRows)
	assert.Equal(t, []Row{{"a"}, {"b"}, {"z"}}, multi.Results[1].Rows)

	stream, err := StreamMultiQuery(ctx, conn, []string{"SELECT id FROM items ORDER BY id"}, nil)
	require.NoError(t, err)
	rows := 0
	for _, ev := range readAll(t, stream) {
		if ev.Kind == StreamEventRow {
			rows++
		}
	}
	assert.Equal(t, 3, rows)

	_, err = conn.Query(ctx, "SELECT * FROM missing")
	require.Error(t, err)
	assert.Equal(t, uint16(1146), ErrnoOf(err))

	require.NoError(t, conn.ResetConn(ctx))
	require.NoError(t, conn.ChangeUser(ctx, "root", "rootpass", "testdb"))
	assert.Equal(t, "root", conn.Key().User)

	res, err = conn.Query(ctx, "SELECT CURRENT_USER()")
	require.NoError(t, err)
	assert.Contains(t, res.Rows[0][0], "root@")
}

func TestIntegration_HealthCheck(t *testing.T) {
	key := startMySQL(t)
	client, err := NewClient(ClientConfig{}, NewDriverHandler("mysql"))
	require.NoError(t, err)
	defer client.Shutdown()

	status, err := client.HealthCheck(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, status.Healthy, "%+v", status.Errors)
}
