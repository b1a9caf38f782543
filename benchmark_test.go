package ygggo_amysql

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchmarkRunner_Iterations(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT 1").WillReturnRows([]string{"1"}, Row{int64(1)})
	}

	runner := NewBenchmarkRunner(client, testKey, BenchmarkConfig{
		Iterations:  10,
		Concurrency: 2,
		Queries:     []string{"SELECT 1"},
	})
	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(10), res.TotalOps)
	assert.Equal(t, int64(10), res.SuccessOps)
	assert.Zero(t, res.ErrorOps)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 10, mock.Calls("run_query"))
	assert.Equal(t, 2, mock.Calls("connect"))
	assert.LessOrEqual(t, res.MinLatency, res.P50Latency)
	assert.LessOrEqual(t, res.P50Latency, res.MaxLatency)
	assert.Contains(t, res.String(), "ops=10 ok=10 err=0")

	// worker connections are closed when the run ends
	assert.Equal(t, int64(0), mock.OpenHandles())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBenchmarkRunner_MultiQueryAndErrors(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})

	runner := NewBenchmarkRunner(client, testKey, BenchmarkConfig{
		Iterations: 4,
		Queries:    []string{"SELECT 1", "SELECT 2"},
	})
	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.TotalOps)
	assert.Equal(t, int64(4), res.ErrorOps)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 4, res.Errors[0].Count)
	assert.Contains(t, res.Errors[0].Message, "unexpected query: SELECT 1")
	assert.Equal(t, 1, runner.config.Concurrency)
	assert.Equal(t, 4, mock.Calls("run_query"))
}

func TestBenchmarkRunner_ConnectFailure(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	mock.ExpectConnect().WillFail(1045, "Access denied")

	_, err := NewBenchmarkRunner(client, testKey, BenchmarkConfig{Iterations: 1}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.Contains(t, err.Error(), "setup failed")
}

func TestBenchmarkRunner_DurationAndProgress(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	for i := 0; i < 1000; i++ {
		mock.ExpectQuery("SELECT 1").Pending(1).WillReturnRows([]string{"1"}, Row{int64(1)})
	}

	runner := NewBenchmarkRunner(client, testKey, BenchmarkConfig{
		Duration:       60 * time.Millisecond,
		WarmupTime:     10 * time.Millisecond,
		Concurrency:    1,
		ReportInterval: 10 * time.Millisecond,
	})
	snapshots := make(chan BenchmarkSnapshot, 100)
	runner.Progress = func(s BenchmarkSnapshot) {
		select {
		case snapshots <- s:
		default:
		}
	}
	res, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, res.TotalOps)
	assert.GreaterOrEqual(t, res.Duration, 60*time.Millisecond)
	assert.Positive(t, res.ThroughputOPS)
	assert.NotEmpty(t, snapshots)
}

func TestBenchmarkErrorKey(t *testing.T) {
	a := &OperationError{Kind: ErrorKindProtocol, Errno: 1064, Message: "syntax", Elapsed: time.Millisecond}
	b := &OperationError{Kind: ErrorKindProtocol, Errno: 1064, Message: "syntax", Elapsed: time.Second}
	assert.Equal(t, benchmarkErrorKey(a), benchmarkErrorKey(b))
	assert.Equal(t, "plain", benchmarkErrorKey(fmt.Errorf("plain")))
}
