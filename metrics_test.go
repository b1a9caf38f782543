package ygggo_amysql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// sumInt64 adds up the data points of an int64 sum carrying every given attribute.
func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is %T", name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, want := range attrs {
			got, ok := dp.Attributes.Value(want.Key)
			if !ok || got.Emit() != want.Value.Emit() {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		return 0
	}
	h, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "%s is %T", name, m.Data)
	var n uint64
	for _, dp := range h.DataPoints {
		n += dp.Count
	}
	return n
}

func TestMetrics_QueriesAndConnections(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	client, mock := newMockClient(t, ClientConfig{Metrics: MetricsConfig{Enabled: true}},
		WithMeterProvider(provider))
	mock.ExpectQuery("SELECT 1").WillReturnRows([]string{"1"}, Row{int64(1)})
	mock.ExpectQuery("SELEC 1").WillFail(1064, "syntax error")

	conn, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{})
	require.NoError(t, err)
	_, err = conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	_, err = conn.Query(context.Background(), "SELEC 1")
	require.Error(t, err)

	rm := collect(t, reader)
	success := attribute.String("status", "success")
	failure := attribute.String("status", "error")
	query := attribute.String("operation", "query")

	assert.Equal(t, int64(1), sumInt64(t, rm, "ygggo_amysql_connects_total", success))
	assert.Equal(t, uint64(1), histogramCount(t, rm, "ygggo_amysql_connect_duration_seconds"))
	assert.Equal(t, int64(1), sumInt64(t, rm, "ygggo_amysql_queries_total", query, success))
	assert.Equal(t, int64(1), sumInt64(t, rm, "ygggo_amysql_queries_total", query, failure))
	assert.Equal(t, uint64(2), histogramCount(t, rm, "ygggo_amysql_query_duration_seconds"))
	assert.Equal(t, int64(1), sumInt64(t, rm, "ygggo_amysql_connections_open"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return sumInt64(t, collect(t, reader), "ygggo_amysql_connections_open") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMetrics_FailedConnect(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	client, mock := newMockClient(t, ClientConfig{}, WithMeterProvider(provider))
	client.EnableMetrics(true)
	mock.ExpectConnect().WillFail(1045, "Access denied")

	_, err := client.Connect(context.Background(), testKey.Host, testKey.Port, testKey.Database,
		testKey.User, testKey.Password, ConnectionOptions{})
	require.Error(t, err)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumInt64(t, rm, "ygggo_amysql_connects_total", attribute.String("status", "error")))
	assert.Equal(t, int64(0), sumInt64(t, rm, "ygggo_amysql_connections_open"))
}

func TestMetrics_Disabled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	client, mock := newMockClient(t, ClientConfig{Metrics: MetricsConfig{Enabled: true}},
		WithMeterProvider(provider))
	client.EnableMetrics(false)
	mock.ExpectQuery("SELECT 1").WillReturnRows([]string{"1"}, Row{int64(1)})
	conn := mustConnect(t, client)

	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sumInt64(t, collect(t, reader), "ygggo_amysql_queries_total"))
}

func TestStats_CallbackDelay(t *testing.T) {
	client, mock := newMockClient(t, ClientConfig{})
	mock.ExpectQuery("SELECT 1").Pending(2).WillReturnRows([]string{"1"}, Row{int64(1)})
	conn := mustConnect(t, client)

	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	stats := client.Stats()
	assert.Positive(t, stats.TasksRun)
	assert.GreaterOrEqual(t, stats.CallbackDelayMicrosAvg, float64(0))
}
