package ygggo_amysql

import (
	"context"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricsInstrumentationName = "github.com/yggai/ygggo_amysql"
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool
}

// Metrics holds all the metric instruments
type Metrics struct {
	// Connection metrics
	connectionsOpen metric.Int64UpDownCounter
	connectsTotal   metric.Int64Counter
	connectDuration metric.Float64Histogram

	// Query metrics
	queriesTotal  metric.Int64Counter
	queryDuration metric.Float64Histogram

	// Reactor metrics
	operationsPending metric.Int64UpDownCounter
	callbackDelay     metric.Float64Histogram
}

// EnableMetrics enables or disables metrics collection for this client
func (c *Client) EnableMetrics(enabled bool) {
	if c == nil {
		return
	}
	if !enabled {
		c.metrics.Store(nil)
		return
	}
	c.initMetrics(c.meterProvider())
}

// SetMeterProvider sets a custom meter provider for metrics
func (c *Client) SetMeterProvider(provider metric.MeterProvider) {
	if c == nil {
		return
	}
	c.obsMu.Lock()
	c.provider = provider
	c.obsMu.Unlock()
	if c.metrics.Load() != nil || c.cfg.Metrics.Enabled {
		c.initMetrics(provider)
	}
}

func (c *Client) meterProvider() metric.MeterProvider {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.provider
}

// initMetrics initializes all metric instruments
func (c *Client) initMetrics(provider metric.MeterProvider) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(metricsInstrumentationName)

	m := &Metrics{}
	m.connectionsOpen, _ = meter.Int64UpDownCounter(
		"ygggo_amysql_connections_open",
		metric.WithDescription("Number of open native connections"),
	)
	m.connectsTotal, _ = meter.Int64Counter(
		"ygggo_amysql_connects_total",
		metric.WithDescription("Total number of connect operations"),
	)
	m.connectDuration, _ = meter.Float64Histogram(
		"ygggo_amysql_connect_duration_seconds",
		metric.WithDescription("Duration of connect operations"),
		metric.WithUnit("s"),
	)
	m.queriesTotal, _ = meter.Int64Counter(
		"ygggo_amysql_queries_total",
		metric.WithDescription("Total number of query operations"),
	)
	m.queryDuration, _ = meter.Float64Histogram(
		"ygggo_amysql_query_duration_seconds",
		metric.WithDescription("Duration of query operations"),
		metric.WithUnit("s"),
	)
	m.operationsPending, _ = meter.Int64UpDownCounter(
		"ygggo_amysql_operations_pending",
		metric.WithDescription("Operations registered with the client"),
	)
	m.callbackDelay, _ = meter.Float64Histogram(
		"ygggo_amysql_callback_delay_seconds",
		metric.WithDescription("Delay between scheduling work on the reactor and running it"),
		metric.WithUnit("s"),
	)
	c.metrics.Store(m)
}

func statusAttr(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("status", "success")
	}
	return attribute.String("status", "error")
}

func (c *Client) recordConnect(ctx context.Context, duration time.Duration, ok bool) {
	m := c.metrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(statusAttr(ok))
	m.connectsTotal.Add(ctx, 1, attrs)
	m.connectDuration.Record(ctx, duration.Seconds(), attrs)
}

func (c *Client) recordQuery(ctx context.Context, opType OperationType, duration time.Duration, ok bool) {
	m := c.metrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", opType.String()),
		statusAttr(ok),
	)
	m.queriesTotal.Add(ctx, 1, attrs)
	m.queryDuration.Record(ctx, duration.Seconds(), attrs)
}

func (c *Client) recordConnectionOpened() {
	c.counters.IncrOpenedConnections()
	if m := c.metrics.Load(); m != nil {
		m.connectionsOpen.Add(context.Background(), 1)
	}
}

func (c *Client) recordConnectionClosed() {
	c.counters.IncrClosedConnections()
	if m := c.metrics.Load(); m != nil {
		m.connectionsOpen.Add(context.Background(), -1)
	}
}

func (c *Client) recordOperationsPending(delta int64) {
	if m := c.metrics.Load(); m != nil {
		m.operationsPending.Add(context.Background(), delta)
	}
}

func (c *Client) recordCallbackDelay(d time.Duration) {
	c.stats.addCallbackDelay(d)
	if m := c.metrics.Load(); m != nil {
		m.callbackDelay.Record(context.Background(), d.Seconds())
	}
}

// DBCounter counts query and connection outcomes.
type DBCounter interface {
	IncrSucceededQueries()
	IncrFailedQueries(errno uint16)
	IncrFailedConnections(errno uint16)
	IncrOpenedConnections()
	IncrClosedConnections()
}

// SimpleDBCounter is a lock-free DBCounter.
type SimpleDBCounter struct {
	succeededQueries  atomic.Int64
	failedQueries     atomic.Int64
	failedConnections atomic.Int64
	openedConnections atomic.Int64
	closedConnections atomic.Int64
}

func (s *SimpleDBCounter) IncrSucceededQueries() { s.succeededQueries.Add(1) }
func (s *SimpleDBCounter) IncrFailedQueries(uint16) { s.failedQueries.Add(1) }
func (s *SimpleDBCounter) IncrFailedConnections(uint16) { s.failedConnections.Add(1) }
func (s *SimpleDBCounter) IncrOpenedConnections() { s.openedConnections.Add(1) }
func (s *SimpleDBCounter) IncrClosedConnections() { s.closedConnections.Add(1) }
func (s *SimpleDBCounter) SucceededQueries() int64 { return s.succeededQueries.Load() }
func (s *SimpleDBCounter) FailedQueries() int64 { return s.failedQueries.Load() }
func (s *SimpleDBCounter) FailedConnections() int64 { return s.failedConnections.Load() }
func (s *SimpleDBCounter) OpenedConnections() int64 { return s.openedConnections.Load() }
func (s *SimpleDBCounter) ClosedConnections() int64 { return s.closedConnections.Load() }

// ClientPerfStats summarizes reactor health.
type ClientPerfStats struct {
	CallbackDelayMicrosAvg float64
	CallbackDelayMicrosP99 float64
	IOEventLoopMicrosAvg   float64
	TasksRun               int64
}

// statsTracker keeps in-process reactor statistics.
type statsTracker struct {
	registry      gometrics.Registry
	callbackDelay gometrics.Histogram
	loopBusy      gometrics.Histogram
	tasks         gometrics.Counter
}

func newStatsTracker() *statsTracker {
	s := &statsTracker{
		registry:      gometrics.NewRegistry(),
		callbackDelay: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		loopBusy:      gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		tasks:         gometrics.NewCounter(),
	}
	_ = s.registry.Register("callback_delay_us", s.callbackDelay)
	_ = s.registry.Register("event_loop_busy_us", s.loopBusy)
	_ = s.registry.Register("tasks_run", s.tasks)
	return s
}

func (s *statsTracker) addCallbackDelay(d time.Duration) {
	s.callbackDelay.Update(d.Microseconds())
}

func (s *statsTracker) addTask(busy time.Duration) {
	s.tasks.Inc(1)
	s.loopBusy.Update(busy.Microseconds())
}

func (s *statsTracker) snapshot() ClientPerfStats {
	return ClientPerfStats{
		CallbackDelayMicrosAvg: s.callbackDelay.Mean(),
		CallbackDelayMicrosP99: s.callbackDelay.Percentile(0.99),
		IOEventLoopMicrosAvg:   s.loopBusy.Mean(),
		TasksRun:               s.tasks.Count(),
	}
}
