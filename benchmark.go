package ygggo_amysql

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BenchmarkConfig holds configuration for a client load run
type BenchmarkConfig struct {
	Duration    time.Duration `json:"duration"`    // Test duration
	Concurrency int           `json:"concurrency"` // Number of concurrent workers
	Iterations  int           `json:"iterations"`  // Number of operations (0 = duration-based)
	WarmupTime  time.Duration `json:"warmup_time"`

	// Statements run by every operation. More than one makes each operation a
	// MultiQuery.
	Queries []string `json:"queries"`

	ReportInterval time.Duration `json:"report_interval"`
}

// DefaultBenchmarkConfig returns default benchmark configuration
func DefaultBenchmarkConfig() BenchmarkConfig {
	return BenchmarkConfig{
		Duration:       10 * time.Second,
		Concurrency:    10,
		WarmupTime:     time.Second,
		Queries:        []string{"SELECT 1"},
		ReportInterval: 0,
	}
}

// BenchmarkResult contains the results of a load run
type BenchmarkResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	TotalOps      int64   `json:"total_ops"`
	SuccessOps    int64   `json:"success_ops"`
	ErrorOps      int64   `json:"error_ops"`
	ThroughputOPS float64 `json:"throughput_ops"`

	AvgLatency time.Duration `json:"avg_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	P50Latency time.Duration `json:"p50_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`

	// Reactor statistics sampled at the end of the run.
	ClientStats ClientPerfStats `json:"client_stats"`

	Errors []BenchmarkError `json:"errors,omitempty"`
	Config BenchmarkConfig  `json:"config"`
}

// BenchmarkError counts occurrences of one error message
type BenchmarkError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
}

// BenchmarkSnapshot represents a point-in-time metrics snapshot
type BenchmarkSnapshot struct {
	Elapsed    time.Duration `json:"elapsed"`
	Operations int64         `json:"operations"`
	Errors     int64         `json:"errors"`
	Throughput float64       `json:"throughput"`
}

type benchmarkMetrics struct {
	mutex        sync.RWMutex
	startTime    time.Time
	operations   int64
	errors       int64
	latencies    []time.Duration
	errorDetails map[string]*BenchmarkError
}

func newBenchmarkMetrics() *benchmarkMetrics {
	return &benchmarkMetrics{
		startTime:    time.Now(),
		latencies:    make([]time.Duration, 0, 10000),
		errorDetails: make(map[string]*BenchmarkError),
	}
}

func (m *benchmarkMetrics) record(latency time.Duration, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.operations++
	if len(m.latencies) < 10000 {
		m.latencies = append(m.latencies, latency)
	} else if m.operations%100 == 0 {
		m.latencies[int(m.operations%10000)] = latency
	}
	if err == nil {
		return
	}
	m.errors++
	msg := benchmarkErrorKey(err)
	if existing, ok := m.errorDetails[msg]; ok {
		existing.Count++
		return
	}
	m.errorDetails[msg] = &BenchmarkError{Timestamp: time.Now(), Message: msg, Count: 1}
}

// benchmarkErrorKey drops the per-operation parts of an error so repeated
// failures aggregate.
func benchmarkErrorKey(err error) string {
	var oe *OperationError
	if errors.As(err, &oe) {
		return fmt.Sprintf("%s: [%d] %s", oe.Kind, oe.Errno, oe.Message)
	}
	return err.Error()
}

func (m *benchmarkMetrics) snapshot() BenchmarkSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	elapsed := time.Since(m.startTime)
	return BenchmarkSnapshot{
		Elapsed:    elapsed,
		Operations: m.operations,
		Errors:     m.errors,
		Throughput: float64(m.operations) / elapsed.Seconds(),
	}
}

// BenchmarkRunner drives concurrent query operations through a client. Each
// worker holds one connection for the whole run.
type BenchmarkRunner struct {
	client  *Client
	key     ConnectionKey
	config  BenchmarkConfig
	metrics *benchmarkMetrics

	// Progress receives periodic snapshots when ReportInterval is set.
	Progress func(BenchmarkSnapshot)
}

// NewBenchmarkRunner creates a new benchmark runner
func NewBenchmarkRunner(client *Client, key ConnectionKey, config BenchmarkConfig) *BenchmarkRunner {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if len(config.Queries) == 0 {
		config.Queries = DefaultBenchmarkConfig().Queries
	}
	return &BenchmarkRunner{client: client, key: key, config: config, metrics: newBenchmarkMetrics()}
}

// Run opens one connection per worker, warms up, then measures.
func (r *BenchmarkRunner) Run(ctx context.Context) (*BenchmarkResult, error) {
	conns := make([]*Connection, 0, r.config.Concurrency)
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	for i := 0; i < r.config.Concurrency; i++ {
		conn, err := r.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("setup failed: %w", err)
		}
		conns = append(conns, conn)
	}

	if r.config.WarmupTime > 0 {
		warmupCtx, cancel := context.WithTimeout(ctx, r.config.WarmupTime)
		r.runWorkers(warmupCtx, conns, nil)
		cancel()
	}

	r.metrics = newBenchmarkMetrics()
	var testCtx context.Context
	var cancel context.CancelFunc
	if r.config.Duration > 0 {
		testCtx, cancel = context.WithTimeout(ctx, r.config.Duration)
	} else {
		testCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var reportDone chan struct{}
	if r.config.ReportInterval > 0 && r.Progress != nil {
		reportDone = make(chan struct{})
		go r.reportProgress(testCtx, reportDone)
	}

	start := time.Now()
	r.runWorkers(testCtx, conns, r.metrics)
	end := time.Now()
	if reportDone != nil {
		close(reportDone)
	}
	return r.generateResult(start, end), nil
}

func (r *BenchmarkRunner) connect(ctx context.Context) (*Connection, error) {
	return r.client.Connect(ctx, r.key.Host, r.key.Port, r.key.Database, r.key.User, r.key.Password, ConnectionOptions{})
}

// runWorkers runs one worker per connection. A worker replaces its connection when
// a cancelled or timed-out statement left it unusable, so conns is updated in place.
func (r *BenchmarkRunner) runWorkers(ctx context.Context, conns []*Connection, metrics *benchmarkMetrics) {
	var wg sync.WaitGroup
	var issued int64
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for ctx.Err() == nil {
				if h := conns[i].Holder(); h == nil || h.Abandoned() {
					fresh, err := r.connect(ctx)
					if err != nil {
						if metrics != nil && ctx.Err() == nil {
							metrics.record(0, err)
						}
						return
					}
					_ = conns[i].Close()
					conns[i] = fresh
				}
				if metrics != nil && r.config.Iterations > 0 && atomic.AddInt64(&issued, 1) > int64(r.config.Iterations) {
					return
				}
				start := time.Now()
				err := r.runOnce(ctx, conns[i])
				if metrics != nil && ctx.Err() == nil {
					metrics.record(time.Since(start), err)
				}
			}
		}(i)
	}
	wg.Wait()
}

func (r *BenchmarkRunner) runOnce(ctx context.Context, conn *Connection) error {
	if len(r.config.Queries) == 1 {
		_, err := conn.Query(ctx, r.config.Queries[0])
		return err
	}
	_, err := conn.MultiQuery(ctx, r.config.Queries)
	return err
}

func (r *BenchmarkRunner) reportProgress(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(r.config.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			r.Progress(r.metrics.snapshot())
		}
	}
}

func (r *BenchmarkRunner) generateResult(startTime, endTime time.Time) *BenchmarkResult {
	m := r.metrics
	m.mutex.RLock()
	latencies := append([]time.Duration(nil), m.latencies...)
	ops, errs := m.operations, m.errors
	details := make([]BenchmarkError, 0, len(m.errorDetails))
	for _, e := range m.errorDetails {
		details = append(details, *e)
	}
	m.mutex.RUnlock()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	sort.Slice(details, func(i, j int) bool { return details[i].Count > details[j].Count })

	duration := endTime.Sub(startTime)
	result := &BenchmarkResult{
		StartTime:   startTime,
		EndTime:     endTime,
		Duration:    duration,
		TotalOps:    ops,
		SuccessOps:  ops - errs,
		ErrorOps:    errs,
		ClientStats: r.client.Stats(),
		Errors:      details,
		Config:      r.config,
	}
	if duration > 0 {
		result.ThroughputOPS = float64(ops) / duration.Seconds()
	}
	if n := len(latencies); n > 0 {
		var total time.Duration
		for _, lat := range latencies {
			total += lat
		}
		result.AvgLatency = time.Duration(int64(total) / int64(n))
		result.MinLatency = latencies[0]
		result.MaxLatency = latencies[n-1]
		result.P50Latency = latencies[int(float64(n)*0.5)]
		result.P95Latency = latencies[int(float64(n)*0.95)]
		result.P99Latency = latencies[int(float64(n)*0.99)]
	}
	return result
}

// String renders a short human readable summary.
func (res *BenchmarkResult) String() string {
	return fmt.Sprintf("ops=%d ok=%d err=%d throughput=%.1f/s avg=%s p50=%s p95=%s p99=%s max=%s",
		res.TotalOps, res.SuccessOps, res.ErrorOps, res.ThroughputOPS,
		res.AvgLatency, res.P50Latency, res.P95Latency, res.P99Latency, res.MaxLatency)
}
