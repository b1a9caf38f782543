package ygggo_amysql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// HealthStatus represents the health of one connection target as seen by a client
type HealthStatus struct {
	Healthy           bool                   `json:"healthy"`
	Key               string                 `json:"key"`
	LastChecked       time.Time              `json:"last_checked"`
	ResponseTime      time.Duration          `json:"response_time"`
	ConnectTime       time.Duration          `json:"connect_time"`
	QueryTime         time.Duration          `json:"query_time"`
	PendingOperations int                    `json:"pending_operations"`
	OpenConnections   int                    `json:"open_connections"`
	Errors            []HealthError          `json:"errors,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
}

// HealthError represents a health check error
type HealthError struct {
	Type        string    `json:"type"`
	Errno       uint16    `json:"errno,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	Timeout            time.Duration `json:"timeout"`
	RetryAttempts      int           `json:"retry_attempts"`
	RetryBackoff       time.Duration `json:"retry_backoff"`
	QueryTimeout       time.Duration `json:"query_timeout"`
	TestQuery          string        `json:"test_query"`
	MonitoringInterval time.Duration `json:"monitoring_interval"`
}

// DefaultHealthCheckConfig returns default health check configuration
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Timeout:            5 * time.Second,
		RetryAttempts:      3,
		RetryBackoff:       time.Second,
		QueryTimeout:       3 * time.Second,
		TestQuery:          "SELECT 1",
		MonitoringInterval: 30 * time.Second,
	}
}

func healthError(typ string, err error) HealthError {
	errno := ErrnoOf(err)
	return HealthError{
		Type:        typ,
		Errno:       errno,
		Message:     err.Error(),
		Timestamp:   time.Now(),
		Recoverable: errors.Is(err, ErrTimeout) || ClassifyErrno(errno) == ErrClassConnection || ClassifyErrno(errno) == ErrClassRetryable,
	}
}

// HealthCheck opens a connection to key, runs the test query and reports timings.
// A failed check is reported in the status, not as an error.
func (c *Client) HealthCheck(ctx context.Context, key ConnectionKey) (*HealthStatus, error) {
	return c.HealthCheckWithConfig(ctx, key, DefaultHealthCheckConfig())
}

// HealthCheckWithConfig performs a health check with custom configuration
func (c *Client) HealthCheckWithConfig(ctx context.Context, key ConnectionKey, config HealthCheckConfig) (*HealthStatus, error) {
	if err := c.checkNotReactor("HealthCheck"); err != nil {
		return nil, err
	}
	start := time.Now()
	status := &HealthStatus{
		Key:         key.String(),
		LastChecked: start,
		Details:     make(map[string]interface{}),
		Errors:      make([]HealthError, 0),
	}
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	opts := ConnectionOptions{QueryTimeout: config.QueryTimeout}
	conn, err := c.Connect(ctx, key.Host, key.Port, key.Database, key.User, key.Password, opts)
	status.ConnectTime = time.Since(start)
	if err != nil {
		status.Errors = append(status.Errors, healthError("connectivity", err))
	} else {
		qstart := time.Now()
		res, qerr := conn.Query(ctx, config.TestQuery)
		status.QueryTime = time.Since(qstart)
		if qerr != nil {
			status.Errors = append(status.Errors, healthError("query_execution", qerr))
		} else if res.NumRows() == 0 {
			status.Errors = append(status.Errors, HealthError{
				Type:      "query_execution",
				Message:   "test query returned no rows",
				Timestamp: time.Now(),
			})
		} else {
			status.Details["test_query_result"] = res.Rows[0]
		}
		_ = conn.Close()
	}

	c.collectClientStats(status)
	status.ResponseTime = time.Since(start)
	status.Healthy = len(status.Errors) == 0
	return status, nil
}

// collectClientStats gathers reactor and registry statistics
func (c *Client) collectClientStats(status *HealthStatus) {
	status.PendingOperations = c.PendingOperations()
	status.OpenConnections = c.NumStartedAndOpenConnections()
	stats := c.Stats()
	status.Details["client_stats"] = map[string]interface{}{
		"callback_delay_us_avg": stats.CallbackDelayMicrosAvg,
		"callback_delay_us_p99": stats.CallbackDelayMicrosP99,
		"io_event_loop_us_avg":  stats.IOEventLoopMicrosAvg,
		"tasks_run":             stats.TasksRun,
	}
}

// HealthCheckWithRetry repeats a failing check while its errors are recoverable.
func (c *Client) HealthCheckWithRetry(ctx context.Context, key ConnectionKey, config HealthCheckConfig) (*HealthStatus, error) {
	var last *HealthStatus
	for attempt := 0; attempt <= config.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * config.RetryBackoff
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return last, ctx.Err()
			case <-t.C:
			}
		}
		status, err := c.HealthCheckWithConfig(ctx, key, config)
		if err != nil {
			return nil, err
		}
		if status.Healthy {
			return status, nil
		}
		last = status
		recoverable := false
		for _, he := range status.Errors {
			if he.Recoverable {
				recoverable = true
				break
			}
		}
		if !recoverable {
			break
		}
	}
	return last, nil
}

// HealthMonitor runs periodic health checks of one key
type HealthMonitor struct {
	client *Client
	key    ConnectionKey
	config HealthCheckConfig

	statusMutex sync.RWMutex
	status      *HealthStatus

	runningMutex sync.Mutex
	stopChan     chan struct{}
	doneChan     chan struct{}
	running      bool
}

// NewHealthMonitor creates a monitor; call Start to begin checking.
func (c *Client) NewHealthMonitor(key ConnectionKey, config HealthCheckConfig) *HealthMonitor {
	if config.MonitoringInterval <= 0 {
		config.MonitoringInterval = DefaultHealthCheckConfig().MonitoringInterval
	}
	return &HealthMonitor{client: c, key: key, config: config}
}

// Start begins continuous health monitoring
func (hm *HealthMonitor) Start() error {
	hm.runningMutex.Lock()
	defer hm.runningMutex.Unlock()
	if hm.running {
		return fmt.Errorf("health monitoring is already running")
	}
	hm.stopChan = make(chan struct{})
	hm.doneChan = make(chan struct{})
	hm.running = true
	go hm.monitorLoop(hm.stopChan, hm.doneChan)
	return nil
}

// Stop stops monitoring and waits for a running check to finish.
func (hm *HealthMonitor) Stop() error {
	hm.runningMutex.Lock()
	if !hm.running {
		hm.runningMutex.Unlock()
		return fmt.Errorf("health monitoring is not running")
	}
	close(hm.stopChan)
	done := hm.doneChan
	hm.running = false
	hm.runningMutex.Unlock()
	<-done
	return nil
}

// IsRunning returns whether health monitoring is currently active
func (hm *HealthMonitor) IsRunning() bool {
	hm.runningMutex.Lock()
	defer hm.runningMutex.Unlock()
	return hm.running
}

// Status returns the latest status, nil before the first check finished.
func (hm *HealthMonitor) Status() *HealthStatus {
	hm.statusMutex.RLock()
	defer hm.statusMutex.RUnlock()
	if hm.status == nil {
		return nil
	}
	cp := *hm.status
	cp.Details = make(map[string]interface{}, len(hm.status.Details))
	for k, v := range hm.status.Details {
		cp.Details[k] = v
	}
	cp.Errors = append([]HealthError(nil), hm.status.Errors...)
	return &cp
}

func (hm *HealthMonitor) monitorLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(hm.config.MonitoringInterval)
	defer ticker.Stop()

	hm.performHealthCheck()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hm.performHealthCheck()
		}
	}
}

func (hm *HealthMonitor) performHealthCheck() {
	status, err := hm.client.HealthCheckWithConfig(context.Background(), hm.key, hm.config)
	if err != nil {
		status = &HealthStatus{
			Key:         hm.key.String(),
			LastChecked: time.Now(),
			Details:     make(map[string]interface{}),
			Errors:      []HealthError{healthError("health_check_failure", err)},
		}
	}
	hm.statusMutex.Lock()
	hm.status = status
	hm.statusMutex.Unlock()
}
