package ygggo_amysql

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/metric"
)

// task is one unit of work submitted to the reactor.
type task struct {
	fn        func()
	scheduled time.Time
}

// waitCounter counts outstanding items and lets callers wait for zero.
type waitCounter struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newWaitCounter() *waitCounter {
	w := &waitCounter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *waitCounter) add() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

// done decrements and reports false if the counter would go negative.
func (w *waitCounter) done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return false
	}
	w.n--
	if w.n == 0 {
		w.cond.Broadcast()
	}
	return true
}

func (w *waitCounter) waitZero() {
	w.mu.Lock()
	for w.n > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

func (w *waitCounter) value() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// ClientOption customizes a Client at construction.
type ClientOption func(*Client)

// WithLogger sets the logger for engine diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithDBLogger installs a query/connection observer and enables logging.
func WithDBLogger(l DBLogger) ClientOption {
	return func(c *Client) {
		c.dbLogger = l
		c.loggingEnabled = l != nil
	}
}

// WithDBCounter replaces the default SimpleDBCounter.
func WithDBCounter(counter DBCounter) ClientOption {
	return func(c *Client) {
		if counter != nil {
			c.counters = counter
		}
	}
}

// WithMeterProvider sets the meter provider used when metrics are enabled.
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(c *Client) { c.provider = provider }
}

// Client owns the reactor goroutine and every operation running on it.
type Client struct {
	cfg      ClientConfig
	handler  Handler
	counters DBCounter
	stats    *statsTracker

	obsMu          sync.RWMutex
	logger         *slog.Logger
	dbLogger       DBLogger
	loggingEnabled bool
	provider       metric.MeterProvider

	metrics          atomic.Pointer[Metrics]
	telemetryEnabled atomic.Bool

	queue     *mpscQueue[task]
	reactorID atomic.Uint64
	loopDone  chan struct{}

	// pendingMu guards the registry. It is never held together with the lock of
	// openConns.
	pendingMu       sync.Mutex
	pending         map[*operationBase]struct{}
	toRemove        []*operationBase
	blockOperations bool

	openConns  *waitCounter
	references *xsync.MapOf[ConnectionKey, int64]

	isShutdown atomic.Bool
}

// NewClient starts a client and its reactor goroutine. It returns once the reactor
// is running.
func NewClient(cfg ClientConfig, handler Handler, opts ...ClientOption) (*Client, error) {
	if handler == nil {
		return nil, errors.New("ygggo_amysql: nil handler")
	}
	cfg.DefaultOptions = cfg.DefaultOptions.withDefaults()
	if cfg.ConnectRetry.MaxAttempts > cfg.DefaultOptions.ConnectAttempts {
		cfg.DefaultOptions.ConnectAttempts = cfg.ConnectRetry.MaxAttempts
	}
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = defaultStreamBufferSize
	}
	c := &Client{
		cfg:        cfg,
		handler:    handler,
		counters:   &SimpleDBCounter{},
		stats:      newStatsTracker(),
		queue:      newMPSCQueue[task](),
		loopDone:   make(chan struct{}),
		pending:    make(map[*operationBase]struct{}),
		openConns:  newWaitCounter(),
		references: xsync.NewMapOf[ConnectionKey, int64](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Logging.Enabled {
		c.EnableLogging(true)
	}
	if cfg.Telemetry.Enabled {
		c.EnableTelemetry(true)
	}
	if cfg.Metrics.Enabled {
		c.initMetrics(c.provider)
	}

	running := make(chan struct{})
	go c.loop(running)
	<-running
	return c, nil
}

func (c *Client) loop(running chan struct{}) {
	defer close(c.loopDone)
	c.reactorID.Store(curGoroutineID())
	close(running)
	for t := range c.queue.Recv() {
		start := time.Now()
		c.recordCallbackDelay(start.Sub(t.scheduled))
		t.fn()
		c.stats.addTask(time.Since(start))
	}
}

// curGoroutineID parses the id of the calling goroutine from its stack header.
func curGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// IsInReactor reports whether the caller runs on the reactor goroutine.
func (c *Client) IsInReactor() bool {
	return c.reactorID.Load() == curGoroutineID()
}

// RunInThread schedules fn on the reactor. It returns false when the reactor no
// longer accepts work.
func (c *Client) RunInThread(fn func()) bool {
	return c.queue.Push(&task{fn: fn, scheduled: time.Now()})
}

// RunInThreadAndWait runs fn on the reactor and waits for it to return. On the
// reactor itself fn runs inline.
func (c *Client) RunInThreadAndWait(fn func()) bool {
	if c.IsInReactor() {
		fn()
		return true
	}
	done := make(chan struct{})
	if !c.RunInThread(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

func (c *Client) checkNotReactor(api string) error {
	if !c.IsInReactor() {
		return nil
	}
	c.invariantViolated("synchronous call on the reactor goroutine", slog.String("api", api))
	return &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
		Message: api + " must not be called from the reactor goroutine"}
}

// addOperation registers op. When admissions are blocked, or op already completed,
// it is not registered; a refused unstarted operation is cancelled.
func (c *Client) addOperation(op *operationBase) bool {
	c.pendingMu.Lock()
	if op.State() == OperationStateCompleted {
		c.pendingMu.Unlock()
		return false
	}
	if c.blockOperations {
		c.pendingMu.Unlock()
		c.diag().Debug("operation refused, client is draining",
			slog.String("operation_id", op.id), slog.String("operation", op.opType.String()))
		op.setError(ErrorKindCancelled, CRUnknownError, "Client is draining, new operations are not accepted")
		op.Cancel()
		return false
	}
	c.pending[op] = struct{}{}
	op.registered = true
	c.pendingMu.Unlock()
	c.recordOperationsPending(1)
	return true
}

// deferRemoveOperation queues a completed operation for the next cleanup pass.
func (c *Client) deferRemoveOperation(op *operationBase) {
	c.pendingMu.Lock()
	if !op.registered {
		c.pendingMu.Unlock()
		return
	}
	first := len(c.toRemove) == 0
	c.toRemove = append(c.toRemove, op)
	c.pendingMu.Unlock()
	if first && !c.RunInThread(c.cleanupCompletedOperations) {
		c.cleanupCompletedOperations()
	}
}

func (c *Client) cleanupCompletedOperations() {
	c.pendingMu.Lock()
	batch := c.toRemove
	c.toRemove = nil
	var missing []*operationBase
	for _, op := range batch {
		if _, ok := c.pending[op]; !ok {
			missing = append(missing, op)
			continue
		}
		delete(c.pending, op)
		op.registered = false
	}
	c.pendingMu.Unlock()

	c.recordOperationsPending(-int64(len(batch) - len(missing)))
	for _, op := range missing {
		c.invariantViolated("removing an operation that is not registered",
			slog.String("operation_id", op.id), slog.String("operation", op.opType.String()))
	}
}

// Drain cancels every operation that has not started yet, then waits until no
// native connection is open. With blockNewOperations set, later operations are
// refused.
func (c *Client) Drain(blockNewOperations bool) {
	c.pendingMu.Lock()
	if blockNewOperations {
		c.blockOperations = true
	}
	var unstarted []*operationBase
	for op := range c.pending {
		if op.cancelIfUnstarted() {
			delete(c.pending, op)
			op.registered = false
			unstarted = append(unstarted, op)
		}
	}
	c.pendingMu.Unlock()

	c.recordOperationsPending(-int64(len(unstarted)))
	for _, op := range unstarted {
		op.finish(OperationResultCancelled)
	}
	c.openConns.waitZero()
}

// Shutdown drains the client and stops the reactor. Only the first call does any
// work.
func (c *Client) Shutdown() {
	if c.isShutdown.Swap(true) {
		return
	}
	c.Drain(false)
	c.Drain(true)

	if n := c.openConns.value(); n != 0 {
		c.invariantViolated("open connections remain after drain", slog.Int("open", n))
	}
	if n := c.references.Size(); n != 0 {
		c.invariantViolated("connection references remain after drain", slog.Int("keys", n))
	}

	c.queue.Close()
	if c.IsInReactor() {
		c.diag().Error("client shut down from its own reactor goroutine; detaching instead of joining")
		return
	}
	<-c.loopDone
}

// Close is Shutdown for use with defer and io.Closer.
func (c *Client) Close() error {
	c.Shutdown()
	return nil
}

// PendingOperations returns the number of registered operations.
func (c *Client) PendingOperations() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// NumStartedAndOpenConnections returns the number of open native connections.
func (c *Client) NumStartedAndOpenConnections() int {
	return c.openConns.value()
}

// ConnectionsByKey returns the number of open native connections per key.
func (c *Client) ConnectionsByKey() map[ConnectionKey]int64 {
	out := make(map[ConnectionKey]int64)
	c.references.Range(func(k ConnectionKey, v int64) bool {
		out[k] = v
		return true
	})
	return out
}

// Stats returns reactor performance statistics.
func (c *Client) Stats() ClientPerfStats {
	return c.stats.snapshot()
}

// Counters returns the counter sink of this client.
func (c *Client) Counters() DBCounter {
	return c.counters
}

func (c *Client) Handler() Handler { return c.handler }

func (c *Client) Config() ClientConfig { return c.cfg }

// connectionOpened accounts for a new native handle.
func (c *Client) connectionOpened(key ConnectionKey) {
	c.openConns.add()
	c.references.Compute(key, func(old int64, _ bool) (int64, bool) {
		return old + 1, false
	})
	c.recordConnectionOpened()
}

func (c *Client) connectionClosed(key ConnectionKey) {
	c.references.Compute(key, func(old int64, loaded bool) (int64, bool) {
		if !loaded || old <= 1 {
			return 0, true
		}
		return old - 1, false
	})
	c.recordConnectionClosed()
	if !c.openConns.done() {
		c.invariantViolated("open connection counter went negative", slog.String("conn_key", key.String()))
	}
}

// BeginConnection creates and registers a connect operation without starting it.
func (c *Client) BeginConnection(key ConnectionKey) *ConnectOperation {
	return c.newConnectOperation(key)
}

// Connect opens a connection and waits for the result.
func (c *Client) Connect(ctx context.Context, host string, port int, database, user, password string, opts ConnectionOptions) (*Connection, error) {
	if err := c.checkNotReactor("Connect"); err != nil {
		return nil, err
	}
	op := c.BeginConnection(NewConnectionKey(host, port, database, user, password))
	op.SetConnectionOptions(opts)
	op.withContext(ctx)
	if err := op.Run(); err != nil {
		return nil, err
	}
	_ = op.Wait(ctx)
	if !op.OK() {
		return nil, op.Err()
	}
	return op.ReleaseConnection(), nil
}

// ConnectAsync starts a connect operation and delivers its result on the returned
// channel.
func (c *Client) ConnectAsync(ctx context.Context, key ConnectionKey, opts ConnectionOptions) <-chan ConnectResult {
	out := make(chan ConnectResult, 1)
	op := c.BeginConnection(key)
	op.SetConnectionOptions(opts)
	op.withContext(ctx)
	if err := op.Run(); err != nil {
		out <- ConnectResult{asyncStatus: asyncStatus{err: err}}
		close(out)
		return out
	}
	go func() {
		defer close(out)
		_ = op.Wait(ctx)
		res := ConnectResult{asyncStatus: asyncStatus{err: op.Err()}, Elapsed: op.Elapsed()}
		if op.OK() {
			res.Conn = op.ReleaseConnection()
		}
		out <- res
	}()
	return out
}

// AdoptConnection wraps a recycled holder in a new Connection.
func (c *Client) AdoptConnection(holder *ConnectionHolder) *Connection {
	conn := c.newConnection(holder.key, c.cfg.DefaultOptions)
	conn.holder = holder
	return conn
}
