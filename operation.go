package ygggo_amysql

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// OperationState is the lifecycle state of an operation. States only move forward.
type OperationState int32

const (
	OperationStateUnstarted OperationState = iota
	OperationStatePending
	OperationStateCancelling
	OperationStateCompleted
)

func (s OperationState) String() string {
	switch s {
	case OperationStateUnstarted:
		return "Unstarted"
	case OperationStatePending:
		return "Pending"
	case OperationStateCancelling:
		return "Cancelling"
	case OperationStateCompleted:
		return "Completed"
	}
	return fmt.Sprintf("OperationState(%d)", int32(s))
}

// OperationResult is the outcome of a completed operation. Cancelled and TimedOut
// are failures.
type OperationResult int32

const (
	OperationResultUnknown OperationResult = iota
	OperationResultSucceeded
	OperationResultFailed
	OperationResultCancelled
	OperationResultTimedOut
)

func (r OperationResult) String() string {
	switch r {
	case OperationResultUnknown:
		return "Unknown"
	case OperationResultSucceeded:
		return "Succeeded"
	case OperationResultFailed:
		return "Failed"
	case OperationResultCancelled:
		return "Cancelled"
	case OperationResultTimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("OperationResult(%d)", int32(r))
}

// OperationType is the closed set of operation kinds.
type OperationType int

const (
	OperationTypeConnect OperationType = iota
	OperationTypeQuery
	OperationTypeMultiQuery
	OperationTypeMultiQueryStream
	OperationTypeReset
	OperationTypeChangeUser
)

func (t OperationType) String() string {
	switch t {
	case OperationTypeConnect:
		return "connect"
	case OperationTypeQuery:
		return "query"
	case OperationTypeMultiQuery:
		return "multi_query"
	case OperationTypeMultiQueryStream:
		return "multi_query_stream"
	case OperationTypeReset:
		return "reset_conn"
	case OperationTypeChangeUser:
		return "change_user"
	}
	return fmt.Sprintf("OperationType(%d)", int(t))
}

// stepOutcome is what one advance of an operation produced.
type stepOutcome int

const (
	// stepPending: a primitive reported PENDING, wait for readiness.
	stepPending stepOutcome = iota
	// stepSuspended: waiting on something other than the socket (callback,
	// stream consumer, retry timer). The waker resumes the operation.
	stepSuspended
	stepSucceeded
	stepFailed
)

// operationKind is implemented by every concrete operation type.
type operationKind interface {
	Operation
	// advance drives primitive calls until one reports PENDING or the
	// operation reaches a terminal outcome.
	advance() stepOutcome
	// onTimeout records the kind specific timeout error.
	onTimeout()
	// onComplete runs once, after the state became Completed and before the
	// post-operation callback.
	onComplete(result OperationResult)
}

// Operation is the common surface of all operation kinds.
type Operation interface {
	ID() string
	Type() OperationType
	State() OperationState
	Result() OperationResult
	OK() bool
	Err() error
	Errno() uint16
	Kind() ErrorKind
	Run() error
	Cancel()
	Wait(ctx context.Context) error
	Done() <-chan struct{}
	Elapsed() time.Duration
	Timeout() time.Duration
	SetTimeout(d time.Duration)
	SetAttributes(attrs map[string]string)
	Attributes() map[string]string
	SetPreOperationCallback(fn func(Operation))
	SetPostOperationCallback(fn func(Operation))

	base() *operationBase
}

// operationBase is the engine core shared by all kinds. Fields without a lock are
// owned by the reactor goroutine once the operation has started.
type operationBase struct {
	impl   operationKind
	client *Client
	conn   *connectionProxy
	opType OperationType
	id     string
	ctx    context.Context

	stateMu sync.Mutex
	state   atomic.Int32
	result  atomic.Int32
	started bool // guarded by stateMu
	// cancelledUnstarted is set when the operation was cancelled before Run; guarded
	// by stateMu.
	cancelledUnstarted bool

	// registered is guarded by the client's pendingMu.
	registered bool

	timeout    time.Duration
	deadline   time.Time
	startNanos atomic.Int64
	endNanos   atomic.Int64
	bound      bool

	err           atomic.Pointer[OperationError]
	attributes    map[string]string
	preOperation  func(Operation)
	postOperation func(Operation)
	span          trace.Span
	done          chan struct{}
}

func (op *operationBase) init(c *Client, conn *connectionProxy, t OperationType, impl operationKind) {
	op.impl = impl
	op.client = c
	op.conn = conn
	op.opType = t
	op.id = uuid.NewString()
	op.ctx = context.Background()
	op.done = make(chan struct{})
	if c := conn.get(); c != nil {
		c.current.Store(op)
	}
}

func (op *operationBase) base() *operationBase { return op }

func (op *operationBase) ID() string { return op.id }

func (op *operationBase) Type() OperationType { return op.opType }

func (op *operationBase) State() OperationState { return OperationState(op.state.Load()) }

func (op *operationBase) Result() OperationResult { return OperationResult(op.result.Load()) }

// OK reports whether the operation completed successfully.
func (op *operationBase) OK() bool { return op.Result() == OperationResultSucceeded }

func (op *operationBase) Done() <-chan struct{} { return op.done }

// Err returns the operation error, or nil.
func (op *operationBase) Err() error {
	if e := op.err.Load(); e != nil {
		return e
	}
	return nil
}

func (op *operationBase) Errno() uint16 {
	if e := op.err.Load(); e != nil {
		return e.Errno
	}
	return 0
}

func (op *operationBase) Kind() ErrorKind {
	if e := op.err.Load(); e != nil {
		return e.Kind
	}
	return ErrorKindNone
}

func (op *operationBase) errMessage() string {
	if e := op.err.Load(); e != nil {
		return e.Message
	}
	return ""
}

func (op *operationBase) Elapsed() time.Duration {
	start := op.startNanos.Load()
	if start == 0 {
		return 0
	}
	end := op.endNanos.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

func (op *operationBase) Timeout() time.Duration { return op.timeout }

// SetTimeout sets the operation deadline relative to Run. Ignored once started.
func (op *operationBase) SetTimeout(d time.Duration) {
	if op.State() != OperationStateUnstarted {
		return
	}
	op.timeout = d
}

// SetAttributes attaches key/value attributes reported to loggers. Must be called
// before Run.
func (op *operationBase) SetAttributes(attrs map[string]string) {
	if op.State() != OperationStateUnstarted {
		return
	}
	if op.attributes == nil {
		op.attributes = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		op.attributes[k] = v
	}
}

func (op *operationBase) Attributes() map[string]string { return op.attributes }

func (op *operationBase) SetPreOperationCallback(fn func(Operation)) { op.preOperation = fn }

func (op *operationBase) SetPostOperationCallback(fn func(Operation)) { op.postOperation = fn }

// withContext sets the context used for tracing and logging.
func (op *operationBase) withContext(ctx context.Context) {
	if ctx != nil {
		op.ctx = ctx
	}
}

func (op *operationBase) connection() *Connection { return op.conn.get() }

func (op *operationBase) key() ConnectionKey {
	if c := op.conn.get(); c != nil {
		return c.key
	}
	return ConnectionKey{}
}

func (op *operationBase) handle() NativeHandle {
	if c := op.conn.get(); c != nil && c.holder != nil {
		return c.holder.handle
	}
	return nil
}

func (op *operationBase) socket() *socketHandler {
	if c := op.conn.get(); c != nil {
		return c.socket
	}
	return nil
}

// setError records the failure details; the first error wins.
func (op *operationBase) setError(kind ErrorKind, errno uint16, msg string) {
	op.err.CompareAndSwap(nil, &OperationError{
		Kind:    kind,
		Errno:   errno,
		Message: msg,
		Key:     op.key(),
		Op:      op.opType,
	})
}

func (op *operationBase) setHandleError(kind ErrorKind, h NativeHandle) {
	errno, msg := CRUnknownError, "unknown error"
	if h != nil && h.Errno() != 0 {
		errno, msg = h.Errno(), h.ErrorMessage()
	}
	op.setError(kind, errno, msg)
}

func (op *operationBase) loggingData() CommonLoggingData {
	return CommonLoggingData{
		OperationID:   op.id,
		OperationType: op.opType,
		Duration:      op.Elapsed(),
		Timeout:       op.timeout,
		Attributes:    op.attributes,
		PerfStats:     op.client.stats.snapshot(),
	}
}

func invalidStateError(op *operationBase, msg string) *OperationError {
	return &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError, Message: msg, Key: op.key(), Op: op.opType}
}

// Run starts the operation. It may be called once; a second call fails with
// ErrInvalidState. Running an operation cancelled before it started is a no-op.
func (op *operationBase) Run() error {
	op.stateMu.Lock()
	if op.started {
		op.stateMu.Unlock()
		return invalidStateError(op, "operation already run")
	}
	op.started = true
	if op.cancelledUnstarted || op.State() != OperationStateUnstarted {
		op.stateMu.Unlock()
		return nil
	}
	op.startNanos.Store(time.Now().UnixNano())
	op.state.Store(int32(OperationStatePending))
	op.stateMu.Unlock()

	if !op.client.RunInThread(op.startOnReactor) {
		op.setError(ErrorKindInvalidState, CRUnknownError, "client is not accepting new work")
		op.finish(OperationResultFailed)
	}
	return nil
}

func (op *operationBase) startOnReactor() {
	if op.State() == OperationStateCancelling {
		op.finish(OperationResultCancelled)
		return
	}
	sock := op.socket()
	sock.setOperation(op)
	op.bound = true
	if op.timeout > 0 {
		op.deadline = time.Unix(0, op.startNanos.Load()).Add(op.timeout)
		sock.scheduleTimeout(op.deadline)
	}
	op.span = op.client.startSpan(op.ctx, op, op.statementForTrace())
	if op.preOperation != nil {
		op.preOperation(op.impl)
	}
	op.actionable()
}

func (op *operationBase) statementForTrace() string {
	if s, ok := op.impl.(interface{ renderedQuery() string }); ok {
		return s.renderedQuery()
	}
	return ""
}

// actionable advances the operation after a readiness event or a resume.
func (op *operationBase) actionable() {
	switch op.impl.advance() {
	case stepPending:
		op.socket().waitForActionable(op.handle())
	case stepSuspended:
	case stepSucceeded:
		op.finish(OperationResultSucceeded)
	case stepFailed:
		op.finish(OperationResultFailed)
	}
}

// Cancel cancels the operation. An unstarted operation completes immediately; a
// pending one completes on the reactor at the next event.
func (op *operationBase) Cancel() {
	op.stateMu.Lock()
	switch op.State() {
	case OperationStateUnstarted:
		if op.cancelledUnstarted {
			op.stateMu.Unlock()
			return
		}
		op.cancelledUnstarted = true
		op.stateMu.Unlock()
		op.finish(OperationResultCancelled)
	case OperationStatePending:
		op.state.Store(int32(OperationStateCancelling))
		op.stateMu.Unlock()
		if !op.client.RunInThread(op.handleCancelling) {
			op.finish(OperationResultCancelled)
		}
	default:
		op.stateMu.Unlock()
	}
}

// cancelIfUnstarted claims the cancellation of an operation that was never run and
// reports whether it did; the caller then finishes it. A concurrent Run either
// happened first and wins, or finds the operation cancelled and does nothing.
func (op *operationBase) cancelIfUnstarted() bool {
	op.stateMu.Lock()
	defer op.stateMu.Unlock()
	if op.started || op.cancelledUnstarted || op.State() != OperationStateUnstarted {
		return false
	}
	op.cancelledUnstarted = true
	return true
}

func (op *operationBase) handleCancelling() {
	if op.State() == OperationStateCancelling {
		op.finish(OperationResultCancelled)
	}
}

// timeoutTriggered runs on the reactor when the deadline passes.
func (op *operationBase) timeoutTriggered() {
	switch op.State() {
	case OperationStateCompleted:
		return
	case OperationStateCancelling:
		op.finish(OperationResultCancelled)
		return
	}
	op.impl.onTimeout()
	op.finish(OperationResultTimedOut)
}

// finish moves the operation to Completed exactly once.
func (op *operationBase) finish(result OperationResult) {
	op.stateMu.Lock()
	if op.State() == OperationStateCompleted {
		op.stateMu.Unlock()
		return
	}
	op.result.Store(int32(result))
	op.endNanos.Store(time.Now().UnixNano())
	if op.startNanos.Load() == 0 {
		op.startNanos.Store(op.endNanos.Load())
	}
	op.state.Store(int32(OperationStateCompleted))
	op.stateMu.Unlock()

	switch result {
	case OperationResultCancelled:
		op.setError(ErrorKindCancelled, CRUnknownError, "Operation cancelled")
	case OperationResultTimedOut:
		op.setError(ErrorKindTimeout, CRServerLost, "Operation timed out")
	case OperationResultFailed:
		op.setError(ErrorKindProtocol, CRUnknownError, "Operation failed")
	}
	if e := op.err.Load(); e != nil {
		final := *e
		final.Elapsed = op.Elapsed()
		final.QueriesExecuted = op.queriesExecuted()
		op.err.Store(&final)
	}

	if op.bound {
		op.socket().unregister()
		if result == OperationResultCancelled || result == OperationResultTimedOut {
			if c := op.conn.get(); c != nil && c.holder != nil {
				c.holder.abandon()
			}
		}
	}
	op.impl.onComplete(result)
	op.client.finishSpan(op.span, op)
	if op.postOperation != nil {
		op.postOperation(op.impl)
	}
	if c := op.conn.get(); c != nil {
		c.notifyOperationCompleted()
	}
	op.client.deferRemoveOperation(op)
	close(op.done)
}

func (op *operationBase) queriesExecuted() int {
	if q, ok := op.impl.(interface{ NumQueriesExecuted() int }); ok {
		return q.NumQueriesExecuted()
	}
	return 0
}

// Wait blocks until the operation completes. If ctx ends first the operation is
// cancelled and Wait still waits for completion. Never call it on the reactor.
func (op *operationBase) Wait(ctx context.Context) error {
	if op.client.IsInReactor() {
		op.client.invariantViolated("blocking wait on the reactor goroutine",
			slog.String("operation_id", op.id), slog.String("operation", op.opType.String()))
		return invalidStateError(op, "blocking wait on the reactor goroutine")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		op.Cancel()
		<-op.done
		return ctx.Err()
	}
}

// ReleaseConnection hands an owned connection back after completion. It returns nil
// for referenced connections, unfinished operations and failed connects.
func (op *operationBase) ReleaseConnection() *Connection {
	select {
	case <-op.done:
	default:
		return nil
	}
	return op.conn.release()
}
