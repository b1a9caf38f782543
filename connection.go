package ygggo_amysql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionHolder owns one native handle. It is what a pool keeps between uses and
// what a dying callback receives.
type ConnectionHolder struct {
	client *Client
	// countedKey is the key the handle was opened with; key follows change-user.
	countedKey           ConnectionKey
	key                  ConnectionKey
	handle               NativeHandle
	createdAt            time.Time
	reusable             atomic.Bool
	needResetBeforeReuse atomic.Bool
	// abandoned is set when an operation was cancelled or timed out mid-command; the
	// session state is unknown from then on.
	abandoned atomic.Bool
	closed    atomic.Bool
}

func (c *Client) newHolder(key ConnectionKey, handle NativeHandle) *ConnectionHolder {
	h := &ConnectionHolder{client: c, countedKey: key, key: key, handle: handle, createdAt: time.Now()}
	h.reusable.Store(true)
	c.connectionOpened(key)
	return h
}

func (h *ConnectionHolder) Key() ConnectionKey { return h.key }

func (h *ConnectionHolder) Handle() NativeHandle { return h.handle }

func (h *ConnectionHolder) CreatedAt() time.Time { return h.createdAt }

func (h *ConnectionHolder) IsReusable() bool { return h.reusable.Load() }

// SetReusable marks the handle as fit for a pool. An abandoned handle stays
// non-reusable.
func (h *ConnectionHolder) SetReusable(v bool) {
	if v && h.abandoned.Load() {
		return
	}
	h.reusable.Store(v)
}

// Abandoned reports that a cancelled or timed-out operation left the handle in the
// middle of a command. No further operation can run on it.
func (h *ConnectionHolder) Abandoned() bool { return h.abandoned.Load() }

func (h *ConnectionHolder) abandon() {
	h.reusable.Store(false)
	if h.abandoned.Swap(true) {
		return
	}
	if a, ok := h.client.handler.(HandleAbandoner); ok && h.handle != nil {
		a.Abandon(h.handle)
	}
}

// NeedResetBeforeReuse reports that the handle was released without a reset and
// must be reset before it serves another caller.
func (h *ConnectionHolder) NeedResetBeforeReuse() bool { return h.needResetBeforeReuse.Load() }

// Close closes the native handle. It is safe to call more than once.
func (h *ConnectionHolder) Close() error {
	if h == nil || h.closed.Swap(true) {
		return nil
	}
	err := h.handle.Close()
	h.client.connectionClosed(h.countedKey)
	return err
}

// PreQueryCallback runs before statement text is sent. A non-nil error stops the
// operation. It may block; it never runs on the reactor.
type PreQueryCallback func(ctx context.Context, op Operation) error

// PostQueryResult is a result that a PostQueryCallback can inspect or replace.
type PostQueryResult interface {
	postQueryResult()
}

// PostQueryCallback runs after a query result is assembled and may replace it.
type PostQueryCallback func(ctx context.Context, res PostQueryResult) (PostQueryResult, error)

// ConnectionCallbacks are wired into every operation created on a connection. Pre
// and post query callbacks only apply to Query and MultiQuery operations.
type ConnectionCallbacks struct {
	PreOperation  func(Operation)
	PostOperation func(Operation)
	PreQuery      PreQueryCallback
	PostQuery     PostQueryCallback
}

// Connection is a logical connection to a server. Only one operation may run on it
// at a time.
type Connection struct {
	client *Client
	key    ConnectionKey
	opts   ConnectionOptions
	holder *ConnectionHolder
	socket *socketHandler

	inTransaction atomic.Bool
	inProgress    atomic.Bool
	closed        atomic.Bool
	// current is the last operation created on the connection.
	current atomic.Pointer[operationBase]

	// needToCloneConnection is false for the throwaway connection used to reset a
	// handle on close.
	needToCloneConnection bool
	dyingCallback         func(*ConnectionHolder)
	callbacks             ConnectionCallbacks
}

func (c *Client) newConnection(key ConnectionKey, opts ConnectionOptions) *Connection {
	return &Connection{
		client:                c,
		key:                   key,
		opts:                  opts.merge(c.cfg.DefaultOptions),
		socket:                newSocketHandler(c),
		needToCloneConnection: true,
	}
}

func (c *Connection) Key() ConnectionKey { return c.key }

func (c *Connection) Options() ConnectionOptions { return c.opts }

func (c *Connection) Client() *Client { return c.client }

// Ok reports whether the connection still holds an open native handle.
func (c *Connection) Ok() bool {
	return c != nil && !c.closed.Load() && c.holder != nil && !c.holder.closed.Load()
}

func (c *Connection) IsReusable() bool {
	return c.holder != nil && c.holder.IsReusable()
}

func (c *Connection) SetReusable(v bool) {
	if c.holder != nil {
		c.holder.SetReusable(v)
	}
}

func (c *Connection) InTransaction() bool { return c.inTransaction.Load() }

// SetDyingCallback installs the function that receives the holder when the
// connection is closed, typically to return it to a pool.
func (c *Connection) SetDyingCallback(fn func(*ConnectionHolder)) { c.dyingCallback = fn }

func (c *Connection) SetCallbacks(cb ConnectionCallbacks) { c.callbacks = cb }

func (c *Connection) Callbacks() ConnectionCallbacks { return c.callbacks }

// SetQueryTimeout overrides the timeout of later query operations.
func (c *Connection) SetQueryTimeout(d time.Duration) { c.opts.QueryTimeout = d }

// Holder returns the native handle holder without giving up ownership.
func (c *Connection) Holder() *ConnectionHolder { return c.holder }

// StealHolder detaches the holder; the connection becomes invalid.
func (c *Connection) StealHolder() *ConnectionHolder {
	h := c.holder
	c.holder = nil
	return h
}

func (c *Connection) invalidConnectionError(op OperationType) *OperationError {
	key := ConnectionKey{}
	if c != nil {
		key = c.key
	}
	return &OperationError{Kind: ErrorKindInvalidConnection, Errno: CRUnknownError,
		Message: "Trying to run an operation on an invalid connection", Key: key, Op: op}
}

// claim checks the connection can take a new operation and marks it busy.
func (c *Connection) claim(op OperationType) error {
	if !c.Ok() {
		return c.invalidConnectionError(op)
	}
	if c.holder.Abandoned() {
		return &OperationError{Kind: ErrorKindProtocol, Errno: CRCommandsOutOfSync,
			Message: fmt.Sprintf("[%d](Mysql Client) %s: an earlier operation was cancelled or timed out mid-command",
				CRCommandsOutOfSync, errOutOfSync.Error()),
			Key: c.key, Op: op}
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		return &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
			Message: "Connection is already running an operation", Key: c.key, Op: op}
	}
	return nil
}

func (c *Connection) notifyOperationCompleted() {
	c.inProgress.Store(false)
}

// stopCurrent cancels the operation running on the connection and waits for it.
func (c *Connection) stopCurrent() error {
	if !c.inProgress.Load() {
		return nil
	}
	if c.client.IsInReactor() {
		c.client.diag().Error("closing a connection with an operation in progress from the reactor",
			slog.String("conn_key", c.key.String()))
		return &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
			Message: "Connection closed on the reactor while an operation is in progress", Key: c.key}
	}
	if op := c.current.Load(); op != nil {
		op.Cancel()
		<-op.done
	}
	return nil
}

// wireCallbacks copies connection callbacks into a new operation.
func (c *Connection) wireCallbacks(op *operationBase) {
	if c.callbacks.PreOperation != nil {
		op.preOperation = c.callbacks.PreOperation
	}
	if c.callbacks.PostOperation != nil {
		op.postOperation = c.callbacks.PostOperation
	}
}

// Close releases the connection. With a dying callback the holder is handed over,
// reset first when the connection is reusable, outside a transaction and
// ResetConnBeforeClose is set. Without one the native handle is closed.
func (c *Connection) Close() error {
	if c == nil || c.closed.Load() {
		return nil
	}
	if err := c.stopCurrent(); err != nil {
		return err
	}
	if c.closed.Swap(true) {
		return nil
	}
	holder := c.StealHolder()
	if holder == nil {
		return nil
	}
	recycle := c.dyingCallback
	c.dyingCallback = nil
	if recycle == nil {
		return holder.Close()
	}

	if c.needToCloneConnection && holder.IsReusable() && !c.inTransaction.Load() && c.opts.ResetConnBeforeClose {
		if !c.client.IsInReactor() {
			return c.resetAndRecycle(holder, recycle)
		}
		// a blocking reset here would deadlock the reactor
		holder.needResetBeforeReuse.Store(true)
	}
	recycle(holder)
	return nil
}

// resetAndRecycle resets holder through a throwaway connection and hands it to
// recycle once the reset finished.
func (c *Connection) resetAndRecycle(holder *ConnectionHolder, recycle func(*ConnectionHolder)) error {
	clone := c.client.newConnection(c.key, c.opts)
	clone.holder = holder
	clone.needToCloneConnection = false
	clone.dyingCallback = recycle
	clone.inProgress.Store(true)

	op := newResetOperation(ownedConnection(clone))
	if c.client.RunInThread(func() {
		if c.client.addOperation(&op.operationBase) {
			_ = op.Run()
		}
	}) {
		<-op.Done()
	} else {
		op.Cancel()
	}
	clone.inProgress.Store(false)
	return clone.Close()
}

// Query runs one statement and waits for its result.
func (c *Connection) Query(ctx context.Context, query string) (*QueryResult, error) {
	if err := c.client.checkNotReactor("Query"); err != nil {
		return nil, err
	}
	if err := c.claim(OperationTypeQuery); err != nil {
		return nil, err
	}
	op := newQueryOperation(referencedConnection(c), query)
	if err := c.runSync(ctx, &op.fetchOperation); err != nil {
		return nil, err
	}
	res, err := c.applyPostQuery(ctx, op.QueryResult())
	if err != nil {
		return nil, err
	}
	qr, ok := res.(*QueryResult)
	if !ok {
		return nil, &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
			Message: "post-query callback changed the result type", Key: c.key, Op: OperationTypeQuery}
	}
	c.trackTransaction(query)
	return qr, nil
}

// MultiQuery runs statements in order and waits for all results.
func (c *Connection) MultiQuery(ctx context.Context, queries []string) (*MultiQueryResult, error) {
	if err := c.client.checkNotReactor("MultiQuery"); err != nil {
		return nil, err
	}
	if err := c.claim(OperationTypeMultiQuery); err != nil {
		return nil, err
	}
	op := newMultiQueryOperation(referencedConnection(c), queries)
	if err := c.runSync(ctx, &op.fetchOperation); err != nil {
		return nil, err
	}
	res, err := c.applyPostQuery(ctx, op.MultiQueryResult())
	if err != nil {
		return nil, err
	}
	mr, ok := res.(*MultiQueryResult)
	if !ok {
		return nil, &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
			Message: "post-query callback changed the result type", Key: c.key, Op: OperationTypeMultiQuery}
	}
	return mr, nil
}

// runSync runs a referenced fetch operation on the calling goroutine's behalf. The
// pre-query callback runs inline before the operation starts.
func (c *Connection) runSync(ctx context.Context, op *fetchOperation) error {
	op.withContext(ctx)
	c.wireCallbacks(&op.operationBase)
	if cb := c.callbacks.PreQuery; cb != nil && op.State() == OperationStateUnstarted {
		if err := cb(ctx, op.impl); err != nil {
			op.setError(ErrorKindCancelled, CRUnknownError, "pre-query callback failed: "+err.Error())
			op.Cancel()
			return op.Err()
		}
	}
	c.client.addOperation(&op.operationBase)
	if err := op.Run(); err != nil {
		return err
	}
	_ = op.Wait(ctx)
	if !op.OK() {
		return op.Err()
	}
	return nil
}

func (c *Connection) applyPostQuery(ctx context.Context, res PostQueryResult) (PostQueryResult, error) {
	if c.callbacks.PostQuery == nil {
		return res, nil
	}
	return c.callbacks.PostQuery(ctx, res)
}

func (c *Connection) trackTransaction(query string) {
	switch strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))) {
	case "BEGIN", "START TRANSACTION":
		c.inTransaction.Store(true)
	case "COMMIT", "ROLLBACK":
		c.inTransaction.Store(false)
	}
}

// BeginTransaction issues BEGIN.
func (c *Connection) BeginTransaction(ctx context.Context) error {
	_, err := c.Query(ctx, "BEGIN")
	return err
}

// CommitTransaction issues COMMIT.
func (c *Connection) CommitTransaction(ctx context.Context) error {
	_, err := c.Query(ctx, "COMMIT")
	return err
}

// RollbackTransaction issues ROLLBACK.
func (c *Connection) RollbackTransaction(ctx context.Context) error {
	_, err := c.Query(ctx, "ROLLBACK")
	return err
}

// ResetConn resets the session and waits for it.
func (c *Connection) ResetConn(ctx context.Context) error {
	if err := c.client.checkNotReactor("ResetConn"); err != nil {
		return err
	}
	if err := c.claim(OperationTypeReset); err != nil {
		return err
	}
	op := newResetOperation(referencedConnection(c))
	return c.runSpecial(ctx, &op.operationBase)
}

// ChangeUser re-authenticates the connection and waits for it.
func (c *Connection) ChangeUser(ctx context.Context, user, password, database string) error {
	if err := c.client.checkNotReactor("ChangeUser"); err != nil {
		return err
	}
	if err := c.claim(OperationTypeChangeUser); err != nil {
		return err
	}
	op := newChangeUserOperation(referencedConnection(c), user, password, database)
	return c.runSpecial(ctx, &op.operationBase)
}

func (c *Connection) runSpecial(ctx context.Context, op *operationBase) error {
	op.withContext(ctx)
	c.wireCallbacks(op)
	c.client.addOperation(op)
	if err := op.Run(); err != nil {
		return err
	}
	_ = op.Wait(ctx)
	return op.Err()
}

// connectionProxy is how an operation holds its connection: owned (moved in and
// handed back by ReleaseConnection) or referenced (borrowed from the caller).
type connectionProxy struct {
	mu    sync.Mutex
	conn  *Connection
	owned bool
}

func ownedConnection(c *Connection) *connectionProxy {
	return &connectionProxy{conn: c, owned: true}
}

func referencedConnection(c *Connection) *connectionProxy {
	return &connectionProxy{conn: c}
}

func (p *connectionProxy) get() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *connectionProxy) isOwned() bool { return p.owned }

// release gives up an owned connection. Referenced connections are never released.
func (p *connectionProxy) release() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owned {
		return nil
	}
	c := p.conn
	p.conn = nil
	return c
}
