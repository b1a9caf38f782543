package ygggo_amysql

import (
	"fmt"
	"log/slog"
	"time"
)

// ConnectOperation opens a native connection, retrying failed attempts up to the
// configured count within the connect deadline.
type ConnectOperation struct {
	operationBase
	connKey ConnectionKey
	opts    ConnectionOptions
	flags   int

	attempt    int
	retry      RetryPolicy
	retryTimer *time.Timer
}

func (c *Client) newConnectOperation(key ConnectionKey) *ConnectOperation {
	op := &ConnectOperation{connKey: key, opts: c.cfg.DefaultOptions, retry: c.cfg.ConnectRetry}
	conn := c.newConnection(key, c.cfg.DefaultOptions)
	op.init(c, ownedConnection(conn), OperationTypeConnect, op)
	op.timeout = op.opts.connectDeadline()
	c.addOperation(&op.operationBase)
	return op
}

// SetConnectionOptions replaces the options; unset fields keep the client defaults.
// Ignored once the operation started.
func (op *ConnectOperation) SetConnectionOptions(opts ConnectionOptions) *ConnectOperation {
	if op.State() != OperationStateUnstarted {
		return op
	}
	op.opts = opts.merge(op.client.cfg.DefaultOptions)
	op.timeout = op.opts.connectDeadline()
	if conn := op.connection(); conn != nil {
		conn.opts = op.opts
	}
	return op
}

// SetFlags sets client flags passed to the handler.
func (op *ConnectOperation) SetFlags(flags int) *ConnectOperation {
	if op.State() == OperationStateUnstarted {
		op.flags = flags
	}
	return op
}

func (op *ConnectOperation) Key() ConnectionKey { return op.connKey }

func (op *ConnectOperation) ConnectionOptions() ConnectionOptions { return op.opts }

// Attempts is the number of connect attempts that failed so far.
func (op *ConnectOperation) Attempts() int { return op.attempt }

func (op *ConnectOperation) advance() stepOutcome {
	conn := op.connection()
	hd := op.client.handler
	if conn.holder == nil {
		h, err := hd.NewHandle(op.connKey, op.opts)
		if err != nil {
			errno, msg := errnoFromError(err)
			op.setError(ErrorKindConnectionFailed, errno, msg)
			return stepFailed
		}
		conn.holder = op.client.newHolder(op.connKey, h)
	}
	h := conn.holder.handle
	switch hd.TryConnect(h, op.connKey, op.opts, op.flags) {
	case StatusPending:
		return stepPending
	case StatusDone:
		return stepSucceeded
	}

	op.attempt++
	errno, msg := h.Errno(), h.ErrorMessage()
	if errno == 0 {
		errno, msg = CRUnknownError, "connect failed"
	}
	if op.attempt < op.opts.ConnectAttempts && retryable(errno) {
		delay := op.retry.backoff(op.attempt)
		op.client.diag().Debug("connect attempt failed, retrying",
			slog.String("operation_id", op.id),
			slog.String("conn_key", op.connKey.String()),
			slog.Int("attempt", op.attempt),
			slog.Int("errno", int(errno)),
			slog.Duration("backoff", delay))
		_ = conn.holder.Close()
		conn.holder = nil
		op.retryTimer = time.AfterFunc(delay, func() {
			op.client.RunInThread(op.retryConnect)
		})
		return stepSuspended
	}
	op.setError(ErrorKindConnectionFailed, errno, msg)
	return stepFailed
}

func (op *ConnectOperation) retryConnect() {
	op.retryTimer = nil
	switch op.State() {
	case OperationStatePending:
		op.actionable()
	case OperationStateCancelling:
		op.finish(OperationResultCancelled)
	}
}

func (op *ConnectOperation) onTimeout() {
	op.setError(ErrorKindTimeout, CRServerLost,
		fmt.Sprintf("[%d](Mysql Client) Connect to %s:%d timed out after %s",
			CRServerLost, op.connKey.Host, op.connKey.Port, op.timeout))
}

func (op *ConnectOperation) onComplete(result OperationResult) {
	if op.retryTimer != nil {
		op.retryTimer.Stop()
		op.retryTimer = nil
	}
	if result != OperationResultSucceeded {
		if conn := op.connection(); conn != nil && conn.holder != nil {
			_ = conn.StealHolder().Close()
		}
	}
	op.client.logConnectOutcome(&op.operationBase)
}

// ReleaseConnection returns the opened connection. It returns nil unless the
// operation succeeded.
func (op *ConnectOperation) ReleaseConnection() *Connection {
	select {
	case <-op.done:
	default:
		return nil
	}
	if !op.OK() {
		return nil
	}
	return op.conn.release()
}
