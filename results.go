package ygggo_amysql

import (
	"context"
	"time"
)

// asyncStatus is the error part shared by results delivered on channels.
type asyncStatus struct {
	err error
}

func (s asyncStatus) OK() bool { return s.err == nil }

func (s asyncStatus) Err() error { return s.err }

func (s asyncStatus) Kind() ErrorKind { return KindOf(s.err) }

func (s asyncStatus) Errno() uint16 { return ErrnoOf(s.err) }

// ConnectResult is delivered by ConnectAsync.
type ConnectResult struct {
	asyncStatus
	Conn    *Connection
	Elapsed time.Duration
}

// AsyncQueryResult is delivered by QueryAsync. Conn is handed back whatever the
// outcome, unless the connection was invalid to begin with.
type AsyncQueryResult struct {
	asyncStatus
	Result *QueryResult
	Conn   *Connection
}

// AsyncMultiQueryResult is delivered by MultiQueryAsync.
type AsyncMultiQueryResult struct {
	asyncStatus
	Result *MultiQueryResult
	Conn   *Connection
}

// QueryAsync runs query on conn, which the operation owns until the result is
// delivered.
func QueryAsync(ctx context.Context, conn *Connection, query string) <-chan AsyncQueryResult {
	out := make(chan AsyncQueryResult, 1)
	op, err := BeginQuery(conn, query)
	if err != nil {
		out <- AsyncQueryResult{asyncStatus: asyncStatus{err: err}}
		close(out)
		return out
	}
	cb := conn.callbacks.PostQuery
	op.withContext(ctx)
	_ = op.Run()
	go func() {
		defer close(out)
		_ = op.Wait(ctx)
		res := AsyncQueryResult{Conn: op.ReleaseConnection()}
		if !op.OK() {
			res.err = op.Err()
			out <- res
			return
		}
		var final PostQueryResult = op.QueryResult()
		if cb != nil {
			if final, err = cb(ctx, final); err != nil {
				res.err = err
				out <- res
				return
			}
		}
		qr, ok := final.(*QueryResult)
		if !ok {
			res.err = &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
				Message: "post-query callback changed the result type", Key: conn.key, Op: OperationTypeQuery}
		}
		res.Result = qr
		if res.Conn != nil {
			res.Conn.trackTransaction(query)
		}
		out <- res
	}()
	return out
}

// MultiQueryAsync runs queries on conn in order, like QueryAsync.
func MultiQueryAsync(ctx context.Context, conn *Connection, queries []string) <-chan AsyncMultiQueryResult {
	out := make(chan AsyncMultiQueryResult, 1)
	op, err := BeginMultiQuery(conn, queries)
	if err != nil {
		out <- AsyncMultiQueryResult{asyncStatus: asyncStatus{err: err}}
		close(out)
		return out
	}
	cb := conn.callbacks.PostQuery
	op.withContext(ctx)
	_ = op.Run()
	go func() {
		defer close(out)
		_ = op.Wait(ctx)
		res := AsyncMultiQueryResult{Conn: op.ReleaseConnection()}
		if !op.OK() {
			res.err = op.Err()
			out <- res
			return
		}
		var final PostQueryResult = op.MultiQueryResult()
		if cb != nil {
			if final, err = cb(ctx, final); err != nil {
				res.err = err
				out <- res
				return
			}
		}
		mr, ok := final.(*MultiQueryResult)
		if !ok {
			res.err = &OperationError{Kind: ErrorKindInvalidState, Errno: CRUnknownError,
				Message: "post-query callback changed the result type", Key: conn.key, Op: OperationTypeMultiQuery}
		}
		res.Result = mr
		out <- res
	}()
	return out
}
