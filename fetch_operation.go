package ygggo_amysql

import (
	"fmt"
	"log/slog"
	"strings"
)

type fetchAction int

const (
	actionPreQuery fetchAction = iota
	actionStartQuery
	actionInitFetch
	actionFetchRows
	actionCompleteResult
	actionNextResult
)

// fetchSink receives what a fetch operation reads. A sink may refuse an event (a
// full stream buffer); the operation then suspends and retries it on resume.
type fetchSink interface {
	onResultStart(queryIdx int, columns []string, hasResultSet bool) bool
	onRow(queryIdx int, row Row) bool
	onResultEnd(queryIdx int, affectedRows, lastInsertID int64) bool
}

// fetchOperation is the engine shared by Query, MultiQuery and MultiQueryStream.
type fetchOperation struct {
	operationBase
	sink    fetchSink
	queries []string

	action             fetchAction
	queryIdx           int
	numQueriesExecuted int
	rowsFetched        int
	preQuery           PreQueryCallback
	// blocked is an event the sink refused; it is retried before anything else.
	blocked func() bool
}

func (f *fetchOperation) initFetch(conn *connectionProxy, t OperationType, queries []string, impl operationKind, sink fetchSink) {
	f.init(conn.get().client, conn, t, impl)
	f.sink = sink
	f.queries = queries
	f.timeout = conn.get().opts.QueryTimeout
	if len(queries) == 0 {
		f.setError(ErrorKindEmptyQueryList, CRUnknownError, "Given vector of queries is empty")
		f.Cancel()
	}
}

// NumQueriesExecuted is the number of statements that finished successfully.
func (f *fetchOperation) NumQueriesExecuted() int { return f.numQueriesExecuted }

// RowsFetched is the number of rows read over all statements.
func (f *fetchOperation) RowsFetched() int { return f.rowsFetched }

func (f *fetchOperation) Queries() []string { return f.queries }

func (f *fetchOperation) renderedQuery() string { return strings.Join(f.queries, "; ") }

func (f *fetchOperation) emit(event func() bool) {
	if !event() {
		f.blocked = event
	}
}

func (f *fetchOperation) advance() stepOutcome {
	hd := f.client.handler
	h := f.handle()
	for {
		if f.blocked != nil {
			if !f.blocked() {
				return stepSuspended
			}
			f.blocked = nil
		}
		switch f.action {
		case actionPreQuery:
			f.action = actionStartQuery
			if f.preQuery != nil {
				f.runPreQuery()
				return stepSuspended
			}

		case actionStartQuery:
			if f.queryIdx >= len(f.queries) {
				return stepSucceeded
			}
			switch hd.RunQuery(h, f.queries[f.queryIdx]) {
			case StatusPending:
				return stepPending
			case StatusError:
				f.setHandleError(ErrorKindProtocol, h)
				return stepFailed
			}
			f.action = actionInitFetch

		case actionInitFetch:
			idx := f.queryIdx
			cols, ok := hd.UseResult(h)
			f.emit(func() bool { return f.sink.onResultStart(idx, cols, ok) })
			if ok {
				f.action = actionFetchRows
			} else {
				f.action = actionCompleteResult
			}

		case actionFetchRows:
			row, st := hd.FetchRow(h)
			switch st {
			case StatusPending:
				return stepPending
			case StatusError:
				f.client.invariantViolated("fetch_row reported an error", slog.String("operation_id", f.id))
				f.setHandleError(ErrorKindProtocol, h)
				return stepFailed
			}
			if row == nil {
				if h.Errno() != 0 {
					f.setHandleError(ErrorKindProtocol, h)
					return stepFailed
				}
				f.action = actionCompleteResult
				continue
			}
			f.rowsFetched++
			idx := f.queryIdx
			f.emit(func() bool { return f.sink.onRow(idx, row) })

		case actionCompleteResult:
			idx := f.queryIdx
			affected, lastID := hd.AffectedRows(h), hd.LastInsertID(h)
			if hd.MoreResults(h) {
				f.action = actionNextResult
			} else {
				f.numQueriesExecuted++
				f.queryIdx++
				f.action = actionStartQuery
			}
			f.emit(func() bool { return f.sink.onResultEnd(idx, affected, lastID) })

		case actionNextResult:
			switch hd.NextResult(h) {
			case StatusPending:
				return stepPending
			case StatusError:
				f.setHandleError(ErrorKindProtocol, h)
				return stepFailed
			}
			f.action = actionInitFetch
		}
	}
}

// runPreQuery runs the pre-query callback off the reactor and resumes the
// operation with its outcome.
func (f *fetchOperation) runPreQuery() {
	cb := f.preQuery
	f.preQuery = nil
	ctx, self := f.ctx, f.impl
	go func() {
		err := cb(ctx, self)
		f.client.RunInThread(func() { f.preQueryFinished(err) })
	}()
}

func (f *fetchOperation) preQueryFinished(err error) {
	switch f.State() {
	case OperationStatePending:
	case OperationStateCancelling:
		f.finish(OperationResultCancelled)
		return
	default:
		return
	}
	if err != nil {
		f.setError(ErrorKindCancelled, CRUnknownError, "pre-query callback failed: "+err.Error())
		f.finish(OperationResultFailed)
		return
	}
	f.actionable()
}

// resume continues an operation suspended on its sink.
func (f *fetchOperation) resume() {
	switch f.State() {
	case OperationStatePending:
		if f.blocked != nil {
			f.actionable()
		}
	case OperationStateCancelling:
		f.finish(OperationResultCancelled)
	}
}

func (f *fetchOperation) onTimeout() {
	f.setError(ErrorKindTimeout, CRServerLost,
		fmt.Sprintf("[%d](Mysql Client) Query timed out after %s", CRServerLost, f.timeout))
}

// completeFetch is the shared part of onComplete.
func (f *fetchOperation) completeFetch(result OperationResult) {
	if result == OperationResultCancelled || result == OperationResultTimedOut {
		// the session may be mid-result; it cannot go back to a pool
		if c := f.connection(); c != nil && f.bound {
			c.SetReusable(false)
		}
	}
	f.client.logQueryOutcome(&f.operationBase, f.renderedQuery(), f.numQueriesExecuted, f.rowsFetched)
}

// QueryResult is the result of one statement.
type QueryResult struct {
	QueryIndex   int
	Query        string
	Columns      []string
	Rows         []Row
	AffectedRows int64
	LastInsertID int64
	ResultSets   int
}

func (*QueryResult) postQueryResult() {}

func (r *QueryResult) NumRows() int { return len(r.Rows) }

// MultiQueryResult holds one QueryResult per statement, in order.
type MultiQueryResult struct {
	Results []*QueryResult
}

func (*MultiQueryResult) postQueryResult() {}

// NumRows is the row count summed over all statements.
func (r *MultiQueryResult) NumRows() int {
	n := 0
	for _, q := range r.Results {
		n += len(q.Rows)
	}
	return n
}

// resultCollector buffers everything a fetch operation reads.
type resultCollector struct {
	queries []string
	results []*QueryResult
}

func (rc *resultCollector) current(idx int) *QueryResult {
	for len(rc.results) <= idx {
		i := len(rc.results)
		rc.results = append(rc.results, &QueryResult{QueryIndex: i, Query: rc.queries[i]})
	}
	return rc.results[idx]
}

func (rc *resultCollector) onResultStart(idx int, cols []string, ok bool) bool {
	r := rc.current(idx)
	r.ResultSets++
	if ok {
		r.Columns = cols
	}
	return true
}

func (rc *resultCollector) onRow(idx int, row Row) bool {
	r := rc.current(idx)
	r.Rows = append(r.Rows, row)
	return true
}

func (rc *resultCollector) onResultEnd(idx int, affected, lastID int64) bool {
	r := rc.current(idx)
	r.AffectedRows += affected
	if lastID != 0 {
		r.LastInsertID = lastID
	}
	return true
}

// QueryOperation runs a single statement.
type QueryOperation struct {
	fetchOperation
	collector resultCollector
}

func newQueryOperation(conn *connectionProxy, query string) *QueryOperation {
	op := &QueryOperation{}
	op.collector.queries = []string{query}
	op.initFetch(conn, OperationTypeQuery, op.collector.queries, op, &op.collector)
	return op
}

func (op *QueryOperation) onComplete(result OperationResult) { op.completeFetch(result) }

// QueryResult returns the buffered result. It is complete once the operation is.
func (op *QueryOperation) QueryResult() *QueryResult {
	if len(op.collector.results) == 0 {
		return &QueryResult{Query: op.collector.queries[0]}
	}
	return op.collector.results[0]
}

// MultiQueryOperation runs statements in order and buffers every result.
type MultiQueryOperation struct {
	fetchOperation
	collector resultCollector
}

func newMultiQueryOperation(conn *connectionProxy, queries []string) *MultiQueryOperation {
	op := &MultiQueryOperation{}
	op.collector.queries = append([]string(nil), queries...)
	op.initFetch(conn, OperationTypeMultiQuery, op.collector.queries, op, &op.collector)
	return op
}

func (op *MultiQueryOperation) onComplete(result OperationResult) { op.completeFetch(result) }

func (op *MultiQueryOperation) MultiQueryResult() *MultiQueryResult {
	return &MultiQueryResult{Results: op.collector.results}
}

// BeginQuery creates a query operation that takes ownership of conn. Start it with
// Run and get the connection back with ReleaseConnection.
func BeginQuery(conn *Connection, query string) (*QueryOperation, error) {
	if err := conn.claim(OperationTypeQuery); err != nil {
		return nil, err
	}
	op := newQueryOperation(ownedConnection(conn), query)
	conn.wireQueryCallbacks(&op.fetchOperation)
	conn.client.addOperation(&op.operationBase)
	return op, nil
}

// BeginMultiQuery is BeginQuery for an ordered list of statements.
func BeginMultiQuery(conn *Connection, queries []string) (*MultiQueryOperation, error) {
	if err := conn.claim(OperationTypeMultiQuery); err != nil {
		return nil, err
	}
	op := newMultiQueryOperation(ownedConnection(conn), queries)
	conn.wireQueryCallbacks(&op.fetchOperation)
	conn.client.addOperation(&op.operationBase)
	return op, nil
}

func (c *Connection) wireQueryCallbacks(f *fetchOperation) {
	c.wireCallbacks(&f.operationBase)
	f.preQuery = c.callbacks.PreQuery
}
