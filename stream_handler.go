package ygggo_amysql

import (
	"context"
	"io"
	"sync"
)

// StreamEventKind tells what a StreamEvent carries.
type StreamEventKind int

const (
	StreamEventResultStart StreamEventKind = iota
	StreamEventRow
	StreamEventResultEnd
	StreamEventEnd
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamEventResultStart:
		return "result_start"
	case StreamEventRow:
		return "row"
	case StreamEventResultEnd:
		return "result_end"
	case StreamEventEnd:
		return "end"
	}
	return "unknown"
}

// StreamEvent is one step of a streamed multi-query.
type StreamEvent struct {
	Kind       StreamEventKind
	QueryIndex int
	// Columns is set on ResultStart; nil when the statement has no result set.
	Columns      []string
	Row          Row
	AffectedRows int64
	LastInsertID int64
	// Err is set on End when the operation did not succeed.
	Err error
}

// streamBuffer is a bounded queue between the reactor and a single consumer.
type streamBuffer struct {
	mu       sync.Mutex
	events   []StreamEvent
	capacity int
	full     bool
	wake     chan struct{}
}

func newStreamBuffer(capacity int) *streamBuffer {
	if capacity <= 0 {
		capacity = defaultStreamBufferSize
	}
	return &streamBuffer{capacity: capacity, wake: make(chan struct{}, 1)}
}

// push appends ev unless the buffer is full.
func (b *streamBuffer) push(ev StreamEvent) bool {
	b.mu.Lock()
	if len(b.events) >= b.capacity {
		b.full = true
		b.mu.Unlock()
		return false
	}
	b.events = append(b.events, ev)
	b.mu.Unlock()
	b.signal()
	return true
}

// pushFinal appends ev regardless of capacity.
func (b *streamBuffer) pushFinal(ev StreamEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	b.signal()
}

func (b *streamBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// pop waits for the next event. wasFull reports that the producer was refused since
// the last pop and must be resumed.
func (b *streamBuffer) pop(ctx context.Context) (ev StreamEvent, wasFull bool, err error) {
	for {
		b.mu.Lock()
		if len(b.events) > 0 {
			ev = b.events[0]
			b.events[0] = StreamEvent{}
			b.events = b.events[1:]
			wasFull = b.full
			b.full = false
			b.mu.Unlock()
			return ev, wasFull, nil
		}
		b.mu.Unlock()
		select {
		case <-b.wake:
		case <-ctx.Done():
			return StreamEvent{}, false, ctx.Err()
		}
	}
}

func (b *streamBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// MultiQueryStreamOperation runs statements in order and hands rows to a consumer
// as they arrive. The reactor stops reading while the consumer is behind.
type MultiQueryStreamOperation struct {
	fetchOperation
	buf       *streamBuffer
	endPushed bool
}

func newMultiQueryStreamOperation(conn *connectionProxy, queries []string) *MultiQueryStreamOperation {
	op := &MultiQueryStreamOperation{buf: newStreamBuffer(conn.get().client.cfg.StreamBufferSize)}
	op.initFetch(conn, OperationTypeMultiQueryStream, append([]string(nil), queries...), op, op)
	return op
}

func (op *MultiQueryStreamOperation) onResultStart(idx int, cols []string, ok bool) bool {
	ev := StreamEvent{Kind: StreamEventResultStart, QueryIndex: idx}
	if ok {
		ev.Columns = cols
	}
	return op.buf.push(ev)
}

func (op *MultiQueryStreamOperation) onRow(idx int, row Row) bool {
	return op.buf.push(StreamEvent{Kind: StreamEventRow, QueryIndex: idx, Row: row})
}

func (op *MultiQueryStreamOperation) onResultEnd(idx int, affected, lastID int64) bool {
	return op.buf.push(StreamEvent{Kind: StreamEventResultEnd, QueryIndex: idx, AffectedRows: affected, LastInsertID: lastID})
}

func (op *MultiQueryStreamOperation) onComplete(result OperationResult) {
	op.completeFetch(result)
	if op.endPushed {
		return
	}
	op.endPushed = true
	op.buf.pushFinal(StreamEvent{Kind: StreamEventEnd, QueryIndex: op.queryIdx, Err: op.Err()})
}

// BeginMultiQueryStream creates a streaming multi-query that takes ownership of
// conn. Most callers want StreamMultiQuery.
func BeginMultiQueryStream(conn *Connection, queries []string) (*MultiQueryStreamOperation, error) {
	if err := conn.claim(OperationTypeMultiQueryStream); err != nil {
		return nil, err
	}
	op := newMultiQueryStreamOperation(ownedConnection(conn), queries)
	conn.wireCallbacks(&op.operationBase)
	conn.client.addOperation(&op.operationBase)
	return op, nil
}

// StreamHandler consumes a streamed multi-query. It is not safe for concurrent use.
type StreamHandler struct {
	op     *MultiQueryStreamOperation
	ended  bool
	endErr error
}

// StreamMultiQuery starts streaming queries on conn. The connection belongs to the
// stream until it ends; get it back with ReleaseConnection.
func StreamMultiQuery(ctx context.Context, conn *Connection, queries []string, attrs map[string]string) (*StreamHandler, error) {
	op, err := BeginMultiQueryStream(conn, queries)
	if err != nil {
		return nil, err
	}
	op.withContext(ctx)
	op.SetAttributes(attrs)
	if err := op.Run(); err != nil {
		return nil, err
	}
	return &StreamHandler{op: op}, nil
}

// NewStreamHandler wraps an operation created with BeginMultiQueryStream. The
// operation still has to be run.
func NewStreamHandler(op *MultiQueryStreamOperation) *StreamHandler {
	return &StreamHandler{op: op}
}

// Next returns the next event. After the End event it returns io.EOF, or the
// operation error when the stream failed.
func (s *StreamHandler) Next(ctx context.Context) (StreamEvent, error) {
	if s.ended {
		return StreamEvent{}, s.final()
	}
	if err := s.op.client.checkNotReactor("StreamHandler.Next"); err != nil {
		return StreamEvent{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev, wasFull, err := s.op.buf.pop(ctx)
	if err != nil {
		return StreamEvent{}, err
	}
	if wasFull {
		s.op.client.RunInThread(s.op.resume)
	}
	if ev.Kind == StreamEventEnd {
		s.ended = true
		s.endErr = ev.Err
		return ev, nil
	}
	return ev, nil
}

func (s *StreamHandler) final() error {
	if s.endErr != nil {
		return s.endErr
	}
	return io.EOF
}

// Rows calls fn for every row of every statement. Returning an error from fn
// cancels the stream; Rows then waits for it to end and returns that error.
func (s *StreamHandler) Rows(ctx context.Context, fn func(queryIdx int, columns []string, row Row) error) error {
	var cols []string
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch ev.Kind {
		case StreamEventResultStart:
			cols = ev.Columns
		case StreamEventRow:
			if ferr := fn(ev.QueryIndex, cols, ev.Row); ferr != nil {
				s.Cancel()
				_ = s.Close()
				return ferr
			}
		}
	}
}

// Cancel stops the stream. Events already buffered stay readable.
func (s *StreamHandler) Cancel() { s.op.Cancel() }

// Close reads the stream to its end and waits for the operation to complete.
func (s *StreamHandler) Close() error {
	if err := s.op.client.checkNotReactor("StreamHandler.Close"); err != nil {
		return err
	}
	for !s.ended {
		if _, err := s.Next(context.Background()); err != nil {
			break
		}
	}
	<-s.op.Done()
	if s.endErr != nil {
		return s.endErr
	}
	return nil
}

// Err is the stream error once it ended.
func (s *StreamHandler) Err() error {
	if !s.ended {
		return nil
	}
	return s.endErr
}

// Ended reports whether the End event was read.
func (s *StreamHandler) Ended() bool { return s.ended }

func (s *StreamHandler) Operation() *MultiQueryStreamOperation { return s.op }

// ReleaseConnection returns the connection once the stream completed.
func (s *StreamHandler) ReleaseConnection() *Connection { return s.op.ReleaseConnection() }
