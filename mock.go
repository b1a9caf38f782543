package ygggo_amysql

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// MockResultSet is one scripted result set. A nil Columns means the statement
// produced no result set.
type MockResultSet struct {
	Columns      []string
	Rows         []Row
	AffectedRows int64
	LastInsertID int64
}

// MockExpectation scripts the next matching primitive call. Methods chain.
type MockExpectation struct {
	kind primitive
	sql  string

	pending  int
	gate     <-chan struct{}
	errno    uint16
	msg      string
	sets     []MockResultSet
	rowsGate <-chan struct{}
	rowsHold int
	// fetchErrno ends the last result set with an error after its rows.
	fetchErrno uint16
	fetchMsg   string

	matched bool
}

// Pending makes the call report PENDING n times, each followed by a readiness
// token.
func (e *MockExpectation) Pending(n int) *MockExpectation {
	e.pending = n
	return e
}

// Hold makes the call report PENDING until gate is closed.
func (e *MockExpectation) Hold(gate <-chan struct{}) *MockExpectation {
	e.gate = gate
	return e
}

// WillFail makes the call report ERROR with the given native error.
func (e *MockExpectation) WillFail(errno uint16, msg string) *MockExpectation {
	e.errno, e.msg = errno, msg
	return e
}

// WillReturnRows scripts a single result set.
func (e *MockExpectation) WillReturnRows(columns []string, rows ...Row) *MockExpectation {
	e.sets = []MockResultSet{{Columns: columns, Rows: rows}}
	return e
}

// WillReturnResultSets scripts several result sets for one statement.
func (e *MockExpectation) WillReturnResultSets(sets ...MockResultSet) *MockExpectation {
	e.sets = sets
	return e
}

// WillReturnAffected scripts a statement without a result set.
func (e *MockExpectation) WillReturnAffected(affected, lastInsertID int64) *MockExpectation {
	e.sets = []MockResultSet{{AffectedRows: affected, LastInsertID: lastInsertID}}
	return e
}

// HoldRowsAfter delivers n rows of the first result set, then reports PENDING until
// gate is closed.
func (e *MockExpectation) HoldRowsAfter(n int, gate <-chan struct{}) *MockExpectation {
	e.rowsHold, e.rowsGate = n, gate
	return e
}

// WillFailFetch ends the last result set with a native error after its rows.
func (e *MockExpectation) WillFailFetch(errno uint16, msg string) *MockExpectation {
	e.fetchErrno, e.fetchMsg = errno, msg
	return e
}

// MockHandler is a scripted Handler for tests. Connects and resets without an
// expectation succeed immediately; statements without one fail.
type MockHandler struct {
	mu           sync.Mutex
	expectations []*MockExpectation
	calls        map[primitive]int
	total        int

	opened atomic.Int64
	closed atomic.Int64
}

func NewMockHandler() *MockHandler {
	return &MockHandler{calls: make(map[primitive]int)}
}

func (m *MockHandler) expect(kind primitive, sql string) *MockExpectation {
	e := &MockExpectation{kind: kind, sql: sql}
	m.mu.Lock()
	m.expectations = append(m.expectations, e)
	m.mu.Unlock()
	return e
}

func (m *MockHandler) ExpectConnect() *MockExpectation { return m.expect(primConnect, "") }

// ExpectQuery expects a statement. query matches case-insensitively after
// whitespace normalization, or as a regular expression when it contains a backslash.
func (m *MockHandler) ExpectQuery(query string) *MockExpectation {
	return m.expect(primRunQuery, query)
}

func (m *MockHandler) ExpectReset() *MockExpectation { return m.expect(primReset, "") }

func (m *MockHandler) ExpectChangeUser() *MockExpectation { return m.expect(primChangeUser, "") }

// Calls reports how often a primitive was invoked ("connect", "run_query",
// "use_result", "fetch_row", "next_result", "reset_conn", "change_user").
func (m *MockHandler) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[primitive(name)]
}

// TotalCalls is the number of primitive invocations of any kind.
func (m *MockHandler) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// OpenHandles is the number of handles created and not yet closed.
func (m *MockHandler) OpenHandles() int64 { return m.opened.Load() - m.closed.Load() }

// ExpectationsWereMet reports the first expectation that was never consumed.
func (m *MockHandler) ExpectationsWereMet() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.expectations {
		if !e.matched {
			if e.sql != "" {
				return fmt.Errorf("expectation not met: %s %q", e.kind, e.sql)
			}
			return fmt.Errorf("expectation not met: %s", e.kind)
		}
	}
	return nil
}

func (m *MockHandler) record(p primitive) {
	m.mu.Lock()
	m.calls[p]++
	m.total++
	m.mu.Unlock()
}

func (m *MockHandler) next(kind primitive, sql string) *MockExpectation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.expectations {
		if e.matched || e.kind != kind {
			continue
		}
		if kind == primRunQuery && !matchSQL(e.sql, sql) {
			continue
		}
		e.matched = true
		return e
	}
	return nil
}

var whitespace = regexp.MustCompile(`\s+`)

func normalizeSQL(sql string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(sql), " ")
}

func matchSQL(expected, actual string) bool {
	if strings.Contains(expected, `\`) {
		if re, err := regexp.Compile("(?i)^" + expected + "$"); err == nil && re.MatchString(actual) {
			return true
		}
	}
	return strings.EqualFold(normalizeSQL(expected), normalizeSQL(actual))
}

type mockHandle struct {
	m      *MockHandler
	key    ConnectionKey
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	errno  uint16
	msg    string
	closed bool

	// call in progress
	cur         *MockExpectation
	curKind     primitive
	pendingLeft int
	watching    bool

	sets       []MockResultSet
	setIdx     int
	rowIdx     int
	rowsGate   <-chan struct{}
	rowsHold   int
	rowWatch   bool
	fetchErrno uint16
	fetchMsg   string
}

func (h *mockHandle) Notify() <-chan struct{} { return h.notify }

func (h *mockHandle) Errno() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errno
}

func (h *mockHandle) ErrorMessage() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msg
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()
	h.m.closed.Add(1)
	return nil
}

func (h *mockHandle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *mockHandle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// wakeOn posts a readiness token once gate is closed.
func (h *mockHandle) wakeOn(gate <-chan struct{}) {
	go func() {
		select {
		case <-gate:
			h.wake()
		case <-h.done:
		}
	}()
}

func (h *mockHandle) setErr(errno uint16, msg string) {
	h.mu.Lock()
	h.errno, h.msg = errno, msg
	h.mu.Unlock()
}

func gateClosed(gate <-chan struct{}) bool {
	select {
	case <-gate:
		return true
	default:
		return false
	}
}

// progress runs the shared PENDING / DONE / ERROR script of an expectation. start is
// called on the first invocation of a call.
func (h *mockHandle) progress(kind primitive, start func() *MockExpectation) (*MockExpectation, Status) {
	if h.cur == nil || h.curKind != kind {
		h.setErr(0, "")
		h.cur, h.curKind = start(), kind
		h.watching = false
		if h.cur == nil {
			return nil, StatusDone
		}
		h.pendingLeft = h.cur.pending
	}
	e := h.cur
	if e.gate != nil && !gateClosed(e.gate) {
		if !h.watching {
			h.watching = true
			h.wakeOn(e.gate)
		}
		return e, StatusPending
	}
	if h.pendingLeft > 0 {
		h.pendingLeft--
		h.wake()
		return e, StatusPending
	}
	h.cur = nil
	if e.errno != 0 {
		h.setErr(e.errno, e.msg)
		return e, StatusError
	}
	return e, StatusDone
}

func (m *MockHandler) handle(nh NativeHandle) *mockHandle { return nh.(*mockHandle) }

func (m *MockHandler) NewHandle(key ConnectionKey, _ ConnectionOptions) (NativeHandle, error) {
	m.opened.Add(1)
	return &mockHandle{m: m, key: key, notify: make(chan struct{}, 1), done: make(chan struct{})}, nil
}

func (m *MockHandler) TryConnect(nh NativeHandle, key ConnectionKey, _ ConnectionOptions, _ int) Status {
	m.record(primConnect)
	h := m.handle(nh)
	_, st := h.progress(primConnect, func() *MockExpectation { return m.next(primConnect, "") })
	return st
}

func (m *MockHandler) RunQuery(nh NativeHandle, query string) Status {
	m.record(primRunQuery)
	h := m.handle(nh)
	e, st := h.progress(primRunQuery, func() *MockExpectation { return m.next(primRunQuery, query) })
	if e == nil {
		h.setErr(CRUnknownError, "unexpected query: "+query)
		return StatusError
	}
	if st != StatusDone {
		return st
	}
	h.sets = e.sets
	if len(h.sets) == 0 {
		h.sets = []MockResultSet{{}}
	}
	h.setIdx, h.rowIdx = 0, 0
	h.rowsGate, h.rowsHold, h.rowWatch = e.rowsGate, e.rowsHold, false
	h.fetchErrno, h.fetchMsg = e.fetchErrno, e.fetchMsg
	return StatusDone
}

func (m *MockHandler) UseResult(nh NativeHandle) ([]string, bool) {
	m.record(primUseResult)
	h := m.handle(nh)
	if h.setIdx >= len(h.sets) {
		return nil, false
	}
	set := h.sets[h.setIdx]
	return set.Columns, set.Columns != nil
}

func (m *MockHandler) FetchRow(nh NativeHandle) (Row, Status) {
	m.record(primFetchRow)
	h := m.handle(nh)
	if h.setIdx >= len(h.sets) {
		return nil, StatusDone
	}
	if h.setIdx == 0 && h.rowsGate != nil && h.rowIdx >= h.rowsHold && !gateClosed(h.rowsGate) {
		if !h.rowWatch {
			h.rowWatch = true
			h.wakeOn(h.rowsGate)
		}
		return nil, StatusPending
	}
	set := h.sets[h.setIdx]
	if h.rowIdx < len(set.Rows) {
		row := set.Rows[h.rowIdx]
		h.rowIdx++
		return row, StatusDone
	}
	if h.fetchErrno != 0 && h.setIdx == len(h.sets)-1 {
		h.setErr(h.fetchErrno, h.fetchMsg)
	}
	return nil, StatusDone
}

func (m *MockHandler) MoreResults(nh NativeHandle) bool {
	h := m.handle(nh)
	return h.setIdx+1 < len(h.sets)
}

func (m *MockHandler) NextResult(nh NativeHandle) Status {
	m.record(primNextResult)
	h := m.handle(nh)
	if h.setIdx+1 >= len(h.sets) {
		h.setErr(CRCommandsOutOfSync, "Commands out of sync; you can't run this command now")
		return StatusError
	}
	h.setIdx++
	h.rowIdx = 0
	return StatusDone
}

func (m *MockHandler) AffectedRows(nh NativeHandle) int64 {
	h := m.handle(nh)
	if h.setIdx >= len(h.sets) {
		return 0
	}
	return h.sets[h.setIdx].AffectedRows
}

func (m *MockHandler) LastInsertID(nh NativeHandle) int64 {
	h := m.handle(nh)
	if h.setIdx >= len(h.sets) {
		return 0
	}
	return h.sets[h.setIdx].LastInsertID
}

func (m *MockHandler) ResetConn(nh NativeHandle) Status {
	m.record(primReset)
	h := m.handle(nh)
	_, st := h.progress(primReset, func() *MockExpectation { return m.next(primReset, "") })
	return st
}

func (m *MockHandler) ChangeUser(nh NativeHandle, _, _, _ string) Status {
	m.record(primChangeUser)
	h := m.handle(nh)
	_, st := h.progress(primChangeUser, func() *MockExpectation { return m.next(primChangeUser, "") })
	return st
}
