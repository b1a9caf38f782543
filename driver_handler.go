package ygggo_amysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// rowWindow bounds how far the row pump reads ahead of the reactor.
const rowWindow = 256

// DriverOption configures a DriverHandler.
type DriverOption func(*DriverHandler)

// WithDSNBuilder replaces FormatDSN, e.g. for drivers with another DSN syntax.
func WithDSNBuilder(fn func(ConnectionKey, ConnectionOptions) string) DriverOption {
	return func(d *DriverHandler) { d.dsn = fn }
}

// DriverHandler implements Handler on top of a database/sql driver. Each blocking
// driver call runs on its own goroutine and the primitive reports PENDING until it
// returns.
type DriverHandler struct {
	driverName string
	dsn        func(ConnectionKey, ConnectionOptions) string
}

// NewDriverHandler returns a handler for a registered database/sql driver, "mysql"
// when driverName is empty.
func NewDriverHandler(driverName string, opts ...DriverOption) *DriverHandler {
	if driverName == "" {
		driverName = "mysql"
	}
	d := &DriverHandler{driverName: driverName, dsn: FormatDSN}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DriverHandler) DriverName() string { return d.driverName }

type jobKind int

const (
	jobNone jobKind = iota
	jobConnect
	jobQuery
	jobReset
	jobChangeUser
)

type driverHandle struct {
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	key    ConnectionKey
	opts   ConnectionOptions

	mu      sync.Mutex
	db      *sql.DB
	conn    *sql.Conn
	rows    *sql.Rows
	job     jobKind
	jobDone bool
	jobErr  error

	// set by the finished query job
	affected int64
	lastID   int64

	// row pump state
	pump     chan Row
	pumpDone bool
	pumpErr  error
	more     bool

	errno  uint16
	errmsg string

	abandoned bool
}

func (h *driverHandle) Notify() <-chan struct{} { return h.notify }

func (h *driverHandle) Errno() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errno
}

func (h *driverHandle) ErrorMessage() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errmsg
}

func (h *driverHandle) Close() error {
	h.cancel()
	h.mu.Lock()
	rows, conn, db := h.rows, h.conn, h.db
	h.rows, h.conn, h.db = nil, nil, nil
	h.mu.Unlock()
	if rows != nil {
		_ = rows.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

func (h *driverHandle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *driverHandle) setErr(err error) {
	errno, msg := errnoFromError(err)
	h.mu.Lock()
	h.errno, h.errmsg = errno, msg
	h.mu.Unlock()
}

func (h *driverHandle) clearErr() {
	h.mu.Lock()
	h.errno, h.errmsg = 0, ""
	h.mu.Unlock()
}

var errOutOfSync = errors.New("Commands out of sync; you can't run this command now")

// step starts fn in the background on the first call and reports its outcome on
// the first call after it returned.
func (h *driverHandle) step(kind jobKind, fn func(ctx context.Context) error) Status {
	h.mu.Lock()
	switch {
	case h.abandoned:
		h.mu.Unlock()
		h.outOfSync()
		return StatusError
	case h.job == jobNone:
		if h.pump != nil && !h.pumpDone {
			h.mu.Unlock()
			h.outOfSync()
			return StatusError
		}
		h.job, h.jobDone, h.jobErr = kind, false, nil
		h.errno, h.errmsg = 0, ""
		h.mu.Unlock()
		go func() {
			err := fn(h.ctx)
			h.mu.Lock()
			h.jobDone, h.jobErr = true, err
			h.mu.Unlock()
			h.wake()
		}()
		return StatusPending
	case h.job != kind:
		h.mu.Unlock()
		h.outOfSync()
		return StatusError
	case !h.jobDone:
		h.mu.Unlock()
		return StatusPending
	}
	err := h.jobErr
	h.job = jobNone
	h.mu.Unlock()
	if err != nil {
		h.setErr(err)
		return StatusError
	}
	return StatusDone
}

func (h *driverHandle) outOfSync() {
	h.mu.Lock()
	h.errno, h.errmsg = CRCommandsOutOfSync, errOutOfSync.Error()
	h.mu.Unlock()
}

func (h *driverHandle) sqlConn() *sql.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (d *DriverHandler) handle(nh NativeHandle) *driverHandle {
	return nh.(*driverHandle)
}

func (d *DriverHandler) NewHandle(key ConnectionKey, opts ConnectionOptions) (NativeHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &driverHandle{notify: make(chan struct{}, 1), ctx: ctx, cancel: cancel, key: key, opts: opts}, nil
}

// open replaces the handle's database with one for key.
func (d *DriverHandler) open(ctx context.Context, h *driverHandle, key ConnectionKey, opts ConnectionOptions) error {
	db, err := sql.Open(d.driverName, d.dsn(key, opts))
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return err
	}
	h.mu.Lock()
	if h.ctx.Err() != nil {
		// closed while connecting
		h.mu.Unlock()
		_ = conn.Close()
		_ = db.Close()
		return h.ctx.Err()
	}
	oldConn, oldDB := h.conn, h.db
	h.db, h.conn, h.key = db, conn, key
	h.mu.Unlock()
	if oldConn != nil {
		_ = oldConn.Close()
	}
	if oldDB != nil {
		_ = oldDB.Close()
	}
	return nil
}

// Abandon cancels the job still running on the handle. The handle answers every
// later primitive with CR_COMMANDS_OUT_OF_SYNC.
func (d *DriverHandler) Abandon(nh NativeHandle) {
	h := d.handle(nh)
	h.mu.Lock()
	h.abandoned = true
	h.mu.Unlock()
	h.cancel()
	h.wake()
}

func (d *DriverHandler) TryConnect(nh NativeHandle, key ConnectionKey, opts ConnectionOptions, _ int) Status {
	h := d.handle(nh)
	return h.step(jobConnect, func(ctx context.Context) error {
		return d.open(ctx, h, key, opts)
	})
}

// execStatement reports statements that produce no result set and are sent with
// ExecContext so affected rows and insert ids are available.
func execStatement(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	end := strings.IndexFunc(q, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' })
	if end >= 0 {
		q = q[:end]
	}
	switch strings.ToUpper(q) {
	case "INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "DROP", "ALTER", "TRUNCATE",
		"RENAME", "SET", "USE", "BEGIN", "START", "COMMIT", "ROLLBACK", "SAVEPOINT",
		"RELEASE", "LOCK", "UNLOCK", "GRANT", "REVOKE", "DO":
		return true
	}
	return false
}

func (d *DriverHandler) RunQuery(nh NativeHandle, query string) Status {
	h := d.handle(nh)
	return h.step(jobQuery, func(ctx context.Context) error {
		conn := h.sqlConn()
		if conn == nil {
			return driver.ErrBadConn
		}
		h.mu.Lock()
		if h.rows != nil {
			_ = h.rows.Close()
			h.rows = nil
		}
		h.pump, h.pumpDone, h.pumpErr, h.more = nil, false, nil, false
		h.affected, h.lastID = 0, 0
		h.mu.Unlock()

		if execStatement(query) {
			res, err := conn.ExecContext(ctx, query)
			if err != nil {
				return err
			}
			affected, _ := res.RowsAffected()
			lastID, _ := res.LastInsertId()
			h.mu.Lock()
			h.affected, h.lastID = affected, lastID
			h.mu.Unlock()
			return nil
		}
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.rows = rows
		h.mu.Unlock()
		return nil
	})
}

func (d *DriverHandler) UseResult(nh NativeHandle) ([]string, bool) {
	h := d.handle(nh)
	h.mu.Lock()
	rows := h.rows
	h.mu.Unlock()
	if rows == nil {
		return nil, false
	}
	cols, err := rows.Columns()
	if err != nil || len(cols) == 0 {
		if err != nil {
			h.setErr(err)
		}
		h.finishRows(rows)
		return nil, false
	}
	pump := make(chan Row, rowWindow)
	h.mu.Lock()
	h.pump, h.pumpDone, h.pumpErr = pump, false, nil
	h.mu.Unlock()
	go h.runPump(rows, len(cols), pump)
	return cols, true
}

// runPump reads the current result set into pump and then looks for the next one.
func (h *driverHandle) runPump(rows *sql.Rows, n int, pump chan Row) {
	var err error
	for rows.Next() {
		vals := make([]any, n)
		ptrs := make([]any, n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			break
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		select {
		case pump <- Row(vals):
			h.wake()
		case <-h.ctx.Done():
			err = h.ctx.Err()
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		err = rows.Err()
	}
	more := err == nil && rows.NextResultSet()
	if !more {
		h.finishRows(rows)
	}
	h.mu.Lock()
	h.pumpDone, h.pumpErr, h.more = true, err, more
	h.mu.Unlock()
	close(pump)
	h.wake()
}

func (h *driverHandle) finishRows(rows *sql.Rows) {
	_ = rows.Close()
	h.mu.Lock()
	if h.rows == rows {
		h.rows = nil
	}
	h.mu.Unlock()
}

func (d *DriverHandler) FetchRow(nh NativeHandle) (Row, Status) {
	h := d.handle(nh)
	h.mu.Lock()
	pump := h.pump
	h.mu.Unlock()
	if pump == nil {
		return nil, StatusDone
	}
	select {
	case row, ok := <-pump:
		if ok {
			return row, StatusDone
		}
	default:
		return nil, StatusPending
	}
	h.mu.Lock()
	err := h.pumpErr
	h.pump = nil
	h.mu.Unlock()
	if err != nil {
		h.setErr(err)
	}
	return nil, StatusDone
}

func (d *DriverHandler) MoreResults(nh NativeHandle) bool {
	h := d.handle(nh)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.more
}

// NextResult is immediate: the pump already advanced to the next result set.
func (d *DriverHandler) NextResult(nh NativeHandle) Status {
	h := d.handle(nh)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.more {
		h.errno, h.errmsg = CRCommandsOutOfSync, errOutOfSync.Error()
		return StatusError
	}
	h.more = false
	return StatusDone
}

func (d *DriverHandler) AffectedRows(nh NativeHandle) int64 {
	h := d.handle(nh)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.affected
}

func (d *DriverHandler) LastInsertID(nh NativeHandle) int64 {
	h := d.handle(nh)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// ResetConn resets the session through driver.SessionResetter when the driver has
// one.
func (d *DriverHandler) ResetConn(nh NativeHandle) Status {
	h := d.handle(nh)
	return h.step(jobReset, func(ctx context.Context) error {
		conn := h.sqlConn()
		if conn == nil {
			return driver.ErrBadConn
		}
		return conn.Raw(func(dc any) error {
			if r, ok := dc.(driver.SessionResetter); ok {
				return r.ResetSession(ctx)
			}
			return nil
		})
	})
}

// ChangeUser reconnects as the new user; database/sql has no COM_CHANGE_USER.
func (d *DriverHandler) ChangeUser(nh NativeHandle, user, password, database string) Status {
	h := d.handle(nh)
	return h.step(jobChangeUser, func(ctx context.Context) error {
		h.mu.Lock()
		key, opts := h.key, h.opts
		h.mu.Unlock()
		return d.open(ctx, h, key.withUser(user, password, database), opts)
	})
}
