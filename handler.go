package ygggo_amysql

// Status is the outcome of one non-blocking primitive call.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusDone:
		return "DONE"
	case StatusError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Row is one fetched row, values in column order.
type Row []any

// NativeHandle is one underlying protocol connection.
type NativeHandle interface {
	// Notify delivers a token whenever a call that reported StatusPending may now
	// make progress.
	Notify() <-chan struct{}
	Errno() uint16
	ErrorMessage() string
	Close() error
}

// Handler is the non-blocking primitive layer. Every method returns immediately and
// is only called from the reactor goroutine.
type Handler interface {
	NewHandle(key ConnectionKey, opts ConnectionOptions) (NativeHandle, error)
	TryConnect(h NativeHandle, key ConnectionKey, opts ConnectionOptions, flags int) Status
	RunQuery(h NativeHandle, query string) Status
	// UseResult starts reading the current result set. ok is false when the
	// statement produced no result set.
	UseResult(h NativeHandle) (columns []string, ok bool)
	// FetchRow returns the next row, or a nil row with StatusDone once the result set
	// is exhausted. It never returns StatusError.
	FetchRow(h NativeHandle) (Row, Status)
	MoreResults(h NativeHandle) bool
	NextResult(h NativeHandle) Status
	AffectedRows(h NativeHandle) int64
	LastInsertID(h NativeHandle) int64
	ResetConn(h NativeHandle) Status
	ChangeUser(h NativeHandle, user, password, database string) Status
}

// HandleAbandoner is implemented by handlers that can stop work still running on a
// handle after the operation driving it was cancelled or timed out. Later primitive
// calls on an abandoned handle report StatusError with CR_COMMANDS_OUT_OF_SYNC.
type HandleAbandoner interface {
	Abandon(h NativeHandle)
}

// primitive names used for call accounting and tracing.
type primitive string

const (
	primConnect    primitive = "connect"
	primRunQuery   primitive = "run_query"
	primUseResult  primitive = "use_result"
	primFetchRow   primitive = "fetch_row"
	primNextResult primitive = "next_result"
	primReset      primitive = "reset_conn"
	primChangeUser primitive = "change_user"
)
