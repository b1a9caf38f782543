package ygggo_amysql

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	mysql "github.com/go-sql-driver/mysql"
)

// ErrorKind classifies why an operation failed.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindConnectionFailed
	ErrorKindProtocol
	ErrorKindTimeout
	ErrorKindCancelled
	ErrorKindInvalidState
	ErrorKindEmptyQueryList
	ErrorKindInvalidConnection
)

var (
	ErrConnectionFailed  = errors.New("ygggo_amysql: connection failed")
	ErrProtocol          = errors.New("ygggo_amysql: protocol error")
	ErrTimeout           = errors.New("ygggo_amysql: timeout")
	ErrCancelled         = errors.New("ygggo_amysql: cancelled")
	ErrInvalidState      = errors.New("ygggo_amysql: invalid state")
	ErrEmptyQueryList    = errors.New("ygggo_amysql: empty query list")
	ErrInvalidConnection = errors.New("ygggo_amysql: invalid connection")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case ErrorKindConnectionFailed:
		return ErrConnectionFailed
	case ErrorKindProtocol:
		return ErrProtocol
	case ErrorKindTimeout:
		return ErrTimeout
	case ErrorKindCancelled:
		return ErrCancelled
	case ErrorKindInvalidState:
		return ErrInvalidState
	case ErrorKindEmptyQueryList:
		return ErrEmptyQueryList
	case ErrorKindInvalidConnection:
		return ErrInvalidConnection
	}
	return nil
}

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindConnectionFailed:
		return "connection_failed"
	case ErrorKindProtocol:
		return "protocol_error"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindCancelled:
		return "cancelled"
	case ErrorKindInvalidState:
		return "invalid_state"
	case ErrorKindEmptyQueryList:
		return "empty_query_list"
	case ErrorKindInvalidConnection:
		return "invalid_connection"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// MySQL client library error numbers used for client side failures.
const (
	CRUnknownError       uint16 = 2000
	CRConnectionError    uint16 = 2002
	CRConnHostError      uint16 = 2003
	CRServerGoneError    uint16 = 2006
	CRServerLost         uint16 = 2013
	CRCommandsOutOfSync  uint16 = 2014
	errTooManyConnection uint16 = 1040
)

// OperationError is the single error type produced by operations. Synchronous APIs
// return it directly, asynchronous result objects wrap it.
type OperationError struct {
	Kind            ErrorKind
	Errno           uint16
	Message         string
	Key             ConnectionKey
	Elapsed         time.Duration
	QueriesExecuted int
	Op              OperationType
}

func (e *OperationError) Error() string {
	if e.Op == OperationTypeConnect {
		return fmt.Sprintf("%s: [%d] %s (key=%s, elapsed=%s)",
			e.Kind, e.Errno, e.Message, e.Key, e.Elapsed)
	}
	return fmt.Sprintf("%s: [%d] %s (key=%s, queries_executed=%d, elapsed=%s)",
		e.Kind, e.Errno, e.Message, e.Key, e.QueriesExecuted, e.Elapsed)
}

// Is matches the sentinel of the error's kind.
func (e *OperationError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// KindOf reports the ErrorKind carried by err, or ErrorKindNone.
func KindOf(err error) ErrorKind {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ErrorKindNone
}

// ErrnoOf reports the native errno carried by err, or 0.
func ErrnoOf(err error) uint16 {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Errno
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// ErrorClass classifies native errors for retry decisions.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassRetryable
	ErrClassConflict
	ErrClassReadonly
	ErrClassConstraint
	ErrClassConnection
)

// Classify classifies err by its MySQL error number.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mysql.ErrInvalidConn) {
		return ErrClassConnection
	}
	return ClassifyErrno(ErrnoOf(err))
}

// ClassifyErrno classifies a MySQL error number.
func ClassifyErrno(errno uint16) ErrorClass {
	switch errno {
	case 1213, 1205: // deadlock, lock wait timeout
		return ErrClassRetryable
	case 1290: // read-only
		return ErrClassReadonly
	case 1062, 1022:
		return ErrClassConflict
	case 1048, 1451, 1452, 3819:
		return ErrClassConstraint
	case CRConnectionError, CRConnHostError, CRServerGoneError, CRServerLost, errTooManyConnection:
		return ErrClassConnection
	}
	return ErrClassUnknown
}

// errnoFromError maps a driver error to a native errno and message.
func errnoFromError(err error) (uint16, string) {
	var me *mysql.MySQLError
	switch {
	case err == nil:
		return 0, ""
	case errors.As(err, &me):
		return me.Number, me.Message
	case errors.Is(err, context.DeadlineExceeded):
		return CRServerLost, "Lost connection to MySQL server during query"
	case errors.Is(err, context.Canceled):
		return CRServerLost, "Query execution was interrupted"
	case errors.Is(err, mysql.ErrInvalidConn):
		return CRServerGoneError, "MySQL server has gone away"
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return CRConnHostError, "Can't connect to MySQL server: " + err.Error()
	}
	return CRUnknownError, err.Error()
}
