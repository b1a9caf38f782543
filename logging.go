package ygggo_amysql

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Enabled            bool
	SlowQueryThreshold time.Duration
	Level              slog.Level
}

// LevelFatal is the level used for internal invariant violations.
const LevelFatal = slog.Level(12)

var (
	defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
)

// FailureReason tells a DBLogger why an operation failed.
type FailureReason int

const (
	FailureBadUsage FailureReason = iota
	FailureTimeout
	FailureCancelled
	FailureDatabaseError
)

func (r FailureReason) String() string {
	switch r {
	case FailureBadUsage:
		return "bad_usage"
	case FailureTimeout:
		return "timeout"
	case FailureCancelled:
		return "cancelled"
	case FailureDatabaseError:
		return "database_error"
	}
	return "unknown"
}

func failureReasonFor(kind ErrorKind) FailureReason {
	switch kind {
	case ErrorKindTimeout:
		return FailureTimeout
	case ErrorKindCancelled:
		return FailureCancelled
	case ErrorKindProtocol, ErrorKindConnectionFailed:
		return FailureDatabaseError
	}
	return FailureBadUsage
}

// CommonLoggingData is reported for every logged operation.
type CommonLoggingData struct {
	OperationID   string
	OperationType OperationType
	Duration      time.Duration
	Timeout       time.Duration
	Attributes    map[string]string
	PerfStats     ClientPerfStats
}

// QueryLoggingData adds query details.
type QueryLoggingData struct {
	CommonLoggingData
	QueriesExecuted int
	Query           string
	RowsCount       int
}

// ConnectionLoggingData identifies the connection an event belongs to.
type ConnectionLoggingData struct {
	Key     ConnectionKey
	KeyHash string
}

// DBLogger observes query and connection outcomes.
type DBLogger interface {
	LogQuerySuccess(ctx context.Context, data QueryLoggingData, conn ConnectionLoggingData)
	LogQueryFailure(ctx context.Context, data QueryLoggingData, reason FailureReason, errno uint16, msg string, conn ConnectionLoggingData)
	LogConnectionSuccess(ctx context.Context, data CommonLoggingData, conn ConnectionLoggingData)
	LogConnectionFailure(ctx context.Context, data CommonLoggingData, reason FailureReason, errno uint16, msg string, conn ConnectionLoggingData)
}

// SlogDBLogger is a DBLogger writing structured slog records.
type SlogDBLogger struct {
	logger             *slog.Logger
	slowQueryThreshold time.Duration
}

// NewSlogDBLogger returns a DBLogger backed by logger (defaultLogger when nil).
func NewSlogDBLogger(logger *slog.Logger, slowQueryThreshold time.Duration) *SlogDBLogger {
	if logger == nil {
		logger = defaultLogger
	}
	return &SlogDBLogger{logger: logger, slowQueryThreshold: slowQueryThreshold}
}

func commonAttrs(data CommonLoggingData, conn ConnectionLoggingData) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("operation", data.OperationType.String()),
		slog.String("operation_id", data.OperationID),
		slog.Float64("duration_ms", float64(data.Duration.Nanoseconds())/1e6),
		slog.String("conn_key", conn.Key.String()),
		slog.String("conn_key_hash", conn.KeyHash),
		slog.Float64("callback_delay_us", data.PerfStats.CallbackDelayMicrosAvg),
	}
	if data.Timeout > 0 {
		attrs = append(attrs, slog.Float64("timeout_ms", float64(data.Timeout.Nanoseconds())/1e6))
	}
	for k, v := range data.Attributes {
		attrs = append(attrs, slog.String("attr."+k, v))
	}
	return attrs
}

func (l *SlogDBLogger) LogQuerySuccess(ctx context.Context, data QueryLoggingData, conn ConnectionLoggingData) {
	attrs := append(commonAttrs(data.CommonLoggingData, conn),
		slog.String("query", data.Query),
		slog.Int("queries_executed", data.QueriesExecuted),
		slog.Int("rows", data.RowsCount),
		slog.String("status", "success"),
	)
	if l.slowQueryThreshold > 0 && data.Duration > l.slowQueryThreshold {
		l.logger.LogAttrs(ctx, slog.LevelWarn, "slow query detected", attrs...)
		return
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "database query executed", attrs...)
}

func (l *SlogDBLogger) LogQueryFailure(ctx context.Context, data QueryLoggingData, reason FailureReason, errno uint16, msg string, conn ConnectionLoggingData) {
	attrs := append(commonAttrs(data.CommonLoggingData, conn),
		slog.String("query", data.Query),
		slog.Int("queries_executed", data.QueriesExecuted),
		slog.String("status", "error"),
		slog.String("reason", reason.String()),
		slog.String("error", msg),
		slog.Int("error_code", int(errno)),
	)
	l.logger.LogAttrs(ctx, slog.LevelError, "database query executed", attrs...)
}

func (l *SlogDBLogger) LogConnectionSuccess(ctx context.Context, data CommonLoggingData, conn ConnectionLoggingData) {
	attrs := append(commonAttrs(data, conn), slog.String("status", "success"))
	l.logger.LogAttrs(ctx, slog.LevelDebug, "database connection event", attrs...)
}

func (l *SlogDBLogger) LogConnectionFailure(ctx context.Context, data CommonLoggingData, reason FailureReason, errno uint16, msg string, conn ConnectionLoggingData) {
	attrs := append(commonAttrs(data, conn),
		slog.String("status", "error"),
		slog.String("reason", reason.String()),
		slog.String("error", msg),
		slog.Int("error_code", int(errno)),
	)
	l.logger.LogAttrs(ctx, slog.LevelError, "database connection event", attrs...)
}

// EnableLogging enables or disables structured logging for this client
func (c *Client) EnableLogging(enabled bool) {
	if c == nil {
		return
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.loggingEnabled = enabled
	if enabled && c.dbLogger == nil {
		c.dbLogger = NewSlogDBLogger(c.logger, c.cfg.Logging.SlowQueryThreshold)
	}
}

// SetLogger sets the logger used for engine diagnostics and the default DBLogger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if c == nil {
		return
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.logger = logger
	if _, ok := c.dbLogger.(*SlogDBLogger); ok || c.dbLogger == nil {
		c.dbLogger = NewSlogDBLogger(logger, c.cfg.Logging.SlowQueryThreshold)
	}
}

// SetDBLogger installs a custom query/connection observer.
func (c *Client) SetDBLogger(l DBLogger) {
	if c == nil {
		return
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.dbLogger = l
	c.loggingEnabled = l != nil
}

func (c *Client) observer() DBLogger {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	if !c.loggingEnabled {
		return nil
	}
	return c.dbLogger
}

func (c *Client) diag() *slog.Logger {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	if c.logger == nil {
		return defaultLogger
	}
	return c.logger
}

// invariantViolated logs a broken internal invariant at fatal level and panics unless
// built with the release tag.
func (c *Client) invariantViolated(msg string, attrs ...slog.Attr) {
	logger := defaultLogger
	if c != nil {
		logger = c.diag()
	}
	logger.LogAttrs(context.Background(), LevelFatal, msg, attrs...)
	if abortOnInvariantViolation {
		panic(fmt.Sprintf("ygggo_amysql: invariant violated: %s", msg))
	}
}

func connLoggingData(key ConnectionKey) ConnectionLoggingData {
	return ConnectionLoggingData{Key: key, KeyHash: key.HashString()}
}

// logQueryOutcome reports a finished fetch operation to the observer and counters.
func (c *Client) logQueryOutcome(op *operationBase, query string, executed, rows int) {
	ok := op.OK()
	if ok {
		c.counters.IncrSucceededQueries()
	} else {
		c.counters.IncrFailedQueries(op.Errno())
	}
	c.recordQuery(op.ctx, op.opType, op.Elapsed(), ok)

	obs := c.observer()
	if obs == nil {
		return
	}
	data := QueryLoggingData{
		CommonLoggingData: op.loggingData(),
		QueriesExecuted:   executed,
		Query:             query,
		RowsCount:         rows,
	}
	conn := connLoggingData(op.key())
	if ok {
		obs.LogQuerySuccess(op.ctx, data, conn)
		return
	}
	obs.LogQueryFailure(op.ctx, data, failureReasonFor(op.Kind()), op.Errno(), op.errMessage(), conn)
}

// logConnectOutcome reports a finished connect operation.
func (c *Client) logConnectOutcome(op *operationBase) {
	ok := op.OK()
	if !ok {
		c.counters.IncrFailedConnections(op.Errno())
	}
	c.recordConnect(op.ctx, op.Elapsed(), ok)

	obs := c.observer()
	if obs == nil {
		return
	}
	conn := connLoggingData(op.key())
	if ok {
		obs.LogConnectionSuccess(op.ctx, op.loggingData(), conn)
		return
	}
	obs.LogConnectionFailure(op.ctx, op.loggingData(), failureReasonFor(op.Kind()), op.Errno(), op.errMessage(), conn)
}
