package ygggo_amysql

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SlowQueryRecord represents a slow query record
type SlowQueryRecord struct {
	ID              string        `json:"id"`
	OperationID     string        `json:"operation_id"`
	OperationType   string        `json:"operation_type"`
	Query           string        `json:"query"`
	NormalizedQuery string        `json:"normalized_query"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
	QueriesExecuted int           `json:"queries_executed"`
	Rows            int           `json:"rows"`
	Errno           uint16        `json:"errno,omitempty"`
	Error           string        `json:"error,omitempty"`
	Database        string        `json:"database,omitempty"`
	User            string        `json:"user,omitempty"`
	Host            string        `json:"host,omitempty"`
}

// SlowQueryStats represents statistics about slow queries
type SlowQueryStats struct {
	TotalCount      int64          `json:"total_count"`
	UniqueQueries   int64          `json:"unique_queries"`
	AverageDuration time.Duration  `json:"average_duration"`
	MaxDuration     time.Duration  `json:"max_duration"`
	MinDuration     time.Duration  `json:"min_duration"`
	LastRecordTime  time.Time      `json:"last_record_time"`
	TopQueries      []QueryPattern `json:"top_queries"`
}

// QueryPattern aggregates slow queries that normalize to the same text
type QueryPattern struct {
	NormalizedQuery string        `json:"normalized_query"`
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastSeen        time.Time     `json:"last_seen"`
	Examples        []string      `json:"examples,omitempty"`
}

// SlowQueryFilter defines filtering options for retrieving records
type SlowQueryFilter struct {
	StartTime    *time.Time     `json:"start_time,omitempty"`
	MinDuration  *time.Duration `json:"min_duration,omitempty"`
	QueryPattern string         `json:"query_pattern,omitempty"`
	Database     string         `json:"database,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

// SlowQueryRecorder is a DBLogger that keeps query operations slower than a
// threshold in memory. Combine it with another logger through TeeDBLogger.
type SlowQueryRecorder struct {
	threshold  time.Duration
	maxRecords int

	mutex    sync.RWMutex
	records  []*SlowQueryRecord
	patterns map[string]*QueryPattern
}

// NewSlowQueryRecorder keeps at most maxRecords queries slower than threshold.
func NewSlowQueryRecorder(threshold time.Duration, maxRecords int) *SlowQueryRecorder {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &SlowQueryRecorder{
		threshold:  threshold,
		maxRecords: maxRecords,
		patterns:   make(map[string]*QueryPattern),
	}
}

func (r *SlowQueryRecorder) Threshold() time.Duration { return r.threshold }

func (r *SlowQueryRecorder) LogQuerySuccess(_ context.Context, data QueryLoggingData, conn ConnectionLoggingData) {
	r.record(data, conn, 0, "")
}

func (r *SlowQueryRecorder) LogQueryFailure(_ context.Context, data QueryLoggingData, _ FailureReason, errno uint16, msg string, conn ConnectionLoggingData) {
	r.record(data, conn, errno, msg)
}

func (r *SlowQueryRecorder) LogConnectionSuccess(context.Context, CommonLoggingData, ConnectionLoggingData) {}

func (r *SlowQueryRecorder) LogConnectionFailure(context.Context, CommonLoggingData, FailureReason, uint16, string, ConnectionLoggingData) {
}

func (r *SlowQueryRecorder) record(data QueryLoggingData, conn ConnectionLoggingData, errno uint16, msg string) {
	if data.Duration <= r.threshold {
		return
	}
	rec := &SlowQueryRecord{
		ID:              uuid.NewString(),
		OperationID:     data.OperationID,
		OperationType:   data.OperationType.String(),
		Query:           data.Query,
		NormalizedQuery: normalizeQuery(data.Query),
		Duration:        data.Duration,
		Timestamp:       time.Now(),
		QueriesExecuted: data.QueriesExecuted,
		Rows:            data.RowsCount,
		Errno:           errno,
		Error:           msg,
		Database:        conn.Key.Database,
		User:            conn.Key.User,
		Host:            conn.Key.Host,
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > r.maxRecords {
		r.records = r.records[1:]
	}
	pattern, ok := r.patterns[rec.NormalizedQuery]
	if !ok {
		pattern = &QueryPattern{NormalizedQuery: rec.NormalizedQuery, Examples: make([]string, 0, 3)}
		r.patterns[rec.NormalizedQuery] = pattern
	}
	pattern.Count++
	pattern.TotalDuration += rec.Duration
	pattern.AverageDuration = time.Duration(int64(pattern.TotalDuration) / pattern.Count)
	pattern.LastSeen = rec.Timestamp
	if rec.Duration > pattern.MaxDuration {
		pattern.MaxDuration = rec.Duration
	}
	if len(pattern.Examples) < 3 {
		pattern.Examples = append(pattern.Examples, rec.Query)
	}
}

// Records returns matching records, newest first.
func (r *SlowQueryRecorder) Records(filter SlowQueryFilter) []*SlowQueryRecord {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []*SlowQueryRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		if matchesFilter(r.records[i], filter) {
			out = append(out, r.records[i])
		}
	}
	return out
}

func matchesFilter(rec *SlowQueryRecord, filter SlowQueryFilter) bool {
	if filter.StartTime != nil && rec.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.MinDuration != nil && rec.Duration < *filter.MinDuration {
		return false
	}
	if filter.QueryPattern != "" && !strings.Contains(rec.NormalizedQuery, filter.QueryPattern) {
		return false
	}
	if filter.Database != "" && rec.Database != filter.Database {
		return false
	}
	return true
}

// Stats summarizes the stored records.
func (r *SlowQueryRecorder) Stats() SlowQueryStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if len(r.records) == 0 {
		return SlowQueryStats{}
	}
	var total, maxDuration time.Duration
	minDuration := r.records[0].Duration
	var last time.Time
	for _, rec := range r.records {
		total += rec.Duration
		if rec.Duration > maxDuration {
			maxDuration = rec.Duration
		}
		if rec.Duration < minDuration {
			minDuration = rec.Duration
		}
		if rec.Timestamp.After(last) {
			last = rec.Timestamp
		}
	}
	return SlowQueryStats{
		TotalCount:      int64(len(r.records)),
		UniqueQueries:   int64(len(r.patterns)),
		AverageDuration: time.Duration(int64(total) / int64(len(r.records))),
		MaxDuration:     maxDuration,
		MinDuration:     minDuration,
		LastRecordTime:  last,
		TopQueries:      r.topPatterns(10),
	}
}

// Patterns returns query patterns, most frequent first.
func (r *SlowQueryRecorder) Patterns(limit int) []QueryPattern {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.topPatterns(limit)
}

func (r *SlowQueryRecorder) topPatterns(limit int) []QueryPattern {
	patterns := make([]QueryPattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		cp := *p
		cp.Examples = append([]string(nil), p.Examples...)
		patterns = append(patterns, cp)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].NormalizedQuery < patterns[j].NormalizedQuery
	})
	if limit > 0 && limit < len(patterns) {
		patterns = patterns[:limit]
	}
	return patterns
}

// Clear removes all stored records
func (r *SlowQueryRecorder) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = nil
	r.patterns = make(map[string]*QueryPattern)
}

var (
	stringLiteralRe = regexp.MustCompile(`'[^']*'`)
	numericRe       = regexp.MustCompile(`\b\d+\b`)
)

// normalizeQuery replaces literals with placeholders so similar statements group
// together.
func normalizeQuery(query string) string {
	normalized := stringLiteralRe.ReplaceAllString(query, "?")
	normalized = numericRe.ReplaceAllString(normalized, "?")
	return strings.ToUpper(normalizeSQL(normalized))
}

// TeeDBLogger forwards every event to all loggers.
type TeeDBLogger []DBLogger

func (t TeeDBLogger) LogQuerySuccess(ctx context.Context, data QueryLoggingData, conn ConnectionLoggingData) {
	for _, l := range t {
		l.LogQuerySuccess(ctx, data, conn)
	}
}

func (t TeeDBLogger) LogQueryFailure(ctx context.Context, data QueryLoggingData, reason FailureReason, errno uint16, msg string, conn ConnectionLoggingData) {
	for _, l := range t {
		l.LogQueryFailure(ctx, data, reason, errno, msg, conn)
	}
}

func (t TeeDBLogger) LogConnectionSuccess(ctx context.Context, data CommonLoggingData, conn ConnectionLoggingData) {
	for _, l := range t {
		l.LogConnectionSuccess(ctx, data, conn)
	}
}

func (t TeeDBLogger) LogConnectionFailure(ctx context.Context, data CommonLoggingData, reason FailureReason, errno uint16, msg string, conn ConnectionLoggingData) {
	for _, l := range t {
		l.LogConnectionFailure(ctx, data, reason, errno, msg, conn)
	}
}
