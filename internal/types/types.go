package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Data is an opaque entity payload as decoded from JSON.
type Data map[string]any

// Clone returns a shallow copy of d. A nil map clones to nil.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with every key of patch applied on top.
func (d Data) Merge(patch Data) Data {
	out := d.Clone()
	if out == nil {
		out = make(Data, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Lookup resolves a dot-separated path such as "membership.tier".
func (d Data) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Data:
		return m, true
	}
	return nil, false
}

// Millis is a duration expressed in milliseconds on the wire.
type Millis int64

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// MillisOf converts d to Millis.
func MillisOf(d time.Duration) Millis {
	return Millis(d / time.Millisecond)
}

// TimeRange is a half-open interval [Start, End). A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Duration returns End-Start, or zero when either bound is open.
func (r TimeRange) Duration() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// ErrUnknownWindow is returned by ParseWindow for unsupported names.
var ErrUnknownWindow = errors.New("unknown time window")

// ParseWindow resolves one of the named windows 1h, 24h, 7d, 30d into a
// range ending at now.
func ParseWindow(name string, now time.Time) (TimeRange, error) {
	var d time.Duration
	switch name {
	case "1h":
		d = time.Hour
	case "24h", "":
		d = 24 * time.Hour
	case "7d":
		d = 7 * 24 * time.Hour
	case "30d":
		d = 30 * 24 * time.Hour
	default:
		return TimeRange{}, fmt.Errorf("%w: %q", ErrUnknownWindow, name)
	}
	return TimeRange{Start: now.Add(-d), End: now}, nil
}

// RangeFromMillis builds a range from epoch-millisecond bounds.
func RangeFromMillis(start, end int64) TimeRange {
	var r TimeRange
	if start > 0 {
		r.Start = time.UnixMilli(start).UTC()
	}
	if end > 0 {
		r.End = time.UnixMilli(end).UTC()
	}
	return r
}

// EntityRecord is a versioned record owned by the entity store.
type EntityRecord struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	Data       Data       `json:"data"`
	Version    int64      `json:"_version"`
	LastSync   *time.Time `json:"_lastSync,omitempty"`
	IsDirty    bool       `json:"_isDirty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SyncEvent is one immutable entry in the sync event log.
type SyncEvent struct {
	ID                 string          `json:"id"`
	EntityType         EntityType      `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	Action             Action          `json:"action"`
	ActorID            string          `json:"actor_id"`
	Timestamp          time.Time       `json:"timestamp"`
	OldData            Data            `json:"old_data,omitempty"`
	NewData            Data            `json:"new_data,omitempty"`
	ConflictResolution EventResolution `json:"conflict_resolution,omitempty"`
	Metadata           Data            `json:"metadata,omitempty"`
	Source             Source          `json:"source"`
	BatchID            string          `json:"batch_id,omitempty"`
	RetryCount         int             `json:"retry_count"`
	ErrorMessage       string          `json:"error_message,omitempty"`
}

// Failed reports whether the event records a failed operation.
func (e SyncEvent) Failed() bool {
	return e.ErrorMessage != ""
}

// Metadata keys with engine-defined meaning.
const (
	MetaResolved   = "resolved"
	MetaConflictID = "conflict_id"
	MetaRetryOf    = "retry_of"
	MetaKind       = "kind"
	MetaErrorKind  = "error_kind"
)

// ConflictRecord tracks one detected conflict until it is resolved.
type ConflictRecord struct {
	ID             string           `json:"id"`
	EntityType     EntityType       `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	ConflictType   ConflictType     `json:"conflict_type"`
	ServerData     Data             `json:"server_data,omitempty"`
	ClientData     Data             `json:"client_data,omitempty"`
	ConflictFields []string         `json:"conflict_fields"`
	Priority       ConflictPriority `json:"priority"`
	IsResolved     bool             `json:"is_resolved"`
	Resolution     Resolution       `json:"resolution,omitempty"`
	ResolvedData   Data             `json:"resolved_data,omitempty"`
	ResolvedBy     string           `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	EventID        string           `json:"event_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// SyncBatch tracks a group of entity operations sharing one lifecycle.
type SyncBatch struct {
	ID                string         `json:"batch_id"`
	EntityType        EntityType     `json:"entity_type"`
	Operation         BatchOperation `json:"operation"`
	Status            BatchStatus    `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	TotalRecords      int            `json:"total_records"`
	ProcessedRecords  int            `json:"processed_records"`
	SuccessfulRecords int            `json:"successful_records"`
	FailedRecords     int            `json:"failed_records"`
	ConflictedRecords int            `json:"conflicted_records"`
	InitiatedBy       string         `json:"initiated_by"`
	Errors            []string       `json:"errors"`
}

// CheckCounts verifies the counter invariants of a batch.
func (b SyncBatch) CheckCounts() error {
	if b.ProcessedRecords > b.TotalRecords {
		return fmt.Errorf("processed %d exceeds total %d", b.ProcessedRecords, b.TotalRecords)
	}
	if b.SuccessfulRecords+b.FailedRecords > b.ProcessedRecords {
		return fmt.Errorf("successful %d + failed %d exceeds processed %d",
			b.SuccessfulRecords, b.FailedRecords, b.ProcessedRecords)
	}
	return nil
}

// RuleCondition is the predicate half of a custom rule.
type RuleCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// RuleAction is the effect half of a custom rule.
type RuleAction struct {
	Type       string `json:"type"`
	Parameters Data   `json:"parameters,omitempty"`
}

// CustomRule is a declarative policy evaluated against incoming entity data.
type CustomRule struct {
	Name      string        `json:"name"`
	Condition RuleCondition `json:"condition"`
	Action    RuleAction    `json:"action"`
	Priority  int           `json:"priority"`
	Enabled   bool          `json:"enabled"`
}

// SyncConfiguration holds the sync policy of one entity type.
type SyncConfiguration struct {
	EntityType                 EntityType   `json:"entity_type"`
	SyncEnabled                bool         `json:"sync_enabled"`
	SyncInterval               Millis       `json:"sync_interval_ms"`
	BatchSize                  int          `json:"batch_size"`
	MaxRetries                 int          `json:"max_retries"`
	RetryDelay                 Millis       `json:"retry_delay_ms"`
	ConflictResolutionStrategy Strategy     `json:"conflict_resolution_strategy"`
	Priority                   int          `json:"priority"`
	EnableRealTimeSync         bool         `json:"enable_real_time_sync"`
	EnableConflictDetection    bool         `json:"enable_conflict_detection"`
	EnableMetrics              bool         `json:"enable_metrics"`
	CustomRules                []CustomRule `json:"custom_rules"`
	UpdatedAt                  time.Time    `json:"updated_at"`
}

// Recurrence describes how a task repeats after a terminal run.
type Recurrence struct {
	Pattern  RecurrencePattern `json:"pattern"`
	Interval Millis            `json:"interval_ms,omitempty"`
	EndDate  *time.Time        `json:"end_date,omitempty"`
}

// ScheduledTask is deferred or recurring sync/maintenance work.
type ScheduledTask struct {
	ID          string       `json:"task_id"`
	TaskType    TaskType     `json:"task_type"`
	EntityType  EntityType   `json:"entity_type,omitempty"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Recurring   *Recurrence  `json:"recurring,omitempty"`
	Parameters  Data         `json:"parameters,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExecutedAt  *time.Time   `json:"executed_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Result      Data         `json:"result,omitempty"`
}

// SessionSyncStatus carries the per-session sync counters.
type SessionSyncStatus struct {
	IsConnected       bool       `json:"is_connected"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	PendingOperations int        `json:"pending_operations"`
	ErrorCount        int        `json:"error_count"`
}

// ActiveSession is a connected client session.
type ActiveSession struct {
	ID           string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	UserType     UserType          `json:"user_type"`
	DeviceInfo   string            `json:"device_info,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`
	IsActive     bool              `json:"is_active"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	SyncStatus   SessionSyncStatus `json:"sync_status"`
}

// CacheEntry is one TTL-bound cached value.
type CacheEntry struct {
	Key          string          `json:"cache_key"`
	Data         json.RawMessage `json:"data"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
	Tags         []string        `json:"tags"`
}

// Expired reports whether the entry is past its TTL at now.
func (c CacheEntry) Expired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

// SyncMetric is a write-once time series point.
type SyncMetric struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
	TimeWindow TimeWindow `json:"time_window"`
}
