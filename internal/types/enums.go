package types

// EntityType identifies which logical collection a record belongs to.
// The set is closed: adding a collection means adding a constant here,
// a case in store.collectionFor and a migration creating its table.
type EntityType string

const (
	EntityUsers          EntityType = "users"
	EntityTrainers       EntityType = "trainers"
	EntityClients        EntityType = "clients"
	EntityScheduleEvents EntityType = "schedule_events"
	EntityWorkouts       EntityType = "workouts"
	EntityOrders         EntityType = "orders"
	EntityMemberships    EntityType = "memberships"
	EntityPayments       EntityType = "payments"

	// EntityGlobal is synthetic and used for system-wide events only.
	EntityGlobal EntityType = "global"
)

var storedEntityTypes = []EntityType{
	EntityUsers,
	EntityTrainers,
	EntityClients,
	EntityScheduleEvents,
	EntityWorkouts,
	EntityOrders,
	EntityMemberships,
	EntityPayments,
}

// StoredEntityTypes returns every entity type backed by a collection.
func StoredEntityTypes() []EntityType {
	out := make([]EntityType, len(storedEntityTypes))
	copy(out, storedEntityTypes)
	return out
}

// Stored reports whether the entity type is backed by a collection.
func (t EntityType) Stored() bool {
	for _, s := range storedEntityTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether t is a known entity type, including global.
func (t EntityType) Valid() bool {
	return t == EntityGlobal || t.Stored()
}

// ParseEntityType converts s to an EntityType.
func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(s)
	return t, t.Valid()
}

// Action is the kind of mutation a SyncEvent describes.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionConflict Action = "conflict"
	ActionSync     Action = "sync"
)

// Source identifies where a mutation originated.
type Source string

const (
	SourceInternal Source = "internal"
	SourceAPI      Source = "api"
	SourceClient   Source = "client"
)

// EventResolution is the resolution vocabulary of the event log.
type EventResolution string

const (
	EventResolutionServer EventResolution = "server"
	EventResolutionClient EventResolution = "client"
	EventResolutionManual EventResolution = "manual"
)

// ConflictType classifies how a conflict was detected.
type ConflictType string

const (
	ConflictVersionMismatch    ConflictType = "version_mismatch"
	ConflictConcurrentUpdate   ConflictType = "concurrent_update"
	ConflictDataInconsistency  ConflictType = "data_inconsistency"
	ConflictFieldConflict      ConflictType = "field_conflict"
	ConflictDeletionConflict   ConflictType = "deletion_conflict"
	ConflictCreationConflict   ConflictType = "creation_conflict"
	ConflictPermissionConflict ConflictType = "permission_conflict"
)

// ConflictPriority orders conflicts for review.
type ConflictPriority string

const (
	ConflictPriorityLow      ConflictPriority = "low"
	ConflictPriorityMedium   ConflictPriority = "medium"
	ConflictPriorityHigh     ConflictPriority = "high"
	ConflictPriorityCritical ConflictPriority = "critical"
)

// Valid reports whether p is a known conflict priority.
func (p ConflictPriority) Valid() bool {
	switch p {
	case ConflictPriorityLow, ConflictPriorityMedium, ConflictPriorityHigh, ConflictPriorityCritical:
		return true
	}
	return false
}

// Resolution is the resolution vocabulary of conflict records.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionMerge      Resolution = "merge"
	ResolutionManual     Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionServerWins, ResolutionClientWins, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// EventResolution maps a conflict-record resolution onto the event log
// vocabulary. merge and manual both record as manual.
func (r Resolution) EventResolution() EventResolution {
	switch r {
	case ResolutionServerWins:
		return EventResolutionServer
	case ResolutionClientWins:
		return EventResolutionClient
	default:
		return EventResolutionManual
	}
}

// BatchOperation is the kind of work a batch performs.
type BatchOperation string

const (
	BatchFullSync           BatchOperation = "full_sync"
	BatchIncrementalSync    BatchOperation = "incremental_sync"
	BatchConflictResolution BatchOperation = "conflict_resolution"
	BatchCleanup            BatchOperation = "cleanup"
)

// Valid reports whether o is a known batch operation.
func (o BatchOperation) Valid() bool {
	switch o {
	case BatchFullSync, BatchIncrementalSync, BatchConflictResolution, BatchCleanup:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of a batch.
// Transitions: pending → running → completed | failed | cancelled.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// Strategy is the default conflict resolution policy of an entity type.
type Strategy string

const (
	StrategyServerWins    Strategy = "server_wins"
	StrategyClientWins    Strategy = "client_wins"
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyManual        Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyLastWriteWins, StrategyManual:
		return true
	}
	return false
}

// TaskType is the kind of work a scheduled task performs.
type TaskType string

const (
	TaskFullSync           TaskType = "full_sync"
	TaskIncrementalSync    TaskType = "incremental_sync"
	TaskCleanup            TaskType = "cleanup"
	TaskMetricsCollection  TaskType = "metrics_collection"
	TaskConflictResolution TaskType = "conflict_resolution"
	TaskHealthCheck        TaskType = "health_check"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskFullSync, TaskIncrementalSync, TaskCleanup, TaskMetricsCollection,
		TaskConflictResolution, TaskHealthCheck:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// TaskPriority orders due tasks: urgent > high > normal > low.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// Rank returns the numeric rank used for ordering; higher runs first.
// Unknown priorities rank as normal.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityLow:
		return 0
	case TaskPriorityHigh:
		return 2
	case TaskPriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known task priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityNormal, TaskPriorityHigh, TaskPriorityUrgent:
		return true
	}
	return false
}

// RecurrencePattern describes how a recurring task repeats.
type RecurrencePattern string

const (
	RecurOnce     RecurrencePattern = "once"
	RecurInterval RecurrencePattern = "interval"
	RecurHourly   RecurrencePattern = "hourly"
	RecurDaily    RecurrencePattern = "daily"
	RecurWeekly   RecurrencePattern = "weekly"
)

// UserType classifies the owner of a client session.
type UserType string

const (
	UserStaff   UserType = "staff"
	UserMember  UserType = "member"
	UserTrainer UserType = "trainer"
	UserAdmin   UserType = "admin"
)

// Valid reports whether u is a known user type.
func (u UserType) Valid() bool {
	switch u {
	case UserStaff, UserMember, UserTrainer, UserAdmin:
		return true
	}
	return false
}

// MetricType names a time series.
type MetricType string

const (
	MetricSyncDuration MetricType = "sync_duration"
	MetricRecordCount  MetricType = "record_count"
	MetricErrorRate    MetricType = "error_rate"
	MetricConflictRate MetricType = "conflict_rate"
	MetricThroughput   MetricType = "throughput"
	MetricLatency      MetricType = "latency"
)

// Valid reports whether m is a known metric type.
func (m MetricType) Valid() bool {
	switch m {
	case MetricSyncDuration, MetricRecordCount, MetricErrorRate, MetricConflictRate,
		MetricThroughput, MetricLatency:
		return true
	}
	return false
}

// TimeWindow is the aggregation window of a metric point.
type TimeWindow string

const (
	WindowMinute TimeWindow = "minute"
	WindowHour   TimeWindow = "hour"
	WindowDay    TimeWindow = "day"
	WindowWeek   TimeWindow = "week"
	WindowMonth  TimeWindow = "month"
)

// Valid reports whether w is a known time window.
func (w TimeWindow) Valid() bool {
	switch w {
	case WindowMinute, WindowHour, WindowDay, WindowWeek, WindowMonth:
		return true
	}
	return false
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionConflict, ActionSync:
		return true
	}
	return false
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceInternal, SourceAPI, SourceClient:
		return true
	}
	return false
}

// Valid reports whether r is a known event resolution.
func (r EventResolution) Valid() bool {
	switch r {
	case EventResolutionServer, EventResolutionClient, EventResolutionManual:
		return true
	}
	return false
}

// Valid reports whether p is a known recurrence pattern.
func (p RecurrencePattern) Valid() bool {
	switch p {
	case RecurOnce, RecurInterval, RecurHourly, RecurDaily, RecurWeekly:
		return true
	}
	return false
}

// Valid reports whether c is a known conflict type.
func (c ConflictType) Valid() bool {
	switch c {
	case ConflictVersionMismatch, ConflictConcurrentUpdate, ConflictDataInconsistency,
		ConflictFieldConflict, ConflictDeletionConflict, ConflictCreationConflict,
		ConflictPermissionConflict:
		return true
	}
	return false
}
