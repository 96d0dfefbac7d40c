// Package syncconfig is the keyed store of per-entity-type sync policy.
// Components read it on every call; nothing caches a configuration
// across calls.
package syncconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

// Rule operators understood by the rule engine.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpGreater   = "greater_than"
	OpLess      = "less_than"
	OpContains  = "contains"
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// Rule action types understood by the rule engine.
const (
	ActionAutoResolve     = "auto_resolve_conflict"
	ActionPrioritizeSync  = "prioritize_sync"
	ActionSkipSync        = "skip_sync"
	ActionForceServerWins = "force_server_wins"
	ActionForceClientWins = "force_client_wins"
	ActionManualReview    = "require_manual_review"
)

// Default returns the built-in configuration for et.
func Default(et types.EntityType) types.SyncConfiguration {
	cfg := types.SyncConfiguration{
		EntityType:                 et,
		SyncEnabled:                true,
		SyncInterval:               types.MillisOf(5 * time.Minute),
		BatchSize:                  100,
		MaxRetries:                 3,
		RetryDelay:                 types.MillisOf(5 * time.Second),
		ConflictResolutionStrategy: types.StrategyServerWins,
		Priority:                   5,
		EnableRealTimeSync:         false,
		EnableConflictDetection:    true,
		EnableMetrics:              true,
		CustomRules:                []types.CustomRule{},
	}
	switch et {
	case types.EntityPayments, types.EntityOrders:
		cfg.ConflictResolutionStrategy = types.StrategyManual
		cfg.Priority = 1
		cfg.BatchSize = 50
	case types.EntityScheduleEvents:
		cfg.EnableRealTimeSync = true
		cfg.SyncInterval = types.MillisOf(time.Minute)
		cfg.Priority = 2
	case types.EntityWorkouts:
		cfg.ConflictResolutionStrategy = types.StrategyLastWriteWins
	}
	return cfg
}

// Store reads and writes sync configurations.
type Store struct {
	store  *store.SQLiteStore
	logger *slog.Logger
}

// New creates a configuration store.
func New(s *store.SQLiteStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: s, logger: logger.With("component", "syncconfig")}
}

// Get returns the configuration for et, falling back to Default when none
// has been stored.
func (c *Store) Get(ctx context.Context, et types.EntityType) (*types.SyncConfiguration, error) {
	return Load(ctx, c.store.Queries, et)
}

// Load is Get against an explicit Queries, for callers inside a transaction.
func Load(ctx context.Context, q *store.Queries, et types.EntityType) (*types.SyncConfiguration, error) {
	const op = "syncconfig.get"
	if !et.Stored() {
		return nil, apperr.Validation(op, "unknown entity type %q", et)
	}
	cfg, err := q.GetSyncConfig(ctx, et)
	if errors.Is(err, store.ErrNotFound) {
		d := Default(et)
		return &d, nil
	}
	if err != nil {
		return nil, store.Classify(op, err)
	}
	if cfg.CustomRules == nil {
		cfg.CustomRules = []types.CustomRule{}
	}
	return cfg, nil
}

// Put validates and stores cfg, replacing any previous configuration.
// The update and its audit event commit together.
func (c *Store) Put(ctx context.Context, cfg types.SyncConfiguration) (_ *types.SyncConfiguration, err error) {
	const op = "syncconfig.put"
	ev := types.SyncEvent{
		EntityType: cfg.EntityType,
		Action:     types.ActionSync,
		Metadata:   types.Data{types.MetaKind: "config_updated", "sync_enabled": cfg.SyncEnabled},
	}
	defer func() {
		eventlog.RecordFailureTx(ctx, c.store.Queries, c.logger, ev, err)
	}()

	if err := Validate(cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	cfg.UpdatedAt = time.Now().UTC()
	err = c.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.PutSyncConfig(ctx, &cfg); err != nil {
			return err
		}
		_, err := eventlog.AppendTx(ctx, q, ev)
		return err
	})
	if err != nil {
		return nil, store.Classify(op, err)
	}
	c.logger.Info("sync configuration updated",
		"action", "config_updated",
		"entity_type", cfg.EntityType,
		"sync_enabled", cfg.SyncEnabled,
		"rules", len(cfg.CustomRules),
	)
	return &cfg, nil
}

// List returns the effective configuration of every stored entity type.
func (c *Store) List(ctx context.Context) ([]types.SyncConfiguration, error) {
	out := make([]types.SyncConfiguration, 0, len(types.StoredEntityTypes()))
	for _, et := range types.StoredEntityTypes() {
		cfg, err := c.Get(ctx, et)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, nil
}

// Validate checks every field of cfg, including its rules.
func Validate(cfg types.SyncConfiguration) error {
	var errs []error
	if !cfg.EntityType.Stored() {
		errs = append(errs, fmt.Errorf("unknown entity type %q", cfg.EntityType))
	}
	if cfg.SyncInterval < 0 {
		errs = append(errs, errors.New("sync_interval_ms must not be negative"))
	}
	if cfg.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if cfg.RetryDelay < 0 {
		errs = append(errs, errors.New("retry_delay_ms must not be negative"))
	}
	if !cfg.ConflictResolutionStrategy.Valid() {
		errs = append(errs, fmt.Errorf("unknown conflict resolution strategy %q", cfg.ConflictResolutionStrategy))
	}
	for i, r := range cfg.CustomRules {
		if err := ValidateRule(r); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateRule reports why r cannot be evaluated, or nil.
func ValidateRule(r types.CustomRule) error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Condition.Field == "" {
		return fmt.Errorf("%s: condition field is required", r.Name)
	}
	switch r.Condition.Operator {
	case OpEquals, OpNotEquals, OpContains:
		if r.Condition.Value == nil {
			return fmt.Errorf("%s: operator %s requires a value", r.Name, r.Condition.Operator)
		}
	case OpGreater, OpLess:
		if _, ok := ToFloat(r.Condition.Value); !ok {
			return fmt.Errorf("%s: operator %s requires a numeric value", r.Name, r.Condition.Operator)
		}
	case OpExists, OpNotExists:
	default:
		return fmt.Errorf("%s: unknown operator %q", r.Name, r.Condition.Operator)
	}
	switch r.Action.Type {
	case ActionAutoResolve:
		res, _ := r.Action.Parameters["resolution"].(string)
		if res != string(types.ResolutionServerWins) && res != string(types.ResolutionClientWins) {
			return fmt.Errorf("%s: auto_resolve_conflict requires resolution server_wins or client_wins", r.Name)
		}
	case ActionPrioritizeSync, ActionSkipSync, ActionForceServerWins, ActionForceClientWins, ActionManualReview:
	default:
		return fmt.Errorf("%s: unknown action %q", r.Name, r.Action.Type)
	}
	return nil
}

// ToFloat converts JSON-decoded numbers and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
