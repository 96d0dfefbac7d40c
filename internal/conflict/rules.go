package conflict

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

// SkippedRule is a malformed rule left out of evaluation.
type SkippedRule struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Match is the winning rule of an evaluation.
type Match struct {
	Index int              `json:"index"`
	Rule  types.CustomRule `json:"rule"`
}

// Evaluate returns the enabled, well-formed rule with the lowest priority
// number whose condition holds for data. Equal priorities fall back to
// declaration order. Malformed rules are returned in skipped and never
// stop evaluation.
func Evaluate(rules []types.CustomRule, data types.Data) (*Match, []SkippedRule) {
	var (
		candidates []Match
		skipped    []SkippedRule
	)
	for i, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := syncconfig.ValidateRule(r); err != nil {
			skipped = append(skipped, SkippedRule{Index: i, Name: r.Name, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, Match{Index: i, Rule: r})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Rule.Priority < candidates[b].Rule.Priority
	})
	for _, c := range candidates {
		if matches(c.Rule.Condition, data) {
			m := c
			return &m, skipped
		}
	}
	return nil, skipped
}

func matches(cond types.RuleCondition, data types.Data) bool {
	v, ok := data.Lookup(cond.Field)
	present := ok && v != nil
	switch cond.Operator {
	case syncconfig.OpExists:
		return present
	case syncconfig.OpNotExists:
		return !present
	case syncconfig.OpEquals:
		return present && equal(v, cond.Value)
	case syncconfig.OpNotEquals:
		return !present || !equal(v, cond.Value)
	case syncconfig.OpGreater, syncconfig.OpLess:
		if !present {
			return false
		}
		a, okA := syncconfig.ToFloat(v)
		b, okB := syncconfig.ToFloat(cond.Value)
		if !okA || !okB {
			return false
		}
		if cond.Operator == syncconfig.OpGreater {
			return a > b
		}
		return a < b
	case syncconfig.OpContains:
		if !present {
			return false
		}
		switch hay := v.(type) {
		case string:
			needle, ok := cond.Value.(string)
			return ok && strings.Contains(hay, needle)
		case []any:
			for _, item := range hay {
				if equal(item, cond.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// equal compares JSON-decoded values, treating numbers of any Go type as
// equal when their float values match.
func equal(a, b any) bool {
	if _, isStr := a.(string); !isStr {
		if _, isStr := b.(string); !isStr {
			fa, okA := syncconfig.ToFloat(a)
			fb, okB := syncconfig.ToFloat(b)
			if okA && okB {
				return fa == fb
			}
		}
	}
	return reflect.DeepEqual(a, b)
}

// ConfigureRules replaces the custom rules of et. The whole set is
// rejected if any rule is malformed.
func (e *Engine) ConfigureRules(ctx context.Context, et types.EntityType, rules []types.CustomRule) (*types.SyncConfiguration, error) {
	const op = "conflict.configure_rules"
	if !et.Stored() {
		return nil, apperr.Validation(op, "unknown entity type %q", et)
	}
	var errs []error
	for i, r := range rules {
		if err := syncconfig.ValidateRule(r); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindValidation, op, errors.Join(errs...))
	}
	if rules == nil {
		rules = []types.CustomRule{}
	}

	var cfg *types.SyncConfiguration
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		cfg, err = syncconfig.Load(ctx, q, et)
		if err != nil {
			return err
		}
		previous := len(cfg.CustomRules)
		cfg.CustomRules = rules
		cfg.UpdatedAt = time.Now().UTC()
		if err := q.PutSyncConfig(ctx, cfg); err != nil {
			return err
		}
		_, err = eventlog.AppendTx(ctx, q, types.SyncEvent{
			EntityType: et,
			Action:     types.ActionSync,
			Metadata: types.Data{
				types.MetaKind:   "rules_configured",
				"rule_count":     len(rules),
				"previous_count": previous,
			},
		})
		return err
	})
	if err != nil {
		err = store.Classify(op, err)
		e.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: et,
			Action:     types.ActionSync,
			Metadata:   types.Data{types.MetaKind: "rules_configure", "rule_count": len(rules)},
		}, err)
		return nil, err
	}
	e.logger.Info("rules configured",
		"action", "rules_configured",
		"entity_type", et,
		"rules", len(rules),
	)
	return cfg, nil
}

// RuleOutcome is the result of ApplyRules.
type RuleOutcome struct {
	Matched          bool                  `json:"matched"`
	Rule             *types.CustomRule     `json:"rule,omitempty"`
	Action           string                `json:"action,omitempty"`
	Resolution       types.Resolution      `json:"resolution,omitempty"`
	Conflict         *types.ConflictRecord `json:"conflict,omitempty"`
	FallbackToManual bool                  `json:"fallback_to_manual"`
	SkippedRules     []SkippedRule         `json:"skipped_rules,omitempty"`
}

// ApplyRules evaluates the rules of et against entityData and carries out
// the winning action. auto_resolve_conflict resolves the entity's newest
// open conflict, or a conflict recorded from conflictData; and
// require_manual_review records a field conflict. The remaining actions
// are advisory and only reported. With no match the caller should fall
// back to manual review.
func (e *Engine) ApplyRules(ctx context.Context, et types.EntityType, entityID string, entityData, conflictData types.Data) (*RuleOutcome, error) {
	const op = "conflict.apply_rules"
	if !et.Stored() {
		return nil, apperr.Validation(op, "unknown entity type %q", et)
	}
	if entityID == "" {
		return nil, apperr.Validation(op, "entity id is required")
	}

	failed := func(err error, meta types.Data) error {
		err = store.Classify(op, err)
		e.events.RecordFailure(ctx, types.SyncEvent{
			EntityType: et,
			EntityID:   entityID,
			Action:     types.ActionSync,
			Metadata:   types.Data{types.MetaKind: "rules_apply"}.Merge(meta),
		}, err)
		return err
	}

	cfg, err := syncconfig.Load(ctx, e.store.Queries, et)
	if err != nil {
		return nil, failed(err, nil)
	}
	match, skipped := Evaluate(cfg.CustomRules, entityData)
	e.logSkipped(et, skipped)

	out := &RuleOutcome{SkippedRules: skipped}
	if match == nil {
		out.FallbackToManual = true
		return out, nil
	}
	rule := match.Rule
	out.Matched = true
	out.Rule = &rule
	out.Action = rule.Action.Type

	meta := types.Data{"rule": rule.Name}
	switch rule.Action.Type {
	case syncconfig.ActionAutoResolve:
		res, _ := rule.Action.Parameters["resolution"].(string)
		out.Resolution = types.Resolution(res)
		err = e.store.InTx(ctx, func(q *store.Queries) error {
			open := false
			existing, err := q.QueryConflicts(ctx, store.ConflictFilter{EntityType: et, EntityID: entityID, Resolved: &open, Limit: 1})
			if err != nil {
				return err
			}
			var target *types.ConflictRecord
			switch {
			case len(existing) > 0:
				target = &existing[0]
			case conflictData != nil:
				target, err = detectTx(ctx, q, DetectRequest{
					EntityType:   et,
					EntityID:     entityID,
					ConflictType: types.ConflictDataInconsistency,
					ServerData:   entityData,
					ClientData:   conflictData,
				})
				if err != nil {
					return err
				}
			default:
				return nil
			}
			resolved, err := resolveTx(ctx, q, target, out.Resolution, nil, "rule:"+rule.Name, meta)
			if err != nil {
				return err
			}
			out.Conflict = resolved.Conflict
			return nil
		})
	case syncconfig.ActionManualReview:
		client := conflictData
		if client == nil {
			client = entityData
		}
		err = e.store.InTx(ctx, func(q *store.Queries) error {
			c, err := detectTx(ctx, q, DetectRequest{
				EntityType:   et,
				EntityID:     entityID,
				ConflictType: types.ConflictFieldConflict,
				ServerData:   entityData,
				ClientData:   client,
				Priority:     priorityParam(rule),
			})
			out.Conflict = c
			return err
		})
	}
	if err != nil {
		return nil, failed(err, meta)
	}
	e.logger.Info("rule applied",
		"action", "rule_applied",
		"entity_type", et,
		"entity_id", entityID,
		"rule", rule.Name,
		"rule_action", rule.Action.Type,
	)
	return out, nil
}

func priorityParam(r types.CustomRule) types.ConflictPriority {
	p, _ := r.Action.Parameters["priority"].(string)
	if types.ConflictPriority(p).Valid() {
		return types.ConflictPriority(p)
	}
	return ""
}

func (e *Engine) logSkipped(et types.EntityType, skipped []SkippedRule) {
	for _, s := range skipped {
		e.logger.Warn("malformed rule skipped",
			"action", "rule_skipped",
			"entity_type", et,
			"rule", s.Name,
			"index", s.Index,
			"reason", s.Reason,
		)
	}
}
