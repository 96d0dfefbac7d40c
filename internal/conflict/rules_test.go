package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

func rule(name string, priority int, field, op string, value any, action string) types.CustomRule {
	return types.CustomRule{
		Name:      name,
		Condition: types.RuleCondition{Field: field, Operator: op, Value: value},
		Action:    types.RuleAction{Type: action},
		Priority:  priority,
		Enabled:   true,
	}
}

func TestEvaluate_LowestPriorityWins(t *testing.T) {
	rules := []types.CustomRule{
		rule("late", 5, "tier", syncconfig.OpEquals, "vip", syncconfig.ActionSkipSync),
		rule("early", 1, "tier", syncconfig.OpEquals, "vip", syncconfig.ActionManualReview),
	}

	m, skipped := Evaluate(rules, types.Data{"tier": "vip"})

	require.NotNil(t, m)
	assert.Equal(t, "early", m.Rule.Name)
	assert.Empty(t, skipped)
}

func TestEvaluate_TieBrokenByDeclarationOrder(t *testing.T) {
	rules := []types.CustomRule{
		rule("first", 3, "tier", syncconfig.OpExists, nil, syncconfig.ActionSkipSync),
		rule("second", 3, "tier", syncconfig.OpExists, nil, syncconfig.ActionManualReview),
	}

	m, _ := Evaluate(rules, types.Data{"tier": "basic"})

	require.NotNil(t, m)
	assert.Equal(t, "first", m.Rule.Name)
	assert.Equal(t, 0, m.Index)
}

func TestEvaluate_MalformedRulesSkippedIndividually(t *testing.T) {
	rules := []types.CustomRule{
		rule("broken", 0, "tier", "between", nil, syncconfig.ActionSkipSync),
		rule("", 0, "tier", syncconfig.OpExists, nil, syncconfig.ActionSkipSync),
		rule("ok", 9, "tier", syncconfig.OpExists, nil, syncconfig.ActionPrioritizeSync),
	}

	m, skipped := Evaluate(rules, types.Data{"tier": "basic"})

	require.NotNil(t, m)
	assert.Equal(t, "ok", m.Rule.Name)
	require.Len(t, skipped, 2)
	assert.Equal(t, 0, skipped[0].Index)
	assert.Equal(t, 1, skipped[1].Index)
}

func TestEvaluate_DisabledRulesIgnored(t *testing.T) {
	r := rule("off", 0, "tier", syncconfig.OpExists, nil, syncconfig.ActionSkipSync)
	r.Enabled = false

	m, skipped := Evaluate([]types.CustomRule{r}, types.Data{"tier": "x"})

	assert.Nil(t, m)
	assert.Empty(t, skipped)
}

func TestEvaluate_Operators(t *testing.T) {
	data := types.Data{
		"tier":    "vip",
		"balance": 120.0,
		"tags":    []any{"early-bird", "pt"},
		"notes":   "prefers mornings",
		"profile": map[string]any{"age": 31.0},
		"blank":   nil,
	}
	tests := []struct {
		name  string
		field string
		op    string
		value any
		want  bool
	}{
		{"equals string", "tier", syncconfig.OpEquals, "vip", true},
		{"equals mismatched", "tier", syncconfig.OpEquals, "basic", false},
		{"equals int vs float", "balance", syncconfig.OpEquals, 120, true},
		{"not equals", "tier", syncconfig.OpNotEquals, "basic", true},
		{"not equals missing field", "missing", syncconfig.OpNotEquals, "x", true},
		{"greater than", "balance", syncconfig.OpGreater, 100, true},
		{"greater than false", "balance", syncconfig.OpGreater, 200, false},
		{"less than", "balance", syncconfig.OpLess, "200", true},
		{"less than non numeric field", "tier", syncconfig.OpLess, 5, false},
		{"contains substring", "notes", syncconfig.OpContains, "morning", true},
		{"contains element", "tags", syncconfig.OpContains, "pt", true},
		{"contains missing element", "tags", syncconfig.OpContains, "yoga", false},
		{"exists", "tier", syncconfig.OpExists, nil, true},
		{"exists nil value", "blank", syncconfig.OpExists, nil, false},
		{"not exists", "missing", syncconfig.OpNotExists, nil, true},
		{"nested path", "profile.age", syncconfig.OpGreater, 30, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matches(types.RuleCondition{Field: tt.field, Operator: tt.op, Value: tt.value}, data)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigureRules_RejectsMalformedSet(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ConfigureRules(ctx, types.EntityUsers, []types.CustomRule{
		rule("ok", 1, "tier", syncconfig.OpExists, nil, syncconfig.ActionSkipSync),
		rule("bad", 2, "tier", "between", nil, syncconfig.ActionSkipSync),
	})

	assert.True(t, apperr.Is(err, apperr.KindValidation), "err = %v", err)
	cfg, err := syncconfig.New(e.store, nil).Get(ctx, types.EntityUsers)
	require.NoError(t, err)
	assert.Empty(t, cfg.CustomRules)
}

func TestConfigureRules_StoresAndAudits(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	cfg, err := e.ConfigureRules(ctx, types.EntityUsers, []types.CustomRule{
		rule("vip", 1, "tier", syncconfig.OpEquals, "vip", syncconfig.ActionManualReview),
	})
	require.NoError(t, err)
	assert.Len(t, cfg.CustomRules, 1)

	events, err := s.QueryEvents(ctx, store.EventFilter{EntityType: types.EntityUsers})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rules_configured", events[0].Metadata[types.MetaKind])
}

func TestConfigureRules_RecordsStoreFailure(t *testing.T) {
	e, s := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ConfigureRules(ctx, types.EntityUsers, []types.CustomRule{
		rule("vip", 1, "tier", syncconfig.OpEquals, "vip", syncconfig.ActionManualReview),
	})
	require.Error(t, err)

	events, err := s.QueryEvents(context.Background(), store.EventFilter{EntityType: types.EntityUsers, FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rules_configure", events[0].Metadata[types.MetaKind])
}

func TestApplyRules_RecordsStoreFailure(t *testing.T) {
	e, s := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ApplyRules(ctx, types.EntityClients, "c-1", types.Data{"plan": "basic"}, nil)
	require.Error(t, err)

	events, err := s.QueryEvents(context.Background(), store.EventFilter{EntityType: types.EntityClients, FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c-1", events[0].EntityID)
	assert.Equal(t, "rules_apply", events[0].Metadata[types.MetaKind])
}

func TestApplyRules_NoMatchFallsBackToManual(t *testing.T) {
	e, _ := newTestEngine(t)

	out, err := e.ApplyRules(context.Background(), types.EntityUsers, "u-1", types.Data{"tier": "basic"}, nil)

	require.NoError(t, err)
	assert.False(t, out.Matched)
	assert.True(t, out.FallbackToManual)
}

func TestApplyRules_ManualReviewCreatesConflict(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	_, err := e.ConfigureRules(ctx, types.EntityMemberships, []types.CustomRule{
		rule("downgrade", 1, "tier", syncconfig.OpEquals, "basic", syncconfig.ActionManualReview),
	})
	require.NoError(t, err)

	out, err := e.ApplyRules(ctx, types.EntityMemberships, "m-1", types.Data{"tier": "basic"}, types.Data{"tier": "gold"})

	require.NoError(t, err)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, types.ConflictFieldConflict, out.Conflict.ConflictType)
	assert.Equal(t, []string{"tier"}, out.Conflict.ConflictFields)
	assert.False(t, out.Conflict.IsResolved)

	open := false
	n, err := s.CountConflicts(ctx, store.ConflictFilter{Resolved: &open})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApplyRules_AutoResolveOpenConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	auto := rule("auto", 1, "plan", syncconfig.OpExists, nil, syncconfig.ActionAutoResolve)
	auto.Action.Parameters = types.Data{"resolution": "server_wins"}
	_, err := e.ConfigureRules(ctx, types.EntityClients, []types.CustomRule{auto})
	require.NoError(t, err)

	c, err := e.Detect(ctx, DetectRequest{EntityType: types.EntityClients, EntityID: "c-1", ConflictType: types.ConflictVersionMismatch, ServerData: types.Data{"plan": "basic"}, ClientData: types.Data{"plan": "gold"}})
	require.NoError(t, err)

	out, err := e.ApplyRules(ctx, types.EntityClients, "c-1", types.Data{"plan": "basic"}, nil)

	require.NoError(t, err)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, c.ID, out.Conflict.ID)
	assert.True(t, out.Conflict.IsResolved)
	assert.Equal(t, types.ResolutionServerWins, out.Conflict.Resolution)
}

func TestWrite_SkipSyncRule(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	_, err := e.ConfigureRules(ctx, types.EntityWorkouts, []types.CustomRule{
		rule("drafts", 1, "status", syncconfig.OpEquals, "draft", syncconfig.ActionSkipSync),
	})
	require.NoError(t, err)

	res, err := e.Write(ctx, WriteRequest{EntityType: types.EntityWorkouts, EntityID: "w-1", Action: types.ActionCreate, Data: types.Data{"status": "draft"}})

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	_, err = s.GetEntity(ctx, types.EntityWorkouts, "w-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWrite_ForceServerWinsKeepsRecordOnFreshWrite(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	createClient(t, e, "c-1", types.Data{"plan": "basic", "owner": "hq"})
	_, err := e.ConfigureRules(ctx, types.EntityClients, []types.CustomRule{
		rule("hq", 1, "owner", syncconfig.OpEquals, "hq", syncconfig.ActionForceServerWins),
	})
	require.NoError(t, err)

	res, err := e.Write(ctx, WriteRequest{EntityType: types.EntityClients, EntityID: "c-1", Action: types.ActionUpdate, Data: types.Data{"plan": "gold"}, ExpectedVersion: 1})

	require.NoError(t, err)
	assert.Equal(t, OutcomeServerWins, res.Outcome)
	assert.Equal(t, int64(1), res.Record.Version)
	assert.Equal(t, "basic", res.Record.Data["plan"])
}

func TestWrite_ForceClientWinsOverridesStaleVersion(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	createClient(t, e, "c-1", types.Data{"plan": "basic", "owner": "hq"})
	_, err := e.Write(ctx, WriteRequest{EntityType: types.EntityClients, EntityID: "c-1", Action: types.ActionUpdate, Data: types.Data{"plan": "gold"}, ExpectedVersion: 1})
	require.NoError(t, err)
	_, err = e.ConfigureRules(ctx, types.EntityClients, []types.CustomRule{
		rule("hq", 1, "owner", syncconfig.OpEquals, "hq", syncconfig.ActionForceClientWins),
	})
	require.NoError(t, err)

	res, err := e.Write(ctx, WriteRequest{EntityType: types.EntityClients, EntityID: "c-1", Action: types.ActionUpdate, Data: types.Data{"plan": "silver"}, ExpectedVersion: 1})

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(3), res.Record.Version)
	assert.Equal(t, "silver", res.Record.Data["plan"])
}
