package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

type calcParams struct {
	GridArea string `json:"grid_area"`
	Period   string `json:"period"`
}

func newInstance(t *testing.T, params *calcParams, queued bool) *orchestration.Instance {
	t.Helper()
	desc := orchestration.NewDescription(orchestration.UniqueName{Name: "brs_023_027", Version: 1}, "StartCalculation")
	desc.ID = uuid.New()
	desc.AppendStep("Calculate", false)

	clock := orchestration.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	who := identity.ActorIdentity{Actor: identity.MustActor("5790001330583", "EnergySupplier")}

	var opts []orchestration.CreateOption
	if params != nil {
		box, err := orchestration.NewBox(*params)
		require.NoError(t, err)
		opts = append(opts, orchestration.WithParameter(box))
	}
	inst, err := orchestration.CreateFromDescription(who, desc, nil, clock, nil, opts...)
	require.NoError(t, err)
	if queued {
		require.NoError(t, inst.TransitionToQueued(clock))
	}
	return inst
}

func newEvaluator(t *testing.T) *QueryEvaluator {
	t.Helper()
	q, err := NewQueryEvaluator(nil)
	require.NoError(t, err)
	return q
}

func TestBuildView(t *testing.T) {
	inst := newInstance(t, &calcParams{GridArea: "804", Period: "2026-03"}, true)

	view, err := BuildView(inst)
	require.NoError(t, err)

	instance := view[ViewInstance].(map[string]any)
	assert.Equal(t, inst.ID().String(), instance["id"])
	assert.Equal(t, "queued", instance["lifecycle"].(map[string]any)["state"])
	assert.Equal(t, map[string]any{"grid_area": "804", "period": "2026-03"}, view[ViewParameter])
	assert.Nil(t, view[ViewCustomState])
}

func TestFilter_PerLanguage(t *testing.T) {
	a := newInstance(t, &calcParams{GridArea: "804"}, true)
	b := newInstance(t, &calcParams{GridArea: "543"}, true)
	c := newInstance(t, &calcParams{GridArea: "804"}, false)
	instances := []*orchestration.Instance{a, b, c}

	queries := []Query{
		{Language: LanguageCEL, Predicate: `parameter.grid_area == "804" && instance.lifecycle.state == "queued"`},
		{Language: LanguageExpr, Predicate: `parameter.grid_area == "804" && instance.lifecycle.state == "queued"`},
		{Language: LanguageJQ, Predicate: `.parameter.grid_area == "804" and .instance.lifecycle.state == "queued"`},
	}

	q := newEvaluator(t)
	for _, query := range queries {
		t.Run(string(query.Language), func(t *testing.T) {
			matches, err := q.Filter(context.Background(), query, instances)
			require.NoError(t, err)
			require.Len(t, matches, 1)
			assert.Equal(t, a.ID(), matches[0].Instance.ID())
			assert.Nil(t, matches[0].Projection)
		})
	}
}

func TestFilter_EmptyPredicateMatchesAll(t *testing.T) {
	instances := []*orchestration.Instance{
		newInstance(t, nil, false),
		newInstance(t, nil, true),
	}

	matches, err := newEvaluator(t).Filter(context.Background(), Query{}, instances)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestFilter_Projection(t *testing.T) {
	inst := newInstance(t, &calcParams{GridArea: "804", Period: "2026-03"}, true)

	matches, err := newEvaluator(t).Filter(context.Background(), Query{
		Language:   LanguageCEL,
		Predicate:  `parameter.period == "2026-03"`,
		Projection: `{id: .instance.id, area: .parameter.grid_area}`,
	}, []*orchestration.Instance{inst})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, map[string]any{"id": inst.ID().String(), "area": "804"}, matches[0].Projection)
}

func TestFilter_RuntimeFailureExcludesInstance(t *testing.T) {
	withParams := newInstance(t, &calcParams{GridArea: "804"}, true)
	withoutParams := newInstance(t, nil, true)

	matches, err := newEvaluator(t).Filter(context.Background(), Query{
		Language:  LanguageCEL,
		Predicate: `parameter.grid_area == "804"`,
	}, []*orchestration.Instance{withoutParams, withParams})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, withParams.ID(), matches[0].Instance.ID())
}

func TestFilter_InvalidQueries(t *testing.T) {
	instances := []*orchestration.Instance{newInstance(t, &calcParams{GridArea: "804"}, true)}
	q := newEvaluator(t)

	tests := []struct {
		name  string
		query Query
	}{
		{"unknown language", Query{Language: "lua", Predicate: "true"}},
		{"cel syntax", Query{Language: LanguageCEL, Predicate: `parameter.`}},
		{"expr syntax", Query{Language: LanguageExpr, Predicate: `1 +`}},
		{"jq syntax", Query{Language: LanguageJQ, Predicate: `.[`}},
		{"projection syntax", Query{Projection: `{`}},
		{"non boolean predicate", Query{Language: LanguageCEL, Predicate: `parameter.grid_area`}},
		{"non boolean jq predicate", Query{Language: LanguageJQ, Predicate: `.parameter`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Filter(context.Background(), tt.query, instances)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest), "got %v", err)
		})
	}
}

func TestFilter_JQAnyOutputMatches(t *testing.T) {
	inst := newInstance(t, &calcParams{GridArea: "804"}, true)

	matches, err := newEvaluator(t).Filter(context.Background(), Query{
		Language:  LanguageJQ,
		Predicate: `.instance.steps[] | .lifecycle.state == "pending"`,
	}, []*orchestration.Instance{inst})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFilter_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEvaluator(t).Filter(ctx, Query{Predicate: "true"},
		[]*orchestration.Instance{newInstance(t, nil, false)})
	assert.ErrorIs(t, err, context.Canceled)
}
