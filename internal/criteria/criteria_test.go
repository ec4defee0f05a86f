package criteria

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"metaflow/internal/domain"
	"metaflow/internal/proptype"
)

var dealType = domain.ObjectType{
	ID: "deal",
	Properties: proptype.Properties{
		{Key: "stage", Spec: proptype.Spec{Type: proptype.String}},
		{Key: "amount", Spec: proptype.Spec{Type: proptype.Number}},
		{Key: "closeDate", Spec: proptype.Spec{Type: proptype.Date}},
		{Key: "note", Spec: proptype.Spec{Type: proptype.String}},
	},
}

func deal(fields map[string]any) domain.Object {
	return domain.Object{ID: "d1", ObjectTypeID: "deal", Fields: fields}
}

func TestEvaluateClauseReasons(t *testing.T) {
	obj := deal(map[string]any{"stage": "Won", "amount": float64(500), "closeDate": "2024-03-01T00:00:00Z"})
	cases := []struct {
		name   string
		clause domain.Clause
		pass   bool
		reason string
	}{
		{"eq pass", domain.Clause{Field: "stage", Op: domain.OpEq, Value: "Won"}, true, ""},
		{"eq fail", domain.Clause{Field: "stage", Op: domain.OpEq, Value: "Open"}, false, "stage != Open"},
		{"neq fail", domain.Clause{Field: "stage", Op: domain.OpNeq, Value: "Won"}, false, "stage == Won"},
		{"in fail", domain.Clause{Field: "stage", Op: domain.OpIn, Value: []any{"Open", "Lost"}}, false, "stage not in [Open, Lost]"},
		{"not_in fail", domain.Clause{Field: "stage", Op: domain.OpNotIn, Value: []any{"Won"}}, false, "stage in [Won]"},
		{"gt fail", domain.Clause{Field: "amount", Op: domain.OpGt, Value: float64(1000)}, false, "amount <= 1000"},
		{"gte pass", domain.Clause{Field: "amount", Op: domain.OpGte, Value: float64(500)}, true, ""},
		{"gte fail", domain.Clause{Field: "amount", Op: domain.OpGte, Value: float64(501)}, false, "amount < 501"},
		{"lt fail", domain.Clause{Field: "amount", Op: domain.OpLt, Value: float64(500)}, false, "amount >= 500"},
		{"lte fail", domain.Clause{Field: "amount", Op: domain.OpLte, Value: float64(10)}, false, "amount > 10"},
		{"date gt", domain.Clause{Field: "closeDate", Op: domain.OpGt, Value: "2024-01-01"}, true, ""},
		{"exists fail", domain.Clause{Field: "note", Op: domain.OpExists}, false, "note is empty"},
		{"not_exists fail", domain.Clause{Field: "stage", Op: domain.OpNotExists}, false, "stage is set"},
		{"id field", domain.Clause{Field: "id", Op: domain.OpEq, Value: "d1"}, true, ""},
		{"custom message", domain.Clause{Field: "stage", Op: domain.OpEq, Value: "Open", Message: "deal already closed"}, false, "deal already closed"},
		{"missing value never orders", domain.Clause{Field: "note", Op: domain.OpLt, Value: "z"}, false, "note >= z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := EvaluateClause(dealType, obj, tc.clause)
			require.Equal(t, tc.pass, ok)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestEvaluateClausesStopsAtFirstFailure(t *testing.T) {
	obj := deal(map[string]any{"stage": "Won", "amount": float64(5)})
	ok, reason := EvaluateClauses(dealType, obj, []domain.Clause{
		{Field: "amount", Op: domain.OpGt, Value: float64(1)},
		{Field: "stage", Op: domain.OpEq, Value: "Open"},
		{Field: "amount", Op: domain.OpGt, Value: float64(100)},
	})
	require.False(t, ok)
	require.Equal(t, "stage != Open", reason)

	ok, reason = EvaluateClauses(dealType, obj, nil)
	require.True(t, ok)
	require.Empty(t, reason)
}

type handlerSet map[string]bool

func (h handlerSet) Available(_ context.Context, name string) bool { return h[name] }

func TestEvaluateFunctionBackedAvailability(t *testing.T) {
	at := domain.ActionType{ID: "sync", DisplayName: "Sync", ObjectTypeID: "deal", ExecutionType: domain.FunctionBacked, Handler: "crm"}
	obj := deal(map[string]any{"stage": "Open"})

	res, err := Evaluator{}.Evaluate(context.Background(), "acme", obj, at)
	require.NoError(t, err)
	require.Equal(t, domain.Unavailable, res.Classification)
	require.True(t, res.CriteriaPassed)
	require.Equal(t, "handler crm is not registered", res.FailureReason)

	res, err = Evaluator{Handlers: handlerSet{"crm": true}}.Evaluate(context.Background(), "acme", obj, at)
	require.NoError(t, err)
	require.Equal(t, domain.Eligible, res.Classification)
	require.Empty(t, res.FailureReason)
}

func TestEvaluateAllKeepsCandidateOrder(t *testing.T) {
	obj := deal(nil)
	candidates := []domain.ActionType{
		{ID: "a", ExecutionType: domain.Declarative},
		{ID: "b", ExecutionType: domain.FunctionBacked, Handler: "missing"},
		{ID: "c", ExecutionType: domain.Declarative},
	}
	res, err := Evaluator{Parallelism: 2, Handlers: handlerSet{}}.EvaluateAll(context.Background(), "acme", obj, candidates)
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.Equal(t, "a", res[0].ActionTypeID)
	require.Equal(t, domain.Unavailable, res[1].Classification)
	require.Equal(t, domain.Eligible, res[2].Classification)
}

func TestEvaluateClauseIsDeterministic(t *testing.T) {
	ops := []domain.Operator{domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte, domain.OpExists, domain.OpNotExists}
	rapid.Check(t, func(t *rapid.T) {
		amount := rapid.Float64Range(-1e6, 1e6).Draw(t, "amount")
		bound := rapid.Float64Range(-1e6, 1e6).Draw(t, "bound")
		op := rapid.SampledFrom(ops).Draw(t, "op")
		obj := deal(map[string]any{"amount": amount})
		c := domain.Clause{Field: "amount", Op: op, Value: bound}

		ok1, r1 := EvaluateClause(dealType, obj, c)
		ok2, r2 := EvaluateClause(dealType, obj, c)
		if ok1 != ok2 || r1 != r2 {
			t.Fatalf("non-deterministic result for %v: (%v %q) vs (%v %q)", c, ok1, r1, ok2, r2)
		}
		if ok1 == (r1 != "") {
			t.Fatalf("pass=%v but reason %q", ok1, r1)
		}
	})
}

func TestOrderingOperatorsAreComplementary(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		amount := rapid.Float64Range(-1e6, 1e6).Draw(t, "amount")
		bound := rapid.Float64Range(-1e6, 1e6).Draw(t, "bound")
		obj := deal(map[string]any{"amount": amount})
		gt, _ := EvaluateClause(dealType, obj, domain.Clause{Field: "amount", Op: domain.OpGt, Value: bound})
		lte, _ := EvaluateClause(dealType, obj, domain.Clause{Field: "amount", Op: domain.OpLte, Value: bound})
		if gt == lte {
			t.Fatalf("gt and lte agree (%v) for %v vs %v", gt, amount, bound)
		}
	})
}
