package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"metaflow/internal/domain"
	"metaflow/internal/proptype"
)

var dealType = domain.ObjectType{
	ID: "deal",
	Properties: proptype.Properties{
		{Key: "name", Spec: proptype.Spec{Type: proptype.String, Required: true}},
		{Key: "stage", Spec: proptype.Spec{Type: proptype.String, PicklistConfig: []proptype.PicklistOption{{Value: "Open"}, {Value: "Won"}}}},
		{Key: "amount", Spec: proptype.Spec{Type: proptype.Number}},
	},
}

func closeWon() domain.ActionType {
	return domain.ActionType{
		ID:            "close_won",
		ObjectTypeID:  "deal",
		ExecutionType: domain.Declarative,
		Parameters: []domain.Parameter{
			{Name: "amount", Type: proptype.Number, Required: true},
			{Name: "note", Type: proptype.String},
			{Name: "stage", Type: proptype.String, PicklistConfig: []proptype.PicklistOption{{Value: "Open"}, {Value: "Won"}}},
		},
	}
}

func TestValidateParameters(t *testing.T) {
	at := closeWon()
	out, err := ValidateParameters(at, map[string]any{"amount": 10, "objectId": "d1"})
	require.NoError(t, err)
	require.Equal(t, float64(10), out["amount"])
	require.Equal(t, "d1", out["objectId"])
	require.NotContains(t, out, "note")

	_, err = ValidateParameters(at, map[string]any{"amount": "ten", "stage": "Lost", "zeta": 1, "alpha": 2},
		domain.ParameterIssue{Name: "objectId", Reason: "required"})
	var pe *domain.ParameterValidationError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, []string{"objectId", "amount", "stage", "alpha", "zeta"}, pe.Names())
	require.Equal(t, "type mismatch: expected number, got string", pe.Issues[1].Reason)
}

func TestValidateParametersReportsEveryIssue(t *testing.T) {
	at := domain.ActionType{ID: "bulk", ExecutionType: domain.Declarative}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		at.Parameters = append(at.Parameters, domain.Parameter{Name: name, Type: proptype.Number, Required: true})
	}
	rapid.Check(t, func(t *rapid.T) {
		params := map[string]any{}
		var want []string
		for _, p := range at.Parameters {
			switch rapid.IntRange(0, 2).Draw(t, p.Name) {
			case 0:
				params[p.Name] = rapid.Float64Range(-100, 100).Draw(t, p.Name+"_value")
			case 1:
				want = append(want, p.Name) // missing
			case 2:
				params[p.Name] = "not a number"
				want = append(want, p.Name)
			}
		}
		_, err := ValidateParameters(at, params)
		if len(want) == 0 {
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			return
		}
		var pe *domain.ParameterValidationError
		if !errors.As(err, &pe) {
			t.Fatalf("expected parameter validation error, got %v", err)
		}
		got := pe.Names()
		if len(got) != len(want) {
			t.Fatalf("issues %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("issues %v, want %v", got, want)
			}
		}
	})
}

func TestValueDecoding(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"param":"amount"}`), &v))
	require.Equal(t, Value{Param: "amount"}, v)

	v = Value{}
	require.NoError(t, json.Unmarshal([]byte(`{"field":"stage"}`), &v))
	require.Equal(t, Value{Field: "stage"}, v)

	v = Value{}
	require.NoError(t, json.Unmarshal([]byte(`{"param":"amount","extra":true}`), &v))
	require.Equal(t, map[string]any{"param": "amount", "extra": true}, v.Literal)

	v = Value{}
	require.NoError(t, json.Unmarshal([]byte(`"Won"`), &v))
	require.Equal(t, "Won", v.Literal)

	rc := &RuleContext{Target: &domain.Object{ID: "d1", Fields: map[string]any{"stage": "Open"}}, Params: map[string]any{"amount": 5.0}}
	got, err := Value{Param: "objectId"}.Resolve(rc)
	require.NoError(t, err)
	require.Equal(t, "d1", got)
	got, err = Value{Field: "stage"}.Resolve(rc)
	require.NoError(t, err)
	require.Equal(t, "Open", got)
	got, err = Value{Param: "missing"}.Resolve(rc)
	require.NoError(t, err)
	require.Nil(t, got)
}

type staticDefs struct {
	types map[string]domain.ObjectType
	rels  map[string]domain.Relationship
}

func (d staticDefs) ObjectType(id string) (domain.ObjectType, bool, error) {
	t, ok := d.types[id]
	return t, ok, nil
}

func (d staticDefs) Relationship(id string) (domain.Relationship, bool, error) {
	rel, ok := d.rels[id]
	return rel, ok, nil
}

var defs = staticDefs{
	types: map[string]domain.ObjectType{
		"deal": dealType,
		"task": {ID: "task", Properties: proptype.Properties{
			{Key: "title", Spec: proptype.Spec{Type: proptype.String, Required: true}},
			{Key: "estimate", Spec: proptype.Spec{Type: proptype.Number}},
		}},
	},
	rels: map[string]domain.Relationship{
		"r":             {ID: "r", SourceTypeID: "deal", TargetTypeID: "task", Cardinality: domain.OneToMany, ForeignKey: "deal"},
		"account_deals": {ID: "account_deals", SourceTypeID: "account", TargetTypeID: "deal", Cardinality: domain.OneToMany, ForeignKey: "account"},
	},
}

func TestCheckRule(t *testing.T) {
	rules := NewRules()
	at := closeWon()
	rule := func(kind string, args map[string]any) domain.Rule {
		r, err := domain.NewRule(kind, args)
		require.NoError(t, err)
		return r
	}
	cases := []struct {
		name  string
		rule  domain.Rule
		field string
	}{
		{"unknown kind", rule("explode", nil), "kind"},
		{"set_field unknown property", rule("set_field", map[string]any{"field": "color", "value": "red"}), "field"},
		{"set_field literal outside picklist", rule("set_field", map[string]any{"field": "stage", "value": "Lost"}), "value"},
		{"set_field unknown param", rule("set_field", map[string]any{"field": "amount", "value": map[string]any{"param": "price"}}), "value.param"},
		{"set_field unknown field ref", rule("set_field", map[string]any{"field": "amount", "value": map[string]any{"field": "price"}}), "value.field"},
		{"clear_field without field", rule("clear_field", nil), "field"},
		{"create_object without type", rule("create_object", map[string]any{"fields": map[string]any{}}), "objectTypeId"},
		{"create_object unknown type", rule("create_object", map[string]any{"objectTypeId": "ghost"}), "objectTypeId"},
		{"create_object unknown property", rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"title": "x", "owner": "me"}}), "fields.owner"},
		{"create_object bad literal", rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"title": "x", "estimate": "soon"}}), "fields.estimate"},
		{"create_object unknown param", rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"title": map[string]any{"param": "label"}}}), "fields.title.param"},
		{"create_object missing required", rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"estimate": 3}}), "fields.title"},
		{"link_objects without relationship", rule("link_objects", map[string]any{"to": "x"}), "relationshipId"},
		{"link_objects unknown relationship", rule("link_objects", map[string]any{"relationshipId": "ghost", "to": "x"}), "relationshipId"},
		{"link_objects target is not the source", rule("link_objects", map[string]any{"relationshipId": "account_deals", "to": "x"}), "from"},
		{"link_objects without to", rule("link_objects", map[string]any{"relationshipId": "r"}), "to"},
		{"require bad value", rule("require", map[string]any{"field": "amount", "op": "gt", "value": "big"}), "value"},
		{"unknown argument", rule("clear_field", map[string]any{"field": "stage", "bogus": 1}), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rules.CheckRule(tc.rule, at, &dealType, defs)
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Equal(t, tc.field, ve.Field)
		})
	}

	require.NoError(t, rules.CheckRule(rule("set_field", map[string]any{"field": "amount", "value": map[string]any{"param": "amount"}}), at, &dealType, defs))
	require.NoError(t, rules.CheckRule(rule("require", map[string]any{"field": "amount", "op": "gt", "value": 0}), at, &dealType, defs))
	require.NoError(t, rules.CheckRule(rule("delete_object", nil), at, &dealType, defs))
	require.True(t, domain.IsValidation(rules.CheckRule(rule("delete_object", nil), at, nil, defs)))
	require.NoError(t, rules.CheckRule(rule("create_object", map[string]any{
		"objectTypeId": "task",
		"fields":       map[string]any{"title": map[string]any{"field": "name"}, "estimate": map[string]any{"param": "amount"}},
	}), at, &dealType, defs))
	require.NoError(t, rules.CheckRule(rule("link_objects", map[string]any{"relationshipId": "r", "to": map[string]any{"param": "note"}}), at, &dealType, defs))
	require.NoError(t, rules.CheckRule(rule("link_objects", map[string]any{"relationshipId": "account_deals", "from": "a1", "to": map[string]any{"param": "objectId"}}), at, &dealType, defs))
}

func TestRulesRegistry(t *testing.T) {
	rules := NewRules()
	require.Equal(t, []string{"clear_field", "create_object", "delete_object", "link_objects", "require", "set_field"}, rules.Kinds())
	require.Error(t, rules.Register("set_field", setField{}))
	require.Error(t, rules.Register("", setField{}))
	require.NoError(t, rules.Register("touch", clearField{}))
	_, ok := rules.Lookup("touch")
	require.True(t, ok)
}

type sickHandler struct{}

func (sickHandler) Invoke(context.Context, Invocation) (any, error) { return nil, nil }
func (sickHandler) Healthy(context.Context) bool                    { return false }

func TestHandlersRegistry(t *testing.T) {
	h := NewHandlers()
	echo := HandlerFunc(func(_ context.Context, inv Invocation) (any, error) { return inv.ActionTypeID, nil })
	require.NoError(t, h.Register("echo", echo))
	require.NoError(t, h.Register("sick", sickHandler{}))
	require.Error(t, h.Register("echo", echo))
	require.Error(t, h.Register(" ", echo))
	require.Error(t, h.Register("nil", nil))

	ctx := context.Background()
	require.True(t, h.Available(ctx, "echo"))
	require.False(t, h.Available(ctx, "sick"))
	require.False(t, h.Available(ctx, "ghost"))
	require.Equal(t, []string{"echo", "sick"}, h.Names())

	var none *Handlers
	_, ok := none.Lookup("echo")
	require.False(t, ok)
	require.Nil(t, none.Names())
}

func TestHTTPHandler(t *testing.T) {
	var got Invocation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/fail":
			http.Error(w, "nope", http.StatusBadGateway)
		default:
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"synced":true}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	h := HTTPHandler{URL: srv.URL + "/invoke", HealthURL: srv.URL + "/health"}
	res, err := h.Invoke(ctx, Invocation{TenantID: "acme", ActionTypeID: "sync", Parameters: map[string]any{"n": 1.0}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"synced": true}, res)
	require.Equal(t, "acme", got.TenantID)
	require.Equal(t, "sync", got.ActionTypeID)
	require.False(t, h.Healthy(ctx))

	_, err = HTTPHandler{URL: srv.URL + "/fail"}.Invoke(ctx, Invocation{})
	require.ErrorContains(t, err, "handler returned 502")

	require.True(t, HTTPHandler{URL: srv.URL}.Healthy(ctx), "no health url means healthy")
}

func TestUnknownParametersAreSorted(t *testing.T) {
	at := domain.ActionType{ID: "noop", ExecutionType: domain.Declarative}
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}`), 1, 6, rapid.ID[string]).Draw(t, "names")
		params := map[string]any{}
		for _, n := range names {
			if n == domain.TargetParam {
				continue
			}
			params[n] = 1
		}
		_, err := ValidateParameters(at, params)
		if len(params) == 0 {
			return
		}
		var pe *domain.ParameterValidationError
		if !errors.As(err, &pe) {
			t.Fatalf("expected issues for %v", names)
		}
		got := pe.Names()
		if !sort.StringsAreSorted(got) || len(got) != len(params) {
			t.Fatalf("unknown parameters %v not reported in order", got)
		}
	})
}
