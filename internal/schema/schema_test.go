package schema_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"metaflow/internal/db"
	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/migrate"
	"metaflow/internal/proptype"
	"metaflow/internal/schema"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return engine.New(conn, engine.Options{})
}

func requireInvalid(t *testing.T, err error, field string) {
	t.Helper()
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	require.Equal(t, field, ve.Field, ve.Error())
}

func str(required bool) proptype.Spec {
	return proptype.Spec{Type: proptype.String, Required: required}
}

func ref(target string) proptype.Spec {
	return proptype.Spec{Type: proptype.Reference, TargetTypeID: target}
}

var account = domain.ObjectType{
	ID:          "account",
	DisplayName: "Account",
	TitleKey:    "name",
	Properties:  proptype.Properties{{Key: "name", Spec: str(true)}},
}

var deal = domain.ObjectType{
	ID:          "deal",
	DisplayName: "Deal",
	Properties: proptype.Properties{
		{Key: "name", Spec: str(true)},
		{Key: "stage", Spec: proptype.Spec{Type: proptype.String, PicklistConfig: []proptype.PicklistOption{{Value: "Open"}, {Value: "Won"}}}},
		{Key: "account", Spec: ref("account")},
	},
}

func TestDefineObjectTypeValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.DefineObjectType(ctx, "acme", "tester", account)
	require.NoError(t, err)

	cases := []struct {
		name  string
		typ   domain.ObjectType
		field string
	}{
		{"duplicate key", domain.ObjectType{ID: "a", DisplayName: "A", Properties: proptype.Properties{{Key: "x", Spec: str(false)}, {Key: "x", Spec: str(false)}}}, "properties.x"},
		{"bad key", domain.ObjectType{ID: "b", DisplayName: "B", Properties: proptype.Properties{{Key: "1x", Spec: str(false)}}}, "properties.1x"},
		{"unknown title key", domain.ObjectType{ID: "c", DisplayName: "C", TitleKey: "nope", Properties: proptype.Properties{{Key: "x", Spec: str(false)}}}, "titleKey"},
		{"unknown target", domain.ObjectType{ID: "d", DisplayName: "D", Properties: proptype.Properties{{Key: "owner", Spec: ref("person")}}}, "properties.owner.targetTypeId"},
		{"bad spec", domain.ObjectType{ID: "e", DisplayName: "E", Properties: proptype.Properties{{Key: "n", Spec: proptype.Spec{Type: proptype.Number, PicklistConfig: []proptype.PicklistOption{{Value: "1"}}}}}}, "properties.n.picklistConfig"},
		{"junction with one reference", domain.ObjectType{ID: "f", DisplayName: "F", IsJunction: true, Properties: proptype.Properties{{Key: "account", Spec: ref("account")}}}, "properties"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.DefineObjectType(ctx, "acme", "tester", tc.typ)
			requireInvalid(t, err, tc.field)
		})
	}

	_, err = e.DefineObjectType(ctx, "acme", "tester", account)
	requireInvalid(t, err, "id")
}

func TestObjectTypesAreTenantScoped(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.DefineObjectType(ctx, "acme", "tester", account)
	require.NoError(t, err)

	_, err = e.GetObjectType(ctx, "globex", "account")
	require.True(t, domain.IsNotFound(err), "got %v", err)

	_, err = e.DefineObjectType(ctx, "globex", "tester", account)
	require.NoError(t, err, "the same id is free in another tenant")
}

func TestDefinitionKeepsPropertyOrder(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.DefineObjectType(ctx, "acme", "tester", account)
	require.NoError(t, err)
	_, err = e.DefineObjectType(ctx, "acme", "tester", deal)
	require.NoError(t, err)

	got, err := e.GetObjectType(ctx, "acme", "deal")
	require.NoError(t, err)
	require.Equal(t, []string{"name", "stage", "account"}, got.Properties.Keys())
	require.Equal(t, "acme", got.TenantID)
	require.NotEmpty(t, got.CreatedAt)
}

func TestDeleteObjectType(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.DefineObjectType(ctx, "acme", "tester", account)
	require.NoError(t, err)
	_, err = e.DefineObjectType(ctx, "acme", "tester", deal)
	require.NoError(t, err)
	_, err = e.CreateObject(ctx, "acme", "tester", domain.Object{ID: "d1", ObjectTypeID: "deal", Fields: map[string]any{"name": "x"}})
	require.NoError(t, err)

	// deal.account points at account, even with cascade
	requireInvalid(t, e.DeleteObjectType(ctx, "acme", "tester", "account", true), "id")

	requireInvalid(t, e.DeleteObjectType(ctx, "acme", "tester", "deal", false), "id")
	require.NoError(t, e.DeleteObjectType(ctx, "acme", "tester", "deal", true))

	_, err = e.GetObjectType(ctx, "acme", "deal")
	require.True(t, domain.IsNotFound(err))
	_, err = e.GetObject(ctx, "acme", "d1")
	require.True(t, domain.IsNotFound(err))

	require.NoError(t, e.DeleteObjectType(ctx, "acme", "tester", "account", false))
	require.True(t, domain.IsNotFound(e.DeleteObjectType(ctx, "acme", "tester", "account", false)))
}

func TestUpdateObjectTypeGuardsForeignKey(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.DefineObjectType(ctx, "acme", "tester", account)
	require.NoError(t, err)
	_, err = e.DefineObjectType(ctx, "acme", "tester", deal)
	require.NoError(t, err)
	_, err = e.DefineRelationship(ctx, "acme", "tester", domain.Relationship{
		ID: "account_deals", SourceTypeID: "account", TargetTypeID: "deal", Cardinality: domain.OneToMany,
	})
	require.NoError(t, err)

	changed := deal
	changed.Properties = proptype.Properties{{Key: "name", Spec: str(true)}}
	_, err = e.UpdateObjectType(ctx, "acme", "tester", changed)
	requireInvalid(t, err, "properties.account")
}

func TestDefineActionTypeValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.DefineObjectType(ctx, "acme", "tester", account)
	require.NoError(t, err)
	_, err = e.DefineObjectType(ctx, "acme", "tester", deal)
	require.NoError(t, err)

	setStage, err := domain.NewRule("set_field", map[string]any{"field": "stage", "value": "Won"})
	require.NoError(t, err)
	base := domain.ActionType{ID: "win", DisplayName: "Win", ObjectTypeID: "deal", ExecutionType: domain.Declarative, Rules: []domain.Rule{setStage}}

	cases := []struct {
		name   string
		mutate func(a *domain.ActionType)
		field  string
	}{
		{"no rules", func(a *domain.ActionType) { a.Rules = nil }, "rules"},
		{"function without handler", func(a *domain.ActionType) { a.ExecutionType = domain.FunctionBacked; a.Rules = nil }, "handler"},
		{"declarative with handler", func(a *domain.ActionType) { a.Handler = "crm" }, "handler"},
		{"reserved parameter", func(a *domain.ActionType) {
			a.Parameters = []domain.Parameter{{Name: domain.TargetParam, Type: proptype.String}}
		}, "parameters[0].name"},
		{"duplicate parameter", func(a *domain.ActionType) {
			a.Parameters = []domain.Parameter{{Name: "n", Type: proptype.Number}, {Name: "n", Type: proptype.Number}}
		}, "parameters[1].name"},
		{"unknown clause field", func(a *domain.ActionType) {
			a.Criteria = &domain.Criteria{Clauses: []domain.Clause{{Field: "nope", Op: domain.OpEq, Value: "x"}}}
		}, "criteria.clauses[0].field"},
		{"picklist value outside options", func(a *domain.ActionType) {
			a.Criteria = &domain.Criteria{Clauses: []domain.Clause{{Field: "stage", Op: domain.OpEq, Value: "Lost"}}}
		}, "criteria.clauses[0].value"},
		{"unknown criteria type", func(a *domain.ActionType) {
			a.Criteria = &domain.Criteria{ObjectTypeID: "person", Clauses: []domain.Clause{{Field: "id", Op: domain.OpExists}}}
		}, "criteria.objectTypeId"},
		{"unknown attached type", func(a *domain.ActionType) { a.ObjectTypeID = "person" }, "objectTypeId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := base
			tc.mutate(&a)
			_, err := e.DefineActionType(ctx, "acme", "tester", a)
			requireInvalid(t, err, tc.field)
		})
	}

	_, err = e.DefineActionType(ctx, "acme", "tester", base)
	require.NoError(t, err)
}

func TestActionRulesNameStoredDefinitions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	task := domain.ObjectType{ID: "task", DisplayName: "Task", Properties: proptype.Properties{
		{Key: "title", Spec: str(true)},
		{Key: "estimate", Spec: proptype.Spec{Type: proptype.Number}},
	}}
	for _, typ := range []domain.ObjectType{account, deal, task} {
		_, err := e.DefineObjectType(ctx, "acme", "tester", typ)
		require.NoError(t, err)
	}
	_, err := e.DefineRelationship(ctx, "acme", "tester", domain.Relationship{
		ID: "account_deals", SourceTypeID: "account", TargetTypeID: "deal", Cardinality: domain.OneToMany,
	})
	require.NoError(t, err)

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
		{"unknown created type", rule("create_object", map[string]any{"objectTypeId": "ghost"}), "rules[0].objectTypeId"},
		{"unknown created field", rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"title": "x", "owner": "me"}}), "rules[0].fields.owner"},
		{"literal of the wrong type", rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"title": "x", "estimate": "soon"}}), "rules[0].fields.estimate"},
		{"required field left out", rule("create_object", map[string]any{"objectTypeId": "task"}), "rules[0].fields.title"},
		{"unknown relationship", rule("link_objects", map[string]any{"relationshipId": "ghost", "to": "d1"}), "rules[0].relationshipId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.DefineActionType(ctx, "acme", "tester", domain.ActionType{
				ID: "spawn", DisplayName: "Spawn", ObjectTypeID: "deal", ExecutionType: domain.Declarative, Rules: []domain.Rule{tc.rule},
			})
			requireInvalid(t, err, tc.field)
		})
	}

	_, err = e.DefineActionType(ctx, "acme", "tester", domain.ActionType{
		ID: "spawn", DisplayName: "Spawn", ObjectTypeID: "deal", ExecutionType: domain.Declarative,
		Rules: []domain.Rule{rule("create_object", map[string]any{"objectTypeId": "task", "fields": map[string]any{"title": map[string]any{"field": "name"}}})},
	})
	require.NoError(t, err)
	_, err = e.DefineActionType(ctx, "acme", "tester", domain.ActionType{
		ID: "attach", DisplayName: "Attach", ObjectTypeID: "account", ExecutionType: domain.Declarative,
		Parameters: []domain.Parameter{{Name: "deal", Type: proptype.Reference, TargetTypeID: "deal", Required: true}},
		Rules:      []domain.Rule{rule("link_objects", map[string]any{"relationshipId": "account_deals", "to": map[string]any{"param": "deal"}})},
	})
	require.NoError(t, err)

	// spawn creates tasks, so task cannot go, not even with cascade
	requireInvalid(t, e.DeleteObjectType(ctx, "acme", "tester", "task", false), "id")
	requireInvalid(t, e.DeleteObjectType(ctx, "acme", "tester", "task", true), "id")
	// attach takes a deal parameter and links through account_deals
	requireInvalid(t, e.DeleteObjectType(ctx, "acme", "tester", "deal", true), "id")
	requireInvalid(t, e.DeleteRelationship(ctx, "acme", "tester", "account_deals"), "id")

	require.NoError(t, e.DeleteActionType(ctx, "acme", "tester", "spawn"))
	require.NoError(t, e.DeleteObjectType(ctx, "acme", "tester", "task", false))
	require.NoError(t, e.DeleteActionType(ctx, "acme", "tester", "attach"))
	require.NoError(t, e.DeleteRelationship(ctx, "acme", "tester", "account_deals"))
}

func TestCheckClause(t *testing.T) {
	require.NoError(t, schema.CheckClause(deal, domain.Clause{Field: "stage", Op: domain.OpIn, Value: []any{"Open", "Won"}}))
	require.NoError(t, schema.CheckClause(deal, domain.Clause{Field: "id", Op: domain.OpEq, Value: "d1"}))
	require.NoError(t, schema.CheckClause(deal, domain.Clause{Field: "stage", Op: domain.OpGt, Value: "M"}), "range bounds need not be picklist members")

	requireInvalid(t, schema.CheckClause(deal, domain.Clause{Field: "stage", Op: domain.OpIn, Value: []any{}}), "value")
	requireInvalid(t, schema.CheckClause(deal, domain.Clause{Field: "stage", Op: domain.OpIn, Value: []any{"Open", "Nope"}}), "value[1]")
	requireInvalid(t, schema.CheckClause(deal, domain.Clause{Field: "name", Op: domain.OpExists, Value: "x"}), "value")
	requireInvalid(t, schema.CheckClause(deal, domain.Clause{Field: "name", Op: domain.OpEq}), "value")
	requireInvalid(t, schema.CheckClause(deal, domain.Clause{Field: "name", Op: "like", Value: "x"}), "op")
}

func TestCheckJunction(t *testing.T) {
	jt := domain.ObjectType{ID: "link", IsJunction: true, Properties: proptype.Properties{
		{Key: "course", Spec: ref("course")},
		{Key: "student", Spec: ref("student")},
	}}
	s, c, err := schema.CheckJunction(jt, "student", "course")
	require.NoError(t, err)
	require.Equal(t, "student", s)
	require.Equal(t, "course", c)

	_, _, err = schema.CheckJunction(jt, "student", "professor")
	requireInvalid(t, err, "junctionTypeId")

	jt.IsJunction = false
	_, _, err = schema.CheckJunction(jt, "student", "course")
	requireInvalid(t, err, "junctionTypeId")
}

func TestDecodeBundleYAMLKeepsOrder(t *testing.T) {
	b, err := schema.DecodeBundle([]byte(`
objectTypes:
  - id: deal
    displayName: Deal
    properties:
      zeta: {type: string}
      alpha: {type: number}
      mid: {type: boolean}
`))
	require.NoError(t, err)
	require.Len(t, b.ObjectTypes, 1)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, b.ObjectTypes[0].Properties.Keys())

	b, err = schema.DecodeBundle([]byte(`{"objectTypes":[{"id":"x","displayName":"X","properties":{"b":{"type":"string"},"a":{"type":"string"}}}]}`))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, b.ObjectTypes[0].Properties.Keys())

	_, err = schema.DecodeBundle([]byte("  "))
	requireInvalid(t, err, "bundle")
}

func TestOrderObjectTypes(t *testing.T) {
	ordered, err := schema.OrderObjectTypes([]domain.ObjectType{deal, account})
	require.NoError(t, err)
	require.Equal(t, "account", ordered[0].ID)
	require.Equal(t, "deal", ordered[1].ID)

	a := domain.ObjectType{ID: "a", Properties: proptype.Properties{{Key: "b", Spec: ref("b")}}}
	b := domain.ObjectType{ID: "b", Properties: proptype.Properties{{Key: "a", Spec: ref("a")}}}
	_, err = schema.OrderObjectTypes([]domain.ObjectType{a, b})
	requireInvalid(t, err, "objectTypes")

	_, err = schema.OrderObjectTypes([]domain.ObjectType{account, account})
	requireInvalid(t, err, "objectTypes[1].id")
}
