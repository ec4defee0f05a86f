package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"metaflow/internal/db"
	"metaflow/internal/dispatch"
	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/migrate"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
	"metaflow/internal/schema"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// clock advances one millisecond per reading so creation order is stable.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestEnv(t *testing.T, opts engine.Options) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if opts.Now == nil {
		c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Now = c.Now
	}
	return testEnv{Engine: engine.New(conn, opts), Ctx: context.Background()}
}

func mustRule(t *testing.T, kind string, args map[string]any) domain.Rule {
	t.Helper()
	r, err := domain.NewRule(kind, args)
	if err != nil {
		t.Fatalf("rule %s: %v", kind, err)
	}
	return r
}

// seedSales defines account and deal types linked ONE_TO_MANY, plus the close_won action.
func seedSales(t *testing.T, env testEnv, tenant string) {
	t.Helper()
	e := env.Engine
	_, err := e.DefineObjectType(env.Ctx, tenant, "tester", domain.ObjectType{
		ID:          "account",
		DisplayName: "Account",
		TitleKey:    "name",
		Properties: proptype.Properties{
			{Key: "name", Spec: proptype.Spec{Type: proptype.String, Required: true}},
			{Key: "tier", Spec: proptype.Spec{Type: proptype.String, PicklistConfig: []proptype.PicklistOption{{Value: "Gold"}, {Value: "Silver"}}}},
		},
	})
	if err != nil {
		t.Fatalf("define account: %v", err)
	}
	_, err = e.DefineObjectType(env.Ctx, tenant, "tester", domain.ObjectType{
		ID:          "deal",
		DisplayName: "Deal",
		TitleKey:    "name",
		Properties: proptype.Properties{
			{Key: "name", Spec: proptype.Spec{Type: proptype.String, Required: true}},
			{Key: "stage", Spec: proptype.Spec{Type: proptype.String, Required: true, PicklistConfig: []proptype.PicklistOption{{Value: "Open"}, {Value: "Won"}, {Value: "Lost"}}}},
			{Key: "amount", Spec: proptype.Spec{Type: proptype.Number}},
			{Key: "account", Spec: proptype.Spec{Type: proptype.Reference, TargetTypeID: "account"}},
		},
	})
	if err != nil {
		t.Fatalf("define deal: %v", err)
	}
	rel, err := e.DefineRelationship(env.Ctx, tenant, "tester", domain.Relationship{
		ID:           "account_deals",
		SourceTypeID: "account",
		TargetTypeID: "deal",
		Cardinality:  domain.OneToMany,
	})
	if err != nil {
		t.Fatalf("define relationship: %v", err)
	}
	if rel.ForeignKey != "account" {
		t.Fatalf("expected foreign key to resolve to account, got %q", rel.ForeignKey)
	}
	_, err = e.DefineActionType(env.Ctx, tenant, "tester", domain.ActionType{
		ID:            "close_won",
		DisplayName:   "Close Won",
		ObjectTypeID:  "deal",
		ExecutionType: domain.Declarative,
		Parameters:    []domain.Parameter{{Name: "amount", Type: proptype.Number, Required: true}},
		Rules: []domain.Rule{
			mustRule(t, "set_field", map[string]any{"field": "stage", "value": "Won"}),
			mustRule(t, "set_field", map[string]any{"field": "amount", "value": map[string]any{"param": "amount"}}),
		},
		Criteria: &domain.Criteria{Clauses: []domain.Clause{{Field: "stage", Op: domain.OpEq, Value: "Open"}}},
	})
	if err != nil {
		t.Fatalf("define close_won: %v", err)
	}
}

func createDeal(t *testing.T, env testEnv, tenant, id, stage, accountID string) domain.Object {
	t.Helper()
	fields := map[string]any{"name": "Deal " + id, "stage": stage, "amount": 500}
	if accountID != "" {
		fields["account"] = accountID
	}
	obj, err := env.Engine.CreateObject(env.Ctx, tenant, "tester", domain.Object{ID: id, ObjectTypeID: "deal", Fields: fields})
	if err != nil {
		t.Fatalf("create deal %s: %v", id, err)
	}
	return obj
}

func TestCloseWonLifecycle(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	seedSales(t, env, "acme")
	deal := createDeal(t, env, "acme", "d1", "Open", "")

	res, err := env.Engine.ExecuteAction(env.Ctx, dispatch.Request{
		TenantID:     "acme",
		ActionTypeID: "close_won",
		ActorID:      "rep",
		Parameters:   map[string]any{"objectId": deal.ID, "amount": 1200},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Errors)
	}
	got, err := env.Engine.GetObject(env.Ctx, "acme", deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["stage"] != "Won" || got.Fields["amount"] != float64(1200) {
		t.Fatalf("unexpected fields after close: %v", got.Fields)
	}

	// criteria no longer hold
	res, err = env.Engine.ExecuteAction(env.Ctx, dispatch.Request{
		TenantID:     "acme",
		ActionTypeID: "close_won",
		ActorID:      "rep",
		Parameters:   map[string]any{"objectId": deal.ID, "amount": 1},
	})
	if err != nil {
		t.Fatalf("execute blocked: %v", err)
	}
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("expected one failure, got %+v", res)
	}
	if res.Errors[0].Kind != "criteria" || res.Errors[0].Message != "stage != Open" {
		t.Fatalf("unexpected failure %+v", res.Errors[0])
	}

	events, err := env.Engine.ListEvents(env.Ctx, "acme", repo.EventFilters{Type: "action.executed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 action events, got %d", len(events))
	}
	if events[0].ActorID != "rep" {
		t.Fatalf("expected actor rep, got %s", events[0].ActorID)
	}
}

func TestCloseWonAfterSchemaDrift(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	seedSales(t, env, "acme")
	e := env.Engine
	deal := createDeal(t, env, "acme", "d1", "Open", "")

	dealType, err := e.GetObjectType(env.Ctx, "acme", "deal")
	if err != nil {
		t.Fatal(err)
	}
	dealType.Properties = append(dealType.Properties, proptype.Property{
		Key:  "region",
		Spec: proptype.Spec{Type: proptype.String, Required: true},
	})
	if _, err := e.UpdateObjectType(env.Ctx, "acme", "tester", dealType); err != nil {
		t.Fatalf("add region: %v", err)
	}

	items, err := e.GetAvailableActionsForObject(env.Ctx, "acme", deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Classification != domain.Eligible {
		t.Fatalf("expected close_won eligible, got %+v", items)
	}
	res, err := e.ExecuteAction(env.Ctx, dispatch.Request{
		TenantID:     "acme",
		ActionTypeID: "close_won",
		ActorID:      "rep",
		Parameters:   map[string]any{"objectId": deal.ID, "amount": 900},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("rows written before region existed must still close, got %+v", res.Errors)
	}
	got, err := e.GetObject(env.Ctx, "acme", deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["stage"] != "Won" || got.Fields["name"] != "Deal d1" {
		t.Fatalf("unexpected fields %v", got.Fields)
	}
	if _, ok := got.Fields["region"]; ok {
		t.Fatalf("region must stay unset, got %v", got.Fields["region"])
	}

	// a full replacement is held to the current schema
	_, err = e.UpdateObject(env.Ctx, "acme", "tester", deal.ID, map[string]any{"name": "Deal d1", "stage": "Won"})
	if !domain.IsValidation(err) {
		t.Fatalf("expected region to be required on update, got %v", err)
	}
}

func TestExecuteCollectsParameterIssues(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	seedSales(t, env, "acme")
	deal := createDeal(t, env, "acme", "d1", "Open", "")

	_, err := env.Engine.ExecuteAction(env.Ctx, dispatch.Request{TenantID: "acme", ActionTypeID: "close_won", Parameters: map[string]any{}})
	var pv *domain.ParameterValidationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected parameter validation error, got %v", err)
	}
	if len(pv.Issues) != 2 || pv.Issues[0].Name != "objectId" || pv.Issues[1].Name != "amount" {
		t.Fatalf("unexpected issues %+v", pv.Issues)
	}
	for _, issue := range pv.Issues {
		if issue.Reason != "required" {
			t.Fatalf("expected required, got %+v", issue)
		}
	}

	_, err = env.Engine.ExecuteAction(env.Ctx, dispatch.Request{
		TenantID:     "acme",
		ActionTypeID: "close_won",
		Parameters:   map[string]any{"objectId": deal.ID, "amount": "abc", "note": "x"},
	})
	if !errors.As(err, &pv) {
		t.Fatalf("expected parameter validation error, got %v", err)
	}
	if len(pv.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", pv.Issues)
	}
	if pv.Issues[0].Reason != "type mismatch: expected number, got string" {
		t.Fatalf("unexpected reason %q", pv.Issues[0].Reason)
	}
	if pv.Issues[1].Name != "note" || pv.Issues[1].Reason != "unknown parameter" {
		t.Fatalf("unexpected issue %+v", pv.Issues[1])
	}

	got, err := env.Engine.GetObject(env.Ctx, "acme", deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["stage"] != "Open" {
		t.Fatalf("invalid call must not write, stage=%v", got.Fields["stage"])
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	_, err := env.Engine.ExecuteAction(env.Ctx, dispatch.Request{TenantID: "acme", ActionTypeID: "nope"})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.ExecuteAction(env.Ctx, dispatch.Request{ActionTypeID: "nope"})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error for missing tenant, got %v", err)
	}
}

func TestAvailableActionsClassification(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	seedSales(t, env, "acme")
	e := env.Engine
	acct, err := e.CreateObject(env.Ctx, "acme", "tester", domain.Object{ID: "a1", ObjectTypeID: "account", Fields: map[string]any{"name": "Initech", "tier": "Silver"}})
	if err != nil {
		t.Fatal(err)
	}
	deal := createDeal(t, env, "acme", "d1", "Open", acct.ID)

	_, err = e.DefineActionType(env.Ctx, "acme", "tester", domain.ActionType{
		ID:            "gold_discount",
		DisplayName:   "Gold Discount",
		ObjectTypeID:  "deal",
		DisplayOrder:  2,
		ExecutionType: domain.Declarative,
		Rules:         []domain.Rule{mustRule(t, "set_field", map[string]any{"field": "amount", "value": 0})},
		Criteria: &domain.Criteria{
			ObjectTypeID: "account",
			Clauses:      []domain.Clause{{Field: "tier", Op: domain.OpEq, Value: "Gold"}},
		},
	})
	if err != nil {
		t.Fatalf("define gold_discount: %v", err)
	}
	_, err = e.DefineActionType(env.Ctx, "acme", "tester", domain.ActionType{
		ID:            "sync_crm",
		DisplayName:   "Sync CRM",
		ObjectTypeID:  "deal",
		DisplayOrder:  3,
		ExecutionType: domain.FunctionBacked,
		Handler:       "crm",
	})
	if err != nil {
		t.Fatalf("define sync_crm: %v", err)
	}

	items, err := e.GetAvailableActionsForObject(env.Ctx, "acme", deal.ID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected every attached action, got %d", len(items))
	}
	want := []struct {
		id     string
		class  domain.Classification
		reason string
	}{
		{"close_won", domain.Eligible, ""},
		{"gold_discount", domain.Blocked, "tier != Gold"},
		{"sync_crm", domain.Unavailable, "handler crm is not registered"},
	}
	for i, w := range want {
		got := items[i]
		if got.ActionTypeID != w.id || got.Classification != w.class || got.FailureReason != w.reason {
			t.Fatalf("item %d: got %+v, want %+v", i, got, w)
		}
	}

	if _, err := e.PatchObject(env.Ctx, "acme", "tester", acct.ID, map[string]any{"tier": "Gold"}); err != nil {
		t.Fatal(err)
	}
	items, err = e.GetAvailableActionsForObject(env.Ctx, "acme", deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if items[1].Classification != domain.Eligible || !items[1].CriteriaPassed {
		t.Fatalf("expected gold_discount eligible, got %+v", items[1])
	}

	_, err = e.GetAvailableActionsForObject(env.Ctx, "acme", "missing")
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRuleFailureKeepsEarlierRules(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	seedSales(t, env, "acme")
	_, err := env.Engine.DefineActionType(env.Ctx, "acme", "tester", domain.ActionType{
		ID:            "big_win",
		DisplayName:   "Big Win",
		ObjectTypeID:  "deal",
		ExecutionType: domain.Declarative,
		Rules: []domain.Rule{
			mustRule(t, "set_field", map[string]any{"field": "stage", "value": "Won"}),
			mustRule(t, "require", map[string]any{"field": "amount", "op": "gt", "value": 1000000}),
		},
	})
	if err != nil {
		t.Fatalf("define big_win: %v", err)
	}

	for _, atomic := range []bool{false, true} {
		t.Run(fmt.Sprintf("atomic=%v", atomic), func(t *testing.T) {
			id := fmt.Sprintf("deal-%v", atomic)
			deal := createDeal(t, env, "acme", id, "Open", "")
			res, err := env.Engine.ExecuteAction(env.Ctx, dispatch.Request{
				TenantID:     "acme",
				ActionTypeID: "big_win",
				Parameters:   map[string]any{"objectId": deal.ID},
				Atomic:       atomic,
			})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if res.Success || len(res.Errors) != 1 {
				t.Fatalf("expected a rule failure, got %+v", res)
			}
			failure := res.Errors[0]
			if failure.Index != 1 || failure.Kind != "require" || failure.Message != "amount <= 1000000" {
				t.Fatalf("unexpected failure %+v", failure)
			}
			got, err := env.Engine.GetObject(env.Ctx, "acme", deal.ID)
			if err != nil {
				t.Fatal(err)
			}
			wantStage := "Won"
			if atomic {
				wantStage = "Open"
			}
			if got.Fields["stage"] != wantStage {
				t.Fatalf("stage = %v, want %s", got.Fields["stage"], wantStage)
			}
			result, _ := res.Result.(map[string]any)
			if atomic && result["rolledBack"] != true {
				t.Fatalf("expected rolledBack in %v", result)
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	handlers := dispatch.NewHandlers()
	if err := handlers.Register("slow", dispatch.HandlerFunc(func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})); err != nil {
		t.Fatal(err)
	}
	if err := handlers.Register("echo", dispatch.HandlerFunc(func(ctx context.Context, inv dispatch.Invocation) (any, error) {
		return map[string]any{"target": inv.Target.ID, "params": inv.Parameters}, nil
	})); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, engine.Options{Handlers: handlers, HandlerTimeout: 50 * time.Millisecond})
	seedSales(t, env, "acme")
	deal := createDeal(t, env, "acme", "d1", "Open", "")
	for _, name := range []string{"slow", "echo"} {
		_, err := env.Engine.DefineActionType(env.Ctx, "acme", "tester", domain.ActionType{
			ID:            name,
			DisplayName:   name,
			ObjectTypeID:  "deal",
			ExecutionType: domain.FunctionBacked,
			Handler:       name,
		})
		if err != nil {
			t.Fatalf("define %s: %v", name, err)
		}
	}

	_, err := env.Engine.ExecuteAction(env.Ctx, dispatch.Request{TenantID: "acme", ActionTypeID: "slow", Parameters: map[string]any{"objectId": deal.ID}})
	if !domain.IsTimeout(err) {
		t.Fatalf("expected dependency timeout, got %v", err)
	}

	res, err := env.Engine.ExecuteAction(env.Ctx, dispatch.Request{TenantID: "acme", ActionTypeID: "echo", Parameters: map[string]any{"objectId": deal.ID}})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	out, ok := res.Result.(map[string]any)
	if !res.Success || !ok || out["target"] != deal.ID {
		t.Fatalf("unexpected echo result %+v", res)
	}
}

func TestTenantIsolationUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, engine.Options{Now: time.Now})
	tenants := []string{"acme", "globex"}
	for _, tenant := range tenants {
		seedSales(t, env, tenant)
	}
	const perTenant = 10
	var wg sync.WaitGroup
	errs := make(chan error, len(tenants)*perTenant)
	for _, tenant := range tenants {
		for i := 0; i < perTenant; i++ {
			wg.Add(1)
			go func(tenant string, i int) {
				defer wg.Done()
				id := fmt.Sprintf("deal-%d", i)
				_, err := env.Engine.CreateObject(env.Ctx, tenant, "tester", domain.Object{
					ID:           id,
					ObjectTypeID: "deal",
					Fields:       map[string]any{"name": tenant + " " + id, "stage": "Open"},
				})
				if err != nil {
					errs <- err
					return
				}
				if i%2 == 0 {
					_, err = env.Engine.ExecuteAction(env.Ctx, dispatch.Request{
						TenantID:     tenant,
						ActionTypeID: "close_won",
						Parameters:   map[string]any{"objectId": id, "amount": i},
					})
				}
				if err != nil {
					errs <- err
				}
			}(tenant, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call: %v", err)
	}

	for _, tenant := range tenants {
		objs, err := env.Engine.ListObjects(env.Ctx, tenant, repo.ObjectFilters{ObjectTypeID: "deal"})
		if err != nil {
			t.Fatal(err)
		}
		if len(objs) != perTenant {
			t.Fatalf("%s: expected %d deals, got %d", tenant, perTenant, len(objs))
		}
		won := 0
		for _, o := range objs {
			if o.TenantID != tenant {
				t.Fatalf("%s: saw object of %s", tenant, o.TenantID)
			}
			if o.Fields["name"] != tenant+" "+o.ID {
				t.Fatalf("%s: foreign fields %v", tenant, o.Fields)
			}
			if o.Fields["stage"] == "Won" {
				won++
			}
		}
		if won != perTenant/2 {
			t.Fatalf("%s: expected %d won deals, got %d", tenant, perTenant/2, won)
		}
	}

	if err := env.Engine.DeleteObjectType(env.Ctx, "globex", "tester", "deal", true); err != nil {
		t.Fatalf("delete globex deal: %v", err)
	}
	if _, err := env.Engine.GetObject(env.Ctx, "acme", "deal-0"); err != nil {
		t.Fatalf("acme deal must survive globex cascade: %v", err)
	}
	if _, err := env.Engine.GetObject(env.Ctx, "globex", "deal-0"); !domain.IsNotFound(err) {
		t.Fatalf("expected globex deal gone, got %v", err)
	}
}

const salesBundle = `
objectTypes:
  - id: deal
    displayName: Deal
    properties:
      name: {type: string, required: true}
      stage: {type: string, picklistConfig: [Open, Won]}
      account: {type: reference, targetTypeId: account}
  - id: account
    displayName: Account
    properties:
      name: {type: string, required: true}
relationships:
  - id: account_deals
    sourceTypeId: account
    targetTypeId: deal
    cardinality: ONE_TO_MANY
actionTypes:
  - id: win
    displayName: Win
    objectTypeId: deal
    executionType: declarative
    rules:
      - {kind: set_field, field: stage, value: Won}
    criteria:
      clauses:
        - {field: stage, op: eq, value: Open}
`

func TestImportBundle(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	b, err := schema.DecodeBundle([]byte(salesBundle))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, err := env.Engine.ImportBundle(env.Ctx, "acme", "tester", b)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res != (engine.ImportResult{ObjectTypes: 2, Relationships: 1, ActionTypes: 1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	deal, err := env.Engine.GetObjectType(env.Ctx, "acme", "deal")
	if err != nil {
		t.Fatal(err)
	}
	if keys := deal.Properties.Keys(); len(keys) != 3 || keys[0] != "name" || keys[2] != "account" {
		t.Fatalf("property order lost: %v", keys)
	}

	// re-import updates in place and skips the existing relationship
	res, err = env.Engine.ImportBundle(env.Ctx, "acme", "tester", b)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if res.Relationships != 0 || res.ObjectTypes != 2 {
		t.Fatalf("unexpected re-import result %+v", res)
	}

	// a failing action rolls back the whole bundle
	b.ActionTypes = append(b.ActionTypes, domain.ActionType{ID: "broken", DisplayName: "Broken", ExecutionType: domain.Declarative})
	b.ObjectTypes = append(b.ObjectTypes, domain.ObjectType{ID: "note", DisplayName: "Note"})
	if _, err := env.Engine.ImportBundle(env.Ctx, "acme", "tester", b); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.GetObjectType(env.Ctx, "acme", "note"); !domain.IsNotFound(err) {
		t.Fatalf("expected note rolled back, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	raw, key, err := env.Engine.CreateAPIKey(env.Ctx, "acme", "rep", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || key.KeyHash == raw {
		t.Fatalf("expected hashed key storage")
	}
	p, err := env.Engine.Auth.Authenticate(env.Ctx, raw)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.TenantID != "acme" || p.ActorID != "rep" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if err := p.Authorize("globex"); err == nil {
		t.Fatalf("expected cross-tenant access to be denied")
	}
	if err := env.Engine.Auth.RevokeAPIKey(env.Ctx, "acme", key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Auth.Authenticate(env.Ctx, raw); err == nil {
		t.Fatalf("expected revoked key to fail")
	}
}
