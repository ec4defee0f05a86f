package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"metaflow/internal/config"
	"metaflow/internal/db"
	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, engine.Options{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e}
}

func bearer(t *testing.T, tenant, actor string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, tenant, actor, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

const dealBundle = `{
  "objectTypes": [
    {"id": "deal", "displayName": "Deal", "titleKey": "name", "properties": {
      "name": {"type": "string", "required": true},
      "stage": {"type": "string", "picklistConfig": ["Open", "Won", "Lost"]}
    }}
  ],
  "actionTypes": [
    {"id": "win", "displayName": "Win", "objectTypeId": "deal", "executionType": "declarative",
     "rules": [{"kind": "set_field", "field": "stage", "value": "Won"}],
     "criteria": {"clauses": [{"field": "stage", "op": "eq", "value": "Open"}]}}
  ]
}`

// seed imports the deal bundle for acme and creates deal d1 in stage Open.
func seed(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	auth := bearer(t, "acme", "admin")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/schema/import", dealBundle, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/objects", map[string]any{
		"id":           "d1",
		"objectTypeId": "deal",
		"fields":       map[string]any{"name": "Big deal", "stage": "Open"},
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create object status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	const callers = 8
	bodies := make([]string, callers)
	statuses := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			statuses[i] = res.StatusCode
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if statuses[i] != http.StatusOK {
			t.Fatalf("caller %d: status %d", i, statuses[i])
		}
		if bodies[i] != bodies[0] {
			t.Fatalf("caller %d saw a different document", i)
		}
	}
	if !strings.Contains(bodies[0], "apiKeyAuth") || !strings.Contains(bodies[0], "/tenants/{tenant_id}/objects") {
		t.Fatalf("document misses security schemes or paths: %.200s", bodies[0])
	}
}

func TestDefineObjectTypeKeepsPropertyOrder(t *testing.T) {
	srv := newTestServer(t)
	auth := bearer(t, "acme", "admin")
	doc := `{"id":"ticket","displayName":"Ticket","properties":{"title":{"type":"string","required":true},"priority":{"type":"number"}}}`
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/acme/object-types", doc, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("define status %d: %s", res.StatusCode, string(data))
	}
	if strings.Index(string(data), `"title"`) > strings.Index(string(data), `"priority"`) {
		t.Fatalf("property order not preserved: %s", string(data))
	}

	bad := `{"id":"broken","displayName":"Broken","properties":{"owner":{"type":"reference"}}}`
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/acme/object-types", bad, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "validation_failed" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestProceduresOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)
	client := srv.Client()
	auth := bearer(t, "acme", "rep")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/list_actions", map[string]any{}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list_actions status %d: %s", res.StatusCode, string(data))
	}
	var actions []domain.ActionType
	if err := json.Unmarshal(data, &actions); err != nil {
		t.Fatalf("unmarshal actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != "win" {
		t.Fatalf("unexpected actions %+v", actions)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/get_available_actions_for_object", map[string]any{"objectId": "d1"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("available status %d: %s", res.StatusCode, string(data))
	}
	var avail []domain.Availability
	if err := json.Unmarshal(data, &avail); err != nil {
		t.Fatalf("unmarshal availability: %v", err)
	}
	if len(avail) != 1 || avail[0].Classification != domain.Eligible || !avail[0].CriteriaPassed {
		t.Fatalf("expected win eligible, got %+v", avail)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/execute_action", map[string]any{
		"actionTypeId": "win",
		"parameters":   map[string]any{"objectId": "d1"},
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var result domain.ActionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/get_available_actions_for_object", map[string]any{"objectId": "d1"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("available status %d: %s", res.StatusCode, string(data))
	}
	avail = nil
	_ = json.Unmarshal(data, &avail)
	if len(avail) != 1 || avail[0].Classification != domain.Blocked || avail[0].FailureReason != "stage != Open" {
		t.Fatalf("expected win blocked by stage, got %+v", avail)
	}
}

func TestExecuteActionInvalidParameters(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/execute_action", map[string]any{
		"actionTypeId": "win",
		"parameters":   map[string]any{},
	}, bearer(t, "acme", "rep"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_parameters" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	issues, ok := env.Error.Details["issues"].([]any)
	if !ok || len(issues) == 0 {
		t.Fatalf("expected issues in details, got %v", env.Error.Details)
	}
	first, _ := issues[0].(map[string]any)
	if first["name"] != "objectId" {
		t.Fatalf("expected objectId issue, got %v", issues)
	}
}

func TestMissingObjectIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)
	auth := bearer(t, "acme", "rep")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/acme/objects/nope", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "not_found" || env.Error.Details["id"] != "nope" {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/get_available_actions_for_object", map[string]any{"objectId": "nope"}, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthBoundaries(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)
	client := srv.Client()
	url := srv.URL + "/v0/tenants/acme/objects/d1"

	res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, url, nil, bearer(t, "globex", "spy"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 across tenants, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/acme/api-keys", map[string]any{"name": "ci"}, bearer(t, "acme", "rep"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected raw key in create response")
	}

	headers := map[string]string{"X-Api-Key": key.Key}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/objects/d1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get with api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/api-keys", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), key.Key) {
		t.Fatalf("raw key leaked in listing: %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/tenants/acme/api-keys/"+key.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/objects/d1", nil, headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key rejected, got %d", res.StatusCode)
	}
}

func TestWebhookDeliversActionEvents(t *testing.T) {
	srv := newTestServer(t)
	seed(t, srv)

	var (
		mu       sync.Mutex
		received []webhookEvent
		types    []string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		types = append(types, r.Header.Get("X-Metaflow-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	d := &WebhookDispatcher{
		Repo: srv.Engine.Repo,
		Webhooks: []config.WebhookConfig{{
			Name:     "crm",
			TenantID: "acme",
			URL:      receiver.URL,
			Events:   []string{"action.executed"},
		}},
	}
	ctx := context.Background()
	// the first pass only positions the cursor at the end of the log
	d.DispatchAll(ctx)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/acme/rpc/execute_action", map[string]any{
		"actionTypeId": "win",
		"parameters":   map[string]any{"objectId": "d1"},
	}, bearer(t, "acme", "rep"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if types[0] != "action.executed" || received[0].TenantID != "acme" || received[0].ActorID != "rep" {
		t.Fatalf("unexpected delivery %+v (header %q)", received[0], types[0])
	}
}
