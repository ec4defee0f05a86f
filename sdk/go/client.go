package metaflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Metaflow HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  30 * time.Second,
	}
}

// ActionType is the API action type model (partial).
type ActionType struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	DisplayName   string          `json:"displayName"`
	ObjectTypeID  string          `json:"objectTypeId,omitempty"`
	DisplayOrder  int             `json:"displayOrder"`
	ExecutionType string          `json:"executionType"`
	Handler       string          `json:"handler,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Rules         json.RawMessage `json:"rules,omitempty"`
	Criteria      json.RawMessage `json:"criteria,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// Availability classifies one action against one object.
type Availability struct {
	ActionTypeID   string `json:"actionTypeId"`
	DisplayName    string `json:"displayName"`
	Classification string `json:"classification"`
	CriteriaPassed bool   `json:"criteriaPassed"`
	FailureReason  string `json:"failureReason,omitempty"`
}

type RuleFailure struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ActionResult is returned by ExecuteAction. Rule and handler failures come back
// here with Success false rather than as an error.
type ActionResult struct {
	Success bool          `json:"success"`
	Result  any           `json:"result,omitempty"`
	Errors  []RuleFailure `json:"errors,omitempty"`
}

// ExecuteRequest names the action and its parameters. The target object goes in
// Parameters["objectId"].
type ExecuteRequest struct {
	ActionTypeID string         `json:"actionTypeId"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ActingUser   string         `json:"actingUser,omitempty"`
	Atomic       bool           `json:"atomic,omitempty"`
}

type Object struct {
	ID           string         `json:"id,omitempty"`
	TenantID     string         `json:"tenantId,omitempty"`
	ObjectTypeID string         `json:"objectTypeId"`
	Fields       map[string]any `json:"fields"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	UpdatedAt    string         `json:"updatedAt,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenantId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Issues returns the per-parameter messages of an invalid_parameters error,
// formatted as "name: reason".
func (e *APIError) Issues() []string {
	raw, ok := e.Details["issues"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch issue := v.(type) {
		case string:
			out = append(out, issue)
		case map[string]any:
			name, _ := issue["name"].(string)
			reason, _ := issue["reason"].(string)
			out = append(out, name+": "+reason)
		}
	}
	return out
}

// ListActions returns every action type of the tenant.
func (c *Client) ListActions(ctx context.Context) ([]ActionType, error) {
	var resp []ActionType
	err := c.do(ctx, http.MethodPost, c.tenantPath("rpc/list_actions"), struct{}{}, &resp)
	return resp, err
}

// ExecuteAction runs an action.
func (c *Client) ExecuteAction(ctx context.Context, req ExecuteRequest) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.tenantPath("rpc/execute_action"), req, &resp)
	return resp, err
}

// GetAvailableActionsForObject classifies every action attached to the object's type.
func (c *Client) GetAvailableActionsForObject(ctx context.Context, objectID string) ([]Availability, error) {
	var resp []Availability
	body := map[string]string{"objectId": objectID}
	err := c.do(ctx, http.MethodPost, c.tenantPath("rpc/get_available_actions_for_object"), body, &resp)
	return resp, err
}

func (c *Client) CreateObject(ctx context.Context, obj Object) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodPost, c.tenantPath("objects"), obj, &resp)
	return resp, err
}

func (c *Client) GetObject(ctx context.Context, id string) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodGet, c.tenantPath("objects/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListObjects lists instances, optionally restricted to one object type.
func (c *Client) ListObjects(ctx context.Context, objectTypeID string, limit int) ([]Object, error) {
	q := url.Values{}
	if objectTypeID != "" {
		q.Set("objectTypeId", objectTypeID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.tenantPath("objects")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Object
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PatchObject merges changes into the object's fields. A nil value clears a field.
func (c *Client) PatchObject(ctx context.Context, id string, changes map[string]any) (Object, error) {
	var resp Object
	body := map[string]any{"fields": changes}
	err := c.do(ctx, http.MethodPatch, c.tenantPath("objects/"+url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) DeleteObject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.tenantPath("objects/"+url.PathEscape(id)), nil, nil)
}

// Related returns the objects reached from id through one relationship.
func (c *Client) Related(ctx context.Context, id, relationshipID string) ([]Object, error) {
	return c.RelatedInDirection(ctx, id, relationshipID, "")
}

// RelatedInDirection is Related with an explicit side, "forward" or "reverse". Self
// relationships need "reverse" to reach the source side.
func (c *Client) RelatedInDirection(ctx context.Context, id, relationshipID, direction string) ([]Object, error) {
	var resp []Object
	endpoint := c.tenantPath(fmt.Sprintf("objects/%s/related/%s", url.PathEscape(id), url.PathEscape(relationshipID)))
	if direction != "" {
		endpoint += "?direction=" + url.QueryEscape(direction)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ImportSchema posts a bundle document (object types, relationships, action types).
func (c *Client) ImportSchema(ctx context.Context, bundle json.RawMessage) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodPost, c.tenantPath("schema/import"), bundle, &resp)
	return resp, err
}

// Events returns events after the given id, oldest first.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.tenantPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
