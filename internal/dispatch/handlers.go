package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"metaflow/internal/domain"
)

// Invocation is the input of a function-backed handler.
type Invocation struct {
	TenantID     string         `json:"tenantId"`
	ActionTypeID string         `json:"actionTypeId"`
	ActorID      string         `json:"actorId,omitempty"`
	Parameters   map[string]any `json:"parameters"`
	Target       *domain.Object `json:"target,omitempty"`
}

type Handler interface {
	Invoke(ctx context.Context, inv Invocation) (any, error)
}

// HealthChecker is implemented by handlers that can report they are unable to serve.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv)
}

// Handlers is the registry of function-backed handlers by name.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{handlers: map[string]Handler{}}
}

func (h *Handlers) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler %s is nil", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[name]; exists {
		return fmt.Errorf("handler %s already registered", name)
	}
	h.handlers[name] = handler
	return nil
}

func (h *Handlers) Lookup(name string) (Handler, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[name]
	return handler, ok
}

// Available reports whether name is registered and, when it checks its own health,
// healthy.
func (h *Handlers) Available(ctx context.Context, name string) bool {
	handler, ok := h.Lookup(name)
	if !ok {
		return false
	}
	if hc, ok := handler.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return true
}

func (h *Handlers) Names() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HTTPHandler delegates an action to an external service with a JSON POST of the
// Invocation. A 2xx JSON response body becomes the action result.
type HTTPHandler struct {
	URL       string
	HealthURL string
	Timeout   time.Duration
	Client    *http.Client
}

func (h HTTPHandler) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h HTTPHandler) Invoke(ctx context.Context, inv Invocation) (any, error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("handler returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode handler response: %w", err)
	}
	return out, nil
}

// Healthy probes HealthURL when set.
func (h HTTPHandler) Healthy(ctx context.Context) bool {
	if h.HealthURL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
