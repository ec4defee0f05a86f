// Package engine wires the registry, graph, evaluator and dispatcher behind the
// tenant-scoped operations callers use.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"metaflow/internal/criteria"
	"metaflow/internal/db"
	"metaflow/internal/dispatch"
	"metaflow/internal/domain"
	"metaflow/internal/engine/auth"
	"metaflow/internal/events"
	"metaflow/internal/graph"
	"metaflow/internal/objects"
	"metaflow/internal/repo"
	"metaflow/internal/schema"
	"metaflow/internal/tracing"
)

const defaultStoreTimeout = 10 * time.Second

type Options struct {
	Dialect  db.Dialect
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Handlers *dispatch.Handlers
	Rules    *dispatch.Rules
	Now      func() time.Time
	// StoreTimeout bounds calls whose context carries no deadline.
	StoreTimeout   time.Duration
	HandlerTimeout time.Duration
	Parallelism    int
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Schema     schema.Registry
	Graph      graph.Graph
	Objects    objects.Store
	Evaluator  criteria.Evaluator
	Dispatcher dispatch.Dispatcher
	Rules      *dispatch.Rules
	Handlers   *dispatch.Handlers
	Auth       auth.Service
	Log        *zap.Logger
	Tracer     trace.Tracer

	StoreTimeout time.Duration
}

func New(conn *sql.DB, opts Options) Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.Handlers == nil {
		opts.Handlers = dispatch.NewHandlers()
	}
	if opts.Rules == nil {
		opts.Rules = dispatch.NewRules()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	r := repo.Repo{DB: conn, Dialect: opts.Dialect}
	w := events.Writer{DB: conn, Dialect: opts.Dialect, Now: opts.Now}
	reg := schema.Registry{Repo: r, Events: w, Rules: opts.Rules, Log: opts.Logger.Named("schema"), Now: opts.Now}
	g := graph.Graph{Repo: r, Schema: reg, Events: w, Log: opts.Logger.Named("graph"), Now: opts.Now}
	store := objects.Store{Repo: r, Events: w, Log: opts.Logger.Named("objects"), Now: opts.Now}
	ev := criteria.Evaluator{
		Repo:        r,
		Graph:       g,
		Handlers:    opts.Handlers,
		Log:         opts.Logger.Named("criteria"),
		Tracer:      opts.Tracer,
		Parallelism: opts.Parallelism,
	}
	return Engine{
		DB:        conn,
		Repo:      r,
		Events:    w,
		Schema:    reg,
		Graph:     g,
		Objects:   store,
		Evaluator: ev,
		Dispatcher: dispatch.Dispatcher{
			Repo:           r,
			Objects:        store,
			Evaluator:      ev,
			Rules:          opts.Rules,
			Handlers:       opts.Handlers,
			Events:         w,
			Log:            opts.Logger.Named("dispatch"),
			Tracer:         opts.Tracer,
			HandlerTimeout: opts.HandlerTimeout,
		},
		Rules:        opts.Rules,
		Handlers:     opts.Handlers,
		Auth:         auth.Service{Repo: r, Now: opts.Now},
		Log:          opts.Logger,
		Tracer:       opts.Tracer,
		StoreTimeout: opts.StoreTimeout,
	}
}

// call runs fn under the store deadline and maps deadline and busy failures to
// *domain.DependencyTimeoutError.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx)
	return out, classify(op, err)
}

func run(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var timeout *domain.DependencyTimeoutError
	if errors.As(err, &timeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isBusy(err) {
		return &domain.DependencyTimeoutError{Op: op, Err: err}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// ListActions returns every Action Type of the tenant in display order.
func (e Engine) ListActions(ctx context.Context, tenantID string) ([]domain.ActionType, error) {
	return call(ctx, e.StoreTimeout, "list_actions", func(ctx context.Context) ([]domain.ActionType, error) {
		return e.Schema.ListActionTypes(ctx, tenantID, "")
	})
}

// ExecuteAction runs one action. The deadline covers the handler call as well as the
// store.
func (e Engine) ExecuteAction(ctx context.Context, req dispatch.Request) (domain.ActionResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return domain.ActionResult{}, domain.Invalid("tenantId", "required")
	}
	timeout := e.StoreTimeout + e.Dispatcher.HandlerTimeout
	return call(ctx, timeout, "execute_action", func(ctx context.Context) (domain.ActionResult, error) {
		return e.Dispatcher.Execute(ctx, req)
	})
}

// GetAvailableActionsForObject classifies every Action Type attached to the
// instance's type. Nothing is filtered out.
func (e Engine) GetAvailableActionsForObject(ctx context.Context, tenantID, objectID string) ([]domain.Availability, error) {
	return call(ctx, e.StoreTimeout, "get_available_actions_for_object", func(ctx context.Context) ([]domain.Availability, error) {
		obj, err := e.Objects.Get(ctx, tenantID, objectID)
		if err != nil {
			return nil, err
		}
		candidates, err := e.Repo.ListActionTypes(ctx, tenantID, obj.ObjectTypeID)
		if err != nil {
			return nil, err
		}
		return e.Evaluator.EvaluateAll(ctx, tenantID, obj, candidates)
	})
}

func (e Engine) DefineObjectType(ctx context.Context, tenantID, actorID string, t domain.ObjectType) (domain.ObjectType, error) {
	return call(ctx, e.StoreTimeout, "define_object_type", func(ctx context.Context) (domain.ObjectType, error) {
		return e.Schema.DefineObjectType(ctx, tenantID, actorID, t)
	})
}

func (e Engine) UpdateObjectType(ctx context.Context, tenantID, actorID string, t domain.ObjectType) (domain.ObjectType, error) {
	return call(ctx, e.StoreTimeout, "update_object_type", func(ctx context.Context) (domain.ObjectType, error) {
		return e.Schema.UpdateObjectType(ctx, tenantID, actorID, t)
	})
}

func (e Engine) DeleteObjectType(ctx context.Context, tenantID, actorID, id string, cascade bool) error {
	return run(ctx, e.StoreTimeout, "delete_object_type", func(ctx context.Context) error {
		return e.Schema.DeleteObjectType(ctx, tenantID, actorID, id, cascade)
	})
}

func (e Engine) GetObjectType(ctx context.Context, tenantID, id string) (domain.ObjectType, error) {
	return call(ctx, e.StoreTimeout, "get_object_type", func(ctx context.Context) (domain.ObjectType, error) {
		return e.Schema.GetObjectType(ctx, tenantID, id)
	})
}

func (e Engine) ListObjectTypes(ctx context.Context, tenantID string) ([]domain.ObjectType, error) {
	return call(ctx, e.StoreTimeout, "list_object_types", func(ctx context.Context) ([]domain.ObjectType, error) {
		return e.Schema.ListObjectTypes(ctx, tenantID)
	})
}

func (e Engine) DefineActionType(ctx context.Context, tenantID, actorID string, a domain.ActionType) (domain.ActionType, error) {
	return call(ctx, e.StoreTimeout, "define_action_type", func(ctx context.Context) (domain.ActionType, error) {
		return e.Schema.DefineActionType(ctx, tenantID, actorID, a)
	})
}

func (e Engine) UpdateActionType(ctx context.Context, tenantID, actorID string, a domain.ActionType) (domain.ActionType, error) {
	return call(ctx, e.StoreTimeout, "update_action_type", func(ctx context.Context) (domain.ActionType, error) {
		return e.Schema.UpdateActionType(ctx, tenantID, actorID, a)
	})
}

func (e Engine) DeleteActionType(ctx context.Context, tenantID, actorID, id string) error {
	return run(ctx, e.StoreTimeout, "delete_action_type", func(ctx context.Context) error {
		return e.Schema.DeleteActionType(ctx, tenantID, actorID, id)
	})
}

func (e Engine) GetActionType(ctx context.Context, tenantID, id string) (domain.ActionType, error) {
	return call(ctx, e.StoreTimeout, "get_action_type", func(ctx context.Context) (domain.ActionType, error) {
		return e.Schema.GetActionType(ctx, tenantID, id)
	})
}

func (e Engine) ListActionTypes(ctx context.Context, tenantID, objectTypeID string) ([]domain.ActionType, error) {
	return call(ctx, e.StoreTimeout, "list_action_types", func(ctx context.Context) ([]domain.ActionType, error) {
		return e.Schema.ListActionTypes(ctx, tenantID, objectTypeID)
	})
}

func (e Engine) DefineRelationship(ctx context.Context, tenantID, actorID string, rel domain.Relationship) (domain.Relationship, error) {
	return call(ctx, e.StoreTimeout, "define_relationship", func(ctx context.Context) (domain.Relationship, error) {
		return e.Graph.DefineRelationship(ctx, tenantID, actorID, rel)
	})
}

func (e Engine) GetRelationship(ctx context.Context, tenantID, id string) (domain.Relationship, error) {
	return call(ctx, e.StoreTimeout, "get_relationship", func(ctx context.Context) (domain.Relationship, error) {
		return e.Graph.GetRelationship(ctx, tenantID, id)
	})
}

func (e Engine) ListRelationships(ctx context.Context, tenantID string) ([]domain.Relationship, error) {
	return call(ctx, e.StoreTimeout, "list_relationships", func(ctx context.Context) ([]domain.Relationship, error) {
		return e.Graph.ListRelationships(ctx, tenantID)
	})
}

func (e Engine) DeleteRelationship(ctx context.Context, tenantID, actorID, id string) error {
	return run(ctx, e.StoreTimeout, "delete_relationship", func(ctx context.Context) error {
		return e.Graph.DeleteRelationship(ctx, tenantID, actorID, id)
	})
}

func (e Engine) ResolveRelated(ctx context.Context, tenantID, objectID, relationshipID string, dir graph.Direction) ([]domain.Object, error) {
	return call(ctx, e.StoreTimeout, "resolve_related", func(ctx context.Context) ([]domain.Object, error) {
		return e.Graph.ResolveRelated(ctx, tenantID, objectID, relationshipID, dir)
	})
}

func (e Engine) FindPath(ctx context.Context, tenantID, fromTypeID, toTypeID string) ([]graph.Hop, error) {
	return call(ctx, e.StoreTimeout, "find_path", func(ctx context.Context) ([]graph.Hop, error) {
		return e.Graph.FindPath(ctx, tenantID, fromTypeID, toTypeID)
	})
}

func (e Engine) CreateObject(ctx context.Context, tenantID, actorID string, o domain.Object) (domain.Object, error) {
	return call(ctx, e.StoreTimeout, "create_object", func(ctx context.Context) (domain.Object, error) {
		return e.Objects.Create(ctx, nil, tenantID, actorID, o)
	})
}

func (e Engine) UpdateObject(ctx context.Context, tenantID, actorID, id string, fields map[string]any) (domain.Object, error) {
	return call(ctx, e.StoreTimeout, "update_object", func(ctx context.Context) (domain.Object, error) {
		return e.Objects.Update(ctx, nil, tenantID, actorID, id, fields)
	})
}

func (e Engine) PatchObject(ctx context.Context, tenantID, actorID, id string, changes map[string]any) (domain.Object, error) {
	return call(ctx, e.StoreTimeout, "patch_object", func(ctx context.Context) (domain.Object, error) {
		return e.Objects.Patch(ctx, nil, tenantID, actorID, id, changes)
	})
}

func (e Engine) DeleteObject(ctx context.Context, tenantID, actorID, id string) error {
	return run(ctx, e.StoreTimeout, "delete_object", func(ctx context.Context) error {
		return e.Objects.Delete(ctx, nil, tenantID, actorID, id)
	})
}

func (e Engine) GetObject(ctx context.Context, tenantID, id string) (domain.Object, error) {
	return call(ctx, e.StoreTimeout, "get_object", func(ctx context.Context) (domain.Object, error) {
		return e.Objects.Get(ctx, tenantID, id)
	})
}

func (e Engine) ListObjects(ctx context.Context, tenantID string, f repo.ObjectFilters) ([]domain.Object, error) {
	return call(ctx, e.StoreTimeout, "list_objects", func(ctx context.Context) ([]domain.Object, error) {
		return e.Objects.List(ctx, tenantID, f)
	})
}

func (e Engine) ListEvents(ctx context.Context, tenantID string, f repo.EventFilters) ([]domain.Event, error) {
	return call(ctx, e.StoreTimeout, "list_events", func(ctx context.Context) ([]domain.Event, error) {
		return e.Repo.ListEvents(ctx, tenantID, f)
	})
}

func (e Engine) CreateAPIKey(ctx context.Context, tenantID, actorID, name string) (string, domain.APIKey, error) {
	var raw string
	key, err := call(ctx, e.StoreTimeout, "create_api_key", func(ctx context.Context) (domain.APIKey, error) {
		var key domain.APIKey
		var err error
		raw, key, err = e.Auth.CreateAPIKey(ctx, tenantID, actorID, name)
		return key, err
	})
	return raw, key, err
}
