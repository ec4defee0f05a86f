// Package schema is the tenant-scoped registry of Object Types and Action Types.
// Every write is validated as a whole document before anything is persisted.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metaflow/internal/domain"
	"metaflow/internal/events"
	"metaflow/internal/metrics"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
)

// RuleChecker validates the arguments of one declarative rule at definition time.
// target is the Object Type the action is attached to, nil for tenant-global actions.
// defs resolves the other definitions a rule names.
type RuleChecker interface {
	CheckRule(rule domain.Rule, at domain.ActionType, target *domain.ObjectType, defs Definitions) error
}

// Definitions looks up stored Object Types and Relationships of the tenant whose
// Action Type is being checked. ok is false for unknown ids.
type Definitions interface {
	ObjectType(id string) (t domain.ObjectType, ok bool, err error)
	Relationship(id string) (rel domain.Relationship, ok bool, err error)
}

type txDefinitions struct {
	ctx      context.Context
	tx       *sql.Tx
	repo     repo.Repo
	tenantID string
}

func (d txDefinitions) ObjectType(id string) (domain.ObjectType, bool, error) {
	t, err := d.repo.GetObjectTypeTx(d.ctx, d.tx, d.tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, false, nil
	}
	return t, err == nil, err
}

func (d txDefinitions) Relationship(id string) (domain.Relationship, bool, error) {
	rel, err := d.repo.GetRelationshipTx(d.ctx, d.tx, d.tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rel, false, nil
	}
	return rel, err == nil, err
}

type Registry struct {
	Repo   repo.Repo
	Events events.Writer
	Rules  RuleChecker
	Log    *zap.Logger
	Now    func() time.Time
}

func (r Registry) now() string {
	if r.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(r.Now())
}

func (r Registry) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r Registry) GetObjectType(ctx context.Context, tenantID, id string) (domain.ObjectType, error) {
	t, err := r.Repo.GetObjectType(ctx, tenantID, id)
	return t, repo.AsNotFound(err, "object type", id)
}

func (r Registry) ListObjectTypes(ctx context.Context, tenantID string) ([]domain.ObjectType, error) {
	return r.Repo.ListObjectTypes(ctx, tenantID)
}

// DefineObjectType creates a new Object Type. The id is generated when empty.
func (r Registry) DefineObjectType(ctx context.Context, tenantID, actorID string, t domain.ObjectType) (domain.ObjectType, error) {
	var out domain.ObjectType
	err := r.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		out, err = r.DefineObjectTypeTx(ctx, tx, tenantID, actorID, t)
		return err
	})
	if err != nil {
		return domain.ObjectType{}, err
	}
	return out, nil
}

// DefineObjectTypeTx is DefineObjectType inside the caller's transaction.
func (r Registry) DefineObjectTypeTx(ctx context.Context, tx *sql.Tx, tenantID, actorID string, t domain.ObjectType) (domain.ObjectType, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, err := r.Repo.GetObjectTypeTx(ctx, tx, tenantID, t.ID); err == nil {
		return domain.ObjectType{}, domain.Invalid("id", "object type %s already exists", t.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ObjectType{}, err
	}
	now := r.now()
	t.TenantID = tenantID
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := r.validateObjectType(ctx, tx, t); err != nil {
		return domain.ObjectType{}, err
	}
	if err := r.Repo.UpsertObjectType(ctx, tx, t); err != nil {
		return domain.ObjectType{}, err
	}
	if err := r.Events.Append(ctx, tx, "object_type.defined", tenantID, "object_type", t.ID, actorID, events.EventPayload{
		"displayName": t.DisplayName,
		"properties":  t.Properties.Keys(),
	}); err != nil {
		return domain.ObjectType{}, err
	}
	metrics.SchemaWrites.WithLabelValues("object_type", "define").Inc()
	r.log().Info("object type defined", zap.String("tenant_id", tenantID), zap.String("object_type_id", t.ID))
	return t, nil
}

// UpdateObjectType overwrites an existing Object Type. Concurrent updates resolve
// last-write-wins.
func (r Registry) UpdateObjectType(ctx context.Context, tenantID, actorID string, t domain.ObjectType) (domain.ObjectType, error) {
	var out domain.ObjectType
	err := r.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		out, err = r.UpdateObjectTypeTx(ctx, tx, tenantID, actorID, t)
		return err
	})
	if err != nil {
		return domain.ObjectType{}, err
	}
	return out, nil
}

func (r Registry) UpdateObjectTypeTx(ctx context.Context, tx *sql.Tx, tenantID, actorID string, t domain.ObjectType) (domain.ObjectType, error) {
	prev, err := r.Repo.GetObjectTypeTx(ctx, tx, tenantID, t.ID)
	if err != nil {
		return domain.ObjectType{}, repo.AsNotFound(err, "object type", t.ID)
	}
	t.TenantID = tenantID
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = r.now()
	if err := r.validateObjectType(ctx, tx, t); err != nil {
		return domain.ObjectType{}, err
	}
	if err := r.checkTypeStillServes(ctx, tx, t); err != nil {
		return domain.ObjectType{}, err
	}
	if err := r.Repo.UpsertObjectType(ctx, tx, t); err != nil {
		return domain.ObjectType{}, err
	}
	if err := r.Events.Append(ctx, tx, "object_type.updated", tenantID, "object_type", t.ID, actorID, events.EventPayload{
		"displayName": t.DisplayName,
		"properties":  t.Properties.Keys(),
	}); err != nil {
		return domain.ObjectType{}, err
	}
	metrics.SchemaWrites.WithLabelValues("object_type", "update").Inc()
	return t, nil
}

// DeleteObjectType removes an Object Type. A type in use by relationships, instances
// or attached Action Types is only removed with cascade, which deletes those too.
// References from other definitions always block: reference properties of other types,
// and Action Types attached elsewhere that name the type or one of its relationships.
func (r Registry) DeleteObjectType(ctx context.Context, tenantID, actorID, id string, cascade bool) error {
	err := r.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := r.Repo.GetObjectTypeTx(ctx, tx, tenantID, id); err != nil {
			return repo.AsNotFound(err, "object type", id)
		}
		types, err := r.Repo.ListObjectTypesTx(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		for _, other := range types {
			if other.ID == id {
				continue
			}
			for _, p := range other.Properties {
				if p.Spec.Type == proptype.Reference && p.Spec.TargetTypeID == id {
					return domain.Invalid("id", "object type %s is referenced by property %s.%s", id, other.ID, p.Key)
				}
			}
		}
		if err := r.checkActionReferences(ctx, tx, tenantID, id); err != nil {
			return err
		}
		usage, err := r.Repo.ObjectTypeUsage(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if usage.InUse() && !cascade {
			return domain.Invalid("id", "object type %s is in use (relationships=%d objects=%d actionTypes=%d); delete with cascade",
				id, usage.Relationships, usage.Objects, usage.ActionTypes)
		}
		if usage.InUse() {
			if _, err := r.Repo.DeleteRelationshipsForType(ctx, tx, tenantID, id); err != nil {
				return err
			}
			if _, err := r.Repo.DeleteObjectsOfType(ctx, tx, tenantID, id); err != nil {
				return err
			}
			if _, err := r.Repo.DeleteActionTypesForObjectType(ctx, tx, tenantID, id); err != nil {
				return err
			}
		}
		if err := r.Repo.DeleteObjectType(ctx, tx, tenantID, id); err != nil {
			return repo.AsNotFound(err, "object type", id)
		}
		return r.Events.Append(ctx, tx, "object_type.deleted", tenantID, "object_type", id, actorID, events.EventPayload{
			"cascade":       cascade,
			"relationships": usage.Relationships,
			"objects":       usage.Objects,
			"actionTypes":   usage.ActionTypes,
		})
	})
	if err != nil {
		return err
	}
	metrics.SchemaWrites.WithLabelValues("object_type", "delete").Inc()
	r.log().Info("object type deleted", zap.String("tenant_id", tenantID), zap.String("object_type_id", id), zap.Bool("cascade", cascade))
	return nil
}

func (r Registry) checkActionReferences(ctx context.Context, tx *sql.Tx, tenantID, typeID string) error {
	rels, err := r.Repo.ListRelationshipsTx(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	var touching []string
	for _, rel := range rels {
		if rel.SourceTypeID == typeID || rel.TargetTypeID == typeID || rel.JunctionTypeID == typeID {
			touching = append(touching, rel.ID)
		}
	}
	actions, err := r.Repo.ListActionTypesTx(ctx, tx, tenantID, "")
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.ObjectTypeID == typeID {
			continue
		}
		if path := a.TypeReference(typeID); path != "" {
			return domain.Invalid("id", "object type %s is referenced by action type %s at %s", typeID, a.ID, path)
		}
		for _, relID := range touching {
			if path := a.RelationshipReference(relID); path != "" {
				return domain.Invalid("id", "object type %s is linked by relationship %s, which action type %s uses at %s", typeID, relID, a.ID, path)
			}
		}
	}
	return nil
}

func (r Registry) GetActionType(ctx context.Context, tenantID, id string) (domain.ActionType, error) {
	a, err := r.Repo.GetActionType(ctx, tenantID, id)
	return a, repo.AsNotFound(err, "action type", id)
}

// ListActionTypes lists every Action Type of the tenant, or only those attached to
// objectTypeID when it is set.
func (r Registry) ListActionTypes(ctx context.Context, tenantID, objectTypeID string) ([]domain.ActionType, error) {
	return r.Repo.ListActionTypes(ctx, tenantID, objectTypeID)
}

func (r Registry) DefineActionType(ctx context.Context, tenantID, actorID string, a domain.ActionType) (domain.ActionType, error) {
	var out domain.ActionType
	err := r.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		out, err = r.DefineActionTypeTx(ctx, tx, tenantID, actorID, a)
		return err
	})
	if err != nil {
		return domain.ActionType{}, err
	}
	return out, nil
}

func (r Registry) DefineActionTypeTx(ctx context.Context, tx *sql.Tx, tenantID, actorID string, a domain.ActionType) (domain.ActionType, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, err := r.Repo.GetActionTypeTx(ctx, tx, tenantID, a.ID); err == nil {
		return domain.ActionType{}, domain.Invalid("id", "action type %s already exists", a.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ActionType{}, err
	}
	now := r.now()
	a.TenantID = tenantID
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := r.validateActionType(ctx, tx, a); err != nil {
		return domain.ActionType{}, err
	}
	if err := r.Repo.UpsertActionType(ctx, tx, a); err != nil {
		return domain.ActionType{}, err
	}
	if err := r.Events.Append(ctx, tx, "action_type.defined", tenantID, "action_type", a.ID, actorID, events.EventPayload{
		"displayName":   a.DisplayName,
		"executionType": a.ExecutionType,
		"objectTypeId":  a.ObjectTypeID,
	}); err != nil {
		return domain.ActionType{}, err
	}
	metrics.SchemaWrites.WithLabelValues("action_type", "define").Inc()
	r.log().Info("action type defined", zap.String("tenant_id", tenantID), zap.String("action_type_id", a.ID))
	return a, nil
}

func (r Registry) UpdateActionType(ctx context.Context, tenantID, actorID string, a domain.ActionType) (domain.ActionType, error) {
	var out domain.ActionType
	err := r.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		out, err = r.UpdateActionTypeTx(ctx, tx, tenantID, actorID, a)
		return err
	})
	if err != nil {
		return domain.ActionType{}, err
	}
	return out, nil
}

func (r Registry) UpdateActionTypeTx(ctx context.Context, tx *sql.Tx, tenantID, actorID string, a domain.ActionType) (domain.ActionType, error) {
	prev, err := r.Repo.GetActionTypeTx(ctx, tx, tenantID, a.ID)
	if err != nil {
		return domain.ActionType{}, repo.AsNotFound(err, "action type", a.ID)
	}
	a.TenantID = tenantID
	a.CreatedAt = prev.CreatedAt
	a.UpdatedAt = r.now()
	if err := r.validateActionType(ctx, tx, a); err != nil {
		return domain.ActionType{}, err
	}
	if err := r.Repo.UpsertActionType(ctx, tx, a); err != nil {
		return domain.ActionType{}, err
	}
	if err := r.Events.Append(ctx, tx, "action_type.updated", tenantID, "action_type", a.ID, actorID, events.EventPayload{
		"displayName":   a.DisplayName,
		"executionType": a.ExecutionType,
		"objectTypeId":  a.ObjectTypeID,
	}); err != nil {
		return domain.ActionType{}, err
	}
	metrics.SchemaWrites.WithLabelValues("action_type", "update").Inc()
	return a, nil
}

func (r Registry) DeleteActionType(ctx context.Context, tenantID, actorID, id string) error {
	err := r.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if err := r.Repo.DeleteActionType(ctx, tx, tenantID, id); err != nil {
			return repo.AsNotFound(err, "action type", id)
		}
		return r.Events.Append(ctx, tx, "action_type.deleted", tenantID, "action_type", id, actorID, nil)
	})
	if err != nil {
		return err
	}
	metrics.SchemaWrites.WithLabelValues("action_type", "delete").Inc()
	return nil
}
