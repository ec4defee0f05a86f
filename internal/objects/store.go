// Package objects writes Object Instances, enforcing the schema of their type on every
// write.
package objects

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metaflow/internal/domain"
	"metaflow/internal/events"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
)

type Store struct {
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	Now    func() time.Time
}

func (s Store) now() string {
	if s.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(s.Now())
}

func (s Store) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s Store) Get(ctx context.Context, tenantID, id string) (domain.Object, error) {
	o, err := s.Repo.GetObject(ctx, tenantID, id)
	return o, repo.AsNotFound(err, "object", id)
}

func (s Store) List(ctx context.Context, tenantID string, f repo.ObjectFilters) ([]domain.Object, error) {
	return s.Repo.ListObjects(ctx, tenantID, f)
}

// Create stores a new instance. A nil tx runs the write in its own transaction.
func (s Store) Create(ctx context.Context, tx *sql.Tx, tenantID, actorID string, o domain.Object) (domain.Object, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.TenantID = tenantID
	if err := domain.Check(o); err != nil {
		return domain.Object{}, err
	}
	err := s.Repo.WithTx(ctx, tx, func(tx *sql.Tx) error {
		if _, err := s.Repo.GetObjectTx(ctx, tx, tenantID, o.ID); err == nil {
			return domain.Invalid("id", "object %s already exists", o.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		t, err := s.Repo.GetObjectTypeTx(ctx, tx, tenantID, o.ObjectTypeID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Invalid("objectTypeId", "unknown object type %s", o.ObjectTypeID)
		}
		if err != nil {
			return err
		}
		refs, err := s.validate(ctx, tx, t, &o, nil)
		if err != nil {
			return err
		}
		o.CreatedAt = s.now()
		o.UpdatedAt = o.CreatedAt
		if err := s.Repo.InsertObject(ctx, tx, o, refs); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, "object.created", tenantID, "object", o.ID, actorID, events.EventPayload{
			"objectTypeId": o.ObjectTypeID,
		})
	})
	if err != nil {
		return domain.Object{}, err
	}
	s.log().Debug("object created", zap.String("tenant_id", tenantID), zap.String("object_id", o.ID))
	return o, nil
}

// Update replaces all fields of an instance. The whole row is validated against the
// current schema of its type.
func (s Store) Update(ctx context.Context, tx *sql.Tx, tenantID, actorID, id string, fields map[string]any) (domain.Object, error) {
	return s.write(ctx, tx, tenantID, actorID, id, nil, func(map[string]any) map[string]any {
		return fields
	})
}

// Patch merges changes into the instance fields. A nil value clears the field. Only the
// changed keys are validated; fields the patch does not touch are kept as stored, even
// when the schema has moved on since they were written.
func (s Store) Patch(ctx context.Context, tx *sql.Tx, tenantID, actorID, id string, changes map[string]any) (domain.Object, error) {
	changed := make(map[string]struct{}, len(changes))
	for k := range changes {
		changed[k] = struct{}{}
	}
	return s.write(ctx, tx, tenantID, actorID, id, changed, func(current map[string]any) map[string]any {
		merged := make(map[string]any, len(current)+len(changes))
		for k, v := range current {
			merged[k] = v
		}
		for k, v := range changes {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		return merged
	})
}

func (s Store) write(ctx context.Context, tx *sql.Tx, tenantID, actorID, id string, changed map[string]struct{}, next func(map[string]any) map[string]any) (domain.Object, error) {
	var out domain.Object
	err := s.Repo.WithTx(ctx, tx, func(tx *sql.Tx) error {
		o, err := s.Repo.GetObjectTx(ctx, tx, tenantID, id)
		if err != nil {
			return repo.AsNotFound(err, "object", id)
		}
		t, err := s.Repo.GetObjectTypeTx(ctx, tx, tenantID, o.ObjectTypeID)
		if err != nil {
			return repo.AsNotFound(err, "object type", o.ObjectTypeID)
		}
		o.Fields = next(o.Fields)
		refs, err := s.validate(ctx, tx, t, &o, changed)
		if err != nil {
			return err
		}
		o.UpdatedAt = s.now()
		if err := s.Repo.UpdateObject(ctx, tx, o, refs); err != nil {
			return repo.AsNotFound(err, "object", id)
		}
		out = o
		return s.Events.Append(ctx, tx, "object.updated", tenantID, "object", o.ID, actorID, events.EventPayload{
			"objectTypeId": o.ObjectTypeID,
		})
	})
	if err != nil {
		return domain.Object{}, err
	}
	return out, nil
}

// Delete removes an instance that no other instance references.
func (s Store) Delete(ctx context.Context, tx *sql.Tx, tenantID, actorID, id string) error {
	return s.Repo.WithTx(ctx, tx, func(tx *sql.Tx) error {
		o, err := s.Repo.GetObjectTx(ctx, tx, tenantID, id)
		if err != nil {
			return repo.AsNotFound(err, "object", id)
		}
		n, err := s.Repo.CountReferencesTo(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.Invalid("id", "object %s is referenced by %d other objects", id, n)
		}
		if err := s.Repo.DeleteObject(ctx, tx, tenantID, id); err != nil {
			return repo.AsNotFound(err, "object", id)
		}
		return s.Events.Append(ctx, tx, "object.deleted", tenantID, "object", id, actorID, events.EventPayload{
			"objectTypeId": o.ObjectTypeID,
		})
	})
}

// validate normalizes o.Fields in place against t and returns the outgoing references
// keyed by property. A nil changed set validates every field; otherwise only the listed
// keys are checked and the rest pass through untouched.
func (s Store) validate(ctx context.Context, tx *sql.Tx, t domain.ObjectType, o *domain.Object, changed map[string]struct{}) (map[string]string, error) {
	touched := func(key string) bool {
		if changed == nil {
			return true
		}
		_, ok := changed[key]
		return ok
	}
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clean := make(map[string]any, len(o.Fields))
	for _, k := range keys {
		if _, ok := t.Properties.Get(k); ok {
			continue
		}
		if touched(k) {
			return nil, domain.Invalid("fields."+k, "object type %s has no property %s", t.ID, k)
		}
		clean[k] = o.Fields[k]
	}
	refs := map[string]string{}
	checked := map[string]string{}
	for _, p := range t.Properties {
		def, err := p.Spec.Definition()
		if err != nil {
			return nil, err
		}
		v := o.Fields[p.Key]
		if !touched(p.Key) {
			if v == nil {
				continue
			}
			clean[p.Key] = v
			if id, ok := v.(string); ok && p.Spec.Type == proptype.Reference {
				refs[p.Key] = id
			}
			continue
		}
		if v == nil {
			if def.IsRequired() {
				return nil, domain.Invalid("fields."+p.Key, "required")
			}
			continue
		}
		norm, err := proptype.Normalize(def, v)
		if err != nil {
			return nil, proptype.WithField(err, p.Key)
		}
		clean[p.Key] = norm
		ref, ok := def.(proptype.ReferenceProperty)
		if !ok {
			continue
		}
		targetID := norm.(string)
		target, err := s.Repo.GetObjectTx(ctx, tx, t.TenantID, targetID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.Invalid("fields."+p.Key, "references unknown object %s", targetID)
		}
		if err != nil {
			return nil, err
		}
		if target.ObjectTypeID != ref.TargetTypeID {
			return nil, domain.Invalid("fields."+p.Key, "object %s is a %s, not a %s", targetID, target.ObjectTypeID, ref.TargetTypeID)
		}
		refs[p.Key] = targetID
		checked[p.Key] = targetID
	}
	if err := s.checkOneToOne(ctx, tx, t, o.ID, checked); err != nil {
		return nil, err
	}
	o.Fields = clean
	return refs, nil
}

// checkOneToOne rejects a second instance linking to the same source through a
// ONE_TO_ONE foreign key.
func (s Store) checkOneToOne(ctx context.Context, tx *sql.Tx, t domain.ObjectType, objectID string, refs map[string]string) error {
	if len(refs) == 0 {
		return nil
	}
	rels, err := s.Repo.ListRelationshipsTx(ctx, tx, t.TenantID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Cardinality != domain.OneToOne || rel.TargetTypeID != t.ID {
			continue
		}
		sourceID, ok := refs[rel.ForeignKey]
		if !ok {
			continue
		}
		linked, err := s.Repo.ObjectsReferencing(ctx, tx, t.TenantID, sourceID, rel.ForeignKey, t.ID)
		if err != nil {
			return err
		}
		for _, other := range linked {
			if other.ID != objectID {
				return domain.Invalid("fields."+rel.ForeignKey, "relationship %s is ONE_TO_ONE and %s is already linked to %s", rel.ID, sourceID, other.ID)
			}
		}
	}
	return nil
}
