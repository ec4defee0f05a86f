package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"metaflow/internal/domain"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
)

func (r Registry) validateObjectType(ctx context.Context, tx *sql.Tx, t domain.ObjectType) error {
	if err := domain.Check(t); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(t.Properties))
	for _, p := range t.Properties {
		field := "properties." + p.Key
		if !domain.ValidKey(p.Key) {
			return domain.Invalid(field, "property key %q must match [A-Za-z_][A-Za-z0-9_]*", p.Key)
		}
		if _, dup := seen[p.Key]; dup {
			return domain.Invalid(field, "duplicate property key")
		}
		seen[p.Key] = struct{}{}
		def, err := p.Spec.Definition()
		if err != nil {
			return specInvalid(field, err)
		}
		if ref, ok := def.(proptype.ReferenceProperty); ok && ref.TargetTypeID != t.ID {
			if err := r.typeExists(ctx, tx, t.TenantID, ref.TargetTypeID, field+".targetTypeId"); err != nil {
				return err
			}
		}
	}
	if t.TitleKey != "" {
		if _, ok := seen[t.TitleKey]; !ok {
			return domain.Invalid("titleKey", "%q is not a property of the object type", t.TitleKey)
		}
	}
	if t.IsJunction {
		if n := len(t.ReferenceKeys()); n != 2 {
			return domain.Invalid("properties", "a junction type must hold exactly two reference properties, found %d", n)
		}
	}
	return nil
}

// checkTypeStillServes rejects an update that would break a relationship built on the
// type: a foreign key that disappears or a junction that no longer links both ends.
func (r Registry) checkTypeStillServes(ctx context.Context, tx *sql.Tx, t domain.ObjectType) error {
	rels, err := r.Repo.ListRelationshipsTx(ctx, tx, t.TenantID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		switch {
		case rel.Cardinality == domain.ManyToMany && rel.JunctionTypeID == t.ID:
			sKey, tKey, err := CheckJunction(t, rel.SourceTypeID, rel.TargetTypeID)
			if err != nil {
				return domain.Invalid("properties", "relationship %s needs this junction: %s", rel.ID, reasonOf(err))
			}
			if sKey != rel.JunctionSourceKey || tKey != rel.JunctionTargetKey {
				return domain.Invalid("properties", "relationship %s links through %s and %s", rel.ID, rel.JunctionSourceKey, rel.JunctionTargetKey)
			}
		case rel.Cardinality != domain.ManyToMany && rel.TargetTypeID == t.ID && rel.ForeignKey != "":
			spec, ok := t.Properties.Get(rel.ForeignKey)
			if !ok || spec.Type != proptype.Reference || spec.TargetTypeID != rel.SourceTypeID {
				return domain.Invalid("properties."+rel.ForeignKey, "used as foreign key by relationship %s", rel.ID)
			}
		}
	}
	return nil
}

// CheckJunction verifies jt can materialize a MANY_TO_MANY relationship between
// sourceTypeID and targetTypeID and returns the property keys pointing at each end.
func CheckJunction(jt domain.ObjectType, sourceTypeID, targetTypeID string) (sourceKey, targetKey string, err error) {
	if !jt.IsJunction {
		return "", "", domain.Invalid("junctionTypeId", "object type %s is not a junction type", jt.ID)
	}
	var refs []proptype.Property
	for _, p := range jt.Properties {
		if p.Spec.Type == proptype.Reference {
			refs = append(refs, p)
		}
	}
	if len(refs) != 2 {
		return "", "", domain.Invalid("junctionTypeId", "junction type %s must hold exactly two reference properties, found %d", jt.ID, len(refs))
	}
	a, b := refs[0], refs[1]
	switch {
	case a.Spec.TargetTypeID == sourceTypeID && b.Spec.TargetTypeID == targetTypeID:
		return a.Key, b.Key, nil
	case b.Spec.TargetTypeID == sourceTypeID && a.Spec.TargetTypeID == targetTypeID:
		return b.Key, a.Key, nil
	}
	return "", "", domain.Invalid("junctionTypeId", "junction type %s must reference %s and %s", jt.ID, sourceTypeID, targetTypeID)
}

func (r Registry) validateActionType(ctx context.Context, tx *sql.Tx, a domain.ActionType) error {
	if err := domain.Check(a); err != nil {
		return err
	}
	var attached *domain.ObjectType
	if a.ObjectTypeID != "" {
		t, err := r.Repo.GetObjectTypeTx(ctx, tx, a.TenantID, a.ObjectTypeID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Invalid("objectTypeId", "unknown object type %s", a.ObjectTypeID)
		}
		if err != nil {
			return err
		}
		attached = &t
	}
	switch a.ExecutionType {
	case domain.Declarative:
		if a.Handler != "" {
			return domain.Invalid("handler", "declarative actions do not name a handler")
		}
		if len(a.Rules) == 0 {
			return domain.Invalid("rules", "declarative actions need at least one rule")
		}
	case domain.FunctionBacked:
		if strings.TrimSpace(a.Handler) == "" {
			return domain.Invalid("handler", "required for function-backed actions")
		}
		if len(a.Rules) > 0 {
			return domain.Invalid("rules", "function-backed actions carry no rules")
		}
	}

	seen := make(map[string]struct{}, len(a.Parameters))
	for i, p := range a.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		if !domain.ValidKey(p.Name) {
			return domain.Invalid(field+".name", "parameter name %q must match [A-Za-z_][A-Za-z0-9_]*", p.Name)
		}
		if p.Name == domain.TargetParam {
			return domain.Invalid(field+".name", "%q is reserved for the target object id", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return domain.Invalid(field+".name", "duplicate parameter %s", p.Name)
		}
		seen[p.Name] = struct{}{}
		def, err := p.Definition()
		if err != nil {
			return specInvalid(field, err)
		}
		if ref, ok := def.(proptype.ReferenceProperty); ok {
			if err := r.typeExists(ctx, tx, a.TenantID, ref.TargetTypeID, field+".targetTypeId"); err != nil {
				return err
			}
		}
	}

	defs := txDefinitions{ctx: ctx, tx: tx, repo: r.Repo, tenantID: a.TenantID}
	for i, rule := range a.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if rule.Kind == "" {
			return domain.Invalid(field+".kind", "required")
		}
		if r.Rules == nil {
			continue
		}
		if err := r.Rules.CheckRule(rule, a, attached, defs); err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) && ve.Field != "" {
				return domain.Invalid(field+"."+ve.Field, "%s", ve.Reason)
			}
			return domain.Invalid(field, "%s", reasonOf(err))
		}
	}

	if a.Criteria == nil {
		return nil
	}
	typeID := a.CriteriaTypeID()
	if typeID == "" {
		if len(a.Criteria.Clauses) > 0 {
			return domain.Invalid("criteria.objectTypeId", "required when the action is not attached to an object type")
		}
		return nil
	}
	var ct domain.ObjectType
	if attached != nil && attached.ID == typeID {
		ct = *attached
	} else {
		t, err := r.Repo.GetObjectTypeTx(ctx, tx, a.TenantID, typeID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Invalid("criteria.objectTypeId", "unknown object type %s", typeID)
		}
		if err != nil {
			return err
		}
		ct = t
	}
	for i, c := range a.Criteria.Clauses {
		if err := checkClause(ct, c, fmt.Sprintf("criteria.clauses[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// CheckClause validates one clause against the Object Type it is evaluated on. The
// pseudo field "id" addresses the instance id.
func CheckClause(t domain.ObjectType, c domain.Clause) error {
	return checkClause(t, c, "")
}

func checkClause(t domain.ObjectType, c domain.Clause, field string) error {
	at := func(sub string) string {
		if field == "" {
			return sub
		}
		return field + "." + sub
	}
	var def proptype.Definition = proptype.StringProperty{}
	if c.Field != "id" {
		spec, ok := t.Properties.Get(c.Field)
		if !ok {
			return domain.Invalid(at("field"), "object type %s has no property %s", t.ID, c.Field)
		}
		compiled, err := spec.Definition()
		if err != nil {
			return specInvalid(at("field"), err)
		}
		def = compiled
	}
	switch c.Op {
	case domain.OpExists, domain.OpNotExists:
		if c.Value != nil {
			return domain.Invalid(at("value"), "%s takes no value", c.Op)
		}
		return nil
	case domain.OpIn, domain.OpNotIn:
		items, ok := c.Value.([]any)
		if !ok || len(items) == 0 {
			return domain.Invalid(at("value"), "%s needs a non-empty list", c.Op)
		}
		for j, item := range items {
			if err := proptype.ValidateValue(def, item); err != nil {
				return domain.Invalid(fmt.Sprintf("%s[%d]", at("value"), j), "%s", err.Error())
			}
		}
		return nil
	case domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		if c.Value == nil {
			return domain.Invalid(at("value"), "required for %s", c.Op)
		}
		switch c.Op {
		case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
			if def.Type() == proptype.Boolean {
				return domain.Invalid(at("op"), "%s does not order boolean values", c.Op)
			}
			// Range bounds on picklist fields need not be picklist members.
			if s, ok := def.(proptype.StringProperty); ok && s.Picklist != nil {
				def = proptype.StringProperty{}
			}
		}
		if err := proptype.ValidateValue(def, c.Value); err != nil {
			return domain.Invalid(at("value"), "%s", err.Error())
		}
		return nil
	default:
		return domain.Invalid(at("op"), "unknown operator %q", c.Op)
	}
}

func (r Registry) typeExists(ctx context.Context, tx *sql.Tx, tenantID, id, field string) error {
	_, err := r.Repo.GetObjectTypeTx(ctx, tx, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Invalid(field, "unknown object type %s", id)
	}
	return err
}

func specInvalid(field string, err error) error {
	var se *proptype.SpecError
	if errors.As(err, &se) {
		return domain.Invalid(field+"."+se.Field, "%s", se.Reason)
	}
	return domain.Invalid(field, "%s", err.Error())
}

func reasonOf(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}
