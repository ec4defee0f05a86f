package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"metaflow/internal/criteria"
	"metaflow/internal/domain"
	"metaflow/internal/objects"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
	"metaflow/internal/schema"
)

// RuleContext is the state one declarative execution threads through its rules.
type RuleContext struct {
	Tx       *sql.Tx
	TenantID string
	ActorID  string
	Action   domain.ActionType
	// Target is the object the action runs against; rules that modify or delete it
	// keep it current.
	Target  *domain.Object
	Params  map[string]any
	Repo    repo.Repo
	Objects objects.Store
	Created []string
}

// RuleKind implements one declarative operation. Check runs when the Action Type is
// defined, with defs resolving the types and relationships the rule names; Apply runs
// inside the rule's transaction.
type RuleKind interface {
	Check(raw json.RawMessage, at domain.ActionType, target *domain.ObjectType, defs schema.Definitions) error
	Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error
}

// Rules is the registry of rule kinds.
type Rules struct {
	mu    sync.RWMutex
	kinds map[string]RuleKind
}

// NewRules returns a registry holding the built-in kinds.
func NewRules() *Rules {
	r := &Rules{kinds: map[string]RuleKind{}}
	r.kinds["set_field"] = setField{}
	r.kinds["clear_field"] = clearField{}
	r.kinds["create_object"] = createObject{}
	r.kinds["delete_object"] = deleteObject{}
	r.kinds["link_objects"] = linkObjects{}
	r.kinds["require"] = requireClause{}
	return r
}

func (r *Rules) Register(name string, kind RuleKind) error {
	if name == "" || kind == nil {
		return errors.New("rule kind needs a name and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[name]; exists {
		return fmt.Errorf("rule kind %s already registered", name)
	}
	r.kinds[name] = kind
	return nil
}

func (r *Rules) Lookup(name string) (RuleKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[name]
	return kind, ok
}

func (r *Rules) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckRule makes *Rules usable as the schema registry's rule checker.
func (r *Rules) CheckRule(rule domain.Rule, at domain.ActionType, target *domain.ObjectType, defs schema.Definitions) error {
	kind, ok := r.Lookup(rule.Kind)
	if !ok {
		return domain.Invalid("kind", "unknown rule kind %q", rule.Kind)
	}
	return kind.Check(rule.Raw, at, target, defs)
}

// Value is a rule argument: a literal, {"param": name} or {"field": key} of the target.
type Value struct {
	Literal any
	Param   string
	Field   string
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var ref struct {
		Param *string `json:"param"`
		Field *string `json:"field"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &keys); err != nil {
			return err
		}
		if len(keys) == 1 {
			if err := json.Unmarshal(trimmed, &ref); err == nil {
				switch {
				case ref.Param != nil:
					v.Param = *ref.Param
					return nil
				case ref.Field != nil:
					v.Field = *ref.Field
					return nil
				}
			}
		}
	}
	return json.Unmarshal(trimmed, &v.Literal)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.Param != "":
		return json.Marshal(map[string]string{"param": v.Param})
	case v.Field != "":
		return json.Marshal(map[string]string{"field": v.Field})
	}
	return json.Marshal(v.Literal)
}

func (v Value) check(at domain.ActionType, target *domain.ObjectType, field string) error {
	switch {
	case v.Param != "":
		if v.Param == domain.TargetParam {
			return nil
		}
		for _, p := range at.Parameters {
			if p.Name == v.Param {
				return nil
			}
		}
		return domain.Invalid(field+".param", "unknown parameter %s", v.Param)
	case v.Field != "":
		return targetField(target, v.Field, field+".field", true)
	}
	return nil
}

// Resolve returns the runtime value. A missing parameter resolves to nil.
func (v Value) Resolve(rc *RuleContext) (any, error) {
	switch {
	case v.Param != "":
		if v.Param == domain.TargetParam && rc.Target != nil {
			return rc.Target.ID, nil
		}
		return rc.Params[v.Param], nil
	case v.Field != "":
		if rc.Target == nil {
			return nil, errors.New("no target object")
		}
		if v.Field == "id" {
			return rc.Target.ID, nil
		}
		return rc.Target.Fields[v.Field], nil
	}
	return v.Literal, nil
}

func targetField(target *domain.ObjectType, key, field string, allowID bool) error {
	if target == nil {
		return domain.Invalid(field, "the action is not attached to an object type")
	}
	if allowID && key == "id" {
		return nil
	}
	if _, ok := target.Properties.Get(key); !ok {
		return domain.Invalid(field, "object type %s has no property %s", target.ID, key)
	}
	return nil
}

// decodeArgs decodes the rule object into args, rejecting unknown arguments.
func decodeArgs(raw json.RawMessage, args any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return domain.Invalid("", "%v", err)
	}
	return nil
}

func needTarget(rc *RuleContext) (*domain.Object, error) {
	if rc.Target == nil {
		return nil, errors.New("no target object")
	}
	return rc.Target, nil
}

type setFieldArgs struct {
	Kind  string `json:"kind"`
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type setField struct{}

func (setField) Check(raw json.RawMessage, at domain.ActionType, target *domain.ObjectType, _ schema.Definitions) error {
	var args setFieldArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	if args.Field == "" {
		return domain.Invalid("field", "required")
	}
	if err := targetField(target, args.Field, "field", false); err != nil {
		return err
	}
	if args.Value.Param == "" && args.Value.Field == "" && args.Value.Literal != nil {
		spec, _ := target.Properties.Get(args.Field)
		def, err := spec.Definition()
		if err != nil {
			return err
		}
		if err := proptype.ValidateValue(def, args.Value.Literal); err != nil {
			return domain.Invalid("value", "%s", err.Error())
		}
	}
	return args.Value.check(at, target, "value")
}

func (setField) Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error {
	var args setFieldArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	obj, err := needTarget(rc)
	if err != nil {
		return err
	}
	v, err := args.Value.Resolve(rc)
	if err != nil {
		return err
	}
	updated, err := rc.Objects.Patch(ctx, rc.Tx, rc.TenantID, rc.ActorID, obj.ID, map[string]any{args.Field: v})
	if err != nil {
		return err
	}
	rc.Target = &updated
	return nil
}

type clearFieldArgs struct {
	Kind  string `json:"kind"`
	Field string `json:"field"`
}

type clearField struct{}

func (clearField) Check(raw json.RawMessage, _ domain.ActionType, target *domain.ObjectType, _ schema.Definitions) error {
	var args clearFieldArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	if args.Field == "" {
		return domain.Invalid("field", "required")
	}
	return targetField(target, args.Field, "field", false)
}

func (clearField) Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error {
	var args clearFieldArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	obj, err := needTarget(rc)
	if err != nil {
		return err
	}
	updated, err := rc.Objects.Patch(ctx, rc.Tx, rc.TenantID, rc.ActorID, obj.ID, map[string]any{args.Field: nil})
	if err != nil {
		return err
	}
	rc.Target = &updated
	return nil
}

type createObjectArgs struct {
	Kind         string           `json:"kind"`
	ObjectTypeID string           `json:"objectTypeId"`
	Fields       map[string]Value `json:"fields"`
}

type createObject struct{}

func (createObject) Check(raw json.RawMessage, at domain.ActionType, target *domain.ObjectType, defs schema.Definitions) error {
	var args createObjectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	if args.ObjectTypeID == "" {
		return domain.Invalid("objectTypeId", "required")
	}
	created, ok, err := defs.ObjectType(args.ObjectTypeID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Invalid("objectTypeId", "unknown object type %s", args.ObjectTypeID)
	}
	keys := make([]string, 0, len(args.Fields))
	for k := range args.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field := "fields." + k
		spec, ok := created.Properties.Get(k)
		if !ok {
			return domain.Invalid(field, "object type %s has no property %s", created.ID, k)
		}
		v := args.Fields[k]
		if v.Param == "" && v.Field == "" && v.Literal != nil {
			def, err := spec.Definition()
			if err != nil {
				return err
			}
			if err := proptype.ValidateValue(def, v.Literal); err != nil {
				return domain.Invalid(field, "%s", err.Error())
			}
		}
		if err := v.check(at, target, field); err != nil {
			return err
		}
	}
	for _, p := range created.Properties {
		if _, set := args.Fields[p.Key]; !set && p.Spec.Required {
			return domain.Invalid("fields."+p.Key, "required by object type %s", created.ID)
		}
	}
	return nil
}

func (createObject) Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error {
	var args createObjectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	fields := make(map[string]any, len(args.Fields))
	for k, v := range args.Fields {
		resolved, err := v.Resolve(rc)
		if err != nil {
			return err
		}
		if resolved != nil {
			fields[k] = resolved
		}
	}
	created, err := rc.Objects.Create(ctx, rc.Tx, rc.TenantID, rc.ActorID, domain.Object{ObjectTypeID: args.ObjectTypeID, Fields: fields})
	if err != nil {
		return err
	}
	rc.Created = append(rc.Created, created.ID)
	return nil
}

type deleteObjectArgs struct {
	Kind   string `json:"kind"`
	Object *Value `json:"object,omitempty"`
}

type deleteObject struct{}

func (deleteObject) Check(raw json.RawMessage, at domain.ActionType, target *domain.ObjectType, _ schema.Definitions) error {
	var args deleteObjectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	if args.Object == nil {
		if target == nil {
			return domain.Invalid("object", "required when the action is not attached to an object type")
		}
		return nil
	}
	return args.Object.check(at, target, "object")
}

func (deleteObject) Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error {
	var args deleteObjectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	id, err := objectRef(rc, args.Object)
	if err != nil {
		return err
	}
	if err := rc.Objects.Delete(ctx, rc.Tx, rc.TenantID, rc.ActorID, id); err != nil {
		return err
	}
	if rc.Target != nil && rc.Target.ID == id {
		rc.Target = nil
	}
	return nil
}

type linkObjectsArgs struct {
	Kind           string `json:"kind"`
	RelationshipID string `json:"relationshipId"`
	From           *Value `json:"from,omitempty"`
	To             Value  `json:"to"`
}

// linkObjects connects two instances through a relationship: a junction instance for
// MANY_TO_MANY, the foreign key of the target side otherwise.
type linkObjects struct{}

func (linkObjects) Check(raw json.RawMessage, at domain.ActionType, target *domain.ObjectType, defs schema.Definitions) error {
	var args linkObjectsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	if args.RelationshipID == "" {
		return domain.Invalid("relationshipId", "required")
	}
	rel, ok, err := defs.Relationship(args.RelationshipID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Invalid("relationshipId", "unknown relationship %s", args.RelationshipID)
	}
	if args.From == nil && target == nil {
		return domain.Invalid("from", "required when the action is not attached to an object type")
	}
	if args.From == nil && target.ID != rel.SourceTypeID {
		return domain.Invalid("from", "required: object type %s is not the source %s of relationship %s", target.ID, rel.SourceTypeID, rel.ID)
	}
	if args.From != nil {
		if err := args.From.check(at, target, "from"); err != nil {
			return err
		}
	}
	if args.To.Param == "" && args.To.Field == "" && args.To.Literal == nil {
		return domain.Invalid("to", "required")
	}
	return args.To.check(at, target, "to")
}

func (linkObjects) Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error {
	var args linkObjectsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	rel, err := rc.Repo.GetRelationshipTx(ctx, rc.Tx, rc.TenantID, args.RelationshipID)
	if err != nil {
		return repo.AsNotFound(err, "relationship", args.RelationshipID)
	}
	fromID, err := objectRef(rc, args.From)
	if err != nil {
		return err
	}
	toID, err := objectRef(rc, &args.To)
	if err != nil {
		return err
	}
	if rel.Cardinality == domain.ManyToMany {
		created, err := rc.Objects.Create(ctx, rc.Tx, rc.TenantID, rc.ActorID, domain.Object{
			ObjectTypeID: rel.JunctionTypeID,
			Fields:       map[string]any{rel.JunctionSourceKey: fromID, rel.JunctionTargetKey: toID},
		})
		if err != nil {
			return err
		}
		rc.Created = append(rc.Created, created.ID)
		return nil
	}
	updated, err := rc.Objects.Patch(ctx, rc.Tx, rc.TenantID, rc.ActorID, toID, map[string]any{rel.ForeignKey: fromID})
	if err != nil {
		return err
	}
	if rc.Target != nil && rc.Target.ID == updated.ID {
		rc.Target = &updated
	}
	return nil
}

func objectRef(rc *RuleContext, v *Value) (string, error) {
	if v == nil {
		obj, err := needTarget(rc)
		if err != nil {
			return "", err
		}
		return obj.ID, nil
	}
	resolved, err := v.Resolve(rc)
	if err != nil {
		return "", err
	}
	id, ok := resolved.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("expected an object id, got %s", proptype.Describe(resolved))
	}
	return id, nil
}

type requireArgs struct {
	Kind    string          `json:"kind"`
	Field   string          `json:"field"`
	Op      domain.Operator `json:"op"`
	Value   any             `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (a requireArgs) clause() domain.Clause {
	return domain.Clause{Field: a.Field, Op: a.Op, Value: a.Value, Message: a.Message}
}

// requireClause asserts a clause on the target as it stands after the preceding rules.
type requireClause struct{}

func (requireClause) Check(raw json.RawMessage, _ domain.ActionType, target *domain.ObjectType, _ schema.Definitions) error {
	var args requireArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	if target == nil {
		return domain.Invalid("field", "the action is not attached to an object type")
	}
	if err := domain.Check(args.clause()); err != nil {
		return err
	}
	return schema.CheckClause(*target, args.clause())
}

func (requireClause) Apply(ctx context.Context, rc *RuleContext, raw json.RawMessage) error {
	var args requireArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	obj, err := needTarget(rc)
	if err != nil {
		return err
	}
	t, err := rc.Repo.GetObjectTypeTx(ctx, rc.Tx, rc.TenantID, obj.ObjectTypeID)
	if err != nil {
		return repo.AsNotFound(err, "object type", obj.ObjectTypeID)
	}
	if ok, reason := criteria.EvaluateClause(t, *obj, args.clause()); !ok {
		return errors.New(reason)
	}
	return nil
}
