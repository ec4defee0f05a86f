package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"metaflow/internal/proptype"
)

type ObjectType struct {
	ID          string              `json:"id" validate:"omitempty,metaid"`
	TenantID    string              `json:"tenantId"`
	DisplayName string              `json:"displayName" validate:"required,max=200"`
	TitleKey    string              `json:"titleKey,omitempty"`
	IsJunction  bool                `json:"isJunction,omitempty"`
	Properties  proptype.Properties `json:"properties"`
	CreatedAt   string              `json:"createdAt,omitempty" format:"date-time"`
	UpdatedAt   string              `json:"updatedAt,omitempty" format:"date-time"`
}

// ObjectTypeConfig is the persisted config blob of an Object Type.
type ObjectTypeConfig struct {
	Properties proptype.Properties `json:"properties"`
	TitleKey   string              `json:"titleKey,omitempty"`
	IsJunction bool                `json:"isJunction,omitempty"`
}

func (t ObjectType) Config() ObjectTypeConfig {
	return ObjectTypeConfig{Properties: t.Properties, TitleKey: t.TitleKey, IsJunction: t.IsJunction}
}

func (t *ObjectType) ApplyConfig(c ObjectTypeConfig) {
	t.Properties = c.Properties
	t.TitleKey = c.TitleKey
	t.IsJunction = c.IsJunction
}

// ReferenceKeys returns the keys of reference properties in declared order.
func (t ObjectType) ReferenceKeys() []string {
	var out []string
	for _, p := range t.Properties {
		if p.Spec.Type == proptype.Reference {
			out = append(out, p.Key)
		}
	}
	return out
}

type Cardinality string

const (
	OneToOne   Cardinality = "ONE_TO_ONE"
	OneToMany  Cardinality = "ONE_TO_MANY"
	ManyToMany Cardinality = "MANY_TO_MANY"
)

type Relationship struct {
	ID                string      `json:"id" validate:"omitempty,metaid"`
	TenantID          string      `json:"tenantId"`
	SourceTypeID      string      `json:"sourceTypeId" validate:"required"`
	TargetTypeID      string      `json:"targetTypeId" validate:"required"`
	Cardinality       Cardinality `json:"cardinality" validate:"required,oneof=ONE_TO_ONE ONE_TO_MANY MANY_TO_MANY"`
	ForeignKey        string      `json:"foreignKey,omitempty"`
	JunctionTypeID    string      `json:"junctionTypeId,omitempty"`
	JunctionSourceKey string      `json:"junctionSourceKey,omitempty"`
	JunctionTargetKey string      `json:"junctionTargetKey,omitempty"`
	CreatedAt         string      `json:"createdAt,omitempty" format:"date-time"`
}

// Object is one Object Instance.
type Object struct {
	ID           string         `json:"id" validate:"omitempty,metaid"`
	TenantID     string         `json:"tenantId"`
	ObjectTypeID string         `json:"objectTypeId" validate:"required"`
	Fields       map[string]any `json:"fields"`
	CreatedAt    string         `json:"createdAt,omitempty" format:"date-time"`
	UpdatedAt    string         `json:"updatedAt,omitempty" format:"date-time"`
}

// Title returns the value of the type's titleKey, falling back to the id.
func (o Object) Title(t ObjectType) string {
	if t.TitleKey != "" {
		if v, ok := o.Fields[t.TitleKey]; ok && v != nil {
			return proptype.Format(v)
		}
	}
	return o.ID
}

type ExecutionType string

const (
	Declarative    ExecutionType = "declarative"
	FunctionBacked ExecutionType = "function-backed"
)

type ActionType struct {
	ID            string        `json:"id" validate:"omitempty,metaid"`
	TenantID      string        `json:"tenantId"`
	DisplayName   string        `json:"displayName" validate:"required,max=200"`
	ObjectTypeID  string        `json:"objectTypeId,omitempty"`
	DisplayOrder  int           `json:"displayOrder"`
	ExecutionType ExecutionType `json:"executionType" validate:"required,oneof=declarative function-backed"`
	Handler       string        `json:"handler,omitempty"`
	Parameters    []Parameter   `json:"parameters" validate:"dive"`
	Rules         []Rule        `json:"rules"`
	Criteria      *Criteria     `json:"criteria,omitempty"`
	Description   string        `json:"description,omitempty" validate:"max=2000"`
	CreatedAt     string        `json:"createdAt,omitempty" format:"date-time"`
	UpdatedAt     string        `json:"updatedAt,omitempty" format:"date-time"`
}

// ActionTypeConfig is the persisted config blob of an Action Type.
type ActionTypeConfig struct {
	ExecutionType ExecutionType `json:"executionType"`
	Handler       string        `json:"handler,omitempty"`
	Parameters    []Parameter   `json:"parameters"`
	Rules         []Rule        `json:"rules"`
	Criteria      *Criteria     `json:"criteria,omitempty"`
	Description   string        `json:"description,omitempty"`
}

func (a ActionType) Config() ActionTypeConfig {
	return ActionTypeConfig{
		ExecutionType: a.ExecutionType,
		Handler:       a.Handler,
		Parameters:    a.Parameters,
		Rules:         a.Rules,
		Criteria:      a.Criteria,
		Description:   a.Description,
	}
}

func (a *ActionType) ApplyConfig(c ActionTypeConfig) {
	a.ExecutionType = c.ExecutionType
	a.Handler = c.Handler
	a.Parameters = c.Parameters
	a.Rules = c.Rules
	a.Criteria = c.Criteria
	a.Description = c.Description
}

// CriteriaTypeID is the Object Type the criteria clauses are written against.
func (a ActionType) CriteriaTypeID() string {
	if a.Criteria != nil && a.Criteria.ObjectTypeID != "" {
		return a.Criteria.ObjectTypeID
	}
	return a.ObjectTypeID
}

func (a ActionType) HasCriteria() bool {
	return a.Criteria != nil && len(a.Criteria.Clauses) > 0
}

// TypeReference returns the path of the first place other than the attachment where
// the Action Type names Object Type id, or "" when it does not.
func (a ActionType) TypeReference(id string) string {
	if id == "" {
		return ""
	}
	if a.Criteria != nil && a.Criteria.ObjectTypeID == id {
		return "criteria.objectTypeId"
	}
	for i, p := range a.Parameters {
		if p.Type == proptype.Reference && p.TargetTypeID == id {
			return fmt.Sprintf("parameters[%d].targetTypeId", i)
		}
	}
	for i, r := range a.Rules {
		if r.Arg("objectTypeId") == id {
			return fmt.Sprintf("rules[%d].objectTypeId", i)
		}
	}
	return ""
}

// RelationshipReference returns the path of the first rule naming relationship id.
func (a ActionType) RelationshipReference(id string) string {
	if id == "" {
		return ""
	}
	for i, r := range a.Rules {
		if r.Arg("relationshipId") == id {
			return fmt.Sprintf("rules[%d].relationshipId", i)
		}
	}
	return ""
}

// Parameter declares one input of an Action Type.
type Parameter struct {
	Name           string                    `json:"name" validate:"required,max=100"`
	Type           proptype.Type             `json:"type" validate:"required,oneof=string number boolean date reference"`
	Required       bool                      `json:"required,omitempty"`
	PicklistConfig []proptype.PicklistOption `json:"picklistConfig,omitempty"`
	TargetTypeID   string                    `json:"targetTypeId,omitempty"`
}

func (p Parameter) Definition() (proptype.Definition, error) {
	return proptype.Spec{
		Type:           p.Type,
		Required:       p.Required,
		PicklistConfig: p.PicklistConfig,
		TargetTypeID:   p.TargetTypeID,
	}.Definition()
}

// Rule is one tagged declarative step. Raw holds the whole JSON object including kind.
type Rule struct {
	Kind string
	Raw  json.RawMessage
}

// Arg returns a string argument of the rule, "" when absent or not a string.
func (r Rule) Arg(key string) string {
	var args map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &args); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(args[key], &v); err != nil {
		return ""
	}
	return v
}

// NewRule builds a rule from a kind and an argument struct or map.
func NewRule(kind string, args any) (Rule, error) {
	fields := map[string]any{}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return Rule{}, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return Rule{}, fmt.Errorf("rule arguments must be an object: %w", err)
		}
	}
	fields["kind"] = kind
	raw, err := json.Marshal(fields)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Kind: kind, Raw: raw}, nil
}

func (r Rule) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return json.Marshal(map[string]string{"kind": r.Kind})
	}
	return r.Raw, nil
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("rule must be an object")
	}
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return err
	}
	r.Kind = head.Kind
	r.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

// Criteria is a conjunction of clauses evaluated in declared order.
type Criteria struct {
	ObjectTypeID string   `json:"objectTypeId,omitempty"`
	Clauses      []Clause `json:"clauses" validate:"dive"`
}

type Clause struct {
	Field   string   `json:"field" validate:"required"`
	Op      Operator `json:"op" validate:"required,oneof=eq neq in not_in gt gte lt lte exists not_exists"`
	Value   any      `json:"value,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Classification is an open set; callers must tolerate values beyond the constants.
type Classification string

const (
	Eligible    Classification = "eligible"
	Blocked     Classification = "blocked"
	Unavailable Classification = "unavailable"
)

// Availability is the evaluation result of one Action Type against one instance.
type Availability struct {
	ActionTypeID   string         `json:"actionTypeId"`
	DisplayName    string         `json:"displayName"`
	Classification Classification `json:"classification"`
	CriteriaPassed bool           `json:"criteriaPassed"`
	FailureReason  string         `json:"failureReason,omitempty"`
}

type ActionResult struct {
	Success bool          `json:"success"`
	Result  any           `json:"result,omitempty"`
	Errors  []RuleFailure `json:"errors,omitempty"`
}

// RuleFailure describes one failed step. Index is the rule position, or -1 for
// failures that happen before any rule runs.
type RuleFailure struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenantId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"keyHash"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

// TargetParam is the reserved parameter naming the object an action runs against.
const TargetParam = "objectId"

// TimeLayout is RFC 3339 with fixed nanosecond width, so stored timestamps sort
// lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
