// Package graph manages relationships between Object Types and resolves them over
// stored instances.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metaflow/internal/domain"
	"metaflow/internal/events"
	"metaflow/internal/metrics"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
	"metaflow/internal/schema"
)

type Graph struct {
	Repo   repo.Repo
	Schema schema.Registry
	Events events.Writer
	Log    *zap.Logger
	Now    func() time.Time
}

// Hop is one step along a relationship. Forward means source to target.
type Hop struct {
	Relationship domain.Relationship `json:"relationship"`
	Forward      bool                `json:"forward"`
}

// To returns the Object Type reached by the hop.
func (h Hop) To() string {
	if h.Forward {
		return h.Relationship.TargetTypeID
	}
	return h.Relationship.SourceTypeID
}

func (g Graph) log() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

func (g Graph) now() string {
	if g.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(g.Now())
}

func (g Graph) GetRelationship(ctx context.Context, tenantID, id string) (domain.Relationship, error) {
	rel, err := g.Repo.GetRelationship(ctx, tenantID, id)
	return rel, repo.AsNotFound(err, "relationship", id)
}

func (g Graph) ListRelationships(ctx context.Context, tenantID string) ([]domain.Relationship, error) {
	return g.Repo.ListRelationships(ctx, tenantID)
}

// DefineRelationship validates and stores a relationship. MANY_TO_MANY relationships
// without a junction type get one created in the same transaction.
func (g Graph) DefineRelationship(ctx context.Context, tenantID, actorID string, rel domain.Relationship) (domain.Relationship, error) {
	var out domain.Relationship
	err := g.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		out, err = g.DefineRelationshipTx(ctx, tx, tenantID, actorID, rel)
		return err
	})
	if err != nil {
		return domain.Relationship{}, err
	}
	return out, nil
}

func (g Graph) DefineRelationshipTx(ctx context.Context, tx *sql.Tx, tenantID, actorID string, rel domain.Relationship) (domain.Relationship, error) {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	rel.TenantID = tenantID
	if err := domain.Check(rel); err != nil {
		return domain.Relationship{}, err
	}
	if _, err := g.Repo.GetRelationshipTx(ctx, tx, tenantID, rel.ID); err == nil {
		return domain.Relationship{}, domain.Invalid("id", "relationship %s already exists", rel.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Relationship{}, err
	}
	src, err := g.loadType(ctx, tx, tenantID, rel.SourceTypeID, "sourceTypeId")
	if err != nil {
		return domain.Relationship{}, err
	}
	tgt, err := g.loadType(ctx, tx, tenantID, rel.TargetTypeID, "targetTypeId")
	if err != nil {
		return domain.Relationship{}, err
	}

	switch rel.Cardinality {
	case domain.OneToOne, domain.OneToMany:
		if rel.JunctionTypeID != "" {
			return domain.Relationship{}, domain.Invalid("junctionTypeId", "only MANY_TO_MANY relationships use a junction type")
		}
		key, err := foreignKey(tgt, src.ID, rel.ForeignKey)
		if err != nil {
			return domain.Relationship{}, err
		}
		rel.ForeignKey = key
		rel.JunctionSourceKey, rel.JunctionTargetKey = "", ""
	case domain.ManyToMany:
		if rel.ForeignKey != "" {
			return domain.Relationship{}, domain.Invalid("foreignKey", "MANY_TO_MANY relationships link through a junction type")
		}
		var jt domain.ObjectType
		if rel.JunctionTypeID == "" {
			jt, err = g.autoJunction(ctx, tx, tenantID, actorID, src, tgt)
			if err != nil {
				return domain.Relationship{}, err
			}
			rel.JunctionTypeID = jt.ID
		} else {
			jt, err = g.loadType(ctx, tx, tenantID, rel.JunctionTypeID, "junctionTypeId")
			if err != nil {
				return domain.Relationship{}, err
			}
		}
		sKey, tKey, err := schema.CheckJunction(jt, src.ID, tgt.ID)
		if err != nil {
			return domain.Relationship{}, err
		}
		rel.JunctionSourceKey, rel.JunctionTargetKey = sKey, tKey
	}

	rel.CreatedAt = g.now()
	if err := g.Repo.InsertRelationship(ctx, tx, rel); err != nil {
		return domain.Relationship{}, err
	}
	if err := g.Events.Append(ctx, tx, "relationship.defined", tenantID, "relationship", rel.ID, actorID, events.EventPayload{
		"sourceTypeId": rel.SourceTypeID,
		"targetTypeId": rel.TargetTypeID,
		"cardinality":  rel.Cardinality,
	}); err != nil {
		return domain.Relationship{}, err
	}
	metrics.SchemaWrites.WithLabelValues("relationship", "define").Inc()
	g.log().Info("relationship defined",
		zap.String("tenant_id", tenantID),
		zap.String("relationship_id", rel.ID),
		zap.String("cardinality", string(rel.Cardinality)),
	)
	return rel, nil
}

// DeleteRelationship removes the relationship. A junction type created for it stays
// in place together with its link instances. Relationships named by an Action Type rule
// cannot be deleted.
func (g Graph) DeleteRelationship(ctx context.Context, tenantID, actorID, id string) error {
	err := g.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := g.Repo.GetRelationshipTx(ctx, tx, tenantID, id); err != nil {
			return repo.AsNotFound(err, "relationship", id)
		}
		actions, err := g.Repo.ListActionTypesTx(ctx, tx, tenantID, "")
		if err != nil {
			return err
		}
		for _, a := range actions {
			if path := a.RelationshipReference(id); path != "" {
				return domain.Invalid("id", "relationship %s is used by action type %s at %s", id, a.ID, path)
			}
		}
		if err := g.Repo.DeleteRelationship(ctx, tx, tenantID, id); err != nil {
			return repo.AsNotFound(err, "relationship", id)
		}
		return g.Events.Append(ctx, tx, "relationship.deleted", tenantID, "relationship", id, actorID, nil)
	})
	if err != nil {
		return err
	}
	metrics.SchemaWrites.WithLabelValues("relationship", "delete").Inc()
	return nil
}

func (g Graph) loadType(ctx context.Context, tx *sql.Tx, tenantID, id, field string) (domain.ObjectType, error) {
	t, err := g.Repo.GetObjectTypeTx(ctx, tx, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, domain.Invalid(field, "unknown object type %s", id)
	}
	return t, err
}

// foreignKey resolves the reference property on target that points at sourceID.
func foreignKey(target domain.ObjectType, sourceID, key string) (string, error) {
	if key != "" {
		spec, ok := target.Properties.Get(key)
		if !ok {
			return "", domain.Invalid("foreignKey", "object type %s has no property %s", target.ID, key)
		}
		if spec.Type != proptype.Reference || spec.TargetTypeID != sourceID {
			return "", domain.Invalid("foreignKey", "%s.%s must be a reference to %s", target.ID, key, sourceID)
		}
		return key, nil
	}
	var candidates []string
	for _, p := range target.Properties {
		if p.Spec.Type == proptype.Reference && p.Spec.TargetTypeID == sourceID {
			candidates = append(candidates, p.Key)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", domain.Invalid("foreignKey", "object type %s has no reference property pointing at %s", target.ID, sourceID)
	default:
		return "", domain.Invalid("foreignKey", "object type %s references %s through %s; name one", target.ID, sourceID, strings.Join(candidates, ", "))
	}
}

// autoJunction creates (or reuses) the <source>_<target>_link junction type.
func (g Graph) autoJunction(ctx context.Context, tx *sql.Tx, tenantID, actorID string, src, tgt domain.ObjectType) (domain.ObjectType, error) {
	id := src.ID + "_" + tgt.ID + "_link"
	existing, err := g.Repo.GetObjectTypeTx(ctx, tx, tenantID, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ObjectType{}, err
	}
	sKey, tKey := junctionKey(src.ID), junctionKey(tgt.ID)
	if src.ID == tgt.ID {
		sKey, tKey = sKey+"_a", tKey+"_b"
	}
	jt := domain.ObjectType{
		ID:          id,
		DisplayName: src.DisplayName + " / " + tgt.DisplayName,
		IsJunction:  true,
		Properties: proptype.Properties{
			{Key: sKey, Spec: proptype.Spec{Type: proptype.Reference, Required: true, TargetTypeID: src.ID}},
			{Key: tKey, Spec: proptype.Spec{Type: proptype.Reference, Required: true, TargetTypeID: tgt.ID}},
		},
	}
	return g.Schema.DefineObjectTypeTx(ctx, tx, tenantID, actorID, jt)
}

// junctionKey turns a type id into a valid property key.
func junctionKey(typeID string) string {
	var b strings.Builder
	for _, r := range typeID {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	key := b.String()
	if key == "" || unicode.IsDigit(rune(key[0])) {
		key = "_" + key
	}
	if len(key) > 60 {
		key = key[:60]
	}
	return key
}

// Direction picks the side of a relationship ResolveRelated follows.
type Direction string

const (
	// DirectionAuto follows the object's type; self relationships resolve forward.
	DirectionAuto Direction = ""
	// DirectionForward goes from a source instance to its targets.
	DirectionForward Direction = "forward"
	// DirectionReverse goes from a target instance back to its sources.
	DirectionReverse Direction = "reverse"
)

// ResolveRelated returns the instances linked to objectID through relationshipID,
// ordered by creation time then id.
func (g Graph) ResolveRelated(ctx context.Context, tenantID, objectID, relationshipID string, dir Direction) ([]domain.Object, error) {
	obj, err := g.Repo.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return nil, repo.AsNotFound(err, "object", objectID)
	}
	rel, err := g.Repo.GetRelationship(ctx, tenantID, relationshipID)
	if err != nil {
		return nil, repo.AsNotFound(err, "relationship", relationshipID)
	}
	fromSource := obj.ObjectTypeID == rel.SourceTypeID
	fromTarget := obj.ObjectTypeID == rel.TargetTypeID
	if !fromSource && !fromTarget {
		return nil, domain.Invalid("relationshipId", "relationship %s does not touch object type %s", rel.ID, obj.ObjectTypeID)
	}
	hop := Hop{Relationship: rel}
	switch dir {
	case DirectionAuto:
		hop.Forward = fromSource
	case DirectionForward:
		if !fromSource {
			return nil, domain.Invalid("direction", "object type %s is not the source of relationship %s", obj.ObjectTypeID, rel.ID)
		}
		hop.Forward = true
	case DirectionReverse:
		if !fromTarget {
			return nil, domain.Invalid("direction", "object type %s is not the target of relationship %s", obj.ObjectTypeID, rel.ID)
		}
	default:
		return nil, domain.Invalid("direction", "unknown direction %q", dir)
	}
	return g.Follow(ctx, tenantID, obj, hop)
}

// Follow returns the instances one hop away from obj.
func (g Graph) Follow(ctx context.Context, tenantID string, obj domain.Object, hop Hop) ([]domain.Object, error) {
	rel := hop.Relationship
	switch rel.Cardinality {
	case domain.OneToOne, domain.OneToMany:
		if hop.Forward {
			out, err := g.Repo.ObjectsReferencing(ctx, nil, tenantID, obj.ID, rel.ForeignKey, rel.TargetTypeID)
			if err != nil {
				return nil, err
			}
			if rel.Cardinality == domain.OneToOne && len(out) > 1 {
				return nil, g.inconsistent(tenantID, rel, obj, len(out))
			}
			return out, nil
		}
		id, _ := obj.Fields[rel.ForeignKey].(string)
		if id == "" {
			return nil, nil
		}
		o, ok, err := g.lookup(ctx, tenantID, id, rel.SourceTypeID)
		if err != nil || !ok {
			return nil, err
		}
		return []domain.Object{o}, nil
	case domain.ManyToMany:
		near, far, farType := rel.JunctionSourceKey, rel.JunctionTargetKey, rel.TargetTypeID
		if !hop.Forward {
			near, far, farType = far, near, rel.SourceTypeID
		}
		links, err := g.Repo.ObjectsReferencing(ctx, nil, tenantID, obj.ID, near, rel.JunctionTypeID)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(links))
		var out []domain.Object
		for _, link := range links {
			id, _ := link.Fields[far].(string)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			o, ok, err := g.lookup(ctx, tenantID, id, farType)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, o)
			}
		}
		sortObjects(out)
		return out, nil
	default:
		return nil, domain.Invalid("cardinality", "unknown cardinality %q", rel.Cardinality)
	}
}

func (g Graph) lookup(ctx context.Context, tenantID, id, typeID string) (domain.Object, bool, error) {
	o, err := g.Repo.GetObject(ctx, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		g.log().Warn("dangling reference", zap.String("tenant_id", tenantID), zap.String("object_id", id))
		return o, false, nil
	}
	if err != nil {
		return o, false, err
	}
	return o, o.ObjectTypeID == typeID, nil
}

func (g Graph) inconsistent(tenantID string, rel domain.Relationship, obj domain.Object, matches int) error {
	metrics.ConsistencyIncidents.Inc()
	g.log().Error("data integrity incident: ONE_TO_ONE relationship has several matches",
		zap.String("tenant_id", tenantID),
		zap.String("relationship_id", rel.ID),
		zap.String("object_id", obj.ID),
		zap.Int("matches", matches),
	)
	return &domain.ConsistencyError{RelationshipID: rel.ID, ObjectID: obj.ID, Matches: matches}
}

// FindPath returns the shortest relationship path from one Object Type to another.
// Relationships are walked in both directions, in id order, so the result is
// deterministic. An empty path means the types are equal.
func (g Graph) FindPath(ctx context.Context, tenantID, fromTypeID, toTypeID string) ([]Hop, error) {
	if fromTypeID == toTypeID {
		return nil, nil
	}
	rels, err := g.Repo.ListRelationships(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	type step struct {
		prev string
		hop  Hop
	}
	visited := map[string]step{fromTypeID: {}}
	queue := []string{fromTypeID}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, rel := range rels {
			for _, hop := range []Hop{{Relationship: rel, Forward: true}, {Relationship: rel, Forward: false}} {
				from := rel.SourceTypeID
				if !hop.Forward {
					from = rel.TargetTypeID
				}
				if from != node {
					continue
				}
				next := hop.To()
				if _, seen := visited[next]; seen {
					continue
				}
				visited[next] = step{prev: node, hop: hop}
				if next == toTypeID {
					var path []Hop
					for at := next; at != fromTypeID; at = visited[at].prev {
						path = append(path, visited[at].hop)
					}
					for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
						path[i], path[j] = path[j], path[i]
					}
					return path, nil
				}
				queue = append(queue, next)
			}
		}
	}
	return nil, &domain.UnreachableTargetError{FromTypeID: fromTypeID, ToTypeID: toTypeID}
}

// Traverse follows path from obj and returns the distinct instances reached.
func (g Graph) Traverse(ctx context.Context, tenantID string, obj domain.Object, path []Hop) ([]domain.Object, error) {
	frontier := []domain.Object{obj}
	for _, hop := range path {
		seen := map[string]struct{}{}
		var next []domain.Object
		for _, o := range frontier {
			related, err := g.Follow(ctx, tenantID, o, hop)
			if err != nil {
				return nil, err
			}
			for _, r := range related {
				if _, dup := seen[r.ID]; dup {
					continue
				}
				seen[r.ID] = struct{}{}
				next = append(next, r)
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return frontier, nil
}

func sortObjects(objs []domain.Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		if objs[i].CreatedAt != objs[j].CreatedAt {
			return objs[i].CreatedAt < objs[j].CreatedAt
		}
		return objs[i].ID < objs[j].ID
	})
}
