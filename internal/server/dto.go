package server

import (
	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/graph"
)

type ExecuteActionRequest struct {
	ActionTypeID string         `json:"actionTypeId" doc:"Action Type to run"`
	Parameters   map[string]any `json:"parameters,omitempty" doc:"Parameter values; objectId names the target instance"`
	ActingUser   string         `json:"actingUser,omitempty" doc:"Actor recorded for the execution; defaults to the caller"`
	Atomic       bool           `json:"atomic,omitempty" doc:"Run every rule in one transaction, rolled back on failure"`
}

type AvailableActionsRequest struct {
	ObjectID string `json:"objectId"`
}

type CreateObjectRequest struct {
	ID           string         `json:"id,omitempty"`
	ObjectTypeID string         `json:"objectTypeId"`
	Fields       map[string]any `json:"fields,omitempty"`
}

type UpdateObjectRequest struct {
	Fields map[string]any `json:"fields"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"createdAt"`
	// Key is only returned once, on creation.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, TenantID: k.TenantID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

type HopResponse struct {
	RelationshipID string `json:"relationshipId"`
	Direction      string `json:"direction" enum:"forward,reverse"`
	To             string `json:"to"`
}

func hopResponses(path []graph.Hop) []HopResponse {
	out := make([]HopResponse, 0, len(path))
	for _, h := range path {
		dir := "forward"
		if !h.Forward {
			dir = "reverse"
		}
		out = append(out, HopResponse{RelationshipID: h.Relationship.ID, Direction: dir, To: h.To()})
	}
	return out
}

type ImportResponse = engine.ImportResult
