package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"metaflow/internal/dispatch"
	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/repo"
)

var procedureErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusGatewayTimeout,
}

func registerProcedures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list_actions",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/rpc/list_actions",
		Summary:     "List every action type of the tenant",
		Tags:        []string{"actions"},
		Errors:      procedureErrors,
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body []domain.ActionType `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListActions(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionType `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute_action",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/rpc/execute_action",
		Summary:     "Execute an action",
		Description: "Rule and handler failures are reported in the result with success=false; invalid parameters return 422.",
		Tags:        []string{"actions"},
		Errors:      procedureErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string               `path:"tenant_id"`
		Body     ExecuteActionRequest `json:"body"`
	}) (*struct {
		Body domain.ActionResult `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		actor := p.ActorID
		if input.Body.ActingUser != "" {
			actor = input.Body.ActingUser
		}
		res, err := e.ExecuteAction(ctx, dispatch.Request{
			TenantID:     input.TenantID,
			ActionTypeID: input.Body.ActionTypeID,
			ActorID:      actor,
			Parameters:   input.Body.Parameters,
			Atomic:       input.Body.Atomic,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get_available_actions_for_object",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/rpc/get_available_actions_for_object",
		Summary:     "Classify every action attached to an instance's type",
		Tags:        []string{"actions"},
		Errors:      procedureErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string                  `path:"tenant_id"`
		Body     AvailableActionsRequest `json:"body"`
	}) (*struct {
		Body []domain.Availability `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetAvailableActionsForObject(ctx, input.TenantID, input.Body.ObjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Availability `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/events",
		Summary:     "List events",
		Description: "Oldest first. Pass the last seen id as after to page.",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entityKind"`
		EntityID   string `query:"entityId"`
		After      int64  `query:"after"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListEvents(ctx, input.TenantID, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			After:      input.After,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/api-keys",
		Summary:       "Create an API key for the caller",
		Description:   "The key is only returned in this response.",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		Body     CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		raw, key, err := e.CreateAPIKey(ctx, input.TenantID, p.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/api-keys",
		Summary:     "List the caller's API keys",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Auth.ListAPIKeys(ctx, input.TenantID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/api-keys/{id}",
		Summary:       "Revoke an API key",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tenantItemPath) (*struct{}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Auth.RevokeAPIKey(ctx, input.TenantID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
