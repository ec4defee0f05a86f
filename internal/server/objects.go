package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/graph"
	"metaflow/internal/repo"
)

var objectErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGatewayTimeout,
}

func registerObjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/objects",
		Summary:     "List object instances",
		Tags:        []string{"objects"},
		Errors:      objectErrors,
	}, func(ctx context.Context, input *struct {
		TenantID     string `path:"tenant_id"`
		ObjectTypeID string `query:"objectTypeId"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []domain.Object `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListObjects(ctx, input.TenantID, repo.ObjectFilters{
			ObjectTypeID: input.ObjectTypeID,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Object `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-object",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/objects",
		Summary:       "Create object instance",
		Tags:          []string{"objects"},
		DefaultStatus: http.StatusCreated,
		Errors:        objectErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		Body     CreateObjectRequest `json:"body"`
	}) (*struct {
		Body domain.Object `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.CreateObject(ctx, input.TenantID, p.ActorID, domain.Object{
			ID:           input.Body.ID,
			ObjectTypeID: input.Body.ObjectTypeID,
			Fields:       input.Body.Fields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Object `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-object",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/objects/{id}",
		Summary:     "Get object instance",
		Tags:        []string{"objects"},
		Errors:      objectErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct {
		Body domain.Object `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		out, err := e.GetObject(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Object `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-object",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/objects/{id}",
		Summary:     "Replace object fields",
		Tags:        []string{"objects"},
		Errors:      objectErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		ID       string              `path:"id"`
		Body     UpdateObjectRequest `json:"body"`
	}) (*struct {
		Body domain.Object `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.UpdateObject(ctx, input.TenantID, p.ActorID, input.ID, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Object `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-object",
		Method:      http.MethodPatch,
		Path:        "/tenants/{tenant_id}/objects/{id}",
		Summary:     "Merge object fields",
		Description: "Keys set to null are removed.",
		Tags:        []string{"objects"},
		Errors:      objectErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		ID       string              `path:"id"`
		Body     UpdateObjectRequest `json:"body"`
	}) (*struct {
		Body domain.Object `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.PatchObject(ctx, input.TenantID, p.ActorID, input.ID, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Object `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-object",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/objects/{id}",
		Summary:       "Delete object instance",
		Description:   "Fails while other instances reference it.",
		Tags:          []string{"objects"},
		DefaultStatus: http.StatusNoContent,
		Errors:        objectErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct{}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteObject(ctx, input.TenantID, p.ActorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-related",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/objects/{id}/related/{relationship_id}",
		Summary:     "Instances related through one relationship",
		Tags:        []string{"objects"},
		Errors:      objectErrors,
	}, func(ctx context.Context, input *struct {
		TenantID       string `path:"tenant_id"`
		ID             string `path:"id"`
		RelationshipID string `path:"relationship_id"`
		Direction      string `query:"direction" doc:"forward or reverse; self relationships need reverse to reach the source side"`
	}) (*struct {
		Body []domain.Object `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ResolveRelated(ctx, input.TenantID, input.ID, input.RelationshipID, graph.Direction(input.Direction))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Object `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "object-actions",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/objects/{id}/actions",
		Summary:     "Classify every action attached to the instance's type",
		Tags:        []string{"objects", "actions"},
		Errors:      objectErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct {
		Body []domain.Availability `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetAvailableActionsForObject(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Availability `json:"body"`
		}{Body: items}, nil
	})
}
