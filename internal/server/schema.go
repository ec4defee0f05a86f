package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"metaflow/internal/domain"
	"metaflow/internal/engine"
	"metaflow/internal/schema"
)

var schemaErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusGatewayTimeout,
}

type tenantPath struct {
	TenantID string `path:"tenant_id"`
}

type tenantItemPath struct {
	TenantID string `path:"tenant_id"`
	ID       string `path:"id"`
}

func registerObjectTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-object-types",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/object-types",
		Summary:     "List object types",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body []domain.ObjectType `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListObjectTypes(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ObjectType `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "define-object-type",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/object-types",
		Summary:       "Define object type",
		Description:   "Body is an object type document: {id?, displayName, titleKey?, isJunction?, properties}.",
		Tags:          []string{"schema"},
		DefaultStatus: http.StatusCreated,
		Errors:        schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		RawBody  []byte
	}) (*struct {
		Body domain.ObjectType `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		var t domain.ObjectType
		if err := decodeBody(input.RawBody, &t); err != nil {
			return nil, handleError(err)
		}
		out, err := e.DefineObjectType(ctx, input.TenantID, p.ActorID, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ObjectType `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-object-type",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/object-types/{id}",
		Summary:     "Get object type",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct {
		Body domain.ObjectType `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		out, err := e.GetObjectType(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ObjectType `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-object-type",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/object-types/{id}",
		Summary:     "Replace object type",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
		RawBody  []byte
	}) (*struct {
		Body domain.ObjectType `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		var t domain.ObjectType
		if err := decodeBody(input.RawBody, &t); err != nil {
			return nil, handleError(err)
		}
		t.ID = input.ID
		out, err := e.UpdateObjectType(ctx, input.TenantID, p.ActorID, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ObjectType `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-object-type",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/object-types/{id}",
		Summary:       "Delete object type",
		Description:   "Fails while instances, relationships or action types use the type, unless cascade is set.",
		Tags:          []string{"schema"},
		DefaultStatus: http.StatusNoContent,
		Errors:        schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
		Cascade  bool   `query:"cascade"`
	}) (*struct{}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteObjectType(ctx, input.TenantID, p.ActorID, input.ID, input.Cascade); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActionTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-action-types",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/action-types",
		Summary:     "List action types",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID     string `path:"tenant_id"`
		ObjectTypeID string `query:"objectTypeId" doc:"Only action types attached to this object type"`
	}) (*struct {
		Body []domain.ActionType `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListActionTypes(ctx, input.TenantID, input.ObjectTypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionType `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "define-action-type",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/action-types",
		Summary:       "Define action type",
		Description:   "Body is an action type document: {id?, displayName, objectTypeId?, displayOrder, executionType, handler?, parameters, rules, criteria?, description?}.",
		Tags:          []string{"schema"},
		DefaultStatus: http.StatusCreated,
		Errors:        schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		RawBody  []byte
	}) (*struct {
		Body domain.ActionType `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		var a domain.ActionType
		if err := decodeBody(input.RawBody, &a); err != nil {
			return nil, handleError(err)
		}
		out, err := e.DefineActionType(ctx, input.TenantID, p.ActorID, a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionType `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action-type",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/action-types/{id}",
		Summary:     "Get action type",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct {
		Body domain.ActionType `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		out, err := e.GetActionType(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionType `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action-type",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/action-types/{id}",
		Summary:     "Replace action type",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
		RawBody  []byte
	}) (*struct {
		Body domain.ActionType `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		var a domain.ActionType
		if err := decodeBody(input.RawBody, &a); err != nil {
			return nil, handleError(err)
		}
		a.ID = input.ID
		out, err := e.UpdateActionType(ctx, input.TenantID, p.ActorID, a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionType `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-action-type",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/action-types/{id}",
		Summary:       "Delete action type",
		Tags:          []string{"schema"},
		DefaultStatus: http.StatusNoContent,
		Errors:        schemaErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct{}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteActionType(ctx, input.TenantID, p.ActorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRelationships(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-relationships",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/relationships",
		Summary:     "List relationships",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body []domain.Relationship `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRelationships(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Relationship `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "define-relationship",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/relationships",
		Summary:       "Define relationship",
		Description:   "MANY_TO_MANY relationships without a junctionTypeId get a generated junction object type.",
		Tags:          []string{"schema"},
		DefaultStatus: http.StatusCreated,
		Errors:        schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		RawBody  []byte
	}) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		var rel domain.Relationship
		if err := decodeBody(input.RawBody, &rel); err != nil {
			return nil, handleError(err)
		}
		out, err := e.DefineRelationship(ctx, input.TenantID, p.ActorID, rel)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-relationship",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/relationships/{id}",
		Summary:     "Get relationship",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		out, err := e.GetRelationship(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-relationship",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenant_id}/relationships/{id}",
		Summary:       "Delete relationship",
		Tags:          []string{"schema"},
		DefaultStatus: http.StatusNoContent,
		Errors:        schemaErrors,
	}, func(ctx context.Context, input *tenantItemPath) (*struct{}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRelationship(ctx, input.TenantID, p.ActorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-path",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/paths",
		Summary:     "Shortest relationship path between two object types",
		Tags:        []string{"schema"},
		Errors:      append([]int{http.StatusUnprocessableEntity}, schemaErrors...),
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		From     string `query:"from" required:"true"`
		To       string `query:"to" required:"true"`
	}) (*struct {
		Body []HopResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		path, err := e.FindPath(ctx, input.TenantID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HopResponse `json:"body"`
		}{Body: hopResponses(path)}, nil
	})
}

func registerSchemaImport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-schema",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/schema/import",
		Summary:     "Import a schema bundle",
		Description: "Body is a YAML or JSON bundle with objectTypes, relationships and actionTypes. Applied in one transaction.",
		Tags:        []string{"schema"},
		Errors:      schemaErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		RawBody  []byte
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		p, err := authorize(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b, err := schema.DecodeBundle(input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ImportBundle(ctx, input.TenantID, p.ActorID, b)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: res}, nil
	})
}
