package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"metaflow/internal/domain"
	"metaflow/internal/repo"
	"metaflow/internal/schema"
)

// ImportResult counts what a bundle import wrote.
type ImportResult struct {
	ObjectTypes   int `json:"objectTypes"`
	Relationships int `json:"relationships"`
	ActionTypes   int `json:"actionTypes"`
}

// ImportBundle applies a schema bundle in one transaction. Existing Object and Action
// Types are overwritten; existing relationship ids are left alone.
func (e Engine) ImportBundle(ctx context.Context, tenantID, actorID string, b schema.Bundle) (ImportResult, error) {
	return call(ctx, e.StoreTimeout, "import_bundle", func(ctx context.Context) (ImportResult, error) {
		var res ImportResult
		ordered, err := schema.OrderObjectTypes(b.ObjectTypes)
		if err != nil {
			return res, err
		}
		err = e.Repo.WithTx(ctx, nil, func(tx *sql.Tx) error {
			for _, t := range ordered {
				if err := e.putObjectType(ctx, tx, tenantID, actorID, t); err != nil {
					return fmt.Errorf("object type %s: %w", t.ID, err)
				}
				res.ObjectTypes++
			}
			for i, rel := range b.Relationships {
				if rel.ID != "" {
					if _, err := e.Repo.GetRelationshipTx(ctx, tx, tenantID, rel.ID); err == nil {
						continue
					} else if !errors.Is(err, repo.ErrNotFound) {
						return err
					}
				}
				if _, err := e.Graph.DefineRelationshipTx(ctx, tx, tenantID, actorID, rel); err != nil {
					return fmt.Errorf("relationships[%d]: %w", i, err)
				}
				res.Relationships++
			}
			for i, a := range b.ActionTypes {
				if err := e.putActionType(ctx, tx, tenantID, actorID, a); err != nil {
					return fmt.Errorf("actionTypes[%d]: %w", i, err)
				}
				res.ActionTypes++
			}
			return nil
		})
		if err != nil {
			return ImportResult{}, err
		}
		return res, nil
	})
}

func (e Engine) putObjectType(ctx context.Context, tx *sql.Tx, tenantID, actorID string, t domain.ObjectType) error {
	_, err := e.Repo.GetObjectTypeTx(ctx, tx, tenantID, t.ID)
	switch {
	case err == nil:
		_, err = e.Schema.UpdateObjectTypeTx(ctx, tx, tenantID, actorID, t)
	case errors.Is(err, repo.ErrNotFound):
		_, err = e.Schema.DefineObjectTypeTx(ctx, tx, tenantID, actorID, t)
	}
	return err
}

func (e Engine) putActionType(ctx context.Context, tx *sql.Tx, tenantID, actorID string, a domain.ActionType) error {
	if a.ID == "" {
		_, err := e.Schema.DefineActionTypeTx(ctx, tx, tenantID, actorID, a)
		return err
	}
	_, err := e.Repo.GetActionTypeTx(ctx, tx, tenantID, a.ID)
	switch {
	case err == nil:
		_, err = e.Schema.UpdateActionTypeTx(ctx, tx, tenantID, actorID, a)
	case errors.Is(err, repo.ErrNotFound):
		_, err = e.Schema.DefineActionTypeTx(ctx, tx, tenantID, actorID, a)
	}
	return err
}
