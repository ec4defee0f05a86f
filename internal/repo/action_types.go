package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"metaflow/internal/domain"
)

const actionTypeColumns = `tenant_id,id,display_name,COALESCE(object_type_id,''),display_order,config_json,created_at,updated_at`

func scanActionType(scan func(dest ...any) error) (domain.ActionType, error) {
	var a domain.ActionType
	var payload string
	if err := scan(&a.TenantID, &a.ID, &a.DisplayName, &a.ObjectTypeID, &a.DisplayOrder, &payload, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	var cfg domain.ActionTypeConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return a, fmt.Errorf("decode action type %s config: %w", a.ID, err)
	}
	a.ApplyConfig(cfg)
	return a, nil
}

// UpsertActionType writes the full document; the last writer wins.
func (r Repo) UpsertActionType(ctx context.Context, tx *sql.Tx, a domain.ActionType) error {
	payload, err := json.Marshal(a.Config())
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO action_types(tenant_id,id,display_name,object_type_id,display_order,config_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,id) DO UPDATE SET display_name=excluded.display_name, object_type_id=excluded.object_type_id,
display_order=excluded.display_order, config_json=excluded.config_json, updated_at=excluded.updated_at`,
		a.TenantID, a.ID, a.DisplayName, nullable(a.ObjectTypeID), a.DisplayOrder, string(payload), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActionType(ctx context.Context, tenantID, id string) (domain.ActionType, error) {
	return r.GetActionTypeTx(ctx, nil, tenantID, id)
}

func (r Repo) GetActionTypeTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.ActionType, error) {
	row := r.queryRow(ctx, tx, `SELECT `+actionTypeColumns+` FROM action_types WHERE tenant_id=? AND id=?`, tenantID, id)
	a, err := scanActionType(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ActionType{}, ErrNotFound
	}
	return a, err
}

// ListActionTypes returns the tenant's Action Types in display order. A non-empty
// objectTypeID restricts the list to types attached to it.
func (r Repo) ListActionTypes(ctx context.Context, tenantID, objectTypeID string) ([]domain.ActionType, error) {
	return r.ListActionTypesTx(ctx, nil, tenantID, objectTypeID)
}

func (r Repo) ListActionTypesTx(ctx context.Context, tx *sql.Tx, tenantID, objectTypeID string) ([]domain.ActionType, error) {
	query := `SELECT ` + actionTypeColumns + ` FROM action_types WHERE tenant_id=?`
	args := []any{tenantID}
	if objectTypeID != "" {
		query += ` AND object_type_id=?`
		args = append(args, objectTypeID)
	}
	query += ` ORDER BY display_order, display_name, id`
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionType
	for rows.Next() {
		a, err := scanActionType(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteActionType(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	return affectedOrNotFound(r.exec(ctx, tx, `DELETE FROM action_types WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) DeleteActionTypesForObjectType(ctx context.Context, tx *sql.Tx, tenantID, objectTypeID string) (int64, error) {
	res, err := r.exec(ctx, tx, `DELETE FROM action_types WHERE tenant_id=? AND object_type_id=?`, tenantID, objectTypeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
