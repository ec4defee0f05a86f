package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"metaflow/internal/domain"
)

const objectTypeColumns = `tenant_id,id,display_name,config_json,created_at,updated_at`

func scanObjectType(scan func(dest ...any) error) (domain.ObjectType, error) {
	var t domain.ObjectType
	var payload string
	if err := scan(&t.TenantID, &t.ID, &t.DisplayName, &payload, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	var cfg domain.ObjectTypeConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return t, fmt.Errorf("decode object type %s config: %w", t.ID, err)
	}
	t.ApplyConfig(cfg)
	return t, nil
}

// UpsertObjectType writes the full document; the last writer wins.
func (r Repo) UpsertObjectType(ctx context.Context, tx *sql.Tx, t domain.ObjectType) error {
	payload, err := json.Marshal(t.Config())
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO object_types(`+objectTypeColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(tenant_id,id) DO UPDATE SET display_name=excluded.display_name, config_json=excluded.config_json, updated_at=excluded.updated_at`,
		t.TenantID, t.ID, t.DisplayName, string(payload), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetObjectType(ctx context.Context, tenantID, id string) (domain.ObjectType, error) {
	return r.GetObjectTypeTx(ctx, nil, tenantID, id)
}

func (r Repo) GetObjectTypeTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.ObjectType, error) {
	row := r.queryRow(ctx, tx, `SELECT `+objectTypeColumns+` FROM object_types WHERE tenant_id=? AND id=?`, tenantID, id)
	t, err := scanObjectType(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ObjectType{}, ErrNotFound
	}
	return t, err
}

func (r Repo) ListObjectTypes(ctx context.Context, tenantID string) ([]domain.ObjectType, error) {
	return r.ListObjectTypesTx(ctx, nil, tenantID)
}

func (r Repo) ListObjectTypesTx(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.ObjectType, error) {
	rows, err := r.query(ctx, tx, `SELECT `+objectTypeColumns+` FROM object_types WHERE tenant_id=? ORDER BY display_name, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ObjectType
	for rows.Next() {
		t, err := scanObjectType(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteObjectType(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	return affectedOrNotFound(r.exec(ctx, tx, `DELETE FROM object_types WHERE tenant_id=? AND id=?`, tenantID, id))
}

// TypeUsage counts what still depends on an Object Type.
type TypeUsage struct {
	Relationships int
	Objects       int
	ActionTypes   int
}

func (u TypeUsage) InUse() bool {
	return u.Relationships > 0 || u.Objects > 0 || u.ActionTypes > 0
}

func (r Repo) ObjectTypeUsage(ctx context.Context, tx *sql.Tx, tenantID, id string) (TypeUsage, error) {
	var u TypeUsage
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM relationships WHERE tenant_id=? AND (source_type_id=? OR target_type_id=? OR junction_type_id=?)`,
		tenantID, id, id, id).Scan(&u.Relationships)
	if err != nil {
		return u, err
	}
	if err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM objects WHERE tenant_id=? AND object_type_id=?`, tenantID, id).Scan(&u.Objects); err != nil {
		return u, err
	}
	if err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM action_types WHERE tenant_id=? AND object_type_id=?`, tenantID, id).Scan(&u.ActionTypes); err != nil {
		return u, err
	}
	return u, nil
}
