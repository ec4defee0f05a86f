package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"metaflow/internal/domain"
)

const objectColumns = `o.tenant_id,o.id,o.object_type_id,o.fields_json,o.created_at,o.updated_at`

func scanObject(scan func(dest ...any) error) (domain.Object, error) {
	var o domain.Object
	var payload string
	if err := scan(&o.TenantID, &o.ID, &o.ObjectTypeID, &payload, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.Fields = map[string]any{}
	if err := json.Unmarshal([]byte(payload), &o.Fields); err != nil {
		return o, fmt.Errorf("decode object %s fields: %w", o.ID, err)
	}
	return o, nil
}

func collectObjects(rows *sql.Rows) ([]domain.Object, error) {
	defer rows.Close()
	var res []domain.Object
	for rows.Next() {
		o, err := scanObject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertObject stores a new instance together with its outgoing references, keyed by
// property.
func (r Repo) InsertObject(ctx context.Context, tx *sql.Tx, o domain.Object, refs map[string]string) error {
	payload, err := json.Marshal(o.Fields)
	if err != nil {
		return err
	}
	if _, err := r.exec(ctx, tx, `INSERT INTO objects(tenant_id,id,object_type_id,fields_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		o.TenantID, o.ID, o.ObjectTypeID, string(payload), o.CreatedAt, o.UpdatedAt); err != nil {
		return err
	}
	return r.writeRefs(ctx, tx, o.TenantID, o.ID, refs)
}

// UpdateObject overwrites the instance fields and replaces its references.
func (r Repo) UpdateObject(ctx context.Context, tx *sql.Tx, o domain.Object, refs map[string]string) error {
	payload, err := json.Marshal(o.Fields)
	if err != nil {
		return err
	}
	err = affectedOrNotFound(r.exec(ctx, tx, `UPDATE objects SET fields_json=?, updated_at=? WHERE tenant_id=? AND id=?`,
		string(payload), o.UpdatedAt, o.TenantID, o.ID))
	if err != nil {
		return err
	}
	return r.writeRefs(ctx, tx, o.TenantID, o.ID, refs)
}

func (r Repo) writeRefs(ctx context.Context, tx *sql.Tx, tenantID, objectID string, refs map[string]string) error {
	if _, err := r.exec(ctx, tx, `DELETE FROM object_refs WHERE tenant_id=? AND object_id=?`, tenantID, objectID); err != nil {
		return err
	}
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := r.exec(ctx, tx, `INSERT INTO object_refs(tenant_id,object_id,property_key,target_id) VALUES (?,?,?,?)`,
			tenantID, objectID, k, refs[k]); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetObject(ctx context.Context, tenantID, id string) (domain.Object, error) {
	return r.GetObjectTx(ctx, nil, tenantID, id)
}

func (r Repo) GetObjectTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Object, error) {
	row := r.queryRow(ctx, tx, `SELECT `+objectColumns+` FROM objects o WHERE o.tenant_id=? AND o.id=?`, tenantID, id)
	o, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Object{}, ErrNotFound
	}
	return o, err
}

type ObjectFilters struct {
	ObjectTypeID string
	Limit        int
}

// ListObjects returns instances in creation order.
func (r Repo) ListObjects(ctx context.Context, tenantID string, f ObjectFilters) ([]domain.Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects o WHERE o.tenant_id=?`
	args := []any{tenantID}
	if f.ObjectTypeID != "" {
		query += ` AND o.object_type_id=?`
		args = append(args, f.ObjectTypeID)
	}
	query += ` ORDER BY o.created_at, o.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	return collectObjects(rows)
}

// ObjectsReferencing returns instances of objectTypeID whose property key references
// targetID, in creation order.
func (r Repo) ObjectsReferencing(ctx context.Context, tx *sql.Tx, tenantID, targetID, key, objectTypeID string) ([]domain.Object, error) {
	rows, err := r.query(ctx, tx, `SELECT `+objectColumns+` FROM object_refs ref
JOIN objects o ON o.tenant_id=ref.tenant_id AND o.id=ref.object_id
WHERE ref.tenant_id=? AND ref.target_id=? AND ref.property_key=? AND o.object_type_id=?
ORDER BY o.created_at, o.id`, tenantID, targetID, key, objectTypeID)
	if err != nil {
		return nil, err
	}
	return collectObjects(rows)
}

// CountReferencesTo counts instances other than the target itself that reference it.
func (r Repo) CountReferencesTo(ctx context.Context, tx *sql.Tx, tenantID, targetID string) (int, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM object_refs WHERE tenant_id=? AND target_id=? AND object_id<>?`,
		tenantID, targetID, targetID).Scan(&n)
	return n, err
}

func (r Repo) DeleteObject(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	if err := affectedOrNotFound(r.exec(ctx, tx, `DELETE FROM objects WHERE tenant_id=? AND id=?`, tenantID, id)); err != nil {
		return err
	}
	_, err := r.exec(ctx, tx, `DELETE FROM object_refs WHERE tenant_id=? AND object_id=?`, tenantID, id)
	return err
}

func (r Repo) DeleteObjectsOfType(ctx context.Context, tx *sql.Tx, tenantID, objectTypeID string) (int64, error) {
	if _, err := r.exec(ctx, tx, `DELETE FROM object_refs WHERE tenant_id=? AND object_id IN (SELECT id FROM objects WHERE tenant_id=? AND object_type_id=?)`,
		tenantID, tenantID, objectTypeID); err != nil {
		return 0, err
	}
	res, err := r.exec(ctx, tx, `DELETE FROM objects WHERE tenant_id=? AND object_type_id=?`, tenantID, objectTypeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
