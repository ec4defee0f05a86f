package repo

import (
	"context"
	"database/sql"

	"metaflow/internal/domain"
)

const relationshipColumns = `tenant_id,id,source_type_id,target_type_id,cardinality,COALESCE(foreign_key,''),COALESCE(junction_type_id,''),
COALESCE(junction_source_key,''),COALESCE(junction_target_key,''),created_at`

func scanRelationship(scan func(dest ...any) error) (domain.Relationship, error) {
	var rel domain.Relationship
	var cardinality string
	err := scan(&rel.TenantID, &rel.ID, &rel.SourceTypeID, &rel.TargetTypeID, &cardinality, &rel.ForeignKey,
		&rel.JunctionTypeID, &rel.JunctionSourceKey, &rel.JunctionTargetKey, &rel.CreatedAt)
	rel.Cardinality = domain.Cardinality(cardinality)
	return rel, err
}

func (r Repo) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := r.exec(ctx, tx, `INSERT INTO relationships(tenant_id,id,source_type_id,target_type_id,cardinality,foreign_key,junction_type_id,junction_source_key,junction_target_key,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rel.TenantID, rel.ID, rel.SourceTypeID, rel.TargetTypeID, string(rel.Cardinality), nullable(rel.ForeignKey),
		nullable(rel.JunctionTypeID), nullable(rel.JunctionSourceKey), nullable(rel.JunctionTargetKey), rel.CreatedAt)
	return err
}

func (r Repo) GetRelationship(ctx context.Context, tenantID, id string) (domain.Relationship, error) {
	return r.GetRelationshipTx(ctx, nil, tenantID, id)
}

func (r Repo) GetRelationshipTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Relationship, error) {
	row := r.queryRow(ctx, tx, `SELECT `+relationshipColumns+` FROM relationships WHERE tenant_id=? AND id=?`, tenantID, id)
	rel, err := scanRelationship(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Relationship{}, ErrNotFound
	}
	return rel, err
}

// ListRelationships returns the tenant's relationships ordered by id.
func (r Repo) ListRelationships(ctx context.Context, tenantID string) ([]domain.Relationship, error) {
	return r.ListRelationshipsTx(ctx, nil, tenantID)
}

func (r Repo) ListRelationshipsTx(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.Relationship, error) {
	rows, err := r.query(ctx, tx, `SELECT `+relationshipColumns+` FROM relationships WHERE tenant_id=? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// ListRelationshipsUsingJunction returns MANY_TO_MANY relationships materialized
// through the given junction type.
func (r Repo) ListRelationshipsUsingJunction(ctx context.Context, tx *sql.Tx, tenantID, junctionTypeID string) ([]domain.Relationship, error) {
	rows, err := r.query(ctx, tx, `SELECT `+relationshipColumns+` FROM relationships WHERE tenant_id=? AND junction_type_id=? ORDER BY id`, tenantID, junctionTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRelationship(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	return affectedOrNotFound(r.exec(ctx, tx, `DELETE FROM relationships WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) DeleteRelationshipsForType(ctx context.Context, tx *sql.Tx, tenantID, typeID string) (int64, error) {
	res, err := r.exec(ctx, tx, `DELETE FROM relationships WHERE tenant_id=? AND (source_type_id=? OR target_type_id=? OR junction_type_id=?)`,
		tenantID, typeID, typeID, typeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
