package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const resourceCols = `id, system_id, resource_type, external_id, entity, entity_id, version_id, valid, synced_at, created_at`

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	err := row.Scan(&r.ID, &r.SystemID, &r.ResourceType, &r.ExternalID, &r.Entity, &r.EntityID,
		&r.VersionID, &r.Valid, &r.SyncedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func notFound(r *Resource, err error) (*Resource, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// snapshot copies the current row of id into exchanged_resource_history.
func snapshot(ctx context.Context, q db.Querier, id uuid.UUID, at time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO exchanged_resource_history (resource_id, version_id, valid, synced_at, superseded_at)
		SELECT id, version_id, valid, synced_at, $2 FROM exchanged_resources WHERE id = $1`, id, at)
	return err
}

func (s *PGStore) Sync(ctx context.Context, r *Resource) (*Resource, error) {
	var out *Resource
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		cur, err := scanResource(conn.QueryRow(ctx, `SELECT `+resourceCols+` FROM exchanged_resources
			WHERE system_id = $1 AND resource_type = $2 AND external_id = $3 FOR UPDATE`,
			r.SystemID, r.ResourceType, r.ExternalID))
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = scanResource(conn.QueryRow(ctx, `
				INSERT INTO exchanged_resources (id, system_id, resource_type, external_id, entity, entity_id, version_id, valid, synced_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
				RETURNING `+resourceCols,
				uuid.New(), r.SystemID, r.ResourceType, r.ExternalID, r.Entity, r.EntityID, r.VersionID, r.Valid, r.SyncedAt))
			return err
		}
		if err != nil {
			return err
		}
		if err := snapshot(ctx, conn, cur.ID, r.SyncedAt); err != nil {
			return fmt.Errorf("exchange: preserve history: %w", err)
		}
		out, err = scanResource(conn.QueryRow(ctx, `
			UPDATE exchanged_resources
			SET version_id = $2, valid = $3, synced_at = $4,
				entity = COALESCE($5, entity), entity_id = COALESCE($6, entity_id)
			WHERE id = $1
			RETURNING `+resourceCols,
			cur.ID, r.VersionID, r.Valid, r.SyncedAt, nullIfEmpty(r.Entity, r.EntityID), r.EntityID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: sync %s/%s: %w", r.ResourceType, r.ExternalID, err)
	}
	return out, nil
}

// nullIfEmpty keeps the stored entity name when no entity id is supplied.
func nullIfEmpty(entity string, id *uuid.UUID) *string {
	if id == nil || entity == "" {
		return nil
	}
	return &entity
}

func (s *PGStore) Get(ctx context.Context, systemID uuid.UUID, resourceType, externalID string) (*Resource, error) {
	return notFound(scanResource(db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT `+resourceCols+` FROM exchanged_resources
		WHERE system_id = $1 AND resource_type = $2 AND external_id = $3`, systemID, resourceType, externalID)))
}

func (s *PGStore) FindByEntity(ctx context.Context, systemID uuid.UUID, entity string, entityID uuid.UUID) (*Resource, error) {
	return notFound(scanResource(db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT `+resourceCols+` FROM exchanged_resources
		WHERE system_id = $1 AND entity = $2 AND entity_id = $3
		ORDER BY synced_at DESC LIMIT 1`, systemID, entity, entityID)))
}

func (s *PGStore) Invalidate(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		var valid bool
		err := conn.QueryRow(ctx, `SELECT valid FROM exchanged_resources WHERE id = $1 FOR UPDATE`, id).Scan(&valid)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil || !valid {
			return err
		}
		if err := snapshot(ctx, conn, id, at); err != nil {
			return fmt.Errorf("exchange: preserve history: %w", err)
		}
		_, err = conn.Exec(ctx, `UPDATE exchanged_resources SET valid = false, synced_at = $2 WHERE id = $1`, id, at)
		return err
	})
}

func (s *PGStore) History(ctx context.Context, id uuid.UUID) ([]Revision, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT resource_id, version_id, valid, synced_at, superseded_at
		FROM exchanged_resource_history WHERE resource_id = $1 ORDER BY superseded_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("exchange: history: %w", err)
	}
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.ResourceID, &rev.VersionID, &rev.Valid, &rev.SyncedAt, &rev.SupersededAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}
