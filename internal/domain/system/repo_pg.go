package system

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

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const systemCols = `id, name, kind, base_url, protocol_version, auth_scheme, credential_ref,
	internal, field_separator, component_separator, segment_terminator, max_concurrency,
	active, connectivity, last_connected_at, last_probe_at, created_at, updated_at`

func scanSystem(row pgx.Row) (*System, error) {
	var s System
	err := row.Scan(&s.ID, &s.Name, &s.Kind, &s.BaseURL, &s.ProtocolVersion, &s.AuthScheme, &s.CredentialRef,
		&s.Internal, &s.FieldSep, &s.ComponentSep, &s.SegmentTerm, &s.MaxConcurrency,
		&s.Active, &s.Connectivity, &s.LastConnectedAt, &s.LastProbeAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) Upsert(ctx context.Context, s *System) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO external_systems (
			id, name, kind, base_url, protocol_version, auth_scheme, credential_ref,
			internal, field_separator, component_separator, segment_terminator, max_concurrency,
			active, connectivity
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,'unknown')
		ON CONFLICT (name) DO UPDATE SET
			kind=EXCLUDED.kind, base_url=EXCLUDED.base_url, protocol_version=EXCLUDED.protocol_version,
			auth_scheme=EXCLUDED.auth_scheme, credential_ref=EXCLUDED.credential_ref,
			internal=EXCLUDED.internal, field_separator=EXCLUDED.field_separator,
			component_separator=EXCLUDED.component_separator, segment_terminator=EXCLUDED.segment_terminator,
			max_concurrency=EXCLUDED.max_concurrency, active=EXCLUDED.active, updated_at=NOW()
		RETURNING `+systemCols,
		s.ID, s.Name, s.Kind, s.BaseURL, s.ProtocolVersion, s.AuthScheme, s.CredentialRef,
		s.Internal, s.FieldSep, s.ComponentSep, s.SegmentTerm, s.MaxConcurrency, s.Active,
	)
	stored, err := scanSystem(row)
	if err != nil {
		return fmt.Errorf("system: upsert %s: %w", s.Name, err)
	}
	*s = *stored
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*System, error) {
	return scanSystem(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+systemCols+` FROM external_systems WHERE id = $1`, id))
}

func (r *repoPG) GetByName(ctx context.Context, name string) (*System, error) {
	return scanSystem(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+systemCols+` FROM external_systems WHERE name = $1`, name))
}

func (r *repoPG) List(ctx context.Context) ([]*System, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+systemCols+` FROM external_systems ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("system: list: %w", err)
	}
	defer rows.Close()
	var out []*System
	for rows.Next() {
		s, err := scanSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("system: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) SetConnectivity(ctx context.Context, id uuid.UUID, state Connectivity, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE external_systems SET
			connectivity = $2::text,
			last_probe_at = $3,
			last_connected_at = CASE WHEN $2::text = 'connected' THEN $3 ELSE last_connected_at END,
			updated_at = NOW()
		WHERE id = $1`, id, state, at)
	if err != nil {
		return fmt.Errorf("system: set connectivity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE external_systems SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("system: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
