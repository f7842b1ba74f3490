package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

const entityCols = `id, kind, natural_key, patient_id, system_id, attributes, version, source_message_id, created_at, updated_at`

func scanEntity(row pgx.Row) (*Entity, error) {
	var (
		e     Entity
		attrs []byte
	)
	err := row.Scan(&e.ID, &e.Kind, &e.Key, &e.PatientID, &e.SystemID, &attrs, &e.Version,
		&e.SourceMessageID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("clinical: decode attributes of %s: %w", e.ID, err)
	}
	return &e, nil
}

func (r *repoPG) Apply(ctx context.Context, unit []*Entity) ([]*Entity, error) {
	out := make([]*Entity, 0, len(unit))
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		out = out[:0]
		for _, e := range unit {
			saved, err := r.applyOne(ctx, e)
			if err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) applyOne(ctx context.Context, e *Entity) (*Entity, error) {
	if e.Kind == "" || e.Key == "" {
		return nil, ErrNoKey
	}
	conn := db.Conn(ctx, r.pool)
	cur, err := scanEntity(conn.QueryRow(ctx, `SELECT `+entityCols+` FROM clinical_entities
		WHERE kind = $1 AND system_id = $2 AND natural_key = $3 FOR UPDATE`, e.Kind, e.SystemID, e.Key))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("clinical: encode attributes: %w", err)
		}
		return scanEntity(conn.QueryRow(ctx, `
			INSERT INTO clinical_entities (id, kind, natural_key, patient_id, system_id, attributes, version, source_message_id)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			RETURNING `+entityCols,
			uuid.New(), e.Kind, e.Key, e.PatientID, e.SystemID, attrs, e.SourceMessageID))
	case err != nil:
		return nil, fmt.Errorf("clinical: load %s %s: %w", e.Kind, e.Key, err)
	}
	if !changed(cur.Attributes, e.Attributes) {
		return cur, nil
	}
	attrs, err := json.Marshal(merge(cur.Attributes, e.Attributes))
	if err != nil {
		return nil, fmt.Errorf("clinical: encode attributes: %w", err)
	}
	return scanEntity(conn.QueryRow(ctx, `
		UPDATE clinical_entities
		SET attributes = $2, patient_id = $3, source_message_id = $4, version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+entityCols,
		cur.ID, attrs, e.PatientID, e.SourceMessageID))
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Entity, error) {
	e, err := scanEntity(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+entityCols+` FROM clinical_entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *repoPG) FindByKey(ctx context.Context, kind string, systemID uuid.UUID, key string) (*Entity, error) {
	e, err := scanEntity(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+entityCols+` FROM clinical_entities
		WHERE kind = $1 AND system_id = $2 AND natural_key = $3`, kind, systemID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID, kind string) ([]*Entity, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+entityCols+` FROM clinical_entities
		WHERE patient_id = $1 AND ($2::text = '' OR kind = $2::text)
		ORDER BY created_at, natural_key`, patientID, kind)
	if err != nil {
		return nil, fmt.Errorf("clinical: list: %w", err)
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
