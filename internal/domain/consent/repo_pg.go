package consent

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

// PGStore reads consent records maintained by the consent administration
// application. It has no write path.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const recordCols = `id, patient_id, data_category, purpose, status,
	effective_from, effective_to, decided_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.PatientID, &r.Scope.DataCategory, &r.Scope.Purpose, &r.Status,
		&r.EffectiveFrom, &r.EffectiveTo, &r.DecidedAt)
	return r, err
}

func (s *PGStore) RecordsForPatient(ctx context.Context, patientID string) ([]Record, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT `+recordCols+` FROM consent_records WHERE patient_id = $1 ORDER BY decided_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("consent: query records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("consent: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
