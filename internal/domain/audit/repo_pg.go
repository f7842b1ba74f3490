package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

// PGStore writes to exchange_transactions. The table grants the service
// role INSERT and SELECT only.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const txCols = `id, direction, system_id, system_name, operation, correlation_id, message_id, attempt,
	payload_hash, payload_size, consent_outcome, outcome, status_code, detail, latency_ms, recorded_at`

func (s *PGStore) Append(ctx context.Context, t *Transaction) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO exchange_transactions (`+txCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.Direction, t.SystemID, t.SystemName, t.Operation, t.CorrelationID, t.MessageID, t.Attempt,
		t.PayloadHash, t.PayloadSize, t.Consent, t.Outcome, t.StatusCode, t.Detail,
		t.Latency.Milliseconds(), t.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func scanTx(row pgx.Row) (*Transaction, error) {
	var (
		t         Transaction
		latencyMS int64
	)
	err := row.Scan(&t.ID, &t.Direction, &t.SystemID, &t.SystemName, &t.Operation, &t.CorrelationID,
		&t.MessageID, &t.Attempt, &t.PayloadHash, &t.PayloadSize, &t.Consent, &t.Outcome,
		&t.StatusCode, &t.Detail, &latencyMS, &t.RecordedAt)
	if err != nil {
		return nil, err
	}
	t.Latency = time.Duration(latencyMS) * time.Millisecond
	return &t, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	t, err := scanTx(db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT `+txCols+` FROM exchange_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// where renders q as a WHERE clause with positional arguments.
func (q Query) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.SystemID != nil {
		add("system_id = $%d", *q.SystemID)
	}
	if q.Direction != "" {
		add("direction = $%d", q.Direction)
	}
	if q.Outcome != "" {
		add("outcome = $%d", q.Outcome)
	}
	if q.CorrelationID != nil {
		add("correlation_id = $%d", *q.CorrelationID)
	}
	if q.MessageID != nil {
		add("message_id = $%d", *q.MessageID)
	}
	if q.Since != nil {
		add("recorded_at >= $%d", *q.Since)
	}
	if q.Until != nil {
		add("recorded_at < $%d", *q.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PGStore) Search(ctx context.Context, q Query) ([]*Transaction, int, error) {
	where, args := q.where()
	conn := db.Conn(ctx, s.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM exchange_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}

	sql := `SELECT ` + txCols + ` FROM exchange_transactions` + where + ` ORDER BY recorded_at, id`
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: search: %w", err)
	}
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}
