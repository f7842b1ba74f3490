package inbound

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

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const messageCols = `id, system_id, system_name, format, content_hash, size, raw, received_at`

const attemptCols = `id, message_id, number, status, kind, message_type, control_id, patient_id,
	correlation_id, structure, failure_category, failure_reason, entity_ids, version,
	created_at, updated_at, completed_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SystemID, &m.SystemName, &m.Format, &m.ContentHash, &m.Size, &m.Raw, &m.ReceivedAt)
	return &m, err
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		a         Attempt
		kind      string
		structure []byte
		entityIDs []byte
	)
	err := row.Scan(&a.ID, &a.MessageID, &a.Number, &a.Status, &kind, &a.MessageType, &a.ControlID,
		&a.PatientID, &a.CorrelationID, &structure, &a.FailureCategory, &a.FailureReason, &entityIDs,
		&a.Version, &a.CreatedAt, &a.UpdatedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	a.Kind = kindByName(kind)
	if len(structure) > 0 {
		a.Structure = structure
	}
	if len(entityIDs) > 0 {
		if err := json.Unmarshal(entityIDs, &a.EntityIDs); err != nil {
			return nil, fmt.Errorf("inbound: decode entity ids of attempt %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// attemptArgs returns the column values of a in attemptCols order.
func attemptArgs(a *Attempt) ([]any, error) {
	ids, err := json.Marshal(a.EntityIDs)
	if err != nil {
		return nil, fmt.Errorf("inbound: encode entity ids: %w", err)
	}
	var structure []byte
	if len(a.Structure) > 0 {
		structure = a.Structure
	}
	return []any{a.ID, a.MessageID, a.Number, a.Status, a.Kind.String(), a.MessageType, a.ControlID,
		a.PatientID, a.CorrelationID, structure, a.FailureCategory, a.FailureReason, ids, a.Version,
		a.CreatedAt, a.UpdatedAt, a.CompletedAt}, nil
}

const insertAttempt = `INSERT INTO inbound_attempts (` + attemptCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func (s *PGStore) CreateMessage(ctx context.Context, m *Message, first *Attempt) error {
	args, err := attemptArgs(first)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		_, err := conn.Exec(ctx, `INSERT INTO inbound_messages (`+messageCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.SystemID, m.SystemName, m.Format, m.ContentHash, m.Size, m.Raw, m.ReceivedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("inbound: insert message: %w", err)
		}
		if _, err := conn.Exec(ctx, insertAttempt, args...); err != nil {
			return fmt.Errorf("inbound: insert attempt: %w", err)
		}
		return nil
	})
}

func (s *PGStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := scanMessage(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+messageCols+` FROM inbound_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inbound: get message: %w", err)
	}
	return m, nil
}

// AddAttempt relies on the (message_id, number) unique constraint and
// checks the number against the latest attempt under a row lock on the
// message.
func (s *PGStore) AddAttempt(ctx context.Context, a *Attempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		var locked int
		err := conn.QueryRow(ctx, `SELECT 1 FROM inbound_messages WHERE id = $1 FOR UPDATE`, a.MessageID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("inbound: lock message: %w", err)
		}
		var latest int
		if err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(number), 0) FROM inbound_attempts WHERE message_id = $1`,
			a.MessageID).Scan(&latest); err != nil {
			return fmt.Errorf("inbound: latest attempt: %w", err)
		}
		if a.Number != latest+1 {
			return ErrConflict
		}
		if _, err := conn.Exec(ctx, insertAttempt, args...); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("inbound: insert attempt: %w", err)
		}
		return nil
	})
}

func (s *PGStore) GetAttempt(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	a, err := scanAttempt(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+attemptCols+` FROM inbound_attempts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inbound: get attempt: %w", err)
	}
	return a, nil
}

func (s *PGStore) Attempts(ctx context.Context, messageID uuid.UUID) ([]*Attempt, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT `+attemptCols+` FROM inbound_attempts WHERE message_id = $1 ORDER BY number`, messageID)
	if err != nil {
		return nil, fmt.Errorf("inbound: list attempts: %w", err)
	}
	defer rows.Close()
	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("inbound: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PGStore) UpdateAttempt(ctx context.Context, a *Attempt) error {
	ids, err := json.Marshal(a.EntityIDs)
	if err != nil {
		return fmt.Errorf("inbound: encode entity ids: %w", err)
	}
	var structure []byte
	if len(a.Structure) > 0 {
		structure = a.Structure
	}
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE inbound_attempts
		SET status = $3, kind = $4, message_type = $5, control_id = $6, patient_id = $7,
		    structure = $8, failure_category = $9, failure_reason = $10, entity_ids = $11,
		    updated_at = $12, completed_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Status, a.Kind.String(), a.MessageType, a.ControlID, a.PatientID,
		structure, a.FailureCategory, a.FailureReason, ids, a.UpdatedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("inbound: update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAttempt(ctx, a.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	a.Version++
	return nil
}
