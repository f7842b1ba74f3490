package inbound

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("inbound: not found")
	// ErrConflict reports a stale version on an attempt write, or an
	// attempt number that is no longer the next one.
	ErrConflict = errors.New("inbound: concurrent modification")
)

type Store interface {
	// CreateMessage stores a new message together with its first attempt.
	CreateMessage(ctx context.Context, m *Message, first *Attempt) error
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	// AddAttempt stores a follow-up attempt. a.Number must be exactly one
	// more than the latest stored attempt.
	AddAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*Attempt, error)
	// Attempts returns the attempts of a message by ascending number.
	Attempts(ctx context.Context, messageID uuid.UUID) ([]*Attempt, error)
	// UpdateAttempt writes a when the stored version equals a.Version and
	// increments a.Version.
	UpdateAttempt(ctx context.Context, a *Attempt) error
}
