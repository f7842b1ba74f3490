package system

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no system matches.
var ErrNotFound = errors.New("system: not found")

type Repository interface {
	// Upsert creates the system or updates its definition by name. Runtime
	// state (connectivity, timestamps) is never overwritten by an upsert.
	Upsert(ctx context.Context, s *System) error
	GetByID(ctx context.Context, id uuid.UUID) (*System, error)
	GetByName(ctx context.Context, name string) (*System, error)
	List(ctx context.Context) ([]*System, error)
	SetConnectivity(ctx context.Context, id uuid.UUID, state Connectivity, at time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}
