package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("exchange: resource not found")

// Store keeps exchanged resources. Sync creates or updates a resource by
// (system, resource type, external id); an update first copies the
// previous state into the resource's history.
type Store interface {
	Sync(ctx context.Context, r *Resource) (*Resource, error)
	Get(ctx context.Context, systemID uuid.UUID, resourceType, externalID string) (*Resource, error)
	FindByEntity(ctx context.Context, systemID uuid.UUID, entity string, entityID uuid.UUID) (*Resource, error)
	// Invalidate clears the validity flag, preserving the prior state.
	Invalidate(ctx context.Context, id uuid.UUID, at time.Time) error
	History(ctx context.Context, id uuid.UUID) ([]Revision, error)
}
