package clinical

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("clinical: entity not found")

// Repository persists entities. Apply stores a set of entities as one
// unit: either every entity is created or updated, or none is.
type Repository interface {
	Apply(ctx context.Context, unit []*Entity) ([]*Entity, error)
	Get(ctx context.Context, id uuid.UUID) (*Entity, error)
	FindByKey(ctx context.Context, kind string, systemID uuid.UUID, key string) (*Entity, error)
	ListByPatient(ctx context.Context, patientID, kind string) ([]*Entity, error)
}
