package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("audit: transaction not found")

// Store persists transactions. There is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// Search returns matching rows oldest first, and the total match count.
	Search(ctx context.Context, q Query) ([]*Transaction, int, error)
}
