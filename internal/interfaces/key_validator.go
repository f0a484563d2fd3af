package interfaces

import (
	"context"

	"github.com/ternarybob/conveyor/internal/models"
)

// KeyValidator resolves a presented API key to a principal. Keys have a
// rotation lifetime; validators return unauthenticated errors for unknown
// or expired keys.
type KeyValidator interface {
	Validate(ctx context.Context, key string) (*models.Principal, error)
}
