package driven

import (
	"context"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
)

// NotifiedStore defines the driven port for the durable set of merge requests
// that have already been announced. Exactly one process may write a store.
type NotifiedStore interface {
	// Load returns the persisted set. A store that has never been written
	// yields an empty set; any other read or decode failure is an error.
	Load(ctx context.Context) (model.IDSet, error)
	// Save atomically replaces the whole persisted set.
	Save(ctx context.Context, ids model.IDSet) error
}
