package driven

import (
	"context"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
)

// Tracker defines the driven port for reading merge request state from the
// code-review tracker. Every method either returns a complete answer or an
// error; a failed call is never reported as an empty result.
type Tracker interface {
	// FetchOpenReady returns open merge requests carrying the ready label, in
	// the tracker's default order.
	FetchOpenReady(ctx context.Context) ([]model.MergeRequestSnapshot, error)
	// FetchClosed returns ids in the closed state. Depending on the tracker
	// this may include merged merge requests.
	FetchClosed(ctx context.Context) (model.IDSet, error)
	// FetchStates returns the current state of each requested id that the
	// tracker knows about.
	FetchStates(ctx context.Context, ids model.IDSet) (map[model.MergeRequestID]model.MergeRequestState, error)
	// FetchOpenUnready returns open merge requests lacking the ready label.
	FetchOpenUnready(ctx context.Context) (model.IDSet, error)
}
