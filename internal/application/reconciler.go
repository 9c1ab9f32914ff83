package application

import "github.com/ericfisherdev/reviewready/internal/domain/model"

// Plan is the outcome of reconciling the notified set against one observation.
type Plan struct {
	// Keep is the notified set after the cleanup phase.
	Keep model.IDSet
	// Removed holds the ids dropped from the notified set by cleanup.
	Removed model.IDSet
	// ToNotify lists the open, ready, not yet notified merge requests in
	// tracker order, each id at most once.
	ToNotify []model.MergeRequestSnapshot
	// Conflicts holds ids reported as open and ready while also matching a
	// removal category. They are removed and never notified.
	Conflicts model.IDSet
}

// Changed reports whether cleanup altered the notified set.
func (p Plan) Changed() bool {
	return p.Removed.Len() > 0
}

// Reconcile computes which ids leave the notified set and which merge
// requests must be announced. It is pure: neither argument is modified.
//
// Removal categories are closed, merged (among notified) and open without the
// ready label. Cleanup wins over a stale ready observation.
func Reconcile(notified model.IDSet, obs model.Observation) Plan {
	toRemove := obs.Closed.Union(obs.Merged, obs.OpenUnready)

	keep := notified.Minus(toRemove)
	removed := notified.Intersect(toRemove)

	conflicts := model.NewIDSet()
	seen := model.NewIDSet()
	var toNotify []model.MergeRequestSnapshot

	for _, snap := range obs.OpenReady {
		if !snap.Qualifies() {
			continue
		}
		if toRemove.Has(snap.ID) {
			conflicts.Add(snap.ID)
			continue
		}
		if keep.Has(snap.ID) || seen.Has(snap.ID) {
			continue
		}
		seen.Add(snap.ID)
		toNotify = append(toNotify, snap)
	}

	return Plan{
		Keep:      keep,
		Removed:   removed,
		ToNotify:  toNotify,
		Conflicts: conflicts,
	}
}

// splitStates folds the per-id states returned for already notified merge
// requests into the closed and merged categories.
func splitStates(states map[model.MergeRequestID]model.MergeRequestState) (closed, merged model.IDSet) {
	closed = model.NewIDSet()
	merged = model.NewIDSet()
	for id, state := range states {
		switch state {
		case model.MergeRequestMerged:
			merged.Add(id)
		case model.MergeRequestClosed:
			closed.Add(id)
		}
	}
	return closed, merged
}
