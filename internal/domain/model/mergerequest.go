package model

// MergeRequestID is the project-local sequence number of a merge request
// (GitLab iid, GitHub pull request number). It is stable for the lifetime of
// the merge request and always positive.
type MergeRequestID int

// MergeRequestState is the lifecycle state reported by the tracker.
type MergeRequestState string

const (
	MergeRequestOpen   MergeRequestState = "open"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
)

// MergeRequestSnapshot is one merge request as observed during a single poll.
// Snapshots are never persisted.
type MergeRequestSnapshot struct {
	ID            MergeRequestID
	Title         string
	URL           string
	State         MergeRequestState
	HasReadyLabel bool
}

// Qualifies reports whether the merge request should be announced: open and
// carrying the ready label.
func (s MergeRequestSnapshot) Qualifies() bool {
	return s.State == MergeRequestOpen && s.HasReadyLabel
}

// Observation is everything fetched from the tracker in one cycle.
type Observation struct {
	// OpenReady keeps the tracker's ordering.
	OpenReady   []MergeRequestSnapshot
	Closed      IDSet
	Merged      IDSet // only ids that were already notified
	OpenUnready IDSet
}

// Message is a rendered chat notification.
type Message struct {
	Markdown string // Markdown source, titles escaped
	Text     string // same message without Markdown escapes, for plain-text clients
	HTML     string // sanitized rich body
}
