// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// ErrNotRunning is returned by TriggerPoll when the loop has not been started
// or has already stopped.
var ErrNotRunning = errors.New("poll service is not running")

// LoopState is the externally visible state of the polling loop.
type LoopState string

const (
	LoopStopped LoopState = "stopped"
	LoopIdle    LoopState = "idle"
	LoopCycle   LoopState = "cycle"
)

// CycleError describes why a cycle was aborted. Stage names the step that
// failed; Kind is the failure category used for logging and backoff.
type CycleError struct {
	Stage string
	Kind  model.FailureKind
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	Removed       []int
	Notified      []int
	Conflicts     []int
	NotifiedCount int
	Err           error
}

// Status is a point-in-time view of the loop for the status API.
type Status struct {
	State               LoopState
	Interval            time.Duration
	ErrorBackoff        time.Duration
	Cycles              int
	LastCycleStarted    time.Time
	LastCycleFinished   time.Time
	LastError           string
	ConsecutiveFailures int
	Notified            []int
}

// triggerRequest represents a manual poll trigger.
type triggerRequest struct {
	done chan CycleReport
}

// PollOption customizes a PollService.
type PollOption func(*PollService)

// WithAfterCycle registers a hook called on the loop goroutine after every
// cycle, successful or not.
func WithAfterCycle(fn func(CycleReport)) PollOption {
	return func(s *PollService) {
		s.afterCycle = fn
	}
}

// WithAfter replaces the timer used while idle. Intended for tests.
func WithAfter(fn func(time.Duration) <-chan time.Time) PollOption {
	return func(s *PollService) {
		s.after = fn
	}
}

// PollService runs the fetch, reconcile and notify cycle on a fixed interval.
// Only one cycle runs at a time, always on the goroutine that called Start.
type PollService struct {
	tracker      driven.Tracker
	store        driven.NotifiedStore
	chat         driven.ChatTransport
	formatter    *MessageFormatter
	interval     time.Duration
	errorBackoff time.Duration
	after        func(time.Duration) <-chan time.Time
	afterCycle   func(CycleReport)
	triggerCh    chan triggerRequest
	running      atomic.Bool

	mu       sync.RWMutex
	notified model.IDSet   // last durably saved set
	status   Status
	stopped  chan struct{} // closed when the current Start returns
}

// NewPollService creates a PollService. interval is the normal idle period
// between cycles; errorBackoff is the shorter idle period after a failed cycle.
func NewPollService(
	tracker driven.Tracker,
	store driven.NotifiedStore,
	chat driven.ChatTransport,
	formatter *MessageFormatter,
	interval time.Duration,
	errorBackoff time.Duration,
	opts ...PollOption,
) *PollService {
	s := &PollService{
		tracker:      tracker,
		store:        store,
		chat:         chat,
		formatter:    formatter,
		interval:     interval,
		errorBackoff: errorBackoff,
		after:        time.After,
		triggerCh:    make(chan triggerRequest),
		notified:     model.NewIDSet(),
		status: Status{
			State:        LoopStopped,
			Interval:     interval,
			ErrorBackoff: errorBackoff,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the notified set, runs a cycle immediately and then keeps
// cycling until ctx is canceled. It returns an error only when the store
// cannot be loaded, which must halt startup.
func (s *PollService) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("poll service already running")
	}
	defer s.running.Store(false)

	stopped := make(chan struct{})
	s.mu.Lock()
	s.stopped = stopped
	s.mu.Unlock()
	defer close(stopped)

	notified, err := s.store.Load(ctx)
	if err != nil {
		s.setState(LoopStopped)
		return fmt.Errorf("load notified set: %w", err)
	}
	s.commit(notified)
	slog.Info("notified set loaded", "count", notified.Len(), "ids", notified.Ints())

	delay := s.nextDelay(s.runCycle(ctx))

	for {
		s.setState(LoopIdle)

		select {
		case <-ctx.Done():
			s.setState(LoopStopped)
			slog.Info("poll service stopped")
			return nil
		case <-s.after(delay):
			delay = s.nextDelay(s.runCycle(ctx))
		case req := <-s.triggerCh:
			report := s.runCycle(ctx)
			req.done <- report
			delay = s.nextDelay(report)
		}
	}
}

// TriggerPoll runs a cycle now, bypassing the idle timer. It blocks until the
// cycle finishes or ctx is canceled, and returns the cycle's error if any.
// A trigger still waiting when Start returns fails with ErrNotRunning.
func (s *PollService) TriggerPoll(ctx context.Context) (CycleReport, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()

	if !s.running.Load() || stopped == nil {
		return CycleReport{}, ErrNotRunning
	}

	done := make(chan CycleReport, 1)
	select {
	case s.triggerCh <- triggerRequest{done: done}:
	case <-stopped:
		return CycleReport{}, ErrNotRunning
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}

	select {
	case report := <-done:
		return report, report.Err
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}
}

// Status returns a snapshot of the loop state.
func (s *PollService) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.status
	st.Notified = s.notified.Ints()
	return st
}

// Notified returns a copy of the notified set as last durably saved.
func (s *PollService) Notified() model.IDSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notified.Clone()
}

func (s *PollService) nextDelay(report CycleReport) time.Duration {
	if report.Err != nil {
		return s.errorBackoff
	}
	return s.interval
}

// runCycle executes one cycle, records and logs its outcome. The cycle is not
// interrupted by cancellation of ctx; each network call has its own timeout.
func (s *PollService) runCycle(ctx context.Context) CycleReport {
	s.setState(LoopCycle)
	cycleCtx := context.WithoutCancel(ctx)

	report := CycleReport{StartedAt: time.Now()}
	report.Err = s.cycle(cycleCtx, &report)
	report.FinishedAt = time.Now()
	report.NotifiedCount = s.Notified().Len()

	s.record(report)

	if report.Err != nil {
		attrs := []any{"error", report.Err, "retry_in", s.errorBackoff}
		var cerr *CycleError
		if errors.As(report.Err, &cerr) {
			attrs = append(attrs, "stage", cerr.Stage, "kind", string(cerr.Kind))
		}
		slog.Error("poll cycle failed", attrs...)
	} else {
		slog.Info("poll cycle complete",
			"removed", len(report.Removed),
			"notified", len(report.Notified),
			"tracked", report.NotifiedCount,
			"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
		)
	}

	if s.afterCycle != nil {
		s.afterCycle(report)
	}

	return report
}

// cycle is the fetch, cleanup and notify pass. Every store write happens
// before the in-memory set is replaced, so a failed write never advances it.
func (s *PollService) cycle(ctx context.Context, report *CycleReport) error {
	notified := s.Notified()

	obs, err := s.observe(ctx, notified)
	if err != nil {
		return err
	}

	plan := Reconcile(notified, obs)

	if plan.Conflicts.Len() > 0 {
		report.Conflicts = plan.Conflicts.Ints()
		slog.Warn("merge requests reported ready but also closed, merged or unlabeled; not notifying",
			"ids", report.Conflicts)
	}

	if plan.Changed() {
		if err := s.store.Save(ctx, plan.Keep); err != nil {
			return &CycleError{Stage: "save cleanup", Kind: model.FailureStore, Err: err}
		}
		s.commit(plan.Keep)
		report.Removed = plan.Removed.Ints()
		slog.Info("retracted merge requests", "ids", report.Removed)
	}

	current := plan.Keep
	for _, snap := range plan.ToNotify {
		msg, err := s.formatter.Format(snap)
		if err != nil {
			return &CycleError{Stage: fmt.Sprintf("format !%d", snap.ID), Kind: model.FailureDelivery, Err: err}
		}

		if err := s.chat.Send(ctx, msg); err != nil {
			return &CycleError{Stage: fmt.Sprintf("notify !%d", snap.ID), Kind: model.FailureDelivery, Err: err}
		}

		next := current.Clone()
		next.Add(snap.ID)
		if err := s.store.Save(ctx, next); err != nil {
			slog.Error("notification sent but not recorded", "iid", int(snap.ID), "error", err)
			return &CycleError{Stage: fmt.Sprintf("save !%d", snap.ID), Kind: model.FailureStore, Err: err}
		}
		s.commit(next)
		current = next

		report.Notified = append(report.Notified, int(snap.ID))
		slog.Info("notified merge request", "iid", int(snap.ID), "title", snap.Title, "url", snap.URL)
	}

	return nil
}

// observe performs the four tracker queries. The per-id state lookup is
// limited to ids already notified.
func (s *PollService) observe(ctx context.Context, notified model.IDSet) (model.Observation, error) {
	openReady, err := s.tracker.FetchOpenReady(ctx)
	if err != nil {
		return model.Observation{}, fetchError("fetch open ready", err)
	}

	closed, err := s.tracker.FetchClosed(ctx)
	if err != nil {
		return model.Observation{}, fetchError("fetch closed", err)
	}

	var states map[model.MergeRequestID]model.MergeRequestState
	if notified.Len() > 0 {
		states, err = s.tracker.FetchStates(ctx, notified)
		if err != nil {
			return model.Observation{}, fetchError("fetch notified states", err)
		}
	}
	closedAmongNotified, merged := splitStates(states)

	openUnready, err := s.tracker.FetchOpenUnready(ctx)
	if err != nil {
		return model.Observation{}, fetchError("fetch open unready", err)
	}

	slog.Debug("tracker observed",
		"open_ready", len(openReady),
		"closed", closed.Len(),
		"merged_among_notified", merged.Len(),
		"open_unready", openUnready.Len(),
	)

	return model.Observation{
		OpenReady:   openReady,
		Closed:      closed.Union(closedAmongNotified.Intersect(notified)),
		Merged:      merged.Intersect(notified),
		OpenUnready: openUnready,
	}, nil
}

func fetchError(stage string, err error) error {
	kind := model.FailureFetch
	if errors.Is(err, model.ErrMalformedResponse) {
		kind = model.FailureMalformed
	}
	return &CycleError{Stage: stage, Kind: kind, Err: err}
}

// commit replaces the in-memory belief with a set that has been saved.
func (s *PollService) commit(ids model.IDSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = ids.Clone()
}

func (s *PollService) setState(state LoopState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}

func (s *PollService) record(report CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Cycles++
	s.status.LastCycleStarted = report.StartedAt
	s.status.LastCycleFinished = report.FinishedAt
	if report.Err != nil {
		s.status.LastError = report.Err.Error()
		s.status.ConsecutiveFailures++
		return
	}
	s.status.LastError = ""
	s.status.ConsecutiveFailures = 0
}
