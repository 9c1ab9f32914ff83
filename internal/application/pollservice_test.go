package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/reviewready/internal/application"
	"github.com/ericfisherdev/reviewready/internal/domain/model"
)

const (
	testInterval = 300 * time.Second
	testBackoff  = 60 * time.Second
)

// --- Mock implementations ---

type mockTracker struct {
	mu          sync.Mutex
	openReady   []model.MergeRequestSnapshot
	closed      model.IDSet
	states      map[model.MergeRequestID]model.MergeRequestState
	openUnready model.IDSet

	openReadyErr   error
	closedErr      error
	statesErr      error
	openUnreadyErr error

	statesRequests []model.IDSet
	calls          int
}

func (m *mockTracker) FetchOpenReady(_ context.Context) ([]model.MergeRequestSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.openReadyErr != nil {
		return nil, m.openReadyErr
	}
	return append([]model.MergeRequestSnapshot(nil), m.openReady...), nil
}

func (m *mockTracker) FetchClosed(_ context.Context) (model.IDSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedErr != nil {
		return nil, m.closedErr
	}
	return m.closed.Clone(), nil
}

func (m *mockTracker) FetchStates(_ context.Context, ids model.IDSet) (map[model.MergeRequestID]model.MergeRequestState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statesRequests = append(m.statesRequests, ids.Clone())
	if m.statesErr != nil {
		return nil, m.statesErr
	}
	out := make(map[model.MergeRequestID]model.MergeRequestState)
	for id, st := range m.states {
		if ids.Has(id) {
			out[id] = st
		}
	}
	return out, nil
}

func (m *mockTracker) FetchOpenUnready(_ context.Context) (model.IDSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openUnreadyErr != nil {
		return nil, m.openUnreadyErr
	}
	return m.openUnready.Clone(), nil
}

func (m *mockTracker) set(fn func(m *mockTracker)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

type mockStore struct {
	mu      sync.Mutex
	ids     model.IDSet
	loadErr error
	saveErr error
	saves   []model.IDSet

	// When set, Load closes loadStarted and then waits for loadGate.
	loadStarted chan struct{}
	loadGate    chan struct{}
}

func (m *mockStore) Load(_ context.Context) (model.IDSet, error) {
	if m.loadGate != nil {
		close(m.loadStarted)
		<-m.loadGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.ids.Clone(), nil
}

func (m *mockStore) Save(_ context.Context, ids model.IDSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.ids = ids.Clone()
	m.saves = append(m.saves, ids.Clone())
	return nil
}

func (m *mockStore) current() model.IDSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids.Clone()
}

func (m *mockStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *mockStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

type mockChat struct {
	mu      sync.Mutex
	sent    []model.Message
	sendErr error
}

func (m *mockChat) Send(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChat) messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.sent...)
}

// --- Harness ---

// loopHarness runs a PollService with a manual clock: every idle wait is
// recorded and only ends when the test calls tick.
type loopHarness struct {
	t       *testing.T
	svc     *application.PollService
	reports chan application.CycleReport
	ticks   chan time.Time

	mu     sync.Mutex
	delays []time.Duration

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, tracker *mockTracker, store *mockStore, chat *mockChat) *loopHarness {
	t.Helper()

	formatter, err := application.NewMessageFormatter("")
	require.NoError(t, err)

	h := &loopHarness{
		t:       t,
		reports: make(chan application.CycleReport, 16),
		ticks:   make(chan time.Time),
		done:    make(chan error, 1),
	}

	h.svc = application.NewPollService(tracker, store, chat, formatter, testInterval, testBackoff,
		application.WithAfterCycle(func(r application.CycleReport) { h.reports <- r }),
		application.WithAfter(func(d time.Duration) <-chan time.Time {
			h.mu.Lock()
			h.delays = append(h.delays, d)
			h.mu.Unlock()
			return h.ticks
		}),
	)

	return h
}

func (h *loopHarness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.svc.Start(ctx)
	}()
	h.t.Cleanup(h.stop)
}

func (h *loopHarness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Error("poll service did not stop")
	}
}

func (h *loopHarness) nextReport() application.CycleReport {
	h.t.Helper()
	select {
	case r := <-h.reports:
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for cycle")
		return application.CycleReport{}
	}
}

func (h *loopHarness) tick() application.CycleReport {
	h.t.Helper()
	select {
	case h.ticks <- time.Now():
	case <-time.After(2 * time.Second):
		h.t.Fatal("loop is not idle")
	}
	return h.nextReport()
}

func (h *loopHarness) recordedDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

// waitIdle blocks until the loop has asked for n idle waits.
func (h *loopHarness) waitIdle(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.recordedDelays()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func newTracker() *mockTracker {
	return &mockTracker{
		closed:      model.NewIDSet(),
		openUnready: model.NewIDSet(),
		states:      map[model.MergeRequestID]model.MergeRequestState{},
	}
}

func cycleErrorKind(t *testing.T, err error) model.FailureKind {
	t.Helper()
	var cerr *application.CycleError
	require.ErrorAs(t, err, &cerr)
	return cerr.Kind
}

// --- Tests ---

func TestPollService_NotifiesNewReadyMergeRequest(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(42)}
	store := &mockStore{ids: model.NewIDSet()}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	report := h.nextReport()
	require.NoError(t, report.Err)
	assert.Equal(t, []int{42}, report.Notified)
	assert.Equal(t, []model.MergeRequestID{42}, store.current().Sorted())

	msgs := chat.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Markdown, "!42")
	assert.Contains(t, msgs[0].HTML, "!42")
}

func TestPollService_NoDuplicateAcrossCycles(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(42), ready(43)}
	store := &mockStore{ids: model.NewIDSet()}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	require.NoError(t, h.nextReport().Err)
	savesAfterFirst := store.saveCount()

	second := h.tick()
	require.NoError(t, second.Err)
	assert.Empty(t, second.Notified)
	assert.Len(t, chat.messages(), 2)
	assert.Equal(t, savesAfterFirst, store.saveCount(), "an unchanged cycle must not write the store")
}

func TestPollService_PersistsAfterEachNotification(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(3), ready(1), ready(2)}
	store := &mockStore{ids: model.NewIDSet()}

	h := newHarness(t, tracker, store, &mockChat{})
	h.start()
	require.NoError(t, h.nextReport().Err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saves, 3)
	assert.Equal(t, []model.MergeRequestID{3}, store.saves[0].Sorted())
	assert.Equal(t, []model.MergeRequestID{1, 3}, store.saves[1].Sorted())
	assert.Equal(t, []model.MergeRequestID{1, 2, 3}, store.saves[2].Sorted())
}

func TestPollService_ClosedIsRetracted(t *testing.T) {
	tracker := newTracker()
	tracker.closed = model.NewIDSet(42)
	store := &mockStore{ids: model.NewIDSet(42)}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	report := h.nextReport()
	require.NoError(t, report.Err)
	assert.Equal(t, []int{42}, report.Removed)
	assert.Equal(t, 0, store.current().Len())
	assert.Empty(t, chat.messages())
}

func TestPollService_LabelRemovedIsRetracted(t *testing.T) {
	tracker := newTracker()
	tracker.openUnready = model.NewIDSet(42)
	store := &mockStore{ids: model.NewIDSet(42)}

	h := newHarness(t, tracker, store, &mockChat{})
	h.start()

	require.NoError(t, h.nextReport().Err)
	assert.Equal(t, 0, store.current().Len())
}

func TestPollService_MergedAmongNotifiedIsRetracted(t *testing.T) {
	tracker := newTracker()
	tracker.states = map[model.MergeRequestID]model.MergeRequestState{
		42: model.MergeRequestMerged,
		43: model.MergeRequestClosed,
		44: model.MergeRequestOpen,
	}
	tracker.openReady = []model.MergeRequestSnapshot{ready(44)}
	store := &mockStore{ids: model.NewIDSet(42, 43, 44)}

	h := newHarness(t, tracker, store, &mockChat{})
	h.start()

	report := h.nextReport()
	require.NoError(t, report.Err)
	assert.Equal(t, []int{42, 43}, report.Removed)
	assert.Equal(t, []model.MergeRequestID{44}, store.current().Sorted())

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	require.Len(t, tracker.statesRequests, 1)
	assert.Equal(t, []model.MergeRequestID{42, 43, 44}, tracker.statesRequests[0].Sorted())
}

func TestPollService_StatesNotQueriedWhenNothingNotified(t *testing.T) {
	tracker := newTracker()
	store := &mockStore{ids: model.NewIDSet()}

	h := newHarness(t, tracker, store, &mockChat{})
	h.start()
	require.NoError(t, h.nextReport().Err)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.statesRequests)
}

func TestPollService_FetchFailureLeavesStateAndBacksOff(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(43)}
	tracker.closed = model.NewIDSet(42)
	tracker.closedErr = errors.New("connection reset by peer")
	store := &mockStore{ids: model.NewIDSet(42)}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	failed := h.nextReport()
	require.Error(t, failed.Err)
	assert.Equal(t, model.FailureFetch, cycleErrorKind(t, failed.Err))
	assert.Equal(t, []model.MergeRequestID{42}, store.current().Sorted())
	assert.Equal(t, 0, store.saveCount())
	assert.Empty(t, chat.messages())

	h.waitIdle(1)
	assert.Equal(t, testBackoff, h.recordedDelays()[0])

	tracker.set(func(m *mockTracker) { m.closedErr = nil })

	recovered := h.tick()
	require.NoError(t, recovered.Err)
	assert.Equal(t, []int{42}, recovered.Removed)
	assert.Equal(t, []int{43}, recovered.Notified)

	h.waitIdle(2)
	assert.Equal(t, testInterval, h.recordedDelays()[1])
}

func TestPollService_MalformedResponseCategory(t *testing.T) {
	tracker := newTracker()
	tracker.openReadyErr = fmt.Errorf("decode merge requests: %w", model.ErrMalformedResponse)
	store := &mockStore{ids: model.NewIDSet(1)}

	h := newHarness(t, tracker, store, &mockChat{})
	h.start()

	report := h.nextReport()
	assert.Equal(t, model.FailureMalformed, cycleErrorKind(t, report.Err))
	assert.Equal(t, []model.MergeRequestID{1}, store.current().Sorted())
}

func TestPollService_DeliveryFailureStopsCycle(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(1), ready(2)}
	store := &mockStore{ids: model.NewIDSet()}
	chat := &mockChat{sendErr: errors.New("M_FORBIDDEN")}

	h := newHarness(t, tracker, store, chat)
	h.start()

	report := h.nextReport()
	assert.Equal(t, model.FailureDelivery, cycleErrorKind(t, report.Err))
	assert.Equal(t, 0, store.saveCount())
	assert.Equal(t, 0, h.svc.Notified().Len())
}

func TestPollService_SaveFailureDoesNotAdvanceBelief(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(43)}
	store := &mockStore{ids: model.NewIDSet(), saveErr: errors.New("disk full")}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	failed := h.nextReport()
	assert.Equal(t, model.FailureStore, cycleErrorKind(t, failed.Err))
	assert.False(t, h.svc.Notified().Has(43))
	assert.Len(t, chat.messages(), 1)

	store.setSaveErr(nil)

	retried := h.tick()
	require.NoError(t, retried.Err)
	assert.Equal(t, []int{43}, retried.Notified)
	assert.True(t, h.svc.Notified().Has(43))
	assert.Equal(t, []model.MergeRequestID{43}, store.current().Sorted())
}

func TestPollService_CleanupSaveFailureKeepsOldSet(t *testing.T) {
	tracker := newTracker()
	tracker.closed = model.NewIDSet(42)
	tracker.openReady = []model.MergeRequestSnapshot{ready(50)}
	store := &mockStore{ids: model.NewIDSet(42), saveErr: errors.New("read-only file system")}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	report := h.nextReport()
	assert.Equal(t, model.FailureStore, cycleErrorKind(t, report.Err))
	assert.True(t, h.svc.Notified().Has(42))
	assert.Empty(t, chat.messages())
}

func TestPollService_RequalificationNotifiesAgain(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(42)}
	store := &mockStore{ids: model.NewIDSet()}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()
	require.Equal(t, []int{42}, h.nextReport().Notified)

	tracker.set(func(m *mockTracker) {
		m.openReady = nil
		m.openUnready = model.NewIDSet(42)
	})
	require.Equal(t, []int{42}, h.tick().Removed)

	tracker.set(func(m *mockTracker) {
		m.openReady = []model.MergeRequestSnapshot{ready(42)}
		m.openUnready = model.NewIDSet()
	})
	require.Equal(t, []int{42}, h.tick().Notified)

	assert.Len(t, chat.messages(), 2)
}

func TestPollService_ConflictIsRemovedNotNotified(t *testing.T) {
	tracker := newTracker()
	tracker.openReady = []model.MergeRequestSnapshot{ready(42)}
	tracker.closed = model.NewIDSet(42)
	store := &mockStore{ids: model.NewIDSet(42)}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()

	report := h.nextReport()
	require.NoError(t, report.Err)
	assert.Equal(t, []int{42}, report.Conflicts)
	assert.Equal(t, 0, store.current().Len())
	assert.Empty(t, chat.messages())
}

func TestPollService_StartFailsOnCorruptStore(t *testing.T) {
	tracker := newTracker()
	store := &mockStore{loadErr: fmt.Errorf("decode: %w", model.ErrCorruptState)}

	formatter, err := application.NewMessageFormatter("")
	require.NoError(t, err)
	svc := application.NewPollService(tracker, store, &mockChat{}, formatter, testInterval, testBackoff)

	err = svc.Start(context.Background())

	require.ErrorIs(t, err, model.ErrCorruptState)
	assert.Equal(t, 0, tracker.calls)
	assert.Equal(t, application.LoopStopped, svc.Status().State)
}

func TestPollService_TriggerPoll(t *testing.T) {
	tracker := newTracker()
	store := &mockStore{ids: model.NewIDSet()}
	chat := &mockChat{}

	h := newHarness(t, tracker, store, chat)
	h.start()
	require.NoError(t, h.nextReport().Err)

	tracker.set(func(m *mockTracker) { m.openReady = []model.MergeRequestSnapshot{ready(7)} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := h.svc.TriggerPoll(ctx)

	require.NoError(t, err)
	assert.Equal(t, []int{7}, report.Notified)
	assert.Equal(t, []int{7}, h.nextReport().Notified)
}

func TestPollService_TriggerPollNotRunning(t *testing.T) {
	formatter, err := application.NewMessageFormatter("")
	require.NoError(t, err)
	svc := application.NewPollService(newTracker(), &mockStore{}, &mockChat{}, formatter, testInterval, testBackoff)

	_, err = svc.TriggerPoll(context.Background())

	require.ErrorIs(t, err, application.ErrNotRunning)
}

func TestPollService_TriggerPollFailsFastWhenStartReturns(t *testing.T) {
	store := &mockStore{
		loadErr:     fmt.Errorf("decode: %w", model.ErrCorruptState),
		loadStarted: make(chan struct{}),
		loadGate:    make(chan struct{}),
	}
	formatter, err := application.NewMessageFormatter("")
	require.NoError(t, err)
	svc := application.NewPollService(newTracker(), store, &mockChat{}, formatter, testInterval, testBackoff)

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(context.Background()) }()
	<-store.loadStarted

	triggerErr := make(chan error, 1)
	go func() {
		_, err := svc.TriggerPoll(context.Background())
		triggerErr <- err
	}()

	close(store.loadGate)
	require.ErrorIs(t, <-startErr, model.ErrCorruptState)

	select {
	case err := <-triggerErr:
		require.ErrorIs(t, err, application.ErrNotRunning)
	case <-time.After(2 * time.Second):
		t.Fatal("TriggerPoll still blocked after Start returned")
	}
}

func TestPollService_Status(t *testing.T) {
	tracker := newTracker()
	tracker.openReadyErr = errors.New("502 Bad Gateway")
	store := &mockStore{ids: model.NewIDSet(5, 3)}

	h := newHarness(t, tracker, store, &mockChat{})
	h.start()
	h.nextReport()
	h.waitIdle(1)

	st := h.svc.Status()
	assert.Equal(t, application.LoopIdle, st.State)
	assert.Equal(t, 1, st.Cycles)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "502 Bad Gateway")
	assert.Equal(t, []int{3, 5}, st.Notified)
	assert.Equal(t, testInterval, st.Interval)
	assert.Equal(t, testBackoff, st.ErrorBackoff)

	tracker.set(func(m *mockTracker) { m.openReadyErr = nil })
	h.tick()

	st = h.svc.Status()
	assert.Equal(t, 2, st.Cycles)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
}

func TestPollService_StopsOnCancel(t *testing.T) {
	h := newHarness(t, newTracker(), &mockStore{ids: model.NewIDSet()}, &mockChat{})
	h.start()
	h.nextReport()

	h.stop()

	assert.Equal(t, application.LoopStopped, h.svc.Status().State)
}
