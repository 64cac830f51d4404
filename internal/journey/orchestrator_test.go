package journey_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/journey-service/internal/journey"
	"qms/journey-service/internal/models"
	"qms/journey-service/internal/store"
	"qms/journey-service/internal/store/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	entryID   = "entry-1"
	patientID = "patient-1"
	nurseID   = "nurse-1"
	doctorID  = "doctor-1"
)

var start = time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []journey.Notification
	err   error
	block chan struct{}
}

func (n *recordingNotifier) Notify(ctx context.Context, notification journey.Notification) error {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

func (n *recordingNotifier) Sent() []journey.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]journey.Notification(nil), n.sent...)
}

type mockIdentity struct {
	mock.Mock
}

func (m *mockIdentity) PatientDisplayName(ctx context.Context, patientID string) (string, error) {
	args := m.Called(ctx, patientID)
	return args.String(0), args.Error(1)
}

func (m *mockIdentity) StaffDisplayName(ctx context.Context, staffID string) (string, error) {
	args := m.Called(ctx, staffID)
	return args.String(0), args.Error(1)
}

type failingSteps struct{}

func (failingSteps) AppendStep(context.Context, models.JourneyStep) (models.JourneyStep, error) {
	return models.JourneyStep{}, errors.New("journey_steps unavailable")
}

type brokenEntries struct {
	store.EntryStore
}

func (brokenEntries) CompareAndSetStatus(context.Context, string, models.Status, models.EntryPatch) (models.QueueEntry, bool, error) {
	return models.QueueEntry{}, false, errors.New("connection reset")
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, journey.Notification) error {
	panic("template missing")
}

type fixture struct {
	store    *memory.Store
	clock    *testClock
	notifier *recordingNotifier
	logs     *lockedBuffer
	orch     *journey.Orchestrator
}

func newFixture(t *testing.T, opts ...func(*journey.Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		clock:    &testClock{now: start},
		notifier: &recordingNotifier{},
		logs:     &lockedBuffer{},
	}
	options := journey.Options{
		Notifier: f.notifier,
		Activity: f.store,
		Clock:    f.clock.Now,
		Logger:   zerolog.New(f.logs),
	}
	for _, opt := range opts {
		opt(&options)
	}
	f.orch = journey.New(f.store, f.store, options)
	t.Cleanup(f.orch.Wait)
	return f
}

func (f *fixture) seed(t *testing.T) models.QueueEntry {
	t.Helper()
	entry, err := f.store.CreateEntry(context.Background(), models.QueueEntry{
		ID:          entryID,
		StructureID: "structure-1",
		PatientID:   patientID,
		Status:      models.StatusWaiting,
		ArrivalTime: start,
		Priority:    models.PriorityHigh,
		UpdatedAt:   start,
	})
	require.NoError(t, err)
	return entry
}

func (f *fixture) steps(t *testing.T) []models.JourneyStep {
	t.Helper()
	steps, err := f.store.ListSteps(context.Background(), entryID)
	require.NoError(t, err)
	return steps
}

func TestCallStartCompleteScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	f.clock.Advance(5 * time.Minute)
	called, err := f.orch.Call(ctx, entry, nurseID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, called.Status)
	require.NotNil(t, called.CalledAt)
	assert.Equal(t, start.Add(5*time.Minute), *called.CalledAt)
	require.NotNil(t, called.AssignedTo)
	assert.Equal(t, nurseID, *called.AssignedTo)
	assert.Len(t, f.steps(t), 1)

	f.clock.Advance(5 * time.Minute)
	started, err := f.orch.Start(ctx, called, doctorID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInConsultation, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, start.Add(10*time.Minute), *started.StartedAt)

	f.clock.Advance(20 * time.Minute)
	completed, err := f.orch.Complete(ctx, started, doctorID, "follow-up in 2 weeks")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, start.Add(30*time.Minute), *completed.CompletedAt)

	_, err = f.orch.Complete(ctx, completed, doctorID, "")
	var invalid *journey.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StatusCompleted, invalid.Current)
	assert.Equal(t, models.StatusCompleted, invalid.Target)

	steps := f.steps(t)
	require.Len(t, steps, 3)
	assert.Equal(t, []models.Status{models.StatusCalled, models.StatusInConsultation, models.StatusCompleted},
		[]models.Status{steps[0].StepType, steps[1].StepType, steps[2].StepType})
	require.NotNil(t, steps[2].Notes)
	assert.Equal(t, "follow-up in 2 weeks", *steps[2].Notes)
	require.NotNil(t, steps[2].PerformedBy)
	assert.Equal(t, doctorID, *steps[2].PerformedBy)

	stored, err := f.store.GetEntry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, steps[len(steps)-1].StepType, stored.Status)
}

func TestCallTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	called, err := f.orch.Call(ctx, entry, nurseID, "")
	require.NoError(t, err)

	_, err = f.orch.Call(ctx, called, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrInvalidTransition)

	_, err = f.orch.Call(ctx, entry, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrConcurrencyConflict)

	assert.Len(t, f.steps(t), 1)
}

func TestConcurrentCallsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, actor := range []string{nurseID, doctorID} {
		wg.Add(1)
		go func(actorID string) {
			defer wg.Done()
			_, err := f.orch.Call(ctx, entry, actorID, "")
			errs <- err
		}(actor)
	}
	wg.Wait()
	close(errs)

	var succeeded, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, journey.ErrConcurrencyConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Len(t, f.steps(t), 1)
}

func TestCallAssignee(t *testing.T) {
	ctx := context.Background()

	t.Run("supplied", func(t *testing.T) {
		f := newFixture(t)
		called, err := f.orch.Call(ctx, f.seed(t), nurseID, "", journey.WithAssignee(doctorID))
		require.NoError(t, err)
		assert.Equal(t, doctorID, *called.AssignedTo)
	})

	t.Run("inherited", func(t *testing.T) {
		f := newFixture(t)
		entry := f.seed(t)
		noShow, err := f.orch.MarkNoShow(ctx, entry, nurseID, "")
		require.NoError(t, err)
		requeued, err := f.orch.Requeue(ctx, noShow, nurseID, "")
		require.NoError(t, err)
		called, err := f.orch.Call(ctx, requeued, nurseID, "", journey.WithAssignee(doctorID))
		require.NoError(t, err)
		reopened, err := f.orch.MarkNoShow(ctx, called, nurseID, "")
		require.NoError(t, err)
		requeued, err = f.orch.Requeue(ctx, reopened, nurseID, "")
		require.NoError(t, err)

		again, err := f.orch.Call(ctx, requeued, nurseID, "")
		require.NoError(t, err)
		assert.Equal(t, doctorID, *again.AssignedTo)
	})

	t.Run("no actor", func(t *testing.T) {
		f := newFixture(t)
		called, err := f.orch.Call(ctx, f.seed(t), "", "")
		require.NoError(t, err)
		assert.Nil(t, called.AssignedTo)
		assert.Nil(t, f.steps(t)[0].PerformedBy)
	})
}

func TestExamRoundTripKeepsFirstStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	called, err := f.orch.Call(ctx, entry, doctorID, "")
	require.NoError(t, err)
	started, err := f.orch.Start(ctx, called, doctorID, "")
	require.NoError(t, err)
	firstStart := *started.StartedAt

	f.clock.Advance(15 * time.Minute)
	exam, err := f.orch.SendToExam(ctx, started, doctorID, "blood panel")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingExam, exam.Status)

	_, err = f.orch.Complete(ctx, exam, doctorID, "")
	assert.ErrorIs(t, err, journey.ErrInvalidTransition)

	f.clock.Advance(30 * time.Minute)
	back, err := f.orch.ReturnFromExam(ctx, exam, doctorID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInConsultation, back.Status)
	assert.Equal(t, firstStart, *back.StartedAt)
	assert.Len(t, f.steps(t), 4)
}

func TestCancelAndClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	cancelled, err := f.orch.Cancel(ctx, entry, nurseID, "left the clinic")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	_, err = f.orch.Close(ctx, cancelled, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrInvalidTransition)
	_, err = f.orch.Requeue(ctx, cancelled, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrInvalidTransition)
}

func TestRequeueResetsClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	_, err := f.orch.Requeue(ctx, entry, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrInvalidTransition)

	called, err := f.orch.Call(ctx, entry, nurseID, "")
	require.NoError(t, err)
	noShow, err := f.orch.MarkNoShow(ctx, called, nurseID, "")
	require.NoError(t, err)
	stepsBefore := len(f.steps(t))

	f.clock.Advance(40 * time.Minute)
	requeued, err := f.orch.Requeue(ctx, noShow, nurseID, "came back late")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, requeued.Status)
	assert.Equal(t, start.Add(40*time.Minute), requeued.ArrivalTime)
	assert.Nil(t, requeued.CalledAt)
	assert.Nil(t, requeued.StartedAt)
	assert.Nil(t, requeued.CompletedAt)

	steps := f.steps(t)
	require.Len(t, steps, stepsBefore+1)
	last := steps[len(steps)-1]
	assert.Equal(t, models.StatusWaiting, last.StepType)
	assert.True(t, last.StepAt.After(steps[len(steps)-2].StepAt), "requeue step must follow the no-show step")
	require.NotNil(t, last.Notes)
	assert.Equal(t, "requeued after no-show; came back late", *last.Notes)
	assert.Equal(t, journey.Waiting{Minutes: 0, Formatted: "0 min"}, f.orch.Clock().WaitingTime(requeued.ArrivalTime))
}

func TestRequeueOnlyFromNoShow(t *testing.T) {
	for _, status := range models.AllStatuses {
		if status == models.StatusNoShow {
			continue
		}
		t.Run(status.String(), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			entry, err := f.store.CreateEntry(ctx, models.QueueEntry{
				ID:          entryID,
				StructureID: "structure-1",
				PatientID:   patientID,
				Status:      status,
				ArrivalTime: start,
				Priority:    models.PriorityNormal,
				UpdatedAt:   start,
			})
			require.NoError(t, err)

			f.clock.Advance(10 * time.Minute)
			_, err = f.orch.Requeue(ctx, entry, nurseID, "")
			var invalid *journey.InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, status, invalid.Current)
			assert.Equal(t, models.StatusWaiting, invalid.Target)

			stored, err := f.store.GetEntry(ctx, entryID)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, start, stored.ArrivalTime)
			assert.Empty(t, f.steps(t))
		})
	}
}

func TestStampsStayOrderedWhenClockStepsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.seed(t)

	f.clock.Advance(10 * time.Minute)
	called, err := f.orch.Call(ctx, entry, nurseID, "")
	require.NoError(t, err)

	f.clock.Advance(-5 * time.Minute)
	started, err := f.orch.Start(ctx, called, doctorID, "")
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	assert.False(t, started.StartedAt.Before(*called.CalledAt))
	assert.Equal(t, *called.CalledAt, *started.StartedAt)

	f.clock.Advance(-time.Hour)
	completed, err := f.orch.Complete(ctx, started, doctorID, "")
	require.NoError(t, err)
	require.NotNil(t, completed.CompletedAt)
	assert.False(t, completed.CompletedAt.Before(*started.StartedAt))

	steps := f.steps(t)
	require.Len(t, steps, 3)
	assert.Equal(t, []models.Status{models.StatusCalled, models.StatusInConsultation, models.StatusCompleted},
		[]models.Status{steps[0].StepType, steps[1].StepType, steps[2].StepType})
	for i := 1; i < len(steps); i++ {
		assert.False(t, steps[i].StepAt.Before(steps[i-1].StepAt), "step %d goes back in time", i)
	}

	noShowEntry, err := f.store.CreateEntry(ctx, models.QueueEntry{
		ID:          "entry-2",
		StructureID: "structure-1",
		PatientID:   patientID,
		Status:      models.StatusNoShow,
		ArrivalTime: start,
		UpdatedAt:   start.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	requeued, err := f.orch.Requeue(ctx, noShowEntry, nurseID, "")
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), requeued.ArrivalTime)
}

func TestMarkNoShowWithFailingLookups(t *testing.T) {
	ctx := context.Background()
	identity := &mockIdentity{}
	identity.On("PatientDisplayName", mock.Anything, patientID).Return("", errors.New("patients table locked"))
	f := newFixture(t, func(o *journey.Options) { o.Identity = identity })
	entry := f.seed(t)

	noShow, err := f.orch.MarkNoShow(ctx, entry, nurseID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, noShow.Status)
	f.orch.Wait()

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, nurseID, sent[0].TargetUserID)
	assert.Equal(t, "Patient did not show up for unassigned staff (12/01/2026 09:00).", sent[0].Body)
	assert.Equal(t, "/queue/"+entryID, sent[0].LinkPath)

	requeued, err := f.orch.Requeue(ctx, noShow, nurseID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, requeued.Status)
	identity.AssertExpectations(t)
}

func TestMarkNoShowNamesAssignee(t *testing.T) {
	ctx := context.Background()
	identity := &mockIdentity{}
	identity.On("PatientDisplayName", mock.Anything, patientID).Return("Jane Doe", nil)
	identity.On("StaffDisplayName", mock.Anything, doctorID).Return("Dr. Grey", nil)
	f := newFixture(t, func(o *journey.Options) { o.Identity = identity })

	called, err := f.orch.Call(ctx, f.seed(t), nurseID, "", journey.WithAssignee(doctorID))
	require.NoError(t, err)
	f.orch.Wait()
	f.clock.Advance(10 * time.Minute)
	_, err = f.orch.MarkNoShow(ctx, called, nurseID, "")
	require.NoError(t, err)
	f.orch.Wait()

	sent := f.notifier.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, doctorID, sent[0].TargetUserID)
	assert.Equal(t, "Patient called", sent[0].Title)
	assert.Equal(t, doctorID, sent[1].TargetUserID)
	assert.Equal(t, "Jane Doe did not show up for Dr. Grey (12/01/2026 09:10).", sent[1].Body)
}

func TestCallBySelfDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Call(context.Background(), f.seed(t), nurseID, "")
	require.NoError(t, err)
	f.orch.Wait()
	assert.Empty(t, f.notifier.Sent())
}

func TestAppendFailureKeepsTransition(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	logs := &lockedBuffer{}
	orch := journey.New(st, failingSteps{}, journey.Options{
		Clock:  func() time.Time { return start },
		Logger: zerolog.New(logs),
	})
	t.Cleanup(orch.Wait)
	entry, err := st.CreateEntry(ctx, models.QueueEntry{ID: entryID, Status: models.StatusWaiting, ArrivalTime: start})
	require.NoError(t, err)

	called, err := orch.Call(ctx, entry, nurseID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, called.Status)

	stored, err := st.GetEntry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, stored.Status)
	assert.Contains(t, logs.String(), `"channel":"audit_gap"`)
	assert.Contains(t, logs.String(), `"entry_id":"entry-1"`)
}

func TestPersistenceFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	orch := journey.New(brokenEntries{EntryStore: st}, st, journey.Options{})
	t.Cleanup(orch.Wait)
	entry, err := st.CreateEntry(ctx, models.QueueEntry{ID: entryID, Status: models.StatusWaiting, ArrivalTime: start})
	require.NoError(t, err)

	_, err = orch.Call(ctx, entry, nurseID, "")
	var persistence *journey.PersistenceError
	require.ErrorAs(t, err, &persistence)
	assert.ErrorIs(t, err, journey.ErrPersistence)
	assert.Equal(t, "call", persistence.Op)

	steps, err := st.ListSteps(ctx, entryID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestMissingEntryIsPersistenceError(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Call(context.Background(), models.QueueEntry{ID: "ghost", Status: models.StatusWaiting}, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrPersistence)
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	called, err := f.orch.Call(ctx, f.seed(t), nurseID, "", journey.WithAssignee(doctorID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, called.Status)
	f.orch.Wait()

	assert.Len(t, f.notifier.Sent(), 1)
	assert.Contains(t, f.logs.String(), "side effect dropped")
	assert.Contains(t, f.logs.String(), "smtp down")
}

func TestPanickingNotifierIsRecovered(t *testing.T) {
	f := newFixture(t, func(o *journey.Options) { o.Notifier = panickingNotifier{} })
	_, err := f.orch.Call(context.Background(), f.seed(t), nurseID, "", journey.WithAssignee(doctorID))
	require.NoError(t, err)
	f.orch.Wait()
	assert.Contains(t, f.logs.String(), "template missing")
}

func TestTransitionDoesNotWaitForEffects(t *testing.T) {
	f := newFixture(t)
	f.notifier.block = make(chan struct{})

	_, err := f.orch.Call(context.Background(), f.seed(t), nurseID, "", journey.WithAssignee(doctorID))
	require.NoError(t, err)
	assert.Empty(t, f.notifier.Sent())

	done := make(chan struct{})
	go func() {
		f.orch.Wait()
		close(done)
	}()
	close(f.notifier.block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after effects finished")
	}
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestActivityIsLogged(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Call(context.Background(), f.seed(t), nurseID, "")
	require.NoError(t, err)
	f.orch.Wait()

	activities := f.store.Activities()
	require.Len(t, activities, 1)
	assert.Equal(t, "queue.called", activities[0].Action)
	assert.Equal(t, nurseID, activities[0].ActorID)
	assert.Equal(t, "waiting", activities[0].Metadata["from"])
	assert.Equal(t, "2", activities[0].Metadata["priority"])
}

func TestCheckIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry, err := f.orch.CheckIn(ctx, models.QueueEntry{ID: entryID, StructureID: "structure-1", PatientID: patientID}, nurseID, "walk-in")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, entry.Status)
	assert.Equal(t, start, entry.ArrivalTime)
	assert.Equal(t, models.PriorityNormal, entry.Priority)

	steps := f.steps(t)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StatusWaiting, steps[0].StepType)

	_, err = f.orch.CheckIn(ctx, models.QueueEntry{ID: entryID, PatientID: patientID}, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrConcurrencyConflict)

	_, err = f.orch.CheckIn(ctx, models.QueueEntry{PatientID: patientID, Status: models.StatusCalled}, nurseID, "")
	assert.ErrorIs(t, err, journey.ErrInvalidTransition)
}
