package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ykvlv/medication-reminder/internal/domain"
	"github.com/ykvlv/medication-reminder/internal/notify"
)

// --- fakes ---

type fakeStore struct {
	mu    sync.Mutex
	rows  []domain.DueRow
	err   error
	calls int
}

func (f *fakeStore) ListDueEntries(_ context.Context, at domain.ClockTime) ([]domain.DueRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.DueRow
	for _, r := range f.rows {
		if r.Entry.TimeOfDay == at {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStore) setTaken(entryID string, taken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].Entry.ID == entryID {
			f.rows[i].Entry.Taken = taken
		}
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []notify.Message
	errs  map[string]error // by address
	block chan struct{}    // if set, Send waits on it
	enter chan struct{}    // if set, signalled on Send entry
}

func (f *fakeNotifier) ValidAddress(addr string) bool { return addr != "bogus" }

func (f *fakeNotifier) Send(ctx context.Context, m notify.Message) (notify.Ticket, error) {
	if f.enter != nil {
		f.enter <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return notify.Ticket{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	if err := f.errs[m.To]; err != nil {
		return notify.Ticket{}, err
	}
	return notify.Ticket{ID: fmt.Sprintf("t-%d", len(f.sent))}, nil
}

func (f *fakeNotifier) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.sent...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// --- helpers ---

func strPtr(s string) *string { return &s }

func aspirinRow(entryID string, taken bool, token *string, sound string) domain.DueRow {
	med := domain.Medication{ID: "med-aspirin", UserID: "user-1", Name: "Aspirin", Amount: "500mg"}
	entry := domain.ScheduleEntry{ID: entryID, MedicationID: med.ID, TimeOfDay: "08:00", Taken: taken}
	return domain.DueRow{
		Medication: med,
		Entry:      entry,
		User:       domain.User{ID: "user-1", PushToken: token, Sound: sound},
		UserFound:  true,
	}
}

func at(h, m, s int) time.Time {
	return time.Date(2025, time.May, 5, h, m, s, 0, time.UTC)
}

func newTestScheduler(st Store, n notify.Notifier, clock *fakeClock) *Scheduler {
	return New(st, n, zap.NewNop(), Options{
		Location:        time.UTC,
		Now:             clock.Now,
		Workers:         4,
		DispatchTimeout: time.Second,
	})
}

// --- tests ---

func TestTick_AspirinScenario(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "chime.mp3")}}
	n := &fakeNotifier{}
	clock := &fakeClock{t: at(8, 0, 0)}
	s := newTestScheduler(st, n, clock)

	rep := s.Tick(context.Background())
	assert.Equal(t, domain.ClockTime("08:00"), rep.Clock)
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, 1, rep.Delivered)

	msgs := n.messages()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "tokenA", m.To)
	assert.Equal(t, "Medication Reminder!", m.Title)
	assert.Equal(t, "Time to take your Aspirin (500mg).", m.Body)
	assert.Equal(t, domain.ReminderPayload{MedicationID: "med-aspirin", ScheduleTime: "08:00"}, m.Data)
	assert.Equal(t, "chime.mp3", m.Sound)

	// Same minute, clock re-read: no additional call.
	clock.Set(at(8, 0, 45))
	rep = s.Tick(context.Background())
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 0, rep.Dispatched)
	assert.Equal(t, 1, rep.Duplicate)
	assert.Len(t, n.messages(), 1)
	assert.Equal(t, rep, s.LastReport())
}

func TestTick_TakenNeverNotified(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", true, strPtr("tokenA"), "")}}
	n := &fakeNotifier{}
	clock := &fakeClock{}
	s := newTestScheduler(st, n, clock)

	for h := 0; h < 24; h++ {
		for _, m := range []int{0, 30} {
			clock.Set(at(h, m, 0))
			s.Tick(context.Background())
		}
	}
	clock.Set(at(8, 0, 0))
	s.Tick(context.Background())

	assert.Empty(t, n.messages())
	assert.Zero(t, s.History().Len())
}

func TestTick_DefaultSound(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "")}}
	n := &fakeNotifier{}
	s := newTestScheduler(st, n, &fakeClock{t: at(8, 0, 0)})

	s.Tick(context.Background())
	msgs := n.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "default", msgs[0].Sound)
}

func TestTick_NoPushAddress(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	st := &fakeStore{rows: []domain.DueRow{
		aspirinRow("e-nil", false, nil, ""),
		aspirinRow("e-blank", false, strPtr("  "), ""),
		aspirinRow("e-bogus", false, strPtr("bogus"), ""),
	}}
	n := &fakeNotifier{}
	s := New(st, n, zap.New(core), Options{Location: time.UTC, Now: (&fakeClock{t: at(8, 0, 0)}).Now})

	rep := s.Tick(context.Background())
	assert.Equal(t, 3, rep.Due)
	assert.Equal(t, 3, rep.NoAddress)
	assert.Empty(t, n.messages())
	assert.Zero(t, s.History().Len(), "skipped users must not create history records")
	assert.Equal(t, 3, logs.Len())

	// Re-checked on the next tick, still harmless.
	rep = s.Tick(context.Background())
	assert.Equal(t, 3, rep.NoAddress)
}

func TestTick_StoreFailureSkipsTick(t *testing.T) {
	st := &fakeStore{err: errors.New("database is locked")}
	n := &fakeNotifier{}
	clock := &fakeClock{t: at(8, 0, 0)}
	s := newTestScheduler(st, n, clock)

	rep := s.Tick(context.Background())
	assert.Equal(t, "database is locked", rep.Error)
	assert.Empty(t, n.messages())

	// Next tick in the same minute retries naturally.
	st.mu.Lock()
	st.err = nil
	st.rows = []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "")}
	st.mu.Unlock()
	clock.Set(at(8, 0, 30))
	rep = s.Tick(context.Background())
	assert.Empty(t, rep.Error)
	assert.Equal(t, 1, rep.Delivered)
}

func TestTick_FailedSendIsRecordedNotRetried(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "")}}
	n := &fakeNotifier{errs: map[string]error{"tokenA": errors.New("connection refused")}}
	clock := &fakeClock{t: at(8, 0, 0)}
	s := newTestScheduler(st, n, clock)

	rep := s.Tick(context.Background())
	assert.Equal(t, 1, rep.Failed)

	clock.Set(at(8, 0, 30))
	rep = s.Tick(context.Background())
	assert.Equal(t, 1, rep.Duplicate)
	assert.Len(t, n.messages(), 1)

	// Next day the same schedule fires again.
	clock.Set(at(8, 0, 0).AddDate(0, 0, 1))
	n.mu.Lock()
	n.errs = nil
	n.mu.Unlock()
	rep = s.Tick(context.Background())
	assert.Equal(t, 1, rep.Delivered)
	assert.Len(t, n.messages(), 2)
}

func TestTick_InvalidTokenOutcome(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("stale"), "")}}
	n := &fakeNotifier{errs: map[string]error{"stale": fmt.Errorf("%w: DeviceNotRegistered", notify.ErrInvalidToken)}}
	s := New(st, n, zap.New(core), Options{Location: time.UTC, Now: (&fakeClock{t: at(8, 0, 0)}).Now})

	rep := s.Tick(context.Background())
	assert.Equal(t, 1, rep.InvalidToken)
	assert.Equal(t, 0, rep.Failed)
	rejected := logs.FilterMessage("push token rejected, address is likely stale")
	require.Equal(t, 1, rejected.Len())
	assert.Equal(t, "invalid_token", rejected.All()[0].ContextMap()["outcome"])
	assert.Equal(t, 1, s.History().Len())
}

func TestTick_UntakenAfterTakenSameMinute(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", true, strPtr("tokenA"), "")}}
	n := &fakeNotifier{}
	clock := &fakeClock{t: at(8, 0, 0)}
	s := newTestScheduler(st, n, clock)

	s.Tick(context.Background())
	assert.Empty(t, n.messages())

	st.setTaken("e-1", false)
	clock.Set(at(8, 0, 40))
	s.Tick(context.Background())
	assert.Len(t, n.messages(), 1)
}

func TestTick_ParallelDispatchWaitsForAll(t *testing.T) {
	var rows []domain.DueRow
	for i := 0; i < 10; i++ {
		r := aspirinRow(fmt.Sprintf("e-%02d", i), false, strPtr(fmt.Sprintf("tok-%d", i)), "")
		r.Medication.ID = fmt.Sprintf("med-%02d", i)
		rows = append(rows, r)
	}
	st := &fakeStore{rows: rows}
	n := &fakeNotifier{}
	s := newTestScheduler(st, n, &fakeClock{t: at(8, 0, 0)})

	rep := s.Tick(context.Background())
	assert.Equal(t, 10, rep.Dispatched)
	assert.Equal(t, 10, rep.Delivered)
	assert.Len(t, n.messages(), 10)
	assert.Equal(t, 10, s.History().Len())
}

func TestTick_NoOverlap(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "")}}
	n := &fakeNotifier{block: make(chan struct{}), enter: make(chan struct{}, 1)}
	s := newTestScheduler(st, n, &fakeClock{t: at(8, 0, 0)})

	done := make(chan TickReport)
	go func() { done <- s.Tick(context.Background()) }()
	<-n.enter

	second := s.Tick(context.Background())
	assert.True(t, second.Overlapped)

	close(n.block)
	first := <-done
	assert.Equal(t, 1, first.Delivered)
	assert.Len(t, n.messages(), 1)
}

func TestTick_PurgesOldHistory(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "")}}
	n := &fakeNotifier{}
	clock := &fakeClock{t: at(8, 0, 0)}
	s := newTestScheduler(st, n, clock)

	s.Tick(context.Background())
	require.Equal(t, 1, s.History().Len())

	clock.Set(at(9, 0, 0).AddDate(0, 0, 2))
	s.Tick(context.Background())
	assert.Zero(t, s.History().Len())
}

func TestTick_UsesReferenceLocation(t *testing.T) {
	st := &fakeStore{rows: []domain.DueRow{aspirinRow("e-1", false, strPtr("tokenA"), "")}}
	n := &fakeNotifier{}
	loc := time.FixedZone("UTC+3", 3*3600)
	// 05:00 UTC is 08:00 in the reference location.
	s := New(st, n, zap.NewNop(), Options{Location: loc, Now: (&fakeClock{t: at(5, 0, 0)}).Now})

	rep := s.Tick(context.Background())
	assert.Equal(t, domain.ClockTime("08:00"), rep.Clock)
	assert.Len(t, n.messages(), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(&fakeStore{}, &fakeNotifier{}, zap.NewNop(), Options{Location: time.UTC})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_BadSpec(t *testing.T) {
	s := New(&fakeStore{}, &fakeNotifier{}, zap.NewNop(), Options{Spec: "every now and then"})
	err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_RejectsSpecSkippingMinutes(t *testing.T) {
	st := &fakeStore{}
	s := New(st, &fakeNotifier{}, zap.NewNop(), Options{Spec: "*/2 * * * *"})
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSkipsMinutes)
	assert.Zero(t, st.callCount())
}

func TestRun_TicksOnSchedule(t *testing.T) {
	st := &fakeStore{}
	s := New(st, &fakeNotifier{}, zap.NewNop(), Options{Location: time.UTC, Spec: "* * * * * *"})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return st.callCount() >= 2 }, 5*time.Second, 50*time.Millisecond)
	assert.False(t, s.LastReport().At.IsZero())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
