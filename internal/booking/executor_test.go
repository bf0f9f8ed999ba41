package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
)

type memLedger struct {
	mu       sync.Mutex
	booked   map[string]Booked
	attempts []Attempt
	failWith error
}

func newMemLedger() *memLedger {
	return &memLedger{booked: make(map[string]Booked)}
}

func (m *memLedger) key(login string, date time.Time) string {
	return login + ":" + schedule.DateKey(date)
}

func (m *memLedger) IsBooked(_ context.Context, login string, date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	_, ok := m.booked[m.key(login, date)]
	return ok, nil
}

func (m *memLedger) MarkBooked(_ context.Context, b Booked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.booked[m.key(b.Login, b.Date)] = b
	return nil
}

func (m *memLedger) RecordAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memLedger) RecentAttempts(_ context.Context, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.attempts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Attempt, n)
	for i := 0; i < n; i++ {
		out[i] = m.attempts[len(m.attempts)-1-i]
	}
	return out, nil
}

func (m *memLedger) recorded() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.attempts...)
}

type fakeBooker struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeBooker) Book(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeBooker) bookCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testTarget(t *testing.T) Target {
	t.Helper()
	loc := mustLoc(t)
	tod, err := schedule.ParseTimeOfDay("18:30")
	require.NoError(t, err)
	return Target{
		Login:    "jane@example.com",
		UserName: "Jane",
		Day:      "monday",
		Date:     time.Date(2026, 1, 5, 0, 0, 0, 0, loc),
		Want:     Want{Time: tod, Activity: "WOD"},
	}
}

func testExecutor(ledger Ledger) *Executor {
	return &Executor{
		Ledger:        ledger,
		Clock:         clock.NewMock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestExecuteBooksAndRecords(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")

	a := e.Execute(context.Background(), &fakeBooker{}, target, slot)

	assert.Equal(t, OutcomeBooked, a.Outcome)
	assert.Empty(t, a.Reason)
	assert.NotEmpty(t, a.ID)

	booked, err := ledger.IsBooked(context.Background(), target.Login, target.Date)
	require.NoError(t, err)
	assert.True(t, booked)

	recorded := ledger.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, OutcomeBooked, recorded[0].Outcome)
	assert.Equal(t, "9002", recorded[0].SlotID)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	b := &fakeBooker{errs: []error{
		errors.New("connection reset"),
		errors.New("gateway timeout"),
	}}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeBooked, a.Outcome)
	assert.Equal(t, 3, b.bookCalls())
}

func TestExecuteGivesUpAfterRetryBudget(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	b := &fakeBooker{errs: []error{
		errors.New("reset"), errors.New("reset"), errors.New("reset"), errors.New("reset"),
	}}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeTransient, a.Outcome)
	assert.Contains(t, a.Reason, "reset")
	assert.Equal(t, 3, b.bookCalls())

	booked, err := ledger.IsBooked(context.Background(), target.Login, target.Date)
	require.NoError(t, err)
	assert.False(t, booked)
}

func TestExecuteDoesNotRetryCapacityErrors(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	b := &fakeBooker{errs: []error{
		&nubapp.CapacityError{SlotID: "9002", Msg: "no places left"},
	}}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeSlotFull, a.Outcome)
	assert.Contains(t, a.Reason, "no places left")
	assert.Equal(t, 1, b.bookCalls())
}

func TestExecuteDoesNotRetryAuthErrors(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	b := &fakeBooker{errs: []error{
		&nubapp.AuthError{Status: 403, Msg: "session expired"},
	}}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeAuthFailed, a.Outcome)
	assert.Equal(t, 1, b.bookCalls())
}

func TestExecuteSkipsWhenAlreadyBooked(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	require.NoError(t, ledger.MarkBooked(context.Background(), Booked{
		Login: target.Login, Date: target.Date, SlotID: "9002",
	}))
	b := &fakeBooker{}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeSkipped, a.Outcome)
	assert.Equal(t, ReasonAlreadyBooked, a.Reason)
	assert.Zero(t, b.bookCalls())
}

func TestExecuteSkipsWhenLedgerUnavailable(t *testing.T) {
	ledger := newMemLedger()
	ledger.failWith = errors.New("connection refused")
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	b := &fakeBooker{}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeSkipped, a.Outcome)
	assert.Contains(t, a.Reason, "ledger unavailable")
	assert.Zero(t, b.bookCalls())
}

func TestExecuteDryRunNeverBooks(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	e.DryRun = true
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	b := &fakeBooker{}

	a := e.Execute(context.Background(), b, target, slot)

	assert.Equal(t, OutcomeIntended, a.Outcome)
	assert.Contains(t, a.Reason, "dry run")
	assert.Zero(t, b.bookCalls())

	booked, err := ledger.IsBooked(context.Background(), target.Login, target.Date)
	require.NoError(t, err)
	assert.False(t, booked, "dry run must not mark the day booked")

	recorded := ledger.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, OutcomeIntended, recorded[0].Outcome)
}

type slowBooker struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowBooker) Book(ctx context.Context, _ string) error {
	close(s.started)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestExecuteGuardsConcurrentAttemptsForSameTarget(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	slow := &slowBooker{started: make(chan struct{}), release: make(chan struct{})}

	done := make(chan Attempt, 1)
	go func() {
		done <- e.Execute(context.Background(), slow, target, slot)
	}()
	<-slow.started

	dup := e.Execute(context.Background(), &fakeBooker{}, target, slot)
	assert.Equal(t, OutcomeSkipped, dup.Outcome)
	assert.Equal(t, ReasonInFlight, dup.Reason)

	close(slow.release)
	first := <-done
	assert.Equal(t, OutcomeBooked, first.Outcome)

	// Only the real attempt lands in the ledger.
	require.Len(t, ledger.recorded(), 1)
}

func TestExecuteFinishesInFlightAttemptAfterCancellation(t *testing.T) {
	ledger := newMemLedger()
	e := testExecutor(ledger)
	target := testTarget(t)
	slot := slotAt("9002", target.Want.Time.On(target.Date), "WOD")
	slow := &slowBooker{started: make(chan struct{}), release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Attempt, 1)
	go func() {
		done <- e.Execute(ctx, slow, target, slot)
	}()
	<-slow.started
	cancel()
	close(slow.release)

	a := <-done
	assert.Equal(t, OutcomeBooked, a.Outcome, "attempt in flight at shutdown should complete")
}
