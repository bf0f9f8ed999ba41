package booking

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/config"
	"github.com/example/wodsched/internal/nubapp"
)

const orchestratorYAML = `
app:
  application_id: "215"
  category_activity_id: "339"
  timezone: Europe/Madrid
slots:
  monday:
    time: "18:30"
    activity: WOD
  wednesday: "10:00"
  friday:
    time: "07:15"
    activity: WOD
users:
  - name: Jane
    login: jane@example.com
    password: hunter2
    slots: [monday, wednesday]
  - name: Max
    login: max@example.com
    password: letmein
    slots: [friday]
`

type fakeSession struct {
	mu         sync.Mutex
	login      string
	alive      bool
	slots      []nubapp.Slot
	bookErr    error
	dieOnBook  bool
	bookCalls  int
	slotsCalls int
}

func (s *fakeSession) Book(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookCalls++
	if s.bookErr != nil {
		return s.bookErr
	}
	if s.dieOnBook {
		s.alive = false
	}
	return nil
}

func (s *fakeSession) Slots(_ context.Context, _, _ time.Time) ([]nubapp.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotsCalls++
	return append([]nubapp.Slot(nil), s.slots...), nil
}

func (s *fakeSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *fakeSession) Login() string { return s.login }

func (s *fakeSession) booked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookCalls
}

type fakeOpener struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	openErr  map[string]error
	opens    map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		sessions: make(map[string]*fakeSession),
		openErr:  make(map[string]error),
		opens:    make(map[string]int),
	}
}

func (f *fakeOpener) session(login string, slots ...nubapp.Slot) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{login: login, alive: true, slots: slots}
	f.sessions[login] = s
	return s
}

func (f *fakeOpener) Open(_ context.Context, login, _ string) (UserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[login]++
	if err := f.openErr[login]; err != nil {
		return nil, err
	}
	s, ok := f.sessions[login]
	if !ok {
		s = &fakeSession{login: login, alive: true}
		f.sessions[login] = s
	}
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
	return s, nil
}

func (f *fakeOpener) opened(login string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[login]
}

func parseConfig(t *testing.T, yaml string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

// madridDate builds a slot start in the gym's timezone.
func madridDate(t *testing.T, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	return time.Date(y, m, d, hh, mm, 0, 0, mustLoc(t))
}

func newTestOrchestrator(t *testing.T, cfg config.Config, opener Opener, ledger Ledger) (*Orchestrator, *clock.Mock) {
	t.Helper()
	// Thursday 2026-01-01 noon: next monday is Jan 5, wednesday Jan 7,
	// friday Jan 2.
	clk := clock.NewMock(madridDate(t, 2026, time.January, 1, 12, 0))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := &Executor{
		Ledger:        ledger,
		Clock:         clk,
		Log:           log,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: time.Millisecond,
	}
	o := &Orchestrator{
		Config: cfg,
		Opener: opener,
		Exec:   exec,
		Ledger: ledger,
		Board:  NewBoard(cfg),
		Clock:  clk,
		Log:    log,
	}
	o.Waitlist = NewWaitlist(WaitlistConfig{
		Sessions:    o,
		Exec:        exec,
		Clock:       clk,
		Log:         log,
		Interval:    time.Hour,
		StillWanted: o.StillWanted,
	})
	return o, clk
}

func findTarget(t *testing.T, s Snapshot, login, day string) TargetStatus {
	t.Helper()
	for _, u := range s.Users {
		if u.Login != login {
			continue
		}
		for _, ts := range u.Targets {
			if ts.Day == day {
				return ts
			}
		}
	}
	t.Fatalf("no target %s/%s in snapshot", login, day)
	return TargetStatus{}
}

func TestRunCycleBooksEveryConfiguredDay(t *testing.T) {
	cfg := parseConfig(t, orchestratorYAML)
	opener := newFakeOpener()
	jane := opener.session("jane@example.com",
		slotAt("9001", madridDate(t, 2026, time.January, 5, 18, 30), "WOD"),
		slotAt("9002", madridDate(t, 2026, time.January, 7, 10, 0), "Open Box"),
	)
	max := opener.session("max@example.com",
		slotAt("9003", madridDate(t, 2026, time.January, 2, 7, 15), "WOD"),
	)
	ledger := newMemLedger()
	o, _ := newTestOrchestrator(t, cfg, opener, ledger)

	o.RunCycle(context.Background())

	assert.Equal(t, 2, jane.booked())
	assert.Equal(t, 1, max.booked())
	assert.Equal(t, 1, opener.opened("jane@example.com"), "one session per user per cycle")

	for login, date := range map[string]time.Time{
		"jane@example.com": madridDate(t, 2026, time.January, 5, 0, 0),
		"max@example.com":  madridDate(t, 2026, time.January, 2, 0, 0),
	} {
		booked, err := ledger.IsBooked(context.Background(), login, date)
		require.NoError(t, err)
		assert.True(t, booked, "%s %s", login, date)
	}

	s := o.Snapshot()
	assert.Equal(t, string(OutcomeBooked), findTarget(t, s, "jane@example.com", "monday").State)
	assert.Equal(t, string(OutcomeBooked), findTarget(t, s, "jane@example.com", "wednesday").State)
	assert.Equal(t, string(OutcomeBooked), findTarget(t, s, "max@example.com", "friday").State)
	assert.Len(t, s.Recent, 3)
	assert.Equal(t, 1, s.Cycles)
}

func TestRunCycleIsIdempotent(t *testing.T) {
	cfg := parseConfig(t, orchestratorYAML)
	opener := newFakeOpener()
	jane := opener.session("jane@example.com",
		slotAt("9001", madridDate(t, 2026, time.January, 5, 18, 30), "WOD"),
		slotAt("9002", madridDate(t, 2026, time.January, 7, 10, 0), "Open Box"),
	)
	opener.session("max@example.com",
		slotAt("9003", madridDate(t, 2026, time.January, 2, 7, 15), "WOD"),
	)
	ledger := newMemLedger()
	o, _ := newTestOrchestrator(t, cfg, opener, ledger)

	o.RunCycle(context.Background())
	o.RunCycle(context.Background())

	assert.Equal(t, 2, jane.booked(), "second cycle must not book again")
	s := o.Snapshot()
	assert.Equal(t, 2, s.Cycles)
	got := findTarget(t, s, "jane@example.com", "monday")
	assert.Equal(t, string(OutcomeBooked), got.State)
	assert.Equal(t, ReasonAlreadyBooked, got.Detail)
	// No new attempt rows from the second cycle.
	assert.Len(t, s.Recent, 3)
}

func TestFullSlotJoinsWaitingListOnce(t *testing.T) {
	cfg := parseConfig(t, orchestratorYAML)
	opener := newFakeOpener()
	jane := opener.session("jane@example.com",
		slotAt("9001", madridDate(t, 2026, time.January, 5, 18, 30), "WOD"),
		slotAt("9002", madridDate(t, 2026, time.January, 7, 10, 0), "Open Box"),
	)
	jane.bookErr = &nubapp.CapacityError{SlotID: "9001", Msg: "no places left"}
	opener.session("max@example.com",
		slotAt("9003", madridDate(t, 2026, time.January, 2, 7, 15), "WOD"),
	)
	ledger := newMemLedger()
	o, _ := newTestOrchestrator(t, cfg, opener, ledger)

	o.RunCycle(context.Background())
	s := o.Snapshot()
	require.Len(t, s.Waiting, 2)
	assert.Equal(t, string(OutcomeSlotFull), findTarget(t, s, "jane@example.com", "monday").State)

	// A second cycle retries but must not duplicate entries.
	o.RunCycle(context.Background())
	s = o.Snapshot()
	assert.Len(t, s.Waiting, 2)
	assert.Equal(t, 4, jane.booked())
}

func TestRepeatedLoginFailuresBlockUserForCycle(t *testing.T) {
	cfg := parseConfig(t, `
app:
  application_id: "215"
  category_activity_id: "339"
  timezone: Europe/Madrid
slots:
  monday: "18:30"
  wednesday: "10:00"
  friday: "07:15"
users:
  - name: Jane
    login: jane@example.com
    password: wrong
    slots: [monday, wednesday, friday]
`)
	opener := newFakeOpener()
	opener.openErr["jane@example.com"] = &nubapp.AuthError{Status: 200, Msg: "Incorrect username or password"}
	ledger := newMemLedger()
	o, _ := newTestOrchestrator(t, cfg, opener, ledger)

	o.RunCycle(context.Background())

	assert.Equal(t, 2, opener.opened("jane@example.com"), "stop retrying the login after two rejections")
	s := o.Snapshot()
	assert.Contains(t, findTarget(t, s, "jane@example.com", "monday").Detail, "no session")
	assert.Contains(t, findTarget(t, s, "jane@example.com", "friday").Detail, "repeated auth failures")
	assert.Empty(t, ledger.recorded(), "login failures are not booking attempts")

	// The next cycle starts fresh and tries again.
	o.RunCycle(context.Background())
	assert.Equal(t, 4, opener.opened("jane@example.com"))
}

func TestDeadSessionIsReopened(t *testing.T) {
	cfg := parseConfig(t, orchestratorYAML)
	opener := newFakeOpener()
	jane := opener.session("jane@example.com",
		slotAt("9001", madridDate(t, 2026, time.January, 5, 18, 30), "WOD"),
		slotAt("9002", madridDate(t, 2026, time.January, 7, 10, 0), "Open Box"),
	)
	jane.dieOnBook = true
	opener.session("max@example.com",
		slotAt("9003", madridDate(t, 2026, time.January, 2, 7, 15), "WOD"),
	)
	ledger := newMemLedger()
	o, _ := newTestOrchestrator(t, cfg, opener, ledger)

	o.RunCycle(context.Background())

	// Session dies after the monday booking; wednesday needs a fresh one.
	assert.Equal(t, 2, opener.opened("jane@example.com"))
	assert.Equal(t, 2, jane.booked())
}

func TestBookingWindowGatesServeMode(t *testing.T) {
	cfg := parseConfig(t, `
app:
  application_id: "215"
  category_activity_id: "339"
  timezone: Europe/Madrid
slots:
  monday:
    time: "18:30"
    activity: WOD
users:
  - name: Jane
    login: jane@example.com
    password: hunter2
    slots: [monday]
`)
	opener := newFakeOpener()
	jane := opener.session("jane@example.com",
		slotAt("9001", madridDate(t, 2026, time.January, 12, 18, 30), "WOD"),
	)
	ledger := newMemLedger()
	o, clk := newTestOrchestrator(t, cfg, opener, ledger)
	o.RespectWindows = true

	// Monday Jan 5, 10:00: the window for Monday Jan 12 opens at 18:31 today.
	clk.Set(madridDate(t, 2026, time.January, 5, 10, 0))
	o.RunCycle(context.Background())

	assert.Zero(t, jane.booked())
	assert.Zero(t, opener.opened("jane@example.com"), "no session needed while the window is shut")
	got := findTarget(t, o.Snapshot(), "jane@example.com", "monday")
	assert.Equal(t, "scheduled", got.State)
	assert.Contains(t, got.Detail, "books at 2026-01-05 18:31")

	clk.Set(madridDate(t, 2026, time.January, 5, 18, 32))
	o.RunCycle(context.Background())

	assert.Equal(t, 1, jane.booked())
	assert.Equal(t, string(OutcomeBooked), findTarget(t, o.Snapshot(), "jane@example.com", "monday").State)
}

func TestMatcherMissRecordsSkip(t *testing.T) {
	cfg := parseConfig(t, orchestratorYAML)
	opener := newFakeOpener()
	// Jane's calendar has nothing at her configured times.
	jane := opener.session("jane@example.com",
		slotAt("9050", madridDate(t, 2026, time.January, 5, 9, 0), "WOD"),
	)
	opener.session("max@example.com",
		slotAt("9003", madridDate(t, 2026, time.January, 2, 7, 15), "WOD"),
	)
	ledger := newMemLedger()
	o, _ := newTestOrchestrator(t, cfg, opener, ledger)

	o.RunCycle(context.Background())

	assert.Zero(t, jane.booked())
	s := o.Snapshot()
	got := findTarget(t, s, "jane@example.com", "monday")
	assert.Equal(t, string(OutcomeSkipped), got.State)
	assert.Contains(t, got.Detail, "no slot matches")

	var skips int
	for _, a := range ledger.recorded() {
		if a.Outcome == OutcomeSkipped {
			skips++
		}
	}
	assert.Equal(t, 2, skips, "both missed days leave a skip attempt")
}
