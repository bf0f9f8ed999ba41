package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/config"
	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
)

// maxAuthRejections is how many consecutive auth rejections (failed logins or
// auth-failed attempts) a user gets before the rest of the cycle skips them.
const maxAuthRejections = 2

// Orchestrator walks every configured user and weekday once per cycle:
// resolve the next concrete date, check the ledger, open the booking window
// gate, discover the calendar, match, and hand the slot to the executor. Full
// classes land on the waiting list.
type Orchestrator struct {
	Config   config.Config
	Opener   Opener
	Exec     *Executor
	Ledger   Ledger
	Board    *Board
	Waitlist *Waitlist
	Clock    clock.Clock
	Log      *slog.Logger

	// RespectWindows gates attempts on the booking window; serve mode sets
	// it, one-shot booking does not.
	RespectWindows bool
	CycleInterval  time.Duration
	MaxConcurrent  int

	initOnce sync.Once
	mu       sync.Mutex
	users    map[string]*userSlot
	rejected map[string]int
}

// userSlot serializes session handling per login so a cycle and a
// waiting-list monitor never open two sessions for the same user.
type userSlot struct {
	mu   sync.Mutex
	sess UserSession
}

func (o *Orchestrator) init() {
	o.initOnce.Do(func() {
		o.users = make(map[string]*userSlot)
		o.rejected = make(map[string]int)
		if o.Clock == nil {
			o.Clock = clock.Real{}
		}
		if o.Log == nil {
			o.Log = slog.Default()
		}
		if o.MaxConcurrent <= 0 {
			o.MaxConcurrent = 3
		}
		if o.CycleInterval <= 0 {
			o.CycleInterval = 10 * time.Minute
		}
	})
}

// Run drives serve mode: an immediate cycle, then one per tick until ctx is
// canceled. Waiting-list monitors run alongside and are waited out on exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.init()
	if o.Waitlist != nil {
		o.Waitlist.Start(ctx)
	}

	ticker := time.NewTicker(o.CycleInterval)
	defer ticker.Stop()

	o.RunCycle(ctx)
	o.Board.SetNextCycle(o.Clock.Now().Add(o.CycleInterval))
	for {
		select {
		case <-ctx.Done():
			if o.Waitlist != nil {
				o.Waitlist.Wait()
			}
			return ctx.Err()
		case <-ticker.C:
			o.RunCycle(ctx)
			o.Board.SetNextCycle(o.Clock.Now().Add(o.CycleInterval))
		}
	}
}

// RunCycle processes every configured user once, bounded by MaxConcurrent.
// Days within a user run in order on the user's single session.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.init()
	start := o.Clock.Now()
	o.Log.Info("cycle started", "users", len(o.Config.Users))

	o.mu.Lock()
	o.rejected = make(map[string]int)
	o.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(o.MaxConcurrent)
	for _, u := range o.Config.Users {
		u := u
		g.Go(func() error {
			o.runUser(ctx, u)
			return nil
		})
	}
	g.Wait()

	end := o.Clock.Now()
	o.Board.CycleDone(start, end)
	o.Log.Info("cycle finished", "took", end.Sub(start))
}

func (o *Orchestrator) runUser(ctx context.Context, u config.User) {
	for _, day := range o.Config.DaysOf(u) {
		if ctx.Err() != nil {
			return
		}
		o.runDay(ctx, u, day)
	}
}

func (o *Orchestrator) runDay(ctx context.Context, u config.User, day string) {
	log := o.Log.With("user", u.Login, "day", day)

	pref, ok := o.Config.Pref(day)
	if !ok {
		return
	}
	wd, err := schedule.ParseWeekday(day)
	if err != nil {
		return
	}
	now := o.Clock.Now().In(o.Config.Location())
	date := schedule.NextWeekday(now, wd)
	t := Target{
		Login:    u.Login,
		UserName: u.Name,
		Day:      day,
		Date:     date,
		Want:     Want{Time: pref.TimeOfDay(), Activity: pref.Activity},
	}

	if o.authCount(u.Login) >= maxAuthRejections {
		o.Board.SetTarget(t, "blocked", "repeated auth failures, waiting for next cycle", o.Clock.Now())
		return
	}

	if booked, err := o.Ledger.IsBooked(ctx, u.Login, date); err != nil {
		log.Warn("ledger check failed", "error", err)
		o.Board.SetTarget(t, "error", "ledger unavailable: "+err.Error(), o.Clock.Now())
		return
	} else if booked {
		o.Board.SetTarget(t, string(OutcomeBooked), ReasonAlreadyBooked, o.Clock.Now())
		return
	}

	if o.RespectWindows {
		opens := schedule.OpensAt(date, t.Want.Time)
		if now.Before(opens) {
			log.Debug("booking window not open yet", "date", schedule.DateKey(date), "opens", opens)
			o.Board.SetTarget(t, "scheduled", "books at "+opens.Format("2006-01-02 15:04"), o.Clock.Now())
			return
		}
	}

	sess, err := o.session(ctx, u)
	if err != nil {
		if nubapp.IsAuth(err) {
			log.Warn("login rejected", "error", err)
			o.Board.SetSession(u.Login, "login rejected")
		} else {
			log.Warn("could not open session", "error", err)
			o.Board.SetSession(u.Login, "unreachable")
		}
		o.Board.SetTarget(t, "blocked", "no session: "+err.Error(), o.Clock.Now())
		return
	}
	o.Board.SetSession(u.Login, "active")

	from, to := schedule.DayWindow(date)
	slots, err := sess.Slots(ctx, from, to)
	if err != nil {
		outcome := OutcomeTransient
		if nubapp.IsAuth(err) {
			outcome = OutcomeAuthFailed
			o.noteAuthFailure(u.Login)
		}
		a := NewAttempt(t, nubapp.Slot{}, outcome, "calendar discovery: "+err.Error(), o.Clock.Now())
		o.recordAndShow(ctx, log, t, a)
		return
	}

	slot, reason := MatchSlot(t.Want, date, slots)
	if reason != "" {
		log.Info("no bookable slot", "reason", reason)
		a := NewAttempt(t, nubapp.Slot{}, OutcomeSkipped, reason, o.Clock.Now())
		o.recordAndShow(ctx, log, t, a)
		return
	}

	a := o.Exec.Execute(ctx, sess, t, slot)
	o.Board.AddAttempt(a)
	o.Board.SetTarget(t, string(a.Outcome), a.Reason, o.Clock.Now())

	switch a.Outcome {
	case OutcomeBooked:
		o.resetAuth(u.Login)
		if o.Waitlist != nil {
			o.Waitlist.Resolve(u.Login, date)
		}
	case OutcomeSlotFull:
		o.resetAuth(u.Login)
		if o.Waitlist != nil {
			o.Waitlist.Register(t, slot)
		}
	case OutcomeAuthFailed:
		o.noteAuthFailure(u.Login)
	case OutcomeTransient:
		o.resetAuth(u.Login)
	}
}

// recordAndShow persists an attempt the executor never saw (discovery and
// matching failures) and reflects it on the board.
func (o *Orchestrator) recordAndShow(ctx context.Context, log *slog.Logger, t Target, a Attempt) {
	if err := o.Ledger.RecordAttempt(ctx, a); err != nil {
		log.Warn("failed to record attempt", "error", err)
	}
	o.Board.AddAttempt(a)
	o.Board.SetTarget(t, string(a.Outcome), a.Reason, o.Clock.Now())
}

// session returns the user's live session, opening one if needed. A session
// that died is replaced; the platform invalidates the old cookie when the
// same account logs in again, so there is never more than one per user.
func (o *Orchestrator) session(ctx context.Context, u config.User) (UserSession, error) {
	slot := o.userSlot(u.Login)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.sess != nil && slot.sess.Alive() {
		return slot.sess, nil
	}
	if slot.sess != nil {
		o.Log.Info("session died, reopening", "user", u.Login)
	}
	sess, err := o.Opener.Open(ctx, u.Login, u.Password)
	if err != nil {
		if nubapp.IsAuth(err) {
			o.noteAuthFailure(u.Login)
		}
		return nil, fmt.Errorf("open session for %s: %w", u.Login, err)
	}
	o.resetAuth(u.Login)
	slot.sess = sess
	return sess, nil
}

// Session implements SessionSource for waiting-list monitors.
func (o *Orchestrator) Session(ctx context.Context, login string) (SlotBooker, error) {
	o.init()
	u, ok := o.Config.UserByLogin(login)
	if !ok {
		return nil, fmt.Errorf("no configured user with login %s", login)
	}
	return o.session(ctx, u)
}

// StillWanted reports whether login's config still asks for day; waiting-list
// monitors use it to retire cancelled entries.
func (o *Orchestrator) StillWanted(login, day string) (Want, bool) {
	u, ok := o.Config.UserByLogin(login)
	if !ok {
		return Want{}, false
	}
	found := false
	for _, d := range o.Config.DaysOf(u) {
		if d == day {
			found = true
			break
		}
	}
	if !found {
		return Want{}, false
	}
	pref, ok := o.Config.Pref(day)
	if !ok {
		return Want{}, false
	}
	return Want{Time: pref.TimeOfDay(), Activity: pref.Activity}, true
}

// Snapshot combines board and waiting-list state for the dashboard.
func (o *Orchestrator) Snapshot() Snapshot {
	o.init()
	s := o.Board.Snapshot(o.Clock.Now())
	if o.Waitlist != nil {
		s.Waiting = o.Waitlist.Entries()
	} else {
		s.Waiting = []Entry{}
	}
	return s
}

func (o *Orchestrator) userSlot(login string) *userSlot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.users[login]
	if !ok {
		s = &userSlot{}
		o.users[login] = s
	}
	return s
}

func (o *Orchestrator) authCount(login string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejected[login]
}

func (o *Orchestrator) noteAuthFailure(login string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[login]++
	if o.rejected[login] == maxAuthRejections {
		o.Log.Warn("repeated auth failures, skipping user until next cycle", "user", login)
	}
}

func (o *Orchestrator) resetAuth(login string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.rejected, login)
}
