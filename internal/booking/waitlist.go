package booking

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
)

// SessionSource hands out live sessions keyed by login. The orchestrator
// implements it so monitors share the cycle's sessions instead of opening
// their own.
type SessionSource interface {
	Session(ctx context.Context, login string) (SlotBooker, error)
}

// Entry is one watched (user, day) whose class was full when the cycle tried
// to book it.
type Entry struct {
	Login    string    `json:"login"`
	UserName string    `json:"user_name"`
	Day      string    `json:"day"`
	Date     time.Time `json:"date"`
	Want     string    `json:"want"`
	SlotID   string    `json:"slot_id"`
	Since    time.Time `json:"since"`
}

type watch struct {
	Entry
	target Target
	stop   chan struct{}
}

// WaitlistConfig wires a Waitlist.
type WaitlistConfig struct {
	Sessions SessionSource
	Exec     *Executor
	Clock    clock.Clock
	Log      *slog.Logger
	Interval time.Duration

	// StillWanted reports whether the user's config still asks for this day,
	// and with which preference. Monitors match against the fresh preference
	// so config edits take effect without restarting the entry.
	StillWanted func(login, day string) (Want, bool)

	// OnAttempt, when set, receives every attempt a monitor executes.
	OnAttempt func(Attempt)
}

// Waitlist polls full classes for freed places until the slot starts, the day
// is booked, or the user no longer wants it. Each entry gets its own monitor
// goroutine once Start has been called; in one-shot mode entries accumulate
// but never poll.
type Waitlist struct {
	cfg WaitlistConfig

	mu      sync.Mutex
	entries map[string]*watch
	ctx     context.Context
	started bool
	wg      sync.WaitGroup
}

func NewWaitlist(cfg WaitlistConfig) *Waitlist {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Waitlist{cfg: cfg, entries: make(map[string]*watch)}
}

// Register adds a watch for t unless one already exists. It reports whether a
// new entry was created.
func (w *Waitlist) Register(t Target, slot nubapp.Slot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := t.Key()
	if _, ok := w.entries[key]; ok {
		return false
	}
	wa := &watch{
		Entry: Entry{
			Login:    t.Login,
			UserName: t.UserName,
			Day:      t.Day,
			Date:     t.Date,
			Want:     t.Want.String(),
			SlotID:   slot.ID,
			Since:    w.cfg.Clock.Now(),
		},
		target: t,
		stop:   make(chan struct{}),
	}
	w.entries[key] = wa
	w.cfg.Log.Info("joined waiting list", "user", t.Login, "day", t.Day, "date", schedule.DateKey(t.Date), "slot", slot.ID)
	if w.started {
		w.wg.Add(1)
		go w.monitor(w.ctx, key, wa)
	}
	return true
}

// Resolve drops the watch for (login, date), if any. Called when the day got
// booked through another path.
func (w *Waitlist) Resolve(login string, date time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drop(login + ":" + schedule.DateKey(date))
}

// drop removes and stops an entry; callers hold w.mu.
func (w *Waitlist) drop(key string) {
	if wa, ok := w.entries[key]; ok {
		delete(w.entries, key)
		close(wa.stop)
	}
}

// Start launches monitors for existing and future entries. Monitors stop when
// ctx is canceled; Wait blocks until they have all returned.
func (w *Waitlist) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.ctx = ctx
	for key, wa := range w.entries {
		w.wg.Add(1)
		go w.monitor(ctx, key, wa)
	}
}

func (w *Waitlist) Wait() { w.wg.Wait() }

// Entries returns a point-in-time copy sorted by date then login.
func (w *Waitlist) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.entries))
	for _, wa := range w.entries {
		out = append(out, wa.Entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Login < out[j].Login
	})
	return out
}

func (w *Waitlist) monitor(ctx context.Context, key string, wa *watch) {
	defer w.wg.Done()
	log := w.cfg.Log.With("user", wa.Login, "day", wa.Day, "date", schedule.DateKey(wa.Date))
	log.Debug("watching full class", "slot", wa.SlotID, "every", w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wa.stop:
			return
		case <-ticker.C:
		}
		if w.poll(ctx, log, wa) {
			w.mu.Lock()
			w.drop(key)
			w.mu.Unlock()
			return
		}
	}
}

// poll runs one waiting-list check. It reports true when the entry is done:
// booked, expired, or no longer wanted.
func (w *Waitlist) poll(ctx context.Context, log *slog.Logger, wa *watch) bool {
	now := w.cfg.Clock.Now()
	if start := wa.target.Want.Time.On(wa.Date); now.After(start) {
		log.Info("waiting list entry expired, class has started")
		return true
	}

	want, ok := w.cfg.StillWanted(wa.Login, wa.Day)
	if !ok {
		log.Info("waiting list entry cancelled, day no longer configured")
		return true
	}

	sess, err := w.cfg.Sessions.Session(ctx, wa.Login)
	if err != nil {
		log.Warn("waiting list check skipped, no session", "error", err)
		return false
	}

	from, to := schedule.DayWindow(wa.Date)
	slots, err := sess.Slots(ctx, from, to)
	if err != nil {
		log.Warn("waiting list check failed", "error", err)
		return false
	}

	target := wa.target
	target.Want = want
	slot, reason := MatchSlot(want, wa.Date, slots)
	if reason != "" {
		log.Debug("waiting list check found no bookable slot", "reason", reason)
		return false
	}
	if slot.Capacity > 0 && slot.Inscribed >= slot.Capacity {
		log.Debug("class still full", "slot", slot.ID, "inscribed", slot.Inscribed, "capacity", slot.Capacity)
		return false
	}

	a := w.cfg.Exec.Execute(ctx, sess, target, slot)
	if w.cfg.OnAttempt != nil {
		w.cfg.OnAttempt(a)
	}
	switch a.Outcome {
	case OutcomeBooked:
		log.Info("freed place booked", "slot", slot.ID)
		return true
	case OutcomeSkipped:
		if a.Reason == ReasonAlreadyBooked {
			return true
		}
		return false
	default:
		return false
	}
}
