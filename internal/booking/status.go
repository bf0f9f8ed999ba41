package booking

import (
	"sort"
	"sync"
	"time"

	"github.com/example/wodsched/internal/config"
)

const recentAttempts = 50

// TargetStatus is the dashboard view of one configured (user, day).
type TargetStatus struct {
	Day       string    `json:"day"`
	Date      time.Time `json:"date"`
	Want      string    `json:"want"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// UserStatus is the dashboard view of one configured user.
type UserStatus struct {
	Login   string         `json:"login"`
	Name    string         `json:"name"`
	Session string         `json:"session"`
	Targets []TargetStatus `json:"targets"`
}

// Snapshot is a self-consistent copy of orchestrator state for the dashboard
// and the status endpoint.
type Snapshot struct {
	GeneratedAt    time.Time    `json:"generated_at"`
	Cycles         int          `json:"cycles"`
	LastCycleStart time.Time    `json:"last_cycle_start"`
	LastCycleEnd   time.Time    `json:"last_cycle_end"`
	NextCycle      time.Time    `json:"next_cycle"`
	Users          []UserStatus `json:"users"`
	Waiting        []Entry      `json:"waiting_list"`
	Recent         []Attempt    `json:"recent_attempts"`
}

// Board accumulates per-target state and recent attempts. Writers update it as
// cycles and monitors progress; readers take deep copies via Snapshot, so a
// reader never sees a half-applied cycle.
type Board struct {
	mu     sync.RWMutex
	order  []string
	users  map[string]*UserStatus
	recent []Attempt

	cycles         int
	lastCycleStart time.Time
	lastCycleEnd   time.Time
	nextCycle      time.Time
}

// NewBoard seeds one row per configured user and day, all pending.
func NewBoard(cfg config.Config) *Board {
	b := &Board{users: make(map[string]*UserStatus)}
	for _, u := range cfg.Users {
		us := &UserStatus{Login: u.Login, Name: u.Name, Session: "not opened"}
		for _, day := range cfg.DaysOf(u) {
			ts := TargetStatus{Day: day, State: "pending"}
			if pref, ok := cfg.Pref(day); ok {
				ts.Want = Want{Time: pref.TimeOfDay(), Activity: pref.Activity}.String()
			}
			us.Targets = append(us.Targets, ts)
		}
		b.order = append(b.order, u.Login)
		b.users[u.Login] = us
	}
	return b
}

// SetSession records the session state line for a user.
func (b *Board) SetSession(login, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if us, ok := b.users[login]; ok {
		us.Session = state
	}
}

// SetTarget updates the row for (t.Login, t.Day).
func (b *Board) SetTarget(t Target, state, detail string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	us, ok := b.users[t.Login]
	if !ok {
		return
	}
	for i := range us.Targets {
		if us.Targets[i].Day != t.Day {
			continue
		}
		us.Targets[i].Date = t.Date
		us.Targets[i].Want = t.Want.String()
		us.Targets[i].State = state
		us.Targets[i].Detail = detail
		us.Targets[i].ChangedAt = at
		return
	}
}

// MarkBookedTarget flips the matching target row to booked, used when a
// waiting-list monitor lands a place outside a cycle.
func (b *Board) MarkBookedTarget(login, day string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	us, ok := b.users[login]
	if !ok {
		return
	}
	for i := range us.Targets {
		if us.Targets[i].Day == day {
			us.Targets[i].State = string(OutcomeBooked)
			us.Targets[i].Detail = "booked from waiting list"
			us.Targets[i].ChangedAt = at
			return
		}
	}
}

// AddAttempt prepends a to the recent-attempts ring.
func (b *Board) AddAttempt(a Attempt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append([]Attempt{a}, b.recent...)
	if len(b.recent) > recentAttempts {
		b.recent = b.recent[:recentAttempts]
	}
}

// Hydrate preloads the recent-attempts ring from the ledger.
func (b *Board) Hydrate(attempts []Attempt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append([]Attempt(nil), attempts...)
	sort.SliceStable(b.recent, func(i, j int) bool { return b.recent[i].At.After(b.recent[j].At) })
	if len(b.recent) > recentAttempts {
		b.recent = b.recent[:recentAttempts]
	}
}

// CycleDone records cycle bookkeeping.
func (b *Board) CycleDone(start, end time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycles++
	b.lastCycleStart = start
	b.lastCycleEnd = end
}

// SetNextCycle records when the next cycle fires.
func (b *Board) SetNextCycle(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCycle = at
}

// Snapshot returns a deep copy of the board at now. The waiting-list section
// is filled in by the orchestrator.
func (b *Board) Snapshot(now time.Time) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		GeneratedAt:    now,
		Cycles:         b.cycles,
		LastCycleStart: b.lastCycleStart,
		LastCycleEnd:   b.lastCycleEnd,
		NextCycle:      b.nextCycle,
		Users:          make([]UserStatus, 0, len(b.order)),
		Recent:         append([]Attempt(nil), b.recent...),
	}
	for _, login := range b.order {
		us := b.users[login]
		cp := *us
		cp.Targets = append([]TargetStatus(nil), us.Targets...)
		s.Users = append(s.Users, cp)
	}
	return s
}
