// Package booking contains the orchestration core: matching configured slot
// preferences against the platform calendar, driving booking attempts to a
// terminal outcome, and tracking waiting-list entries for full classes.
package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
)

// Outcome is the terminal state of one booking attempt.
type Outcome string

const (
	OutcomeBooked     Outcome = "booked"
	OutcomeSlotFull   Outcome = "slot_full"
	OutcomeAuthFailed Outcome = "auth_failed"
	OutcomeTransient  Outcome = "transient_error"
	OutcomeSkipped    Outcome = "skipped"
	// OutcomeIntended is recorded by dry runs: discovery and matching ran for
	// real, the booking call did not.
	OutcomeIntended Outcome = "intended"
)

// Reasons the executor attaches to Skipped outcomes. The waiting-list monitor
// keys off ReasonAlreadyBooked to retire entries whose day got booked through
// another path.
const (
	ReasonAlreadyBooked = "already booked"
	ReasonInFlight      = "attempt already in flight"
)

// Attempt is one recorded booking attempt for a (user, day) pair.
type Attempt struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	UserName  string    `json:"user_name"`
	Day       string    `json:"day"`
	Date      time.Time `json:"date"`
	SlotID    string    `json:"slot_id,omitempty"`
	SlotStart time.Time `json:"slot_start,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// NewAttempt stamps a fresh attempt record.
func NewAttempt(t Target, slot nubapp.Slot, outcome Outcome, reason string, at time.Time) Attempt {
	return Attempt{
		ID:        uuid.NewString(),
		Login:     t.Login,
		UserName:  t.UserName,
		Day:       t.Day,
		Date:      t.Date,
		SlotID:    slot.ID,
		SlotStart: slot.Start,
		Outcome:   outcome,
		Reason:    reason,
		At:        at,
	}
}

// Booked is a durable record of a successful booking, the idempotency anchor:
// one per (login, date), ever.
type Booked struct {
	Login    string    `json:"login"`
	Date     time.Time `json:"date"`
	SlotTime string    `json:"slot_time"`
	SlotID   string    `json:"slot_id"`
	At       time.Time `json:"at"`
}

// Ledger persists booked slots and attempt history. Implementations live in
// internal/store.
type Ledger interface {
	IsBooked(ctx context.Context, login string, date time.Time) (bool, error)
	MarkBooked(ctx context.Context, b Booked) error
	RecordAttempt(ctx context.Context, a Attempt) error
	RecentAttempts(ctx context.Context, limit int) ([]Attempt, error)
}

// Want is what a user asks for on a given weekday: an exact start time and,
// optionally, an activity.
type Want struct {
	Time     schedule.TimeOfDay
	Activity string
}

func (w Want) String() string {
	if w.Activity == "" {
		return w.Time.String() + " (any activity)"
	}
	return fmt.Sprintf("%s (%s)", w.Time, w.Activity)
}

// Target identifies one (user, concrete date) booking goal.
type Target struct {
	Login    string
	UserName string
	Day      string
	Date     time.Time
	Want     Want
}

// Key identifies the target for in-flight guarding and waiting-list dedup.
func (t Target) Key() string {
	return t.Login + ":" + schedule.DateKey(t.Date)
}

func (t Target) String() string {
	return fmt.Sprintf("%s %s %s at %s", t.Login, t.Day, schedule.DateKey(t.Date), t.Want)
}

// Booker books a slot; *nubapp.Session satisfies it.
type Booker interface {
	Book(ctx context.Context, slotID string) error
}

// SlotBooker adds calendar discovery; the waiting-list monitor needs both.
type SlotBooker interface {
	Booker
	Slots(ctx context.Context, from, to time.Time) ([]nubapp.Slot, error)
}

// UserSession is the per-user session surface the orchestrator manages.
type UserSession interface {
	SlotBooker
	Alive() bool
	Login() string
}

// Opener opens fresh authenticated sessions.
type Opener interface {
	Open(ctx context.Context, login, password string) (UserSession, error)
}

// NubappOpener adapts the concrete client to the Opener seam.
func NubappOpener(c *nubapp.Client) Opener { return nubappOpener{c} }

type nubappOpener struct{ c *nubapp.Client }

func (o nubappOpener) Open(ctx context.Context, login, password string) (UserSession, error) {
	return o.c.Open(ctx, login, password)
}
