package booking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second

	// attemptBudget bounds a single booking attempt end to end. Attempts
	// started before shutdown run to completion within this window.
	attemptBudget = 2 * time.Minute
)

// Executor drives one booking attempt to a terminal outcome: ledger
// idempotency check, the booking call with transient-only retries, outcome
// classification, and attempt recording.
type Executor struct {
	Ledger Ledger
	Clock  clock.Clock
	Log    *slog.Logger
	DryRun bool

	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func (e *Executor) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Executor) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now()
}

func (e *Executor) tryAcquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil {
		e.inflight = make(map[string]struct{})
	}
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

// Execute books slot for t through b and returns the recorded attempt. At most
// one attempt per target key runs at a time; a concurrent call for the same
// key returns a Skipped attempt without touching the ledger or the network.
func (e *Executor) Execute(ctx context.Context, b Booker, t Target, slot nubapp.Slot) Attempt {
	log := e.logger().With("user", t.Login, "day", t.Day, "date", schedule.DateKey(t.Date), "slot", slot.ID)

	if !e.tryAcquire(t.Key()) {
		log.Debug("skipping booking attempt", "reason", ReasonInFlight)
		return NewAttempt(t, slot, OutcomeSkipped, ReasonInFlight, e.now())
	}
	defer e.release(t.Key())

	booked, err := e.Ledger.IsBooked(ctx, t.Login, t.Date)
	if err != nil {
		// Refusing to book is recoverable on the next cycle; booking twice
		// is not.
		log.Warn("ledger check failed, holding off", "error", err)
		return e.record(ctx, log, NewAttempt(t, slot, OutcomeSkipped, "ledger unavailable: "+err.Error(), e.now()))
	}
	if booked {
		log.Debug("skipping booking attempt", "reason", ReasonAlreadyBooked)
		return e.record(ctx, log, NewAttempt(t, slot, OutcomeSkipped, ReasonAlreadyBooked, e.now()))
	}

	if e.DryRun {
		log.Info("dry run, would book", "activity", slot.Activity, "start", slot.Start)
		return e.record(ctx, log, NewAttempt(t, slot, OutcomeIntended, "dry run: would book "+slot.String(), e.now()))
	}

	// Shield the attempt from cancellation so shutdown lets in-flight
	// bookings finish, bounded by the attempt budget.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptBudget)
	defer cancel()

	attempts := e.RetryAttempts
	if attempts == 0 {
		attempts = defaultRetryAttempts
	}
	delay := e.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	maxDelay := e.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	err = retry.Do(
		func() error { return b.Book(bookCtx, slot.ID) },
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(maxDelay),
		retry.MaxJitter(delay),
		retry.Context(bookCtx),
		retry.LastErrorOnly(true),
		retry.RetryIf(nubapp.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("booking attempt failed, retrying", "attempt", n+1, "error", err)
		}),
	)

	a := NewAttempt(t, slot, OutcomeBooked, "", e.now())
	switch {
	case err == nil:
		log.Info("booked", "activity", slot.Activity, "start", slot.Start)
		if merr := e.Ledger.MarkBooked(bookCtx, Booked{
			Login:    t.Login,
			Date:     t.Date,
			SlotTime: t.Want.Time.String(),
			SlotID:   slot.ID,
			At:       a.At,
		}); merr != nil {
			log.Error("booked but failed to persist, duplicate attempts possible", "error", merr)
		}
	case nubapp.IsCapacity(err):
		a.Outcome = OutcomeSlotFull
		a.Reason = err.Error()
		log.Info("slot full", "error", err)
	case nubapp.IsAuth(err):
		a.Outcome = OutcomeAuthFailed
		a.Reason = err.Error()
		log.Warn("booking rejected, session invalid", "error", err)
	default:
		a.Outcome = OutcomeTransient
		a.Reason = err.Error()
		log.Warn("booking failed", "error", err)
	}
	return e.record(bookCtx, log, a)
}

func (e *Executor) record(ctx context.Context, log *slog.Logger, a Attempt) Attempt {
	if err := e.Ledger.RecordAttempt(ctx, a); err != nil {
		log.Warn("failed to record attempt", "outcome", a.Outcome, "error", err)
	}
	return a
}
