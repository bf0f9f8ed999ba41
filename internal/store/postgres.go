package store

import (
	"context"
	"time"

	"github.com/example/wodsched/internal/booking"
	"github.com/example/wodsched/internal/db"
	"github.com/example/wodsched/internal/schedule"
)

// Postgres is the durable ledger, used by serve mode when a database URL is
// configured. Dates are keyed as calendar dates, so restarts and timezone
// changes cannot split one gym day into two rows.
type Postgres struct {
	db *db.DB
}

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

func (p *Postgres) IsBooked(ctx context.Context, login string, date time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM booked_slots WHERE login=$1 AND target_date=$2::date)`,
		login, schedule.DateKey(date),
	).Scan(&exists)
	return exists, err
}

func (p *Postgres) MarkBooked(ctx context.Context, b booking.Booked) error {
	return p.db.Exec(ctx, `
INSERT INTO booked_slots(login,target_date,slot_time,slot_id,booked_at)
VALUES ($1,$2::date,$3,$4,$5)
ON CONFLICT (login,target_date) DO NOTHING`,
		b.Login, schedule.DateKey(b.Date), b.SlotTime, b.SlotID, b.At,
	)
}

func (p *Postgres) RecordAttempt(ctx context.Context, a booking.Attempt) error {
	var slotStart *time.Time
	if !a.SlotStart.IsZero() {
		slotStart = &a.SlotStart
	}
	return p.db.Exec(ctx, `
INSERT INTO booking_attempts(id,login,user_name,day,target_date,slot_id,slot_start,outcome,reason,attempted_at)
VALUES ($1,$2,$3,$4,$5::date,$6,$7,$8,$9,$10)`,
		a.ID, a.Login, a.UserName, a.Day, schedule.DateKey(a.Date), a.SlotID, slotStart, string(a.Outcome), a.Reason, a.At,
	)
}

func (p *Postgres) RecentAttempts(ctx context.Context, limit int) ([]booking.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx, `
SELECT id,login,user_name,day,target_date,slot_id,slot_start,outcome,reason,attempted_at
FROM booking_attempts
ORDER BY attempted_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Attempt
	for rows.Next() {
		var a booking.Attempt
		var outcome string
		var slotStart *time.Time
		if err := rows.Scan(
			&a.ID, &a.Login, &a.UserName, &a.Day, &a.Date, &a.SlotID, &slotStart, &outcome, &a.Reason, &a.At,
		); err != nil {
			return nil, err
		}
		if slotStart != nil {
			a.SlotStart = *slotStart
		}
		a.Outcome = booking.Outcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}
