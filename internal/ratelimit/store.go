package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Record is the persisted per-caller state.
//
// Invariant: counts reset to zero exactly once per calendar-day boundary,
// detected lazily on the next admission check (no background sweep).
type Record struct {
	CallerID string

	MinuteCount int
	HourCount   int
	DayCount    int

	MinuteStart    time.Time
	HourStart      time.Time
	FirstCallToday time.Time
	LastCall       time.Time

	Blocked     bool
	BlockReason string
	// BlockExpiry zero means indefinite.
	BlockExpiry time.Time
}

// rollover expires stale windows in place.
func (r *Record) rollover(now time.Time) {
	if !r.FirstCallToday.IsZero() && !sameDay(r.FirstCallToday, now) {
		r.MinuteCount = 0
		r.HourCount = 0
		r.DayCount = 0
		r.FirstCallToday = time.Time{}
		r.MinuteStart = time.Time{}
		r.HourStart = time.Time{}
	}
	if r.MinuteStart.IsZero() || now.Sub(r.MinuteStart) >= time.Minute {
		r.MinuteCount = 0
		r.MinuteStart = now
	}
	if r.HourStart.IsZero() || now.Sub(r.HourStart) >= time.Hour {
		r.HourCount = 0
		r.HourStart = now
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Store persists rate-limit records. Implementations must be safe for
// concurrent use; per-caller serialization is the Limiter's job.
type Store interface {
	Get(ctx context.Context, callerID string) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
	SetBlock(ctx context.Context, callerID, reason string, until time.Time) error
	ClearBlock(ctx context.Context, callerID string) error
}

// PostgresStore keeps one row per caller in voice_rate_limits.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, callerID string) (Record, bool, error) {
	const q = `
		SELECT caller_id, minute_count, hour_count, day_count,
		       minute_start, hour_start, first_call_today, last_call,
		       blocked, COALESCE(block_reason, ''), block_expiry
		FROM voice_rate_limits
		WHERE caller_id = $1`

	var rec Record
	var minuteStart, hourStart, firstToday, lastCall, blockExpiry sql.NullTime
	err := s.db.QueryRowContext(ctx, q, callerID).Scan(
		&rec.CallerID, &rec.MinuteCount, &rec.HourCount, &rec.DayCount,
		&minuteStart, &hourStart, &firstToday, &lastCall,
		&rec.Blocked, &rec.BlockReason, &blockExpiry,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.MinuteStart = minuteStart.Time
	rec.HourStart = hourStart.Time
	rec.FirstCallToday = firstToday.Time
	rec.LastCall = lastCall.Time
	rec.BlockExpiry = blockExpiry.Time
	return rec, true, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO voice_rate_limits (
			caller_id, minute_count, hour_count, day_count,
			minute_start, hour_start, first_call_today, last_call,
			blocked, block_reason, block_expiry
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (caller_id) DO UPDATE SET
			minute_count = EXCLUDED.minute_count,
			hour_count = EXCLUDED.hour_count,
			day_count = EXCLUDED.day_count,
			minute_start = EXCLUDED.minute_start,
			hour_start = EXCLUDED.hour_start,
			first_call_today = EXCLUDED.first_call_today,
			last_call = EXCLUDED.last_call,
			blocked = EXCLUDED.blocked,
			block_reason = EXCLUDED.block_reason,
			block_expiry = EXCLUDED.block_expiry`

	_, err := s.db.ExecContext(ctx, q,
		rec.CallerID, rec.MinuteCount, rec.HourCount, rec.DayCount,
		nullTime(rec.MinuteStart), nullTime(rec.HourStart),
		nullTime(rec.FirstCallToday), nullTime(rec.LastCall),
		rec.Blocked, nullString(rec.BlockReason), nullTime(rec.BlockExpiry),
	)
	return err
}

func (s *PostgresStore) SetBlock(ctx context.Context, callerID, reason string, until time.Time) error {
	const q = `
		INSERT INTO voice_rate_limits (caller_id, blocked, block_reason, block_expiry)
		VALUES ($1, TRUE, $2, $3)
		ON CONFLICT (caller_id) DO UPDATE SET
			blocked = TRUE,
			block_reason = EXCLUDED.block_reason,
			block_expiry = EXCLUDED.block_expiry`
	_, err := s.db.ExecContext(ctx, q, callerID, nullString(reason), nullTime(until))
	return err
}

func (s *PostgresStore) ClearBlock(ctx context.Context, callerID string) error {
	const q = `
		UPDATE voice_rate_limits
		SET blocked = FALSE, block_reason = NULL, block_expiry = NULL
		WHERE caller_id = $1`
	_, err := s.db.ExecContext(ctx, q, callerID)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
