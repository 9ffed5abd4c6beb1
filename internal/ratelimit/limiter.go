package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Rejection reasons surfaced to the call manager and recorded on call events.
const (
	ReasonAnonymousBlocked = "ANONYMOUS_BLOCKED"
	ReasonPrefixBlocked    = "PREFIX_BLOCKED"
	ReasonCallerBlocked    = "CALLER_BLOCKED"
	ReasonRateMinute       = "RATE_LIMIT_MINUTE"
	ReasonRateHour         = "RATE_LIMIT_HOUR"
	ReasonRateDay          = "RATE_LIMIT_DAY"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Reason  string

	// WaitSeconds hints how long until the violated window frees up.
	WaitSeconds int

	// RemainingHour/RemainingDay report the higher-order budgets left at
	// rejection time, so operators can tell a burst from a flood.
	RemainingHour int
	RemainingDay  int
}

// Config carries the ceilings; zero values fall back to the abuse-safe defaults.
type Config struct {
	PerMinute int
	PerHour   int
	PerDay    int

	BlockAnonymous  bool
	BlockedPrefixes []string
}

func (c Config) withDefaults() Config {
	out := c
	if out.PerMinute <= 0 {
		out.PerMinute = 3
	}
	if out.PerHour <= 0 {
		out.PerHour = 10
	}
	if out.PerDay <= 0 {
		out.PerDay = 30
	}
	return out
}

const lockShards = 64

// Limiter enforces per-caller sliding ceilings and block state.
//
// Ceilings are per caller, global across voice lines: the line id is accepted
// for logging but does not scope the counters (abuse is a property of the
// caller, not of which number they dialed).
//
// Counters live in the store so enforcement survives restarts. The read-
// modify-write per caller is serialized through a sharded mutex; different
// callers proceed in parallel.
type Limiter struct {
	store Store
	cache BlockCache
	cfg   Config

	locks [lockShards]sync.Mutex

	log   *slog.Logger
	clock func() time.Time
}

func NewLimiter(store Store, cache BlockCache, cfg Config, log *slog.Logger) *Limiter {
	return &Limiter{
		store: store,
		cache: cache,
		cfg:   cfg.withDefaults(),
		log:   log,
		clock: time.Now,
	}
}

// CheckAndConsume decides whether callerID may place a call right now and, if
// allowed, consumes one unit from all three windows atomically.
//
// Store failures fail open: caller experience outranks best-effort bookkeeping.
func (l *Limiter) CheckAndConsume(ctx context.Context, callerID, lineID string) Decision {
	now := l.clock()

	if isAnonymous(callerID) {
		if l.cfg.BlockAnonymous {
			return Decision{Allowed: false, Reason: ReasonAnonymousBlocked}
		}
		// Anonymous but admitted: nothing to count against.
		return Decision{Allowed: true}
	}

	for _, prefix := range l.cfg.BlockedPrefixes {
		if strings.HasPrefix(callerID, prefix) {
			return Decision{Allowed: false, Reason: ReasonPrefixBlocked}
		}
	}

	// Fast-path block check; cache errors are ignored because the persisted
	// record below still carries the block.
	if reason, until, ok := l.cache.Blocked(ctx, callerID); ok {
		if until.IsZero() || until.After(now) {
			return blockedDecision(reason, until, now)
		}
	}

	mu := l.lockFor(callerID)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := l.store.Get(ctx, callerID)
	if err != nil {
		l.log.Warn("rate limit store read failed, failing open", "caller", callerID, "line", lineID, "err", err)
		return Decision{Allowed: true}
	}
	if !found {
		rec = Record{CallerID: callerID}
	}

	if rec.Blocked {
		if rec.BlockExpiry.IsZero() || rec.BlockExpiry.After(now) {
			return blockedDecision(rec.BlockReason, rec.BlockExpiry, now)
		}
		// Expired block: clear and fall through to the counters.
		rec.Blocked = false
		rec.BlockReason = ""
		rec.BlockExpiry = time.Time{}
	}

	rec.rollover(now)

	if rec.MinuteCount >= l.cfg.PerMinute {
		return Decision{
			Allowed:       false,
			Reason:        ReasonRateMinute,
			WaitSeconds:   secondsUntil(rec.MinuteStart.Add(time.Minute), now),
			RemainingHour: remaining(l.cfg.PerHour, rec.HourCount),
			RemainingDay:  remaining(l.cfg.PerDay, rec.DayCount),
		}
	}
	if rec.HourCount >= l.cfg.PerHour {
		return Decision{
			Allowed:      false,
			Reason:       ReasonRateHour,
			WaitSeconds:  secondsUntil(rec.HourStart.Add(time.Hour), now),
			RemainingDay: remaining(l.cfg.PerDay, rec.DayCount),
		}
	}
	if rec.DayCount >= l.cfg.PerDay {
		return Decision{
			Allowed:     false,
			Reason:      ReasonRateDay,
			WaitSeconds: secondsUntil(startOfNextDay(now), now),
		}
	}

	rec.MinuteCount++
	rec.HourCount++
	rec.DayCount++
	rec.LastCall = now
	if rec.FirstCallToday.IsZero() {
		rec.FirstCallToday = now
	}

	if err := l.store.Upsert(ctx, rec); err != nil {
		l.log.Warn("rate limit store write failed", "caller", callerID, "err", err)
	}
	return Decision{Allowed: true}
}

// Block denies a caller for durationMinutes (0 or negative = indefinite),
// writing both the persisted record and the fast-path cache.
func (l *Limiter) Block(ctx context.Context, callerID string, durationMinutes int, reason string) error {
	now := l.clock()
	var until time.Time
	var ttl time.Duration
	if durationMinutes > 0 {
		ttl = time.Duration(durationMinutes) * time.Minute
		until = now.Add(ttl)
	}

	mu := l.lockFor(callerID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.store.SetBlock(ctx, callerID, reason, until); err != nil {
		return err
	}
	l.cache.SetBlocked(ctx, callerID, reason, ttl)
	l.log.Info("caller blocked", "caller", callerID, "reason", reason, "until", until)
	return nil
}

// Unblock lifts a block from both the store and the cache.
func (l *Limiter) Unblock(ctx context.Context, callerID string) error {
	mu := l.lockFor(callerID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.store.ClearBlock(ctx, callerID); err != nil {
		return err
	}
	l.cache.ClearBlocked(ctx, callerID)
	l.log.Info("caller unblocked", "caller", callerID)
	return nil
}

func (l *Limiter) lockFor(callerID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callerID))
	return &l.locks[h.Sum32()%lockShards]
}

func isAnonymous(callerID string) bool {
	switch strings.ToLower(strings.TrimSpace(callerID)) {
	case "", "anonymous", "unknown", "restricted", "unavailable":
		return true
	default:
		return false
	}
}

func blockedDecision(reason string, until, now time.Time) Decision {
	d := Decision{Allowed: false, Reason: ReasonCallerBlocked}
	if reason != "" {
		d.Reason = ReasonCallerBlocked + ":" + reason
	}
	if !until.IsZero() {
		d.WaitSeconds = secondsUntil(until, now)
	}
	return d
}

func remaining(ceiling, used int) int {
	if used >= ceiling {
		return 0
	}
	return ceiling - used
}

func secondsUntil(deadline, now time.Time) int {
	s := int(deadline.Sub(now).Seconds())
	if s < 0 {
		return 0
	}
	return s
}

func startOfNextDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
