// Package ratelimit implements per-connector rate limiting using Redis
// sliding-window counters over two windows (minute and hour).
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Result carries the limiter decision plus the window state the 429 body and
// response headers need.
type Result struct {
	Allowed bool

	// Remaining counts already account for the current request.
	MinuteRemaining int
	HourRemaining   int

	// Reset instants in unix seconds.
	MinuteReset int64
	HourReset   int64
}

// Limits are the per-connector window limits.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Limiter checks per-connector minute and hour sliding windows backed by
// Redis sorted sets. When Redis is unreachable requests are allowed through
// (graceful degradation): an unenforced limit beats a hard outage.
type Limiter struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time
}

// NewLimiter returns a limiter over the given Redis client.
func NewLimiter(rdb *redis.Client, log *slog.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: log, now: time.Now}
}

func minuteKey(connectorID string) string { return "rate:" + connectorID + ":minute" }
func hourKey(connectorID string) string   { return "rate:" + connectorID + ":hour" }

// Allow records the request against both windows when it fits, and returns
// the decision with remaining/reset state.
func (l *Limiter) Allow(ctx context.Context, connectorID string, limits Limits) Result {
	now := time.Now()
	if l != nil && l.now != nil {
		now = l.now()
	}
	res := Result{
		Allowed:     true,
		MinuteReset: now.Add(minuteWindow).Unix(),
		HourReset:   now.Add(hourWindow).Unix(),
	}
	if l == nil || l.rdb == nil {
		res.MinuteRemaining = limits.PerMinute
		res.HourRemaining = limits.PerHour
		return res
	}

	mKey, hKey := minuteKey(connectorID), hourKey(connectorID)
	nowNs := now.UnixNano()

	// Pass 1: trim both windows and count what is left.
	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, mKey, "0", strconv.FormatInt(nowNs-minuteWindow.Nanoseconds(), 10))
	minuteCard := pipe.ZCard(ctx, mKey)
	pipe.ZRemRangeByScore(ctx, hKey, "0", strconv.FormatInt(nowNs-hourWindow.Nanoseconds(), 10))
	hourCard := pipe.ZCard(ctx, hKey)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.WarnContext(ctx, "rate limiter redis unavailable, allowing request",
			slog.String("connector_id", connectorID),
			slog.String("error", err.Error()),
		)
		res.MinuteRemaining = limits.PerMinute
		res.HourRemaining = limits.PerHour
		return res
	}

	minuteCount := int(minuteCard.Val())
	hourCount := int(hourCard.Val())

	res.MinuteRemaining = remaining(limits.PerMinute, minuteCount)
	res.HourRemaining = remaining(limits.PerHour, hourCount)

	if minuteCount >= limits.PerMinute || hourCount >= limits.PerHour {
		res.Allowed = false
		return res
	}

	// Pass 2: record the request in both windows. Keys expire at twice the
	// window so idle connectors cost nothing.
	member := strconv.FormatInt(nowNs, 10) + "-" + uuid.NewString()
	pipe = l.rdb.Pipeline()
	pipe.ZAdd(ctx, mKey, redis.Z{Score: float64(nowNs), Member: member})
	pipe.Expire(ctx, mKey, 2*minuteWindow)
	pipe.ZAdd(ctx, hKey, redis.Z{Score: float64(nowNs), Member: member})
	pipe.Expire(ctx, hKey, 2*hourWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.WarnContext(ctx, "rate limiter record failed",
			slog.String("connector_id", connectorID),
			slog.String("error", err.Error()),
		)
	}

	return res
}

// Info reads the current window usage without recording a request. Used by
// the admin surface.
func (l *Limiter) Info(ctx context.Context, connectorID string, limits Limits) Result {
	now := time.Now()
	if l != nil && l.now != nil {
		now = l.now()
	}
	res := Result{
		Allowed:     true,
		MinuteReset: now.Add(minuteWindow).Unix(),
		HourReset:   now.Add(hourWindow).Unix(),
	}
	if l == nil || l.rdb == nil {
		res.MinuteRemaining = limits.PerMinute
		res.HourRemaining = limits.PerHour
		return res
	}

	nowNs := now.UnixNano()
	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, minuteKey(connectorID), "0", strconv.FormatInt(nowNs-minuteWindow.Nanoseconds(), 10))
	minuteCard := pipe.ZCard(ctx, minuteKey(connectorID))
	pipe.ZRemRangeByScore(ctx, hourKey(connectorID), "0", strconv.FormatInt(nowNs-hourWindow.Nanoseconds(), 10))
	hourCard := pipe.ZCard(ctx, hourKey(connectorID))
	if _, err := pipe.Exec(ctx); err != nil {
		res.MinuteRemaining = limits.PerMinute
		res.HourRemaining = limits.PerHour
		return res
	}

	minuteCount := int(minuteCard.Val())
	hourCount := int(hourCard.Val())
	res.MinuteRemaining = max(0, limits.PerMinute-minuteCount)
	res.HourRemaining = max(0, limits.PerHour-hourCount)
	res.Allowed = minuteCount < limits.PerMinute && hourCount < limits.PerHour
	return res
}

// remaining accounts for the request being decided right now.
func remaining(limit, count int) int {
	return max(0, limit-count-1)
}
