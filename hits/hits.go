// Package hits maintains check-request counters with daily and monthly rollover.
package hits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"visa-bulletin-notifier/pkg/bulletin"
)

// Store persists counters. UpdateCounters must run fn inside a single
// read-modify-write transaction and persist the result atomically.
type Store interface {
	UpdateCounters(ctx context.Context, fn func(*bulletin.Counters) error) (bulletin.Counters, error)
	LoadCounters(ctx context.Context) (bulletin.Counters, error)
}

// Counter records check requests.
type Counter struct {
	store  Store
	logger *slog.Logger
}

// New creates a new counter.
func New(store Store, logger *slog.Logger) *Counter {
	return &Counter{store: store, logger: logger}
}

// Update records one check request at now and returns the stored counters.
func (c *Counter) Update(ctx context.Context, now time.Time) (bulletin.Counters, error) {
	counters, err := c.store.UpdateCounters(ctx, func(h *bulletin.Counters) error {
		Apply(h, now)
		return nil
	})
	if err != nil {
		return bulletin.Counters{}, fmt.Errorf("update counters: %w", err)
	}

	c.logger.Debug("Hit recorded",
		"total", counters.Total,
		"daily", counters.Daily,
		"monthly", counters.Monthly)
	return counters, nil
}

// Load returns the stored counters without modifying them.
func (c *Counter) Load(ctx context.Context) (bulletin.Counters, error) {
	counters, err := c.store.LoadCounters(ctx)
	if err != nil {
		return bulletin.Counters{}, fmt.Errorf("load counters: %w", err)
	}
	return counters, nil
}

// Apply rolls over stale periods and counts one request. Periods are UTC.
func Apply(h *bulletin.Counters, now time.Time) {
	today := Day(now)
	firstOfMonth := MonthStart(now)

	if !h.LastDailyReset.Equal(today) {
		h.Daily = 0
		h.LastDailyReset = today
	}
	if !h.LastMonthlyReset.Equal(firstOfMonth) {
		h.Monthly = 0
		h.LastMonthlyReset = firstOfMonth
	}

	h.Total++
	h.Daily++
	h.Monthly++
}

// Day truncates t to its UTC date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of t's UTC month.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
