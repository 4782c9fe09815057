package hits

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"visa-bulletin-notifier/pkg/bulletin"
)

// memStore serializes updates with a mutex, the way a transactional store would.
type memStore struct {
	mu sync.Mutex
	h  bulletin.Counters
}

func (m *memStore) UpdateCounters(_ context.Context, fn func(*bulletin.Counters) error) (bulletin.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.h
	if err := fn(&next); err != nil {
		return bulletin.Counters{}, err
	}
	m.h = next
	return next, nil
}

func (m *memStore) LoadCounters(context.Context) (bulletin.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h, nil
}

func TestApplyRollover(t *testing.T) {
	now := time.Date(2025, time.May, 14, 10, 0, 0, 0, time.UTC)
	yesterday := Day(now.AddDate(0, 0, -1))
	lastMonth := MonthStart(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name        string
		in          bulletin.Counters
		wantDaily   int64
		wantMonthly int64
	}{
		{
			name:        "daily rolls over",
			in:          bulletin.Counters{Total: 100, Daily: 7, Monthly: 40, LastDailyReset: yesterday, LastMonthlyReset: MonthStart(now)},
			wantDaily:   1,
			wantMonthly: 41,
		},
		{
			name:        "monthly rolls over",
			in:          bulletin.Counters{Total: 100, Daily: 7, Monthly: 40, LastDailyReset: Day(now), LastMonthlyReset: lastMonth},
			wantDaily:   8,
			wantMonthly: 1,
		},
		{
			name:        "both roll over",
			in:          bulletin.Counters{Total: 100, Daily: 7, Monthly: 40, LastDailyReset: yesterday, LastMonthlyReset: lastMonth},
			wantDaily:   1,
			wantMonthly: 1,
		},
		{
			name:        "same day",
			in:          bulletin.Counters{Total: 100, Daily: 7, Monthly: 40, LastDailyReset: Day(now), LastMonthlyReset: MonthStart(now)},
			wantDaily:   8,
			wantMonthly: 41,
		},
		{
			name:        "fresh store",
			in:          bulletin.Counters{},
			wantDaily:   1,
			wantMonthly: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.in
			Apply(&h, now)

			if h.Daily != tt.wantDaily {
				t.Errorf("Daily = %d, want %d", h.Daily, tt.wantDaily)
			}
			if h.Monthly != tt.wantMonthly {
				t.Errorf("Monthly = %d, want %d", h.Monthly, tt.wantMonthly)
			}
			if h.Total != tt.in.Total+1 {
				t.Errorf("Total = %d, want %d", h.Total, tt.in.Total+1)
			}
			if !h.LastDailyReset.Equal(Day(now)) {
				t.Errorf("LastDailyReset = %v, want %v", h.LastDailyReset, Day(now))
			}
			if !h.LastMonthlyReset.Equal(MonthStart(now)) {
				t.Errorf("LastMonthlyReset = %v, want %v", h.LastMonthlyReset, MonthStart(now))
			}
		})
	}
}

func TestDayUsesUTC(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	// 08:00 on May 1 in Seoul is still April 30 in UTC.
	now := time.Date(2025, time.May, 1, 8, 0, 0, 0, seoul)

	if got, want := Day(now), time.Date(2025, time.April, 30, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Day = %v, want %v", got, want)
	}
	if got, want := MonthStart(now), time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("MonthStart = %v, want %v", got, want)
	}
}

func TestCounterUpdateConcurrent(t *testing.T) {
	store := &memStore{}
	c := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, time.May, 14, 10, 0, 0, 0, time.UTC)

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Update(context.Background(), now); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Total != workers || got.Daily != workers || got.Monthly != workers {
		t.Errorf("counters = %+v, want all %d", got, workers)
	}
}
