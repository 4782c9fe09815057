// Package bulletin contains the core domain types for the visa bulletin notification service.
package bulletin

import (
	"time"
)

// HighlightRow is the 1-based row index rendered as highlighted.
const HighlightRow = 3

// Cell is a single table cell. Text has non-breaking spaces replaced and is trimmed.
type Cell struct {
	Text   string
	Header bool // true for <th>
}

// Row is an ordered sequence of cells.
type Row []Cell

// Texts returns the cell strings of the row in order.
func (r Row) Texts() []string {
	out := make([]string, len(r))
	for i, c := range r {
		out[i] = c.Text
	}
	return out
}

// Bulletin is one resolved edition together with its extracted target table.
type Bulletin struct {
	Edition    Edition
	SourceLink string // Absolute URL of the scraped bulletin page
	IsCurrent  bool   // False when the fallback edition was substituted
	Rows       []Row
}

// Subscriber is a registered email address and the last edition it was notified for.
type Subscriber struct {
	CreatedAt    time.Time `json:"created_at"`
	NotifiedAt   time.Time `json:"notified_at,omitzero"` // Last successful delivery
	Email        string    `json:"email"`
	LastNotified Edition   `json:"last_notified"` // Zero when never notified
}

// Counters tracks check requests with daily and monthly rollover.
type Counters struct {
	LastDailyReset   time.Time `json:"last_daily_reset"`   // Date (UTC midnight)
	LastMonthlyReset time.Time `json:"last_monthly_reset"` // First of month (UTC midnight)
	Total            int64     `json:"total"`
	Daily            int64     `json:"daily"`
	Monthly          int64     `json:"monthly"`
}
