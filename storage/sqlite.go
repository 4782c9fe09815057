package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"visa-bulletin-notifier/pkg/bulletin"
)

const dateLayout = "2006-01-02"

const schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	email TEXT PRIMARY KEY,
	last_notified TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	notified_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS hit_counts (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	total INTEGER NOT NULL DEFAULT 0,
	daily INTEGER NOT NULL DEFAULT 0,
	monthly INTEGER NOT NULL DEFAULT 0,
	last_daily_reset TEXT NOT NULL DEFAULT '',
	last_monthly_reset TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO hit_counts (id) VALUES (1);
`

// SQLStore keeps subscribers and counters in a SQLite database.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQL opens (creating if needed) the database at path and initializes the schema.
func OpenSQL(path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, so counter updates never interleave.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("SQLite storage opened", "path", path)
	return &SQLStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// AddSubscriber inserts sub unless a record for sub.Email exists, and reports
// whether it was inserted. An existing record is left untouched.
func (s *SQLStore) AddSubscriber(ctx context.Context, sub *bulletin.Subscriber) (bool, error) {
	var notifiedAt int64
	if !sub.NotifiedAt.IsZero() {
		notifiedAt = sub.NotifiedAt.Unix()
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO subscribers (email, last_notified, created_at, notified_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(email) DO NOTHING
	`, sub.Email, sub.LastNotified.Key(), sub.CreatedAt.Unix(), notifiedAt)
	if err != nil {
		return false, fmt.Errorf("add subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add subscriber: %w", err)
	}

	s.logger.Debug("Subscriber added", "email", sub.Email, "created", n > 0)
	return n > 0, nil
}

// MarkNotified records that email received edition at the given time. It only
// updates an existing record and reports whether one was found.
func (s *SQLStore) MarkNotified(ctx context.Context, email string, edition bulletin.Edition, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE subscribers SET last_notified = ?, notified_at = ? WHERE email = ?
	`, edition.Key(), at.Unix(), email)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	return n > 0, nil
}

// DeleteSubscriber removes the record for email and reports whether it existed.
func (s *SQLStore) DeleteSubscriber(ctx context.Context, email string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE email = ?`, email)
	if err != nil {
		return false, fmt.Errorf("delete subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscriber: %w", err)
	}
	return n > 0, nil
}

// LoadSubscriber loads the record for email. Returns ErrNotFound if absent.
func (s *SQLStore) LoadSubscriber(ctx context.Context, email string) (*bulletin.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT email, last_notified, created_at, notified_at
	FROM subscribers WHERE email = ?
	`, email)

	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}
	return sub, nil
}

// ListSubscribers returns all subscribers ordered by email.
func (s *SQLStore) ListSubscribers(ctx context.Context) ([]*bulletin.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT email, last_notified, created_at, notified_at
	FROM subscribers ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*bulletin.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return subs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(sc scanner) (*bulletin.Subscriber, error) {
	var (
		sub                   bulletin.Subscriber
		lastNotified          string
		createdAt, notifiedAt int64
	)
	if err := sc.Scan(&sub.Email, &lastNotified, &createdAt, &notifiedAt); err != nil {
		return nil, err
	}

	ed, err := bulletin.ParseKey(lastNotified)
	if err != nil {
		return nil, fmt.Errorf("subscriber %s: %w", sub.Email, err)
	}
	sub.LastNotified = ed
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	if notifiedAt != 0 {
		sub.NotifiedAt = time.Unix(notifiedAt, 0).UTC()
	}
	return &sub, nil
}

// LoadCounters returns the stored counters.
func (s *SQLStore) LoadCounters(ctx context.Context) (bulletin.Counters, error) {
	return loadCounters(ctx, s.db)
}

// UpdateCounters applies fn to the stored counters inside one transaction.
func (s *SQLStore) UpdateCounters(ctx context.Context, fn func(*bulletin.Counters) error) (bulletin.Counters, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bulletin.Counters{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	h, err := loadCounters(ctx, tx)
	if err != nil {
		return bulletin.Counters{}, err
	}
	if err := fn(&h); err != nil {
		return bulletin.Counters{}, err
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE hit_counts SET
		total = ?, daily = ?, monthly = ?,
		last_daily_reset = ?, last_monthly_reset = ?
	WHERE id = 1
	`, h.Total, h.Daily, h.Monthly, formatDate(h.LastDailyReset), formatDate(h.LastMonthlyReset))
	if err != nil {
		return bulletin.Counters{}, fmt.Errorf("update counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return bulletin.Counters{}, fmt.Errorf("commit counters: %w", err)
	}
	return h, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCounters(ctx context.Context, q queryer) (bulletin.Counters, error) {
	var (
		h              bulletin.Counters
		daily, monthly string
	)
	err := q.QueryRowContext(ctx, `
	SELECT total, daily, monthly, last_daily_reset, last_monthly_reset
	FROM hit_counts WHERE id = 1
	`).Scan(&h.Total, &h.Daily, &h.Monthly, &daily, &monthly)
	if err != nil {
		return bulletin.Counters{}, fmt.Errorf("load counters: %w", err)
	}

	if h.LastDailyReset, err = parseDate(daily); err != nil {
		return bulletin.Counters{}, fmt.Errorf("load counters: %w", err)
	}
	if h.LastMonthlyReset, err = parseDate(monthly); err != nil {
		return bulletin.Counters{}, fmt.Errorf("load counters: %w", err)
	}
	return h, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, s, time.UTC)
}
