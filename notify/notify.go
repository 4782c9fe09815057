// Package notify decides, per subscriber, whether a bulletin edition still needs to be delivered.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"visa-bulletin-notifier/pkg/bulletin"
)

const defaultWorkers = 4

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ErrInvalidEmail is returned when a subscribe request carries a malformed address.
var ErrInvalidEmail = errors.New("invalid email address")

// Store interface for subscriber persistence.
//
// AddSubscriber must not modify an existing record, and MarkNotified must not
// create a missing one: a subscriber deleted while a delivery is in flight
// stays deleted.
type Store interface {
	ListSubscribers(ctx context.Context) ([]*bulletin.Subscriber, error)
	AddSubscriber(ctx context.Context, sub *bulletin.Subscriber) (bool, error)
	MarkNotified(ctx context.Context, email string, edition bulletin.Edition, at time.Time) (bool, error)
	DeleteSubscriber(ctx context.Context, email string) (bool, error)
}

// Transport delivers one message to one address.
type Transport interface {
	Deliver(ctx context.Context, email, subject, body string) error
}

// Notice is the message for one edition.
type Notice struct {
	Edition bulletin.Edition
	Subject string
	Body    string
}

// DeliveryError indicates the transport failed for one subscriber.
type DeliveryError struct {
	Err     error
	Email   string
	Removed bool // The failure policy deleted the subscriber
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Email, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Report summarizes one dispatch cycle.
type Report struct {
	Sent    []string
	Skipped []string
	Failed  []string
	Removed []string // Subscribers dropped by FailureUnsubscribe
}

// Engine dispatches notices to subscribers who have not yet received the edition.
type Engine struct {
	store     Store
	transport Transport
	logger    *slog.Logger
	policy    FailurePolicy
	workers   int
	now       func() time.Time

	// Serializes dispatch cycles and subscribe-time deliveries within the
	// process so no two of them deliver the same edition to one subscriber.
	dispatchMu sync.Mutex
}

// Config holds engine configuration.
type Config struct {
	Store     Store
	Transport Transport
	Logger    *slog.Logger
	Policy    FailurePolicy
	Workers   int              // Concurrent deliveries; defaults to 4
	Now       func() time.Time // Defaults to time.Now
}

// New creates a new dispatch engine.
func New(cfg *Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     cfg.Store,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		policy:    cfg.Policy,
		workers:   workers,
		now:       now,
	}
}

// Policy returns the configured delivery failure policy.
func (e *Engine) Policy() FailurePolicy {
	return e.policy
}

// Dispatch delivers n to every subscriber whose last notified edition differs
// from n.Edition. Each subscriber gets at most one attempt; a failure for one
// never stops the others. Only listing subscribers can fail the whole cycle.
func (e *Engine) Dispatch(ctx context.Context, n *Notice) (*Report, error) {
	if n.Edition.IsZero() {
		return nil, errors.New("dispatch requires an edition")
	}

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	subs, err := e.store.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	e.logger.Info("Dispatching edition",
		"edition", n.Edition.Key(),
		"subscribers", len(subs),
		"policy", e.policy.String())

	report := &Report{}
	var mu sync.Mutex
	record := func(list *[]string, email string) {
		mu.Lock()
		defer mu.Unlock()
		*list = append(*list, email)
	}

	var g errgroup.Group
	g.SetLimit(e.workers)

	for _, sub := range subs {
		if sub.LastNotified == n.Edition {
			e.logger.Debug("Skipping subscriber (already notified)", "email", sub.Email, "edition", n.Edition.Key())
			record(&report.Skipped, sub.Email)
			continue
		}

		// Check for context cancellation
		if ctx.Err() != nil {
			e.logger.Info("Context cancelled, stopping dispatch", "error", ctx.Err())
			break
		}

		g.Go(func() error {
			err := e.notify(ctx, sub.Email, n)
			if err == nil {
				record(&report.Sent, sub.Email)
				return nil
			}

			e.logger.Warn("Notification failed", "email", sub.Email, "edition", n.Edition.Key(), "error", err)
			record(&report.Failed, sub.Email)
			if e.handleFailure(ctx, err) {
				record(&report.Removed, sub.Email)
			}
			// Errors are per subscriber and never cancel the group.
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("Dispatch completed",
		"edition", n.Edition.Key(),
		"sent", len(report.Sent),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"removed", len(report.Removed))

	return report, nil
}

// notify delivers to one subscriber and records the edition on success.
// A subscriber removed during delivery is not recorded again.
func (e *Engine) notify(ctx context.Context, email string, n *Notice) error {
	if err := e.transport.Deliver(ctx, email, n.Subject, n.Body); err != nil {
		return &DeliveryError{Email: email, Err: err}
	}

	found, err := e.store.MarkNotified(ctx, email, n.Edition, e.now().UTC())
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	if !found {
		e.logger.Info("Subscriber removed during delivery, edition not recorded", "email", email, "edition", n.Edition.Key())
		return nil
	}

	e.logger.Info("Subscriber notified", "email", email, "edition", n.Edition.Key())
	return nil
}

// handleFailure applies the failure policy to a failed delivery and reports
// whether the subscriber was removed.
func (e *Engine) handleFailure(ctx context.Context, err error) bool {
	var de *DeliveryError
	if !errors.As(err, &de) || e.policy != FailureUnsubscribe {
		return false
	}

	if _, delErr := e.store.DeleteSubscriber(ctx, de.Email); delErr != nil {
		e.logger.Error("Failed to remove undeliverable subscriber", "email", de.Email, "error", delErr)
		return false
	}
	e.logger.Info("Undeliverable subscriber removed", "email", de.Email)
	de.Removed = true
	return true
}

// Subscribe registers email and delivers n to it unconditionally. An existing
// record keeps its history; without a notice nothing else changes. A failed
// delivery is handled by the failure policy like any other.
func (e *Engine) Subscribe(ctx context.Context, email string, n *Notice) error {
	email = NormalizeEmail(email)
	if !IsValidEmail(email) {
		return ErrInvalidEmail
	}

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	created, err := e.store.AddSubscriber(ctx, &bulletin.Subscriber{
		Email:     email,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}
	if created {
		e.logger.Info("Subscriber registered", "email", email)
	} else {
		e.logger.Info("Subscriber already registered", "email", email)
	}

	if n == nil || n.Edition.IsZero() {
		e.logger.Warn("No edition available, welcome notification deferred to next dispatch", "email", email)
		return nil
	}

	err = e.notify(ctx, email, n)
	if err != nil {
		e.handleFailure(ctx, err)
	}
	return err
}

// Unsubscribe removes email. It reports whether a record existed; absent
// addresses are not an error.
func (e *Engine) Unsubscribe(ctx context.Context, email string) (bool, error) {
	email = NormalizeEmail(email)
	found, err := e.store.DeleteSubscriber(ctx, email)
	if err != nil {
		return false, fmt.Errorf("delete subscriber: %w", err)
	}

	if found {
		e.logger.Info("Subscriber removed", "email", email)
	} else {
		e.logger.Info("Unsubscribe for unknown email", "email", email)
	}
	return found, nil
}

// Count returns the number of registered subscribers.
func (e *Engine) Count(ctx context.Context) (int, error) {
	subs, err := e.store.ListSubscribers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}
	return len(subs), nil
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail reports whether email is a plain, well-formed address.
func IsValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}
