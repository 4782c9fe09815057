package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"visa-bulletin-notifier/pkg/bulletin"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string]bulletin.Subscriber
}

func newMemStore(subs ...bulletin.Subscriber) *memStore {
	m := &memStore{subs: make(map[string]bulletin.Subscriber)}
	for _, s := range subs {
		m.subs[s.Email] = s
	}
	return m
}

func (m *memStore) ListSubscribers(context.Context) ([]*bulletin.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*bulletin.Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, &s)
	}
	return out, nil
}

func (m *memStore) AddSubscriber(_ context.Context, sub *bulletin.Subscriber) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.Email]; ok {
		return false, nil
	}
	m.subs[sub.Email] = *sub
	return true, nil
}

func (m *memStore) MarkNotified(_ context.Context, email string, edition bulletin.Edition, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[email]
	if !ok {
		return false, nil
	}
	sub.LastNotified = edition
	sub.NotifiedAt = at
	m.subs[email] = sub
	return true, nil
}

func (m *memStore) DeleteSubscriber(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[email]
	delete(m.subs, email)
	return ok, nil
}

func (m *memStore) get(email string) (bulletin.Subscriber, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[email]
	return s, ok
}

type fakeTransport struct {
	mu       sync.Mutex
	attempts map[string]int
	failFor  map[string]bool
	subjects []string
}

func newFakeTransport(failing ...string) *fakeTransport {
	f := &fakeTransport{attempts: make(map[string]int), failFor: make(map[string]bool)}
	for _, e := range failing {
		f.failFor[e] = true
	}
	return f
}

func (f *fakeTransport) Deliver(_ context.Context, email, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[email]++
	f.subjects = append(f.subjects, subject)
	if f.failFor[email] {
		return errors.New("mailbox unavailable")
	}
	return nil
}

func (f *fakeTransport) count(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[email]
}

var (
	may   = bulletin.Edition{Month: time.May, Year: 2025}
	april = bulletin.Edition{Month: time.April, Year: 2025}
	fixed = time.Date(2025, time.May, 14, 10, 0, 0, 0, time.UTC)
)

func newEngine(store Store, tr Transport, policy FailurePolicy) *Engine {
	return New(&Config{
		Store:     store,
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Policy:    policy,
		Now:       func() time.Time { return fixed },
	})
}

func notice() *Notice {
	return &Notice{Edition: may, Subject: "Visa Bulletin for 2025-May", Body: "<p>table</p>"}
}

func TestDispatchDedup(t *testing.T) {
	store := newMemStore(
		bulletin.Subscriber{Email: "done@example.com", LastNotified: may},
		bulletin.Subscriber{Email: "stale@example.com", LastNotified: april},
		bulletin.Subscriber{Email: "new@example.com"},
	)
	tr := newFakeTransport()
	e := newEngine(store, tr, FailureRetain)

	report, err := e.Dispatch(context.Background(), notice())
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	wantAttempts := map[string]int{
		"done@example.com":  0,
		"stale@example.com": 1,
		"new@example.com":   1,
	}
	for email, want := range wantAttempts {
		if got := tr.count(email); got != want {
			t.Errorf("attempts for %s = %d, want %d", email, got, want)
		}
		sub, _ := store.get(email)
		if sub.LastNotified != may {
			t.Errorf("%s LastNotified = %v, want %v", email, sub.LastNotified, may)
		}
	}

	if len(report.Sent) != 2 || len(report.Skipped) != 1 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}

	updated, _ := store.get("new@example.com")
	if !updated.NotifiedAt.Equal(fixed) {
		t.Errorf("NotifiedAt = %v, want %v", updated.NotifiedAt, fixed)
	}
}

func TestDispatchSecondCycleSendsNothing(t *testing.T) {
	store := newMemStore(
		bulletin.Subscriber{Email: "a@example.com"},
		bulletin.Subscriber{Email: "b@example.com", LastNotified: april},
	)
	tr := newFakeTransport()
	e := newEngine(store, tr, FailureRetain)

	for range 3 {
		if _, err := e.Dispatch(context.Background(), notice()); err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
	}

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if got := tr.count(email); got != 1 {
			t.Errorf("attempts for %s across cycles = %d, want 1", email, got)
		}
	}
}

func TestDispatchFailureRetain(t *testing.T) {
	store := newMemStore(
		bulletin.Subscriber{Email: "bad@example.com", LastNotified: april},
		bulletin.Subscriber{Email: "good@example.com", LastNotified: april},
	)
	tr := newFakeTransport("bad@example.com")
	e := newEngine(store, tr, FailureRetain)

	report, err := e.Dispatch(context.Background(), notice())
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	bad, ok := store.get("bad@example.com")
	if !ok {
		t.Fatal("retain policy removed the failing subscriber")
	}
	if bad.LastNotified != april {
		t.Errorf("failing subscriber LastNotified = %v, want unchanged %v", bad.LastNotified, april)
	}

	good, _ := store.get("good@example.com")
	if good.LastNotified != may {
		t.Errorf("a failure blocked another subscriber: LastNotified = %v", good.LastNotified)
	}

	if len(report.Failed) != 1 || len(report.Removed) != 0 {
		t.Errorf("report = %+v", report)
	}

	// The next cycle retries the failed subscriber only.
	if _, err := e.Dispatch(context.Background(), notice()); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if got := tr.count("bad@example.com"); got != 2 {
		t.Errorf("bad attempts = %d, want 2 (one per cycle)", got)
	}
	if got := tr.count("good@example.com"); got != 1 {
		t.Errorf("good attempts = %d, want 1", got)
	}
}

func TestDispatchFailureUnsubscribe(t *testing.T) {
	store := newMemStore(
		bulletin.Subscriber{Email: "bad@example.com"},
		bulletin.Subscriber{Email: "good@example.com"},
	)
	tr := newFakeTransport("bad@example.com")
	e := newEngine(store, tr, FailureUnsubscribe)

	report, err := e.Dispatch(context.Background(), notice())
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if _, ok := store.get("bad@example.com"); ok {
		t.Error("unsubscribe policy kept the failing subscriber")
	}
	if _, ok := store.get("good@example.com"); !ok {
		t.Error("healthy subscriber was removed")
	}
	if len(report.Removed) != 1 || report.Removed[0] != "bad@example.com" {
		t.Errorf("Removed = %v", report.Removed)
	}
}

func TestDispatchManySubscribersIsolated(t *testing.T) {
	var subs []bulletin.Subscriber
	var failing []string
	for i := range 25 {
		email := string(rune('a'+i)) + "@example.com"
		subs = append(subs, bulletin.Subscriber{Email: email})
		if i%5 == 0 {
			failing = append(failing, email)
		}
	}
	store := newMemStore(subs...)
	tr := newFakeTransport(failing...)
	e := newEngine(store, tr, FailureRetain)

	report, err := e.Dispatch(context.Background(), notice())
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	for _, s := range subs {
		if got := tr.count(s.Email); got != 1 {
			t.Errorf("attempts for %s = %d, want exactly 1", s.Email, got)
		}
	}
	sort.Strings(report.Failed)
	if len(report.Failed) != len(failing) || len(report.Sent) != len(subs)-len(failing) {
		t.Errorf("sent=%d failed=%d, want %d/%d", len(report.Sent), len(report.Failed), len(subs)-len(failing), len(failing))
	}
}

func TestDispatchRequiresEdition(t *testing.T) {
	e := newEngine(newMemStore(), newFakeTransport(), FailureRetain)
	if _, err := e.Dispatch(context.Background(), &Notice{}); err == nil {
		t.Error("Dispatch accepted a zero edition")
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	store := newMemStore(bulletin.Subscriber{Email: "x@y.com", LastNotified: may})
	e := newEngine(store, newFakeTransport(), FailureRetain)

	found, err := e.Unsubscribe(context.Background(), "x@y.com")
	if err != nil || !found {
		t.Fatalf("first Unsubscribe = %v, %v; want true, nil", found, err)
	}

	found, err = e.Unsubscribe(context.Background(), "x@y.com")
	if err != nil || found {
		t.Fatalf("second Unsubscribe = %v, %v; want false, nil", found, err)
	}

	if n, _ := e.Count(context.Background()); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestResubscribeSendsUnconditionally(t *testing.T) {
	store := newMemStore(bulletin.Subscriber{Email: "x@y.com", LastNotified: may})
	tr := newFakeTransport()
	e := newEngine(store, tr, FailureRetain)

	if _, err := e.Unsubscribe(context.Background(), "x@y.com"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := e.Subscribe(context.Background(), " X@Y.com ", notice()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if got := tr.count("x@y.com"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	sub, ok := store.get("x@y.com")
	if !ok {
		t.Fatal("subscriber not stored")
	}
	if sub.LastNotified != may {
		t.Errorf("LastNotified = %v, want %v", sub.LastNotified, may)
	}
	if !sub.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", sub.CreatedAt, fixed)
	}

	// The following dispatch for the same edition skips the new subscriber.
	if _, err := e.Dispatch(context.Background(), notice()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := tr.count("x@y.com"); got != 1 {
		t.Errorf("attempts after dispatch = %d, want 1", got)
	}
}

func TestSubscribeDeliveryFailureKeepsRecord(t *testing.T) {
	store := newMemStore()
	tr := newFakeTransport("x@y.com")
	e := newEngine(store, tr, FailureRetain)

	err := e.Subscribe(context.Background(), "x@y.com", notice())
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if de.Removed {
		t.Error("retain policy reported the subscriber as removed")
	}

	sub, ok := store.get("x@y.com")
	if !ok {
		t.Fatal("record should exist after failed welcome delivery")
	}
	if !sub.LastNotified.IsZero() {
		t.Errorf("LastNotified = %v, want zero", sub.LastNotified)
	}
}

func TestSubscribeDeliveryFailureUnsubscribePolicy(t *testing.T) {
	store := newMemStore()
	tr := newFakeTransport("x@y.com")
	e := newEngine(store, tr, FailureUnsubscribe)

	err := e.Subscribe(context.Background(), "x@y.com", notice())
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if !de.Removed {
		t.Error("DeliveryError.Removed = false, want true")
	}
	if _, ok := store.get("x@y.com"); ok {
		t.Error("unsubscribe policy kept the subscriber after a failed welcome delivery")
	}
}

func TestResubscribeWithoutEditionKeepsHistory(t *testing.T) {
	created := fixed.AddDate(0, -2, 0)
	store := newMemStore(bulletin.Subscriber{Email: "x@y.com", LastNotified: may, CreatedAt: created})
	tr := newFakeTransport()
	e := newEngine(store, tr, FailureRetain)

	if err := e.Subscribe(context.Background(), "x@y.com", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub, _ := store.get("x@y.com")
	if sub.LastNotified != may || !sub.CreatedAt.Equal(created) {
		t.Errorf("record changed: %+v", sub)
	}

	// The next dispatch of the same edition must not resend it.
	if _, err := e.Dispatch(context.Background(), notice()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := tr.count("x@y.com"); got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
}

// unsubscribingTransport unsubscribes the recipient while its delivery is in flight.
type unsubscribingTransport struct {
	engine *Engine
}

func (u *unsubscribingTransport) Deliver(ctx context.Context, email, _, _ string) error {
	found, err := u.engine.Unsubscribe(ctx, email)
	if err != nil || !found {
		return errors.New("unsubscribe during delivery did not remove the record")
	}
	return nil
}

func TestUnsubscribeDuringDeliveryStaysDeleted(t *testing.T) {
	store := newMemStore(bulletin.Subscriber{Email: "x@y.com", LastNotified: april})
	tr := &unsubscribingTransport{}
	e := newEngine(store, tr, FailureRetain)
	tr.engine = e

	report, err := e.Dispatch(context.Background(), notice())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(report.Sent) != 1 {
		t.Errorf("report = %+v, want one sent", report)
	}
	if sub, ok := store.get("x@y.com"); ok {
		t.Errorf("unsubscribed address came back: %+v", sub)
	}
}

func TestConcurrentSubscribeAndDispatchDeliverOnce(t *testing.T) {
	store := newMemStore()
	tr := newFakeTransport()
	e := newEngine(store, tr, FailureRetain)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		email := string(rune('a'+i)) + "@example.com"
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := e.Subscribe(ctx, email, notice()); err != nil {
				t.Errorf("Subscribe(%s): %v", email, err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := e.Dispatch(ctx, notice()); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := range 20 {
		email := string(rune('a'+i)) + "@example.com"
		if got := tr.count(email); got != 1 {
			t.Errorf("attempts for %s = %d, want 1", email, got)
		}
	}
}

func TestSubscribeInvalidEmail(t *testing.T) {
	e := newEngine(newMemStore(), newFakeTransport(), FailureRetain)
	for _, email := range []string{"", "nope", "a@b", "<a@b.com>", "a b@c.com"} {
		if err := e.Subscribe(context.Background(), email, notice()); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Subscribe(%q) err = %v, want ErrInvalidEmail", email, err)
		}
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailureRetain, false},
		{"retain", FailureRetain, false},
		{"Unsubscribe", FailureUnsubscribe, false},
		{"both", FailureRetain, true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}
