// Package storage handles persistence of subscribers and hit counters.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"visa-bulletin-notifier/pkg/bulletin"
)

const (
	countersKey      = "counters.json"
	subscriberPrefix = "sub-"
)

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// BucketStore keeps one JSON object per subscriber plus a counters object,
// in a Cloud Storage bucket or, when localPath is set, in a local directory.
type BucketStore struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte

	// Guards read-modify-write of local files, and deletes that race them.
	mu sync.Mutex
}

// NewBucketStore creates a new storage handler.
func NewBucketStore(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *BucketStore {
	return &BucketStore{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Close releases nothing; the Cloud Storage client is owned by the caller.
func (s *BucketStore) Close() error {
	return nil
}

// TokenFromEmail derives a deterministic, unguessable token from an email address.
// Uses HMAC-SHA256 with a secret salt to ensure tokens cannot be guessed without the salt.
func (s *BucketStore) TokenFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))
}

// SubscriberKey generates a stable object name from a token.
// Returns "" unless the token is exactly 64 lowercase hex characters.
func SubscriberKey(token string) string {
	if len(token) != 64 {
		return ""
	}

	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}

	return fmt.Sprintf("%s%s.json", subscriberPrefix, token)
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// AddSubscriber stores sub unless a record for sub.Email exists, and reports
// whether it was stored. An existing record is left untouched.
func (s *BucketStore) AddSubscriber(ctx context.Context, sub *bulletin.Subscriber) (bool, error) {
	key := SubscriberKey(s.TokenFromEmail(sub.Email))
	if key == "" {
		return false, errors.New("invalid token format")
	}

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal subscriber: %w", err)
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, err := os.Stat(filepath.Join(s.localPath, key)); err == nil {
			return false, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("stat local storage: %w", err)
		}
		if err := s.write(ctx, key, data, nil); err != nil {
			return false, err
		}
	} else {
		err := s.write(ctx, key, data, &storage.Conditions{DoesNotExist: true})
		if isPreconditionFailed(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	s.logger.Info("Subscriber added", "key", key, "email", sub.Email)
	return true, nil
}

// MarkNotified records that email received edition at the given time. It only
// rewrites an existing record and reports whether one was found; in Cloud
// Storage the rewrite is conditional on the generation that was read.
func (s *BucketStore) MarkNotified(ctx context.Context, email string, edition bulletin.Edition, at time.Time) (bool, error) {
	key := SubscriberKey(s.TokenFromEmail(email))
	if key == "" {
		return false, errors.New("invalid token format")
	}

	update := func(gen int64, data []byte) error {
		var sub bulletin.Subscriber
		if err := json.Unmarshal(data, &sub); err != nil {
			return retry.Unrecoverable(fmt.Errorf("unmarshal subscriber: %w", err))
		}
		sub.LastNotified = edition
		sub.NotifiedAt = at
		out, err := json.MarshalIndent(&sub, "", "  ")
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("marshal subscriber: %w", err))
		}
		if s.localPath != "" {
			return s.write(ctx, key, out, nil)
		}
		return s.write(ctx, key, out, &storage.Conditions{GenerationMatch: gen})
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		data, _, err := s.read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := update(0, data); err != nil {
			return false, err
		}
		return true, nil
	}

	found := true
	err := retry.Do(
		func() error {
			data, gen, err := s.read(ctx, key)
			if errors.Is(err, ErrNotFound) {
				found = false
				return nil
			}
			if err != nil {
				return err
			}
			return update(gen, data)
		},
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isPreconditionFailed),
	)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	return found, nil
}

// DeleteSubscriber removes the record for email and reports whether it existed.
func (s *BucketStore) DeleteSubscriber(ctx context.Context, email string) (bool, error) {
	key := SubscriberKey(s.TokenFromEmail(email))
	if key == "" {
		return false, errors.New("invalid token format")
	}
	s.logger.Debug("Deleting subscriber", "key", key, "email", email)

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Subscriber deleted from local storage", "path", filePath, "email", email)
		return true, nil
	}

	found := true
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent: a missing object is reported, not retried.
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					found = false
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return false, fmt.Errorf("delete after retries: %w", err)
	}

	if found {
		s.logger.Info("Subscriber deleted", "key", key, "email", email)
	}
	return found, nil
}

// LoadSubscriber loads the record for email. Returns ErrNotFound if absent.
func (s *BucketStore) LoadSubscriber(ctx context.Context, email string) (*bulletin.Subscriber, error) {
	return s.loadSubscriber(ctx, SubscriberKey(s.TokenFromEmail(email)))
}

func (s *BucketStore) loadSubscriber(ctx context.Context, key string) (*bulletin.Subscriber, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	data, _, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	var sub bulletin.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return &sub, nil
}

// ListSubscribers lists all subscribers. Unreadable records are logged and skipped.
func (s *BucketStore) ListSubscribers(ctx context.Context) ([]*bulletin.Subscriber, error) {
	var subs []*bulletin.Subscriber

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), subscriberPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			sub, err := s.loadSubscriber(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscriber", "file", entry.Name(), "error", err)
				continue
			}

			subs = append(subs, sub)
		}

		return subs, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: subscriberPrefix,
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		sub, err := s.loadSubscriber(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", attrs.Name, "error", err)
			continue
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

// LoadCounters returns the stored counters, or zero counters if none exist.
func (s *BucketStore) LoadCounters(ctx context.Context) (bulletin.Counters, error) {
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	data, _, err := s.read(ctx, countersKey)
	if errors.Is(err, ErrNotFound) {
		return bulletin.Counters{}, nil
	}
	if err != nil {
		return bulletin.Counters{}, err
	}
	return decodeCounters(data)
}

// UpdateCounters applies fn to the stored counters and writes the result.
// Locally the update runs under a mutex. In Cloud Storage it is a
// compare-and-swap on the object generation, re-run when another writer wins.
func (s *BucketStore) UpdateCounters(ctx context.Context, fn func(*bulletin.Counters) error) (bulletin.Counters, error) {
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		h, _, err := s.loadCountersGen(ctx)
		if err != nil {
			return bulletin.Counters{}, err
		}
		if err := fn(&h); err != nil {
			return bulletin.Counters{}, err
		}
		data, err := json.Marshal(h)
		if err != nil {
			return bulletin.Counters{}, fmt.Errorf("marshal counters: %w", err)
		}
		if err := s.write(ctx, countersKey, data, nil); err != nil {
			return bulletin.Counters{}, err
		}
		return h, nil
	}

	var result bulletin.Counters
	err := retry.Do(
		func() error {
			h, gen, err := s.loadCountersGen(ctx)
			if err != nil {
				return err
			}
			if err := fn(&h); err != nil {
				return retry.Unrecoverable(err)
			}
			data, err := json.Marshal(h)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("marshal counters: %w", err))
			}

			cond := storage.Conditions{GenerationMatch: gen}
			if gen == 0 {
				cond = storage.Conditions{DoesNotExist: true}
			}
			if err := s.write(ctx, countersKey, data, &cond); err != nil {
				return err
			}
			result = h
			return nil
		},
		retry.Attempts(10),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Counters changed concurrently, retrying update", "attempt", n, "error", err)
		}),
		retry.RetryIf(isPreconditionFailed),
	)
	if err != nil {
		return bulletin.Counters{}, fmt.Errorf("update counters: %w", err)
	}
	return result, nil
}

func (s *BucketStore) loadCountersGen(ctx context.Context) (bulletin.Counters, int64, error) {
	data, gen, err := s.read(ctx, countersKey)
	if errors.Is(err, ErrNotFound) {
		return bulletin.Counters{}, 0, nil
	}
	if err != nil {
		return bulletin.Counters{}, 0, err
	}
	h, err := decodeCounters(data)
	return h, gen, err
}

func decodeCounters(data []byte) (bulletin.Counters, error) {
	var h bulletin.Counters
	if err := json.Unmarshal(data, &h); err != nil {
		return bulletin.Counters{}, fmt.Errorf("unmarshal counters: %w", err)
	}
	return h, nil
}

// read returns an object's bytes and, for Cloud Storage, its generation.
func (s *BucketStore) read(ctx context.Context, key string) ([]byte, int64, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, ErrNotFound
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, nil
	}

	var data []byte
	var gen int64
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			gen = r.Attrs.Generation
			return nil
		},
		retryOpts(ctx, s.logger, "load", key)...,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, gen, nil
}

// write stores data under key. A non-nil cond makes the Cloud Storage write
// conditional and is attempted once; precondition failures are returned as-is.
func (s *BucketStore) write(ctx context.Context, key string, data []byte, cond *storage.Conditions) error {
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		// Write then rename so readers never see a partial file.
		tmp, err := os.CreateTemp(s.localPath, ".tmp-*")
		if err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Chmod(tmp.Name(), 0o600); err != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp.Name(), filepath.Join(s.localPath, key)); err != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	put := func() error {
		obj := s.client.Bucket(s.bucket).Object(key)
		if cond != nil {
			obj = obj.If(*cond)
		}
		w := obj.NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	}

	if cond != nil {
		return put()
	}

	if err := retry.Do(put, retryOpts(ctx, s.logger, "save", key)...); err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// IsNotFound checks if an error indicates a record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
