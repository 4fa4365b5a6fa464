package natsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/pkg/retry"
)

var (
	// ErrKVKeyNotFound is returned when a key does not exist in the bucket
	ErrKVKeyNotFound = stderrors.New("key not found in bucket")
	// ErrKVKeyExists is returned by Create when the key already exists
	ErrKVKeyExists = stderrors.New("key already exists in bucket")
	// ErrKVRevisionMismatch is returned when an update races with another writer
	ErrKVRevisionMismatch = stderrors.New("revision mismatch")
	// ErrKVMaxRetriesExceeded is returned when compare-and-swap retries are exhausted
	ErrKVMaxRetriesExceeded = stderrors.New("max update retries exceeded")
)

// KVEntry is a value read from the store together with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// KVOptions tunes retry and size behavior for a KVStore
type KVOptions struct {
	// MaxRetries bounds compare-and-swap attempts in UpdateWithRetry
	MaxRetries int
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration
	// OperationTimeout bounds each individual bucket operation
	OperationTimeout time.Duration
	// MaxValueSize rejects values larger than this many bytes
	MaxValueSize int
}

// DefaultKVOptions returns the options used when none are provided
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:       10,
		RetryDelay:       10 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
		MaxValueSize:     1 << 20,
	}
}

// KVStore wraps a JetStream key-value bucket with retries and
// compare-and-swap updates
type KVStore struct {
	kv     jetstream.KeyValue
	bucket string
	opts   KVOptions
}

// NewKVStore opens (or creates) the named bucket on the client's
// JetStream context
func (c *Client) NewKVStore(ctx context.Context, bucket string, opts KVOptions) (*KVStore, error) {
	if bucket == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("bucket name is required"), "KVStore", "NewKVStore", "validate options")
	}
	if opts.MaxRetries <= 0 {
		opts = DefaultKVOptions()
	}

	kv, err := c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:       bucket,
		MaxValueSize: int32(opts.MaxValueSize),
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVStore", "NewKVStore", "open bucket "+bucket)
	}

	return &KVStore{kv: kv, bucket: bucket, opts: opts}, nil
}

// Bucket returns the bucket name
func (s *KVStore) Bucket() string {
	return s.bucket
}

// Get reads a key and its revision
func (s *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	entry, err := s.kv.Get(opCtx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.Wrap(err, "KVStore", "Get", "read key "+key)
	}

	return &KVEntry{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
	}, nil
}

// Put writes a value unconditionally and returns the new revision
func (s *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.checkSize(value); err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	rev, err := s.kv.Put(opCtx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", "write key "+key)
	}
	return rev, nil
}

// Create writes a value only if the key does not exist
func (s *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.checkSize(value); err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	rev, err := s.kv.Create(opCtx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create", "create key "+key)
	}
	return rev, nil
}

// Update writes a value only if the stored revision matches
func (s *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := s.checkSize(value); err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	rev, err := s.kv.Update(opCtx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, errors.WrapTransient(err, "KVStore", "Update", "update key "+key)
	}
	return rev, nil
}

func (s *KVStore) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  s.opts.MaxRetries,
		InitialDelay: s.opts.RetryDelay,
		MaxDelay:     time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

// UpdateWithRetry applies updateFn in a compare-and-swap loop. The
// function receives the current value (nil when the key is absent) and
// returns the replacement value. Errors from updateFn abort the loop.
func (s *KVStore) UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) (uint64, error) {
	var newRev uint64

	err := retry.Do(ctx, s.retryConfig(), func() error {
		var current []byte
		var revision uint64

		entry, err := s.Get(ctx, key)
		switch {
		case err == nil:
			current = entry.Value
			revision = entry.Revision
		case stderrors.Is(err, ErrKVKeyNotFound):
			// key absent, create below
		default:
			return err
		}

		next, err := updateFn(current)
		if err != nil {
			return retry.NonRetryable(
				errors.Wrap(err, "KVStore", "UpdateWithRetry", "compute new value"))
		}
		if err := s.checkSize(next); err != nil {
			return retry.NonRetryable(err)
		}

		if current == nil {
			newRev, err = s.Create(ctx, key, next)
		} else {
			newRev, err = s.Update(ctx, key, next, revision)
		}
		return err
	})
	if err != nil {
		if stderrors.Is(err, ErrKVRevisionMismatch) {
			return 0, ErrKVMaxRetriesExceeded
		}
		return 0, err
	}
	return newRev, nil
}

// UpdateJSON applies a typed compare-and-swap update to a JSON value
func UpdateJSON[T any](ctx context.Context, s *KVStore, key string, updateFn func(current *T) (*T, error)) (uint64, error) {
	return s.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var typed *T
		if current != nil {
			typed = new(T)
			if err := json.Unmarshal(current, typed); err != nil {
				return nil, fmt.Errorf("decode stored value: %w", err)
			}
		}

		next, err := updateFn(typed)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode new value: %w", err)
		}
		return data, nil
	})
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if err := s.kv.Delete(opCtx, key); err != nil {
		if IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "delete key "+key)
	}
	return nil
}

// Keys lists all keys in the bucket
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	lister, err := s.kv.ListKeys(opCtx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// Watch streams changes for keys matching the pattern until the context
// is cancelled
func (s *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	watcher, err := s.kv.Watch(ctx, pattern)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Watch", "create watcher")
	}
	return watcher, nil
}

func (s *KVStore) checkSize(value []byte) error {
	if s.opts.MaxValueSize > 0 && len(value) > s.opts.MaxValueSize {
		return errors.WrapInvalid(
			fmt.Errorf("value size %d exceeds limit %d", len(value), s.opts.MaxValueSize),
			"KVStore", "checkSize", "validate value size")
	}
	return nil
}

// IsKVNotFoundError reports whether err indicates a missing key
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError reports whether err indicates a revision conflict or
// an existing key
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
