// Package kv wraps NATS JetStream key-value buckets with typed helpers.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = jetstream.ErrKeyNotFound

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Update stores a value at key only if the stored revision matches. A
// mismatch is reported as core.ErrRevisionConflict.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongRevision(err) {
			return 0, fmt.Errorf("key %s at revision %d: %w", key, revision, core.ErrRevisionConflict)
		}
		return 0, err
	}
	return rev, nil
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// If no keys exist, NATS returns an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// KeysWithPrefix returns the keys starting with prefix.
func (s *Store) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// PutJSON marshals and stores a JSON value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// CreateJSON marshals v and stores it only if key is new.
func (s *Store) CreateJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Create(ctx, key, data)
}

// UpdateJSON marshals v and stores it if the key is still at revision.
func (s *Store) UpdateJSON(ctx context.Context, key string, v any, revision uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Update(ctx, key, data, revision)
}
