package memory

import (
	"context"
	"encoding/json"
	"fmt"
)

// StateBuckets lists the snapshot sections durable stores persist, in write order.
var StateBuckets = []string{"entities", "attributes", "tombstones", "sequence"}

// EncodeBucket marshals one snapshot section.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	switch bucket {
	case "entities":
		return json.Marshal(s.Entities)
	case "attributes":
		return json.Marshal(s.Attributes)
	case "tombstones":
		return json.Marshal(s.Tombstones)
	case "sequence":
		return json.Marshal(s.Sequence)
	default:
		return nil, fmt.Errorf("unknown state bucket %q", bucket)
	}
}

// DecodeBucket unmarshals payload into the named section. Unknown buckets are ignored.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var target any
	switch bucket {
	case "entities":
		target = &s.Entities
	case "attributes":
		target = &s.Attributes
	case "tombstones":
		target = &s.Tombstones
	case "sequence":
		target = &s.Sequence
	default:
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}

// Persister writes a committed snapshot to durable storage.
type Persister func(ctx context.Context, snapshot Snapshot) error

// SetPersister installs fn as the durable write of every commit. fn runs after
// rules pass and before the new state is swapped in, under the store's write
// lock; a failure aborts the commit and leaves the visible state unchanged.
func (s *Store) SetPersister(fn Persister) {
	s.mu.Lock()
	s.persist = fn
	s.mu.Unlock()
}

// Persist writes the current state through the installed persister. Commits
// are blocked while it runs, so the write never lags a newer commit.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist == nil {
		return nil
	}
	return s.persist(ctx, snapshotFromMemoryState(s.state))
}
