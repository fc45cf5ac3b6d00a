// Package kvstore provides the ordered key-value storage the switch store
// persists to. Values are JSON documents addressed by string keys; every
// stored value carries a revision so writers can check-then-act against the
// latest persisted version instead of locking.
package kvstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRevisionMismatch indicates a guarded write lost a race with another writer.
	ErrRevisionMismatch = errors.New("kvstore: revision mismatch")
	// ErrInvalidKey indicates an empty key.
	ErrInvalidKey = errors.New("kvstore: invalid key")
	// ErrStoreClosed indicates the store was used after Close.
	ErrStoreClosed = errors.New("kvstore: store closed")
	// ErrPartialBatch matches a *PartialBatchError.
	ErrPartialBatch = errors.New("kvstore: batch partially applied")
)

// PartialBatchError reports a batch whose guarded writes committed while a
// trailing merge failed. Callers must treat the writes as applied. It does
// not unwrap to the merge failure, so a lost merge race is never mistaken
// for a lost write race.
type PartialBatchError struct {
	Key string
	Err error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("kvstore: writes committed but merge of %s failed: %v", e.Key, e.Err)
}

// Is matches ErrPartialBatch.
func (e *PartialBatchError) Is(target error) bool {
	return target == ErrPartialBatch
}

// Entry is a stored value and the revision it was read at.
type Entry struct {
	Key      string
	Value    string
	Revision uint64
}

// Write is a guarded put. A zero Revision requires the key to be absent;
// any other value must match the stored revision.
type Write struct {
	Key      string
	Value    string
	Revision uint64
}

// MergeFunc computes the next value of a shared document from its current value.
type MergeFunc func(current string, exists bool) (string, error)

// Merge applies Fn to the latest value of Key.
type Merge struct {
	Key string
	Fn  MergeFunc
}

// Batch groups the writes of one logical operation. Prepare merges run
// first, then the guarded writes, then Merges; a failed write guard aborts
// the batch. On a backend without multi-key transactions the first write is
// the commit point: a Prepare merge may outlive a failed write, and a failed
// trailing merge is reported as a *PartialBatchError.
type Batch struct {
	Prepare []Merge
	Writes  []Write
	Merges  []Merge
}

// Store is the storage collaborator contract.
type Store interface {
	// Get returns the entry for key and whether it exists.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put writes value unconditionally.
	Put(ctx context.Context, key, value string) error
	// Apply persists a batch. Transactional backends apply it atomically.
	Apply(ctx context.Context, batch Batch) error
	// Keys lists stored keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases the underlying connection.
	Close() error
}

func validateBatch(batch Batch) error {
	for _, write := range batch.Writes {
		if write.Key == "" {
			return ErrInvalidKey
		}
	}
	for _, merges := range [][]Merge{batch.Prepare, batch.Merges} {
		for _, merge := range merges {
			if merge.Key == "" || merge.Fn == nil {
				return ErrInvalidKey
			}
		}
	}
	return nil
}
