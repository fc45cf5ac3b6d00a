package switches

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/kvstore"
	"go.uber.org/zap"
)

const (
	switchKeyPrefix = "switch:"
	inboxKeyPrefix  = "inbox:"
	indexKey        = "index:switches"
)

// IndexEntry mirrors the owner and state of one switch.
type IndexEntry struct {
	Owner string `json:"owner"`
	State State  `json:"state"`
}

// Index is the owner/state lookup stored at index:switches. It is a cache;
// the primary record wins whenever the two disagree.
type Index map[string]IndexEntry

// Scan returns the ids matching predicate in ascending order.
func (idx Index) Scan(predicate func(id string, entry IndexEntry) bool) []string {
	ids := make([]string, 0, len(idx))
	for id, entry := range idx {
		if predicate == nil || predicate(id, entry) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OwnedBy matches entries for owner.
func OwnedBy(owner string) func(string, IndexEntry) bool {
	return func(_ string, entry IndexEntry) bool {
		return entry.Owner == owner
	}
}

// InState matches entries in state.
func InState(state State) func(string, IndexEntry) bool {
	return func(_ string, entry IndexEntry) bool {
		return entry.State == state
	}
}

// OwnedByInState matches entries for owner in state.
func OwnedByInState(owner string, state State) func(string, IndexEntry) bool {
	return func(_ string, entry IndexEntry) bool {
		return entry.Owner == owner && entry.State == state
	}
}

func switchKey(id string) string {
	return switchKeyPrefix + id
}

func inboxKey(address string) string {
	return inboxKeyPrefix + address
}

// decodeIndex treats a missing or corrupt document as empty.
func (service *Service) decodeIndex(raw string, exists bool) Index {
	idx := Index{}
	if !exists || raw == "" {
		return idx
	}
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		service.loggerOrDefault().Warn("switch index is corrupt; treating as empty", zap.Error(err))
		return Index{}
	}
	return idx
}

// loadIndex reads the current index snapshot.
func (service *Service) loadIndex(ctx context.Context) (Index, error) {
	entry, found, err := service.store.Get(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	return service.decodeIndex(entry.Value, found), nil
}

// indexPut returns a merge that upserts the entry for sw. Both add and
// setState go through it so a missing entry is repaired on the next transition.
func (service *Service) indexPut(id, owner string, state State) kvstore.Merge {
	return kvstore.Merge{
		Key: indexKey,
		Fn: func(current string, exists bool) (string, error) {
			idx := service.decodeIndex(current, exists)
			if existing, ok := idx[id]; ok && existing.Owner == owner && existing.State == state {
				return current, nil
			}
			idx[id] = IndexEntry{Owner: owner, State: state}
			raw, err := json.Marshal(idx)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		},
	}
}

// ListIDs returns the ids of indexed switches matching predicate.
func (service *Service) ListIDs(ctx context.Context, predicate func(string, IndexEntry) bool) ([]string, error) {
	if service.store == nil {
		return nil, newServiceError(opIndexScan, reasonMissingStore, errMissingStore)
	}
	idx, err := service.loadIndex(ctx)
	if err != nil {
		service.logError(opIndexScan, reasonIndexLoadFailed, err)
		return nil, newServiceError(opIndexScan, reasonIndexLoadFailed, err)
	}
	return idx.Scan(predicate), nil
}

// ArmedSwitchIDs returns the ids the index believes are armed.
func (service *Service) ArmedSwitchIDs(ctx context.Context) ([]string, error) {
	return service.ListIDs(ctx, InState(StateArmed))
}

// ReconcileIndex overwrites the index entry for sw with the primary record's
// owner and state.
func (service *Service) ReconcileIndex(ctx context.Context, sw Switch) error {
	if service.store == nil {
		return newServiceError(opIndexReconcile, reasonMissingStore, errMissingStore)
	}
	if err := service.store.Apply(ctx, kvstore.Batch{Merges: []kvstore.Merge{service.indexPut(sw.ID, sw.Owner, sw.State)}}); err != nil {
		service.logError(opIndexReconcile, reasonIndexWriteFailed, err, zap.String(fieldSwitchID, sw.ID))
		return newServiceError(opIndexReconcile, reasonIndexWriteFailed, err)
	}
	service.loggerOrDefault().Info("switch index entry reconciled",
		zap.String(fieldSwitchID, sw.ID),
		zap.String("state", string(sw.State)))
	return nil
}

// RebuildIndex rewrites the index entry of every stored switch record from
// the record itself and returns the number of records indexed.
func (service *Service) RebuildIndex(ctx context.Context) (int, error) {
	if service.store == nil {
		return 0, newServiceError(opIndexRebuild, reasonMissingStore, errMissingStore)
	}
	keys, err := service.store.Keys(ctx, switchKeyPrefix)
	if err != nil {
		service.logError(opIndexRebuild, reasonQueryFailed, err)
		return 0, newServiceError(opIndexRebuild, reasonQueryFailed, err)
	}

	rebuilt := Index{}
	for _, key := range keys {
		sw, _, found, loadErr := service.load(ctx, key[len(switchKeyPrefix):])
		if loadErr != nil {
			service.logError(opIndexRebuild, reasonRecordLoadFailed, loadErr, zap.String("key", key))
			continue
		}
		if !found {
			continue
		}
		rebuilt[sw.ID] = IndexEntry{Owner: sw.Owner, State: sw.State}
	}

	// Entries without a scanned record are kept: they belong to switches
	// created after the scan, and readers re-verify against the record anyway.
	overlay := kvstore.Merge{Key: indexKey, Fn: func(current string, exists bool) (string, error) {
		merged := service.decodeIndex(current, exists)
		for id, entry := range rebuilt {
			merged[id] = entry
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}}
	if err := service.store.Apply(ctx, kvstore.Batch{Merges: []kvstore.Merge{overlay}}); err != nil {
		service.logError(opIndexRebuild, reasonIndexWriteFailed, err)
		return 0, newServiceError(opIndexRebuild, reasonIndexWriteFailed, err)
	}
	service.loggerOrDefault().Info("switch index rebuilt", zap.Int("switches", len(rebuilt)))
	return len(rebuilt), nil
}
