package kvstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	defaultNATSBucket       = "deadswitch"
	defaultMergeAttempts    = 16
	mergeBaseDelay          = time.Millisecond
	mergeMaxDelay           = 20 * time.Millisecond
	natsBucketSetupTimeout  = 5 * time.Second
	natsBucketHistoryLength = 1
)

// NATSConfig configures the JetStream key-value backend.
type NATSConfig struct {
	URL    string
	Bucket string
	// Conn reuses an existing connection; the store will not close it.
	Conn   *nats.Conn
	Logger *zap.Logger
}

// NATSStore is the replicated backend: every peer connected to the same
// JetStream bucket observes the same revisions, so a guarded write from one
// peer fails on every other peer that read the previous revision.
type NATSStore struct {
	nc            *nats.Conn
	kv            jetstream.KeyValue
	bucket        string
	ownsConn      bool
	mergeAttempts int
	logger        *zap.Logger
}

// NewNATSStore connects (unless cfg.Conn is set) and ensures the bucket exists.
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultNATSBucket
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	nc := cfg.Conn
	ownsConn := false
	if nc == nil {
		url := strings.TrimSpace(cfg.URL)
		if url == "" {
			return nil, fmt.Errorf("kvstore: nats url is required")
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		nc = conn
		ownsConn = true
	}

	js, err := jetstream.New(nc)
	if err != nil {
		if ownsConn {
			nc.Close()
		}
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, natsBucketSetupTimeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(setupCtx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: natsBucketHistoryLength,
	})
	if err != nil {
		if ownsConn {
			nc.Close()
		}
		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	logger.Info("nats kv bucket ready", zap.String("bucket", bucket))

	return &NATSStore{
		nc:            nc,
		kv:            kv,
		bucket:        bucket,
		ownsConn:      ownsConn,
		mergeAttempts: defaultMergeAttempts,
		logger:        logger,
	}, nil
}

// Get returns the entry stored under key.
func (s *NATSStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, ErrInvalidKey
	}
	entry, err := s.kv.Get(ctx, encodeNATSKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, Value: string(entry.Value()), Revision: entry.Revision()}, true, nil
}

// Put writes value unconditionally.
func (s *NATSStore) Put(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.kv.Put(ctx, encodeNATSKey(key), []byte(value))
	return err
}

// Apply runs the Prepare merges, the guarded writes in order, then each
// trailing merge under its own compare-and-swap loop. JetStream has no
// multi-key transaction, so the first write is the commit point: a trailing
// merge failure after it is returned as a *PartialBatchError.
func (s *NATSStore) Apply(ctx context.Context, batch Batch) error {
	if err := validateBatch(batch); err != nil {
		return err
	}
	for _, merge := range batch.Prepare {
		if err := s.merge(ctx, merge); err != nil {
			return err
		}
	}
	for _, write := range batch.Writes {
		if err := s.guardedWrite(ctx, write); err != nil {
			return err
		}
	}
	committed := len(batch.Writes) > 0
	for _, merge := range batch.Merges {
		if err := s.merge(ctx, merge); err != nil {
			if committed {
				s.logger.Warn("kv merge failed after commit",
					zap.String("key", merge.Key),
					zap.Error(err))
				return &PartialBatchError{Key: merge.Key, Err: err}
			}
			return err
		}
	}
	return nil
}

// Keys lists stored keys that start with prefix.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer lister.Stop() //nolint:errcheck

	var keys []string
	for encoded := range lister.Keys() {
		key, decodeErr := decodeNATSKey(encoded)
		if decodeErr != nil {
			s.logger.Warn("skipping undecodable kv key", zap.String("key", encoded), zap.Error(decodeErr))
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the connection when the store opened it.
func (s *NATSStore) Close() error {
	if s.ownsConn && s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func (s *NATSStore) guardedWrite(ctx context.Context, write Write) error {
	key := encodeNATSKey(write.Key)
	if write.Revision == 0 {
		_, err := s.kv.Create(ctx, key, []byte(write.Value))
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s already exists", ErrRevisionMismatch, write.Key)
		}
		return err
	}
	_, err := s.kv.Update(ctx, key, []byte(write.Value), write.Revision)
	if isWrongLastSequence(err) {
		return fmt.Errorf("%w: %s is not at revision %d", ErrRevisionMismatch, write.Key, write.Revision)
	}
	return err
}

func (s *NATSStore) merge(ctx context.Context, merge Merge) error {
	retry := RetryConfig{MaxAttempts: s.mergeAttempts, BaseDelay: mergeBaseDelay, MaxDelay: mergeMaxDelay}
	return RetryOnConflict(ctx, retry, func() error {
		current, exists, err := s.Get(ctx, merge.Key)
		if err != nil {
			return err
		}
		next, err := merge.Fn(current.Value, exists)
		if err != nil {
			return err
		}
		if exists && next == current.Value {
			return nil
		}
		return s.guardedWrite(ctx, Write{Key: merge.Key, Value: next, Revision: current.Revision})
	})
}

func isWrongLastSequence(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// JetStream keys are limited to [-/_=.a-zA-Z0-9]; switch and inbox keys
// carry colons and arbitrary addresses.
func encodeNATSKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeNATSKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
