package switches

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/kvstore"
	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const testOwner = "trac1owner"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s%03d", g.prefix, g.next), nil
}

// failingStore fails every batch that touches one of the listed keys.
type failingStore struct {
	kvstore.Store
	failKeys map[string]bool
}

var errInjected = errors.New("injected store failure")

func (s *failingStore) Apply(ctx context.Context, batch kvstore.Batch) error {
	for _, write := range batch.Writes {
		if s.failKeys[write.Key] {
			return errInjected
		}
	}
	for _, merge := range append(append([]kvstore.Merge(nil), batch.Prepare...), batch.Merges...) {
		if s.failKeys[merge.Key] {
			return errInjected
		}
	}
	return s.Store.Apply(ctx, batch)
}

// poisonedMergeStore hands the wrapped store a merge function that fails for
// the listed keys, so the backend itself decides what a failed merge means.
type poisonedMergeStore struct {
	kvstore.Store
	mu       sync.Mutex
	poisoned map[string]bool
}

func (s *poisonedMergeStore) setPoisoned(key string, poisoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned == nil {
		s.poisoned = map[string]bool{}
	}
	s.poisoned[key] = poisoned
}

func (s *poisonedMergeStore) Apply(ctx context.Context, batch kvstore.Batch) error {
	batch.Prepare = s.poison(batch.Prepare)
	batch.Merges = s.poison(batch.Merges)
	return s.Store.Apply(ctx, batch)
}

func (s *poisonedMergeStore) poison(merges []kvstore.Merge) []kvstore.Merge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kvstore.Merge, 0, len(merges))
	for _, merge := range merges {
		if s.poisoned[merge.Key] {
			merge.Fn = func(string, bool) (string, error) { return "", errInjected }
		}
		out = append(out, merge)
	}
	return out
}

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) kvstore.Store {
	t.Helper()
	store, err := kvstore.OpenSQLite(filepath.Join(t.TempDir(), "switches.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create embedded NATS server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestNATSStore(t *testing.T) kvstore.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	srv := runJetStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := kvstore.NewNATSStore(ctx, kvstore.NATSConfig{URL: srv.ClientURL(), Bucket: "switches-test", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create nats store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

type testBackend struct {
	name string
	open func(*testing.T) kvstore.Store
}

// testBackends lists every store the switch service must behave identically on.
var testBackends = []testBackend{
	{name: "sqlite", open: newTestStore},
	{name: "nats", open: newTestNATSStore},
}

func newTestService(t *testing.T, store kvstore.Store, clock *manualClock) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:      store,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "sw-"},
		Logger:     zap.NewNop(),
		Retry:      &kvstore.RetryConfig{MaxAttempts: 200, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustCreate(t *testing.T, service *Service, request CreateRequest) Switch {
	t.Helper()
	if request.Owner == "" {
		request.Owner = testOwner
	}
	if request.Payload == "" {
		request.Payload = "the vault code is 1234"
	}
	if request.Recipients == nil {
		request.Recipients = []string{"alice@example.com"}
	}
	if request.CheckinInterval == 0 {
		request.CheckinInterval = 3600
	}
	result, err := service.Create(context.Background(), request)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return result.Switch
}

func kvstoreBatch(merges ...kvstore.Merge) kvstore.Batch {
	return kvstore.Batch{Merges: merges}
}
