package activity

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultStreamBuffer = 16

// DispatcherConfig tunes the in-process activity stream.
type DispatcherConfig struct {
	// StreamBuffer is the per-subscriber queue length.
	StreamBuffer int
	Logger       *zap.Logger
}

// Dispatcher fans events out to the open streams of the switch owner.
// A subscriber whose queue is full misses the event; the miss is counted
// and the publisher never blocks.
type Dispatcher struct {
	mu           sync.RWMutex
	streams      map[string]map[int64]chan Event
	nextStreamID int64
	streamBuffer int
	dropped      atomic.Int64
	logger       *zap.Logger
}

// NewDispatcher builds a dispatcher with no open streams.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		streams:      make(map[string]map[int64]chan Event),
		streamBuffer: buffer,
		logger:       logger,
	}
}

// Subscribe opens a stream of owner's switch events. The stream stays
// registered until ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, owner string) (<-chan Event, func()) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}
	stream := make(chan Event, d.streamBuffer)
	streamID := d.open(owner, stream)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.close(owner, streamID) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers event to every stream of event.Owner. Events without an
// owner or type have no audience and are ignored.
func (d *Dispatcher) Publish(_ context.Context, event Event) error {
	if event.Owner == "" || event.Type == "" {
		return nil
	}
	d.mu.RLock()
	targets := make([]chan Event, 0, len(d.streams[event.Owner]))
	for _, stream := range d.streams[event.Owner] {
		targets = append(targets, stream)
	}
	d.mu.RUnlock()

	for _, stream := range targets {
		select {
		case stream <- event:
		default:
			d.dropped.Add(1)
			d.logger.Debug("activity stream full; event dropped",
				zap.String("owner", event.Owner),
				zap.String("switch_id", event.SwitchID),
				zap.String("type", string(event.Type)))
		}
	}
	return nil
}

// Subscribers reports how many streams are open for owner.
func (d *Dispatcher) Subscribers(owner string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams[owner])
}

// Dropped returns the number of events lost to full subscriber queues.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) open(owner string, stream chan Event) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextStreamID++
	if d.streams[owner] == nil {
		d.streams[owner] = make(map[int64]chan Event)
	}
	d.streams[owner][d.nextStreamID] = stream
	d.logger.Debug("activity stream opened", zap.String("owner", owner), zap.Int("streams", len(d.streams[owner])))
	return d.nextStreamID
}

func (d *Dispatcher) close(owner string, streamID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.streams[owner]
	if streams == nil {
		return
	}
	delete(streams, streamID)
	if len(streams) == 0 {
		delete(d.streams, owner)
	}
}
