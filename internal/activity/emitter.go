package activity

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize     = 64
	defaultPublishTimeout = 5 * time.Second
)

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	Publisher      Publisher
	BufferSize     int
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

// Emitter queues events and drains them to a Publisher from Run. Emit drops
// the event when the queue is full; publish failures are logged and discarded.
type Emitter struct {
	publisher      Publisher
	queue          chan Event
	publishTimeout time.Duration
	logger         *zap.Logger
	dropped        atomic.Int64
}

// NewEmitter constructs an Emitter. A nil publisher drops everything.
func NewEmitter(cfg EmitterConfig) *Emitter {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		publisher:      cfg.Publisher,
		queue:          make(chan Event, size),
		publishTimeout: timeout,
		logger:         logger,
	}
}

func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case e.queue <- event:
	default:
		total := e.dropped.Add(1)
		e.logger.Debug("activity event dropped",
			zap.String("type", string(event.Type)),
			zap.String("switch_id", event.SwitchID),
			zap.Int64("dropped_total", total))
	}
}

// Dropped returns the number of events lost to a full queue.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run drains the queue until ctx is done, then flushes what is already queued.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case event := <-e.queue:
			e.publish(event)
		case <-ctx.Done():
			for {
				select {
				case event := <-e.queue:
					e.publish(event)
				default:
					return nil
				}
			}
		}
	}
}

func (e *Emitter) publish(event Event) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Debug("activity publish failed",
			zap.String("type", string(event.Type)),
			zap.String("switch_id", event.SwitchID),
			zap.Error(err))
	}
}
