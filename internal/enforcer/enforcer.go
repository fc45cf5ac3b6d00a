// Package enforcer periodically triggers armed switches whose deadline has passed.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/switches"
	"go.uber.org/zap"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 60 * time.Second

// SwitchStore is the part of the switch service the enforcer drives.
type SwitchStore interface {
	ArmedSwitchIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, switchID string) (switches.Switch, bool, error)
	Trigger(ctx context.Context, switchID string) (switches.TriggerResult, error)
	ReconcileIndex(ctx context.Context, sw switches.Switch) error
}

// Config describes the enforcer dependencies.
type Config struct {
	Switches    SwitchStore
	Activity    activity.Sink
	Clock       func() time.Time
	Interval    time.Duration
	GracePeriod time.Duration
	Logger      *zap.Logger
}

// TickReport summarizes one sweep.
type TickReport struct {
	Candidates int
	Triggered  []string
	Skipped    int
	Failed     int
}

// Enforcer runs the sweep on a fixed schedule.
type Enforcer struct {
	switches SwitchStore
	activity activity.Sink
	clock    func() time.Time
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New validates cfg and constructs an Enforcer.
func New(cfg Config) (*Enforcer, error) {
	if cfg.Switches == nil {
		return nil, errors.New("enforcer: switch store is required")
	}
	if cfg.GracePeriod < 0 {
		return nil, fmt.Errorf("enforcer: grace period must not be negative, got %s", cfg.GracePeriod)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sink := cfg.Activity
	if sink == nil {
		sink = activity.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		switches: cfg.Switches,
		activity: sink,
		clock:    clock,
		interval: interval,
		grace:    cfg.GracePeriod,
		logger:   logger,
	}, nil
}

// Start runs one sweep immediately and then every interval in a background
// goroutine until ctx is done or Stop is called. Repeated calls are no-ops.
func (e *Enforcer) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil || e.stopped {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		e.loop(runCtx)
	}(e.done)
}

// Stop cancels the schedule and waits for an in-flight sweep to return.
func (e *Enforcer) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run is Start followed by blocking until ctx is done and the loop has exited.
func (e *Enforcer) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	e.Stop()
	return nil
}

func (e *Enforcer) loop(ctx context.Context) {
	e.safeTick(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeTick(ctx)
		}
	}
}

func (e *Enforcer) safeTick(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("enforcer tick panicked", zap.Any("panic", recovered))
		}
	}()
	report, err := e.Tick(ctx)
	if err != nil {
		e.logger.Error("enforcer tick failed", zap.Error(err))
		return
	}
	if len(report.Triggered) > 0 || report.Failed > 0 {
		e.logger.Info("enforcer tick completed",
			zap.Int("candidates", report.Candidates),
			zap.Int("triggered", len(report.Triggered)),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
}

// Tick runs one sweep. Only the index snapshot failing aborts the sweep;
// a failure on one candidate is counted and the sweep moves on.
func (e *Enforcer) Tick(ctx context.Context) (TickReport, error) {
	ids, err := e.switches.ArmedSwitchIDs(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("enforcer: snapshot armed switches: %w", err)
	}
	report := TickReport{Candidates: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		triggered, evalErr := e.evaluate(ctx, id)
		switch {
		case evalErr != nil:
			report.Failed++
			e.logger.Error("enforcer candidate failed", zap.String("switch_id", id), zap.Error(evalErr))
		case triggered:
			report.Triggered = append(report.Triggered, id)
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (e *Enforcer) evaluate(ctx context.Context, id string) (triggered bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()

	sw, found, err := e.switches.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if !sw.Armed() {
		if reconcileErr := e.switches.ReconcileIndex(ctx, sw); reconcileErr != nil {
			e.logger.Warn("enforcer could not reconcile stale index entry", zap.String("switch_id", id), zap.Error(reconcileErr))
		}
		return false, nil
	}
	now := e.clock().UTC()
	if !sw.Overdue(now, e.grace) {
		return false, nil
	}

	result, err := e.switches.Trigger(ctx, id)
	if err != nil {
		return false, err
	}
	if !result.Triggered {
		return false, nil
	}
	e.logger.Info("switch triggered",
		zap.String("switch_id", result.SwitchID),
		zap.String("owner", result.Owner),
		zap.Int("recipients", len(result.Recipients)),
		zap.Int("failed_deliveries", len(result.FailedDeliveries)))
	e.activity.Emit(activity.Event{
		Type:           activity.EventSwitchTriggered,
		Owner:          result.Owner,
		SwitchID:       result.SwitchID,
		Label:          result.Label,
		RecipientCount: len(result.Recipients),
		Payload:        result.Payload,
		At:             time.UnixMilli(result.TriggeredAt).UTC(),
	})
	return true, nil
}
