// Package commands maps signed command envelopes onto switch store calls.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/switches"
)

// SwitchStore is the part of the switch service reachable from commands.
type SwitchStore interface {
	Create(ctx context.Context, request switches.CreateRequest) (switches.CreateResult, error)
	CheckIn(ctx context.Context, owner, switchID string) (switches.CheckInResult, error)
	CheckInAll(ctx context.Context, owner string) (switches.CheckInAllResult, error)
	Disarm(ctx context.Context, owner, switchID string) (switches.DisarmResult, error)
	List(ctx context.Context, owner string) ([]switches.Summary, error)
	Get(ctx context.Context, switchID string) (switches.Switch, bool, error)
	Inbox(ctx context.Context, address string) ([]switches.InboxEntry, error)
}

// RouterConfig describes the router dependencies.
type RouterConfig struct {
	Switches SwitchStore
	Activity activity.Sink
	Clock    func() time.Time
}

// Router executes commands on behalf of their signer.
type Router struct {
	switches SwitchStore
	activity activity.Sink
	clock    func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Switches == nil {
		return nil, errors.New("commands: switch store is required")
	}
	sink := cfg.Activity
	if sink == nil {
		sink = activity.Discard
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Router{switches: cfg.Switches, activity: sink, clock: clock}, nil
}

// Exec runs envelope.Command with the signer as owner. Mutating commands
// announce themselves on the activity sink after they succeed.
func (r *Router) Exec(ctx context.Context, envelope Envelope) (any, error) {
	signer := strings.TrimSpace(envelope.Signer)
	if signer == "" {
		return nil, fmt.Errorf("%w: signer is required", switches.ErrUnauthorized)
	}

	switch command := envelope.Command.(type) {
	case CreateSwitch:
		result, err := r.switches.Create(ctx, switches.CreateRequest{
			Owner:           signer,
			Payload:         command.Payload,
			Recipients:      command.Recipients,
			CheckinInterval: command.CheckinInterval,
			Label:           command.Label,
		})
		if err != nil {
			return nil, err
		}
		r.emit(activity.Event{
			Type:           activity.EventSwitchCreated,
			Owner:          signer,
			SwitchID:       result.SwitchID,
			Label:          result.Switch.Label,
			Deadline:       result.Switch.Deadline,
			RecipientCount: len(result.Switch.Recipients),
		})
		return result, nil
	case CheckIn:
		result, err := r.switches.CheckIn(ctx, signer, command.SwitchID)
		if err != nil {
			return nil, err
		}
		r.emit(activity.Event{
			Type:        activity.EventSwitchCheckIn,
			Owner:       signer,
			SwitchID:    result.SwitchID,
			NewDeadline: result.NewDeadline,
		})
		return result, nil
	case CheckInAll:
		return r.switches.CheckInAll(ctx, signer)
	case Disarm:
		result, err := r.switches.Disarm(ctx, signer, command.SwitchID)
		if err != nil {
			return nil, err
		}
		r.emit(activity.Event{
			Type:     activity.EventSwitchDisarmed,
			Owner:    signer,
			SwitchID: result.SwitchID,
			Label:    result.Label,
		})
		return result, nil
	case ListSwitches:
		return r.switches.List(ctx, signer)
	case GetSwitch:
		sw, found, err := r.switches.Get(ctx, command.SwitchID)
		if err != nil {
			return nil, err
		}
		if !found {
			return (*switches.Switch)(nil), nil
		}
		if sw.Owner != signer {
			return nil, fmt.Errorf("%w: %s", switches.ErrUnauthorized, command.SwitchID)
		}
		return &sw, nil
	case Inbox:
		return r.switches.Inbox(ctx, signer)
	case nil:
		return nil, fmt.Errorf("%w: command is required", ErrMalformedCommand)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, command.Op())
	}
}

// ExecRaw decodes a JSON envelope and executes it.
func (r *Router) ExecRaw(ctx context.Context, raw []byte) (any, error) {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return r.Exec(ctx, envelope)
}

func (r *Router) emit(event activity.Event) {
	if event.At.IsZero() {
		event.At = r.clock().UTC()
	}
	r.activity.Emit(event)
}
