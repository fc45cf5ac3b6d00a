package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/switches"
)

// Operation names accepted in a command envelope.
const (
	OpSwitchCreate  = "switch_create"
	OpSwitchCheckIn = "switch_checkin"
	OpCheckInAll    = "checkin_all"
	OpSwitchDisarm  = "switch_disarm"
	OpSwitchList    = "switch_list"
	OpSwitchGet     = "switch_get"
	OpInbox         = "inbox"
)

var (
	// ErrUnknownOperation indicates an op name the router does not handle.
	ErrUnknownOperation = errors.New("commands: unknown operation")
	// ErrMalformedCommand indicates a command body that does not decode. It
	// wraps switches.ErrValidation.
	ErrMalformedCommand = fmt.Errorf("%w: malformed command", switches.ErrValidation)
)

// Command is one of the operation structs below.
type Command interface {
	Op() string
	isCommand()
}

// CreateSwitch is the switch_create op: arm a new switch owned by the signer.
type CreateSwitch struct {
	Payload         string   `json:"payload"`
	Recipients      []string `json:"recipients"`
	CheckinInterval int64    `json:"checkin_interval"`
	Label           string   `json:"label"`
}

// CheckIn is the switch_checkin op: push one switch deadline forward.
type CheckIn struct {
	SwitchID string `json:"switch_id"`
}

// CheckInAll is the checkin_all op: check in every armed switch of the signer.
type CheckInAll struct{}

// Disarm is the switch_disarm op: cancel an armed switch for good.
type Disarm struct {
	SwitchID string `json:"switch_id"`
}

// ListSwitches is the switch_list op.
type ListSwitches struct{}

// GetSwitch is the switch_get op; only the owner may read a switch.
type GetSwitch struct {
	SwitchID string `json:"switch_id"`
}

// Inbox is the inbox op: read the payloads delivered to the signer.
type Inbox struct{}

func (CreateSwitch) Op() string { return OpSwitchCreate }
func (CheckIn) Op() string      { return OpSwitchCheckIn }
func (CheckInAll) Op() string   { return OpCheckInAll }
func (Disarm) Op() string       { return OpSwitchDisarm }
func (ListSwitches) Op() string { return OpSwitchList }
func (GetSwitch) Op() string    { return OpSwitchGet }
func (Inbox) Op() string        { return OpInbox }

func (CreateSwitch) isCommand() {}
func (CheckIn) isCommand()      {}
func (CheckInAll) isCommand()   {}
func (Disarm) isCommand()       {}
func (ListSwitches) isCommand() {}
func (GetSwitch) isCommand()    {}
func (Inbox) isCommand()        {}

// Envelope pairs a command with the identity that signed it.
type Envelope struct {
	Signer  string
	Command Command
}

type rawEnvelope struct {
	Signer  string          `json:"signer"`
	Command json.RawMessage `json:"command"`
}

// DecodeEnvelope parses {"signer": ..., "command": {"op": ..., ...}}.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope rawEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	command, err := DecodeCommand(envelope.Command)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Signer: envelope.Signer, Command: command}, nil
}

// DecodeCommand parses a command object, dispatching on its op field.
func DecodeCommand(raw []byte) (Command, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: command is required", ErrMalformedCommand)
	}
	var header struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	var command Command
	switch strings.TrimSpace(header.Op) {
	case OpSwitchCreate:
		command = &CreateSwitch{}
	case OpSwitchCheckIn:
		command = &CheckIn{}
	case OpCheckInAll:
		return CheckInAll{}, nil
	case OpSwitchDisarm:
		command = &Disarm{}
	case OpSwitchList:
		return ListSwitches{}, nil
	case OpSwitchGet:
		command = &GetSwitch{}
	case OpInbox:
		return Inbox{}, nil
	case "":
		return nil, fmt.Errorf("%w: op is required", ErrMalformedCommand)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, header.Op)
	}
	if err := json.Unmarshal(raw, command); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, header.Op, err)
	}
	return dereference(command), nil
}

func dereference(command Command) Command {
	switch typed := command.(type) {
	case *CreateSwitch:
		return *typed
	case *CheckIn:
		return *typed
	case *Disarm:
		return *typed
	case *GetSwitch:
		return *typed
	default:
		return command
	}
}
