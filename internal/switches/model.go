package switches

import (
	"fmt"
	"time"
)

// State enumerates the switch lifecycle states.
type State string

const (
	// StateArmed is the initial state; the switch awaits check-ins.
	StateArmed State = "armed"
	// StateTriggered is terminal; the payload was delivered.
	StateTriggered State = "triggered"
	// StateDisarmed is terminal; the owner cancelled the switch.
	StateDisarmed State = "disarmed"
)

const (
	// MinCheckinInterval is the shortest allowed check-in interval in seconds.
	MinCheckinInterval int64 = 60
	// MaxCheckinInterval is the longest allowed check-in interval in seconds (365 days).
	MaxCheckinInterval int64 = 365 * 24 * 3600
	// MaxRecipients bounds the recipient list.
	MaxRecipients = 20
	// DefaultLabel is used when the caller supplies no label.
	DefaultLabel = "Untitled Switch"

	isoLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Switch is the persisted record stored at switch:<id>. Timestamps are unix milliseconds.
type Switch struct {
	ID              string   `json:"id"`
	Owner           string   `json:"owner"`
	Label           string   `json:"label"`
	Payload         string   `json:"payload"`
	Recipients      []string `json:"recipients"`
	CheckinInterval int64    `json:"checkin_interval"`
	LastCheckin     int64    `json:"last_checkin"`
	Deadline        int64    `json:"deadline"`
	State           State    `json:"state"`
	CheckinCount    int64    `json:"checkin_count"`
	TriggeredAt     *int64   `json:"triggered_at"`
	DisarmedAt      *int64   `json:"disarmed_at"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// Armed reports whether the switch still awaits check-ins.
func (sw Switch) Armed() bool {
	return sw.State == StateArmed
}

// Overdue reports whether now is past the deadline extended by grace.
func (sw Switch) Overdue(now time.Time, grace time.Duration) bool {
	return now.UnixMilli() > sw.Deadline+grace.Milliseconds()
}

// InboxEntry is one delivered message. Entries are never mutated after append.
type InboxEntry struct {
	From        string `json:"from"`
	SwitchID    string `json:"switch_id"`
	Label       string `json:"label"`
	Payload     string `json:"payload"`
	DeliveredAt int64  `json:"delivered_at"`
}

// Summary is the listing view of a switch. It carries only the recipient count.
type Summary struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	State           State  `json:"state"`
	Recipients      int    `json:"recipients"`
	CheckinInterval int64  `json:"checkin_interval"`
	LastCheckinISO  string `json:"last_checkin_iso"`
	DeadlineISO     string `json:"deadline_iso"`
	TimeRemaining   string `json:"time_remaining"`
	CheckinCount    int64  `json:"checkin_count"`
	CreatedAt       int64  `json:"created_at"`
}

// CreateRequest describes a new switch.
type CreateRequest struct {
	Owner           string
	Payload         string
	Recipients      []string
	CheckinInterval int64
	Label           string
}

// CreateResult is returned by Create.
type CreateResult struct {
	OK          bool   `json:"ok"`
	SwitchID    string `json:"switch_id"`
	Switch      Switch `json:"switch"`
	DeadlineISO string `json:"deadline_iso"`
}

// CheckInResult is returned by CheckIn.
type CheckInResult struct {
	OK             bool   `json:"ok"`
	SwitchID       string `json:"switch_id"`
	CheckinCount   int64  `json:"checkin_count"`
	NewDeadline    int64  `json:"new_deadline"`
	NewDeadlineISO string `json:"new_deadline_iso"`
}

// CheckInAllEntry is one advanced switch in a CheckInAll result.
type CheckInAllEntry struct {
	SwitchID       string `json:"switch_id"`
	NewDeadline    int64  `json:"new_deadline"`
	NewDeadlineISO string `json:"new_deadline_iso"`
}

// CheckInFailure records a switch that CheckInAll could not advance.
type CheckInFailure struct {
	SwitchID string `json:"switch_id"`
	Reason   string `json:"reason"`
}

// CheckInAllResult is returned by CheckInAll.
type CheckInAllResult struct {
	OK        bool              `json:"ok"`
	CheckedIn int               `json:"checked_in"`
	Results   []CheckInAllEntry `json:"results"`
	Failures  []CheckInFailure  `json:"failures,omitempty"`
}

// DisarmResult is returned by Disarm.
type DisarmResult struct {
	OK       bool   `json:"ok"`
	SwitchID string `json:"switch_id"`
	Label    string `json:"label"`
}

// DeliveryFailure records a recipient whose inbox append failed.
type DeliveryFailure struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// TriggerResult is returned by Trigger. Triggered is false with Reason set
// when the switch was no longer armed.
type TriggerResult struct {
	Triggered        bool              `json:"ok"`
	Reason           string            `json:"reason,omitempty"`
	SwitchID         string            `json:"switch_id"`
	Owner            string            `json:"owner,omitempty"`
	Label            string            `json:"label,omitempty"`
	Recipients       []string          `json:"recipients,omitempty"`
	Payload          string            `json:"payload,omitempty"`
	TriggeredAt      int64             `json:"triggered_at,omitempty"`
	FailedDeliveries []DeliveryFailure `json:"failed_deliveries,omitempty"`
}

// RedeliverResult is returned by Redeliver.
type RedeliverResult struct {
	SwitchID         string            `json:"switch_id"`
	Delivered        []string          `json:"delivered"`
	AlreadyDelivered []string          `json:"already_delivered"`
	FailedDeliveries []DeliveryFailure `json:"failed_deliveries,omitempty"`
}

// FormatISO renders a unix millisecond timestamp as an RFC 3339 UTC string with milliseconds.
func FormatISO(unixMillis int64) string {
	return time.UnixMilli(unixMillis).UTC().Format(isoLayout)
}

// FormatRemaining renders max(0, deadline-now) as whole hours and minutes.
func FormatRemaining(deadline int64, now time.Time) string {
	remaining := deadline - now.UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	hours := remaining / time.Hour.Milliseconds()
	minutes := (remaining % time.Hour.Milliseconds()) / time.Minute.Milliseconds()
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func summarize(sw Switch, now time.Time) Summary {
	return Summary{
		ID:              sw.ID,
		Label:           sw.Label,
		State:           sw.State,
		Recipients:      len(sw.Recipients),
		CheckinInterval: sw.CheckinInterval,
		LastCheckinISO:  FormatISO(sw.LastCheckin),
		DeadlineISO:     FormatISO(sw.Deadline),
		TimeRemaining:   FormatRemaining(sw.Deadline, now),
		CheckinCount:    sw.CheckinCount,
		CreatedAt:       sw.CreatedAt,
	}
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
