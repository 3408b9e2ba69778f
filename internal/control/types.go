package control

import (
	"strings"
	"time"
)

// Command is the persisted record of one control intent against a device.
// This matches the commands table in migrations/20260301_100000_initial_schema.up.sql.
type Command struct {
	ID       string  `json:"id"`
	DeviceID string  `json:"device_id"`
	UserID   *string `json:"user_id,omitempty"`

	// Action as supplied by the caller. Recognized synonyms are
	// normalized for execution but the original spelling is persisted.
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`

	Status Status `json:"status"`
	Source Source `json:"source"`

	// TransportUsed records which channel carried the command to the
	// hardware (e.g. "mqtt"). Nil while pending or when dispatch was
	// skipped.
	TransportUsed *string `json:"transport_used,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// Status is the lifecycle state of a command.
// Pending is the only non-terminal state: once a command is Executed or
// Failed it never changes again.
type Status string

// Status constants.
const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Source identifies the channel a command arrived on.
type Source string

// Source constants.
const (
	SourceWeb        Source = "web"
	SourceMobile     Source = "mobile"
	SourceSMSOffline Source = "sms_offline"
)

// AllSources returns all valid command sources.
func AllSources() []Source {
	return []Source{SourceWeb, SourceMobile, SourceSMSOffline}
}

// Action is a canonical action the pipeline knows how to execute.
type Action string

// Canonical actions.
const (
	ActionTurnOn  Action = "turn_on"
	ActionTurnOff Action = "turn_off"
)

// NormalizeAction maps a caller-supplied action onto a canonical one.
//
// Recognized synonyms (case-insensitive):
//   - TURN_ON, START, OPEN  -> turn_on
//   - TURN_OFF, STOP, CLOSE -> turn_off
//
// Anything else is not executable by this engine: such commands are
// persisted Pending for some other collaborator to deliver and resolve
// (e.g. sensor configuration pushes).
//
// Returns:
//   - Action: The canonical action
//   - bool: Whether the input was recognized
func NormalizeAction(action string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "TURN_ON", "START", "OPEN":
		return ActionTurnOn, true
	case "TURN_OFF", "STOP", "CLOSE":
		return ActionTurnOff, true
	default:
		return "", false
	}
}
