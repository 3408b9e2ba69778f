package smschannel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fieldward/fieldward-core/internal/control"
	"github.com/fieldward/fieldward-core/internal/device"
)

// DeviceResolver resolves device ids to devices holding the shared
// secret. Satisfied by device.Registry; resolution must bypass any
// cache so a rotated secret takes effect immediately.
type DeviceResolver interface {
	GetDeviceFresh(ctx context.Context, id string) (*device.Device, error)
}

// Submitter accepts authenticated commands. Satisfied by
// control.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, deviceID string, userID *string, action string,
		payload map[string]any, source control.Source) (*control.Command, error)
}

// Logger defines the logging interface used by the Handler.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Reply texts. The SMS sender has no other error channel, so every
// outcome maps to a short human-readable line.
const (
	replyMalformed = "Invalid format. Use: AGRI <OPEN|CLOSE> <TARGET> <F-DEVICE> <TIME> <SIGNATURE>"
	replyUnknown   = "Unknown device. Check the device tag and try again."
	replyBadSig    = "Authentication failed. Command rejected."
	replyStale     = "Message expired. Send a fresh command."
	replyBlocked   = "Blocked for safety: pump has no open feed valve."
	replyFailed    = "Command could not be executed. Try again later."
)

// Handler authenticates offline SMS commands and feeds them into the
// command pipeline.
//
// Authentication is implicit: possession of the device secret, proven
// by the truncated HMAC signature, replaces the session token used by
// the online paths. HandleMessage never returns an error; the sender's
// only channel back is the reply text.
type Handler struct {
	devices  DeviceResolver
	pipeline Submitter

	// replayWindow bounds how far a message timestamp may drift from the
	// server clock. Zero disables the check.
	replayWindow time.Duration

	logger Logger
	now    func() time.Time
}

// NewHandler creates an offline channel handler.
//
// Parameters:
//   - devices: Device resolution (secret lookup)
//   - pipeline: Command intake for authenticated messages
//   - replayWindow: Maximum timestamp drift, zero to disable
func NewHandler(devices DeviceResolver, pipeline Submitter, replayWindow time.Duration) *Handler {
	return &Handler{
		devices:      devices,
		pipeline:     pipeline,
		replayWindow: replayWindow,
		logger:       noopLogger{},
		now:          time.Now,
	}
}

// SetLogger sets the logger for the handler.
func (h *Handler) SetLogger(logger Logger) { h.logger = logger }

// SetClock overrides the time source. Used by tests.
func (h *Handler) SetClock(now func() time.Time) { h.now = now }

// HandleMessage processes one inbound SMS body and returns the reply
// text to send back. It never returns an error: rejections (malformed
// grammar, unknown device, bad signature, stale timestamp, interlock
// block) each produce their own reply line.
//
// Parameters:
//   - from: Sender phone number, recorded in the command payload
//   - body: Raw message body
//
// Returns:
//   - string: Reply text for the sender
func (h *Handler) HandleMessage(ctx context.Context, from, body string) string {
	msg, err := Parse(body)
	if err != nil {
		h.logger.Warn("offline message rejected", "from", from, "error", err)
		return replyMalformed
	}

	d, err := h.devices.GetDeviceFresh(ctx, msg.DeviceID)
	if err != nil {
		h.logger.Warn("offline message for unknown device",
			"from", from, "device_id", msg.DeviceID)
		return replyUnknown
	}

	if !VerifySignature(d.Secret, msg.Signed(), msg.Signature) {
		h.logger.Warn("offline message signature mismatch",
			"from", from, "device_id", d.ID)
		return replyBadSig
	}

	if err := h.checkFreshness(msg.Timestamp); err != nil {
		h.logger.Warn("offline message outside replay window",
			"from", from, "device_id", d.ID, "timestamp", msg.Timestamp)
		return replyStale
	}

	payload := map[string]any{
		"target":    msg.Target,
		"timestamp": msg.Timestamp,
		"from":      from,
	}
	cmd, err := h.pipeline.Submit(ctx, d.ID, nil, msg.Action, payload, control.SourceSMSOffline)
	if err != nil {
		if errors.Is(err, control.ErrSafetyBlocked) {
			return replyBlocked
		}
		return replyFailed
	}

	h.logger.Info("offline command accepted",
		"from", from, "device_id", d.ID, "action", msg.Action, "command_id", cmd.ID)
	return fmt.Sprintf("OK: %s %s executed for device %s.", msg.Action, msg.Target, d.Name)
}

// checkFreshness enforces the replay window against the message
// timestamp (unix seconds). Disabled when the window is zero.
func (h *Handler) checkFreshness(timestamp string) error {
	if h.replayWindow <= 0 {
		return nil
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}

	drift := h.now().UTC().Sub(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > h.replayWindow {
		return fmt.Errorf("%w: drift %s exceeds window %s",
			ErrStaleTimestamp, drift, h.replayWindow)
	}
	return nil
}
