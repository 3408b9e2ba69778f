package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldward/fieldward-core/internal/audit"
	"github.com/fieldward/fieldward-core/internal/device"
)

// Logger defines the logging interface used by the Pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Dispatcher carries an executed command to the field hardware.
//
// Dispatch is best-effort and happens after the command has committed:
// delivery failures are logged but never roll back an Executed command.
// The SQLite ledger is the source of truth for what was decided.
type Dispatcher interface {
	// Name identifies the transport (e.g. "mqtt") for the command record.
	Name() string

	// DispatchCommand sends the action to the device's hardware controller.
	DispatchCommand(ctx context.Context, d *device.Device, action Action, payload map[string]any) error
}

// MetricsRecorder receives pipeline outcomes for time-series analytics.
// Satisfied by influxdb.Client; nil disables recording.
type MetricsRecorder interface {
	WriteRunCompletion(deviceID, deviceType string, elapsedMinutes, totalMinutes float64)
	WriteCommandOutcome(deviceID, action, source, status string)
}

// Invalidator drops cached device entries after out-of-band writes.
// Satisfied by device.Registry.
type Invalidator interface {
	Invalidate(id string)
}

// Pipeline is the single entry point for turning a control intent into
// a persisted, status-tracked Command.
//
// Submit is synchronous and bounded: persistence round trips only, no
// network calls to hardware inline. Per-device operations are
// serialized by an interlock-group lock so the read-check-mutate-write
// sequence, including any cascade, is race-free. The device mutation
// and the command resolution commit in one SQLite transaction; on any
// failure no partial mutation is left visible.
//
// Callers from the web API are expected to have verified device
// ownership already; the pipeline itself is authorization-agnostic.
type Pipeline struct {
	db        *sql.DB
	devices   device.Repository
	commands  Repository
	interlock *Interlock
	locks     *groupLocks

	dispatcher Dispatcher
	metrics    MetricsRecorder
	cache      Invalidator
	audits     audit.Repository
	logger     Logger
	now        func() time.Time
}

// NewPipeline creates a command pipeline.
//
// Parameters:
//   - db: Database handle used for the atomic commit of device and
//     command writes
//   - devices: Device persistence (fresh reads and transactional writes)
//   - commands: Command ledger persistence
func NewPipeline(db *sql.DB, devices device.Repository, commands Repository) *Pipeline {
	return &Pipeline{
		db:        db,
		devices:   devices,
		commands:  commands,
		interlock: NewInterlock(devices),
		locks:     newGroupLocks(),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetDispatcher sets the transport used for post-commit delivery.
func (p *Pipeline) SetDispatcher(d Dispatcher) { p.dispatcher = d }

// SetMetrics sets the analytics sink for run completions and outcomes.
func (p *Pipeline) SetMetrics(m MetricsRecorder) { p.metrics = m }

// SetCache sets the device cache to invalidate after commits.
func (p *Pipeline) SetCache(c Invalidator) { p.cache = c }

// SetAudit sets the audit trail for control decisions.
func (p *Pipeline) SetAudit(a audit.Repository) { p.audits = a }

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger Logger) { p.logger = logger }

// SetClock overrides the time source. Used by tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Submit turns an intent into a persisted Command and, for recognized
// actions, executes it against the target device.
//
// Recognized actions ({TURN_ON,START,OPEN} / {TURN_OFF,STOP,CLOSE}) are
// executed synchronously: on success the command resolves Executed, on
// a domain failure it resolves Failed and the error is returned
// alongside the command. Unrecognized actions are persisted Pending for
// an external collaborator to deliver and resolve later.
//
// Parameters:
//   - deviceID: Target device
//   - userID: Authenticated caller, nil for offline-authenticated commands
//   - action: Caller-supplied action string
//   - payload: Open parameter map; "duration" (minutes) arms an auto-off
//     deadline on turn-on, "target" labels the addressed actuator
//   - source: Channel the command arrived on
//
// Returns:
//   - *Command: The persisted command (nil only when the device does not
//     resolve or the initial persist fails)
//   - error: device.ErrDeviceNotFound, ErrSafetyBlocked,
//     device.ErrAlreadyActive, or an internal persistence failure
func (p *Pipeline) Submit(ctx context.Context, deviceID string, userID *string, action string, payload map[string]any, source Source) (*Command, error) {
	// Resolve the device first: command rows reference devices, and
	// NotFound must surface before anything is persisted.
	target, err := p.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	cmd := &Command{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		UserID:    userID,
		Action:    action,
		Payload:   payload,
		Status:    StatusPending,
		Source:    source,
		CreatedAt: p.now().UTC(),
	}
	if err := p.commands.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persisting command: %w", err)
	}

	canonical, recognized := NormalizeAction(action)
	if !recognized {
		p.logger.Info("command stored for external delivery",
			"command_id", cmd.ID, "device_id", deviceID, "action", action)
		return cmd, nil
	}

	// Serialize on the interlock group so sibling valve closes and
	// cascade stops cannot interleave.
	lock := p.locks.acquire(groupKey(target))
	lock.Lock()
	defer lock.Unlock()

	if err := p.execute(ctx, cmd, canonical); err != nil {
		if failErr := p.commands.MarkFailed(ctx, cmd.ID); failErr != nil {
			p.logger.Error("marking command failed",
				"command_id", cmd.ID, "error", failErr)
		}
		cmd.Status = StatusFailed
		p.recordOutcome(cmd)
		action := audit.ActionCommandFailed
		if errors.Is(err, ErrSafetyBlocked) {
			action = audit.ActionSafetyBlocked
		}
		p.recordAudit(ctx, &audit.Event{
			Action:    action,
			DeviceID:  cmd.DeviceID,
			CommandID: cmd.ID,
			UserID:    orEmpty(cmd.UserID),
			Source:    string(cmd.Source),
			Details:   map[string]any{"reason": err.Error(), "action": cmd.Action},
		})
		p.logger.Warn("command rejected",
			"command_id", cmd.ID, "device_id", deviceID,
			"action", string(canonical), "error", err)
		return cmd, err
	}

	p.recordOutcome(cmd)
	return cmd, nil
}

// execute runs the canonical action against the device under the
// already-held group lock and commits all resulting writes atomically.
func (p *Pipeline) execute(ctx context.Context, cmd *Command, canonical Action) error {
	now := p.now().UTC()

	// Re-read under the lock: the pre-lock copy may be stale.
	target, err := p.devices.GetByID(ctx, cmd.DeviceID)
	if err != nil {
		return err
	}

	var cascaded *device.Device
	var targetElapsed, cascadeElapsed float64

	switch canonical {
	case ActionTurnOn:
		if err := p.interlock.CheckStart(ctx, target); err != nil {
			return err
		}
		if err := device.StartRun(target, now, durationMinutes(cmd.Payload)); err != nil {
			return err
		}

	case ActionTurnOff:
		targetElapsed = device.StopRun(target, now)

		cascaded, err = p.interlock.CascadeTarget(ctx, target)
		if err != nil {
			return err
		}
		if cascaded != nil {
			cascadeElapsed = device.StopRun(cascaded, now)
			appendAutoStopAlert(cascaded, target, now)
		}
	}

	if err := p.commit(ctx, cmd, target, cascaded, now); err != nil {
		return err
	}

	cmd.Status = StatusExecuted
	cmd.ExecutedAt = &now
	transport := p.transportName()
	cmd.TransportUsed = &transport

	p.invalidate(target.ID)
	p.recordAudit(ctx, &audit.Event{
		Action:    audit.ActionCommandExecuted,
		DeviceID:  target.ID,
		CommandID: cmd.ID,
		UserID:    orEmpty(cmd.UserID),
		Source:    string(cmd.Source),
		Details:   map[string]any{"action": string(canonical)},
	})
	if cascaded != nil {
		p.invalidate(cascaded.ID)
		p.recordAudit(ctx, &audit.Event{
			Action:    audit.ActionAutoStop,
			DeviceID:  cascaded.ID,
			CommandID: cmd.ID,
			Source:    string(cmd.Source),
			Details:   map[string]any{"closed_valve_id": target.ID},
		})
		p.logger.Info("cascade auto-stop",
			"pump_id", cascaded.ID, "closed_valve_id", target.ID)
	}

	p.dispatch(ctx, target, canonical, cmd.Payload)
	if cascaded != nil {
		p.dispatch(ctx, cascaded, ActionTurnOff, nil)
	}

	p.recordRun(target, targetElapsed)
	p.recordRun(cascaded, cascadeElapsed)

	p.logger.Info("command executed",
		"command_id", cmd.ID, "device_id", target.ID,
		"action", string(canonical), "source", string(cmd.Source))
	return nil
}

// commit writes the mutated device(s) and the command resolution in a
// single transaction.
func (p *Pipeline) commit(ctx context.Context, cmd *Command, target, cascaded *device.Device, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after successful commit

	if err := p.devices.UpdateTx(ctx, tx, target); err != nil {
		return fmt.Errorf("persisting device: %w", err)
	}
	if cascaded != nil {
		if err := p.devices.UpdateTx(ctx, tx, cascaded); err != nil {
			return fmt.Errorf("persisting cascaded pump: %w", err)
		}
	}
	if err := p.commands.MarkExecutedTx(ctx, tx, cmd.ID, p.transportName(), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing command: %w", err)
	}
	return nil
}

// dispatch hands the command to the transport, best-effort.
func (p *Pipeline) dispatch(ctx context.Context, d *device.Device, action Action, payload map[string]any) {
	if p.dispatcher == nil {
		return
	}
	if err := p.dispatcher.DispatchCommand(ctx, d, action, payload); err != nil {
		// At-most-once delivery: the ledger stays Executed.
		p.logger.Warn("transport dispatch failed",
			"device_id", d.ID, "action", string(action), "error", err)
	}
}

func (p *Pipeline) invalidate(id string) {
	if p.cache != nil {
		p.cache.Invalidate(id)
	}
}

func (p *Pipeline) recordRun(d *device.Device, elapsed float64) {
	if p.metrics == nil || d == nil || elapsed <= 0 {
		return
	}
	p.metrics.WriteRunCompletion(d.ID, string(d.Type), elapsed, d.TotalRuntimeMinutes)
}

func (p *Pipeline) recordOutcome(cmd *Command) {
	if p.metrics == nil {
		return
	}
	p.metrics.WriteCommandOutcome(cmd.DeviceID, cmd.Action, string(cmd.Source), string(cmd.Status))
}

// recordAudit writes a trail entry, best-effort: an audit failure never
// fails the command.
func (p *Pipeline) recordAudit(ctx context.Context, event *audit.Event) {
	if p.audits == nil {
		return
	}
	if err := p.audits.Record(ctx, event); err != nil {
		p.logger.Error("recording audit event",
			"action", event.Action, "device_id", event.DeviceID, "error", err)
	}
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Pipeline) transportName() string {
	if p.dispatcher == nil {
		return "none"
	}
	return p.dispatcher.Name()
}

// groupKey returns the lock key for a device's interlock group: the
// parent pump for a valve, the device itself otherwise.
func groupKey(d *device.Device) string {
	if d.Type == device.TypeValve && d.ParentID != nil {
		return *d.ParentID
	}
	return d.ID
}

// durationMinutes extracts an optional auto-off duration from a command
// payload. JSON numbers decode as float64; integer literals from Go
// callers are tolerated too.
func durationMinutes(payload map[string]any) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload["duration"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
