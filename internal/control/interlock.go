package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldward/fieldward-core/internal/device"
)

// Interlock encodes the pump and valve safety dependency rules.
//
// Valves are the flow path for pumps: running a pump against a fully
// closed system risks equipment damage, so a pump must never go Active
// while every valve feeding it is closed, and closing the last open
// valve must immediately silence the pump.
//
// Topology queries always hit the repository so decisions are made
// against committed state, never cached copies.
type Interlock struct {
	devices device.Repository
}

// NewInterlock creates a safety interlock engine over a device repository.
func NewInterlock(devices device.Repository) *Interlock {
	return &Interlock{devices: devices}
}

// CheckStart decides whether a device may transition to Active.
//
// Rules per device type:
//   - Pump: blocked unless it has zero configured child valves (interlock
//     not configured, open plumbing assumed) or at least one child valve
//     is currently Active.
//   - Valve, Sensor, Generic: always allowed.
//
// Returns:
//   - error: ErrSafetyBlocked if the start must be rejected; the caller
//     must leave the device unmutated
func (i *Interlock) CheckStart(ctx context.Context, d *device.Device) error {
	if d.Type != device.TypePump {
		return nil
	}

	valves, err := i.devices.ListChildren(ctx, d.ID, device.TypeValve)
	if err != nil {
		return fmt.Errorf("listing feed valves: %w", err)
	}

	if len(valves) == 0 {
		// No interlock configured for this pump.
		return nil
	}

	for _, v := range valves {
		if v.Status == device.StatusActive {
			return nil
		}
	}

	return fmt.Errorf("%w: pump %s has no open feed valve", ErrSafetyBlocked, d.ID)
}

// CascadeTarget determines whether stopping the given valve requires an
// automatic protective stop of its parent pump.
//
// Called after the valve's local stop has been applied in memory but
// before commit; the closing valve is excluded from the sibling count
// explicitly, so the not-yet-committed valve row cannot skew the
// decision.
//
// Returns:
//   - *device.Device: The parent pump to auto-stop, or nil when no
//     cascade is required (not a valve, no parent, parent not an Active
//     pump, or other valves still open)
func (i *Interlock) CascadeTarget(ctx context.Context, d *device.Device) (*device.Device, error) {
	if d.Type != device.TypeValve || d.ParentID == nil {
		return nil, nil
	}

	parent, err := i.devices.GetByID(ctx, *d.ParentID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			// Dangling weak reference; nothing to protect.
			return nil, nil
		}
		return nil, fmt.Errorf("resolving parent pump: %w", err)
	}

	if parent.Type != device.TypePump || parent.Status != device.StatusActive {
		// Already idle: a concurrent sibling close got there first.
		return nil, nil
	}

	activeSiblings, err := i.devices.CountActiveSiblings(ctx, parent.ID, d.ID)
	if err != nil {
		return nil, fmt.Errorf("counting active siblings: %w", err)
	}
	if activeSiblings > 0 {
		return nil, nil
	}

	return parent, nil
}

// appendAutoStopAlert annotates a pump's telemetry with a human-readable
// record of an automatic protective stop.
func appendAutoStopAlert(pump, closedValve *device.Device, now time.Time) {
	if pump.LastTelemetry == nil {
		pump.LastTelemetry = device.Telemetry{}
	}
	pump.LastTelemetry["alert"] = fmt.Sprintf(
		"auto-stop: last feeding valve %s closed", closedValve.Name)
	pump.LastTelemetry["alert_at"] = now.UTC().Format(time.RFC3339)
}
