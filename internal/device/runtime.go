package device

import (
	"fmt"
	"time"
)

// Runtime accounting primitives.
//
// StartRun and StopRun are the only two state-mutating primitives for
// operational status; every higher-level action (command pipeline,
// interlock cascade) composes these. They mutate the Device in memory
// only; callers persist the result.

// StartRun transitions a device into the Active state.
//
// If durationMinutes is greater than zero, TargetTurnOffAt is set to
// now plus that duration as a stored deadline for an external scheduler.
// Otherwise any previous deadline is cleared. The engine itself never
// sleeps or polls on the deadline.
//
// Parameters:
//   - d: Device to mutate
//   - now: Current time from the caller's clock
//   - durationMinutes: Optional auto-off hint, <= 0 means none
//
// Returns:
//   - error: ErrAlreadyActive if the device is already running
func StartRun(d *Device, now time.Time, durationMinutes float64) error {
	if d.Status == StatusActive {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, d.ID)
	}

	start := now.UTC()
	d.Status = StatusActive
	d.CurrentRunStart = &start

	if durationMinutes > 0 {
		target := start.Add(time.Duration(durationMinutes * float64(time.Minute)))
		d.TargetTurnOffAt = &target
	} else {
		d.TargetTurnOffAt = nil
	}

	return nil
}

// StopRun transitions a device out of the Active state and accrues the
// elapsed run into TotalRuntimeMinutes.
//
// Idempotent: calling StopRun on a device that is not Active is a no-op.
// This tolerance is load-bearing for concurrent cascade stops, where two
// sibling valve closes may both attempt to stop the same pump.
//
// Fractional minutes are kept as-is (floating point, not rounded), and
// a negative elapsed interval from clock skew is clamped to zero so the
// accumulator never decreases.
//
// Parameters:
//   - d: Device to mutate
//   - now: Current time from the caller's clock
//
// Returns:
//   - float64: Minutes accrued by this call (0 on no-op)
func StopRun(d *Device, now time.Time) float64 {
	if d.Status != StatusActive {
		return 0
	}

	var elapsed float64
	if d.CurrentRunStart != nil {
		elapsed = now.UTC().Sub(*d.CurrentRunStart).Minutes()
		if elapsed < 0 {
			elapsed = 0
		}
		d.TotalRuntimeMinutes += elapsed
	}

	d.Status = StatusIdle
	d.CurrentRunStart = nil
	d.TargetTurnOffAt = nil

	return elapsed
}
