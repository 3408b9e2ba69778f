package device

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestStartRunSetsActiveState(t *testing.T) {
	d := testDevice("gen-1", "Feed Auger", TypeGeneric)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, now, 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if d.Status != StatusActive {
		t.Errorf("Status = %q, want active", d.Status)
	}
	if d.CurrentRunStart == nil || !d.CurrentRunStart.Equal(now) {
		t.Errorf("CurrentRunStart = %v, want %v", d.CurrentRunStart, now)
	}
	if d.TargetTurnOffAt != nil {
		t.Errorf("TargetTurnOffAt = %v, want nil without duration", d.TargetTurnOffAt)
	}
}

func TestStartRunWithDuration(t *testing.T) {
	d := testDevice("pump-1", "Bore Pump", TypePump)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, now, 45); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	want := now.Add(45 * time.Minute)
	if d.TargetTurnOffAt == nil || !d.TargetTurnOffAt.Equal(want) {
		t.Errorf("TargetTurnOffAt = %v, want %v", d.TargetTurnOffAt, want)
	}
}

func TestStartRunAlreadyActive(t *testing.T) {
	d := testDevice("pump-1", "Bore Pump", TypePump)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, now, 0); err != nil {
		t.Fatalf("first StartRun() error = %v", err)
	}
	if err := StartRun(d, now.Add(time.Minute), 0); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second StartRun() error = %v, want ErrAlreadyActive", err)
	}
}

func TestStopRunAccruesElapsedMinutes(t *testing.T) {
	d := testDevice("gen-1", "Feed Auger", TypeGeneric)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, t0, 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	elapsed := StopRun(d, t0.Add(37*time.Minute))
	if math.Abs(elapsed-37.0) > 1e-9 {
		t.Errorf("StopRun() elapsed = %v, want 37.0", elapsed)
	}
	if math.Abs(d.TotalRuntimeMinutes-37.0) > 1e-9 {
		t.Errorf("TotalRuntimeMinutes = %v, want 37.0", d.TotalRuntimeMinutes)
	}
	if d.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", d.Status)
	}
	if d.CurrentRunStart != nil {
		t.Errorf("CurrentRunStart = %v, want nil", d.CurrentRunStart)
	}
	if d.TargetTurnOffAt != nil {
		t.Errorf("TargetTurnOffAt = %v, want nil", d.TargetTurnOffAt)
	}
}

func TestStopRunIdempotent(t *testing.T) {
	d := testDevice("gen-1", "Feed Auger", TypeGeneric)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, t0, 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	StopRun(d, t0.Add(37*time.Minute))
	total := d.TotalRuntimeMinutes

	// Second stop is a no-op: no further accrual, no state change.
	if elapsed := StopRun(d, t0.Add(99*time.Minute)); elapsed != 0 {
		t.Errorf("second StopRun() elapsed = %v, want 0", elapsed)
	}
	if d.TotalRuntimeMinutes != total {
		t.Errorf("TotalRuntimeMinutes = %v, want unchanged %v", d.TotalRuntimeMinutes, total)
	}
}

func TestStopRunClampsClockSkew(t *testing.T) {
	d := testDevice("gen-1", "Feed Auger", TypeGeneric)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, t0, 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	// Stopping with a clock behind the start must not decrease the accumulator.
	if elapsed := StopRun(d, t0.Add(-5*time.Minute)); elapsed != 0 {
		t.Errorf("StopRun() elapsed = %v, want 0 on clock skew", elapsed)
	}
	if d.TotalRuntimeMinutes != 0 {
		t.Errorf("TotalRuntimeMinutes = %v, want 0", d.TotalRuntimeMinutes)
	}
	if d.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", d.Status)
	}
}

func TestFractionalMinutesAccrue(t *testing.T) {
	d := testDevice("valve-1", "North Valve", TypeValve)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := StartRun(d, t0, 0); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	StopRun(d, t0.Add(90*time.Second))
	if math.Abs(d.TotalRuntimeMinutes-1.5) > 1e-9 {
		t.Errorf("TotalRuntimeMinutes = %v, want 1.5", d.TotalRuntimeMinutes)
	}
}

func TestRunStartPresentIffActive(t *testing.T) {
	d := testDevice("pump-1", "Bore Pump", TypePump)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if d.CurrentRunStart != nil {
		t.Fatal("new device must not carry a run start")
	}
	if err := StartRun(d, t0, 10); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if d.Status == StatusActive && d.CurrentRunStart == nil {
		t.Error("active device must carry a run start")
	}
	StopRun(d, t0.Add(time.Minute))
	if d.Status != StatusActive && d.CurrentRunStart != nil {
		t.Error("inactive device must not carry a run start")
	}
}
