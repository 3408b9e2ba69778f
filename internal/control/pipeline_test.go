package control

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldward/fieldward-core/internal/device"
)

// fakeDispatcher records dispatched commands.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

type dispatchCall struct {
	deviceID string
	action   Action
}

func (f *fakeDispatcher) Name() string { return "fake" }

func (f *fakeDispatcher) DispatchCommand(_ context.Context, d *device.Device, action Action, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{deviceID: d.ID, action: action})
	return f.err
}

func (f *fakeDispatcher) recorded() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

// fakeMetrics records analytics writes.
type fakeMetrics struct {
	mu       sync.Mutex
	runs     []string
	outcomes []string
}

func (f *fakeMetrics) WriteRunCompletion(deviceID, _ string, _, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, deviceID)
}

func (f *fakeMetrics) WriteCommandOutcome(deviceID, _, _, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, deviceID+":"+status)
}

// testPipeline wires a Pipeline over an in-memory database with a fixed
// clock and recording fakes.
type testPipeline struct {
	*Pipeline
	db         *sql.DB
	devices    device.Repository
	commands   Repository
	dispatcher *fakeDispatcher
	metrics    *fakeMetrics
	base       time.Time
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	db := setupTestDB(t)
	deviceRepo := device.NewSQLiteRepository(db)
	commandRepo := NewSQLiteRepository(db)

	tp := &testPipeline{
		Pipeline:   NewPipeline(db, deviceRepo, commandRepo),
		db:         db,
		devices:    deviceRepo,
		commands:   commandRepo,
		dispatcher: &fakeDispatcher{},
		metrics:    &fakeMetrics{},
		base:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	tp.SetDispatcher(tp.dispatcher)
	tp.SetMetrics(tp.metrics)
	tp.SetClock(func() time.Time { return tp.base })
	return tp
}

func (tp *testPipeline) mustGetDevice(t *testing.T, id string) *device.Device {
	t.Helper()
	d, err := tp.devices.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return d
}

func TestSubmitPumpStartBlocked(t *testing.T) {
	tp := newTestPipeline(t)
	seedGroup(t, tp.db, device.StatusIdle, device.StatusIdle)

	cmd, err := tp.Submit(context.Background(), "pump-1", strPtr("farmer-1"), "START", nil, SourceWeb)
	if !errors.Is(err, ErrSafetyBlocked) {
		t.Fatalf("Submit() error = %v, want ErrSafetyBlocked", err)
	}
	if cmd == nil || cmd.Status != StatusFailed {
		t.Fatalf("command = %+v, want failed record", cmd)
	}

	// The rejected start leaves no trace on the pump.
	pump := tp.mustGetDevice(t, "pump-1")
	if pump.Status != device.StatusIdle {
		t.Errorf("pump status = %q, want idle", pump.Status)
	}
	if pump.CurrentRunStart != nil {
		t.Errorf("pump CurrentRunStart = %v, want nil", pump.CurrentRunStart)
	}

	if calls := tp.dispatcher.recorded(); len(calls) != 0 {
		t.Errorf("dispatcher calls = %v, want none for blocked command", calls)
	}

	stored, err := tp.commands.GetByID(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("stored status = %q, want failed", stored.Status)
	}
}

func TestSubmitOpenValveThenStartPump(t *testing.T) {
	tp := newTestPipeline(t)
	seedGroup(t, tp.db, device.StatusIdle, device.StatusIdle)
	ctx := context.Background()

	openCmd, err := tp.Submit(ctx, "valve-1", strPtr("farmer-1"), "OPEN", nil, SourceWeb)
	if err != nil {
		t.Fatalf("Submit(OPEN valve) error = %v", err)
	}
	if openCmd.Status != StatusExecuted {
		t.Fatalf("valve command status = %q, want executed", openCmd.Status)
	}
	if openCmd.ExecutedAt == nil {
		t.Error("valve command ExecutedAt = nil, want set")
	}
	if openCmd.TransportUsed == nil || *openCmd.TransportUsed != "fake" {
		t.Errorf("TransportUsed = %v, want fake", openCmd.TransportUsed)
	}

	valve := tp.mustGetDevice(t, "valve-1")
	if valve.Status != device.StatusActive {
		t.Fatalf("valve status = %q, want active", valve.Status)
	}
	if valve.CurrentRunStart == nil || !valve.CurrentRunStart.Equal(tp.base) {
		t.Errorf("valve CurrentRunStart = %v, want %v", valve.CurrentRunStart, tp.base)
	}

	startCmd, err := tp.Submit(ctx, "pump-1", strPtr("farmer-1"), "START", nil, SourceWeb)
	if err != nil {
		t.Fatalf("Submit(START pump) error = %v", err)
	}
	if startCmd.Status != StatusExecuted {
		t.Fatalf("pump command status = %q, want executed", startCmd.Status)
	}
	if pump := tp.mustGetDevice(t, "pump-1"); pump.Status != device.StatusActive {
		t.Errorf("pump status = %q, want active", pump.Status)
	}

	calls := tp.dispatcher.recorded()
	if len(calls) != 2 {
		t.Fatalf("dispatcher calls = %d, want 2", len(calls))
	}
	if calls[0] != (dispatchCall{"valve-1", ActionTurnOn}) || calls[1] != (dispatchCall{"pump-1", ActionTurnOn}) {
		t.Errorf("dispatcher calls = %v", calls)
	}
}

func TestSubmitDurationArmsAutoOff(t *testing.T) {
	tp := newTestPipeline(t)
	seedGroup(t, tp.db, device.StatusIdle, device.StatusActive)

	_, err := tp.Submit(context.Background(), "pump-1", nil, "TURN_ON",
		map[string]any{"duration": float64(30)}, SourceMobile)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	pump := tp.mustGetDevice(t, "pump-1")
	want := tp.base.Add(30 * time.Minute)
	if pump.TargetTurnOffAt == nil || !pump.TargetTurnOffAt.Equal(want) {
		t.Errorf("TargetTurnOffAt = %v, want %v", pump.TargetTurnOffAt, want)
	}
}

func TestSubmitStartAlreadyActive(t *testing.T) {
	tp := newTestPipeline(t)
	seedGroup(t, tp.db, device.StatusIdle, device.StatusActive)
	ctx := context.Background()

	if _, err := tp.Submit(ctx, "pump-1", nil, "START", nil, SourceWeb); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	cmd, err := tp.Submit(ctx, "pump-1", nil, "START", nil, SourceWeb)
	if !errors.Is(err, device.ErrAlreadyActive) {
		t.Fatalf("second Submit() error = %v, want ErrAlreadyActive", err)
	}
	if cmd.Status != StatusFailed {
		t.Errorf("command status = %q, want failed", cmd.Status)
	}
}

func TestSubmitCascadeStopsPump(t *testing.T) {
	tp := newTestPipeline(t)
	pump := &device.Device{ID: "pump-1", Name: "Bore Pump", Type: device.TypePump,
		Status: device.StatusActive}
	runStart := tp.base.Add(-45 * time.Minute)
	pump.CurrentRunStart = &runStart
	seedDevice(t, tp.db, pump)
	valve := &device.Device{ID: "valve-1", Name: "North Valve", Type: device.TypeValve,
		Status: device.StatusActive, ParentID: strPtr("pump-1")}
	valve.CurrentRunStart = &runStart
	seedDevice(t, tp.db, valve)

	cmd, err := tp.Submit(context.Background(), "valve-1", strPtr("farmer-1"), "CLOSE", nil, SourceWeb)
	if err != nil {
		t.Fatalf("Submit(CLOSE) error = %v", err)
	}
	if cmd.Status != StatusExecuted {
		t.Fatalf("command status = %q, want executed", cmd.Status)
	}

	gotValve := tp.mustGetDevice(t, "valve-1")
	if gotValve.Status != device.StatusIdle {
		t.Errorf("valve status = %q, want idle", gotValve.Status)
	}
	if gotValve.TotalRuntimeMinutes != 45 {
		t.Errorf("valve runtime = %v, want 45", gotValve.TotalRuntimeMinutes)
	}

	gotPump := tp.mustGetDevice(t, "pump-1")
	if gotPump.Status != device.StatusIdle {
		t.Errorf("pump status = %q, want idle after cascade", gotPump.Status)
	}
	if gotPump.CurrentRunStart != nil {
		t.Errorf("pump CurrentRunStart = %v, want nil", gotPump.CurrentRunStart)
	}
	if gotPump.TotalRuntimeMinutes != 45 {
		t.Errorf("pump runtime = %v, want 45", gotPump.TotalRuntimeMinutes)
	}
	alert, _ := gotPump.LastTelemetry["alert"].(string)
	if alert != "auto-stop: last feeding valve North Valve closed" {
		t.Errorf("pump alert = %q, want auto-stop message", alert)
	}

	// The cascade is a derived transition: one command row, two dispatches.
	cmds, err := tp.commands.ListByDevice(context.Background(), "pump-1", 10)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("pump command rows = %d, want 0", len(cmds))
	}

	calls := tp.dispatcher.recorded()
	if len(calls) != 2 {
		t.Fatalf("dispatcher calls = %v, want valve then pump turn_off", calls)
	}
	if calls[0] != (dispatchCall{"valve-1", ActionTurnOff}) || calls[1] != (dispatchCall{"pump-1", ActionTurnOff}) {
		t.Errorf("dispatcher calls = %v", calls)
	}

	// Both run completions hit analytics.
	tp.metrics.mu.Lock()
	runs := append([]string(nil), tp.metrics.runs...)
	tp.metrics.mu.Unlock()
	if len(runs) != 2 {
		t.Errorf("run completions = %v, want valve-1 and pump-1", runs)
	}
}

func TestSubmitNoCascadeWhileSiblingOpen(t *testing.T) {
	tp := newTestPipeline(t)
	seedGroup(t, tp.db, device.StatusActive, device.StatusActive, device.StatusActive)

	_, err := tp.Submit(context.Background(), "valve-1", nil, "CLOSE", nil, SourceWeb)
	if err != nil {
		t.Fatalf("Submit(CLOSE) error = %v", err)
	}

	if pump := tp.mustGetDevice(t, "pump-1"); pump.Status != device.StatusActive {
		t.Errorf("pump status = %q, want active while valve-2 feeds it", pump.Status)
	}
	if valve := tp.mustGetDevice(t, "valve-1"); valve.Status != device.StatusIdle {
		t.Errorf("valve-1 status = %q, want idle", valve.Status)
	}
}

func TestSubmitConcurrentSiblingCloses(t *testing.T) {
	tp := newTestPipeline(t)
	runStart := tp.base.Add(-20 * time.Minute)
	pump := &device.Device{ID: "pump-1", Name: "Bore Pump", Type: device.TypePump,
		Status: device.StatusActive, CurrentRunStart: &runStart}
	seedDevice(t, tp.db, pump)
	for _, id := range []string{"valve-1", "valve-2"} {
		seedDevice(t, tp.db, &device.Device{ID: id, Name: id, Type: device.TypeValve,
			Status: device.StatusActive, ParentID: strPtr("pump-1"), CurrentRunStart: &runStart})
	}

	var wg sync.WaitGroup
	for _, id := range []string{"valve-1", "valve-2"} {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			if _, err := tp.Submit(context.Background(), deviceID, nil, "CLOSE", nil, SourceWeb); err != nil {
				t.Errorf("Submit(CLOSE %s) error = %v", deviceID, err)
			}
		}(id)
	}
	wg.Wait()

	gotPump := tp.mustGetDevice(t, "pump-1")
	if gotPump.Status != device.StatusIdle {
		t.Errorf("pump status = %q, want idle", gotPump.Status)
	}
	// Exactly one cascade accrues the pump's runtime.
	if gotPump.TotalRuntimeMinutes != 20 {
		t.Errorf("pump runtime = %v, want 20 accrued once", gotPump.TotalRuntimeMinutes)
	}
}

func TestSubmitUnrecognizedActionStaysPending(t *testing.T) {
	tp := newTestPipeline(t)
	seedDevice(t, tp.db, &device.Device{ID: "sensor-1", Name: "Soil Probe", Type: device.TypeSensor})

	cmd, err := tp.Submit(context.Background(), "sensor-1", strPtr("farmer-1"), "SET_INTERVAL",
		map[string]any{"seconds": float64(300)}, SourceWeb)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if cmd.Status != StatusPending {
		t.Errorf("command status = %q, want pending", cmd.Status)
	}
	if cmd.ExecutedAt != nil {
		t.Errorf("ExecutedAt = %v, want nil", cmd.ExecutedAt)
	}
	if calls := tp.dispatcher.recorded(); len(calls) != 0 {
		t.Errorf("dispatcher calls = %v, want none", calls)
	}
	if sensor := tp.mustGetDevice(t, "sensor-1"); sensor.Status != device.StatusIdle {
		t.Errorf("sensor status = %q, want idle (untouched)", sensor.Status)
	}
}

func TestSubmitDeviceNotFound(t *testing.T) {
	tp := newTestPipeline(t)

	cmd, err := tp.Submit(context.Background(), "ghost", nil, "START", nil, SourceWeb)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Submit() error = %v, want ErrDeviceNotFound", err)
	}
	if cmd != nil {
		t.Errorf("command = %+v, want nil (nothing persisted)", cmd)
	}
}

func TestSubmitDispatchFailureKeepsExecuted(t *testing.T) {
	tp := newTestPipeline(t)
	tp.dispatcher.err = errors.New("broker unreachable")
	seedDevice(t, tp.db, &device.Device{ID: "valve-1", Name: "North Valve", Type: device.TypeValve})

	cmd, err := tp.Submit(context.Background(), "valve-1", nil, "OPEN", nil, SourceWeb)
	if err != nil {
		t.Fatalf("Submit() error = %v, want delivery failure swallowed", err)
	}
	if cmd.Status != StatusExecuted {
		t.Errorf("command status = %q, want executed despite dispatch failure", cmd.Status)
	}
}

func TestSubmitRecordsOutcomes(t *testing.T) {
	tp := newTestPipeline(t)
	seedGroup(t, tp.db, device.StatusIdle, device.StatusIdle)
	ctx := context.Background()

	tp.Submit(ctx, "valve-1", nil, "OPEN", nil, SourceWeb)  //nolint:errcheck
	tp.Submit(ctx, "pump-1", nil, "START", nil, SourceWeb)  //nolint:errcheck
	tp.Submit(ctx, "valve-1", nil, "CLOSE", nil, SourceWeb) //nolint:errcheck

	tp.metrics.mu.Lock()
	outcomes := append([]string(nil), tp.metrics.outcomes...)
	tp.metrics.mu.Unlock()

	want := []string{"valve-1:executed", "pump-1:executed", "valve-1:executed"}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcomes[%d] = %q, want %q", i, outcomes[i], want[i])
		}
	}
}
