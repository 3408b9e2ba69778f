package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) (*Registry, *SQLiteRepository) {
	t.Helper()
	repo := NewSQLiteRepository(setupTestDB(t))
	return NewRegistry(repo, time.Minute), repo
}

func TestCreateDeviceGeneratesIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "Bore Pump", Type: TypePump}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if d.ID == "" {
		t.Error("CreateDevice() did not generate an ID")
	}
	if d.Secret == "" {
		t.Error("CreateDevice() did not generate a secret")
	}
	if d.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", d.Status)
	}
}

func TestCreateDeviceValidates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		device  *Device
		wantErr error
	}{
		{"empty name", &Device{Type: TypePump}, ErrInvalidName},
		{"bad type", &Device{Name: "Thing", Type: "quadcopter"}, ErrInvalidDeviceType},
		{"self parent", &Device{ID: "x", Name: "Loop", Type: TypeValve, ParentID: strPtr("x")}, ErrInvalidDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.CreateDevice(ctx, tt.device); !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetDeviceCachesCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "North Valve", Type: TypeValve, Config: Config{"sms_target": "V1"}}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	first, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}

	// Mutating the returned copy must not poison the cache.
	first.Config["sms_target"] = "HACKED"

	second, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if second.Config["sms_target"] != "V1" {
		t.Errorf("cache poisoned: sms_target = %v, want V1", second.Config["sms_target"])
	}
}

func TestGetDeviceFreshBypassesCache(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "Bore Pump", Type: TypePump}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	// Warm the cache, then mutate behind the registry's back.
	if _, err := reg.GetDevice(ctx, d.ID); err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	d.Status = StatusActive
	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	fresh, err := reg.GetDeviceFresh(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeviceFresh() error = %v", err)
	}
	if fresh.Status != StatusActive {
		t.Errorf("GetDeviceFresh() Status = %q, want active", fresh.Status)
	}
}

func TestInvalidateDropsStaleEntry(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "Bore Pump", Type: TypePump}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if _, err := reg.GetDevice(ctx, d.ID); err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}

	d.Status = StatusActive
	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	reg.Invalidate(d.ID)

	got, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("GetDevice() after Invalidate Status = %q, want active", got.Status)
	}
}

func TestRotateSecret(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "North Valve", Type: TypeValve}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	original := d.Secret

	rotated, err := reg.RotateSecret(ctx, d.ID)
	if err != nil {
		t.Fatalf("RotateSecret() error = %v", err)
	}
	if rotated == original {
		t.Error("RotateSecret() returned the old secret")
	}

	got, err := reg.GetDeviceFresh(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeviceFresh() error = %v", err)
	}
	if got.Secret != rotated {
		t.Errorf("persisted secret = %q, want rotated value", got.Secret)
	}
}

func TestRotateSecretNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.RotateSecret(context.Background(), "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("RotateSecret() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestDeleteDeviceEvictsCache(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "Soil Probe", Type: TypeSensor}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if err := reg.DeleteDevice(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := reg.GetDevice(ctx, d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after delete error = %v, want ErrDeviceNotFound", err)
	}
}

func TestUpdateIdentityDropsCacheEntry(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "Bore Pump", Type: TypePump}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if _, err := reg.GetDevice(ctx, d.ID); err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}

	// Pipeline-style mutation behind the registry, then an identity
	// update from a copy read before that mutation.
	d.Status = StatusActive
	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stale := &Device{ID: d.ID, Name: "Renamed Pump", Type: TypePump, Status: StatusIdle, Secret: d.Secret}
	if err := reg.UpdateIdentity(ctx, stale); err != nil {
		t.Fatalf("UpdateIdentity() error = %v", err)
	}

	got, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Name != "Renamed Pump" {
		t.Errorf("Name = %q, want Renamed Pump", got.Name)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want active (identity update must not revert it)", got.Status)
	}
}

func TestMergeTelemetryDropsCacheEntry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	d := &Device{Name: "Soil Probe", Type: TypeSensor}
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if _, err := reg.GetDevice(ctx, d.ID); err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}

	if err := reg.MergeTelemetry(ctx, d.ID, Telemetry{"soil_moisture": 0.42}); err != nil {
		t.Fatalf("MergeTelemetry() error = %v", err)
	}

	got, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.LastTelemetry["soil_moisture"] != 0.42 {
		t.Errorf("LastTelemetry[soil_moisture] = %v, want 0.42", got.LastTelemetry["soil_moisture"])
	}

	if err := reg.MergeTelemetry(ctx, "ghost", Telemetry{"x": 1.0}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("MergeTelemetry(ghost) error = %v, want ErrDeviceNotFound", err)
	}
}
