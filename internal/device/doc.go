// Package device provides the Device Registry for FieldWard Core.
//
// The Device Registry is the catalogue of all field equipment known to
// the gateway: pumps, valves, sensors, and generic actuators. It manages
// device lifecycle, runtime accounting state, and the interlock topology
// queries the safety engine depends on.
//
// # Key Types
//
//   - Device: A piece of field equipment (pump, valve, sensor, generic)
//   - DeviceStatus: Operational state (idle, active, alert, maintenance)
//   - Registry: Cached façade over a Repository
//   - Repository: Persistence interface with a SQLite implementation
//
// # Runtime Accounting
//
// StartRun and StopRun are the only primitives that move a device in and
// out of Active. They maintain two invariants: CurrentRunStart is set
// exactly while the device is Active, and TotalRuntimeMinutes never
// decreases, growing only by the elapsed interval of a completed run.
// StopRun is idempotent so concurrent cascade stops collapse to one.
//
// # Interlock Topology
//
// A valve's ParentID names its controlling pump. The reference is weak:
// it exists only so the safety engine can ask "which valves feed this
// pump" (ListChildren) and "how many other valves on this pump are still
// open" (CountActiveSiblings). Deleting either side never cascades.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo, cfg.Registry.GetCacheTTL())
//	registry.SetLogger(log)
//
//	pump := &device.Device{Name: "Bore Pump", Type: device.TypePump}
//	if err := registry.CreateDevice(ctx, pump); err != nil {
//	    return err
//	}
//
//	valve := &device.Device{
//	    Name:     "North Paddock Valve",
//	    Type:     device.TypeValve,
//	    ParentID: &pump.ID,
//	    Config:   device.Config{"sms_target": "V1"},
//	}
//	if err := registry.CreateDevice(ctx, valve); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Cached reads return deep
// copies, so callers can mutate results freely. Serialization of
// concurrent command execution is the command pipeline's job, not the
// registry's.
package device
