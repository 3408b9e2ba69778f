// Package control implements the command pipeline and the safety
// interlock for FieldWard actuators.
//
// Every control intent, regardless of channel, flows through
// Pipeline.Submit: it persists a Command to the SQLite ledger,
// normalizes the requested action, and for recognized on/off actions
// executes it synchronously against the device's runtime state.
// Execution is serialized per interlock group (a pump and its feed
// valves share one lock) and the device mutation commits atomically
// with the command's resolution.
//
// The Interlock enforces the hydraulic safety rule: a pump with valve
// children may only start while at least one of those valves is open,
// and closing the last open valve of a running pump cascades an
// automatic pump stop in the same transaction.
//
// Example usage:
//
//	pipeline := control.NewPipeline(db.DB, deviceRepo, commandRepo)
//	pipeline.SetDispatcher(mqttDispatcher)
//
//	cmd, err := pipeline.Submit(ctx, valveID, &userID, "OPEN", nil, control.SourceWeb)
//	if errors.Is(err, control.ErrSafetyBlocked) {
//	    // rejected by the interlock, command recorded as failed
//	}
package control
