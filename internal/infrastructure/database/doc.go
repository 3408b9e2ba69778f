// Package database provides SQLite connectivity for FieldWard Core.
//
// This package manages:
//   - Opening the SQLite database with WAL mode and busy timeout
//   - Schema migrations from embedded SQL files
//   - Health checks and transaction helpers
//
// # Why SQLite
//
// FieldWard runs on farm gateways that must keep working with no network
// connectivity. A single-file embedded database with WAL journaling gives
// durable per-row writes without an external database server.
//
// # Concurrency
//
// The pool is limited to a single connection because SQLite supports one
// writer. The command pipeline serialises per-device work above this layer
// and uses transactions for multi-table writes (device + command rows).
//
// # Usage
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/fieldward.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
