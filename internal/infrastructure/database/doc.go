// Package database provides the embedded SQLite store for the AirDry
// connectivity core: device registrations, sensor history, device logs
// and configs, and task assignments.
//
// The database runs in WAL mode so telemetry reads do not block task
// writes, with a single pooled connection matching SQLite's one-writer
// model. Schema migrations are embedded into the binary (see the
// migrations package) and applied additively on startup:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// New columns must be nullable or carry a default; MigrateDown exists
// for development only and production schemas never move backward.
package database
