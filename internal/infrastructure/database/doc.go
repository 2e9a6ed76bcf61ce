// Package database opens the merossd SQLite store and manages its schema.
//
// The store holds device descriptors, so devices found at runtime (hub
// subdevices in particular) survive a restart, and the capability state
// history recorded from device events. Nothing secret is written: the
// Meross signing key stays in config and the environment.
//
// The pool is a single connection in WAL mode with a busy timeout, which
// suits one process writing history while the API reads it.
//
// Schema files live in the top-level migrations package and are named
// YYYYMMDD_HHMMSS_name.up.sql with an optional matching .down.sql:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
