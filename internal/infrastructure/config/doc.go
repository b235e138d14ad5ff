// Package config handles loading, validating and persisting relay
// configuration snapshots.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//   - Immutable snapshot semantics for runtime mutation
//
// A Snapshot is never mutated in place after publication. The configuration
// controller clones the current snapshot, applies a mutation, and swaps the
// new snapshot in atomically. Each published snapshot carries an Epoch tag
// used to invalidate cached filter decisions in bulk.
//
// Security Considerations:
//   - Credentials should be set via LOXRELAY_* environment variables
//   - The config file is written with 0600 permissions
//   - Redacted() strips credentials before any outward-facing response
//
// Usage:
//
//	store := config.NewStore("config/config.yaml")
//	snap, err := store.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(snap.General.BaseTopic)
package config
