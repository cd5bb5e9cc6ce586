// Package audit computes field-level diffs between two states of an object and
// records them as append-only audit entries.
//
// # Overview
//
// A caller supplies a before-state and an after-state (flat JSON objects),
// the origin and user agent of the request, and optionally a set of field
// names to ignore. ComputeChanges produces a ChangeSet; a Store assigns the
// record a UUIDv7 and appends it.
//
// # Diff Semantics
//
// Only keys of the before-state are examined, in their original order. A key
// that only exists in the after-state is never reported. A key missing from
// the after-state is compared as null. Changed values are recorded as
// strings, with null rendered as "":
//
//	before := audit.ObjectOf("name", "Alice", "age", 30)
//	after := audit.ObjectOf("name", "Bob", "age", 30)
//	changes := audit.ComputeChanges(before, after, nil)
//	// {"name": {"old": "Alice", "new": "Bob"}}
//
// # Storage
//
// MemoryStore is the in-process default. Durable implementations live under
// pkg/storage and are selected with storage.Open.
//
//	svc := audit.NewService(audit.NewMemoryStore(), audit.WithLogger(logger))
//	rec, err := svc.CreateAudit(ctx, audit.CreateAuditRequest{...})
//
// # HTTP API
//
//	POST /audit          create a record, 201 with {"status","message","data"}
//	GET  /audit          list all records in save order
//	GET  /audit/export   full listing as json, ndjson or csv
//
// # Related Packages
//
//   - pkg/storage: durable Store implementations
//   - pkg/archive: scheduled S3 snapshots of the listing
package audit
