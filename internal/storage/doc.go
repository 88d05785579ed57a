// Package storage persists what must survive a restart:
//
//   - Credential bundles, one per session id. These are the only durable
//     session state; the in-memory directory is rebuilt by re-pairing.
//   - A lifecycle audit trail (paired/linked/closed/logged-out events).
//
// Two drivers: "sqlite" (default) and "file" (dependency-free fallback).
package storage
