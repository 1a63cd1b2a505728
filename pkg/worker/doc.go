// Package worker is the manager-side half of the worker registry (spec
// component C9): it owns the worker_auth_tokens table and the business
// logic behind the two endpoints a GPU worker agent calls home to —
// register (bootstrap-or-bearer) and heartbeat (metrics ingestion). It
// does not dial workers; the probing side of the relationship (readyz,
// /v1/models, /info) lives in pkg/jobs, which plays the client role
// against the same agent.
//
// Token issuance follows the same random-bytes-then-hex idiom as the
// teacher's join-token manager, generalized from an in-memory map to a
// database-backed, per-instance credential: one token per instance_id,
// emitted in plaintext exactly once at bootstrap and verified
// thereafter by comparing hashes.
package worker
