/*
Package storage provides BoltDB-backed persistence for the job store:
the job table plus append-only telemetry, audit, and approval logs.

# Architecture

icarusd uses BoltDB (bbolt) for embedded, transactional storage with
zero external dependencies and no separate database process to run:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│  BoltStore                                                │
	│  - File: <dataDir>/icarusd.db                             │
	│  - Buckets: jobs, telemetry, audit, approvals             │
	│  - Read: db.View()   Write: db.Update()                   │
	└────────────────────────────────────────────────────────┘

# Bucket layout

  - jobs: one entry per Job, keyed by job ID, JSON-encoded.
  - telemetry: append-only, keyed by "<jobID>/<zero-padded sequence>" so a
    prefix scan over a job's telemetry returns samples in sampler-loop
    order.
  - audit: same keying as telemetry; AppendAudit appends, LatestAudit
    returns the last entry by key order.
  - approvals: one entry per job ID (a job is approved/rejected exactly
    once from awaiting_approval).

# Status-transition atomicity

UpdateStatus is a single db.Update transaction that reads the current
job, rejects the write if the current status is already terminal or if
the requested status is not a legal successor in the job status state
machine, and otherwise writes the new status plus CompletedAt when the
new status is terminal -- all inside one bbolt write transaction, so
concurrent readers never observe a torn update.
*/
package storage
