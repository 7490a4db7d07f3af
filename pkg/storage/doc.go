/*
Package storage provides the BoltDB-backed release registry.

The registry is the durable record of what switchyard has done to the host:
which version each environment runs and in which lifecycle state, every
release attempt with its state transitions, and every restore drill result.
It does not decide which environment is active; that fact lives in the proxy
configuration and is read by the traffic package.

# Buckets

	┌──────────────────────────────────────────────┐
	│ <DataDir>/switchyard.db                      │
	│                                              │
	│   environments   key: blue | green           │
	│   releases       key: release ID (uuid)      │
	│   drills         key: drill ID (uuid)        │
	└──────────────────────────────────────────────┘

Values are JSON-encoded types.EnvironmentRecord, types.Release and
types.DrillResult. Lists are returned newest first by StartedAt.

# Concurrency

bbolt holds an exclusive file lock while a database is open for writing.
BoltStore therefore opens the file per transaction: reads take a shared lock
and writes an exclusive one, each held only for the duration of the
transaction. Serializing whole releases is the job of the release lock in
the deploy package, not of the registry.
*/
package storage
