package raft

// StateMachine is the host collaborator the engine drives: every
// committed log entry with a non-nil command is handed to Apply, in log
// order, once per run of the engine; entries with a nil command (the
// leader's no-op) are skipped.
// The engine does not interpret Payload; it is opaque bytes chosen by
// whatever command encoding the host uses.
type StateMachine interface {
	Apply(logID uint64, payload []byte) ([]byte, error)
	// Snapshot returns a full, self-contained serialization of current
	// state, used to build an InstallSnapshot payload for a follower
	// that has fallen behind the leader's retained log window.
	Snapshot() ([]byte, error)
	// Restore replaces all state with the contents of a snapshot
	// previously produced by Snapshot (possibly on another node).
	Restore(data []byte) error
}

// Reader is an optional StateMachine capability for read-only queries
// that must observe linearizable state without themselves becoming a
// log entry. Node.Read type-asserts for it after clearing the
// read-index barrier; a StateMachine that only ever serves writes
// through Apply need not implement it.
type Reader interface {
	Query(payload []byte) ([]byte, error)
}
