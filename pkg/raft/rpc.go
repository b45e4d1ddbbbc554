package raft

import "context"

// LogEntry is one record in the replicated log: an id (monotonically
// assigned by the leader that created it), the term it was created in,
// and an opaque command payload interpreted only by the host state
// machine.
type LogEntry struct {
	LogID   uint64
	Term    uint64
	Command []byte
}

// PreVoteRequest asks a peer whether it would grant a vote, without
// actually incrementing the sender's term or recording a real vote. Used
// to avoid a partitioned node's term climbing unboundedly and disrupting
// the cluster when it rejoins.
type PreVoteRequest struct {
	Term        uint64
	CandidateID string
	LastLogID   uint64
	LastLogTerm uint64
}

type PreVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// RequestVoteRequest is a real vote request: granting it persists
// votedFor for the term.
type RequestVoteRequest struct {
	Term        uint64
	CandidateID string
	LastLogID   uint64
	LastLogTerm uint64
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest both replicates log entries and serves as the
// heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogID    uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// ConflictLogID/ConflictTerm let the leader skip past an entire
	// conflicting term in one round trip instead of backing off one
	// entry at a time.
	ConflictLogID uint64
	ConflictTerm  uint64
	// MatchLogID is the follower's log id after applying this call,
	// reported back so the leader can advance matchIndex precisely even
	// when entries were appended out of the common case.
	MatchLogID uint64
}

// InstallSnapshotRequest transfers a full state machine snapshot to a
// follower whose log window the leader has already trimmed past.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderID          string
	LastIncludedLogID uint64
	LastIncludedTerm  uint64
	Data              []byte
}

type InstallSnapshotResponse struct {
	Term uint64
}

// Transport is the RPC surface a Node drives elections and replication
// over. Every method is client-side: it sends a request to target and
// waits for target's response, or returns an error if target could not
// be reached within ctx's deadline.
type Transport interface {
	PreVote(ctx context.Context, target string, req *PreVoteRequest) (*PreVoteResponse, error)
	RequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, target string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// Handler is the server-side counterpart a transport dispatches incoming
// RPCs to. *Node implements Handler.
type Handler interface {
	HandlePreVote(req *PreVoteRequest) *PreVoteResponse
	HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse
	HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse
	HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse
}

// CmdReq is a client command submitted to the public facade.
type CmdReq struct {
	RequestID string
	Payload   []byte
	// Linearizable requests a read-index barrier before Payload is
	// interpreted as a read against the host state machine; ignored for
	// writes, which are always linearizable by virtue of going through
	// the log.
	Linearizable bool
}

// CmdRespStatus classifies how a submitted command was resolved.
type CmdRespStatus int

const (
	CmdSuccess CmdRespStatus = iota
	CmdNotLeader
	CmdRejectedTimeout
)

// CmdResp is the outcome of a submitted CmdReq.
type CmdResp struct {
	Status CmdRespStatus
	Result []byte
	// LeaderHint carries the last known leader's endpoint ID when
	// Status is CmdNotLeader, so the caller can retry directly against
	// it instead of round-robining the cluster.
	LeaderHint string
	Err        error
}
