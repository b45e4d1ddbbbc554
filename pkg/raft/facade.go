package raft

import (
	"context"

	"github.com/ruftgo/ruft/pkg/endpoint"
)

// Ruft is the public facade: a cheap-to-clone handle wrapping one Node.
// Cloning a Ruft never copies the engine itself, only the pointer to it,
// so the same running node can be handed to a transport server, a CLI
// command, and test code without any of them needing to coordinate
// ownership.
type Ruft struct {
	node *Node
}

// New builds a Ruft facade around a freshly constructed Node.
func New(cfg Config) (Ruft, error) {
	n, err := NewNode(cfg)
	if err != nil {
		return Ruft{}, err
	}
	return Ruft{node: n}, nil
}

// Start begins the node's timer loop.
func (r Ruft) Start() {
	r.node.Start()
}

// Stop halts the node and releases its files.
func (r Ruft) Stop() {
	r.node.Stop()
}

// Submit forwards a command to the underlying node.
func (r Ruft) Submit(ctx context.Context, req CmdReq) CmdResp {
	return r.node.Submit(ctx, req)
}

// UpdateMembers forwards a membership change to the underlying node.
func (r Ruft) UpdateMembers(members []endpoint.Endpoint) error {
	return r.node.UpdateMembers(members)
}

// CurrentTerm returns the underlying node's current term.
func (r Ruft) CurrentTerm() uint64 {
	return r.node.CurrentTerm()
}

// State returns the underlying node's current role.
func (r Ruft) State() RoleKind {
	return r.node.RoleKind()
}

// IsLeader reports whether the underlying node currently believes itself
// to be leader.
func (r Ruft) IsLeader() bool {
	return r.node.IsLeader()
}

// Handler exposes the underlying node as an RPC Handler, for wiring into
// a transport server.
func (r Ruft) Handler() Handler {
	return r.node
}

// Self returns this node's own endpoint.
func (r Ruft) Self() endpoint.Endpoint {
	return r.node.Self()
}

// CommitIndex returns the underlying node's current commit index.
func (r Ruft) CommitIndex() uint64 {
	return r.node.CommitIndex()
}

// CommittedEntries returns a copy of every log entry the underlying
// node currently considers committed, for test harnesses checking
// cross-node safety invariants.
func (r Ruft) CommittedEntries() []LogEntry {
	return r.node.CommittedEntries()
}
