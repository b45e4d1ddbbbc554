package raft

import (
	"fmt"
	"sync"

	"github.com/ruftgo/ruft/pkg/endpoint"
)

// RemoteClientState tracks a peer's membership lifecycle, distinct from
// (and longer-lived than) the per-term nextIndex/matchIndex a Leader
// role tracks for replication. A peer stays Joining for the window
// between being added to membership and the leader's first successful
// AppendEntries to it. RemoteClientLeaving is defined but never
// assigned: replace drops a removed member from the table at once.
type RemoteClientState int

const (
	RemoteClientActive RemoteClientState = iota
	RemoteClientJoining
	RemoteClientLeaving
)

func (s RemoteClientState) String() string {
	switch s {
	case RemoteClientActive:
		return "active"
	case RemoteClientJoining:
		return "joining"
	case RemoteClientLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// RemoteClient is one entry in the node's view of its peers.
type RemoteClient struct {
	Endpoint endpoint.Endpoint
	State    RemoteClientState
}

// remoteClients is the outermost lock in the engine's lock order
// (remoteClients -> role -> meta): updateMembers takes it first, then
// the role lock, then the metadata store, and no code path ever
// acquires them out of that order or upgrades a held read lock to a
// write lock in place.
type remoteClients struct {
	mu      sync.RWMutex
	clients map[string]*RemoteClient
}

func newRemoteClients(members []endpoint.Endpoint) *remoteClients {
	rc := &remoteClients{clients: make(map[string]*RemoteClient, len(members))}
	for _, m := range members {
		rc.clients[m.ID] = &RemoteClient{Endpoint: m, State: RemoteClientActive}
	}
	return rc
}

func (rc *remoteClients) peers(selfID string) []endpoint.Endpoint {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]endpoint.Endpoint, 0, len(rc.clients))
	for id, c := range rc.clients {
		if id != selfID {
			out = append(out, c.Endpoint)
		}
	}
	return out
}

func (rc *remoteClients) all() []endpoint.Endpoint {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]endpoint.Endpoint, 0, len(rc.clients))
	for _, c := range rc.clients {
		out = append(out, c.Endpoint)
	}
	return out
}

func (rc *remoteClients) get(id string) (*RemoteClient, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	c, ok := rc.clients[id]
	return c, ok
}

// votingPeers returns every voting member except selfID. Learners
// receive replication through peers() but are never solicited for votes
// and never counted toward quorum.
func (rc *remoteClients) votingPeers(selfID string) []endpoint.Endpoint {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]endpoint.Endpoint, 0, len(rc.clients))
	for id, c := range rc.clients {
		if id != selfID && !c.Endpoint.NonVoting {
			out = append(out, c.Endpoint)
		}
	}
	return out
}

// isVoting reports whether id is a voting member of the current
// membership. Unknown ids are reported non-voting.
func (rc *remoteClients) isVoting(id string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	c, ok := rc.clients[id]
	return ok && !c.Endpoint.NonVoting
}

// quorumSize is the strict majority of voting members.
func (rc *remoteClients) quorumSize() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	voting := 0
	for _, c := range rc.clients {
		if !c.Endpoint.NonVoting {
			voting++
		}
	}
	return voting/2 + 1
}

func (rc *remoteClients) size() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.clients)
}

// replace wholesale swaps the membership list: endpoints new to members
// start Joining, entries already present in both keep their current
// state, and endpoints absent from members are dropped immediately (none
// is marked Leaving).
func (rc *remoteClients) replace(members []endpoint.Endpoint) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	next := make(map[string]*RemoteClient, len(members))
	for _, m := range members {
		if existing, ok := rc.clients[m.ID]; ok {
			next[m.ID] = &RemoteClient{Endpoint: m, State: existing.State}
		} else {
			next[m.ID] = &RemoteClient{Endpoint: m, State: RemoteClientJoining}
		}
	}
	rc.clients = next
}

func (rc *remoteClients) activate(id string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	c, ok := rc.clients[id]
	if !ok {
		return fmt.Errorf("remote client %s not found", id)
	}
	c.State = RemoteClientActive
	return nil
}
