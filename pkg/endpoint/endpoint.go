// Package endpoint identifies a cluster member and carries the address the
// transport dials to reach it.
package endpoint

import "fmt"

// Endpoint is the stable identity of one cluster member: an opaque ID plus
// the network address the transport uses to reach it. Endpoints are value
// types - compared and hashed by ID, not by address, so that a member's
// address can change (redeploy, DNS update) without changing its identity
// in the membership list or in votedFor/leader bookkeeping.
type Endpoint struct {
	ID   string
	Addr string
	// NonVoting marks a learner: a member that receives replication but
	// does not count toward quorum and cannot win elections. Voting
	// status travels with the membership entry so it survives restarts
	// and membership replacements without separate bookkeeping.
	NonVoting bool
}

// New builds a voting Endpoint from an id and dial address.
func New(id, addr string) Endpoint {
	return Endpoint{ID: id, Addr: addr}
}

// NewLearner builds a non-voting Endpoint.
func NewLearner(id, addr string) Endpoint {
	return Endpoint{ID: id, Addr: addr, NonVoting: true}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.ID, e.Addr)
}

// IsZero reports whether e is the zero Endpoint (no identity assigned).
func (e Endpoint) IsZero() bool {
	return e.ID == ""
}

// Equal compares endpoints by ID only, per the identity contract above.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.ID == other.ID
}

// Set is a small unordered collection of endpoints keyed by ID, used for
// the cluster membership list carried by PersistentMeta and by remote
// client bookkeeping.
type Set struct {
	byID map[string]Endpoint
}

// NewSet builds a Set from a slice of endpoints, last write wins on
// duplicate IDs.
func NewSet(members []Endpoint) Set {
	s := Set{byID: make(map[string]Endpoint, len(members))}
	for _, m := range members {
		s.byID[m.ID] = m
	}
	return s
}

func (s Set) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

func (s Set) Get(id string) (Endpoint, bool) {
	e, ok := s.byID[id]
	return e, ok
}

func (s Set) Len() int { return len(s.byID) }

// Slice returns the members in a stable, deterministic order (sorted by
// ID) so callers can diff or log membership without nondeterministic map
// iteration order leaking through.
func (s Set) Slice() []Endpoint {
	out := make([]Endpoint, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	sortEndpoints(out)
	return out
}

func sortEndpoints(eps []Endpoint) {
	for i := 1; i < len(eps); i++ {
		for j := i; j > 0 && eps[j-1].ID > eps[j].ID; j-- {
			eps[j-1], eps[j] = eps[j], eps[j-1]
		}
	}
}

// QuorumSize returns the minimum number of votes (including the local
// node, when it is itself a voting member) needed to reach a majority of
// the voting members of s. Learners are not counted.
func (s Set) QuorumSize() int {
	voting := 0
	for _, e := range s.byID {
		if !e.NonVoting {
			voting++
		}
	}
	return voting/2 + 1
}

// With returns a new Set containing an additional member.
func (s Set) With(e Endpoint) Set {
	next := make(map[string]Endpoint, len(s.byID)+1)
	for k, v := range s.byID {
		next[k] = v
	}
	next[e.ID] = e
	return Set{byID: next}
}

// Without returns a new Set with the given ID removed.
func (s Set) Without(id string) Set {
	next := make(map[string]Endpoint, len(s.byID))
	for k, v := range s.byID {
		if k != id {
			next[k] = v
		}
	}
	return Set{byID: next}
}
