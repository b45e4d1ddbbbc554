package rafttest

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ruftgo/ruft/pkg/kv"
	"github.com/ruftgo/ruft/pkg/raft"
)

// InvariantViolation describes one broken safety property. The checker
// works against raft.LogEntry rather than any particular command type,
// so it applies to any host state machine.
type InvariantViolation struct {
	Type        string
	Description string
}

// InvariantChecker accumulates committed entries reported by every node
// in a cluster and checks them against the log-matching and commit
// safety properties a correct engine must never violate.
type InvariantChecker struct {
	mu         sync.Mutex
	byNode     map[string][]raft.LogEntry
	violations []InvariantViolation
}

func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{byNode: make(map[string][]raft.LogEntry)}
}

// Collect records the committed entries currently known to each node.
// Call it after the cluster has quiesced (e.g. via WaitForStableLeader)
// since a node's committed view only grows monotonically within a term.
func (ic *InvariantChecker) Collect(cluster *Cluster) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, n := range cluster.Nodes {
		ic.byNode[n.Self().ID] = n.CommittedEntries()
	}
}

// Check runs every safety property and returns whether all passed.
func (ic *InvariantChecker) Check() (bool, []InvariantViolation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.violations = nil
	ic.checkLogMatching()
	ic.checkMonotonicCommit()
	return len(ic.violations) == 0, ic.violations
}

// checkLogMatching verifies that no two nodes disagree about the term
// or command bytes committed at the same log id - the core Raft safety
// property (S5.4.2 in the usual numbering).
func (ic *InvariantChecker) checkLogMatching() {
	byID := make(map[uint64]map[string]raft.LogEntry)
	for nodeID, entries := range ic.byNode {
		for _, e := range entries {
			if byID[e.LogID] == nil {
				byID[e.LogID] = make(map[string]raft.LogEntry)
			}
			byID[e.LogID][nodeID] = e
		}
	}

	for logID, perNode := range byID {
		var refNode string
		var ref raft.LogEntry
		haveRef := false
		for nodeID, e := range perNode {
			if !haveRef {
				refNode, ref, haveRef = nodeID, e, true
				continue
			}
			if e.Term != ref.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "LOG_MATCHING_TERM",
					Description: fmt.Sprintf("log id %d: node %s has term %d, node %s has term %d",
						logID, refNode, ref.Term, nodeID, e.Term),
				})
			}
			if !bytes.Equal(e.Command, ref.Command) {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "LOG_MATCHING_COMMAND",
					Description: fmt.Sprintf("log id %d: node %s and node %s committed different command bytes",
						logID, refNode, nodeID),
				})
			}
		}
	}
}

// checkMonotonicCommit verifies that each node's own committed sequence
// never regresses (log ids reported strictly increase).
func (ic *InvariantChecker) checkMonotonicCommit() {
	for nodeID, entries := range ic.byNode {
		var last uint64
		for _, e := range entries {
			if e.LogID <= last {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "NON_MONOTONIC_COMMIT",
					Description: fmt.Sprintf("node %s committed log id %d after %d", nodeID, e.LogID, last),
				})
			}
			last = e.LogID
		}
	}
}

// Reset clears all recorded state, for reuse across sub-tests.
func (ic *InvariantChecker) Reset() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.byNode = make(map[string][]raft.LogEntry)
	ic.violations = nil
}

// CompareStores checks that every store's final key/value state agrees,
// the end-to-end correctness property the per-node log invariants exist
// to protect.
func CompareStores(stores []*kv.Store) (bool, []string) {
	if len(stores) == 0 {
		return true, nil
	}
	var diffs []string
	ref := stores[0].GetAll()
	for i := 1; i < len(stores); i++ {
		state := stores[i].GetAll()
		for k, v := range ref {
			got, ok := state[k]
			if !ok {
				diffs = append(diffs, fmt.Sprintf("store %d missing key %q", i, k))
			} else if !bytes.Equal(got, v) {
				diffs = append(diffs, fmt.Sprintf("store %d has %q=%q, want %q", i, k, got, v))
			}
		}
		for k := range state {
			if _, ok := ref[k]; !ok {
				diffs = append(diffs, fmt.Sprintf("store %d has unexpected key %q", i, k))
			}
		}
	}
	return len(diffs) == 0, diffs
}
