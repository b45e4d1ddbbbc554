package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ruftgo/ruft/pkg/raft"
)

// MessageRecord logs one RPC attempted over a Local transport, for
// tests asserting on message-level behavior (drop rate, fan-out
// counts) rather than just the resulting election/replication outcome.
type MessageRecord struct {
	Time      time.Time
	From      string
	To        string
	Method    string
	Delivered bool
	Dropped   bool
}

// Local is an in-memory Transport for tests: it calls a registered
// peer's Handler directly instead of going over the network, optionally
// with injected latency, partitions, and random message loss.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]raft.Handler
	disabled map[string]map[string]bool
	latency  time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	dropRate float64
	rngMu    sync.Mutex
	rng      *rand.Rand

	msgMu    sync.Mutex
	messages []MessageRecord
}

// NewLocal builds an empty Local transport; register nodes with
// Register before use.
func NewLocal() *Local {
	return &Local{
		handlers: make(map[string]raft.Handler),
		disabled: make(map[string]map[string]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDropRate makes every call independently fail with probability p
// (0 <= p <= 1), simulating a lossy network without a full partition.
func (t *Local) SetDropRate(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropRate = p
}

// SetDelayRange replaces the fixed SetLatency delay with a uniformly
// random delay in [min, max) applied independently per call, for tests
// exercising timing-sensitive election behavior under jitter.
func (t *Local) SetDelayRange(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = 0
	t.minDelay, t.maxDelay = min, max
}

func (t *Local) delay() time.Duration {
	if t.maxDelay > t.minDelay {
		t.rngMu.Lock()
		n := t.rng.Int63n(int64(t.maxDelay - t.minDelay))
		t.rngMu.Unlock()
		return t.minDelay + time.Duration(n)
	}
	if t.latency > 0 {
		return t.latency
	}
	return t.minDelay
}

func (t *Local) randFloat64() float64 {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Float64()
}

// MessageHistory returns every RPC attempted so far, in call order.
func (t *Local) MessageHistory() []MessageRecord {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	out := make([]MessageRecord, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Local) record(from, to, method string, delivered, dropped bool) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.messages = append(t.messages, MessageRecord{Time: time.Now(), From: from, To: to, Method: method, Delivered: delivered, Dropped: dropped})
}

// Register makes id's handler reachable over this transport.
func (t *Local) Register(id string, h raft.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// SetLatency adds a fixed artificial delay before every call.
func (t *Local) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Partition isolates id from every other registered node, in both
// directions.
func (t *Local) Partition(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for other := range t.handlers {
		if other == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		if t.disabled[other] == nil {
			t.disabled[other] = make(map[string]bool)
		}
		t.disabled[id][other] = true
		t.disabled[other][id] = true
	}
}

// Heal restores every connection to and from id.
func (t *Local) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[string]bool)
	for other := range t.disabled {
		delete(t.disabled[other], id)
	}
}

// HealAll clears every partition.
func (t *Local) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *Local) connected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *Local) call(ctx context.Context, from, target, method string) (raft.Handler, error) {
	t.mu.RLock()
	h, ok := t.handlers[target]
	connected := t.connected(from, target)
	latency := t.delay()
	dropRate := t.dropRate
	t.mu.RUnlock()

	if !ok || !connected {
		t.record(from, target, method, false, false)
		return nil, raft.ErrUnknownPeer
	}
	if dropRate > 0 && t.randFloat64() < dropRate {
		t.record(from, target, method, false, true)
		return nil, raft.ErrTimeout
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.record(from, target, method, true, false)
	return h, nil
}

func (t *Local) PreVote(ctx context.Context, target string, req *raft.PreVoteRequest) (*raft.PreVoteResponse, error) {
	h, err := t.call(ctx, req.CandidateID, target, "PreVote")
	if err != nil {
		return nil, err
	}
	return h.HandlePreVote(req), nil
}

func (t *Local) RequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	h, err := t.call(ctx, req.CandidateID, target, "RequestVote")
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(req), nil
}

func (t *Local) AppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	h, err := t.call(ctx, req.LeaderID, target, "AppendEntries")
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(req), nil
}

func (t *Local) InstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	h, err := t.call(ctx, req.LeaderID, target, "InstallSnapshot")
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(req), nil
}
