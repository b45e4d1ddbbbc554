package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruftgo/ruft/pkg/endpoint"
	"github.com/ruftgo/ruft/pkg/metrics"
)

// Node is the election/heartbeat/replication engine. It owns the three
// pieces of durable or near-durable state described in the data model -
// the role state machine, the persistent metadata store, and the log -
// and drives them from one repeating timer whose delay and task are
// swapped out on every role transition.
//
// Locking follows a fixed order: remoteClients, then role, then meta.
// No method holds any of these locks while waiting on an RPC; RPC fan-out
// always reads what it needs under lock, releases, then calls the
// transport.
type Node struct {
	cfg Config

	remote *remoteClients
	roleMu sync.RWMutex
	role   RoleState

	meta *PersistentMeta
	log  *Log

	timer *RepeatTimer

	pendingMu sync.Mutex
	pending   map[uint64]chan CmdResp

	// applyMu serializes applyCommitted so the host state machine only
	// ever sees one Apply call in flight at a time, in strict index
	// order, even though HandleAppendEntries and advanceCommitIndex can
	// both reach it from different goroutines.
	applyMu     sync.Mutex
	lastApplied uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	started   bool
	stopped   bool
	lifeMu    sync.Mutex

	logger *zap.Logger
	rnd    *rand.Rand
}

// NewNode constructs a Node from cfg. It opens the persistent metadata
// store and the log under cfg.DataDir but does not yet start the timer
// or accept traffic - call Start for that.
func NewNode(cfg Config) (*Node, error) {
	meta, err := OpenPersistentMeta(cfg.DataDir, cfg.Members)
	if err != nil {
		return nil, err
	}
	log, err := OpenLog(cfg.DataDir)
	if err != nil {
		meta.Close()
		return nil, err
	}

	members := meta.Members()
	if len(members) == 0 {
		members = cfg.Members
	}

	n := &Node{
		cfg:     cfg,
		remote:  newRemoteClients(members),
		meta:    meta,
		log:     log,
		pending: make(map[uint64]chan CmdResp),
		stopCh:  make(chan struct{}),
		logger:  cfg.Logger,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(cfg.Self.ID)))),
	}
	if isLearnerIn(members, cfg.Self.ID) {
		n.role = NewLearner(meta.Term(), "")
	} else {
		n.role = NewFollower(meta.Term(), "", meta.VotedFor())
	}
	return n, nil
}

func isLearnerIn(members []endpoint.Endpoint, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return m.NonVoting
		}
	}
	return false
}

// Start begins the timer loop. Safe to call once; subsequent calls are
// no-ops.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		n.lifeMu.Lock()
		n.started = true
		n.lifeMu.Unlock()

		n.timer = NewRepeatTimer("node-timer", n.timerDelay, n.timerTask)
		n.logger.Info("node started",
			zap.String("id", n.cfg.Self.ID),
			zap.Uint64("term", n.getRole().Term()),
			zap.Int("members", n.remote.size()),
		)
	})
}

// Stop halts the timer and releases the metadata/log files. Safe to call
// more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.lifeMu.Lock()
		n.stopped = true
		n.lifeMu.Unlock()

		close(n.stopCh)
		if n.timer != nil {
			n.timer.Stop()
		}
		n.meta.Close()
		n.log.Close()
		n.logger.Info("node stopped", zap.String("id", n.cfg.Self.ID))
	})
}

func (n *Node) isStopped() bool {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	return n.stopped
}

// IsStopped reports whether Stop has been called on this node.
func (n *Node) IsStopped() bool { return n.isStopped() }

// getRole returns a copy of the current role state.
func (n *Node) getRole() RoleState {
	n.roleMu.RLock()
	defer n.roleMu.RUnlock()
	return n.role
}

// setRole replaces the role state wholesale and restarts the timer with
// the new role's delay/task pair.
func (n *Node) setRole(r RoleState) {
	n.roleMu.Lock()
	n.role = r
	n.roleMu.Unlock()
	if n.timer != nil {
		n.timer.Restart()
	}
}

// timerDelay implements the per-role delay-provider table: Candidate
// gets a uniform random 150-300ms spread (to desynchronize split votes),
// Follower/Learner get heartbeatInterval+50ms (give the leader a grace
// window past its own heartbeat cadence before declaring it dead), and
// Leader gets exactly heartbeatInterval.
func (n *Node) timerDelay() time.Duration {
	switch n.getRole().Kind {
	case RoleCandidate:
		return time.Duration(150+n.rnd.Intn(150)) * time.Millisecond
	case RoleLeader:
		return n.cfg.HeartbeatInterval
	default: // Follower, Learner
		return n.cfg.HeartbeatInterval + 50*time.Millisecond
	}
}

// timerTask implements the per-role task table: Follower and Candidate
// start (or restart) an election on timeout; Leader broadcasts a
// heartbeat/replication round; Learner only logs, since learner
// promotion is not implemented - membership changes are externally
// administered through updateMembers.
func (n *Node) timerTask() {
	switch n.getRole().Kind {
	case RoleFollower, RoleCandidate:
		n.startElection()
	case RoleLeader:
		n.broadcastAppendEntries()
	case RoleLearner:
		n.logger.Debug("learner timer fired, no leader contact", zap.String("id", n.cfg.Self.ID))
	}
}

// startElection runs the PreVote phase, and only if a majority would
// grant a real vote does it increment the term and request real votes.
// This keeps a partitioned node's term from climbing every election
// timeout while it cannot reach a quorum, per the PreVote extension.
func (n *Node) startElection() {
	role := n.getRole()
	term := role.Term()
	if !n.remote.isVoting(n.cfg.Self.ID) {
		// Membership may demote this node to learner between the timer
		// firing and this task running; a learner never campaigns.
		return
	}

	lastID, lastTerm := n.lastLogIDTerm()
	peers := n.remote.votingPeers(n.cfg.Self.ID)
	quorum := n.remote.quorumSize()

	n.logger.Info("starting pre-vote", zap.Uint64("term", term+1), zap.Int("peers", len(peers)))
	metrics.ElectionsStarted.Inc()

	if !n.runPreVotePhase(term, lastID, lastTerm, peers, quorum) {
		n.logger.Info("pre-vote did not reach quorum, staying in role", zap.Uint64("term", term))
		return
	}

	newTerm, err := n.meta.NextTerm()
	if err != nil {
		n.logger.Error("failed to persist new term", zap.Error(err))
		return
	}
	if err := n.meta.SetVotedFor(n.cfg.Self.ID); err != nil {
		n.logger.Error("failed to persist self vote", zap.Error(err))
		return
	}
	n.setRole(NewCandidate(newTerm, n.cfg.Self.ID))

	n.runRealVotePhase(newTerm, lastID, lastTerm, peers, quorum)
}

func (n *Node) runPreVotePhase(term, lastID, lastTerm uint64, peers []endpoint.Endpoint, quorum int) bool {
	type result struct{ granted bool }
	resultsCh := make(chan result, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			resp, err := n.cfg.Transport.PreVote(ctx, p.ID, &PreVoteRequest{
				Term:        term + 1,
				CandidateID: n.cfg.Self.ID,
				LastLogID:   lastID,
				LastLogTerm: lastTerm,
			})
			if err != nil {
				resultsCh <- result{granted: false}
				return
			}
			resultsCh <- result{granted: resp.VoteGranted}
		}()
	}

	granted := 1 // self
	responses := 0
	for responses < len(peers) {
		r := <-resultsCh
		responses++
		if r.granted {
			granted++
		}
		if granted >= quorum {
			return true
		}
	}
	return granted >= quorum
}

// recordVote updates the candidate's running vote tally in place. Like
// replicateToPeer's leader-index updates, this mutates n.role directly
// under the role lock instead of going through setRole: it is not a role
// transition, so it must not restart the election timer on every
// incoming vote. Returns false if the role changed underneath the
// caller (stepped down, or already promoted to Leader by a concurrent
// response) so the caller can stop processing.
func (n *Node) recordVote(term, count uint64) bool {
	n.roleMu.Lock()
	defer n.roleMu.Unlock()
	if n.role.Kind != RoleCandidate || n.role.Term() != term {
		return false
	}
	n.role = n.role.withVotes(count)
	return true
}

func (n *Node) runRealVotePhase(term, lastID, lastTerm uint64, peers []endpoint.Endpoint, quorum int) {
	votesCh := make(chan *RequestVoteResponse, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			resp, err := n.cfg.Transport.RequestVote(ctx, p.ID, &RequestVoteRequest{
				Term:        term,
				CandidateID: n.cfg.Self.ID,
				LastLogID:   lastID,
				LastLogTerm: lastTerm,
			})
			if err != nil {
				votesCh <- nil
				return
			}
			votesCh <- resp
		}()
	}

	granted := 1 // self
	responses := 0
	for responses < len(peers) {
		resp := <-votesCh
		responses++

		if resp == nil {
			continue
		}
		if resp.Term > term {
			n.stepDown(resp.Term)
			return
		}
		if resp.VoteGranted {
			granted++
			metrics.VotesGranted.Inc()
			if !n.recordVote(term, uint64(granted)) {
				return // role changed underneath us (stepped down, or already leader)
			}
		} else {
			metrics.VotesDenied.Inc()
		}
		if n.getRole().Kind != RoleCandidate || n.getRole().Term() != term {
			return // role changed underneath us (stepped down, or already leader)
		}
		if granted >= quorum {
			n.becomeLeader(term)
			return
		}
	}
}

// becomeLeader transitions to Leader for term and immediately appends a
// no-op entry, the standard technique for committing entries from prior
// terms promptly (a leader can only directly commit entries from its own
// term; the no-op gives it one right away instead of waiting for the
// first real client command).
func (n *Node) becomeLeader(term uint64) {
	if n.getRole().Kind != RoleCandidate || n.getRole().Term() != term {
		return
	}
	lastID, _ := n.lastLogIDTerm()
	peerIDs := make([]string, 0)
	for _, p := range n.remote.peers(n.cfg.Self.ID) {
		peerIDs = append(peerIDs, p.ID)
	}
	n.setRole(NewLeader(term, peerIDs, lastID))
	n.logger.Info("became leader", zap.Uint64("term", term), zap.String("id", n.cfg.Self.ID))

	noopID, err := n.meta.NextLogID()
	if err != nil {
		n.logger.Error("failed to assign no-op log id", zap.Error(err))
		return
	}
	if err := n.log.Append(LogEntry{LogID: noopID, Term: term, Command: nil}); err != nil {
		n.logger.Error("failed to append no-op entry", zap.Error(err))
		return
	}
	n.broadcastAppendEntries()
}

func (n *Node) stepDown(term uint64) {
	if err := n.meta.SetTerm(term); err != nil {
		n.logger.Error("failed to persist stepped-down term", zap.Error(err))
	}
	if n.remote.isVoting(n.cfg.Self.ID) {
		n.setRole(NewFollower(term, "", ""))
	} else {
		// A learner only leaves its role through a membership change.
		n.setRole(NewLearner(term, ""))
	}
	n.logger.Info("stepped down", zap.Uint64("term", term))
}

func (n *Node) lastLogIDTerm() (uint64, uint64) {
	if e, ok := n.log.Last(); ok {
		return e.LogID, e.Term
	}
	return 0, 0
}

// HandlePreVote grants a pre-vote without mutating any persisted state:
// no term bump, no votedFor write. A candidate only gets a real election
// off the ground once it has already collected a pre-vote majority.
func (n *Node) HandlePreVote(req *PreVoteRequest) *PreVoteResponse {
	currentTerm := n.meta.Term()
	if req.Term <= currentTerm || !n.remote.isVoting(n.cfg.Self.ID) {
		return &PreVoteResponse{Term: currentTerm, VoteGranted: false}
	}
	lastID, lastTerm := n.lastLogIDTerm()
	granted := logUpToDate(req.LastLogID, req.LastLogTerm, lastID, lastTerm)
	return &PreVoteResponse{Term: currentTerm, VoteGranted: granted}
}

// HandleRequestVote implements the standard safety rules: grant at most
// one vote per term, and only to a candidate whose log is at least as
// up to date as this node's.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	if req.Term > n.meta.Term() {
		n.stepDown(req.Term)
	}
	currentTerm := n.meta.Term()
	if req.Term < currentTerm {
		return &RequestVoteResponse{Term: currentTerm, VoteGranted: false}
	}
	if !n.remote.isVoting(n.cfg.Self.ID) {
		// A learner's vote is never solicited and must never count.
		return &RequestVoteResponse{Term: currentTerm, VoteGranted: false}
	}

	votedFor := n.meta.VotedFor()
	if votedFor != "" && votedFor != req.CandidateID {
		return &RequestVoteResponse{Term: currentTerm, VoteGranted: false}
	}

	lastID, lastTerm := n.lastLogIDTerm()
	if !logUpToDate(req.LastLogID, req.LastLogTerm, lastID, lastTerm) {
		return &RequestVoteResponse{Term: currentTerm, VoteGranted: false}
	}

	if err := n.meta.SetVotedFor(req.CandidateID); err != nil {
		n.logger.Error("failed to persist vote", zap.Error(err))
		return &RequestVoteResponse{Term: currentTerm, VoteGranted: false}
	}
	if n.getRole().Kind == RoleFollower {
		n.setRole(NewFollower(currentTerm, "", req.CandidateID))
	}
	return &RequestVoteResponse{Term: currentTerm, VoteGranted: true}
}

// logUpToDate implements Raft's log comparison: a higher term wins
// outright; on a term tie, the longer log wins.
func logUpToDate(candID, candTerm, ourID, ourTerm uint64) bool {
	if candTerm != ourTerm {
		return candTerm > ourTerm
	}
	return candID >= ourID
}

// HandleAppendEntries implements both heartbeat and replication: a
// request with no Entries is a pure heartbeat. Rejections carry
// ConflictLogID/ConflictTerm so the leader can jump straight past an
// entire conflicting term on its next attempt.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	if req.Term > n.meta.Term() {
		n.stepDown(req.Term)
	}
	currentTerm := n.meta.Term()
	if req.Term < currentTerm {
		return &AppendEntriesResponse{Term: currentTerm, Success: false}
	}

	role := n.getRole()
	switch role.Kind {
	case RoleCandidate:
		n.setRole(NewFollower(currentTerm, req.LeaderID, n.meta.VotedFor()))
	case RoleFollower:
		n.setRole(NewFollower(currentTerm, req.LeaderID, n.meta.VotedFor()))
	case RoleLearner:
		n.setRole(NewLearner(currentTerm, req.LeaderID))
	default:
		if n.timer != nil {
			n.timer.Restart()
		}
	}

	if req.PrevLogID > 0 {
		prevEntry, ok := n.log.Get(req.PrevLogID)
		if !ok || prevEntry.Term != req.PrevLogTerm {
			conflictID, conflictTerm := n.findConflictBacktrack(req.PrevLogID)
			return &AppendEntriesResponse{Term: currentTerm, Success: false, ConflictLogID: conflictID, ConflictTerm: conflictTerm}
		}
	}

	for _, e := range req.Entries {
		existing, ok := n.log.Get(e.LogID)
		if ok && existing.Term != e.Term {
			if err := n.log.TruncateAfter(e.LogID - 1); err != nil {
				n.logger.Error("failed to truncate conflicting log tail", zap.Error(err))
				return &AppendEntriesResponse{Term: currentTerm, Success: false}
			}
			ok = false
		}
		if !ok {
			if err := n.log.Append(e); err != nil {
				n.logger.Error("failed to append replicated entry", zap.Error(err))
				return &AppendEntriesResponse{Term: currentTerm, Success: false}
			}
		}
	}

	lastID, _ := n.lastLogIDTerm()
	if req.LeaderCommit > n.meta.CommitIndex() {
		newCommit := req.LeaderCommit
		if lastID < newCommit {
			newCommit = lastID
		}
		if err := n.meta.SetCommitIndex(newCommit); err != nil {
			n.logger.Error("failed to persist commit index", zap.Error(err))
		} else {
			n.applyCommitted()
		}
	}

	return &AppendEntriesResponse{Term: currentTerm, Success: true, MatchLogID: lastID}
}

func (n *Node) findConflictBacktrack(prevLogID uint64) (uint64, uint64) {
	entry, ok := n.log.Get(prevLogID)
	if !ok {
		lastID, _ := n.lastLogIDTerm()
		return lastID + 1, 0
	}
	conflictTerm := entry.Term
	conflictID := prevLogID
	for conflictID > 0 {
		e, ok := n.log.Get(conflictID - 1)
		if !ok || e.Term != conflictTerm {
			break
		}
		conflictID--
	}
	return conflictID, conflictTerm
}

// HandleInstallSnapshot restores the host state machine from a full
// snapshot and fast-forwards this node's log/commit bookkeeping past
// whatever the snapshot already covers.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	if req.Term > n.meta.Term() {
		n.stepDown(req.Term)
	}
	currentTerm := n.meta.Term()
	if req.Term < currentTerm {
		return &InstallSnapshotResponse{Term: currentTerm}
	}

	if err := n.cfg.StateMachine.Restore(req.Data); err != nil {
		n.logger.Error("failed to restore snapshot", zap.Error(err))
		return &InstallSnapshotResponse{Term: currentTerm}
	}
	if err := n.log.TruncateAfter(req.LastIncludedLogID); err != nil {
		n.logger.Error("failed to trim log after snapshot", zap.Error(err))
	}
	if err := n.meta.SetCommitIndex(req.LastIncludedLogID); err != nil {
		n.logger.Error("failed to persist commit index after snapshot", zap.Error(err))
	}
	n.lastApplied = req.LastIncludedLogID
	return &InstallSnapshotResponse{Term: currentTerm}
}

// broadcastAppendEntries sends a heartbeat/replication round to every
// peer in parallel, then advances the commit index once a majority has
// matched a given log id.
func (n *Node) broadcastAppendEntries() {
	role := n.getRole()
	if role.Kind != RoleLeader {
		return
	}
	peers := n.remote.peers(n.cfg.Self.ID)
	metrics.HeartbeatsSent.Add(float64(len(peers)))

	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.replicateToPeer(role.Term(), p)
		}()
	}
	wg.Wait()
	n.advanceCommitIndex(role.Term())
}

func (n *Node) replicateToPeer(term uint64, peer endpoint.Endpoint) {
	role := n.getRole()
	if role.Kind != RoleLeader || role.Term() != term {
		return
	}
	nextID := role.LeaderNextIndex[peer.ID]

	var prevTerm uint64
	if nextID > 1 {
		prevTerm = n.log.TermAt(nextID - 1)
	}
	entries := n.log.From(nextID - 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	resp, err := n.cfg.Transport.AppendEntries(ctx, peer.ID, &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.cfg.Self.ID,
		PrevLogID:    nextID - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.meta.CommitIndex(),
	})
	if err != nil {
		return // transient RPC failure, next heartbeat cycle retries
	}
	if resp.Term > term {
		n.stepDown(resp.Term)
		return
	}

	// The lock is released before calling out to promoteIfJoining (takes
	// remoteClients - remoteClients -> role -> meta is the only order,
	// never nested the other way round) or sendSnapshotTo (takes this
	// same role lock itself, so holding it across that call would
	// deadlock).
	n.roleMu.Lock()
	if n.role.Kind != RoleLeader || n.role.Term() != term {
		n.roleMu.Unlock()
		return
	}
	if resp.Success {
		n.role = n.role.withLeaderIndices(peer.ID, resp.MatchLogID+1, resp.MatchLogID)
		n.roleMu.Unlock()
		n.promoteIfJoining(peer.ID)
		return
	}

	// Rejected: back off using the conflict hint, or send a snapshot if
	// the leader has already trimmed past what the follower needs.
	newNext := resp.ConflictLogID
	if newNext == 0 {
		newNext = 1
	}
	_, haveConflictBase := n.log.Get(newNext - 1)
	needsSnapshot := !haveConflictBase && newNext > 1
	if !needsSnapshot {
		n.role = n.role.withLeaderIndices(peer.ID, newNext, n.role.LeaderMatchIndex[peer.ID])
	}
	n.roleMu.Unlock()
	if needsSnapshot {
		n.sendSnapshotTo(term, peer)
	}
}

// promoteIfJoining marks peer Active in the remoteClients table once it
// has successfully replicated at least one AppendEntries call, moving it
// out of Joining (the state a peer starts in after being added via
// UpdateMembers) without needing a separate joint-consensus round.
func (n *Node) promoteIfJoining(peerID string) {
	c, ok := n.remote.get(peerID)
	if !ok || c.State == RemoteClientActive {
		return
	}
	if err := n.remote.activate(peerID); err != nil {
		n.logger.Warn("failed to activate remote client", zap.String("peer", peerID), zap.Error(err))
	}
}

func (n *Node) sendSnapshotTo(term uint64, peer endpoint.Endpoint) {
	data, err := n.cfg.StateMachine.Snapshot()
	if err != nil {
		n.logger.Error("failed to snapshot state machine", zap.Error(err))
		return
	}
	lastID, lastTerm := n.lastLogIDTerm()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := n.cfg.Transport.InstallSnapshot(ctx, peer.ID, &InstallSnapshotRequest{
		Term:              term,
		LeaderID:          n.cfg.Self.ID,
		LastIncludedLogID: lastID,
		LastIncludedTerm:  lastTerm,
		Data:              data,
	})
	if err != nil {
		return
	}
	if resp.Term > term {
		n.stepDown(resp.Term)
		return
	}
	n.roleMu.Lock()
	defer n.roleMu.Unlock()
	if n.role.Kind == RoleLeader && n.role.Term() == term {
		n.role = n.role.withLeaderIndices(peer.ID, lastID+1, lastID)
	}
}

// advanceCommitIndex implements the Raft §5.4.2 safety rule: only commit an
// entry replicated to a majority if that entry was created in the
// leader's current term. Entries from earlier terms are committed
// transitively once a same-term entry commits past them.
func (n *Node) advanceCommitIndex(term uint64) {
	role := n.getRole()
	if role.Kind != RoleLeader || role.Term() != term {
		return
	}
	lastID, _ := n.lastLogIDTerm()
	matches := make([]uint64, 0, len(role.LeaderMatchIndex)+1)
	matches = append(matches, lastID) // self always matches its own log
	for id, m := range role.LeaderMatchIndex {
		// Learners replicate but their progress never moves the commit
		// index: a majority is a majority of voting members only.
		if n.remote.isVoting(id) {
			matches = append(matches, m)
		}
	}
	sortDesc(matches)

	quorum := n.remote.quorumSize()
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate <= n.meta.CommitIndex() {
		return
	}
	if n.log.TermAt(candidate) != term {
		return
	}
	if err := n.meta.SetCommitIndex(candidate); err != nil {
		n.logger.Error("failed to persist advanced commit index", zap.Error(err))
		return
	}
	n.applyCommitted()
}

func sortDesc(xs []uint64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] < xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// applyCommitted hands every newly committed entry to the host state
// machine in order and resolves any pending submit() waiting on it.
func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	commit := n.meta.CommitIndex()
	for n.lastApplied < commit {
		id := n.lastApplied + 1
		entry, ok := n.log.Get(id)
		if !ok {
			break
		}
		var result []byte
		var applyErr error
		if entry.Command != nil {
			result, applyErr = n.cfg.StateMachine.Apply(id, entry.Command)
		}
		n.lastApplied = id
		n.resolvePending(id, result, applyErr)
	}
}

func (n *Node) appliedAtLeast(index uint64) bool {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	return n.lastApplied >= index
}

func (n *Node) resolvePending(id uint64, result []byte, err error) {
	n.pendingMu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		ch <- CmdResp{Status: CmdSuccess, Err: err}
		return
	}
	ch <- CmdResp{Status: CmdSuccess, Result: result}
}

// Read serves a linearizable query without appending anything to the
// log: it captures the current commit index as a read barrier, confirms
// leadership is still held by exchanging a heartbeat round with a
// quorum (guarding against a stale leader that has already been
// partitioned away), waits for the apply loop to catch up to the
// barrier, then hands payload to the state machine's Reader.Query. The
// host state machine must implement Reader for this path to be used;
// callers that only need writes can ignore it entirely.
func (n *Node) Read(ctx context.Context, payload []byte) CmdResp {
	role := n.getRole()
	if role.Kind != RoleLeader {
		leaderID, _ := role.Leader()
		return CmdResp{Status: CmdNotLeader, LeaderHint: leaderID}
	}
	term := role.Term()
	readIndex := n.meta.CommitIndex()

	if !n.confirmLeadership(ctx, term) {
		return CmdResp{Status: CmdNotLeader}
	}

	for !n.appliedAtLeast(readIndex) {
		select {
		case <-ctx.Done():
			return CmdResp{Status: CmdRejectedTimeout, Err: ErrTimeout}
		case <-n.stopCh:
			return CmdResp{Status: CmdRejectedTimeout, Err: ErrStopped}
		case <-time.After(5 * time.Millisecond):
		}
	}

	reader, ok := n.cfg.StateMachine.(Reader)
	if !ok {
		return CmdResp{Status: CmdSuccess}
	}
	result, err := reader.Query(payload)
	if err != nil {
		return CmdResp{Status: CmdSuccess, Err: err}
	}
	return CmdResp{Status: CmdSuccess, Result: result}
}

// confirmLeadership exchanges one heartbeat round with every voting peer and
// reports whether a quorum (including self) acknowledged term, so a
// read barrier never trusts a leader that a network partition has
// already deposed in spirit even though it has not yet heard about it.
func (n *Node) confirmLeadership(ctx context.Context, term uint64) bool {
	peers := n.remote.votingPeers(n.cfg.Self.ID)
	quorum := n.remote.quorumSize()
	if quorum <= 1 {
		return true
	}

	lastID, lastTerm := n.lastLogIDTerm()
	acksCh := make(chan bool, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			rpcCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			resp, err := n.cfg.Transport.AppendEntries(rpcCtx, p.ID, &AppendEntriesRequest{
				Term:         term,
				LeaderID:     n.cfg.Self.ID,
				PrevLogID:    lastID,
				PrevLogTerm:  lastTerm,
				LeaderCommit: n.meta.CommitIndex(),
			})
			if err != nil {
				acksCh <- false
				return
			}
			if resp.Term > term {
				n.stepDown(resp.Term)
			}
			acksCh <- resp.Success && resp.Term == term
		}()
	}

	acks := 1 // self
	responses := 0
	for responses < len(peers) {
		if <-acksCh {
			acks++
		}
		responses++
		if acks >= quorum {
			return true
		}
	}
	return acks >= quorum
}

// Submit appends cmd to the log if this node is the leader, then waits
// (up to the given context's deadline) for it to commit and apply.
func (n *Node) Submit(ctx context.Context, req CmdReq) CmdResp {
	if n.isStopped() {
		return CmdResp{Status: CmdRejectedTimeout, Err: ErrStopped}
	}
	if req.Linearizable {
		return n.Read(ctx, req.Payload)
	}

	role := n.getRole()
	if role.Kind != RoleLeader {
		leaderID, _ := role.Leader()
		return CmdResp{Status: CmdNotLeader, LeaderHint: leaderID}
	}

	logID, err := n.meta.NextLogID()
	if err != nil {
		return CmdResp{Status: CmdSuccess, Err: err}
	}
	entry := LogEntry{LogID: logID, Term: role.Term(), Command: req.Payload}
	if err := n.log.Append(entry); err != nil {
		return CmdResp{Status: CmdSuccess, Err: err}
	}

	ch := make(chan CmdResp, 1)
	n.pendingMu.Lock()
	n.pending[logID] = ch
	n.pendingMu.Unlock()

	go n.broadcastAppendEntries()

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		n.pendingMu.Lock()
		delete(n.pending, logID)
		n.pendingMu.Unlock()
		return CmdResp{Status: CmdRejectedTimeout, Err: ErrTimeout}
	case <-n.stopCh:
		return CmdResp{Status: CmdRejectedTimeout, Err: ErrStopped}
	}
}

// UpdateMembers replaces cluster membership wholesale: the remoteClients
// lock is acquired first (lock order: remoteClients -> role -> meta),
// then the role and metadata store are updated to match.
func (n *Node) UpdateMembers(members []endpoint.Endpoint) error {
	n.remote.replace(members)
	n.logger.Info("membership updated",
		zap.String("id", n.cfg.Self.ID),
		zap.Int("members", len(n.remote.all())),
	)

	role := n.getRole()
	selfVoting := n.remote.isVoting(n.cfg.Self.ID)
	switch {
	case !selfVoting && role.Kind != RoleLearner:
		// Demoted to learner by the new membership: drop whatever role
		// this node held, keep following whoever it last considered
		// leader. A deposed leader's entries stay put; the next voting
		// leader replicates over them.
		leaderID, _ := role.Leader()
		n.setRole(NewLearner(role.Term(), leaderID))
		n.logger.Info("demoted to learner by membership change",
			zap.String("id", n.cfg.Self.ID), zap.Uint64("term", role.Term()))
	case selfVoting && role.Kind == RoleLearner:
		// Promoted back to a voting member: rejoin as follower and let
		// the normal election timeout take it from there.
		n.setRole(NewFollower(role.Term(), role.LearnerLeader, n.meta.VotedFor()))
		n.logger.Info("promoted to voting member by membership change",
			zap.String("id", n.cfg.Self.ID), zap.Uint64("term", role.Term()))
	case role.Kind == RoleLeader:
		peerIDs := make([]string, 0, len(members))
		for _, m := range members {
			if m.ID != n.cfg.Self.ID {
				peerIDs = append(peerIDs, m.ID)
			}
		}
		lastID, _ := n.lastLogIDTerm()
		next := NewLeader(role.Term(), peerIDs, lastID)
		for _, id := range peerIDs {
			if v, ok := role.LeaderMatchIndex[id]; ok {
				next = next.withLeaderIndices(id, role.LeaderNextIndex[id], v)
			}
		}
		n.setRole(next)
	}
	return n.meta.UpdateMembers(members)
}

// CurrentTerm returns the node's current term.
func (n *Node) CurrentTerm() uint64 { return n.meta.Term() }

// RoleKind returns the node's current role, or RoleShutdown once Stop has
// been called, per the public facade's state() contract.
func (n *Node) RoleKind() RoleKind {
	if n.isStopped() {
		return RoleShutdown
	}
	return n.getRole().Kind
}

// IsLeader reports whether the node currently believes itself to be
// leader.
func (n *Node) IsLeader() bool { return n.getRole().Kind == RoleLeader }

// Self returns this node's own endpoint.
func (n *Node) Self() endpoint.Endpoint { return n.cfg.Self }

// CommitIndex returns the highest log id known to be committed.
func (n *Node) CommitIndex() uint64 { return n.meta.CommitIndex() }

// CommittedEntries returns a copy of every log entry at or below the
// current commit index, for test harnesses checking cross-node safety
// invariants. It is not used by the engine itself.
func (n *Node) CommittedEntries() []LogEntry {
	commit := n.meta.CommitIndex()
	entries := n.log.From(0)
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.LogID <= commit {
			out = append(out, e)
		}
	}
	return out
}
