package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruftgo/ruft/pkg/endpoint"
)

// noopStateMachine discards every command; tests that only exercise the
// election/replication surface don't need a real host.
type noopStateMachine struct{}

func (noopStateMachine) Apply(uint64, []byte) ([]byte, error) { return nil, nil }

func (noopStateMachine) Snapshot() ([]byte, error) { return nil, nil }

func (noopStateMachine) Restore([]byte) error { return nil }

// unreachableTransport fails every RPC, as if every peer were
// partitioned away - enough to unit test the server-side handlers
// without a live cluster.
type unreachableTransport struct{}

func (unreachableTransport) PreVote(context.Context, string, *PreVoteRequest) (*PreVoteResponse, error) {
	return nil, ErrUnknownPeer
}
func (unreachableTransport) RequestVote(context.Context, string, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, ErrUnknownPeer
}
func (unreachableTransport) AppendEntries(context.Context, string, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, ErrUnknownPeer
}
func (unreachableTransport) InstallSnapshot(context.Context, string, *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return nil, ErrUnknownPeer
}

func newTestNode(t *testing.T, self endpoint.Endpoint, members []endpoint.Endpoint) *Node {
	dir := t.TempDir()
	cfg := NewConfigBuilder(self).
		Members(members).
		DataDir(dir).
		Logger(zap.NewNop()).
		StateMachine(noopStateMachine{}).
		Transport(unreachableTransport{}).
		Build()
	n, err := NewNode(cfg)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n
}

// TestDuplicateVoteRejection: a second RequestVote for the same term
// from a different candidate must be denied once a vote has already
// been granted.
func TestDuplicateVoteRejection(t *testing.T) {
	self := endpoint.New("n", "n:1")
	members := []endpoint.Endpoint{self, endpoint.New("a", "a:1"), endpoint.New("b", "b:1")}
	n := newTestNode(t, self, members)

	require.NoError(t, n.meta.SetTerm(5))

	first := n.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: "a"})
	require.True(t, first.VoteGranted)
	require.Equal(t, uint64(5), first.Term)

	second := n.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: "b"})
	require.False(t, second.VoteGranted)
	require.Equal(t, uint64(5), second.Term)
}

func TestRequestVoteRejectsStaleTerm(t *testing.T) {
	self := endpoint.New("n", "n:1")
	members := []endpoint.Endpoint{self, endpoint.New("a", "a:1")}
	n := newTestNode(t, self, members)
	require.NoError(t, n.meta.SetTerm(9))

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 3, CandidateID: "a"})
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint64(9), resp.Term)
}

func TestRequestVoteDeniesBehindLog(t *testing.T) {
	self := endpoint.New("n", "n:1")
	members := []endpoint.Endpoint{self, endpoint.New("a", "a:1")}
	n := newTestNode(t, self, members)

	require.NoError(t, n.log.Append(LogEntry{LogID: 1, Term: 3}))
	require.NoError(t, n.meta.SetTerm(3))

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 3, CandidateID: "a", LastLogID: 0, LastLogTerm: 0})
	require.False(t, resp.VoteGranted)
}

func TestPreVoteDoesNotMutatePersistedState(t *testing.T) {
	self := endpoint.New("n", "n:1")
	members := []endpoint.Endpoint{self, endpoint.New("a", "a:1")}
	n := newTestNode(t, self, members)
	require.NoError(t, n.meta.SetTerm(4))

	resp := n.HandlePreVote(&PreVoteRequest{Term: 10, CandidateID: "a"})
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint64(4), n.meta.Term(), "pre-vote must not bump currentTerm")
	require.Equal(t, "", n.meta.VotedFor(), "pre-vote must not record a vote")
}

func TestSubmitToFollowerReturnsNotLeader(t *testing.T) {
	self := endpoint.New("f", "f:1")
	members := []endpoint.Endpoint{self, endpoint.New("leader", "leader:1")}
	n := newTestNode(t, self, members)

	n.setRole(NewFollower(1, "leader", ""))

	resp := n.Submit(context.Background(), CmdReq{RequestID: "c1", Payload: []byte("hello")})
	require.Equal(t, CmdNotLeader, resp.Status)
	require.Equal(t, "leader", resp.LeaderHint)
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	self := endpoint.New("n", "n:1")
	members := []endpoint.Endpoint{self, endpoint.New("a", "a:1")}
	n := newTestNode(t, self, members)
	require.NoError(t, n.meta.SetTerm(9))

	resp := n.HandleAppendEntries(&AppendEntriesRequest{Term: 2, LeaderID: "a"})
	require.False(t, resp.Success)
	require.Equal(t, uint64(9), resp.Term)
}

// TestLearnerStartsAsLearnerAndDoesNotVote: a node whose own membership
// entry is non-voting must come up in the Learner role and refuse both
// pre-votes and real votes.
func TestLearnerStartsAsLearnerAndDoesNotVote(t *testing.T) {
	self := endpoint.NewLearner("l", "l:1")
	members := []endpoint.Endpoint{
		endpoint.New("a", "a:1"),
		endpoint.New("b", "b:1"),
		endpoint.New("c", "c:1"),
		self,
	}
	n := newTestNode(t, self, members)

	require.Equal(t, RoleLearner, n.RoleKind())

	pre := n.HandlePreVote(&PreVoteRequest{Term: 5, CandidateID: "a"})
	require.False(t, pre.VoteGranted)

	real := n.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: "a"})
	require.False(t, real.VoteGranted)
	require.Equal(t, "", n.meta.VotedFor())
}

// TestLearnerExcludedFromQuorum: a learner inflates neither the quorum
// denominator nor the vote count.
func TestLearnerExcludedFromQuorum(t *testing.T) {
	self := endpoint.New("a", "a:1")
	members := []endpoint.Endpoint{
		self,
		endpoint.New("b", "b:1"),
		endpoint.New("c", "c:1"),
		endpoint.NewLearner("l", "l:1"),
		endpoint.NewLearner("m", "m:1"),
	}
	n := newTestNode(t, self, members)

	require.Equal(t, 2, n.remote.quorumSize(), "3 voters need 2 votes regardless of learners")
	voting := n.remote.votingPeers(self.ID)
	require.Len(t, voting, 2)
	for _, p := range voting {
		require.False(t, p.NonVoting)
	}
	// Heartbeats still fan out to everyone, learners included.
	require.Len(t, n.remote.peers(self.ID), 4)
}

// TestUpdateMembersDemotesAndPromotesLearner: membership changes are the
// only way in or out of the Learner role.
func TestUpdateMembersDemotesAndPromotesLearner(t *testing.T) {
	self := endpoint.New("n", "n:1")
	peer := endpoint.New("a", "a:1")
	n := newTestNode(t, self, []endpoint.Endpoint{self, peer})

	require.Equal(t, RoleFollower, n.RoleKind())

	require.NoError(t, n.UpdateMembers([]endpoint.Endpoint{endpoint.NewLearner("n", "n:1"), peer}))
	require.Equal(t, RoleLearner, n.RoleKind())

	require.NoError(t, n.UpdateMembers([]endpoint.Endpoint{self, peer}))
	require.Equal(t, RoleFollower, n.RoleKind())
}

func TestAppendEntriesStepsDownCandidate(t *testing.T) {
	self := endpoint.New("n", "n:1")
	members := []endpoint.Endpoint{self, endpoint.New("a", "a:1")}
	n := newTestNode(t, self, members)
	n.setRole(NewCandidate(3, self.ID))

	resp := n.HandleAppendEntries(&AppendEntriesRequest{Term: 3, LeaderID: "a"})
	require.True(t, resp.Success)
	require.Equal(t, RoleFollower, n.RoleKind())
	leader, ok := n.getRole().Leader()
	require.True(t, ok)
	require.Equal(t, "a", leader)
}
