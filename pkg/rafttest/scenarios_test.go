package rafttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ruftgo/ruft/pkg/kv"
	"github.com/ruftgo/ruft/pkg/raft"
)

// TestThreeNodeColdStart verifies that three nodes started
// simultaneously elect exactly one leader within 1s, with every node's
// term at least 1.
func TestThreeNodeColdStart(t *testing.T) {
	cluster, err := NewCluster(3)
	require.NoError(t, err)
	defer cluster.Cleanup()

	cluster.Start()

	leader, err := cluster.WaitForStableLeader(1 * time.Second)
	require.NoError(t, err)
	require.Equal(t, raft.RoleLeader, leader.State())

	leaders := 0
	for _, n := range cluster.Nodes {
		require.GreaterOrEqual(t, n.CurrentTerm(), uint64(1))
		if n.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders, "exactly one node must believe itself leader")

	ic := NewInvariantChecker()
	ic.Collect(cluster)
	ok, violations := ic.Check()
	require.True(t, ok, "safety violations after cold start: %v", violations)
}

// TestLeaderFailure verifies that after partitioning the leader away, a
// new leader at a strictly higher term is elected within 2s.
func TestLeaderFailure(t *testing.T) {
	cluster, err := NewCluster(3)
	require.NoError(t, err)
	defer cluster.Cleanup()

	cluster.Start()

	leader, err := cluster.WaitForStableLeader(1 * time.Second)
	require.NoError(t, err)
	oldTerm := leader.CurrentTerm()
	oldID := leader.Self().ID

	cluster.Transport.Partition(oldID)

	newLeader, err := cluster.WaitForNewLeader(oldID, 2*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, oldID, newLeader.Self().ID)
	require.Greater(t, newLeader.CurrentTerm(), oldTerm)

	ic := NewInvariantChecker()
	ic.Collect(cluster)
	ok, violations := ic.Check()
	require.True(t, ok, "safety violations after leader failover: %v", violations)
}

// TestSubmitReplicatesAndCommits exercises the write path end to end:
// a command submitted to the leader is applied identically on every
// node's store once committed.
func TestSubmitReplicatesAndCommits(t *testing.T) {
	cluster, err := NewCluster(3)
	require.NoError(t, err)
	defer cluster.Cleanup()

	cluster.Start()
	_, err = cluster.WaitForStableLeader(1 * time.Second)
	require.NoError(t, err)

	payload, err := kv.EncodeCommand(kv.CommandSet, "k1", []byte("v1"), kv.NewClientID(), 1)
	require.NoError(t, err)
	resp, err := cluster.SubmitCommand(payload, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, raft.CmdSuccess, resp.Status)

	require.Eventually(t, func() bool {
		ok, _ := CompareStores(cluster.Stores)
		return ok
	}, 1*time.Second, 20*time.Millisecond)

	for _, s := range cluster.Stores {
		v, ok := s.Get("k1")
		require.True(t, ok)
		require.Equal(t, "v1", string(v))
	}

	// Concurrent submits against a second key, recorded into a History and
	// checked for single-key linearizability: every read of k2 must see a
	// value some write produced, not interleaved or stale garbage. The
	// read operation's interval is kept open across the whole write burst
	// so it legitimately overlaps every write - the actual commit order
	// among concurrent submissions is the leader's to decide, not this
	// test's, and the checker must accept whichever one wins.
	history := NewHistory()
	clientID := kv.NewClientID()
	readOp := history.Invoke("read", "k2", "")

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			value := string(rune('a' + i))
			opID := history.Invoke("write", "k2", value)
			payload, err := kv.EncodeCommand(kv.CommandSet, "k2", []byte(value), clientID, uint64(i))
			require.NoError(t, err)
			resp, err := cluster.SubmitCommand(payload, 2*time.Second)
			require.NoError(t, err)
			require.Equal(t, raft.CmdSuccess, resp.Status)
			history.Complete(opID, value)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		ok, _ := CompareStores(cluster.Stores)
		return ok
	}, 1*time.Second, 20*time.Millisecond)

	finalValue, ok := cluster.Stores[0].Get("k2")
	require.True(t, ok)
	history.Complete(readOp, string(finalValue))

	lc := NewLinearizabilityChecker(history)
	linearizable, err := lc.Check()
	require.NoError(t, err, "history was not linearizable")
	require.True(t, linearizable)
}

// TestLearnerReplicatesButNeverLeads: a two-voter-plus-learner cluster
// elects a leader among the voters; the learner receives every committed
// command but never becomes candidate or leader.
func TestLearnerReplicatesButNeverLeads(t *testing.T) {
	cluster, err := NewClusterWithLearners(2, 1)
	require.NoError(t, err)
	defer cluster.Cleanup()

	cluster.Start()
	leader, err := cluster.WaitForStableLeader(1 * time.Second)
	require.NoError(t, err)

	learner := cluster.Nodes[2]
	require.NotEqual(t, learner.Self().ID, leader.Self().ID)
	require.Equal(t, raft.RoleLearner, learner.State())

	payload, err := kv.EncodeCommand(kv.CommandSet, "lk", []byte("lv"), kv.NewClientID(), 1)
	require.NoError(t, err)
	resp, err := cluster.SubmitCommand(payload, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, raft.CmdSuccess, resp.Status)

	require.Eventually(t, func() bool {
		v, ok := cluster.Stores[2].Get("lk")
		return ok && string(v) == "lv"
	}, 1*time.Second, 20*time.Millisecond, "the learner must receive replicated commands")

	// Partition both voters away; the learner alone must not seize
	// leadership no matter how many timeouts pass.
	cluster.Transport.Partition(cluster.Nodes[0].Self().ID)
	cluster.Transport.Partition(cluster.Nodes[1].Self().ID)
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, raft.RoleLearner, learner.State())
	require.False(t, learner.IsLeader())
}

// TestLinearizableRead exercises the read-index path: a linearizable
// read served by the leader must observe a previously committed write,
// and the same read against a follower must be refused with a leader
// hint rather than served from its local (possibly stale) copy.
func TestLinearizableRead(t *testing.T) {
	cluster, err := NewCluster(3)
	require.NoError(t, err)
	defer cluster.Cleanup()

	cluster.Start()
	leader, err := cluster.WaitForStableLeader(1 * time.Second)
	require.NoError(t, err)

	payload, err := kv.EncodeCommand(kv.CommandSet, "rk", []byte("rv"), kv.NewClientID(), 1)
	require.NoError(t, err)
	resp, err := cluster.SubmitCommand(payload, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, raft.CmdSuccess, resp.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	read := leader.Submit(ctx, raft.CmdReq{Payload: []byte("rk"), Linearizable: true})
	require.Equal(t, raft.CmdSuccess, read.Status)
	require.NoError(t, read.Err)
	require.Equal(t, "rv", string(read.Result))

	for _, n := range cluster.Nodes {
		if n.Self().ID == leader.Self().ID {
			continue
		}
		followerRead := n.Submit(ctx, raft.CmdReq{Payload: []byte("rk"), Linearizable: true})
		require.Equal(t, raft.CmdNotLeader, followerRead.Status)
		break
	}
}

// TestStaleCandidateDoesNotDisruptCluster: a node isolated for several
// election timeouts runs PreVote rounds but, since
// it can never reach a quorum while partitioned, never crosses into a
// real election that would bump its term. On reconnection it rejoins as
// a Follower at the cluster's term without having disrupted the
// existing leader - the entire point of requiring a PreVote majority
// before a real term bump.
func TestStaleCandidateDoesNotDisruptCluster(t *testing.T) {
	cluster, err := NewCluster(3)
	require.NoError(t, err)
	defer cluster.Cleanup()

	cluster.Start()
	leader, err := cluster.WaitForStableLeader(1 * time.Second)
	require.NoError(t, err)
	leaderID := leader.Self().ID
	clusterTerm := leader.CurrentTerm()

	var stale raft.Ruft
	for _, n := range cluster.Nodes {
		if n.Self().ID != leaderID {
			stale = n
			break
		}
	}

	cluster.Transport.Partition(stale.Self().ID)
	// Give the partitioned node several election timeouts; with PreVote
	// gating the real election, it should never collect a quorum and so
	// never increments its own term.
	time.Sleep(800 * time.Millisecond)
	require.Equal(t, clusterTerm, stale.CurrentTerm(), "a partitioned node's term must not climb without a pre-vote quorum")

	cluster.HealPartition()

	require.Eventually(t, func() bool {
		l, ok := cluster.Leader()
		return ok && l.Self().ID == leaderID
	}, 1*time.Second, 20*time.Millisecond, "the original leader must still be in charge after healing")

	require.Eventually(t, func() bool {
		return stale.State() == raft.RoleFollower
	}, 1*time.Second, 20*time.Millisecond)
}
