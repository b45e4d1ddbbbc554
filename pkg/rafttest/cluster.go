// Package rafttest provides an in-process, wall-clock-driven multi-node
// harness for exercising the engine's election/replication/membership
// behavior end to end.
package rafttest

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/ruftgo/ruft/pkg/endpoint"
	"github.com/ruftgo/ruft/pkg/kv"
	"github.com/ruftgo/ruft/pkg/raft"
	"github.com/ruftgo/ruft/pkg/transport"
)

// Cluster wires size nodes together over a transport.Local, each backed
// by its own temp data directory and kv.Store.
type Cluster struct {
	Nodes     []raft.Ruft
	Stores    []*kv.Store
	Transport *transport.Local
	dataDirs  []string
}

// NewCluster builds a size-node cluster of voting members with generous
// test timeouts (heartbeat well under the follower/candidate timeout
// spread, per the engine's own delay-provider rules).
func NewCluster(size int) (*Cluster, error) {
	return NewClusterWithLearners(size, 0)
}

// NewClusterWithLearners builds a cluster of voting members plus
// learners non-voting members appended after them.
func NewClusterWithLearners(voting, learners int) (*Cluster, error) {
	local := transport.NewLocal()
	unique := rand.Int63()

	size := voting + learners
	members := make([]endpoint.Endpoint, size)
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("node-%d", i)
		if i < voting {
			members[i] = endpoint.New(id, id)
		} else {
			members[i] = endpoint.NewLearner(id, id)
		}
	}

	c := &Cluster{
		Nodes:     make([]raft.Ruft, size),
		Stores:    make([]*kv.Store, size),
		Transport: local,
		dataDirs:  make([]string, size),
	}

	for i := 0; i < size; i++ {
		dataDir := fmt.Sprintf("/tmp/ruft-test-%d-%d-%d", os.Getpid(), unique, i)
		os.RemoveAll(dataDir)
		c.dataDirs[i] = dataDir

		store := kv.New()
		c.Stores[i] = store

		cfg := raft.NewConfigBuilder(members[i]).
			Members(members).
			DataDir(dataDir).
			HeartbeatInterval(100 * time.Millisecond).
			StateMachine(store).
			Transport(local).
			Build()

		node, err := raft.New(cfg)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.Nodes[i] = node
		local.Register(members[i].ID, node.Handler())
	}

	return c, nil
}

func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
}

func (c *Cluster) Cleanup() {
	c.Stop()
	time.Sleep(100 * time.Millisecond)
	for _, dir := range c.dataDirs {
		os.RemoveAll(dir)
	}
}

// Leader returns the first node that currently believes itself leader,
// or the zero Ruft and false if none does.
func (c *Cluster) Leader() (raft.Ruft, bool) {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n, true
		}
	}
	return raft.Ruft{}, false
}

// WaitForLeader polls until some node becomes leader or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) (raft.Ruft, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader, ok := c.Leader(); ok {
			return leader, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return raft.Ruft{}, fmt.Errorf("no leader elected within %s", timeout)
}

// WaitForStableLeader polls until the same node has been leader for
// requiredStable consecutive checks.
func (c *Cluster) WaitForStableLeader(timeout time.Duration) (raft.Ruft, error) {
	const requiredStable = 10
	deadline := time.Now().Add(timeout)

	var stableID string
	stableCount := 0
	for time.Now().Before(deadline) {
		leader, ok := c.Leader()
		if !ok {
			stableID, stableCount = "", 0
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if leader.Self().ID == stableID {
			stableCount++
			if stableCount >= requiredStable {
				return leader, nil
			}
		} else {
			stableID, stableCount = leader.Self().ID, 1
		}
		time.Sleep(20 * time.Millisecond)
	}
	return raft.Ruft{}, fmt.Errorf("no stable leader within %s", timeout)
}

// PartitionLeader isolates the current leader from every peer and
// returns it.
func (c *Cluster) PartitionLeader() (raft.Ruft, bool) {
	leader, ok := c.Leader()
	if ok {
		c.Transport.Partition(leader.Self().ID)
	}
	return leader, ok
}

func (c *Cluster) HealPartition() {
	c.Transport.HealAll()
}

// SubmitCommand retries a submission against whoever is leader until it
// succeeds or timeout elapses.
func (c *Cluster) SubmitCommand(payload []byte, timeout time.Duration) (raft.CmdResp, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader, ok := c.Leader()
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 200*time.Millisecond {
			remaining = 200 * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		resp := leader.Submit(ctx, raft.CmdReq{Payload: payload})
		cancel()

		if resp.Status == raft.CmdSuccess && resp.Err == nil {
			return resp, nil
		}
		if resp.Status == raft.CmdNotLeader || resp.Status == raft.CmdRejectedTimeout {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return resp, resp.Err
	}
	return raft.CmdResp{}, fmt.Errorf("timeout submitting command")
}

// WaitForNewLeader polls until a node other than excludeID becomes
// leader.
func (c *Cluster) WaitForNewLeader(excludeID string, timeout time.Duration) (raft.Ruft, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.Nodes {
			if n.IsLeader() && n.Self().ID != excludeID {
				return n, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return raft.Ruft{}, fmt.Errorf("no new leader elected within %s", timeout)
}
