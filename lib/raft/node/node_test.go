package node

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusdb/raft/examplefsm"
	"github.com/nimbusdb/raft/lib/raft"
)

func applySet(t *testing.T, n *Node, key string, value []byte) {
	t.Helper()
	cmd := examplefsm.Command{Type: examplefsm.CommandTSet, Key: key, Value: value}
	done := make(chan raft.Status, 1)
	n.Apply(raft.Task{
		Data: cmd.Encode(),
		Done: func(s raft.Status) { done <- s },
	})
	select {
	case s := <-done:
		if !s.OK {
			t.Fatalf("apply %s failed: %v", key, s.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("apply %s timed out", key)
	}
}

func waitForValue(t *testing.T, fsm *examplefsm.KVStateMachine, key string, want []byte, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := fsm.Get(key); ok && string(v) == string(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %s never converged to %q", key, want)
}

func TestThreeNodeElectsOneLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	c.awaitLeader(2 * time.Second)

	leaders := 0
	for _, n := range c.nodes {
		if n.Role() == RoleLeader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}
}

func TestApplyReplicatesToFollowers(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)
	var leaderFSM *examplefsm.KVStateMachine
	for i, n := range c.nodes {
		if n == leader {
			leaderFSM = c.fsms[i]
		}
	}

	applySet(t, leader, "foo", []byte("bar"))

	if v, ok := leaderFSM.Get("foo"); !ok || string(v) != "bar" {
		t.Fatalf("leader did not apply its own write: %v %v", v, ok)
	}
	for i, fsm := range c.fsms {
		if c.nodes[i] == leader {
			continue
		}
		waitForValue(t, fsm, "foo", []byte("bar"), time.Second)
	}
}

func TestReadIndexReturnsAppliedValue(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)
	applySet(t, leader, "k", []byte("v1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	idx, err := leader.ReadIndex(ctx, []byte("probe"))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if idx == 0 {
		t.Fatalf("ReadIndex returned zero index")
	}
}

func TestListPeersReflectsInitialConfiguration(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)
	peers := leader.ListPeers()
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
}

// TestLeaderCommitsWithOneFollowerDown guards against the leader's own
// local append not counting toward quorum: in a 3-node group the leader
// plus either one follower is already a majority, so killing one follower
// must not stop new entries from committing.
func TestLeaderCommitsWithOneFollowerDown(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)

	var victim *Node
	var leaderFSM, survivorFSM *examplefsm.KVStateMachine
	for i, n := range c.nodes {
		if n == leader {
			leaderFSM = c.fsms[i]
			continue
		}
		if victim == nil {
			victim = n
		} else {
			survivorFSM = c.fsms[i]
		}
	}
	c.kill(victim)

	applySet(t, leader, "foo", []byte("bar"))

	if v, ok := leaderFSM.Get("foo"); !ok || string(v) != "bar" {
		t.Fatalf("leader did not apply its own write after follower died: %v %v", v, ok)
	}
	waitForValue(t, survivorFSM, "foo", []byte("bar"), time.Second)
}

func TestTransferLeadershipMovesLeaderRole(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)
	var target raft.PeerID
	for _, p := range c.peers {
		if !p.Equal(leader.Self()) {
			target = p
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := leader.TransferLeadershipTo(ctx, target); err != nil {
		t.Fatalf("TransferLeadershipTo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leader.Role() != RoleLeader {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if leader.Role() == RoleLeader {
		t.Fatalf("old leader %s still reports RoleLeader after transfer", leader.Self())
	}

	newLeader := c.awaitLeader(2 * time.Second)
	if !newLeader.Self().Equal(target) {
		t.Fatalf("expected new leader %s, got %s", target, newLeader.Self())
	}
}
