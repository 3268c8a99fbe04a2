package node

import (
	"testing"
	"time"

	"github.com/nimbusdb/raft/examplefsm"
	"github.com/nimbusdb/raft/lib/raft"
)

func changePeersAsync(n *Node, conf raft.Configuration) <-chan raft.Status {
	ch := make(chan raft.Status, 1)
	n.ChangePeers(conf, func(s raft.Status) { ch <- s })
	return ch
}

func applyAsync(n *Node, key string, value []byte) <-chan raft.Status {
	cmd := examplefsm.Command{Type: examplefsm.CommandTSet, Key: key, Value: value}
	ch := make(chan raft.Status, 1)
	n.Apply(raft.Task{
		Data: cmd.Encode(),
		Done: func(s raft.Status) { ch <- s },
	})
	return ch
}

// otherOriginalFollowers returns the two nodes, from the cluster's initial
// n members, that are not leader.
func otherOriginalFollowers(c *testCluster, leader *Node) []*Node {
	var out []*Node
	for _, n := range c.nodes {
		if n != leader {
			out = append(out, n)
		}
	}
	return out
}

// TestJointConsensusBlocksProgressWithoutBothQuorums mirrors the "joint
// reconfiguration" scenario: starting configuration {A,B,C}, changePeers
// to {C,D,E} (C survives, A and B are replaced by D and E). The joint
// entry commits only once quorum is reached in both {A,B,C} and {C,D,E}.
// Killing A and B just before the reconfiguration is proposed must block
// all progress — including an ordinary data entry proposed in the same
// window — since {C,D,E} alone can never satisfy the old side's quorum.
func TestJointConsensusBlocksProgressWithoutBothQuorums(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)
	survivors := otherOriginalFollowers(c, leader)
	if len(survivors) != 2 {
		t.Fatalf("expected 2 non-leader original members, got %d", len(survivors))
	}

	_, dPeer := c.addStandbyNode(t)
	_, ePeer := c.addStandbyNode(t)

	// Break the old side's quorum before proposing: with both original
	// followers dead, {leader, survivors[0], survivors[1]} can never again
	// reach 2-of-3.
	c.kill(survivors[0])
	c.kill(survivors[1])

	newConf := raft.NewConfiguration([]raft.PeerID{leader.Self(), dPeer, ePeer}, nil)
	confDone := changePeersAsync(leader, newConf)
	dataDone := applyAsync(leader, "during-joint", []byte("x"))

	select {
	case s := <-confDone:
		if s.OK {
			t.Fatalf("joint reconfiguration committed without a quorum of the old configuration")
		}
	case <-time.After(300 * time.Millisecond):
		// Expected: the old side {leader, survivors[0], survivors[1]} can
		// never reach its 2-of-3 quorum again, so the joint entry never
		// commits.
	}

	select {
	case s := <-dataDone:
		if s.OK {
			t.Fatalf("data entry interleaved during the joint window committed on new-side quorum alone")
		}
	case <-time.After(300 * time.Millisecond):
		// Expected: same reasoning — this entry was registered as a joint
		// ballot requiring the old side's quorum too.
	}
}

// TestJointConsensusCommitsAndLeavesJointModeWhenBothQuorumsReachable is
// the success path of the same scenario: when both the old and new sides
// stay reachable, the reconfiguration commits, membership converges to
// the new configuration, and further entries need only the new
// configuration's quorum, even after the replaced members are gone.
func TestJointConsensusCommitsAndLeavesJointModeWhenBothQuorumsReachable(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.shutdown()

	leader := c.awaitLeader(2 * time.Second)
	retired := otherOriginalFollowers(c, leader)
	if len(retired) != 2 {
		t.Fatalf("expected 2 non-leader original members, got %d", len(retired))
	}

	dNode, dPeer := c.addStandbyNode(t)
	eNode, ePeer := c.addStandbyNode(t)
	var dFSM, eFSM *examplefsm.KVStateMachine
	for i, n := range c.nodes {
		if n == dNode {
			dFSM = c.fsms[i]
		}
		if n == eNode {
			eFSM = c.fsms[i]
		}
	}

	newConf := raft.NewConfiguration([]raft.PeerID{leader.Self(), dPeer, ePeer}, nil)
	select {
	case s := <-changePeersAsync(leader, newConf):
		if !s.OK {
			t.Fatalf("joint reconfiguration failed: %v", s.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("joint reconfiguration timed out")
	}

	peers := leader.ListPeers()
	if len(peers) != 3 || !newConf.Contains(leader.Self()) {
		t.Fatalf("expected membership to converge to the new configuration, got %v", peers)
	}

	applySet(t, leader, "foo", []byte("bar"))
	waitForValue(t, dFSM, "foo", []byte("bar"), time.Second)
	waitForValue(t, eFSM, "foo", []byte("bar"), time.Second)

	// The replaced members are no longer needed for quorum once the
	// reconfiguration has committed: killing them must not stop further
	// progress.
	c.kill(retired[0])
	c.kill(retired[1])
	applySet(t, leader, "baz", []byte("qux"))
	waitForValue(t, dFSM, "baz", []byte("qux"), time.Second)
}
