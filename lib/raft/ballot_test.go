package raft

import "testing"

func TestBallotSimpleQuorum(t *testing.T) {
	p1 := PeerID{Host: "h", Port: 1}
	p2 := PeerID{Host: "h", Port: 2}
	p3 := PeerID{Host: "h", Port: 3}
	conf := NewConfiguration([]PeerID{p1, p2, p3}, nil)

	bl := NewBallot(conf, nil)
	if bl.IsGranted() {
		t.Fatalf("expected a fresh ballot to not be granted")
	}

	hint := PosHint{}
	hint = bl.Grant(p1, hint)
	if bl.IsGranted() {
		t.Fatalf("expected 1/3 to not satisfy quorum")
	}
	hint = bl.Grant(p2, hint)
	if !bl.IsGranted() {
		t.Fatalf("expected 2/3 to satisfy quorum")
	}
	// a third, redundant grant must not un-grant the ballot
	bl.Grant(p3, hint)
	if !bl.IsGranted() {
		t.Fatalf("expected ballot to remain granted after a third grant")
	}
}

func TestBallotGrantUnknownPeerIsNoop(t *testing.T) {
	p1 := PeerID{Host: "h", Port: 1}
	conf := NewConfiguration([]PeerID{p1}, nil)
	bl := NewBallot(conf, nil)

	stranger := PeerID{Host: "h", Port: 99}
	bl.Grant(stranger, PosHint{})
	if bl.IsGranted() {
		t.Fatalf("expected grant from a non-member peer to have no effect")
	}
}

func TestBallotJointConsensus(t *testing.T) {
	p1 := PeerID{Host: "h", Port: 1}
	p2 := PeerID{Host: "h", Port: 2}
	p3 := PeerID{Host: "h", Port: 3}
	newOnly := PeerID{Host: "h", Port: 4}

	oldConf := NewConfiguration([]PeerID{p1, p2, p3}, nil)
	newConf := NewConfiguration([]PeerID{p1, p2, newOnly}, nil)

	bl := NewBallot(newConf, &oldConf)

	hint := PosHint{}
	hint = bl.Grant(newOnly, hint) // satisfies 1/2 new quorum only
	if bl.IsGranted() {
		t.Fatalf("expected no grant with only the new-only peer voting")
	}
	hint = bl.Grant(p1, hint) // satisfies new quorum (2/2) and old quorum (1/2)
	if bl.IsGranted() {
		t.Fatalf("expected no grant until old quorum is also satisfied")
	}
	bl.Grant(p2, hint) // satisfies old quorum (2/2) too
	if !bl.IsGranted() {
		t.Fatalf("expected grant once both quorums are satisfied")
	}
}

func TestBallotNonJointIgnoresOldConf(t *testing.T) {
	p1 := PeerID{Host: "h", Port: 1}
	conf := NewConfiguration([]PeerID{p1}, nil)
	empty := Configuration{}
	bl := NewBallot(conf, &empty)

	bl.Grant(p1, PosHint{})
	if !bl.IsGranted() {
		t.Fatalf("expected an empty oldConf to produce a non-joint ballot")
	}
}
