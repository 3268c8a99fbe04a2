package raft

// PosHint is an opaque cursor returned by Ballot.Grant and fed back into
// the next call for the same peer. It lets BallotBox.commitAt walk a run
// of adjacent indices for one peer without rescanning each Ballot's peer
// list from the start every time.
type PosHint struct {
	cur int
	old int
}

// ballotPeerSet tracks one quorum's remaining grant count alongside the
// fixed peer list a grant is matched against.
type ballotPeerSet struct {
	peers   []PeerID
	granted []bool
	left    int // peers still required to reach quorum
}

func newBallotPeerSet(conf Configuration) ballotPeerSet {
	peers := conf.ListPeers()
	return ballotPeerSet{
		peers:   peers,
		granted: make([]bool, len(peers)),
		left:    conf.Quorum(),
	}
}

// grant marks peer as having acknowledged, starting the scan at hint.
// Returns the position the peer was found at (for the next hint) and
// whether the quorum requirement is satisfied after this call (false when
// the peer is unknown or had already granted).
func (s *ballotPeerSet) grant(peer PeerID, hint int) (pos int, becameZero bool) {
	if hint < 0 || hint >= len(s.peers) || !s.peers[hint].Equal(peer) {
		hint = -1
		for i, p := range s.peers {
			if p.Equal(peer) {
				hint = i
				break
			}
		}
	}
	if hint < 0 {
		return -1, false
	}
	if s.granted[hint] {
		return hint, false
	}
	s.granted[hint] = true
	s.left--
	return hint, s.left <= 0
}

// Ballot is the per-index quorum tally described in §3 of the design. A
// plain (non-joint) ballot only populates cur; a joint ballot additionally
// tracks the old configuration's quorum and requires both to reach zero.
type Ballot struct {
	cur     ballotPeerSet
	old     *ballotPeerSet
	granted bool
}

// NewBallot allocates a Ballot for conf, optionally joint with oldConf.
// A nil or empty oldConf produces a simple (non-joint) ballot.
func NewBallot(conf Configuration, oldConf *Configuration) *Ballot {
	b := &Ballot{cur: newBallotPeerSet(conf)}
	if oldConf != nil && !oldConf.IsEmpty() {
		old := newBallotPeerSet(*oldConf)
		b.old = &old
	}
	b.refreshGranted()
	return b
}

func (b *Ballot) refreshGranted() {
	b.granted = b.cur.left <= 0 && (b.old == nil || b.old.left <= 0)
}

// Grant records peer's acknowledgement in both quorums (if joint) and
// returns the updated PosHint for the caller's next adjacent-index grant.
func (b *Ballot) Grant(peer PeerID, hint PosHint) PosHint {
	pos, _ := b.cur.grant(peer, hint.cur)
	hint.cur = pos
	if b.old != nil {
		oldPos, _ := b.old.grant(peer, hint.old)
		hint.old = oldPos
	}
	b.refreshGranted()
	return hint
}

// IsGranted reports whether both quorums (or the single quorum, if not
// joint) have been satisfied.
func (b *Ballot) IsGranted() bool {
	return b.granted
}
