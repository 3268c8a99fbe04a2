package raft

import "testing"

func TestParsePeerID(t *testing.T) {
	cases := []struct {
		in      string
		want    PeerID
		wantErr bool
	}{
		{in: "127.0.0.1:8081", want: PeerID{Host: "127.0.0.1", Port: 8081}},
		{in: "127.0.0.1:8081:10", want: PeerID{Host: "127.0.0.1", Port: 8081, Priority: 10}},
		{in: "127.0.0.1:8081:10:2", want: PeerID{Host: "127.0.0.1", Port: 8081, Priority: 10, Idx: 2}},
		{in: "127.0.0.1", wantErr: true},
		{in: "127.0.0.1:notaport", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParsePeerID(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePeerID(%q): expected error, got %+v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePeerID(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePeerID(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestPeerIDStringRoundTrip(t *testing.T) {
	p := PeerID{Host: "10.0.0.1", Port: 9091, Idx: 3}
	s := p.String()
	got, err := ParsePeerID(s)
	if err != nil {
		t.Fatalf("ParsePeerID(%q): %v", s, err)
	}
	if !got.Equal(p) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestConfigurationQuorum(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {6, 4}, {7, 4},
	}
	for _, c := range cases {
		peers := make([]PeerID, c.n)
		for i := range peers {
			peers[i] = PeerID{Host: "h", Port: 9000 + i}
		}
		conf := NewConfiguration(peers, nil)
		if got := conf.Quorum(); got != c.want {
			t.Errorf("Quorum() for %d peers = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestConfigurationWithPeerImmutable(t *testing.T) {
	p1 := PeerID{Host: "h", Port: 1}
	p2 := PeerID{Host: "h", Port: 2}
	base := NewConfiguration([]PeerID{p1}, nil)
	extended := base.WithPeer(p2)

	if base.Contains(p2) {
		t.Errorf("expected base configuration to be unaffected by WithPeer")
	}
	if !extended.Contains(p2) {
		t.Errorf("expected extended configuration to contain the new peer")
	}
	if !extended.Contains(p1) {
		t.Errorf("expected extended configuration to retain the original peer")
	}
}

func TestLogEntryConfigurationExtraction(t *testing.T) {
	p1 := PeerID{Host: "h", Port: 1}
	p2 := PeerID{Host: "h", Port: 2}
	e := &LogEntry{
		ID:       LogID{Index: 5, Term: 2},
		Type:     EntryTypeConfiguration,
		Peers:    []PeerID{p1, p2},
		OldPeers: []PeerID{p1},
	}
	if !e.IsConfiguration() {
		t.Fatalf("expected IsConfiguration to report true")
	}
	cur, old := e.Configuration()
	if !cur.Contains(p1) || !cur.Contains(p2) {
		t.Errorf("expected cur configuration to contain both peers, got %+v", cur)
	}
	if !old.Contains(p1) || old.Contains(p2) {
		t.Errorf("expected old configuration to contain only p1, got %+v", old)
	}
}

func TestLogIDOrdering(t *testing.T) {
	a := LogID{Index: 1, Term: 5}
	b := LogID{Index: 2, Term: 1}
	if !a.Less(b) {
		t.Errorf("expected (1,5) < (2,1) by index")
	}
	c := LogID{Index: 1, Term: 6}
	if !a.Less(c) {
		t.Errorf("expected (1,5) < (1,6) by term")
	}
	if !NoneLogID.IsNone() {
		t.Errorf("expected NoneLogID.IsNone() to be true")
	}
}
