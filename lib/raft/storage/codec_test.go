package storage

import (
	"reflect"
	"testing"

	"github.com/nimbusdb/raft/lib/raft"
)

// testCodecs is a map of codec name to factory function.
var testCodecs = map[string]func() LogEntryCodec{
	"JSON":   NewJSONCodec,
	"GOB":    NewGobCodec,
	"Binary": NewBinaryCodec,
}

func testEntries() []*raft.LogEntry {
	peer := func(host string, port int) raft.PeerID { return raft.PeerID{Host: host, Port: port} }
	return []*raft.LogEntry{
		{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeNoOp},
		{ID: raft.LogID{Index: 2, Term: 1}, Type: raft.EntryTypeData, Data: []byte("hello")},
		{
			ID:   raft.LogID{Index: 3, Term: 2},
			Type: raft.EntryTypeConfiguration,
			Peers: []raft.PeerID{
				peer("127.0.0.1", 8081),
				peer("127.0.0.1", 8082),
			},
			Learners: []raft.PeerID{peer("127.0.0.1", 8083)},
		},
		{
			ID:          raft.LogID{Index: 4, Term: 2},
			Type:        raft.EntryTypeConfiguration,
			Peers:       []raft.PeerID{peer("127.0.0.1", 8081)},
			OldPeers:    []raft.PeerID{peer("127.0.0.1", 8081), peer("127.0.0.1", 8082)},
			OldLearners: []raft.PeerID{peer("127.0.0.1", 8083)},
			Checksum:    0xdeadbeef,
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for name, factory := range testCodecs {
		t.Run(name, func(t *testing.T) {
			codec := factory()
			for i, e := range testEntries() {
				buf, err := codec.Encode(e)
				if err != nil {
					t.Fatalf("entry %d: encode: %v", i, err)
				}
				got, err := codec.Decode(buf)
				if err != nil {
					t.Fatalf("entry %d: decode: %v", i, err)
				}
				if !reflect.DeepEqual(e, got) {
					t.Errorf("entry %d round trip mismatch:\nwant: %+v\ngot:  %+v", i, e, got)
				}
			}
		})
	}
}

func TestCodecNames(t *testing.T) {
	if NewJSONCodec().Name() != "json" {
		t.Errorf("unexpected json codec name")
	}
	if NewGobCodec().Name() != "gob" {
		t.Errorf("unexpected gob codec name")
	}
	if NewBinaryCodec().Name() != "binary" {
		t.Errorf("unexpected binary codec name")
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	codec := NewBinaryCodec()
	if _, err := codec.Decode([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected error decoding truncated header")
	}

	e := &raft.LogEntry{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeData, Data: []byte("abc")}
	buf, err := codec.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := codec.Decode(buf[:len(buf)-1]); err == nil {
		t.Errorf("expected error decoding truncated body")
	}
}
