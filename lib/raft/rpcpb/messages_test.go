package rpcpb

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/nimbusdb/raft/lib/raft"
)

func peer(port int) raft.PeerID { return raft.PeerID{Host: "127.0.0.1", Port: port} }

func roundTripJSON(t *testing.T, in, out interface{}) {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
}

func roundTripGOB(t *testing.T, in, out interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(in); err != nil {
		t.Fatalf("gob encode: %v", err)
	}
	if err := gob.NewDecoder(&buf).Decode(out); err != nil {
		t.Fatalf("gob decode: %v", err)
	}
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	req := &AppendEntriesRequest{
		GroupID:      "shard-1",
		ServerID:     peer(9001),
		Term:         7,
		LeaderID:     peer(9002),
		PrevLogIndex: 10,
		PrevLogTerm:  6,
		Entries: []*raft.LogEntry{
			{ID: raft.LogID{Index: 11, Term: 7}, Type: raft.EntryTypeData, Data: []byte("cmd")},
		},
		CommittedIndex: 9,
	}

	var gotJSON AppendEntriesRequest
	roundTripJSON(t, req, &gotJSON)
	if !reflect.DeepEqual(*req, gotJSON) {
		t.Fatalf("json round trip mismatch:\n%+v\n%+v", *req, gotJSON)
	}

	var gotGOB AppendEntriesRequest
	roundTripGOB(t, req, &gotGOB)
	if !reflect.DeepEqual(*req, gotGOB) {
		t.Fatalf("gob round trip mismatch:\n%+v\n%+v", *req, gotGOB)
	}
}

func TestRequestVoteRoundTrip(t *testing.T) {
	req := &RequestVoteRequest{
		GroupID:     "shard-1",
		ServerID:    peer(9001),
		Term:        3,
		CandidateID: peer(9003),
		LastLogID:   raft.LogID{Index: 5, Term: 2},
		PreVote:     true,
	}
	var got RequestVoteRequest
	roundTripJSON(t, req, &got)
	if !reflect.DeepEqual(*req, got) {
		t.Fatalf("json round trip mismatch:\n%+v\n%+v", *req, got)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	leader := peer(9002)
	resp := &AppendEntriesResponse{
		Term:    4,
		Success: false,
		Error:   ErrorResponse{ErrCode: raft.ErrCodeNotLeader, ErrMsg: "not leader", RedirectTo: &leader},
	}
	var got AppendEntriesResponse
	roundTripJSON(t, resp, &got)
	if !reflect.DeepEqual(*resp, got) {
		t.Fatalf("json round trip mismatch:\n%+v\n%+v", *resp, got)
	}
	if got.Error.AsError().Code != raft.ErrCodeNotLeader {
		t.Fatalf("expected AsError to preserve the error code")
	}
}

func TestInstallSnapshotRoundTripAndConfiguration(t *testing.T) {
	req := &InstallSnapshotRequest{
		GroupID:           "shard-1",
		ServerID:          peer(9001),
		Term:              2,
		LeaderID:          peer(9002),
		LastIncludedIndex: 100,
		LastIncludedTerm:  2,
		Peers:             []raft.PeerID{peer(9001), peer(9002), peer(9003)},
		Learners:          []raft.PeerID{peer(9004)},
		Data:              []byte("snapshot-chunk"),
		Done:              true,
	}
	var got InstallSnapshotRequest
	roundTripJSON(t, req, &got)
	if !reflect.DeepEqual(*req, got) {
		t.Fatalf("json round trip mismatch:\n%+v\n%+v", *req, got)
	}

	conf := got.Configuration()
	if conf.Quorum() != 2 || !conf.Contains(peer(9002)) || len(conf.ListLearners()) != 1 {
		t.Fatalf("unexpected configuration reconstructed from wire fields: %+v", conf)
	}
}

func TestErrorResponseOK(t *testing.T) {
	ok := NewErrorResponse(nil)
	if !ok.OK() || ok.AsError() != nil {
		t.Fatalf("expected a nil *raft.Error to build a successful envelope")
	}

	failing := NewErrorResponse(raft.NewError(raft.ErrCodeBusy, "overloaded"))
	if failing.OK() {
		t.Fatalf("expected a busy error to build a failing envelope")
	}
	if failing.AsError().Code != raft.ErrCodeBusy {
		t.Fatalf("expected AsError to round trip the error code")
	}
}
