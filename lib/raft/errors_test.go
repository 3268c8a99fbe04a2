package raft

import "testing"

func TestIsOK(t *testing.T) {
	if !IsOK(nil) {
		t.Errorf("expected nil error to be OK")
	}
	if !IsOK(NewError(ErrCodeOK, "")) {
		t.Errorf("expected ErrCodeOK to be OK")
	}
	if IsOK(NewError(ErrCodeBusy, "full")) {
		t.Errorf("expected ErrCodeBusy to not be OK")
	}
}

func TestNewRedirectError(t *testing.T) {
	leader := PeerID{Host: "127.0.0.1", Port: 8081}
	err := NewRedirectError(leader)
	if err.Code != ErrCodeNotLeader {
		t.Errorf("expected ErrCodeNotLeader, got %v", err.Code)
	}
	if err.RedirectTo == nil || !err.RedirectTo.Equal(leader) {
		t.Errorf("expected RedirectTo to carry the leader, got %+v", err.RedirectTo)
	}
}

func TestErrorMessageFormatting(t *testing.T) {
	err := NewErrorf(ErrCodeStorageIO, "write failed: %s", "disk full")
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
	leader := PeerID{Host: "h", Port: 1}
	withRedirect := NewRedirectError(leader)
	if withRedirect.Error() == err.Error() {
		t.Errorf("expected redirect error message to differ")
	}
}
