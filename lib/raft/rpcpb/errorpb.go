package rpcpb

import "github.com/nimbusdb/raft/lib/raft"

// ErrorResponse is the universal error envelope every RPC response embeds.
// ErrCode == 0 (raft.ErrCodeOK) means the call succeeded.
type ErrorResponse struct {
	ErrCode    raft.ErrorCode
	ErrMsg     string
	RedirectTo *raft.PeerID
}

// OK reports whether this envelope represents success.
func (e ErrorResponse) OK() bool {
	return e.ErrCode == raft.ErrCodeOK
}

// NewErrorResponse builds an envelope from a *raft.Error, or a
// success envelope if err is nil.
func NewErrorResponse(err *raft.Error) ErrorResponse {
	if err == nil {
		return ErrorResponse{ErrCode: raft.ErrCodeOK}
	}
	return ErrorResponse{ErrCode: err.Code, ErrMsg: err.Msg, RedirectTo: err.RedirectTo}
}

// AsError converts a failing envelope back into a *raft.Error, or nil if
// the envelope reports success.
func (e ErrorResponse) AsError() *raft.Error {
	if e.OK() {
		return nil
	}
	return &raft.Error{Code: e.ErrCode, Msg: e.ErrMsg, RedirectTo: e.RedirectTo}
}
