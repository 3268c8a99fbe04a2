// Package rpcpb defines the wire message set exchanged between raft peers
// and between a client and the cluster leader.
//
// Every request carries (GroupID, ServerID), and every consensus request
// also carries Term, so a receiver can reject a stale or misrouted call
// before touching any consensus state (PingRequest and ReadIndexRequest
// carry no Term). Every
// response carries an ErrorResponse envelope: ErrCode zero means success,
// any other value is one of lib/raft's ErrorCode values, so a transport
// error can be turned straight back into a *raft.Error on the caller side.
//
// Message shapes follow the component design directly: one Go struct per
// RPC, request and response paired by name, rather than a single
// polymorphic envelope. The transport package's serializers (JSON and
// gob, which its "binary" name also selects) round-trip every type in
// this package.
package rpcpb
