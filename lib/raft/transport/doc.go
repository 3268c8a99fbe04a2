// Package transport implements ClientService: the pluggable RPC boundary
// between raft peers (and between a client and the cluster leader).
//
// Two axes are selectable independently, mirroring the teacher's own
// transport/serializer split: the wire framing (HTTP, TCP, Unix domain
// socket) and the payload encoding (JSON or gob; the name "binary" selects
// gob as well). A Envelope carries a Kind tag plus the serialized rpcpb
// request/response so one handler function can multiplex every RPC type
// over a single connection or listener.
package transport
