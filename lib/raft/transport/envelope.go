package transport

import "fmt"

// Kind tags which rpcpb request/response type an Envelope's Payload holds.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequestVote
	KindAppendEntries
	KindInstallSnapshot
	KindReadIndex
	KindTimeoutNow
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindRequestVote:
		return "RequestVote"
	case KindAppendEntries:
		return "AppendEntries"
	case KindInstallSnapshot:
		return "InstallSnapshot"
	case KindReadIndex:
		return "ReadIndex"
	case KindTimeoutNow:
		return "TimeoutNow"
	case KindPing:
		return "Ping"
	default:
		return "Unknown"
	}
}

// Envelope is the outer frame every RPC travels in: Kind picks which
// rpcpb struct Payload decodes to.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Serializer marshals/unmarshals both the Envelope itself and the rpcpb
// struct carried in its Payload, selected by the "--serializer" flag the
// way the teacher's rpc/serializer package is selected by its own CLI
// flag. json is readable and good for tooling; gob and binary are the
// peer-to-peer defaults.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(b []byte, v interface{}) error
	Name() string
}

// NewSerializer returns the Serializer registered under name.
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "json":
		return jsonSerializer{}, nil
	case "gob":
		return gobSerializer{}, nil
	case "binary":
		// No fixed field layout survives once a payload is already
		// arbitrary rpcpb bytes (unlike storage's binary LogEntryCodec,
		// which hand-parses a known field set); gob's self-describing
		// binary encoding is what "binary" means at this layer.
		return gobSerializer{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown serializer %q", name)
	}
}
