package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/nimbusdb/raft/lib/raft"
)

// binaryCodec is a length-prefixed custom binary format, adapted from the
// flags-byte layout used by the RPC binary serializer: optional fields are
// only written when present, keeping NO_OP and plain DATA entries small.
type binaryCodec struct{}

// NewBinaryCodec returns the default on-disk LogEntryCodec.
func NewBinaryCodec() LogEntryCodec {
	return binaryCodec{}
}

func (binaryCodec) Name() string { return "binary" }

const (
	binFlagData        byte = 1 << 0
	binFlagPeers       byte = 1 << 1
	binFlagLearners    byte = 1 << 2
	binFlagOldPeers    byte = 1 << 3
	binFlagOldLearners byte = 1 << 4
	binFlagChecksum    byte = 1 << 5
)

func (binaryCodec) Encode(e *raft.LogEntry) ([]byte, error) {
	var flags byte
	if len(e.Data) > 0 {
		flags |= binFlagData
	}
	if len(e.Peers) > 0 {
		flags |= binFlagPeers
	}
	if len(e.Learners) > 0 {
		flags |= binFlagLearners
	}
	if len(e.OldPeers) > 0 {
		flags |= binFlagOldPeers
	}
	if len(e.OldLearners) > 0 {
		flags |= binFlagOldLearners
	}
	if e.Checksum != 0 {
		flags |= binFlagChecksum
	}

	buf := make([]byte, 0, 32+len(e.Data))
	hdr := make([]byte, 18)
	binary.BigEndian.PutUint64(hdr[0:8], e.ID.Index)
	binary.BigEndian.PutUint64(hdr[8:16], e.ID.Term)
	hdr[16] = byte(e.Type)
	hdr[17] = flags
	buf = append(buf, hdr...)

	if flags&binFlagData != 0 {
		buf = appendBytes(buf, e.Data)
	}
	if flags&binFlagPeers != 0 {
		buf = appendPeers(buf, e.Peers)
	}
	if flags&binFlagLearners != 0 {
		buf = appendPeers(buf, e.Learners)
	}
	if flags&binFlagOldPeers != 0 {
		buf = appendPeers(buf, e.OldPeers)
	}
	if flags&binFlagOldLearners != 0 {
		buf = appendPeers(buf, e.OldLearners)
	}
	if flags&binFlagChecksum != 0 {
		csum := make([]byte, 8)
		binary.BigEndian.PutUint64(csum, e.Checksum)
		buf = append(buf, csum...)
	}
	return buf, nil
}

func appendBytes(buf, data []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	buf = append(buf, lenBuf...)
	return append(buf, data...)
}

func appendPeers(buf []byte, peers []raft.PeerID) []byte {
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(peers)))
	buf = append(buf, countBuf...)
	for _, p := range peers {
		buf = appendBytes(buf, []byte(p.String()))
	}
	return buf
}

func readBytes(data []byte, pos int) (out []byte, newPos int, err error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("raft: truncated length prefix at %d", pos)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+n > len(data) {
		return nil, pos, fmt.Errorf("raft: truncated field at %d (want %d bytes)", pos, n)
	}
	return data[pos : pos+n], pos + n, nil
}

func readPeers(data []byte, pos int) (out []raft.PeerID, newPos int, err error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("raft: truncated peer count at %d", pos)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	out = make([]raft.PeerID, 0, n)
	for i := 0; i < n; i++ {
		var raw []byte
		raw, pos, err = readBytes(data, pos)
		if err != nil {
			return nil, pos, err
		}
		p, err := raft.ParsePeerID(string(raw))
		if err != nil {
			return nil, pos, err
		}
		out = append(out, p)
	}
	return out, pos, nil
}

func (binaryCodec) Decode(data []byte) (*raft.LogEntry, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("raft: log entry too short for binary header")
	}
	e := &raft.LogEntry{
		ID:   raft.LogID{Index: binary.BigEndian.Uint64(data[0:8]), Term: binary.BigEndian.Uint64(data[8:16])},
		Type: raft.EntryType(data[16]),
	}
	flags := data[17]
	pos := 18
	var err error
	if flags&binFlagData != 0 {
		e.Data, pos, err = readBytes(data, pos)
		if err != nil {
			return nil, err
		}
	}
	if flags&binFlagPeers != 0 {
		e.Peers, pos, err = readPeers(data, pos)
		if err != nil {
			return nil, err
		}
	}
	if flags&binFlagLearners != 0 {
		e.Learners, pos, err = readPeers(data, pos)
		if err != nil {
			return nil, err
		}
	}
	if flags&binFlagOldPeers != 0 {
		e.OldPeers, pos, err = readPeers(data, pos)
		if err != nil {
			return nil, err
		}
	}
	if flags&binFlagOldLearners != 0 {
		e.OldLearners, pos, err = readPeers(data, pos)
		if err != nil {
			return nil, err
		}
	}
	if flags&binFlagChecksum != 0 {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("raft: truncated checksum")
		}
		e.Checksum = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
	}
	return e, nil
}
