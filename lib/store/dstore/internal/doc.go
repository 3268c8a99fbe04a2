// Package internal provides the communication protocol structures and serialization
// logic for the dstore package. It defines the wire format used to transmit operations
// between the store client and the distributed state machine.
//
// This package is intended for internal use by the dstore implementation and should
// not be imported directly by external code.
//
// The package consists of one main component:
//
//   - Command System: Defines write operations (Set, SetE, etc.) that modify the
//     state of the database. Commands are serialized and proposed to the replication
//     group, applied on the state machine, and produce results that are returned to
//     the client. The Command structure includes efficient binary serialization.
//
// Read operations (Get, Has, GetDBInfo) need no wire format of their own: they are
// served directly off the state machine's own Get/Has/GetDBInfo methods once
// node.Node.ReadIndex confirms a safe-to-read point, rather than being proposed
// through the log.
//
// Protocol Design:
//
//	The Command serialization format is optimized for:
//
//	- Minimal Size: Commands use a compact binary encoding that minimizes the amount
//	  of data transmitted over the network and stored in the RAFT log.
//
//	- Efficient Parsing: The format is designed for fast serialization and deserialization
//	  with minimal allocations.
//
// Command Format:
//
//	Commands are serialized into a binary format with the following structure:
//
//	- 1 byte: Command type (Set, SetE, SetEIfUnset, Expire, Delete)
//	- 8 bytes: ExpireIn value (uint64, big endian)
//	- 8 bytes: DeleteIn value (uint64, big endian)
//	- 4 bytes: Key length (uint32, big endian)
//	- N bytes: Key data (string as byte array)
//	- M bytes: Value data (optional, only present for Set-type operations)
//
//	This format ensures efficient storage in the RAFT log while providing all
//	necessary information for the operation.
//
// Type Mapping:
//
//	The package maps Command types one way, to:
//	- db.Feature (db.KVDB) flags for feature detection
//	- String representations for logging and debugging
//
// Thread Safety:
//
//	The types in this package are not thread-safe and should not be shared
//	across goroutines without external synchronization. However, this is not
//	typically an issue as the RAFT protocol ensures sequential processing of
//	commands on the state machine.
package internal
