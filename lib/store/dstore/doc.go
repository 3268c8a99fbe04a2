// Package dstore implements a distributed, fault-tolerant key-value store using
// this module's own RAFT consensus core (lib/raft/node). It provides a strongly
// consistent implementation of the store.IStore interface that can operate
// across multiple nodes while maintaining linearizable consistency.
//
// Architecture:
//
// The dstore implementation consists of three main components:
//
//   - Store Client (store.go): Implements the store.IStore interface and
//     communicates with the replication group. It serializes operations into
//     commands, proposes them via node.Node.Apply, and establishes a
//     safe-to-read point via node.Node.ReadIndex before serving reads.
//
//   - State Machine (statemachine.go): A fsmcaller.StateMachine /
//     fsmcaller.SnapshotStateMachine implementation that applies committed
//     commands on each node. The state machine wraps a db.KVDB instance and
//     applies operations to it.
//
//   - Communication Protocol: Defined in the internal package, this consists of
//     Command structures with serialization logic for proposing operations
//     through the replication group's log.
//
// Consensus Model:
//
//	The store uses this module's RAFT implementation, which provides:
//
//	- Strong Consistency: All operations are linearizable, meaning they appear to
//	  execute atomically and in a consistent order across all nodes.
//
//	- Fault Tolerance: The system remains operational as long as a majority of nodes
//	  are functioning. With 2N+1 nodes, up to N node failures can be tolerated.
//
//	- Leader-Based Processing: Write operations are accepted only by the leader node,
//	  replicated to followers, and only considered committed when a majority of nodes
//	  have persisted the operation. A store whose node is not the leader fails the
//	  write with a not-leader error; it does not forward it.
//
// Write Operations:
//
//	All write operations (Set, SetE, SetEIfUnset, Expire, Delete) follow this flow:
//
//	1. The operation is serialized into a Command structure
//	2. The Command is proposed to the replication group via node.Node.Apply
//	3. The leader node replicates the command to a majority of followers
//	4. Once committed, the command is applied to the state machine on each node (OnApply in statemachine.go)
//	5. The result is delivered back to the caller via the Task's Closure
//
//	The write index for all operations is the RAFT log index of the committed
//	entry, ensuring a globally consistent ordering of operations across the cluster.
//
// Read Operations:
//
// Read operations (Get, Has, GetDBInfo) can be handled in two ways:
//
//   - Linearizable Reads: By default, reads call node.Node.ReadIndex first, which
//     confirms with a majority of the group that the node servicing the read has
//     applied every entry committed as of that call before the read proceeds.
//     This guarantees the operation sees the latest committed state of the
//     database, regardless of which node in the cluster processes the read.
//
//   - Stale Reads: For less critical operations (GetDBInfo), the ReadIndex round
//     trip is skipped, which may return slightly outdated information but with
//     lower latency.
//
// Error Handling:
//
//	The store translates failures surfaced by the replication layer into
//	store.Error values:
//
//	- Not Leader / Canceled / Storage IO errors surfaced via the Task's Closure or
//	  ReadIndex's returned *raft.Error are wrapped as store.RetCInternalError.
//
//	- Timeouts: All operations have a configurable timeout. If consensus cannot be
//	  reached within this period, the operation fails with a timeout error.
//
//	- Feature Compatibility: Before executing operations, the state machine verifies
//	  that the underlying db.KVDB implementation supports the required features.
//
// Snapshotting and Recovery:
//
// The state machine implements fsmcaller.SnapshotStateMachine to persist its state:
//
//   - Snapshots: The state machine serializes its state by bridging db.KVDB's
//     io.Writer-based Save method into the []byte shape Save() returns.
//
//   - Recovery: On startup, nodes first restore their state from the most recent
//     snapshot using Restore, which bridges the []byte payload back into
//     db.KVDB's io.Reader-based Load method. Then, they receive all RAFT log
//     entries committed after the snapshot was taken from other nodes in the
//     cluster. This two-phase process ensures that after recovery is complete,
//     the node reaches the same consistent state as all other nodes in the cluster.
//
// Usage:
//
//	Setting up and using dstore requires several steps:
//
//	1. Create a db.KVDB factory function
//	2. Build the state machine and a *node.Node for the shard
//	3. Create the distributed store with appropriate timeout
//	4. Begin operations once the node has a leader
//
//	Example:
//
//	  // DB factory for store
//	  dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }
//
//	  // Build the state machine and the node for this shard
//	  fsm := dstore.NewKVStateMachine(dbFactory())
//	  n := node.New(opts, self, initialConf, logs, sender, fsm, metrics)
//	  if err := n.Start(ctx); err != nil { ... }
//
//	  // Create store with appropriate timeout
//	  timeout := time.Duration(5) * time.Second
//	  store := dstore.NewDistributedStore(n, fsm, timeout)
//
//	  // Begin operations once the shard has elected a leader
//	  // ...
//
// Performance Considerations:
//
//   - Consensus Overhead: Due to the requirement for replication and majority commitment,
//     distributed operations are significantly slower than local operations.
//
//   - Network Conditions: Operation latency is highly dependent on network conditions
//     between nodes. Timeouts should be adjusted based on expected network performance.
//
// Deployment Recommendations:
//
//   - Node Count: Deploy with an odd number of nodes (typically 3, 5, or 7) to ensure
//     majority consensus is always possible.
//
//   - Geographic Distribution: For maximum fault tolerance, distribute nodes across
//     different failure domains (servers, racks, data centers).
//
//   - Network Quality: Ensure low-latency, high-bandwidth connections between nodes
//     for optimal performance.
//
// Limitations:
//
//   - Majority Requirement: Operations cannot proceed if a majority of nodes are unavailable
//   - Leader Dependency: Write operations require the leader to be available
//   - Consistency vs. Performance: The strong consistency model introduces performance overhead
//
// For scenarios where distributed consensus is not required, consider using the simpler
// and faster lstore package, which provides a single-node not-persistent implementation of the
// same interface.
package dstore
