package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/node"
)

// --------------------------------------------------------------------------
// helper functions to build the raft core's own config types out of a
// ServerConfig
// --------------------------------------------------------------------------

// electionRTTFactor/heartbeatRTTFactor mirror the RAFT paper's suggested
// ratio between a node's base round-trip-time tick and the timers derived
// from it: elections wait an order of magnitude longer than a heartbeat
// needs, so a lost heartbeat or two doesn't trigger a spurious election.
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToNodeOptions converts the ServerConfig to the node.Options a
// node.New call for groupID needs.
func (c *ServerConfig) ToNodeOptions(groupID string) node.Options {
	return node.Options{
		GroupID:                groupID,
		ElectionTimeoutMs:      int(c.RTTMillisecond) * electionRTTFactor,
		SnapshotIntervalSecs:   int(c.SnapshotIntervalSecs),
		SnapshotLogIndexMargin: c.SnapshotLogIndexMargin,
		DisruptorBufferSize:    int(c.DisruptorBufferSize),
		ApplyBatch:             int(c.ApplyBatch),
		MaxReadIndexLag:        c.MaxReadIndexLag,
		LeaderLeaseTimeoutMs:   int(c.RTTMillisecond) * heartbeatRTTFactor * 5,
		EnableLeaseRead:        c.EnableLeaseRead,
		RPCTimeout:             time.Duration(c.TimeoutSecond) * time.Second,
		MaxEntriesPerBatch:     int(c.ApplyBatch),
	}
}

// Self resolves this node's own raft.PeerID out of ClusterMembers.
func (c *ServerConfig) Self() (raft.PeerID, error) {
	addr, ok := c.ClusterMembers[c.ReplicaID]
	if !ok {
		return raft.PeerID{}, fmt.Errorf("common: replica id %d not present in cluster-members", c.ReplicaID)
	}
	return raft.ParsePeerID(addr)
}

// InitialConfiguration builds the replication group's starting voter set
// out of every entry in ClusterMembers. It is only consulted by node.New
// when the log is empty; a log that already has a configuration entry
// wins over this.
func (c *ServerConfig) InitialConfiguration() (raft.Configuration, error) {
	var ids []uint64
	for id := range c.ClusterMembers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	peers := make([]raft.PeerID, 0, len(ids))
	for _, id := range ids {
		p, err := raft.ParsePeerID(c.ClusterMembers[id])
		if err != nil {
			return raft.Configuration{}, fmt.Errorf("common: cluster-members[%d]: %w", id, err)
		}
		peers = append(peers, p)
	}
	return raft.NewConfiguration(peers, nil), nil
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type ServerShardType string

const (
	ShardTypeLocalIStore        ServerShardType = "local store"
	ShardTypeRemoteIStore                       = "remote store"
	ShardTypeLocalILockManager                  = "local lock manager"
	ShardTypeRemoteILockManager                 = "remote lock manager"
)

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type is the kind of store or lock manager served for the shard
	Type ServerShardType
}

// ServerConfig holds all configuration parameters for the RAFT cluster.
type ServerConfig struct {
	// the shards this server serves; any remote shard runs in a cluster
	Shards []ServerShard

	// Raft core parameters, forwarded into node.Options for every remote
	// shard (see ToNodeOptions).
	RTTMillisecond         uint64
	SnapshotIntervalSecs   uint64
	SnapshotLogIndexMargin uint64
	DisruptorBufferSize    uint64
	ApplyBatch             uint64
	MaxReadIndexLag        uint64
	EnableLeaseRead        bool
	DataDir                string
	ReplicaID              uint64
	ClusterMembers         map[uint64]string

	// remote kvStore parameters
	TimeoutSecond int64

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// HasRemoteShard checks if the configuration contains any remote shards
func (c *ServerConfig) HasRemoteShard() bool {
	for _, shard := range c.Shards {
		if shard.Type == ShardTypeRemoteIStore || shard.Type == ShardTypeRemoteILockManager {
			return true
		}
	}
	return false
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Shards
	addSection("Shards")
	for _, shard := range c.Shards {
		addField(strconv.FormatUint(shard.ShardID, 10), string(shard.Type))
	}

	if c.HasRemoteShard() {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election Timeout (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Snapshot Interval (s)", fmt.Sprintf("%d", c.SnapshotIntervalSecs))
		addField("Snapshot Log Index Margin", fmt.Sprintf("%d", c.SnapshotLogIndexMargin))
		addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

		// Storage
		addSection("Storage")
		addField("Data Directory", c.DataDir)

		// Cluster membership
		addSection("Cluster Members")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
