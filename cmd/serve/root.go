package serve

import (
	"fmt"
	cmdUtil "github.com/nimbusdb/raft/cmd/util"
	"github.com/nimbusdb/raft/lib/db/util"
	"github.com/nimbusdb/raft/rpc/common"
	"github.com/nimbusdb/raft/rpc/serializer"
	"github.com/nimbusdb/raft/rpc/server"
	"github.com/nimbusdb/raft/rpc/transport"
	"github.com/nimbusdb/raft/rpc/transport/http"
	"github.com/nimbusdb/raft/rpc/transport/tcp"
	"github.com/nimbusdb/raft/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strconv"
	"strings"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the raftkv server",
		Long:    `Start the raftkv server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is RAFTKV_<flag> (e.g. RAFTKV_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "shards"
	ServeCmd.PersistentFlags().String(key, "100=lstore,200=lockmgr(lstore)", cmdUtil.WrapString("Comma-separated list of shards to serve. Format: ID=TYPE where TYPE is one of: dstore, lstore, lockmgr(dstore), lockmgr(lstore)"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two replicas. The election timeout and leader lease timeout are derived from this value"))

	key = "snapshot-interval-secs"
	ServeCmd.PersistentFlags().Int(key, 3600, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) SnapshotIntervalSecs defines how often (in seconds) a replicated shard's state machine is snapshotted automatically"))

	key = "snapshot-log-index-margin"
	ServeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) SnapshotLogIndexMargin is the number of log entries kept past a completed snapshot's lastIncludedIndex before the log prefix is truncated"))

	key = "disruptor-buffer-size"
	ServeCmd.PersistentFlags().Int(key, 1024, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) DisruptorBufferSize bounds the apply-path ring buffer's capacity for each replicated shard"))

	key = "apply-batch"
	ServeCmd.PersistentFlags().Int(key, 32, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) ApplyBatch bounds how many proposals one drain pass appends in a single batched log write"))

	key = "max-read-index-lag"
	ServeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) MaxReadIndexLag bounds how far a ReadIndex request's target index may trail the applied index before the request is rejected as overloaded"))

	key = "enable-lease-read"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) EnableLeaseRead lets a leader within its lease answer ReadIndex without a confirmation round trip"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("(ConfServerModeMultiNode Mode) DataDir is the directory used for storing the snapshots"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(ConfServerModeMultiNode Mode) ReplicaID is the unique identifier for this replica (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(ConfServerModeMultiNode Mode) ClusterMembers is a comma-separated list of replica addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("(ConfServerModeMultiNode Mode) Timeout in seconds"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. http:localhost:8080, /tmp/raftkv.sock, ...)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// parse shards
	shardsConfig := viper.GetString("shards")
	serveCmdConfig.Shards = []common.ServerShard{}
	for _, shardConfig := range strings.Split(shardsConfig, ",") {
		parts := strings.Split(shardConfig, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid shard format: %s (expected ID=TYPE)", shardConfig)
		}

		// Parse shard ID
		shardID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid shard ID %s: %v", parts[0], err)
		}

		// Parse shard type
		shardType := strings.TrimSpace(parts[1])
		var serverShardType common.ServerShardType

		switch shardType {
		case "dstore":
			serverShardType = common.ShardTypeRemoteIStore
		case "lstore":
			serverShardType = common.ShardTypeLocalIStore
		case "lockmgr(dstore)":
			serverShardType = common.ShardTypeRemoteILockManager
		case "lockmgr(lstore)":
			serverShardType = common.ShardTypeLocalILockManager
		default:
			return fmt.Errorf("invalid shard type: %s (expected one of: dstore, lstore, lockmgr(dstore), lockmgr(lstore))", shardType)
		}

		serveCmdConfig.Shards = append(serveCmdConfig.Shards, common.ServerShard{
			ShardID: shardID,
			Type:    serverShardType,
		})
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotIntervalSecs = viper.GetUint64("snapshot-interval-secs")
	serveCmdConfig.SnapshotLogIndexMargin = viper.GetUint64("snapshot-log-index-margin")
	serveCmdConfig.DisruptorBufferSize = viper.GetUint64("disruptor-buffer-size")
	serveCmdConfig.ApplyBatch = viper.GetUint64("apply-batch")
	serveCmdConfig.MaxReadIndexLag = viper.GetUint64("max-read-index-lag")
	serveCmdConfig.EnableLeaseRead = viper.GetBool("enable-lease-read")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse replica id
	if id := viper.GetString("replica-id"); id != "" {
		serveCmdConfig.ReplicaID = uint64(util.HashString(id, 0))
	} else if serveCmdConfig.HasRemoteShard() {
		// error only if cluster mode
		return fmt.Errorf("ReplicaId is required for remote shards")
	}

	// parse cluster members
	if clusterMembers := viper.GetString("cluster-members"); clusterMembers != "" {
		serveCmdConfig.ClusterMembers = make(map[uint64]string)
		for _, member := range strings.Split(clusterMembers, ",") {
			parts := strings.Split(member, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
			}
			idHash := util.HashString(parts[0], 0)
			serveCmdConfig.ClusterMembers[uint64(idHash)] = parts[1]
		}
	} else if serveCmdConfig.HasRemoteShard() {
		// error only if cluster mode
		return fmt.Errorf("ClusterMembers is required for remote shards")
	}

	// test if the replica id is in the cluster members (only for cluster mode)
	if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.ReplicaID]; !ok && serveCmdConfig.HasRemoteShard() {
		return fmt.Errorf("no address found for replica ID %d in cluster members", serveCmdConfig.ReplicaID)
	}

	return nil
}

// serve starts the raftkv server
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	var s serializer.IRPCSerializer
	switch viper.GetString("serializer") {
	case "json":
		s = serializer.NewJSONSerializer()
	case "gob":
		s = serializer.NewGOBSerializer()
	case "binary":
		s = serializer.NewBinarySerializer()
	default:
		return fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}

	// Parse the transport
	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	case "tcp":
		t = tcp.NewTCPServerTransport(64 * 1024)
	case "unix":
		t = unix.NewUnixServerTransport(64 * 1024)
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
	)

	return serv.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("raftkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

}
