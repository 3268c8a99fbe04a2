package server

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/db"
	"github.com/nimbusdb/raft/lib/db/engines/maple"
	"github.com/nimbusdb/raft/lib/raft/metrics"
	"github.com/nimbusdb/raft/lib/raft/node"
	"github.com/nimbusdb/raft/lib/raft/storage"
	rafttransport "github.com/nimbusdb/raft/lib/raft/transport"
	"github.com/nimbusdb/raft/lib/store"
	"github.com/nimbusdb/raft/lib/store/dstore"
	"github.com/nimbusdb/raft/lib/store/lstore"
	"github.com/nimbusdb/raft/rpc/common"
	"github.com/nimbusdb/raft/rpc/serializer"
	"github.com/nimbusdb/raft/rpc/transport"

	_ "net/http/pprof"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the store it encapsulates and the adapter that handles
// requests for the store; the shard ID is its key in rpcServer.shards
type serverShard struct {
	Store   store.IStore
	Adapter IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     make(map[uint64]serverShard),
	}
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     map[uint64]serverShard

	raftServer *rafttransport.RaftServer
	raftRouter *rafttransport.GroupRouter
}

func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(shardId uint64, req []byte) []byte {
		var msg common.Message
		var respMsg common.Message

		// Get appropriate shard
		shard, ok := s.shards[shardId]

		// Case shard does not exist -> error
		if !ok {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     "shard not found",
			}
		} else {
			// Decode the request
			err := s.serializer.Deserialize(req, &msg)

			if err != nil {
				respMsg = common.Message{
					MsgType: common.MsgTError,
					Err:     fmt.Sprintf("failed to deserialize request: %s", err),
				}
			} else {
				// Let the adapter handle the request
				respMsg = *shard.Adapter.Handle(&msg, shard.Store)
			}
		}

		// Return result
		val, err := s.serializer.Serialize(respMsg)
		if err != nil {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("failed to serialize response: %s", err),
			}
		}
		return val
	})
}

// groupID turns a shard ID into the string every rpcpb request/GroupRouter
// registration carries.
func groupID(shardID uint64) string {
	return fmt.Sprintf("shard-%d", shardID)
}

func (s *rpcServer) init() error {

	// Init logger
	common.InitLoggers(s.config)

	// Function to create a new database instance
	dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }

	// Configure the timeout for the distributed store
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second

	// If any shard is a remote (replicated) one, stand up the raft RPC
	// listener every such shard's Node registers itself into.
	var self string
	if s.config.HasRemoteShard() {
		self, _ = s.config.ClusterMembers[s.config.ReplicaID]
		s.raftRouter = rafttransport.NewGroupRouter()
		codec, err := rafttransport.NewSerializer("binary")
		if err != nil {
			return fmt.Errorf("failed to create raft rpc serializer: %w", err)
		}
		s.raftServer = rafttransport.NewRaftServer(rafttransport.NewHTTPServerTransport(), codec, s.raftRouter)
		go func() {
			if err := s.raftServer.Serve(self); err != nil {
				Logger.Errorf("raft rpc server stopped: %v", err)
			}
		}()
	}

	// CREATE SHARDS

	/*
		Note: A single RPC Server can have any number of remote and or local shards.
		Each shard can be a store or a lock manager. The following loop creates all
		the shards and stores them for the RPC server.
	*/

	for _, shardConfig := range s.config.Shards {

		// Case local store
		if shardConfig.Type == common.ShardTypeLocalIStore {
			s.shards[shardConfig.ShardID] = serverShard{
				Store:   lstore.NewLocalStore(dbFactory),
				Adapter: NewIStoreServerAdapter(),
			}
			Logger.Infof("created local store for shard %d", shardConfig.ShardID)

			// Case local lock
		} else if shardConfig.Type == common.ShardTypeLocalILockManager {
			s.shards[shardConfig.ShardID] = serverShard{
				Store:   lstore.NewLocalStore(dbFactory),
				Adapter: NewLockManagerServerAdapter(),
			}
			Logger.Infof("created local lock manager for shard %d", shardConfig.ShardID)

			// Case remote store or remote lock
		} else {
			if s.raftRouter == nil {
				return fmt.Errorf("raft rpc router is nil, cannot create remote store")
			}

			n, fsm, err := s.startReplicatedShard(shardConfig.ShardID, dbFactory)
			if err != nil {
				return fmt.Errorf("failed to start shard %d: %w", shardConfig.ShardID, err)
			}

			// Choose the appropriate adapter based on the shard type
			var adapter IRPCServerAdapter
			if shardConfig.Type == common.ShardTypeRemoteILockManager { // Case remote lock manager
				adapter = NewLockManagerServerAdapter()
			} else if shardConfig.Type == common.ShardTypeRemoteIStore { // Case remote store
				adapter = NewIStoreServerAdapter()
			} else {
				return fmt.Errorf("invalid shard type: %s", shardConfig.Type)
			}

			s.shards[shardConfig.ShardID] = serverShard{
				Store:   dstore.NewDistributedStore(n, fsm, timeout),
				Adapter: adapter,
			}
		}
	}

	Logger.Infof("raftkv setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

// startReplicatedShard builds and starts a *node.Node for shardID,
// registering its RPC handlers into the server's GroupRouter under that
// shard's groupID, and returns it along with the KVStateMachine backing
// it so the caller can wrap both in a dstore.storeImpl.
func (s *rpcServer) startReplicatedShard(shardID uint64, dbFactory store.DBFactory) (*node.Node, *dstore.KVStateMachine, error) {
	self, err := s.config.Self()
	if err != nil {
		return nil, nil, err
	}
	conf, err := s.config.InitialConfiguration()
	if err != nil {
		return nil, nil, err
	}

	gid := groupID(shardID)
	dataDir := filepath.Join(s.config.DataDir, gid)
	logs := storage.NewPebbleLogStorage(storage.Options{Path: dataDir})

	fsm := dstore.NewKVStateMachine(dbFactory())

	codec, err := rafttransport.NewSerializer("binary")
	if err != nil {
		return nil, nil, err
	}
	sender := rafttransport.NewRaftClient(rafttransport.NewHTTPClientTransport(time.Duration(s.config.TimeoutSecond)*time.Second), codec)

	rec := metrics.New(fmt.Sprintf("%s-%s", self.Endpoint(), gid))

	n := node.New(s.config.ToNodeOptions(gid), self, conf, logs, sender, fsm, rec)
	s.raftRouter.Register(gid, n)

	if err := n.Start(context.Background()); err != nil {
		return nil, nil, err
	}

	Logger.Infof("started replicated shard %d as raft group %s", shardID, gid)
	return n, fsm, nil
}

// Serve starts the RPC server
// This function will also initialize the server plus the shards and start the transport layer
func (s *rpcServer) Serve() error {
	err := s.init()
	if err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}
