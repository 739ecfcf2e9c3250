// Package node wires the chain store, transaction pool, and per-peer
// synchronization together into a runnable service.
package node

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/config"
	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/libs/service"
	"github.com/hashforge/peersync/mempool"
	"github.com/hashforge/peersync/netsync"
	"github.com/hashforge/peersync/peer"
)

const dialTimeout = 10 * time.Second

// Node is the top level service: it owns the chain store and the transaction
// pool, accepts inbound peers, dials configured seeds, and runs a Poller and
// a Responder for every peer channel.
type Node struct {
	service.BaseService
	logger log.Logger
	cfg    *config.Config
	magic  wire.BitcoinNet

	db    dbm.DB
	chain *blockchain.ChainStore
	pool  *mempool.TxPool

	syncMetrics *netsync.Metrics

	listener net.Listener
	promSrv  *http.Server
	tasks    *taskgroup.Group

	mtx   sync.Mutex
	peers map[*peer.Conn]struct{}
}

// New creates a Node from the given configuration.
func New(logger log.Logger, cfg *config.Config) (*Node, error) {
	params, err := cfg.NetParams()
	if err != nil {
		return nil, err
	}

	db, err := dbm.NewDB("chain", dbm.BackendType(cfg.Chain.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, err
	}

	poolMetrics := mempool.NopMetrics()
	syncMetrics := netsync.NopMetrics()
	if cfg.Instrumentation.Prometheus {
		poolMetrics = mempool.PrometheusMetrics(cfg.Instrumentation.Namespace)
		syncMetrics = netsync.PrometheusMetrics(cfg.Instrumentation.Namespace)
	}

	chain := blockchain.NewChainStore(logger.With("module", "blockchain"), db, params)
	pool := mempool.NewTxPool(
		logger.With("module", "mempool"),
		cfg.Mempool,
		chain,
		mempool.WithMetrics(poolMetrics),
	)

	n := &Node{
		logger:      logger,
		cfg:         cfg,
		magic:       params.Net,
		db:          db,
		chain:       chain,
		pool:        pool,
		syncMetrics: syncMetrics,
		peers:       make(map[*peer.Conn]struct{}),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// Chain exposes the node's chain store.
func (n *Node) Chain() *blockchain.ChainStore { return n.chain }

// Mempool exposes the node's transaction pool.
func (n *Node) Mempool() *mempool.TxPool { return n.pool }

// Addr returns the address the node is listening on for peers. Only valid
// after Start.
func (n *Node) Addr() net.Addr { return n.listener.Addr() }

// OnStart starts the chain store and pool, binds the peer listener, and
// dials the configured seeds.
func (n *Node) OnStart() error {
	if err := n.chain.Start(); err != nil {
		return err
	}
	if err := n.pool.Start(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", n.cfg.P2P.ListenAddress)
	if err != nil {
		return err
	}
	n.listener = listener
	n.logger.Info("listening for peers", "addr", listener.Addr().String())

	n.tasks = taskgroup.New(nil)
	n.tasks.Go(n.acceptLoop)

	for _, seed := range n.cfg.P2P.Seeds {
		seed := seed
		n.tasks.Go(func() error {
			n.dialSeed(seed)
			return nil
		})
	}

	if n.cfg.Instrumentation.Prometheus {
		n.promSrv = &http.Server{
			Addr:    n.cfg.Instrumentation.PrometheusListenAddr,
			Handler: promhttp.Handler(),
		}
		n.tasks.Go(func() error {
			if err := n.promSrv.ListenAndServe(); err != http.ErrServerClosed {
				n.logger.Error("prometheus server", "err", err)
			}
			return nil
		})
	}

	return nil
}

// OnStop closes the listener and every peer channel, then stops the pool and
// the chain store.
func (n *Node) OnStop() {
	_ = n.listener.Close()
	if n.promSrv != nil {
		_ = n.promSrv.Close()
	}

	n.mtx.Lock()
	for pc := range n.peers {
		_ = pc.Close()
	}
	n.mtx.Unlock()

	_ = n.tasks.Wait()

	_ = n.pool.Stop()
	_ = n.chain.Stop()
	_ = n.db.Close()
}

func (n *Node) acceptLoop() error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			// listener closed on shutdown
			return nil
		}
		n.tasks.Go(func() error {
			n.servePeer(conn)
			return nil
		})
	}
}

func (n *Node) dialSeed(addr string) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		n.logger.Error("dialing seed", "addr", addr, "err", err)
		return
	}
	n.servePeer(conn)
}

// servePeer runs a Poller and Responder over the connection until the
// channel closes.
func (n *Node) servePeer(conn net.Conn) {
	logger := n.logger.With("module", "netsync", "peer", conn.RemoteAddr().String())
	pc := peer.NewConn(n.logger.With("module", "peer"), conn, n.magic)

	n.mtx.Lock()
	n.peers[pc] = struct{}{}
	n.mtx.Unlock()

	// the node may have begun stopping between the accept and the
	// registration above
	if !n.IsRunning() {
		_ = pc.Close()
	}

	poller := netsync.NewPoller(logger, n.chain, netsync.WithPollerMetrics(n.syncMetrics))
	responder := netsync.NewResponder(logger, n.chain, n.pool, netsync.WithResponderMetrics(n.syncMetrics))

	poller.Monitor(pc)
	responder.Monitor(pc)
	poller.Query(pc)

	<-pc.Done()

	poller.Stop()
	responder.Stop()

	n.mtx.Lock()
	delete(n.peers, pc)
	n.mtx.Unlock()

	logger.Info("peer disconnected")
}
