package netsync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/libs/strand"
	"github.com/hashforge/peersync/peer"
)

var zeroHash chainhash.Hash

// Poller drives forward block synchronization with one peer: it solicits
// block inventory with getblocks, requests announced blocks with getdata,
// and submits received blocks to the chain. Progress is peer-driven; when
// the peer has nothing further to announce the Poller goes quiet.
//
// lastBlockHash and lastHashEnd are advisory dedup hints, not correctness
// guarantees: the former suppresses re-requesting the block most recently
// asked for, the latter suppresses a getblocks whose locator front matches
// the previous one.
type Poller struct {
	logger  log.Logger
	chain   blockchain.Chain
	metrics *Metrics
	ctx     *strand.Strand

	lastBlockHash chainhash.Hash
	lastHashEnd   chainhash.Hash
}

// PollerOption sets an optional parameter on the Poller.
type PollerOption func(*Poller)

// WithPollerMetrics sets the Poller's metrics collector.
func WithPollerMetrics(metrics *Metrics) PollerOption {
	return func(p *Poller) { p.metrics = metrics }
}

// NewPoller creates a Poller over the given chain.
func NewPoller(logger log.Logger, chain blockchain.Chain, options ...PollerOption) *Poller {
	p := &Poller{
		logger:  logger,
		chain:   chain,
		metrics: NopMetrics(),
		ctx:     strand.New(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Stop releases the Poller's serialization context. Call when the peer
// channel closes.
func (p *Poller) Stop() {
	p.ctx.Stop()
}

// Query initiates synchronization: it asks the chain for the current block
// locator and sends the peer a getblocks with no stop hash.
func (p *Poller) Query(ch peer.Channel) {
	p.fetchLocatorAndAsk(zeroHash, ch)
}

// Monitor subscribes to the channel's inventory and block streams. Each
// handler re-arms its subscription, so the peer's messages keep flowing
// until the channel closes.
func (p *Poller) Monitor(ch peer.Channel) {
	p.subscribeInventory(ch)
	p.subscribeBlock(ch)
}

func (p *Poller) subscribeInventory(ch peer.Channel) {
	ch.SubscribeInventory(func(err error, inv *wire.MsgInv) {
		p.ctx.Post(func() { p.receiveInv(err, inv, ch) })
	})
}

func (p *Poller) subscribeBlock(ch peer.Channel) {
	ch.SubscribeBlock(func(err error, block *btcutil.Block) {
		p.receiveBlock(err, block, ch)
	})
}

// receiveInv filters block announcements and requests the ones not already
// asked for. Runs on the Poller's serialization context.
func (p *Poller) receiveInv(err error, inv *wire.MsgInv, ch peer.Channel) {
	if err != nil {
		p.logger.Error("received bad inventory", "err", err)
		return
	}

	getData := wire.NewMsgGetData()
	for _, iv := range inv.InvList {
		if iv.Type != wire.InvTypeBlock {
			continue
		}
		// already requested this block
		if iv.Hash == p.lastBlockHash {
			continue
		}
		if err := getData.AddInvVect(iv); err != nil {
			p.logger.Error("building getdata", "err", err)
			break
		}
	}

	if len(getData.InvList) > 0 {
		p.lastBlockHash = getData.InvList[len(getData.InvList)-1].Hash
		ch.Send(getData, p.handleSend)
		p.metrics.BlocksRequested.Add(float64(len(getData.InvList)))
	}

	p.subscribeInventory(ch)
}

// receiveBlock hands a received block to the chain for storage.
func (p *Poller) receiveBlock(err error, block *btcutil.Block, ch peer.Channel) {
	if err != nil {
		p.logger.Error("received bad block", "err", err)
		return
	}

	blockHash := *block.Hash()
	p.chain.Store(block, func(err error, info blockchain.BlockInfo) {
		p.handleStore(err, info, blockHash, ch)
	})

	p.subscribeBlock(ch)
}

func (p *Poller) handleStore(err error, info blockchain.BlockInfo, blockHash chainhash.Hash, ch peer.Channel) {
	// orphan blocks are needed for the next getblocks round, so an orphan
	// outcome is not a failure even when an error accompanies it
	if err != nil && info.Status != blockchain.StatusOrphan {
		p.logger.Error("storing block", "hash", blockHash, "err", err)
		return
	}

	switch info.Status {
	case blockchain.StatusOrphan:
		// the block is ahead of our chain; ask for the gap up to it
		p.fetchLocatorAndAsk(blockHash, ch)

	case blockchain.StatusRejected:
		p.logger.Error("rejected block", "hash", blockHash)

	case blockchain.StatusConfirmed:
		p.logger.Info("stored block", "height", info.Height, "hash", blockHash)
		p.metrics.BlocksStored.Add(1)
	}
}

func (p *Poller) fetchLocatorAndAsk(stopHash chainhash.Hash, ch peer.Channel) {
	p.chain.FetchBlockLocator(func(err error, locator blockchain.BlockLocator) {
		if err != nil {
			p.logger.Error("fetching block locator", "err", err)
			return
		}
		p.ctx.Post(func() { p.askBlocks(locator, stopHash, ch) })
	})
}

// askBlocks sends getblocks unless the locator front matches the one most
// recently sent. Runs on the Poller's serialization context.
func (p *Poller) askBlocks(locator blockchain.BlockLocator, stopHash chainhash.Hash, ch peer.Channel) {
	if len(locator) == 0 {
		p.logger.Error("ask blocks: empty locator")
		return
	}
	if *locator[0] == p.lastHashEnd {
		p.logger.Debug("skipping duplicate ask blocks", "hash", locator[0])
		return
	}

	msg := wire.NewMsgGetBlocks(&stopHash)
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			p.logger.Error("building getblocks", "err", err)
			return
		}
	}

	ch.Send(msg, p.handleSend)
	p.lastHashEnd = *locator[0]
}

func (p *Poller) handleSend(err error) {
	if err != nil {
		p.logger.Error("send problem", "err", err)
	}
}
