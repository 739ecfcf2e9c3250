package netsync

import (
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/libs/strand"
	"github.com/hashforge/peersync/mempool"
	"github.com/hashforge/peersync/peer"
)

// Responder services a single peer's getdata requests. Transactions are
// resolved from the pool first, then from the chain's confirmed index;
// blocks from the chain. Misses and unknown inventory kinds are dropped
// silently. Entries of one request resolve strictly in order: each lookup's
// continuation starts the next entry on the Responder's serialization
// context, so replies leave in request order.
type Responder struct {
	logger  log.Logger
	chain   blockchain.Chain
	pool    *mempool.TxPool
	metrics *Metrics
	ctx     *strand.Strand
}

// ResponderOption sets an optional parameter on the Responder.
type ResponderOption func(*Responder)

// WithResponderMetrics sets the Responder's metrics collector.
func WithResponderMetrics(metrics *Metrics) ResponderOption {
	return func(r *Responder) { r.metrics = metrics }
}

// NewResponder creates a Responder over the given chain and pool.
func NewResponder(logger log.Logger, chain blockchain.Chain, pool *mempool.TxPool, options ...ResponderOption) *Responder {
	r := &Responder{
		logger:  logger,
		chain:   chain,
		pool:    pool,
		metrics: NopMetrics(),
		ctx:     strand.New(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Stop releases the Responder's serialization context. Call when the peer
// channel closes.
func (r *Responder) Stop() {
	r.ctx.Stop()
}

// Monitor subscribes to the channel's getdata stream. The handler re-arms
// the subscription on every invocation.
func (r *Responder) Monitor(ch peer.Channel) {
	r.subscribe(ch)
}

func (r *Responder) subscribe(ch peer.Channel) {
	ch.SubscribeGetData(func(err error, getData *wire.MsgGetData) {
		r.ctx.Post(func() { r.receiveGetData(err, getData, ch) })
	})
}

func (r *Responder) receiveGetData(err error, getData *wire.MsgGetData, ch peer.Channel) {
	if err != nil {
		r.logger.Error("received bad getdata", "err", err)
		return
	}

	r.processEntry(getData.InvList, 0, ch)
	r.subscribe(ch)
}

// processEntry resolves entry i and chains into entry i+1. Runs on the
// Responder's serialization context; lookup continuations hop back onto it.
func (r *Responder) processEntry(entries []*wire.InvVect, i int, ch peer.Channel) {
	if i >= len(entries) {
		return
	}

	next := func() {
		r.ctx.Post(func() { r.processEntry(entries, i+1, ch) })
	}

	iv := entries[i]
	switch iv.Type {
	case wire.InvTypeTx:
		r.pool.Fetch(iv.Hash, func(err error, tx *btcutil.Tx) {
			if err == nil {
				r.sendTx(tx, ch)
				next()
				return
			}
			r.chain.FetchTransaction(iv.Hash, func(err error, tx *btcutil.Tx) {
				switch {
				case err == nil:
					r.sendTx(tx, ch)
				case !errors.Is(err, blockchain.ErrNotFound):
					r.logger.Error("fetching transaction", "hash", iv.Hash, "err", err)
				}
				next()
			})
		})

	case wire.InvTypeBlock:
		r.chain.FetchBlock(iv.Hash, func(err error, block *btcutil.Block) {
			switch {
			case err == nil:
				ch.Send(block.MsgBlock(), r.handleSend)
				r.metrics.BlocksServed.Add(1)
			case !errors.Is(err, blockchain.ErrNotFound):
				r.logger.Error("fetching block", "hash", iv.Hash, "err", err)
			}
			next()
		})

	default:
		// error and unknown kinds are dropped
		next()
	}
}

func (r *Responder) sendTx(tx *btcutil.Tx, ch peer.Channel) {
	ch.Send(tx.MsgTx(), r.handleSend)
	r.metrics.TxsServed.Add(1)
}

func (r *Responder) handleSend(err error) {
	if err != nil {
		r.logger.Error("send problem", "err", err)
	}
}
