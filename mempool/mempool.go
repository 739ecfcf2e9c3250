// Package mempool implements the bounded pool of validated unconfirmed
// transactions, kept consistent with blockchain reorganizations.
package mempool

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/config"
	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/libs/service"
	"github.com/hashforge/peersync/libs/strand"
	"github.com/hashforge/peersync/validate"
)

// Callback signatures for the asynchronous pool API.
type (
	// ConfirmFunc is bound to a pool entry and fires exactly once: with nil
	// when the transaction is confirmed in a block, or with an error when
	// the entry is evicted or a post-reorganization resubmission fails.
	ConfirmFunc func(err error)

	// StoreFunc receives the outcome of a store. With a nil error,
	// unconfirmed lists the inputs funded by other pool transactions; with
	// validate.ErrInputNotFound it holds exactly the offending input index.
	StoreFunc func(err error, unconfirmed []uint32)

	FetchFunc  func(err error, tx *btcutil.Tx)
	ExistsFunc func(exists bool)
)

// entry is one pooled transaction together with its confirmation callback.
// Entry order is arrival order; resubmission after a reorganization submits
// entries front to back, so a transaction spending an earlier pool
// transaction is submitted after its funder. The resubmitted validations run
// interleaved: a spender's input check does not wait for its funder to
// re-enter the pool, and fails with validate.ErrInputNotFound if it runs
// first.
type entry struct {
	hash      chainhash.Hash
	tx        *btcutil.Tx
	onConfirm ConfirmFunc
}

// TxPoolOption sets an optional parameter on the TxPool.
type TxPoolOption func(*TxPool)

// TxPool holds validated unconfirmed transactions in arrival order, bounded
// by the configured capacity with oldest-first eviction. All state lives on
// the pool's serialization context; the public API may be called from any
// goroutine and every callback is invoked on that context, in posted order.
type TxPool struct {
	service.BaseService
	logger  log.Logger
	metrics *Metrics
	cfg     *config.MempoolConfig

	chain blockchain.Chain
	ctx   *strand.Strand

	entries []*entry
	index   map[chainhash.Hash]*entry
}

var _ validate.PoolView = (*TxPool)(nil)

// NewTxPool creates a TxPool over the given chain. Start subscribes it to
// chain reorganizations.
func NewTxPool(logger log.Logger, cfg *config.MempoolConfig, chain blockchain.Chain, options ...TxPoolOption) *TxPool {
	tp := &TxPool{
		logger:  logger,
		metrics: NopMetrics(),
		cfg:     cfg,
		chain:   chain,
		ctx:     strand.New(),
		index:   make(map[chainhash.Hash]*entry),
	}
	tp.BaseService = *service.NewBaseService(logger, "TxPool", tp)

	for _, opt := range options {
		opt(tp)
	}
	return tp
}

// WithMetrics sets the pool's metrics collector.
func WithMetrics(metrics *Metrics) TxPoolOption {
	return func(tp *TxPool) { tp.metrics = metrics }
}

// OnStart subscribes to blockchain reorganizations.
func (tp *TxPool) OnStart() error {
	tp.chain.SubscribeReorganize(tp.handleReorganize)
	return nil
}

// OnStop tears down the serialization context. Pending callbacks are not
// invoked.
func (tp *TxPool) OnStop() {
	tp.ctx.Stop()
}

// Store validates tx against the chain and the current pool and inserts it
// when valid. onStore receives the outcome exactly once. onConfirm transfers
// into the pool with the entry and fires once the transaction's final fate
// is known.
func (tp *TxPool) Store(tx *btcutil.Tx, onConfirm ConfirmFunc, onStore StoreFunc) {
	tp.ctx.Post(func() { tp.doStore(tx, onConfirm, onStore) })
}

func (tp *TxPool) doStore(tx *btcutil.Tx, onConfirm ConfirmFunc, onStore StoreFunc) {
	e := &entry{hash: *tx.Hash(), tx: tx, onConfirm: onConfirm}

	job := validate.NewTx(tp.chain, tx, tp, tp.ctx)
	job.Start(func(err error, unconfirmed []uint32) {
		tp.handleValidated(err, unconfirmed, e, onStore)
	})
}

func (tp *TxPool) handleValidated(err error, unconfirmed []uint32, e *entry, onStore StoreFunc) {
	switch {
	case errors.Is(err, validate.ErrInputNotFound):
		tp.metrics.FailedTxs.Add(1)
		onStore(err, unconfirmed)

	case err != nil:
		tp.metrics.FailedTxs.Add(1)
		onStore(err, nil)

	// Re-check: another store may have inserted the same hash while this
	// validation was in flight.
	case tp.Has(e.hash):
		onStore(ErrTxInPool, nil)

	default:
		tp.entries = append(tp.entries, e)
		tp.index[e.hash] = e
		tp.enforceLimit()
		tp.metrics.Size.Set(float64(len(tp.entries)))
		tp.logger.Debug("stored transaction", "hash", e.hash, "pool_size", len(tp.entries))
		onStore(nil, unconfirmed)
	}
}

// enforceLimit evicts oldest entries until the pool is within capacity,
// notifying each evictee's confirmation callback.
func (tp *TxPool) enforceLimit() {
	for len(tp.entries) > tp.cfg.Size {
		evicted := tp.entries[0]
		tp.entries = tp.entries[1:]
		delete(tp.index, evicted.hash)

		tp.metrics.EvictedTxs.Add(1)
		tp.logger.Debug("evicted transaction", "hash", evicted.hash)
		evicted.onConfirm(ErrPoolFull{NumTxs: len(tp.entries), MaxTxs: tp.cfg.Size})
	}
}

// Fetch looks up a pooled transaction by hash.
func (tp *TxPool) Fetch(hash chainhash.Hash, onFetch FetchFunc) {
	tp.ctx.Post(func() {
		if e, ok := tp.index[hash]; ok {
			onFetch(nil, e.tx)
			return
		}
		onFetch(ErrTxNotFound, nil)
	})
}

// Exists reports whether the pool holds a transaction with the given hash.
func (tp *TxPool) Exists(hash chainhash.Hash, onExists ExistsFunc) {
	tp.ctx.Post(func() {
		onExists(tp.Has(hash))
	})
}

// Has reports whether hash is pooled. It must only be called on the pool's
// serialization context; it exists for the validation job's pool view.
func (tp *TxPool) Has(hash chainhash.Hash) bool {
	_, ok := tp.index[hash]
	return ok
}

// handleReorganize bounces a chain notification onto the pool's context.
func (tp *TxPool) handleReorganize(err error, forkHeight int32, newBlocks, replacedBlocks []*btcutil.Block) {
	tp.ctx.Post(func() { tp.reorganize(err, forkHeight, newBlocks, replacedBlocks) })
}

func (tp *TxPool) reorganize(err error, forkHeight int32, newBlocks, replacedBlocks []*btcutil.Block) {
	if err != nil {
		tp.logger.Error("reorganization subscription closed", "err", err)
		return
	}

	if len(replacedBlocks) > 0 {
		tp.logger.Info("chain reorganized; resubmitting pool",
			"fork_height", forkHeight,
			"new_blocks", len(newBlocks),
			"replaced_blocks", len(replacedBlocks),
			"pool_size", len(tp.entries))
		tp.resubmitAll()
	} else {
		tp.takeoutConfirmed(newBlocks)
	}

	tp.chain.SubscribeReorganize(tp.handleReorganize)
}

// resubmitAll reschedules every entry through the public store path, in
// arrival order, then clears the pool. A resubmission that fails reports the
// error to the entry's original confirmation callback; one that succeeds has
// re-entered the pool under a fresh entry.
func (tp *TxPool) resubmitAll() {
	for _, e := range tp.entries {
		onConfirm := e.onConfirm
		tp.Store(e.tx, onConfirm, func(err error, _ []uint32) {
			if err != nil {
				onConfirm(err)
			}
		})
		tp.metrics.ResubmittedTxs.Add(1)
	}
	tp.entries = nil
	tp.index = make(map[chainhash.Hash]*entry)
	tp.metrics.Size.Set(0)
}

// takeoutConfirmed removes every pool entry confirmed by the new blocks,
// reporting success to its confirmation callback.
func (tp *TxPool) takeoutConfirmed(newBlocks []*btcutil.Block) {
	for _, block := range newBlocks {
		for _, tx := range block.Transactions() {
			tp.tryDelete(*tx.Hash())
		}
	}
}

func (tp *TxPool) tryDelete(hash chainhash.Hash) {
	e, ok := tp.index[hash]
	if !ok {
		return
	}
	delete(tp.index, hash)
	for i, cur := range tp.entries {
		if cur == e {
			tp.entries = append(tp.entries[:i], tp.entries[i+1:]...)
			break
		}
	}

	tp.metrics.ConfirmedTxs.Add(1)
	tp.metrics.Size.Set(float64(len(tp.entries)))
	tp.logger.Debug("transaction confirmed", "hash", hash, "pool_size", len(tp.entries))
	e.onConfirm(nil)
}
