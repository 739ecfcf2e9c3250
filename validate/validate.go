// Package validate implements the unconfirmed-transaction validation job run
// by the transaction pool for every submission.
package validate

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/libs/strand"
)

var (
	// ErrInputNotFound means an input spends an output of a transaction
	// that is neither confirmed nor in the pool. The done callback carries
	// exactly one index: the offending input.
	ErrInputNotFound = errors.New("input not found")

	// ErrAlreadyConfirmed means the transaction itself is already confirmed
	// on the main chain.
	ErrAlreadyConfirmed = errors.New("transaction already confirmed")

	// ErrCoinbaseTx rejects coinbase transactions, which are only valid
	// inside a block.
	ErrCoinbaseTx = errors.New("coinbase transaction")

	// ErrEmptyTx rejects transactions without inputs or outputs.
	ErrEmptyTx = errors.New("transaction has no inputs or outputs")

	// ErrInvalidOutpoint means an input references an output index past the
	// end of the funding transaction.
	ErrInvalidOutpoint = errors.New("outpoint index out of range")
)

// PoolView is the validator's window onto the unconfirmed pool. It is only
// called on the serialization context the validator was given, so the pool
// needs no locking of its own.
type PoolView interface {
	Has(hash chainhash.Hash) bool
}

// DoneFunc receives the validation outcome. With a nil error, unconfirmed
// lists the indexes of inputs funded by pool (not yet confirmed)
// transactions. With ErrInputNotFound it holds exactly the offending input
// index; for every other error it is empty.
type DoneFunc func(err error, unconfirmed []uint32)

// Tx is a single-use validation job for one transaction. It checks the
// standalone form of the transaction, that it is not already confirmed, and
// that every input is funded either by a confirmed transaction or by one
// currently in the pool. Chain lookups are asynchronous; every continuation
// is bounced back onto the given serialization context before touching the
// pool view.
type Tx struct {
	chain blockchain.Chain
	tx    *btcutil.Tx
	pool  PoolView
	ctx   *strand.Strand

	unconfirmed []uint32
	done        DoneFunc
}

// NewTx creates a validation job. ctx must be the serialization context the
// pool view is mutated on.
func NewTx(chain blockchain.Chain, tx *btcutil.Tx, pool PoolView, ctx *strand.Strand) *Tx {
	return &Tx{
		chain: chain,
		tx:    tx,
		pool:  pool,
		ctx:   ctx,
	}
}

// Start begins validation. It must be called on the job's serialization
// context. done is invoked exactly once, also on that context.
func (v *Tx) Start(done DoneFunc) {
	v.done = done

	msgTx := v.tx.MsgTx()
	if len(msgTx.TxIn) == 0 || len(msgTx.TxOut) == 0 {
		v.done(ErrEmptyTx, nil)
		return
	}
	if isCoinbase(msgTx) {
		v.done(ErrCoinbaseTx, nil)
		return
	}

	v.chain.FetchTransaction(*v.tx.Hash(), func(err error, _ *btcutil.Tx) {
		v.ctx.Post(func() { v.handleDuplicateCheck(err) })
	})
}

func (v *Tx) handleDuplicateCheck(err error) {
	switch {
	case err == nil:
		v.done(ErrAlreadyConfirmed, nil)
	case errors.Is(err, blockchain.ErrNotFound):
		v.checkInput(0)
	default:
		v.done(err, nil)
	}
}

// checkInput validates input i and chains into input i+1. Runs on the
// serialization context.
func (v *Tx) checkInput(i int) {
	msgTx := v.tx.MsgTx()
	if i >= len(msgTx.TxIn) {
		v.done(nil, v.unconfirmed)
		return
	}

	prevOut := msgTx.TxIn[i].PreviousOutPoint
	if v.pool.Has(prevOut.Hash) {
		// funded by another unconfirmed transaction
		v.unconfirmed = append(v.unconfirmed, uint32(i))
		v.checkInput(i + 1)
		return
	}

	v.chain.FetchTransaction(prevOut.Hash, func(err error, prevTx *btcutil.Tx) {
		v.ctx.Post(func() { v.handleInputFetch(i, prevOut, err, prevTx) })
	})
}

func (v *Tx) handleInputFetch(i int, prevOut wire.OutPoint, err error, prevTx *btcutil.Tx) {
	switch {
	case errors.Is(err, blockchain.ErrNotFound):
		v.done(ErrInputNotFound, []uint32{uint32(i)})
	case err != nil:
		v.done(err, nil)
	case prevOut.Index >= uint32(len(prevTx.MsgTx().TxOut)):
		v.done(ErrInvalidOutpoint, nil)
	default:
		v.checkInput(i + 1)
	}
}

func isCoinbase(msgTx *wire.MsgTx) bool {
	if len(msgTx.TxIn) != 1 {
		return false
	}
	prevOut := msgTx.TxIn[0].PreviousOutPoint
	return prevOut.Index == wire.MaxPrevOutIndex && prevOut.Hash == (chainhash.Hash{})
}
