// Package blockchain defines the chain interface the synchronization core is
// written against, together with a store implementation backed by tm-db.
//
// All operations are completion-based: they accept a continuation and return
// immediately. Continuations are invoked from the store's serialization
// context; callers that need their own ordering must hop onto their own
// context inside the handler.
package blockchain

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
)

var (
	// ErrNotFound is returned by fetch operations when no matching block or
	// transaction exists on the main chain.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateBlock is returned by Store when the block is already known,
	// either in the chain or in the orphan pool.
	ErrDuplicateBlock = errors.New("duplicate block")

	// ErrChainShutdown is delivered to outstanding reorganization
	// subscribers when the store stops.
	ErrChainShutdown = errors.New("chain store shut down")
)

// BlockStatus describes the outcome of storing a block.
type BlockStatus int

const (
	// StatusConfirmed means the block connected to the chain.
	StatusConfirmed BlockStatus = iota + 1

	// StatusOrphan means the block's parent is unknown; earlier blocks must
	// be fetched before it can connect.
	StatusOrphan

	// StatusRejected means the block was not accepted.
	StatusRejected
)

func (s BlockStatus) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusOrphan:
		return "orphan"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// BlockInfo is returned by Store: the resulting status and, for connected
// blocks, the height at which the block sits.
type BlockInfo struct {
	Status BlockStatus
	Height int32
}

// BlockLocator is an ordered list of block hashes, newest first. The front
// element is the tip of the chain the locator was built from; the list thins
// out exponentially toward genesis so a remote peer can find the common
// ancestor with O(log n) entries.
type BlockLocator []*chainhash.Hash

// Handler signatures for the asynchronous chain API.
type (
	LocatorHandler func(err error, locator BlockLocator)
	StoreHandler   func(err error, info BlockInfo)
	TxHandler      func(err error, tx *btcutil.Tx)
	BlockHandler   func(err error, block *btcutil.Block)

	// ReorganizeHandler receives the fork height together with the blocks
	// added to and removed from the main chain, both in ascending height
	// order. A plain extension is delivered as a reorganization with an
	// empty replaced list.
	ReorganizeHandler func(err error, forkHeight int32, newBlocks, replacedBlocks []*btcutil.Block)
)

// Chain is the blockchain surface consumed by the synchronization core.
type Chain interface {
	// FetchBlockLocator builds a locator for the current main chain.
	FetchBlockLocator(handler LocatorHandler)

	// Store submits a block for connection to the chain.
	Store(block *btcutil.Block, handler StoreHandler)

	// FetchTransaction looks up a transaction confirmed on the main chain.
	FetchTransaction(hash chainhash.Hash, handler TxHandler)

	// FetchBlock looks up a block on the main chain by hash.
	FetchBlock(hash chainhash.Hash, handler BlockHandler)

	// SubscribeReorganize registers a one-shot reorganization subscriber.
	// The handler fires on the next main-chain change; it must re-subscribe
	// to observe subsequent ones.
	SubscribeReorganize(handler ReorganizeHandler)
}
