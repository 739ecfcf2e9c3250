package mempool

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/config"
	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/validate"
)

// fakeChain serves transaction lookups from a map and lets tests fire
// reorganization notifications at the pool.
type fakeChain struct {
	mtx  sync.Mutex
	txs  map[chainhash.Hash]*btcutil.Tx
	subs []blockchain.ReorganizeHandler
}

func newFakeChain() *fakeChain {
	return &fakeChain{txs: make(map[chainhash.Hash]*btcutil.Tx)}
}

func (c *fakeChain) add(tx *btcutil.Tx) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.txs[*tx.Hash()] = tx
}

func (c *fakeChain) remove(hash chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.txs, hash)
}

func (c *fakeChain) FetchTransaction(hash chainhash.Hash, handler blockchain.TxHandler) {
	c.mtx.Lock()
	tx, ok := c.txs[hash]
	c.mtx.Unlock()

	if ok {
		handler(nil, tx)
		return
	}
	handler(blockchain.ErrNotFound, nil)
}

func (c *fakeChain) SubscribeReorganize(handler blockchain.ReorganizeHandler) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.subs = append(c.subs, handler)
}

func (c *fakeChain) fireReorganize(forkHeight int32, newBlocks, replacedBlocks []*btcutil.Block) {
	c.mtx.Lock()
	subs := c.subs
	c.subs = nil
	c.mtx.Unlock()

	for _, sub := range subs {
		sub(nil, forkHeight, newBlocks, replacedBlocks)
	}
}

func (c *fakeChain) FetchBlockLocator(blockchain.LocatorHandler)        { panic("unused") }
func (c *fakeChain) Store(*btcutil.Block, blockchain.StoreHandler)      { panic("unused") }
func (c *fakeChain) FetchBlock(chainhash.Hash, blockchain.BlockHandler) { panic("unused") }

func setup(t *testing.T, chain *fakeChain, size int) *TxPool {
	t.Helper()

	tp := NewTxPool(log.TestingLogger(t), &config.MempoolConfig{Size: size}, chain)
	require.NoError(t, tp.Start())
	t.Cleanup(func() {
		_ = tp.Stop()
	})
	return tp
}

func fundingTx(seed byte) *btcutil.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{seed}, 0),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{Value: 10e8, PkScript: []byte{0x51}})
	msgTx.AddTxOut(&wire.TxOut{Value: 10e8, PkScript: []byte{0x52}})
	return btcutil.NewTx(msgTx)
}

func spendingTx(outpoints ...wire.OutPoint) *btcutil.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range outpoints {
		op := op
		msgTx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum})
	}
	msgTx.AddTxOut(&wire.TxOut{Value: 9e8, PkScript: []byte{0x51}})
	return btcutil.NewTx(msgTx)
}

func blockWithTxs(txs ...*btcutil.Tx) *btcutil.Block {
	var merkleRoot chainhash.Hash
	if len(txs) > 0 {
		merkleRoot = *txs[0].Hash()
	}
	header := wire.NewBlockHeader(1, &chainhash.Hash{0xaa}, &merkleRoot, 0x207fffff, 0)
	msgBlock := wire.NewMsgBlock(header)
	for _, tx := range txs {
		if err := msgBlock.AddTransaction(tx.MsgTx()); err != nil {
			panic(err)
		}
	}
	return btcutil.NewBlock(msgBlock)
}

type storeResult struct {
	err         error
	unconfirmed []uint32
}

func storeTx(t *testing.T, tp *TxPool, tx *btcutil.Tx, onConfirm ConfirmFunc) storeResult {
	t.Helper()

	if onConfirm == nil {
		onConfirm = func(error) {}
	}
	resCh := make(chan storeResult, 1)
	tp.Store(tx, onConfirm, func(err error, unconfirmed []uint32) {
		resCh <- storeResult{err: err, unconfirmed: unconfirmed}
	})

	select {
	case res := <-resCh:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for store")
		return storeResult{}
	}
}

func exists(t *testing.T, tp *TxPool, hash chainhash.Hash) bool {
	t.Helper()

	okCh := make(chan bool, 1)
	tp.Exists(hash, func(ok bool) { okCh <- ok })

	select {
	case ok := <-okCh:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exists")
		return false
	}
}

func TestPoolStoreFetchExists(t *testing.T) {
	chain := newFakeChain()
	funding := fundingTx(1)
	chain.add(funding)
	tp := setup(t, chain, 10)

	tx := spendingTx(wire.OutPoint{Hash: *funding.Hash(), Index: 0})
	res := storeTx(t, tp, tx, nil)
	require.NoError(t, res.err)
	require.Empty(t, res.unconfirmed)

	require.True(t, exists(t, tp, *tx.Hash()))

	txCh := make(chan *btcutil.Tx, 1)
	tp.Fetch(*tx.Hash(), func(err error, got *btcutil.Tx) {
		require.NoError(t, err)
		txCh <- got
	})
	require.Equal(t, tx.Hash(), (<-txCh).Hash())

	errCh := make(chan error, 1)
	tp.Fetch(chainhash.Hash{0xff}, func(err error, _ *btcutil.Tx) { errCh <- err })
	require.ErrorIs(t, <-errCh, ErrTxNotFound)
}

func TestPoolDuplicateRace(t *testing.T) {
	chain := newFakeChain()
	funding := fundingTx(1)
	chain.add(funding)
	tp := setup(t, chain, 10)

	tx := spendingTx(wire.OutPoint{Hash: *funding.Hash(), Index: 0})

	// two concurrent stores of the same transaction: both validations run
	// before either result is applied, so the duplicate re-check after
	// validation must catch the loser
	resCh := make(chan storeResult, 2)
	onStore := func(err error, unconfirmed []uint32) {
		resCh <- storeResult{err: err, unconfirmed: unconfirmed}
	}
	tp.Store(tx, func(error) {}, onStore)
	tp.Store(tx, func(error) {}, onStore)

	first, second := <-resCh, <-resCh
	errs := []error{first.err, second.err}
	require.Contains(t, errs, nil)
	require.Contains(t, errs, ErrTxInPool)
}

func TestPoolUnconfirmedInput(t *testing.T) {
	chain := newFakeChain()
	funding := fundingTx(1)
	chain.add(funding)
	tp := setup(t, chain, 10)

	parent := spendingTx(wire.OutPoint{Hash: *funding.Hash(), Index: 0})
	res := storeTx(t, tp, parent, nil)
	require.NoError(t, res.err)

	child := spendingTx(wire.OutPoint{Hash: *parent.Hash(), Index: 0})
	res = storeTx(t, tp, child, nil)
	require.NoError(t, res.err)
	require.Equal(t, []uint32{0}, res.unconfirmed)
}

func TestPoolInputNotFound(t *testing.T) {
	chain := newFakeChain()
	tp := setup(t, chain, 10)

	tx := spendingTx(wire.OutPoint{Hash: chainhash.Hash{0xee}, Index: 0})
	res := storeTx(t, tp, tx, nil)
	require.ErrorIs(t, res.err, validate.ErrInputNotFound)
	require.Equal(t, []uint32{0}, res.unconfirmed)
	require.False(t, exists(t, tp, *tx.Hash()))
}

func TestPoolEviction(t *testing.T) {
	chain := newFakeChain()
	funding := fundingTx(1)
	chain.add(funding)
	tp := setup(t, chain, 2)

	confirmErrCh := make(chan error, 1)
	first := spendingTx(wire.OutPoint{Hash: *funding.Hash(), Index: 0})
	res := storeTx(t, tp, first, func(err error) { confirmErrCh <- err })
	require.NoError(t, res.err)

	second := spendingTx(wire.OutPoint{Hash: *funding.Hash(), Index: 1})
	require.NoError(t, storeTx(t, tp, second, nil).err)

	extra := fundingTx(9)
	chain.add(extra)
	third := spendingTx(wire.OutPoint{Hash: *extra.Hash(), Index: 0})
	require.NoError(t, storeTx(t, tp, third, nil).err)

	// first went over the edge
	select {
	case err := <-confirmErrCh:
		var full ErrPoolFull
		require.ErrorAs(t, err, &full)
		require.Equal(t, 2, full.MaxTxs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}
	require.False(t, exists(t, tp, *first.Hash()))
	require.True(t, exists(t, tp, *second.Hash()))
	require.True(t, exists(t, tp, *third.Hash()))
}

func TestPoolTakeoutConfirmed(t *testing.T) {
	chain := newFakeChain()
	funding := fundingTx(1)
	chain.add(funding)
	tp := setup(t, chain, 10)

	confirmCh := make(chan error, 3)
	var txs []*btcutil.Tx
	for i := uint32(0); i < 2; i++ {
		tx := spendingTx(wire.OutPoint{Hash: *funding.Hash(), Index: i})
		txs = append(txs, tx)
		require.NoError(t, storeTx(t, tp, tx, func(err error) { confirmCh <- err }).err)
	}
	extra := fundingTx(9)
	chain.add(extra)
	other := spendingTx(wire.OutPoint{Hash: *extra.Hash(), Index: 0})
	require.NoError(t, storeTx(t, tp, other, func(err error) { confirmCh <- err }).err)

	// a simple extension confirms txs[1]
	chain.fireReorganize(5, []*btcutil.Block{blockWithTxs(txs[1])}, nil)

	select {
	case err := <-confirmCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for confirmation")
	}
	require.False(t, exists(t, tp, *txs[1].Hash()))
	require.True(t, exists(t, tp, *txs[0].Hash()))
	require.True(t, exists(t, tp, *other.Hash()))
}

func TestPoolReorganizeResubmission(t *testing.T) {
	chain := newFakeChain()
	fundingA := fundingTx(1)
	fundingB := fundingTx(2)
	chain.add(fundingA)
	chain.add(fundingB)
	tp := setup(t, chain, 10)

	confirmErrCh := make(chan error, 1)
	txA := spendingTx(wire.OutPoint{Hash: *fundingA.Hash(), Index: 0})
	require.NoError(t, storeTx(t, tp, txA, func(err error) { confirmErrCh <- err }).err)

	txB := spendingTx(wire.OutPoint{Hash: *fundingB.Hash(), Index: 0})
	require.NoError(t, storeTx(t, tp, txB, nil).err)

	// txA's funding disappears with the replaced block, so its
	// resubmission fails and the original confirmation callback hears it
	chain.remove(*fundingA.Hash())
	chain.fireReorganize(3, []*btcutil.Block{blockWithTxs()}, []*btcutil.Block{blockWithTxs(fundingA)})

	select {
	case err := <-confirmErrCh:
		require.ErrorIs(t, err, validate.ErrInputNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resubmission failure")
	}

	// txB survived the resubmission round
	require.Eventually(t, func() bool {
		okCh := make(chan bool, 1)
		tp.Exists(*txB.Hash(), func(ok bool) { okCh <- ok })
		return <-okCh
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, exists(t, tp, *txA.Hash()))

	// the reorganization handler re-subscribed
	require.Eventually(t, func() bool {
		chain.mtx.Lock()
		defer chain.mtx.Unlock()
		return len(chain.subs) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
