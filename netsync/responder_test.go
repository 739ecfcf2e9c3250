package netsync

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/hashforge/peersync/config"
	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/mempool"
)

func newTestResponder(t *testing.T, chain *fakeChain) (*Responder, *mempool.TxPool) {
	t.Helper()

	pool := mempool.NewTxPool(log.TestingLogger(t), &config.MempoolConfig{Size: 100}, chain)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		_ = pool.Stop()
	})

	r := NewResponder(log.TestingLogger(t), chain, pool)
	t.Cleanup(r.Stop)
	return r, pool
}

// poolTx stores a transaction spending a confirmed output into the pool.
func poolTx(t *testing.T, chain *fakeChain, pool *mempool.TxPool, seed byte) *btcutil.Tx {
	t.Helper()

	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{seed}, 0),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	funding.AddTxOut(&wire.TxOut{Value: 10e8, PkScript: []byte{0x51}})
	fundingTx := btcutil.NewTx(funding)
	chain.mtx.Lock()
	chain.txs[*fundingTx.Hash()] = fundingTx
	chain.mtx.Unlock()

	spend := wire.NewMsgTx(wire.TxVersion)
	spend.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(fundingTx.Hash(), 0),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spend.AddTxOut(&wire.TxOut{Value: 9e8, PkScript: []byte{0x51}})
	tx := btcutil.NewTx(spend)

	errCh := make(chan error, 1)
	pool.Store(tx, func(error) {}, func(err error, _ []uint32) { errCh <- err })
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out storing pool transaction")
	}
	return tx
}

func getDataMsg(entries ...*wire.InvVect) *wire.MsgGetData {
	msg := wire.NewMsgGetData()
	for _, iv := range entries {
		if err := msg.AddInvVect(iv); err != nil {
			panic(err)
		}
	}
	return msg
}

func TestResponderServesInOrder(t *testing.T) {
	chain := newChainFake()
	r, pool := newTestResponder(t, chain)

	// T lives in the pool, U is confirmed, B is a chain block
	txT := poolTx(t, chain, pool, 1)

	txU := btcutil.NewTx(wire.NewMsgTx(wire.TxVersion))
	chain.mtx.Lock()
	chain.txs[*txU.Hash()] = txU
	chain.mtx.Unlock()

	blockB := makeBlock(chainhash.Hash{0x30}, 3)
	chain.mtx.Lock()
	chain.blocks[*blockB.Hash()] = blockB
	chain.mtx.Unlock()

	ch := newFakeChannel()
	r.Monitor(ch)

	ch.deliverGetData(t, getDataMsg(
		wire.NewInvVect(wire.InvTypeTx, txT.Hash()),
		wire.NewInvVect(wire.InvTypeTx, txU.Hash()),
		wire.NewInvVect(wire.InvTypeBlock, blockB.Hash()),
	))

	msg := ch.expectMessage(t)
	gotT, ok := msg.(*wire.MsgTx)
	require.True(t, ok, "expected tx, got %T", msg)
	require.Equal(t, *txT.Hash(), gotT.TxHash())

	msg = ch.expectMessage(t)
	gotU, ok := msg.(*wire.MsgTx)
	require.True(t, ok, "expected tx, got %T", msg)
	require.Equal(t, *txU.Hash(), gotU.TxHash())

	msg = ch.expectMessage(t)
	gotB, ok := msg.(*wire.MsgBlock)
	require.True(t, ok, "expected block, got %T", msg)
	require.Equal(t, *blockB.Hash(), gotB.BlockHash())
}

func TestResponderDropsMisses(t *testing.T) {
	chain := newChainFake()
	r, pool := newTestResponder(t, chain)

	txT := poolTx(t, chain, pool, 1)

	ch := newFakeChannel()
	r.Monitor(ch)

	missing := chainhash.Hash{0x7f}
	ch.deliverGetData(t, getDataMsg(
		wire.NewInvVect(wire.InvTypeTx, &missing),
		wire.NewInvVect(wire.InvTypeBlock, &missing),
		wire.NewInvVect(wire.InvTypeError, &missing),
		wire.NewInvVect(wire.InvTypeTx, txT.Hash()),
	))

	// misses and the error entry are dropped; the hit still goes out
	msg := ch.expectMessage(t)
	gotT, ok := msg.(*wire.MsgTx)
	require.True(t, ok, "expected tx, got %T", msg)
	require.Equal(t, *txT.Hash(), gotT.TxHash())
	ch.expectNoMessage(t)
}

func TestResponderResubscribes(t *testing.T) {
	chain := newChainFake()
	r, pool := newTestResponder(t, chain)

	txT := poolTx(t, chain, pool, 1)

	ch := newFakeChannel()
	r.Monitor(ch)

	ch.deliverGetData(t, getDataMsg(wire.NewInvVect(wire.InvTypeTx, txT.Hash())))
	ch.expectMessage(t)

	ch.deliverGetData(t, getDataMsg(wire.NewInvVect(wire.InvTypeTx, txT.Hash())))
	ch.expectMessage(t)
}
