package netsync

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/hashforge/peersync/blockchain"
	"github.com/hashforge/peersync/peer"
)

// fakeChannel implements peer.Channel for driving the Poller and Responder
// by hand. Sends are recorded and exposed through a buffered channel.
type fakeChannel struct {
	mtx            sync.Mutex
	invHandler     peer.InvHandler
	blockHandler   peer.BlockHandler
	getDataHandler peer.GetDataHandler

	sentCh chan wire.Message
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sentCh: make(chan wire.Message, 32)}
}

func (c *fakeChannel) SubscribeInventory(handler peer.InvHandler) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.invHandler = handler
}

func (c *fakeChannel) SubscribeBlock(handler peer.BlockHandler) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.blockHandler = handler
}

func (c *fakeChannel) SubscribeGetData(handler peer.GetDataHandler) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.getDataHandler = handler
}

func (c *fakeChannel) Send(msg wire.Message, done peer.SendHandler) {
	c.sentCh <- msg
	if done != nil {
		done(nil)
	}
}

func (c *fakeChannel) Close() error { return nil }

// deliverInv waits for an armed inventory handler (subscriptions re-arm
// asynchronously) and fires it.
func (c *fakeChannel) deliverInv(t *testing.T, msg *wire.MsgInv) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mtx.Lock()
		h := c.invHandler
		c.invHandler = nil
		c.mtx.Unlock()
		if h == nil {
			return false
		}
		h(nil, msg)
		return true
	}, 5*time.Second, 5*time.Millisecond, "no inventory handler armed")
}

func (c *fakeChannel) deliverBlock(t *testing.T, block *btcutil.Block) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mtx.Lock()
		h := c.blockHandler
		c.blockHandler = nil
		c.mtx.Unlock()
		if h == nil {
			return false
		}
		h(nil, block)
		return true
	}, 5*time.Second, 5*time.Millisecond, "no block handler armed")
}

func (c *fakeChannel) deliverGetData(t *testing.T, msg *wire.MsgGetData) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mtx.Lock()
		h := c.getDataHandler
		c.getDataHandler = nil
		c.mtx.Unlock()
		if h == nil {
			return false
		}
		h(nil, msg)
		return true
	}, 5*time.Second, 5*time.Millisecond, "no getdata handler armed")
}

func (c *fakeChannel) expectMessage(t *testing.T) wire.Message {
	t.Helper()
	select {
	case msg := <-c.sentCh:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (c *fakeChannel) expectNoMessage(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.sentCh:
		t.Fatalf("unexpected outbound message: %T", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// fakeChain scripts the chain surface the Poller and Responder consume.
type fakeChain struct {
	mtx     sync.Mutex
	locator blockchain.BlockLocator
	storeFn func(block *btcutil.Block) (blockchain.BlockInfo, error)
	txs     map[chainhash.Hash]*btcutil.Tx
	blocks  map[chainhash.Hash]*btcutil.Block
}

func newChainFake() *fakeChain {
	return &fakeChain{
		txs:    make(map[chainhash.Hash]*btcutil.Tx),
		blocks: make(map[chainhash.Hash]*btcutil.Block),
	}
}

func (c *fakeChain) setLocator(hashes ...chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.locator = nil
	for i := range hashes {
		hash := hashes[i]
		c.locator = append(c.locator, &hash)
	}
}

func (c *fakeChain) FetchBlockLocator(handler blockchain.LocatorHandler) {
	c.mtx.Lock()
	locator := c.locator
	c.mtx.Unlock()
	handler(nil, locator)
}

func (c *fakeChain) Store(block *btcutil.Block, handler blockchain.StoreHandler) {
	c.mtx.Lock()
	storeFn := c.storeFn
	c.mtx.Unlock()
	info, err := storeFn(block)
	handler(err, info)
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

func (c *fakeChain) FetchBlock(hash chainhash.Hash, handler blockchain.BlockHandler) {
	c.mtx.Lock()
	block, ok := c.blocks[hash]
	c.mtx.Unlock()
	if ok {
		handler(nil, block)
		return
	}
	handler(blockchain.ErrNotFound, nil)
}

func (c *fakeChain) SubscribeReorganize(blockchain.ReorganizeHandler) {}

func blockInv(hashes ...chainhash.Hash) *wire.MsgInv {
	msg := wire.NewMsgInv()
	for i := range hashes {
		hash := hashes[i]
		if err := msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash)); err != nil {
			panic(err)
		}
	}
	return msg
}

// makeBlock builds a minimal block with one unique transaction.
func makeBlock(prev chainhash.Hash, seed byte) *btcutil.Block {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{seed}, 0),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: 50e8, PkScript: []byte{0x51}})

	merkleRoot := tx.TxHash()
	header := wire.NewBlockHeader(1, &prev, &merkleRoot, 0x207fffff, uint32(seed))
	msgBlock := wire.NewMsgBlock(header)
	if err := msgBlock.AddTransaction(tx); err != nil {
		panic(err)
	}
	return btcutil.NewBlock(msgBlock)
}
