package peer

import (
	"net"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/hashforge/peersync/libs/log"
)

const (
	// maxPendingMessages bounds the per-kind buffer of messages that
	// arrived while no handler was armed.
	maxPendingMessages = 128

	// sendQueueSize bounds the number of outbound messages waiting on the
	// write loop.
	sendQueueSize = 128
)

type outMsg struct {
	msg  wire.Message
	done SendHandler
}

// Conn implements Channel over a net.Conn, framing messages with the wire
// protocol and the configured network magic. A read loop dispatches inbound
// messages to the armed handlers; a write loop serializes sends.
type Conn struct {
	logger log.Logger
	conn   net.Conn
	magic  wire.BitcoinNet

	sendCh    chan outMsg
	quit      chan struct{}
	closeOnce sync.Once

	mtx    sync.Mutex
	closed error // non-nil once the channel has failed or been closed

	invHandler InvHandler
	invQueue   []*wire.MsgInv

	blockHandler BlockHandler
	blockQueue   []*btcutil.Block

	getDataHandler GetDataHandler
	getDataQueue   []*wire.MsgGetData
}

var _ Channel = (*Conn)(nil)

// NewConn wraps an established connection and starts its read and write
// loops.
func NewConn(logger log.Logger, conn net.Conn, magic wire.BitcoinNet) *Conn {
	c := &Conn{
		logger: logger.With("peer", conn.RemoteAddr().String()),
		conn:   conn,
		magic:  magic,
		sendCh: make(chan outMsg, sendQueueSize),
		quit:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// RemoteAddr returns the address of the connected peer.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close implements Channel.
func (c *Conn) Close() error {
	c.fail(ErrChannelClosed)
	return nil
}

// Done returns a channel closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.quit }

// SubscribeInventory implements Channel.
func (c *Conn) SubscribeInventory(handler InvHandler) {
	c.mtx.Lock()
	if c.closed != nil {
		err := c.closed
		c.mtx.Unlock()
		handler(err, nil)
		return
	}
	if len(c.invQueue) > 0 {
		msg := c.invQueue[0]
		c.invQueue = c.invQueue[1:]
		c.mtx.Unlock()
		handler(nil, msg)
		return
	}
	c.invHandler = handler
	c.mtx.Unlock()
}

// SubscribeBlock implements Channel.
func (c *Conn) SubscribeBlock(handler BlockHandler) {
	c.mtx.Lock()
	if c.closed != nil {
		err := c.closed
		c.mtx.Unlock()
		handler(err, nil)
		return
	}
	if len(c.blockQueue) > 0 {
		block := c.blockQueue[0]
		c.blockQueue = c.blockQueue[1:]
		c.mtx.Unlock()
		handler(nil, block)
		return
	}
	c.blockHandler = handler
	c.mtx.Unlock()
}

// SubscribeGetData implements Channel.
func (c *Conn) SubscribeGetData(handler GetDataHandler) {
	c.mtx.Lock()
	if c.closed != nil {
		err := c.closed
		c.mtx.Unlock()
		handler(err, nil)
		return
	}
	if len(c.getDataQueue) > 0 {
		msg := c.getDataQueue[0]
		c.getDataQueue = c.getDataQueue[1:]
		c.mtx.Unlock()
		handler(nil, msg)
		return
	}
	c.getDataHandler = handler
	c.mtx.Unlock()
}

// Send implements Channel.
func (c *Conn) Send(msg wire.Message, done SendHandler) {
	select {
	case <-c.quit:
		if done != nil {
			done(ErrChannelClosed)
		}
	case c.sendCh <- outMsg{msg: msg, done: done}:
	}
}

func (c *Conn) readLoop() {
	for {
		msg, _, err := wire.ReadMessage(c.conn, wire.ProtocolVersion, c.magic)
		if err != nil {
			c.fail(err)
			return
		}

		switch m := msg.(type) {
		case *wire.MsgInv:
			c.deliverInv(m)
		case *wire.MsgBlock:
			c.deliverBlock(btcutil.NewBlock(m))
		case *wire.MsgGetData:
			c.deliverGetData(m)
		default:
			c.logger.Debug("ignoring message", "command", msg.Command())
		}
	}
}

func (c *Conn) deliverInv(msg *wire.MsgInv) {
	c.mtx.Lock()
	if h := c.invHandler; h != nil {
		c.invHandler = nil
		c.mtx.Unlock()
		h(nil, msg)
		return
	}
	if len(c.invQueue) >= maxPendingMessages {
		c.invQueue = c.invQueue[1:]
		c.logger.Debug("inv buffer full; dropping oldest")
	}
	c.invQueue = append(c.invQueue, msg)
	c.mtx.Unlock()
}

func (c *Conn) deliverBlock(block *btcutil.Block) {
	c.mtx.Lock()
	if h := c.blockHandler; h != nil {
		c.blockHandler = nil
		c.mtx.Unlock()
		h(nil, block)
		return
	}
	if len(c.blockQueue) >= maxPendingMessages {
		c.blockQueue = c.blockQueue[1:]
		c.logger.Debug("block buffer full; dropping oldest")
	}
	c.blockQueue = append(c.blockQueue, block)
	c.mtx.Unlock()
}

func (c *Conn) deliverGetData(msg *wire.MsgGetData) {
	c.mtx.Lock()
	if h := c.getDataHandler; h != nil {
		c.getDataHandler = nil
		c.mtx.Unlock()
		h(nil, msg)
		return
	}
	if len(c.getDataQueue) >= maxPendingMessages {
		c.getDataQueue = c.getDataQueue[1:]
		c.logger.Debug("getdata buffer full; dropping oldest")
	}
	c.getDataQueue = append(c.getDataQueue, msg)
	c.mtx.Unlock()
}

func (c *Conn) writeLoop() {
	for {
		select {
		case om := <-c.sendCh:
			err := wire.WriteMessage(c.conn, om.msg, wire.ProtocolVersion, c.magic)
			if om.done != nil {
				om.done(err)
			}
			if err != nil {
				c.fail(err)
				return
			}
		case <-c.quit:
			return
		}
	}
}

// fail marks the channel closed, delivers the error to armed handlers, and
// shuts both loops down. Only the first failure is kept.
func (c *Conn) fail(err error) {
	c.mtx.Lock()
	if c.closed != nil {
		c.mtx.Unlock()
		return
	}
	c.closed = err
	invH, blockH, getDataH := c.invHandler, c.blockHandler, c.getDataHandler
	c.invHandler, c.blockHandler, c.getDataHandler = nil, nil, nil
	c.invQueue, c.blockQueue, c.getDataQueue = nil, nil, nil
	c.mtx.Unlock()

	if err != ErrChannelClosed {
		c.logger.Debug("peer channel failed", "err", err)
	}

	c.closeOnce.Do(func() { close(c.quit) })
	_ = c.conn.Close()

	if invH != nil {
		invH(err, nil)
	}
	if blockH != nil {
		blockH(err, nil)
	}
	if getDataH != nil {
		getDataH(err, nil)
	}
}
