// Package peer provides the message channel to a remote peer: typed one-shot
// subscriptions over a full-duplex wire connection.
//
// Subscriptions are one-shot by contract: a handler fires for a single
// message and must re-subscribe to receive the next one. Messages that
// arrive while no handler is armed are buffered per kind, up to a bound;
// past the bound the oldest buffered message is dropped. When the transport
// fails, every armed and every future handler receives the error once.
package peer

import (
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// ErrChannelClosed is reported to handlers and senders once the channel has
// shut down.
var ErrChannelClosed = errors.New("peer channel closed")

// Handler signatures for the typed subscription streams.
type (
	InvHandler     func(err error, inv *wire.MsgInv)
	BlockHandler   func(err error, block *btcutil.Block)
	GetDataHandler func(err error, getData *wire.MsgGetData)

	// SendHandler fires when the message has been written to the wire, or
	// with the reason it could not be.
	SendHandler func(err error)
)

// Channel is a full-duplex message channel to one peer.
type Channel interface {
	// SubscribeInventory arms a one-shot handler for the next inv message.
	SubscribeInventory(handler InvHandler)

	// SubscribeBlock arms a one-shot handler for the next block message.
	SubscribeBlock(handler BlockHandler)

	// SubscribeGetData arms a one-shot handler for the next getdata
	// message.
	SubscribeGetData(handler GetDataHandler)

	// Send queues msg for writing. Queued messages are written in order;
	// done may be nil.
	Send(msg wire.Message, done SendHandler)

	// Close tears the channel down. Armed handlers receive
	// ErrChannelClosed.
	Close() error
}
