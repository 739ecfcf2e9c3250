// Package netsync drives block synchronization with a single peer and
// services the peer's data requests.
//
// A Poller and a Responder are created per peer channel and live as long as
// the channel. The Poller solicits blocks with getblocks, fetches announced
// inventory with getdata, and feeds received blocks to the blockchain. The
// Responder answers the peer's getdata requests from the transaction pool
// and the blockchain.
package netsync
