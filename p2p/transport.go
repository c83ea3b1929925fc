// Package p2p carries transactions and blocks between the fixed set of peers.
//
// Every frame is one MessageType byte followed by a cramberry payload. The
// websocket Transport links every pair of configured peers; LocalNetwork
// connects in-process transports for tests and simulations.
package p2p

import "errors"

// Errors
var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrSendQueueFull    = errors.New("peer send queue full")
	ErrAlreadyConnected = errors.New("peer already connected")
)

// DefaultReceiveQueueSize is the inbound buffer shared by all peers.
const DefaultReceiveQueueSize = 4096

// Envelope is a received message together with the name of the peer that sent it.
type Envelope struct {
	From    string
	Message *Message
}

// PeerInfo reports the link status of one configured peer.
type PeerInfo struct {
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
}

// Transport delivers messages between peers. Implementations are safe for
// concurrent use.
type Transport interface {
	// Start brings up listening and outbound links.
	Start() error

	// Stop closes every link. Receive is not closed.
	Stop() error

	// Broadcast sends msg to every connected peer. It does not block on
	// slow peers.
	Broadcast(msg *Message) error

	// Send sends msg to one peer.
	Send(peer string, msg *Message) error

	// Receive returns the channel of inbound messages.
	Receive() <-chan Envelope

	// Peers reports every configured peer other than the local one.
	Peers() []PeerInfo
}
