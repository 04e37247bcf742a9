// Package transport defines the peer messaging ports the runtime
// consumes, the bounded inbox that hands messages to the frame loop,
// and two adapters: an in-process loopback hub and a websocket
// transport.
package transport

import (
	"github.com/andersfylling/rollplay/internal/protocol"
)

// Transport abstracts the peer-to-peer messaging layer. Delivery is
// best effort; order is preserved per peer.
type Transport interface {
	// SendToPeer sends a message to one peer.
	SendToPeer(to protocol.PlayerID, msg protocol.Payload) error

	// Broadcast sends a message to every currently known peer.
	Broadcast(msg protocol.Payload) error

	// SetReceiver installs the delivery callback. It may be invoked
	// from transport goroutines; receivers enqueue and return.
	SetReceiver(fn func(from protocol.PlayerID, msg protocol.Payload))

	// OnPeerConnected and OnPeerDisconnected install lifecycle
	// callbacks.
	OnPeerConnected(fn func(peer protocol.PlayerID))
	OnPeerDisconnected(fn func(peer protocol.PlayerID))

	// Close releases the transport.
	Close() error
}
