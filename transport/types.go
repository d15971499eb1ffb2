package transport

import (
	"net"
)

// PacketHandler is a function that processes incoming packets. Handlers run
// on the transport's read goroutine and must not block.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for network transports used by a node.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport and waits for its reader to stop.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)

	// Errors delivers at most one fatal receive error. After it fires the
	// transport no longer receives.
	Errors() <-chan error
}
