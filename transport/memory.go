package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// MemoryAddr is the address of a MemoryTransport.
type MemoryAddr string

// Network returns "memory".
func (a MemoryAddr) Network() string { return "memory" }

// String returns the endpoint name.
func (a MemoryAddr) String() string { return string(a) }

// MemoryNetwork connects MemoryTransports inside one process. It behaves like
// a lossless datagram network; packets to unknown endpoints vanish.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[MemoryAddr]*MemoryTransport
	next      int
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[MemoryAddr]*MemoryTransport)}
}

// Listen attaches a new endpoint to the network.
func (n *MemoryNetwork) Listen() *MemoryTransport {
	n.mu.Lock()
	n.next++
	addr := MemoryAddr(fmt.Sprintf("mem-%d", n.next))
	t := &MemoryTransport{
		network:  n,
		addr:     addr,
		handlers: make(map[PacketType]PacketHandler),
		inbox:    make(chan memoryDatagram, 1024),
		done:     make(chan struct{}),
		errs:     make(chan error, 1),
	}
	n.endpoints[addr] = t
	n.mu.Unlock()

	t.wg.Add(1)
	go t.run()
	return t
}

func (n *MemoryNetwork) lookup(addr net.Addr) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[MemoryAddr(addr.String())]
}

func (n *MemoryNetwork) detach(addr MemoryAddr) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

type memoryDatagram struct {
	data []byte
	from MemoryAddr
}

// MemoryTransport is a Transport on a MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	addr     MemoryAddr
	mu       sync.RWMutex
	handlers map[PacketType]PacketHandler
	inbox    chan memoryDatagram
	done     chan struct{}
	errs     chan error
	wg       sync.WaitGroup
	closed   sync.Once
}

// Send delivers the packet to the endpoint at addr, if it exists.
func (t *MemoryTransport) Send(packet *Packet, addr net.Addr) error {
	if addr == nil {
		return errors.New("nil destination address")
	}
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds %d", len(data), MaxPacketSize)
	}

	dest := t.network.lookup(addr)
	if dest == nil {
		return nil
	}
	select {
	case dest.inbox <- memoryDatagram{data: data, from: t.addr}:
	case <-dest.done:
	default:
	}
	return nil
}

// Close detaches the endpoint and stops its reader.
func (t *MemoryTransport) Close() error {
	t.closed.Do(func() {
		t.network.detach(t.addr)
		close(t.done)
		t.wg.Wait()
	})
	return nil
}

// LocalAddr returns the endpoint's address.
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Errors delivers a fatal error injected with Fail.
func (t *MemoryTransport) Errors() <-chan error {
	return t.errs
}

// Fail simulates a fatal socket error.
func (t *MemoryTransport) Fail(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *MemoryTransport) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case dg := <-t.inbox:
			packet, err := ParsePacket(dg.data)
			if err != nil {
				continue
			}
			t.mu.RLock()
			handler := t.handlers[packet.PacketType]
			t.mu.RUnlock()
			if handler != nil {
				_ = handler(packet, dg.from)
			}
		}
	}
}
