package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxPacketSize is the size of the receive buffer.
const MaxPacketSize = 2048

// readTimeout bounds each blocking read so the reader notices Close promptly.
const readTimeout = 100 * time.Millisecond

// UDPTransport implements UDP-based communication for a node.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	errs     chan error
	closed   sync.Once
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	return newUDPTransport(conn), nil
}

// ListenUDPRange binds the first free port in [startPort, endPort] on host.
// A zero startPort binds an ephemeral port.
func ListenUDPRange(host string, startPort, endPort uint16) (*UDPTransport, error) {
	if startPort == 0 {
		return NewUDPTransport(net.JoinHostPort(host, "0"))
	}
	if endPort < startPort {
		endPort = startPort
	}

	var lastErr error
	for port := int(startPort); port <= int(endPort); port++ {
		t, err := NewUDPTransport(net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", startPort, endPort, lastErr)
}

func newUDPTransport(conn net.PacketConn) *UDPTransport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 1),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	t.wg.Add(1)
	go t.processPackets()

	return t
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	if addr == nil {
		return errors.New("nil destination address")
	}
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds %d", len(data), MaxPacketSize)
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport.
func (t *UDPTransport) Close() error {
	var err error
	t.closed.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// Errors delivers a fatal receive error.
func (t *UDPTransport) Errors() <-chan error {
	return t.errs
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets handles incoming packets until Close or a fatal error.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		if err := t.processIncomingPacket(buffer); err != nil {
			t.fail(err)
			return
		}
	}
}

// processIncomingPacket reads and dispatches a single packet. It returns an
// error only when the socket can no longer be read.
func (t *UDPTransport) processIncomingPacket(buffer []byte) error {
	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return t.handleReadError(err)
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"size":     n,
			"error":    err.Error(),
		}).Debug("Discarding malformed packet")
		return nil
	}

	t.dispatchPacketToHandler(packet, addr)
	return nil
}

// handleReadError separates transient read errors from fatal ones.
func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	if t.ctx.Err() != nil {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil && opErr.Err.Error() == "message too long" {
		return nil
	}
	return err
}

func (t *UDPTransport) fail(err error) {
	if t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "processPackets",
		"error":    err.Error(),
	}).Error("UDP transport failed")

	select {
	case t.errs <- err:
	default:
	}
}

// dispatchPacketToHandler finds and executes the appropriate packet handler.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		return
	}
	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.PacketType.String(),
			"error":       err.Error(),
		}).Debug("Packet handler returned error")
	}
}
