package carrier

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/dht"
	"github.com/opd-ai/carrier/discovery"
	"github.com/opd-ai/carrier/file"
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/invite"
	"github.com/opd-ai/carrier/messaging"
	"github.com/opd-ai/carrier/metrics"
	"github.com/opd-ai/carrier/store"
	"github.com/opd-ai/carrier/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// inboxSize bounds the packets waiting for the loop.
const inboxSize = 1024

const (
	stateCreated int32 = iota
	stateRunning
	stateKilled
)

type inboundPacket struct {
	packet *transport.Packet
	addr   net.Addr
}

// Carrier is a node. All of its state hangs off this value, so any number of
// nodes can live in one process.
type Carrier struct {
	options Options
	keys    *crypto.KeyPair
	nospam  atomic.Uint32

	store     *store.Store
	transport transport.Transport
	routing   *dht.RoutingTable
	bootstrap *dht.BootstrapManager
	discovery *discovery.Service
	replay    *crypto.ReplayGuard
	metrics   *metrics.Metrics

	friends  *friend.Manager
	requests *friend.RequestManager
	messages *messaging.MessageManager
	files    *file.Manager
	invites  *invite.Manager

	selfMu   sync.RWMutex
	self     UserInfo
	presence PresenceStatus

	handlersMu sync.RWMutex
	handlers   []Handler

	extMu      sync.RWMutex
	extensions map[transport.PacketType]func(friendID string, payload []byte)

	pendingMu sync.Mutex
	pending   []func()

	inbox       chan inboundPacket
	done        chan struct{}
	killOnce    sync.Once
	releaseOnce sync.Once
	state       atomic.Int32
	ready       atomic.Bool

	// loop goroutine only
	connected       bool
	readyFired      bool
	lastMaintenance time.Time

	lastErrMu sync.Mutex
	lastErr   error
}

// New creates a node. A nil options uses NewOptions; a nil handler is
// allowed and more handlers can be added with AddHandler.
func New(options *Options, handler Handler) (*Carrier, error) {
	if options == nil {
		options = NewOptions()
	}

	logrus.WithFields(logrus.Fields{
		"function":            "New",
		"udp_enabled":         options.UDPEnabled,
		"persistent_location": options.PersistentLocation,
		"bootstraps":          len(options.Bootstraps),
		"local_discovery":     options.LocalDiscovery,
	}).Info("Creating new carrier node")

	if err := options.validate(); err != nil {
		return nil, &Error{Op: "New", Kind: ErrConfig, Err: err}
	}
	opts := options.withDefaults()

	bootstrap, err := dht.NewBootstrapManager(opts.Bootstraps)
	if err != nil {
		return nil, &Error{Op: "New", Kind: ErrConfig, Err: err}
	}

	c := &Carrier{
		options:    opts,
		bootstrap:  bootstrap,
		replay:     crypto.NewReplayGuard(crypto.DefaultReplayWindow),
		metrics:    metrics.New(),
		extensions: make(map[transport.PacketType]func(string, []byte)),
		inbox:      make(chan inboundPacket, inboxSize),
		done:       make(chan struct{}),
	}

	if err := c.loadState(); err != nil {
		c.closeStore()
		return nil, err
	}

	c.routing = dht.NewRoutingTable(c.keys.Public, dht.DefaultBucketSize)
	c.friends = friend.NewManager(opts.timeNow)
	c.requests = friend.NewRequestManager(rate.Limit(opts.FriendRequestRate), opts.FriendRequestBurst, opts.timeNow)
	c.messages = messaging.NewMessageManager(c)
	c.files = file.NewManager(c, fileEvents{c}, nil)
	c.invites = invite.NewManager(c)

	if err := c.loadFriends(); err != nil {
		c.closeStore()
		return nil, err
	}

	if err := c.openTransport(); err != nil {
		c.closeStore()
		return nil, err
	}

	if handler != nil {
		c.handlers = append(c.handlers, handler)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"node_id":  c.NodeID(),
		"friends":  c.friends.Count(),
		"online":   c.transport != nil,
	}).Info("Carrier node created")
	return c, nil
}

func (c *Carrier) openTransport() error {
	var tr transport.Transport
	switch {
	case c.options.transport != nil:
		tr = c.options.transport
	case c.options.UDPEnabled:
		udp, err := transport.ListenUDPRange(c.options.BindHost, c.options.StartPort, c.options.EndPort)
		if err != nil {
			return &Error{Op: "New", Kind: ErrTransport, Err: err}
		}
		tr = udp
	default:
		logrus.WithFields(logrus.Fields{
			"function": "openTransport",
		}).Warn("UDP disabled, node is offline")
		return nil
	}

	for _, pt := range transport.PacketTypes() {
		tr.RegisterHandler(pt, c.enqueue)
	}
	c.transport = tr

	logrus.WithFields(logrus.Fields{
		"function":   "openTransport",
		"local_addr": tr.LocalAddr().String(),
	}).Info("Transport bound")
	return nil
}

// enqueue runs on the transport's read goroutine and hands the packet to the loop.
func (c *Carrier) enqueue(packet *transport.Packet, addr net.Addr) error {
	select {
	case <-c.done:
		return nil
	case c.inbox <- inboundPacket{packet: packet, addr: addr}:
		return nil
	default:
		c.metrics.PacketsDropped.WithLabelValues("inbox_full").Inc()
		return errors.New("inbox full")
	}
}

// Run drives the node on the calling goroutine until Kill is called. It
// returns nil after Kill and an ErrTransport error if the socket fails.
// interval is the loop period; zero uses DefaultIterationInterval.
func (c *Carrier) Run(interval time.Duration) error {
	if !c.state.CompareAndSwap(stateCreated, stateRunning) {
		return c.failKind("Run", ErrOperation, errors.New("node is already running or was killed"))
	}
	defer c.release()

	if interval <= 0 {
		interval = DefaultIterationInterval
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"node_id":  c.NodeID(),
		"interval": interval,
	}).Info("Carrier node running")

	c.seedBootstrap()
	c.startDiscovery()
	c.emit(func(h Handler) { h.OnFriends(c, c.friends.List()) })

	var transportErrs <-chan error
	if c.transport != nil {
		transportErrs = c.transport.Errors()
	}
	var peers <-chan discovery.Peer
	if c.discovery != nil {
		peers = c.discovery.Events()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.iterate()
	for {
		select {
		case <-c.done:
			return nil
		case err := <-transportErrs:
			return c.shutdown(err)
		case in := <-c.inbox:
			if c.isDone() {
				return nil
			}
			c.handlePacket(in)
			c.drainPending()
		case p, ok := <-peers:
			if !ok {
				peers = nil
				continue
			}
			c.addDiscoveredPeer(p)
		case <-ticker.C:
			c.iterate()
		}
	}
}

// shutdown reports a fatal transport error to the handlers and fails Run.
func (c *Carrier) shutdown(cause error) error {
	logrus.WithFields(logrus.Fields{
		"function": "shutdown",
		"error":    cause.Error(),
	}).Error("Transport failed, stopping node")

	c.emit(func(h Handler) {
		if sh, ok := h.(ShutdownHandler); ok {
			sh.OnShutdown(c, cause)
		}
	})
	return c.failKind("Run", ErrTransport, cause)
}

// Kill stops the node. It never blocks and is safe from any goroutine,
// including from inside a callback; Run returns at its next safe point. A node
// that never ran is released immediately.
func (c *Carrier) Kill() {
	c.killOnce.Do(func() { close(c.done) })
	if c.state.CompareAndSwap(stateCreated, stateKilled) {
		c.release()
	}
}

func (c *Carrier) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// release frees every resource once the loop has stopped.
func (c *Carrier) release() {
	c.releaseOnce.Do(func() {
		c.killOnce.Do(func() { close(c.done) })
		c.state.Store(stateKilled)
		c.ready.Store(false)

		c.invites.Clear()
		c.requests.Clear()
		c.files.Close()

		var err error
		if c.discovery != nil {
			err = multierr.Append(err, c.discovery.Close())
		}
		if c.transport != nil {
			err = multierr.Append(err, c.transport.Close())
		}
		if c.store != nil {
			err = multierr.Append(err, c.store.Close())
		}

		c.handlersMu.Lock()
		c.handlers = nil
		c.handlersMu.Unlock()
		c.extMu.Lock()
		c.extensions = make(map[transport.PacketType]func(string, []byte))
		c.extMu.Unlock()
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()

		entry := logrus.WithFields(logrus.Fields{
			"function": "release",
			"node_id":  c.NodeID(),
		})
		if err != nil {
			entry.WithField("error", err.Error()).Warn("Carrier node released with errors")
			return
		}
		entry.Info("Carrier node released")
	})
}

func (c *Carrier) closeStore() {
	if c.store != nil {
		_ = c.store.Close()
	}
}

func (c *Carrier) now() time.Time {
	return c.options.timeNow.Now()
}

// iterate is one loop step: periodic maintenance, file pumping, event
// delivery and connectivity reporting.
func (c *Carrier) iterate() {
	now := c.now()
	if now.Sub(c.lastMaintenance) >= c.options.PingInterval {
		c.lastMaintenance = now
		c.maintain(now)
	}

	c.files.Pump()
	c.files.Flush()
	c.drainPending()
	c.updateConnectivity(now)
}

// updateConnectivity fires OnConnection on transitions, OnReady the first
// time the node is connected, and OnIdle while it is not.
func (c *Carrier) updateConnectivity(now time.Time) {
	connected := c.routing.ActiveCount(now, c.options.PeerTimeout) > 0 || c.anyFriendOnline()
	if connected != c.connected {
		c.connected = connected
		c.ready.Store(connected)

		status := ConnectionOffline
		if connected {
			status = ConnectionConnected
		}
		logrus.WithFields(logrus.Fields{
			"function": "updateConnectivity",
			"status":   status.String(),
		}).Info("Connection status changed")
		c.emit(func(h Handler) { h.OnConnection(c, status) })

		if connected && !c.readyFired {
			c.readyFired = true
			c.emit(func(h Handler) { h.OnReady(c) })
		}
	}
	if !connected {
		c.emit(func(h Handler) { h.OnIdle(c) })
	}
}

func (c *Carrier) anyFriendOnline() bool {
	for _, p := range c.friends.Peers() {
		if p.Online {
			return true
		}
	}
	return false
}

// IsReady reports whether the node currently has network connectivity.
func (c *Carrier) IsReady() bool {
	return c.ready.Load()
}

// Address returns the shareable address: public key, nospam and checksum.
func (c *Carrier) Address() string {
	return crypto.NewAddress(c.keys.Public, c.nospam.Load()).String()
}

// NodeID returns the base58 ID of this node's public key.
func (c *Carrier) NodeID() string {
	return crypto.EncodeID(c.keys.Public)
}

// UserID returns the ID friends know this node by. It is the node ID.
func (c *Carrier) UserID() string {
	return c.NodeID()
}

// Nospam returns the current nospam as 4 big-endian bytes.
func (c *Carrier) Nospam() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, c.nospam.Load())
	return out
}

// SetNospam replaces the nospam; b must be 4 big-endian bytes. Requests
// carrying the old nospam are dropped from now on.
func (c *Carrier) SetNospam(b []byte) error {
	if len(b) != 4 {
		return c.failKind("SetNospam", ErrInvalidArgument, fmt.Errorf("nospam must be 4 bytes, got %d", len(b)))
	}
	v := binary.BigEndian.Uint32(b)
	if c.store != nil {
		if err := c.store.SaveNospam(v); err != nil {
			return c.failKind("SetNospam", ErrOperation, err)
		}
	}
	c.nospam.Store(v)

	logrus.WithFields(logrus.Fields{
		"function": "SetNospam",
		"nospam":   fmt.Sprintf("%08x", v),
	}).Info("Nospam changed")
	return nil
}

// KeyPair returns a copy of the node's identity key pair.
func (c *Carrier) KeyPair() crypto.KeyPair {
	return *c.keys
}

// Registry returns the Prometheus registry holding this node's metrics.
func (c *Carrier) Registry() *prometheus.Registry {
	return c.metrics.Registry()
}

// LocalAddr returns the bound transport address, or nil for an offline node.
func (c *Carrier) LocalAddr() net.Addr {
	if c.transport == nil {
		return nil
	}
	return c.transport.LocalAddr()
}

func randomNospam() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// shortID truncates an ID for logging.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
