package carrier

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/dht"
	"github.com/opd-ai/carrier/discovery"
	"github.com/opd-ai/carrier/transport"
	"github.com/sirupsen/logrus"
)

// lookupFanout is how many known nodes are asked when looking up a key.
const lookupFanout = 3

// sendSealed seals payload for pk and sends it to addr.
func (c *Carrier) sendSealed(pk [32]byte, addr net.Addr, pt transport.PacketType, payload []byte) error {
	if c.transport == nil {
		return errNodeOffline
	}
	sealed, err := crypto.Seal(payload, pk, c.keys)
	if err != nil {
		return err
	}
	if err := c.transport.Send(&transport.Packet{PacketType: pt, Data: sealed}, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendSealed",
			"type":     pt.String(),
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Send failed")
		return err
	}
	c.metrics.PacketsSent.WithLabelValues(pt.String()).Inc()
	return nil
}

// SendToFriend seals payload for a connected friend. It is the sending side
// of the messaging, file and invite managers.
func (c *Carrier) SendToFriend(friendID string, pt transport.PacketType, payload []byte) error {
	peer, err := c.friends.Peer(friendID)
	if err != nil {
		return err
	}
	if !peer.Online || peer.Addr == nil {
		return errFriendOffline
	}
	if err := c.sendSealed(peer.PublicKey, peer.Addr, pt, payload); err != nil {
		return err
	}
	if pt == transport.PacketFileData {
		c.metrics.FileBytes.WithLabelValues("out").Add(float64(len(payload)))
	}
	return nil
}

// endpointOf returns the last known address of pk.
func (c *Carrier) endpointOf(pk [32]byte) net.Addr {
	if peer, err := c.friends.Peer(crypto.EncodeID(pk)); err == nil && peer.Addr != nil {
		return peer.Addr
	}
	if n, ok := c.routing.Lookup(pk); ok && n.Address != nil {
		return n.Address
	}
	return nil
}

// lookup asks the nodes closest to target for nodes closer still.
func (c *Carrier) lookup(target [32]byte) {
	payload := dht.EncodeGetNodes(target)
	for _, n := range c.routing.FindClosestNodes(target, lookupFanout) {
		if n.Address == nil || n.PublicKey == target {
			continue
		}
		_ = c.sendSealed(n.PublicKey, n.Address, transport.PacketGetNodes, payload)
	}
}

func (c *Carrier) seedBootstrap() {
	if c.bootstrap.Count() == 0 {
		return
	}
	c.bootstrap.Seed(c.routing, c.options.resolve)
}

func (c *Carrier) startDiscovery() {
	if !c.options.LocalDiscovery || c.transport == nil {
		return
	}
	udpAddr, ok := c.transport.LocalAddr().(*net.UDPAddr)
	if !ok {
		return
	}
	svc, err := discovery.Start(discovery.Config{NodeID: c.NodeID(), Port: udpAddr.Port})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startDiscovery",
			"error":    err.Error(),
		}).Warn("Local discovery unavailable")
		return
	}
	c.discovery = svc
}

// addDiscoveredPeer adds a LAN node to the routing table and pings it.
func (c *Carrier) addDiscoveredPeer(p discovery.Peer) {
	pk, err := crypto.DecodeID(p.NodeID)
	if err != nil || len(p.Addresses) == 0 {
		return
	}
	if c.routing.AddNode(dht.NewNode(pk, p.Addresses[0])) {
		logrus.WithFields(logrus.Fields{
			"function": "addDiscoveredPeer",
			"node_id":  shortID(p.NodeID),
			"addr":     p.Addresses[0].String(),
		}).Info("Discovered node on local network")
	}
	c.ping(pk, p.Addresses[0])
}

func (c *Carrier) ping(pk [32]byte, addr net.Addr) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(c.now().UnixNano()))
	_ = c.sendSealed(pk, addr, transport.PacketPingRequest, payload)
}

// maintain pings nodes and friends, expires silent friends and retries
// outbound friend requests.
func (c *Carrier) maintain(now time.Time) {
	interval := c.options.PingInterval

	for _, n := range c.routing.DuePings(now, interval, c.options.PeerTimeout) {
		c.ping(n.PublicKey, n.Address)
		if n.Bootstrap {
			_ = c.sendSealed(n.PublicKey, n.Address, transport.PacketGetNodes, dht.EncodeGetNodes(c.keys.Public))
		}
	}

	for _, p := range c.friends.Peers() {
		addr := c.endpointOf(p.PublicKey)
		if addr == nil {
			c.lookup(p.PublicKey)
			continue
		}
		_ = c.sendSealed(p.PublicKey, addr, transport.PacketFriendPing, []byte{0})
	}

	for _, id := range c.friends.Expire(c.options.PeerTimeout) {
		c.friendOffline(id)
	}

	for _, out := range c.requests.Due(interval) {
		c.attemptRequest(out.PublicKey)
	}

	c.metrics.RoutingNodes.Set(float64(len(c.routing.GetAllNodes())))
}

func (c *Carrier) handlePingRequest(pk [32]byte, addr net.Addr, payload []byte) {
	_ = c.sendSealed(pk, addr, transport.PacketPingResponse, payload)
}

func (c *Carrier) handleGetNodes(pk [32]byte, addr net.Addr, payload []byte) {
	target, err := dht.DecodeGetNodes(payload)
	if err != nil {
		c.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}
	nodes := c.routing.FindClosestNodes(target, dht.MaxNodesPerResponse)
	_ = c.sendSealed(pk, addr, transport.PacketSendNodes, dht.EncodeNodes(nodes))
}

// handleSendNodes learns the nodes in a lookup answer. A node we owe a friend
// request or a ping is contacted right away.
func (c *Carrier) handleSendNodes(payload []byte) {
	entries, err := dht.DecodeNodes(payload)
	if err != nil {
		c.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}
	for _, e := range entries {
		if e.PublicKey == c.keys.Public {
			continue
		}
		addr, err := c.resolveEndpoint(e.Endpoint)
		if err != nil {
			continue
		}
		if _, known := c.routing.Lookup(e.PublicKey); !known {
			c.routing.AddNode(dht.NewNode(e.PublicKey, addr))
		}

		if c.requests.HasOutbound(e.PublicKey) {
			c.attemptRequest(e.PublicKey)
		}
		if peer, err := c.friends.Peer(crypto.EncodeID(e.PublicKey)); err == nil && !peer.Online {
			_ = c.sendSealed(e.PublicKey, addr, transport.PacketFriendPing, []byte{0})
		}
	}
}
