package dht

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/opd-ai/carrier/crypto"
	"github.com/sirupsen/logrus"
)

// ErrInvalidBootstrap is returned for a malformed bootstrap entry.
var ErrInvalidBootstrap = errors.New("invalid bootstrap node")

// BootstrapNode is a well known node used to join the network.
type BootstrapNode struct {
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
	PublicKey string `json:"public_key"`
}

// Validate checks the entry without touching the network.
func (b BootstrapNode) Validate() ([32]byte, error) {
	if b.Host == "" {
		return [32]byte{}, fmt.Errorf("%w: empty host", ErrInvalidBootstrap)
	}
	if b.Port == 0 {
		return [32]byte{}, fmt.Errorf("%w: %s has port 0", ErrInvalidBootstrap, b.Host)
	}
	key, err := crypto.DecodeID(b.PublicKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %s: %v", ErrInvalidBootstrap, b.Host, err)
	}
	return key, nil
}

// Endpoint returns host:port.
func (b BootstrapNode) Endpoint() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

// Resolver turns a textual endpoint into an address the transport can send to.
type Resolver func(endpoint string) (net.Addr, error)

// ResolveUDP resolves endpoint as a UDP address.
func ResolveUDP(endpoint string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", endpoint)
}

// BootstrapManager holds the configured bootstrap nodes and seeds a routing table.
type BootstrapManager struct {
	nodes []BootstrapNode
	keys  [][32]byte
}

// NewBootstrapManager validates every entry up front.
func NewBootstrapManager(nodes []BootstrapNode) (*BootstrapManager, error) {
	bm := &BootstrapManager{}
	for _, n := range nodes {
		key, err := n.Validate()
		if err != nil {
			return nil, err
		}
		bm.nodes = append(bm.nodes, n)
		bm.keys = append(bm.keys, key)
	}
	return bm, nil
}

// Count returns the number of bootstrap nodes.
func (bm *BootstrapManager) Count() int {
	return len(bm.nodes)
}

// Seed resolves every bootstrap node and adds it to rt. Entries that fail
// to resolve are logged and skipped; the number added is returned.
func (bm *BootstrapManager) Seed(rt *RoutingTable, resolve Resolver) int {
	added := 0
	for i, b := range bm.nodes {
		addr, err := resolve(b.Endpoint())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Seed",
				"endpoint": b.Endpoint(),
				"error":    err.Error(),
			}).Warn("Could not resolve bootstrap node")
			continue
		}
		node := NewNode(bm.keys[i], addr)
		node.Bootstrap = true
		if rt.AddNode(node) {
			added++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Seed",
		"added":    added,
		"total":    len(bm.nodes),
	}).Info("Bootstrap nodes seeded")
	return added
}
