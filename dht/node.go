// Package dht implements the peer table of a carrier node.
//
// Nodes are kept in Kademlia style k-buckets ordered by the XOR distance of
// their public keys to our own. The table answers GetNodes lookups and lets
// a node find the endpoint of a peer it only knows by public key.
//
// Example:
//
//	rt := dht.NewRoutingTable(self.Public, dht.DefaultBucketSize)
//	rt.AddNode(dht.NewNode(peerKey, peerAddr))
//	closest := rt.FindClosestNodes(target, 8)
package dht

import (
	"net"
	"time"
)

// NodeStatus represents the connection status of a node.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

// Node represents a peer in the table.
type Node struct {
	PublicKey    [32]byte
	Address      net.Addr
	Added        time.Time
	LastSeen     time.Time
	LastPingSent time.Time
	Status       NodeStatus
	Bootstrap    bool
}

// NewNode creates a node with the given key and network address.
func NewNode(publicKey [32]byte, addr net.Addr) *Node {
	return &Node{
		PublicKey: publicKey,
		Address:   addr,
		Status:    StatusUnknown,
	}
}

// Distance calculates the XOR distance between this node and a key.
func (n *Node) Distance(key [32]byte) [32]byte {
	return Distance(n.PublicKey, key)
}

// IsActive checks if the node has been seen within the timeout period.
func (n *Node) IsActive(now time.Time, timeout time.Duration) bool {
	return !n.LastSeen.IsZero() && now.Sub(n.LastSeen) < timeout
}

// Distance returns the XOR distance of two keys.
func Distance(a, b [32]byte) [32]byte {
	var result [32]byte
	for i := 0; i < 32; i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// lessDistance compares two distances and returns true if a is less than b.
func lessDistance(a, b [32]byte) bool {
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return true
		} else if a[i] > b[i] {
			return false
		}
	}
	return false
}

// getBucketIndex determines which k-bucket a node belongs in based on distance.
func getBucketIndex(distance [32]byte) int {
	for i := 0; i < 32; i++ {
		if distance[i] == 0 {
			continue
		}
		b := distance[i]
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return 255
}
