package dht

import (
	"container/heap"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBucketSize is the k of the k-buckets.
const DefaultBucketSize = 8

// KBucket implements a k-bucket.
type KBucket struct {
	nodes   []*Node
	maxSize int
}

// NewKBucket creates a new k-bucket with the specified maximum size.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		nodes:   make([]*Node, 0, maxSize),
		maxSize: maxSize,
	}
}

func (kb *KBucket) find(key [32]byte) int {
	for i, n := range kb.nodes {
		if n.PublicKey == key {
			return i
		}
	}
	return -1
}

// add inserts node, replacing a bad node when the bucket is full.
func (kb *KBucket) add(node *Node) bool {
	if i := kb.find(node.PublicKey); i >= 0 {
		existing := kb.nodes[i]
		if node.Address != nil {
			existing.Address = node.Address
		}
		existing.Bootstrap = existing.Bootstrap || node.Bootstrap
		return true
	}
	if len(kb.nodes) < kb.maxSize {
		kb.nodes = append(kb.nodes, node)
		return true
	}
	for i, existing := range kb.nodes {
		if existing.Status == StatusBad && !existing.Bootstrap {
			kb.nodes[i] = node
			return true
		}
	}
	return false
}

// RoutingTable manages k-buckets for peer routing.
type RoutingTable struct {
	kBuckets [256]*KBucket
	selfKey  [32]byte
	mu       sync.RWMutex
}

// NewRoutingTable creates a routing table centred on selfKey.
func NewRoutingTable(selfKey [32]byte, maxBucketSize int) *RoutingTable {
	if maxBucketSize <= 0 {
		maxBucketSize = DefaultBucketSize
	}
	rt := &RoutingTable{selfKey: selfKey}
	for i := 0; i < 256; i++ {
		rt.kBuckets[i] = NewKBucket(maxBucketSize)
	}
	return rt
}

// AddNode adds a node to the appropriate k-bucket. An existing entry keeps
// its statistics and takes the new address.
func (rt *RoutingTable) AddNode(node *Node) bool {
	if node.PublicKey == rt.selfKey {
		return false
	}
	idx := getBucketIndex(node.Distance(rt.selfKey))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.kBuckets[idx].add(node)
}

// Touch records traffic from key at addr, adding the node if it is new.
// It returns true if the node was previously unknown.
func (rt *RoutingTable) Touch(key [32]byte, addr net.Addr, now time.Time) bool {
	if key == rt.selfKey {
		return false
	}
	idx := getBucketIndex(Distance(key, rt.selfKey))

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.kBuckets[idx]
	if i := kb.find(key); i >= 0 {
		n := kb.nodes[i]
		n.LastSeen = now
		n.Status = StatusGood
		if addr != nil {
			n.Address = addr
		}
		return false
	}
	n := NewNode(key, addr)
	n.LastSeen = now
	n.Status = StatusGood
	if kb.add(n) {
		logrus.WithFields(logrus.Fields{
			"function": "Touch",
			"addr":     addr,
			"bucket":   idx,
		}).Debug("Learned new node")
		return true
	}
	return false
}

// Lookup returns a copy of the node with the given key.
func (rt *RoutingTable) Lookup(key [32]byte) (Node, bool) {
	idx := getBucketIndex(Distance(key, rt.selfKey))

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	kb := rt.kBuckets[idx]
	if i := kb.find(key); i >= 0 {
		return *kb.nodes[i], true
	}
	return Node{}, false
}

// RemoveNode removes a node. Returns true if it was present.
func (rt *RoutingTable) RemoveNode(key [32]byte) bool {
	idx := getBucketIndex(Distance(key, rt.selfKey))

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.kBuckets[idx]
	if i := kb.find(key); i >= 0 {
		kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
		return true
	}
	return false
}

// nodeHeap implements heap.Interface for finding closest nodes efficiently.
// It's a max-heap based on distance, keeping the k closest nodes.
type nodeHeap struct {
	nodes     []Node
	distances [][32]byte
	target    [32]byte
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	// Max-heap: return true if i is farther than j
	return !lessDistance(h.distances[i], h.distances[j])
}

func (h *nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *nodeHeap) Push(x interface{}) {
	item := x.(Node)
	h.nodes = append(h.nodes, item)
	h.distances = append(h.distances, item.Distance(h.target))
}

func (h *nodeHeap) Pop() interface{} {
	old := h.nodes
	n := len(old)
	item := old[n-1]
	h.nodes = old[0 : n-1]
	h.distances = h.distances[0 : n-1]
	return item
}

// FindClosestNodes returns up to count nodes closest to target, closest first.
// Nodes without a known address are skipped.
func (rt *RoutingTable) FindClosestNodes(target [32]byte, count int) []Node {
	if count <= 0 {
		return nil
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &nodeHeap{
		nodes:     make([]Node, 0, count),
		distances: make([][32]byte, 0, count),
		target:    target,
	}

	for _, bucket := range rt.kBuckets {
		for _, node := range bucket.nodes {
			if node.Address == nil {
				continue
			}
			if len(h.nodes) < count {
				heap.Push(h, *node)
				continue
			}
			if lessDistance(node.Distance(target), h.distances[0]) {
				heap.Pop(h)
				heap.Push(h, *node)
			}
		}
	}

	result := make([]Node, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(Node)
	}
	return result
}

// GetAllNodes returns copies of every node in the table.
func (rt *RoutingTable) GetAllNodes() []Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []Node
	for _, bucket := range rt.kBuckets {
		for _, n := range bucket.nodes {
			all = append(all, *n)
		}
	}
	return all
}

// ActiveCount returns how many nodes were heard from within timeout.
func (rt *RoutingTable) ActiveCount(now time.Time, timeout time.Duration) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	count := 0
	for _, bucket := range rt.kBuckets {
		for _, n := range bucket.nodes {
			if n.IsActive(now, timeout) {
				count++
			}
		}
	}
	return count
}

// DuePings returns the nodes that have not been pinged within interval and
// marks them as pinged at now. A node silent for longer than timeout is
// marked bad, and evicted if it stays silent and is not a bootstrap node.
func (rt *RoutingTable) DuePings(now time.Time, interval, timeout time.Duration) []Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var due []Node
	for _, bucket := range rt.kBuckets {
		kept := bucket.nodes[:0]
		for _, n := range bucket.nodes {
			if n.Added.IsZero() {
				n.Added = now
			}
			heard := n.LastSeen
			if heard.IsZero() {
				heard = n.Added
			}
			if now.Sub(heard) > timeout {
				if n.Status == StatusBad && !n.Bootstrap && now.Sub(heard) > 2*timeout {
					continue
				}
				n.Status = StatusBad
			}
			if n.Address != nil && now.Sub(n.LastPingSent) >= interval {
				n.LastPingSent = now
				due = append(due, *n)
			}
			kept = append(kept, n)
		}
		bucket.nodes = kept
	}
	return due
}
