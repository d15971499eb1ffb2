package dht

import (
	"errors"
	"fmt"
)

// MaxNodesPerResponse bounds a SendNodes payload.
const MaxNodesPerResponse = 8

// ErrMalformedNodes is returned for an undecodable node list.
var ErrMalformedNodes = errors.New("malformed node list")

// NodeEntry is one node in a SendNodes payload.
type NodeEntry struct {
	PublicKey [32]byte
	Endpoint  string
}

// EncodeGetNodes builds a GetNodes payload asking for nodes close to target.
func EncodeGetNodes(target [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, target[:])
	return out
}

// DecodeGetNodes parses a GetNodes payload.
func DecodeGetNodes(data []byte) ([32]byte, error) {
	var target [32]byte
	if len(data) != 32 {
		return target, fmt.Errorf("%w: get_nodes of %d bytes", ErrMalformedNodes, len(data))
	}
	copy(target[:], data)
	return target, nil
}

// EncodeNodes builds a SendNodes payload:
// [count(1)] then per node [public key(32)][endpoint length(1)][endpoint].
func EncodeNodes(nodes []Node) []byte {
	if len(nodes) > MaxNodesPerResponse {
		nodes = nodes[:MaxNodesPerResponse]
	}
	out := []byte{0}
	for _, n := range nodes {
		if n.Address == nil {
			continue
		}
		ep := n.Address.String()
		if len(ep) > 255 {
			continue
		}
		out = append(out, n.PublicKey[:]...)
		out = append(out, byte(len(ep)))
		out = append(out, ep...)
		out[0]++
	}
	return out
}

// DecodeNodes parses a SendNodes payload.
func DecodeNodes(data []byte) ([]NodeEntry, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedNodes)
	}
	count := int(data[0])
	if count > MaxNodesPerResponse {
		return nil, fmt.Errorf("%w: %d nodes", ErrMalformedNodes, count)
	}

	entries := make([]NodeEntry, 0, count)
	off := 1
	for i := 0; i < count; i++ {
		if len(data) < off+33 {
			return nil, fmt.Errorf("%w: truncated", ErrMalformedNodes)
		}
		var e NodeEntry
		copy(e.PublicKey[:], data[off:off+32])
		l := int(data[off+32])
		off += 33
		if len(data) < off+l {
			return nil, fmt.Errorf("%w: truncated endpoint", ErrMalformedNodes)
		}
		e.Endpoint = string(data[off : off+l])
		off += l
		entries = append(entries, e)
	}
	return entries, nil
}
