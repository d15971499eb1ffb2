// Package transport implements the datagram transport of a carrier node.
//
// A packet on the wire is a single type byte followed by the packet body.
// Bodies are sealed by the node before they reach this layer; the transport
// only frames, sends, receives and dispatches.
//
// Example:
//
//	tr, err := transport.NewUDPTransport("0.0.0.0:33445")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    PacketType: transport.PacketPingRequest,
//	    Data:       sealed,
//	}
//
//	err = tr.Send(packet, remoteAddr)
package transport

import (
	"errors"
)

// PacketType identifies the type of a carrier packet.
type PacketType byte

const (
	// Node packet types
	PacketPingRequest PacketType = iota + 1
	PacketPingResponse
	PacketGetNodes
	PacketSendNodes

	// Friend related packet types
	PacketFriendRequest
	PacketFriendAccept
	PacketFriendPing
	PacketFriendInfo
	PacketFriendMessage

	// Invite packet types
	PacketInviteRequest
	PacketInviteResponse

	// File transfer packet types
	PacketFileRequest
	PacketFileAccept
	PacketFileControl
	PacketFileData
	PacketFileDataAck

	// Session packet types
	PacketSessionRequest
	PacketSessionResponse
	PacketSessionData
	PacketSessionClose

	packetTypeEnd
)

// PacketTypes returns every packet type a node understands.
func PacketTypes() []PacketType {
	types := make([]PacketType, 0, int(packetTypeEnd)-1)
	for t := PacketPingRequest; t < packetTypeEnd; t++ {
		types = append(types, t)
	}
	return types
}

// String returns the name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketPingRequest:
		return "ping_request"
	case PacketPingResponse:
		return "ping_response"
	case PacketGetNodes:
		return "get_nodes"
	case PacketSendNodes:
		return "send_nodes"
	case PacketFriendRequest:
		return "friend_request"
	case PacketFriendAccept:
		return "friend_accept"
	case PacketFriendPing:
		return "friend_ping"
	case PacketFriendInfo:
		return "friend_info"
	case PacketFriendMessage:
		return "friend_message"
	case PacketInviteRequest:
		return "invite_request"
	case PacketInviteResponse:
		return "invite_response"
	case PacketFileRequest:
		return "file_request"
	case PacketFileAccept:
		return "file_accept"
	case PacketFileControl:
		return "file_control"
	case PacketFileData:
		return "file_data"
	case PacketFileDataAck:
		return "file_data_ack"
	case PacketSessionRequest:
		return "session_request"
	case PacketSessionResponse:
		return "session_response"
	case PacketSessionData:
		return "session_data"
	case PacketSessionClose:
		return "session_close"
	default:
		return "unknown"
	}
}

// Packet represents a carrier protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packetType := PacketType(data[0])
	if packetType == 0 || packetType >= packetTypeEnd {
		return nil, errors.New("unknown packet type")
	}

	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
