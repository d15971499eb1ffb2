// Package messaging implements the friend message channel of a carrier node.
//
// Messages are fire-and-forget: a message is framed with a sequence number
// and a timestamp, sealed by the node and sent once. Receivers drop frames
// they have already seen.
//
// Example:
//
//	mm := messaging.NewMessageManager(node)
//	if _, err := mm.SendMessage(friendID, []byte("Hello, world!")); err != nil {
//	    log.Fatal(err)
//	}
package messaging

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/carrier/limits"
	"github.com/opd-ai/carrier/transport"
	"github.com/sirupsen/logrus"
)

// frameHeaderSize is the sequence number plus the millisecond timestamp.
const frameHeaderSize = 4 + 8

// seenWindow is how many recent frames are remembered for duplicate detection.
const seenWindow = 4096

// ErrMalformedFrame is returned for a frame shorter than its header.
var ErrMalformedFrame = errors.New("malformed message frame")

// Sender delivers a sealed payload to a friend.
type Sender interface {
	SendToFriend(friendID string, packetType transport.PacketType, payload []byte) error
}

// Message represents a friend message.
type Message struct {
	ID        uint32
	FriendID  string
	Body      []byte
	Timestamp time.Time
}

type seenKey struct {
	friendID string
	id       uint32
	stamp    int64
}

// MessageManager frames outbound messages and filters inbound ones.
type MessageManager struct {
	sender Sender
	nextID atomic.Uint32
	seen   *lru.Cache[seenKey, struct{}]
}

// NewMessageManager creates a new message manager.
func NewMessageManager(sender Sender) *MessageManager {
	seen, err := lru.New[seenKey, struct{}](seenWindow)
	if err != nil {
		panic(err)
	}
	mm := &MessageManager{sender: sender, seen: seen}

	var seed [4]byte
	if _, err := rand.Read(seed[:]); err == nil {
		mm.nextID.Store(binary.BigEndian.Uint32(seed[:]))
	}
	return mm
}

// SendMessage frames body and sends it to friendID once.
func (mm *MessageManager) SendMessage(friendID string, body []byte) (*Message, error) {
	if err := limits.ValidatePlaintextMessage(body); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        mm.nextID.Add(1),
		FriendID:  friendID,
		Body:      body,
		Timestamp: time.Now(),
	}
	if err := mm.sender.SendToFriend(friendID, transport.PacketFriendMessage, EncodeFrame(msg)); err != nil {
		return nil, fmt.Errorf("send message to %s: %w", friendID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendMessage",
		"friend_id":  friendID,
		"message_id": msg.ID,
		"size":       len(body),
	}).Debug("Message sent")
	return msg, nil
}

// HandleFrame decodes a frame received from friendID. It returns nil without
// error for a duplicate.
func (mm *MessageManager) HandleFrame(friendID string, data []byte) (*Message, error) {
	msg, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidatePlaintextMessage(msg.Body); err != nil {
		return nil, err
	}
	msg.FriendID = friendID

	key := seenKey{friendID: friendID, id: msg.ID, stamp: msg.Timestamp.UnixMilli()}
	if seen, _ := mm.seen.ContainsOrAdd(key, struct{}{}); seen {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleFrame",
			"friend_id":  friendID,
			"message_id": msg.ID,
		}).Debug("Dropping duplicate message")
		return nil, nil
	}
	return msg, nil
}

// EncodeFrame serializes a message: [id(4)][unix millis(8)][body].
func EncodeFrame(msg *Message) []byte {
	out := make([]byte, frameHeaderSize+len(msg.Body))
	binary.BigEndian.PutUint32(out[0:4], msg.ID)
	binary.BigEndian.PutUint64(out[4:12], uint64(msg.Timestamp.UnixMilli()))
	copy(out[frameHeaderSize:], msg.Body)
	return out
}

// DecodeFrame parses a frame built by EncodeFrame.
func DecodeFrame(data []byte) (*Message, error) {
	if len(data) < frameHeaderSize {
		return nil, ErrMalformedFrame
	}
	body := make([]byte, len(data)-frameHeaderSize)
	copy(body, data[frameHeaderSize:])
	return &Message{
		ID:        binary.BigEndian.Uint32(data[0:4]),
		Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(data[4:12]))),
		Body:      body,
	}, nil
}
