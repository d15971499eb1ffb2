package messaging

import (
	"errors"
	"sync"
	"testing"

	"github.com/opd-ai/carrier/limits"
	"github.com/opd-ai/carrier/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	friendID   string
	packetType transport.PacketType
	payload    []byte
}

// mockSender records every payload instead of sending it.
type mockSender struct {
	mu   sync.Mutex
	sent []sentPacket
	err  error
}

func (m *mockSender) SendToFriend(friendID string, pt transport.PacketType, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentPacket{friendID, pt, payload})
	return nil
}

func TestSendAndReceive(t *testing.T) {
	sender := &mockSender{}
	alice := NewMessageManager(sender)
	bob := NewMessageManager(&mockSender{})

	msg, err := alice.SendMessage("bob", []byte("hello"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, transport.PacketFriendMessage, sender.sent[0].packetType)

	got, err := bob.HandleFrame("alice", sender.sent[0].payload)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Equal(t, "alice", got.FriendID)
	assert.Equal(t, msg.ID, got.ID)

	dup, err := bob.HandleFrame("alice", sender.sent[0].payload)
	require.NoError(t, err)
	assert.Nil(t, dup, "a replayed frame is dropped")
}

func TestSendMessageLimits(t *testing.T) {
	mm := NewMessageManager(&mockSender{})

	_, err := mm.SendMessage("f", nil)
	assert.True(t, errors.Is(err, limits.ErrMessageEmpty))

	_, err = mm.SendMessage("f", make([]byte, limits.MaxPlaintextMessage+1))
	assert.True(t, errors.Is(err, limits.ErrMessageTooLarge))

	_, err = mm.SendMessage("f", make([]byte, limits.MaxPlaintextMessage))
	assert.NoError(t, err)
}

func TestSendMessagePropagatesTransportError(t *testing.T) {
	failure := errors.New("offline")
	mm := NewMessageManager(&mockSender{err: failure})
	_, err := mm.SendMessage("f", []byte("x"))
	assert.True(t, errors.Is(err, failure))
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestSequenceNumbersIncrease(t *testing.T) {
	mm := NewMessageManager(&mockSender{})
	a, _ := mm.SendMessage("f", []byte("1"))
	b, _ := mm.SendMessage("f", []byte("2"))
	assert.Equal(t, a.ID+1, b.ID)
}
