package invite

import (
	"errors"
	"fmt"
	"testing"

	"github.com/opd-ai/carrier/limits"
	"github.com/opd-ai/carrier/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to         string
	packetType transport.PacketType
	payload    []byte
}

type mockSender struct {
	packets []sent
	err     error
}

func (m *mockSender) SendToFriend(friendID string, pt transport.PacketType, payload []byte) error {
	if m.err != nil {
		return m.err
	}
	m.packets = append(m.packets, sent{friendID, pt, payload})
	return nil
}

func (m *mockSender) last() sent {
	return m.packets[len(m.packets)-1]
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		status int32
		reason string
		data   []byte
		want   Response
	}{
		{"accepted with data", 0, "", []byte("sdp"), Response{Status: 0, Data: []byte("sdp")}},
		{"accepted drops reason", 0, "ignored", []byte("x"), Response{Status: 0, Data: []byte("x")}},
		{"accepted nil data", 0, "", nil, Response{Status: 0, Data: []byte{}}},
		{"refused", 3, "busy", []byte("ignored"), Response{Status: 3, Reason: "busy"}},
		{"refused no reason", -1, "", nil, Response{Status: -1, Reason: DefaultRejectReason}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.status, tt.reason, tt.data)
			assert.Equal(t, tt.want, got)
			if got.Accepted() {
				assert.NotNil(t, got.Data)
				assert.Empty(t, got.Reason)
			} else {
				assert.Nil(t, got.Data)
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestInviteRoundTrip(t *testing.T) {
	aliceOut, bobOut := &mockSender{}, &mockSender{}
	alice, bob := NewManager(aliceOut), NewManager(bobOut)

	var calls int
	var got Response
	_, err := alice.Invite("bob", []byte("hello"), func(friendID string, resp Response) {
		calls++
		assert.Equal(t, "bob", friendID)
		got = resp
	})
	require.NoError(t, err)
	assert.Equal(t, 1, alice.Pending())

	req := aliceOut.last()
	assert.Equal(t, transport.PacketInviteRequest, req.packetType)
	data, err := bob.HandleRequest("alice", req.payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, bob.Reply("alice", 0, "", []byte("welcome")))
	resp := bobOut.last()
	assert.Equal(t, transport.PacketInviteResponse, resp.packetType)

	require.NoError(t, alice.HandleResponse("bob", resp.payload))
	assert.Equal(t, 1, calls)
	assert.Equal(t, Response{Status: 0, Data: []byte("welcome")}, got)
	assert.Equal(t, 0, alice.Pending())

	// a replayed response finds no context
	require.NoError(t, alice.HandleResponse("bob", resp.payload))
	assert.Equal(t, 1, calls)
}

func TestInviteRefusal(t *testing.T) {
	aliceOut, bobOut := &mockSender{}, &mockSender{}
	alice, bob := NewManager(aliceOut), NewManager(bobOut)

	var got Response
	_, err := alice.Invite("bob", []byte("join"), func(_ string, resp Response) { got = resp })
	require.NoError(t, err)
	_, err = bob.HandleRequest("alice", aliceOut.last().payload)
	require.NoError(t, err)

	require.NoError(t, bob.Reply("alice", 7, "not now", []byte("dropped")))
	require.NoError(t, alice.HandleResponse("bob", bobOut.last().payload))

	assert.Equal(t, int32(7), got.Status)
	assert.Equal(t, "not now", got.Reason)
	assert.Nil(t, got.Data)
}

func TestReplyAnswersOldestFirst(t *testing.T) {
	out := &mockSender{}
	m := NewManager(out)

	for _, id := range []uint32{11, 12} {
		payload := []byte(fmt.Sprintf(`{"id":%d,"data":"eA=="}`, id))
		_, err := m.HandleRequest("carol", payload)
		require.NoError(t, err)
	}

	require.NoError(t, m.Reply("carol", 1, "no", nil))
	assert.Contains(t, string(out.last().payload), `"id":11`)
	require.NoError(t, m.Reply("carol", 1, "no", nil))
	assert.Contains(t, string(out.last().payload), `"id":12`)

	err := m.Reply("carol", 1, "no", nil)
	assert.ErrorIs(t, err, ErrNoPendingInvite)
}

func TestReplyContract(t *testing.T) {
	out := &mockSender{}
	m := NewManager(out)
	_, err := m.HandleRequest("dave", []byte(`{"id":1,"data":"eA=="}`))
	require.NoError(t, err)

	err = m.Reply("dave", 0, "", nil)
	assert.ErrorIs(t, err, ErrContractViolation)
	err = m.Reply("dave", 2, "", []byte("x"))
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.Empty(t, out.packets, "nothing is sent on a contract violation")

	// the invite is still answerable
	require.NoError(t, m.Reply("dave", 0, "", []byte("ok")))
}

func TestReplySendFailureKeepsInvite(t *testing.T) {
	out := &mockSender{err: errors.New("offline")}
	m := NewManager(out)
	_, err := m.HandleRequest("erin", []byte(`{"id":5,"data":"eA=="}`))
	require.NoError(t, err)

	assert.Error(t, m.Reply("erin", 0, "", []byte("ok")))
	out.err = nil
	require.NoError(t, m.Reply("erin", 0, "", []byte("ok")))
	assert.Contains(t, string(out.last().payload), `"id":5`)
}

func TestInviteValidation(t *testing.T) {
	out := &mockSender{}
	m := NewManager(out)
	noop := func(string, Response) {}

	_, err := m.Invite("bob", nil, noop)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)

	_, err = m.Invite("bob", make([]byte, limits.MaxInviteData+1), noop)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	_, err = m.Invite("bob", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrContractViolation)

	out.err = errors.New("offline")
	_, err = m.Invite("bob", []byte("x"), noop)
	assert.Error(t, err)
	assert.Equal(t, 0, m.Pending())

	_, err = m.HandleRequest("bob", []byte("{"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResponseFromWrongFriendIgnored(t *testing.T) {
	out := &mockSender{}
	m := NewManager(out)
	called := false
	id, err := m.Invite("bob", []byte("x"), func(string, Response) { called = true })
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	require.NoError(t, m.HandleResponse("mallory", []byte(`{"id":1,"status":0,"data":"eA=="}`)))
	assert.False(t, called)
	assert.Equal(t, 1, m.Pending())

	m.Clear()
	assert.Equal(t, 0, m.Pending())
	require.NoError(t, m.HandleResponse("bob", []byte(`{"id":1,"status":0,"data":"eA=="}`)))
	assert.False(t, called)
}
