// Package invite correlates friend invites with their responses.
//
// An outbound invite carries a numeric context ID. The response names that
// ID and the stored response function is invoked once and forgotten.
// Inbound invites are queued per friend and answered oldest first.
package invite

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/carrier/limits"
	"github.com/opd-ai/carrier/transport"
	"github.com/sirupsen/logrus"
)

// DefaultRejectReason is used when a peer refuses an invite without a reason.
const DefaultRejectReason = "rejected"

var (
	// ErrContractViolation is returned by Reply when status and payload disagree:
	// status 0 needs data, any other status needs a reason.
	ErrContractViolation = errors.New("invite reply violates response contract")
	// ErrNoPendingInvite is returned by Reply when the friend has no unanswered invite.
	ErrNoPendingInvite = errors.New("no pending invite")
	// ErrMalformed is returned for an undecodable invite packet.
	ErrMalformed = errors.New("malformed invite packet")
)

// Sender delivers a sealed payload to a friend.
type Sender interface {
	SendToFriend(friendID string, packetType transport.PacketType, payload []byte) error
}

// Response is the normalized answer to an invite. A zero Status means the
// invite was accepted and Data is non-nil; any other Status carries a
// non-empty Reason and nil Data.
type Response struct {
	Status int32
	Reason string
	Data   []byte
}

// Accepted reports whether the peer accepted the invite.
func (r Response) Accepted() bool {
	return r.Status == 0
}

// ResponseFunc receives the single response to an invite.
type ResponseFunc func(friendID string, resp Response)

// Normalize enforces the Response invariants on a raw reply.
func Normalize(status int32, reason string, data []byte) Response {
	if status == 0 {
		if data == nil {
			data = []byte{}
		}
		return Response{Status: 0, Data: data}
	}
	if reason == "" {
		reason = DefaultRejectReason
	}
	return Response{Status: status, Reason: reason}
}

type requestPayload struct {
	ID   uint32 `json:"id"`
	Data []byte `json:"data"`
}

type responsePayload struct {
	ID     uint32 `json:"id"`
	Status int32  `json:"status"`
	Reason string `json:"reason,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

type outbound struct {
	friendID string
	fn       ResponseFunc
}

// Manager tracks outbound invites awaiting a response and inbound invites
// awaiting a reply.
type Manager struct {
	sender Sender

	mu       sync.Mutex
	nextID   uint32
	outbound map[uint32]outbound
	inbound  map[string][]uint32
}

// NewManager creates an invite manager.
func NewManager(sender Sender) *Manager {
	return &Manager{
		sender:   sender,
		outbound: make(map[uint32]outbound),
		inbound:  make(map[string][]uint32),
	}
}

// Invite sends data to friendID. fn is invoked exactly once, when the
// response arrives.
func (m *Manager) Invite(friendID string, data []byte, fn ResponseFunc) (uint32, error) {
	if err := limits.ValidateInviteData(data); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, fmt.Errorf("%w: nil response function", ErrContractViolation)
	}

	m.mu.Lock()
	m.nextID++
	if m.nextID == 0 {
		m.nextID++
	}
	id := m.nextID
	m.outbound[id] = outbound{friendID: friendID, fn: fn}
	m.mu.Unlock()

	payload, err := json.Marshal(requestPayload{ID: id, Data: data})
	if err == nil {
		err = m.sender.SendToFriend(friendID, transport.PacketInviteRequest, payload)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.outbound, id)
		m.mu.Unlock()
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Invite",
		"friend_id": friendID,
		"invite_id": id,
		"size":      len(data),
	}).Debug("Invite sent")
	return id, nil
}

// Pending returns the number of invites awaiting a response.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound)
}

// HandleRequest queues an inbound invite and returns its data.
func (m *Manager) HandleRequest(friendID string, payload []byte) ([]byte, error) {
	var req requestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := limits.ValidateInviteData(req.Data); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.inbound[friendID] = append(m.inbound[friendID], req.ID)
	m.mu.Unlock()
	return req.Data, nil
}

// Reply answers the oldest unanswered invite from friendID.
func (m *Manager) Reply(friendID string, status int32, reason string, data []byte) error {
	if status == 0 && len(data) == 0 {
		return fmt.Errorf("%w: status 0 without data", ErrContractViolation)
	}
	if status != 0 && reason == "" {
		return fmt.Errorf("%w: status %d without reason", ErrContractViolation, status)
	}
	if status == 0 {
		if err := limits.ValidateInviteData(data); err != nil {
			return err
		}
		reason = ""
	} else {
		if err := limits.ValidateText("reason", reason, limits.MaxInviteReason); err != nil {
			return err
		}
		data = nil
	}

	m.mu.Lock()
	queue := m.inbound[friendID]
	if len(queue) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w from %s", ErrNoPendingInvite, friendID)
	}
	id := queue[0]
	m.popInboundLocked(friendID)
	m.mu.Unlock()

	payload, err := json.Marshal(responsePayload{ID: id, Status: status, Reason: reason, Data: data})
	if err == nil {
		err = m.sender.SendToFriend(friendID, transport.PacketInviteResponse, payload)
	}
	if err != nil {
		m.mu.Lock()
		m.inbound[friendID] = append([]uint32{id}, m.inbound[friendID]...)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) popInboundLocked(friendID string) {
	queue := m.inbound[friendID]
	if len(queue) <= 1 {
		delete(m.inbound, friendID)
		return
	}
	m.inbound[friendID] = queue[1:]
}

// HandleResponse resolves an outbound invite. The response function runs on
// the caller's goroutine without any lock held. Responses for unknown IDs, or
// from a friend other than the one invited, are ignored.
func (m *Manager) HandleResponse(friendID string, payload []byte) error {
	var resp responsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m.mu.Lock()
	pending, ok := m.outbound[resp.ID]
	if !ok || pending.friendID != friendID {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "HandleResponse",
			"friend_id": friendID,
			"invite_id": resp.ID,
		}).Debug("Ignoring response for unknown invite")
		return nil
	}
	delete(m.outbound, resp.ID)
	m.mu.Unlock()

	pending.fn(friendID, Normalize(resp.Status, resp.Reason, resp.Data))
	return nil
}

// DropFriend forgets the inbound invites of a removed friend.
func (m *Manager) DropFriend(friendID string) {
	m.mu.Lock()
	delete(m.inbound, friendID)
	m.mu.Unlock()
}

// Clear discards every pending invite without invoking response functions.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := len(m.outbound)
	m.outbound = make(map[uint32]outbound)
	m.inbound = make(map[string][]uint32)
	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Clear",
			"dropped":  dropped,
		}).Info("Dropped pending invites")
	}
}
