// Package session negotiates encrypted point-to-point sessions between
// friends on top of a carrier node.
//
// The initiator sends an SDP offer carrying the first message of a Noise IK
// handshake. The responder answers with an SDP answer carrying the second
// message, after which both sides hold transport keys and exchange
// AEAD-sealed datagrams over the node's friend channel.
//
// Example:
//
//	mgr, err := session.NewManager(node, func(friendID, offer string) {
//	    s, _ := mgr.NewSession(friendID)
//	    s.OnData(func(data []byte) { fmt.Printf("%s\n", data) })
//	    s.Accept(offer)
//	})
//
//	s, _ := mgr.NewSession(friendID)
//	s.Request(func(s *session.Session, status int32, reason, answer string) {
//	    if status == session.StatusOK {
//	        s.Write([]byte("hello"))
//	    }
//	})
//
// All callbacks run on the node's Run goroutine.
package session

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/limits"
	"github.com/opd-ai/carrier/transport"
	"github.com/sirupsen/logrus"
)

// Response statuses reported to a CompleteFunc.
const (
	StatusOK       int32 = 0
	StatusRejected int32 = 1
	StatusFailed   int32 = 2
)

// MaxDataSize bounds the payload of one Write.
const MaxDataSize = 1024

// DefaultRejectReason is used when Reject is given no reason.
const DefaultRejectReason = "rejected"

const (
	idSize     = 16
	nonceSize  = 8
	dataHeader = idSize + nonceSize
)

var (
	// ErrMalformedOffer is returned for an offer or answer that does not
	// parse or lacks the session attributes.
	ErrMalformedOffer = errors.New("malformed session description")
	// ErrInvalidState is returned when an operation does not fit the
	// session's current state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrWrongPeer is returned when an offer was not made by the friend the
	// session belongs to.
	ErrWrongPeer = errors.New("session description from another peer")
	// ErrHandshake is returned when the Noise handshake fails.
	ErrHandshake = errors.New("session handshake failed")
	// ErrClosed is returned after Cleanup.
	ErrClosed = errors.New("session manager closed")
)

// Node is the part of a carrier node the session layer rides on.
type Node interface {
	KeyPair() crypto.KeyPair
	FriendPublicKey(friendID string) ([32]byte, error)
	SendFriendPacket(friendID string, pt transport.PacketType, payload []byte) error
	HandleFriendPacket(pt transport.PacketType, fn func(friendID string, payload []byte)) error
}

// RequestHandler receives inbound session offers. Answer with
// Session.Accept or Session.Reject on a session made by NewSession.
type RequestHandler func(friendID, sdpOffer string)

// CompleteFunc receives the single answer to Session.Request.
type CompleteFunc func(s *Session, status int32, reason, sdpAnswer string)

// State is the lifecycle state of a session.
type State int32

const (
	StateNew State = iota
	StateRequested
	StateConnected
	StateClosed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRequested:
		return "requested"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type responsePayload struct {
	ID     string `json:"id"`
	Status int32  `json:"status"`
	Reason string `json:"reason,omitempty"`
	SDP    string `json:"sdp,omitempty"`
}

// Manager owns the sessions of one node.
type Manager struct {
	node      Node
	onRequest RequestHandler

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
}

// NewManager attaches a session manager to node. onRequest may be nil, in
// which case every inbound offer is rejected.
func NewManager(node Node, onRequest RequestHandler) (*Manager, error) {
	m := &Manager{
		node:      node,
		onRequest: onRequest,
		sessions:  make(map[uuid.UUID]*Session),
	}

	handlers := map[transport.PacketType]func(string, []byte){
		transport.PacketSessionRequest:  m.handleRequest,
		transport.PacketSessionResponse: m.handleResponse,
		transport.PacketSessionData:     m.handleData,
		transport.PacketSessionClose:    m.handleClose,
	}
	for pt, fn := range handlers {
		if err := node.HandleFriendPacket(pt, fn); err != nil {
			m.unregister()
			return nil, fmt.Errorf("register %s handler: %w", pt, err)
		}
	}
	return m, nil
}

// Cleanup closes every session and detaches the manager from the node.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
	m.unregister()

	logrus.WithFields(logrus.Fields{
		"function": "Cleanup",
		"closed":   len(open),
	}).Debug("Session manager cleaned up")
}

func (m *Manager) unregister() {
	for _, pt := range []transport.PacketType{
		transport.PacketSessionRequest,
		transport.PacketSessionResponse,
		transport.PacketSessionData,
		transport.PacketSessionClose,
	} {
		_ = m.node.HandleFriendPacket(pt, nil)
	}
}

// NewSession creates an unnegotiated session with friendID.
func (m *Manager) NewSession(friendID string) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	pk, err := m.node.FriendPublicKey(friendID)
	if err != nil {
		return nil, err
	}
	return &Session{manager: m, friendID: friendID, peer: pk}, nil
}

// Len returns the number of requested or connected sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) add(s *Session, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("%w: session %s already open", ErrInvalidState, id)
	}
	m.sessions[id] = s
	return nil
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// lookup finds the session id belonging to friendID.
func (m *Manager) lookup(friendID string, id uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.friendID != friendID {
		return nil
	}
	return s
}

func (m *Manager) respond(friendID string, resp responsePayload) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return m.node.SendFriendPacket(friendID, transport.PacketSessionResponse, payload)
}

func (m *Manager) handleRequest(friendID string, payload []byte) {
	offer := string(payload)
	desc, err := parseDescription(offer)
	if err != nil {
		dropped("handleRequest", friendID, err)
		return
	}
	if m.onRequest == nil {
		_ = m.respond(friendID, responsePayload{
			ID:     desc.ID.String(),
			Status: StatusRejected,
			Reason: "sessions not accepted",
		})
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleRequest",
		"friend_id":  friendID,
		"session_id": desc.ID.String(),
	}).Debug("Session offer received")
	m.onRequest(friendID, offer)
}

func (m *Manager) handleResponse(friendID string, payload []byte) {
	var resp responsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		dropped("handleResponse", friendID, err)
		return
	}
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		dropped("handleResponse", friendID, err)
		return
	}
	s := m.lookup(friendID, id)
	if s == nil {
		dropped("handleResponse", friendID, fmt.Errorf("unknown session %s", id))
		return
	}
	s.complete(resp)
}

func (m *Manager) handleData(friendID string, payload []byte) {
	if len(payload) < dataHeader+16 {
		dropped("handleData", friendID, errors.New("short frame"))
		return
	}
	id, _ := uuid.FromBytes(payload[:idSize])
	s := m.lookup(friendID, id)
	if s == nil {
		dropped("handleData", friendID, fmt.Errorf("unknown session %s", id))
		return
	}
	s.receive(payload)
}

func (m *Manager) handleClose(friendID string, payload []byte) {
	if len(payload) != idSize {
		dropped("handleClose", friendID, errors.New("bad frame size"))
		return
	}
	id, _ := uuid.FromBytes(payload)
	s := m.lookup(friendID, id)
	if s == nil {
		return
	}
	s.closedByPeer()
}

func dropped(function, friendID string, err error) {
	logrus.WithFields(logrus.Fields{
		"function":  function,
		"friend_id": friendID,
		"error":     err.Error(),
	}).Debug("Session packet dropped")
}

// Session is a negotiated channel with one friend. It is owned by the
// caller until Close.
type Session struct {
	manager  *Manager
	friendID string
	peer     [32]byte

	mu         sync.Mutex
	id         uuid.UUID
	state      State
	hs         *noise.HandshakeState
	onComplete CompleteFunc
	send       noise.Cipher
	recv       noise.Cipher
	sendNonce  uint64
	window     replayWindow
	onData     func(data []byte)
	onClose    func()
}

// FriendID returns the friend this session belongs to.
func (s *Session) FriendID() string {
	return s.friendID
}

// ID returns the negotiated session ID, or "" before negotiation.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNew {
		return ""
	}
	return s.id.String()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnData sets the function receiving decrypted data.
func (s *Session) OnData(fn func(data []byte)) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

// OnClose sets the function called when the peer closes the session.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Request sends an offer to the friend. onComplete is called once with the
// answer, a rejection, or a handshake failure.
func (s *Session) Request(onComplete CompleteFunc) error {
	if onComplete == nil {
		return errors.New("nil completion function")
	}
	node := s.manager.node

	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: request in state %s", ErrInvalidState, state)
	}
	id := uuid.New()
	hs, err := newHandshake(node.KeyPair(), s.peer[:], true, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	offer, err := marshalDescription(id, msg)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.manager.add(s, id); err != nil {
		s.mu.Unlock()
		return err
	}
	s.id = id
	s.hs = hs
	s.onComplete = onComplete
	s.state = StateRequested
	s.mu.Unlock()

	if err := node.SendFriendPacket(s.friendID, transport.PacketSessionRequest, []byte(offer)); err != nil {
		s.manager.remove(id)
		s.mu.Lock()
		s.state = StateNew
		s.hs = nil
		s.onComplete = nil
		s.mu.Unlock()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Request",
		"friend_id":  s.friendID,
		"session_id": id.String(),
	}).Debug("Session offer sent")
	return nil
}

// Accept answers offer, connects the session and returns the SDP answer
// sent to the friend.
func (s *Session) Accept(offer string) (string, error) {
	desc, err := parseDescription(offer)
	if err != nil {
		return "", err
	}
	node := s.manager.node

	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: accept in state %s", ErrInvalidState, state)
	}
	hs, err := newHandshake(node.KeyPair(), nil, false, desc.ID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if _, _, _, err := hs.ReadMessage(nil, desc.Handshake); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !bytes.Equal(hs.PeerStatic(), s.peer[:]) {
		s.mu.Unlock()
		return "", ErrWrongPeer
	}
	msg, toResponder, toInitiator, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	answer, err := marshalDescription(desc.ID, msg)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := s.manager.add(s, desc.ID); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.id = desc.ID
	s.send = toInitiator.Cipher()
	s.recv = toResponder.Cipher()
	s.state = StateConnected
	s.mu.Unlock()

	err = s.manager.respond(s.friendID, responsePayload{ID: desc.ID.String(), Status: StatusOK, SDP: answer})
	if err != nil {
		s.manager.remove(desc.ID)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Accept",
		"friend_id":  s.friendID,
		"session_id": desc.ID.String(),
	}).Info("Session connected")
	return answer, nil
}

// Reject refuses offer. The session is closed afterwards.
func (s *Session) Reject(offer, reason string) error {
	desc, err := parseDescription(offer)
	if err != nil {
		return err
	}
	if err := limits.ValidateText("reason", reason, limits.MaxInviteReason); err != nil {
		return err
	}
	if reason == "" {
		reason = DefaultRejectReason
	}

	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: reject in state %s", ErrInvalidState, state)
	}
	s.id = desc.ID
	s.state = StateClosed
	s.mu.Unlock()

	return s.manager.respond(s.friendID, responsePayload{
		ID:     desc.ID.String(),
		Status: StatusRejected,
		Reason: reason,
	})
}

// Write seals data and sends it to the friend.
func (s *Session) Write(data []byte) error {
	if err := limits.ValidateMessageSize(data, MaxDataSize); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: write in state %s", ErrInvalidState, state)
	}
	if s.sendNonce == math.MaxUint64 {
		s.mu.Unlock()
		return fmt.Errorf("%w: nonces exhausted", ErrInvalidState)
	}
	n := s.sendNonce
	s.sendNonce++

	frame := make([]byte, dataHeader, dataHeader+len(data)+16)
	copy(frame, s.id[:])
	binary.BigEndian.PutUint64(frame[idSize:], n)
	frame = s.send.Encrypt(frame, n, s.id[:], data)
	s.mu.Unlock()

	return s.manager.node.SendFriendPacket(s.friendID, transport.PacketSessionData, frame)
}

// Close ends the session and tells the friend. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed || prev == StateNew {
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.hs = nil
	s.onComplete = nil
	id := s.id
	s.mu.Unlock()

	s.manager.remove(id)

	logrus.WithFields(logrus.Fields{
		"function":   "Close",
		"friend_id":  s.friendID,
		"session_id": id.String(),
	}).Debug("Session closed")
	return s.manager.node.SendFriendPacket(s.friendID, transport.PacketSessionClose, id[:])
}

func (s *Session) complete(resp responsePayload) {
	s.mu.Lock()
	if s.state != StateRequested {
		s.mu.Unlock()
		return
	}
	fn := s.onComplete
	s.onComplete = nil
	id := s.id

	if resp.Status != StatusOK {
		s.state = StateClosed
		s.hs = nil
		s.mu.Unlock()
		s.manager.remove(id)
		reason := resp.Reason
		if reason == "" {
			reason = DefaultRejectReason
		}
		fn(s, resp.Status, reason, "")
		return
	}

	err := s.finishHandshake(resp.SDP)
	if err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		s.manager.remove(id)
		_ = s.manager.node.SendFriendPacket(s.friendID, transport.PacketSessionClose, id[:])

		logrus.WithFields(logrus.Fields{
			"function":   "complete",
			"friend_id":  s.friendID,
			"session_id": id.String(),
			"error":      err.Error(),
		}).Warn("Session handshake failed")
		fn(s, StatusFailed, err.Error(), "")
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "complete",
		"friend_id":  s.friendID,
		"session_id": id.String(),
	}).Info("Session connected")
	fn(s, StatusOK, "", resp.SDP)
}

// finishHandshake reads the responder's message. Caller holds s.mu.
func (s *Session) finishHandshake(answer string) error {
	desc, err := parseDescription(answer)
	if err != nil {
		return err
	}
	if desc.ID != s.id {
		return fmt.Errorf("%w: answer for session %s", ErrMalformedOffer, desc.ID)
	}
	_, toResponder, toInitiator, err := s.hs.ReadMessage(nil, desc.Handshake)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if toResponder == nil || toInitiator == nil {
		return fmt.Errorf("%w: handshake incomplete", ErrHandshake)
	}
	s.hs = nil
	s.send = toResponder.Cipher()
	s.recv = toInitiator.Cipher()
	return nil
}

func (s *Session) receive(frame []byte) {
	n := binary.BigEndian.Uint64(frame[idSize:dataHeader])

	s.mu.Lock()
	if s.state != StateConnected || !s.window.check(n) {
		s.mu.Unlock()
		dropped("receive", s.friendID, errors.New("stale or replayed frame"))
		return
	}
	data, err := s.recv.Decrypt(nil, n, s.id[:], frame[dataHeader:])
	if err != nil {
		s.mu.Unlock()
		dropped("receive", s.friendID, err)
		return
	}
	s.window.mark(n)
	fn := s.onData
	s.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

func (s *Session) closedByPeer() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	requested := s.state == StateRequested
	complete := s.onComplete
	onClose := s.onClose
	s.state = StateClosed
	s.hs = nil
	s.onComplete = nil
	id := s.id
	s.mu.Unlock()

	s.manager.remove(id)
	if requested && complete != nil {
		complete(s, StatusFailed, "closed by peer", "")
		return
	}
	if onClose != nil {
		onClose()
	}
}
