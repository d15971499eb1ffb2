package friend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestRate is the sustained rate of inbound friend requests accepted.
	DefaultRequestRate = rate.Limit(5)
	// DefaultRequestBurst is the burst of inbound friend requests accepted.
	DefaultRequestBurst = 10
	// MaxRequestAttempts is how often an outbound request is retried before it is dropped.
	MaxRequestAttempts = 30
)

// ErrRateLimited is returned when inbound requests arrive faster than allowed.
var ErrRateLimited = errors.New("friend request rate limited")

// Request is a friend request received from a stranger.
type Request struct {
	SenderPublicKey [32]byte
	UserID          string
	Info            UserInfo
	Hello           string
	Addr            net.Addr
	Timestamp       time.Time
}

// RequestPayload is the body of a sealed friend request packet.
type RequestPayload struct {
	Nospam uint32   `json:"nospam"`
	Hello  string   `json:"hello"`
	Info   UserInfo `json:"info"`
}

// AcceptPayload is the body of a sealed friend accept packet.
type AcceptPayload struct {
	Info     UserInfo       `json:"info"`
	Presence PresenceStatus `json:"presence"`
}

// InfoPayload is the body of a sealed profile update packet.
type InfoPayload struct {
	Info     UserInfo       `json:"info"`
	Presence PresenceStatus `json:"presence"`
}

// EncodeRequest serializes a request body.
func EncodeRequest(nospam uint32, hello string, info UserInfo) ([]byte, error) {
	if err := limits.ValidateText("hello", hello, limits.MaxHelloLength); err != nil {
		return nil, err
	}
	data, err := json.Marshal(RequestPayload{Nospam: nospam, Hello: hello, Info: info})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request data: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a request body received from sender.
func DecodeRequest(sender [32]byte, data []byte) (*Request, uint32, error) {
	var payload RequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal request data: %w", err)
	}
	if err := limits.ValidateText("hello", payload.Hello, limits.MaxHelloLength); err != nil {
		return nil, 0, err
	}
	if err := payload.Info.Validate(); err != nil {
		return nil, 0, err
	}

	userID := crypto.EncodeID(sender)
	payload.Info.UserID = userID
	return &Request{
		SenderPublicKey: sender,
		UserID:          userID,
		Info:            payload.Info,
		Hello:           payload.Hello,
	}, payload.Nospam, nil
}

// Outbound is a friend request this node sent and is waiting on.
type Outbound struct {
	PublicKey   [32]byte
	Nospam      uint32
	Hello       string
	Attempts    int
	LastAttempt time.Time
}

// RequestManager holds friend requests in flight: inbound ones waiting for a
// local accept, and outbound ones waiting for the peer's accept.
type RequestManager struct {
	mu           sync.Mutex
	inbound      map[string]*Request
	outbound     map[[32]byte]*Outbound
	limiter      *rate.Limiter
	timeProvider TimeProvider
}

// NewRequestManager creates a manager accepting at most r inbound requests per
// second with the given burst.
func NewRequestManager(r rate.Limit, burst int, tp TimeProvider) *RequestManager {
	if r <= 0 {
		r = DefaultRequestRate
	}
	if burst <= 0 {
		burst = DefaultRequestBurst
	}
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	return &RequestManager{
		inbound:      make(map[string]*Request),
		outbound:     make(map[[32]byte]*Outbound),
		limiter:      rate.NewLimiter(r, burst),
		timeProvider: tp,
	}
}

// Receive stores an inbound request. It returns true if the request is new and
// the user should be told about it; a repeated request only refreshes the
// stored greeting.
func (m *RequestManager) Receive(req *Request) (bool, error) {
	if !m.limiter.Allow() {
		logrus.WithFields(logrus.Fields{
			"function": "Receive",
			"user_id":  req.UserID,
		}).Warn("Dropping friend request: rate limited")
		return false, ErrRateLimited
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req.Timestamp = m.timeProvider.Now()
	if existing, ok := m.inbound[req.UserID]; ok {
		existing.Hello = req.Hello
		existing.Info = req.Info
		existing.Addr = req.Addr
		existing.Timestamp = req.Timestamp
		return false, nil
	}
	m.inbound[req.UserID] = req

	logrus.WithFields(logrus.Fields{
		"function": "Receive",
		"user_id":  req.UserID,
	}).Info("Friend request stored")
	return true, nil
}

// Take removes and returns the pending inbound request from userID.
func (m *RequestManager) Take(userID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.inbound[userID]
	if !ok {
		return nil, fmt.Errorf("%w: no pending request from %s", ErrNotFound, userID)
	}
	delete(m.inbound, userID)
	return req, nil
}

// Pending returns the number of inbound requests awaiting a decision.
func (m *RequestManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbound)
}

// AddOutbound records a request sent to publicKey.
func (m *RequestManager) AddOutbound(publicKey [32]byte, nospam uint32, hello string) *Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &Outbound{PublicKey: publicKey, Nospam: nospam, Hello: hello}
	m.outbound[publicKey] = out
	return out
}

// HasOutbound reports whether a request to publicKey is waiting for an answer.
func (m *RequestManager) HasOutbound(publicKey [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.outbound[publicKey]
	return ok
}

// Outbound returns a copy of the outbound request to publicKey.
func (m *RequestManager) Outbound(publicKey [32]byte) (Outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outbound[publicKey]
	if !ok {
		return Outbound{}, false
	}
	return *out, true
}

// CompleteOutbound removes the outbound request to publicKey and reports
// whether there was one.
func (m *RequestManager) CompleteOutbound(publicKey [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outbound[publicKey]; !ok {
		return false
	}
	delete(m.outbound, publicKey)
	return true
}

// Due returns the outbound requests whose last attempt is older than interval
// and marks them attempted. Requests that used up MaxRequestAttempts are dropped.
func (m *RequestManager) Due(interval time.Duration) []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeProvider.Now()
	var due []Outbound
	for pk, out := range m.outbound {
		if out.Attempts > 0 && now.Sub(out.LastAttempt) < interval {
			continue
		}
		if out.Attempts >= MaxRequestAttempts {
			logrus.WithFields(logrus.Fields{
				"function": "Due",
				"user_id":  crypto.EncodeID(pk),
				"attempts": out.Attempts,
			}).Warn("Giving up on friend request")
			delete(m.outbound, pk)
			continue
		}
		out.Attempts++
		out.LastAttempt = now
		due = append(due, *out)
	}
	return due
}

// Clear drops every request in flight.
func (m *RequestManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = make(map[string]*Request)
	m.outbound = make(map[[32]byte]*Outbound)
}
