package friend

import (
	"fmt"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/carrier/crypto"
	"github.com/sirupsen/logrus"
)

// Iterator is called once per friend and then once with nil to mark the end
// of the list. Returning false stops the iteration early, in which case the
// nil call is not made.
type Iterator func(info *FriendInfo) bool

// Peer is the addressing information of a friend.
type Peer struct {
	UserID    string
	PublicKey [32]byte
	Addr      net.Addr
	Online    bool
}

// Manager is the thread-safe friend list.
type Manager struct {
	mu           sync.RWMutex
	friends      map[string]*Friend
	order        []string
	timeProvider TimeProvider
}

// NewManager creates an empty friend list. A nil time provider uses the wall clock.
func NewManager(tp TimeProvider) *Manager {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	return &Manager{
		friends:      make(map[string]*Friend),
		timeProvider: tp,
	}
}

// Add inserts a friend. It fails with ErrAlreadyFriend for a duplicate user ID.
func (m *Manager) Add(f *Friend) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.friends[f.UserID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyFriend, f.UserID)
	}
	m.friends[f.UserID] = f
	m.order = append(m.order, f.UserID)

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"user_id":  f.UserID,
		"count":    len(m.order),
	}).Info("Friend added")
	return nil
}

// Remove deletes a friend and returns its last snapshot.
func (m *Manager) Remove(userID string) (FriendInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, exists := m.friends[userID]
	if !exists {
		return FriendInfo{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	delete(m.friends, userID)
	for i, id := range m.order {
		if id == userID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"user_id":  userID,
	}).Info("Friend removed")
	return f.Snapshot(), nil
}

// Get returns a snapshot of one friend.
func (m *Manager) Get(userID string) (FriendInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, exists := m.friends[userID]
	if !exists {
		return FriendInfo{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return f.Snapshot(), nil
}

// Exists reports whether userID is on the list.
func (m *Manager) Exists(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.friends[userID]
	return exists
}

// IsFriendKey reports whether the public key belongs to a friend.
func (m *Manager) IsFriendKey(publicKey [32]byte) bool {
	return m.Exists(crypto.EncodeID(publicKey))
}

// Peer returns the addressing information of a friend.
func (m *Manager) Peer(userID string) (Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, exists := m.friends[userID]
	if !exists {
		return Peer{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return Peer{UserID: f.UserID, PublicKey: f.PublicKey, Addr: f.Addr, Online: f.IsOnline()}, nil
}

// Peers returns the addressing information of every friend.
func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]Peer, 0, len(m.order))
	for _, id := range m.order {
		f := m.friends[id]
		peers = append(peers, Peer{UserID: f.UserID, PublicKey: f.PublicKey, Addr: f.Addr, Online: f.IsOnline()})
	}
	return peers
}

// SetLabel changes the local alias of a friend.
func (m *Manager) SetLabel(userID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, exists := m.friends[userID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	f.Label = label
	return nil
}

// Count returns the number of friends.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// List returns snapshots of all friends in insertion order.
func (m *Manager) List() []FriendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]FriendInfo, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.friends[id].Snapshot())
	}
	return list
}

// Records returns copies of the live records, for persistence.
func (m *Manager) Records() []Friend {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Friend, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.friends[id])
	}
	return out
}

// Iterate walks a snapshot of the list. The iterator sees every friend once,
// then nil, unless it stops early.
func (m *Manager) Iterate(fn Iterator) {
	for _, info := range m.List() {
		info := info
		if !fn(&info) {
			return
		}
	}
	fn(nil)
}

// All returns a lazy single-pass sequence over a snapshot of the list. The
// snapshot is taken when iteration starts; ranging over the sequence again
// yields nothing.
func (m *Manager) All() iter.Seq[FriendInfo] {
	var used atomic.Bool
	return func(yield func(FriendInfo) bool) {
		if used.Swap(true) {
			return
		}
		for _, info := range m.List() {
			if !yield(info) {
				return
			}
		}
	}
}

// Touch records traffic from a friend. It returns the friend's user ID, whether
// this traffic brought the friend online, and false if the key is not a friend.
func (m *Manager) Touch(publicKey [32]byte, addr net.Addr) (userID string, cameOnline, ok bool) {
	userID = crypto.EncodeID(publicKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	f, exists := m.friends[userID]
	if !exists {
		return userID, false, false
	}
	f.LastSeen = m.timeProvider.Now()
	if addr != nil {
		f.Addr = addr
	}
	if f.ConnectionStatus != ConnectionConnected {
		f.ConnectionStatus = ConnectionConnected
		logrus.WithFields(logrus.Fields{
			"function": "Touch",
			"user_id":  userID,
			"addr":     addr,
		}).Info("Friend came online")
		return userID, true, true
	}
	return userID, false, true
}

// Expire marks offline every connected friend silent for longer than timeout
// and returns their user IDs.
func (m *Manager) Expire(timeout time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeProvider.Now()
	var expired []string
	for _, id := range m.order {
		f := m.friends[id]
		if f.ConnectionStatus == ConnectionConnected && now.Sub(f.LastSeen) > timeout {
			f.ConnectionStatus = ConnectionOffline
			expired = append(expired, id)
			logrus.WithFields(logrus.Fields{
				"function":  "Expire",
				"user_id":   id,
				"last_seen": f.LastSeen,
			}).Info("Friend went offline")
		}
	}
	return expired
}

// UpdateInfo stores the profile a friend published and reports whether it changed.
func (m *Manager) UpdateInfo(publicKey [32]byte, info UserInfo) (FriendInfo, bool, error) {
	userID := crypto.EncodeID(publicKey)
	info.UserID = userID

	m.mu.Lock()
	defer m.mu.Unlock()

	f, exists := m.friends[userID]
	if !exists {
		return FriendInfo{}, false, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if f.Info == info {
		return f.Snapshot(), false, nil
	}
	f.Info = info
	return f.Snapshot(), true, nil
}

// UpdatePresence stores a friend's presence and reports whether it changed.
func (m *Manager) UpdatePresence(publicKey [32]byte, presence PresenceStatus) (string, bool, error) {
	userID := crypto.EncodeID(publicKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	f, exists := m.friends[userID]
	if !exists {
		return userID, false, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if f.Presence == presence {
		return userID, false, nil
	}
	f.Presence = presence
	return userID, true, nil
}
