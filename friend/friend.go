// Package friend implements the friend relationship manager of a carrier node.
//
// It keeps the friend list, tracks presence and liveness of each friend, and
// holds friend requests in flight in both directions. The package performs no
// I/O; the node feeds it transport events and sends whatever it returns.
//
// Example:
//
//	m := friend.NewManager(nil)
//	if err := m.Add(friend.New(publicKey, info)); err != nil {
//	    log.Fatal(err)
//	}
//	for info := range m.All() {
//	    fmt.Println(info.UserID, info.Label)
//	}
package friend

import (
	"errors"
	"net"
	"time"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/limits"
	"github.com/sirupsen/logrus"
)

// PresenceStatus is the availability a user advertises to friends.
type PresenceStatus uint8

const (
	PresenceNone PresenceStatus = iota
	PresenceAway
	PresenceBusy
)

// String returns a readable form of the presence.
func (p PresenceStatus) String() string {
	switch p {
	case PresenceNone:
		return "none"
	case PresenceAway:
		return "away"
	case PresenceBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined presence values.
func (p PresenceStatus) Valid() bool {
	return p <= PresenceBusy
}

// ConnectionStatus represents the connection status to a friend or to the network.
type ConnectionStatus uint8

const (
	ConnectionOffline ConnectionStatus = iota
	ConnectionConnected
)

// String returns a readable form of the connection status.
func (c ConnectionStatus) String() string {
	if c == ConnectionConnected {
		return "connected"
	}
	return "offline"
}

// UserInfo is the profile a user publishes to friends.
type UserInfo struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	HasAvatar   bool   `json:"has_avatar"`
	Gender      string `json:"gender"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Region      string `json:"region"`
}

// Validate checks every text field against its limit.
func (u UserInfo) Validate() error {
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"name", u.Name, limits.MaxNameLength},
		{"description", u.Description, limits.MaxDescriptionLength},
		{"gender", u.Gender, limits.MaxGenderLength},
		{"phone", u.Phone, limits.MaxPhoneLength},
		{"email", u.Email, limits.MaxEmailLength},
		{"region", u.Region, limits.MaxRegionLength},
	}
	for _, f := range fields {
		if err := limits.ValidateText(f.name, f.value, f.max); err != nil {
			return err
		}
	}
	return nil
}

// FriendInfo is an immutable snapshot of a friend handed to callers.
type FriendInfo struct {
	UserInfo
	Label            string
	Presence         PresenceStatus
	ConnectionStatus ConnectionStatus
}

var (
	// ErrNotFound is returned when no friend or request matches an ID.
	ErrNotFound = errors.New("friend not found")
	// ErrAlreadyFriend is returned when adding someone already on the list.
	ErrAlreadyFriend = errors.New("already a friend")
	// ErrSelf is returned when a node tries to befriend itself.
	ErrSelf = errors.New("cannot befriend self")
)

// Friend is the live record of one friend.
type Friend struct {
	PublicKey        [32]byte
	UserID           string
	Label            string
	Info             UserInfo
	Presence         PresenceStatus
	ConnectionStatus ConnectionStatus
	LastSeen         time.Time
	Addr             net.Addr
}

// New creates a Friend for the given public key. The user ID is derived from
// the key and overrides whatever info carries.
func New(publicKey [32]byte, info UserInfo) *Friend {
	userID := crypto.EncodeID(publicKey)
	info.UserID = userID

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  userID,
	}).Debug("Creating new friend")

	return &Friend{
		PublicKey:        publicKey,
		UserID:           userID,
		Info:             info,
		Presence:         PresenceNone,
		ConnectionStatus: ConnectionOffline,
	}
}

// Snapshot returns a copy of the friend safe to hand out.
func (f *Friend) Snapshot() FriendInfo {
	return FriendInfo{
		UserInfo:         f.Info,
		Label:            f.Label,
		Presence:         f.Presence,
		ConnectionStatus: f.ConnectionStatus,
	}
}

// IsOnline checks if the friend is currently connected.
func (f *Friend) IsOnline() bool {
	return f.ConnectionStatus == ConnectionConnected
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
