package friend

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/carrier/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockTimeProvider is a mock implementation of TimeProvider for testing.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func newTestFriend(t *testing.T, name string) *Friend {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return New(kp.Public, UserInfo{Name: name})
}

func TestNew(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := New(kp.Public, UserInfo{UserID: "spoofed", Name: "Alice"})

	assert.Equal(t, crypto.EncodeID(kp.Public), f.UserID)
	assert.Equal(t, f.UserID, f.Info.UserID, "user id must come from the key")
	assert.Equal(t, ConnectionOffline, f.ConnectionStatus)
	assert.Equal(t, PresenceNone, f.Presence)
	assert.False(t, f.IsOnline())
}

func TestUserInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		info    UserInfo
		wantErr bool
	}{
		{"empty", UserInfo{}, false},
		{"typical", UserInfo{Name: "Alice", Email: "alice@example.org", Region: "Nowhere"}, false},
		{"long name", UserInfo{Name: string(make([]byte, 64))}, true},
		{"long phone", UserInfo{Phone: "0123456789012345678901234567890123"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerAddGetRemove(t *testing.T) {
	m := NewManager(nil)
	f := newTestFriend(t, "Bob")

	require.NoError(t, m.Add(f))
	assert.True(t, m.Exists(f.UserID))
	assert.True(t, m.IsFriendKey(f.PublicKey))

	err := m.Add(New(f.PublicKey, UserInfo{}))
	assert.True(t, errors.Is(err, ErrAlreadyFriend))

	info, err := m.Get(f.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", info.Name)

	require.NoError(t, m.SetLabel(f.UserID, "bobby"))
	info, _ = m.Get(f.UserID)
	assert.Equal(t, "bobby", info.Label)

	_, err = m.Remove(f.UserID)
	require.NoError(t, err)
	assert.False(t, m.Exists(f.UserID))

	_, err = m.Remove(f.UserID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.Get(f.UserID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(m.SetLabel(f.UserID, "x"), ErrNotFound))
}

func TestIterateSentinel(t *testing.T) {
	m := NewManager(nil)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.Add(newTestFriend(t, name)))
	}

	calls := 0
	var names []string
	sawSentinel := false
	m.Iterate(func(info *FriendInfo) bool {
		calls++
		if info == nil {
			sawSentinel = true
			return false
		}
		names = append(names, info.Name)
		return true
	})

	assert.Equal(t, 4, calls, "three friends plus the terminating call")
	assert.True(t, sawSentinel)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestIterateEarlyStop(t *testing.T) {
	m := NewManager(nil)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.Add(newTestFriend(t, name)))
	}

	calls := 0
	m.Iterate(func(info *FriendInfo) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

func TestIterateEmpty(t *testing.T) {
	m := NewManager(nil)
	calls := 0
	m.Iterate(func(info *FriendInfo) bool {
		calls++
		assert.Nil(t, info)
		return true
	})
	assert.Equal(t, 1, calls)
}

func TestAllSequence(t *testing.T) {
	m := NewManager(nil)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.Add(newTestFriend(t, name)))
	}

	var seen []string
	for info := range m.All() {
		seen = append(seen, info.Name)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestAllIsSingleUse(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Add(newTestFriend(t, "a")))

	seq := m.All()
	// the snapshot is taken on first use, not on creation
	require.NoError(t, m.Add(newTestFriend(t, "b")))

	var first, second []string
	for info := range seq {
		first = append(first, info.Name)
	}
	for info := range seq {
		second = append(second, info.Name)
	}
	assert.Equal(t, []string{"a", "b"}, first)
	assert.Empty(t, second)

	// a fresh sequence sees the list again
	n := 0
	for range m.All() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestTouchAndExpire(t *testing.T) {
	tp := &mockTimeProvider{now: time.Unix(1000, 0)}
	m := NewManager(tp)
	f := newTestFriend(t, "c")
	require.NoError(t, m.Add(f))

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33445}
	id, cameOnline, ok := m.Touch(f.PublicKey, addr)
	assert.True(t, ok)
	assert.True(t, cameOnline)
	assert.Equal(t, f.UserID, id)

	_, cameOnline, _ = m.Touch(f.PublicKey, addr)
	assert.False(t, cameOnline, "second packet is not a transition")

	tp.Advance(5 * time.Second)
	assert.Empty(t, m.Expire(10*time.Second))

	tp.Advance(6 * time.Second)
	assert.Equal(t, []string{f.UserID}, m.Expire(10*time.Second))
	assert.Empty(t, m.Expire(10*time.Second), "already offline")

	info, _ := m.Get(f.UserID)
	assert.Equal(t, ConnectionOffline, info.ConnectionStatus)

	stranger, _ := crypto.GenerateKeyPair()
	_, _, ok = m.Touch(stranger.Public, addr)
	assert.False(t, ok)
}

func TestUpdateInfoAndPresence(t *testing.T) {
	m := NewManager(nil)
	f := newTestFriend(t, "d")
	require.NoError(t, m.Add(f))

	_, changed, err := m.UpdateInfo(f.PublicKey, UserInfo{Name: "d"})
	require.NoError(t, err)
	assert.False(t, changed)

	snap, changed, err := m.UpdateInfo(f.PublicKey, UserInfo{Name: "dee"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "dee", snap.Name)
	assert.Equal(t, f.UserID, snap.UserID)

	_, changed, err = m.UpdatePresence(f.PublicKey, PresenceBusy)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, _ = m.UpdatePresence(f.PublicKey, PresenceBusy)
	assert.False(t, changed)
}

func TestRequestRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	data, err := EncodeRequest(0xCAFEBABE, "hi there", UserInfo{Name: "Eve"})
	require.NoError(t, err)

	req, nospam, err := DecodeRequest(kp.Public, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), nospam)
	assert.Equal(t, "hi there", req.Hello)
	assert.Equal(t, "Eve", req.Info.Name)
	assert.Equal(t, crypto.EncodeID(kp.Public), req.UserID)

	_, err = EncodeRequest(1, string(make([]byte, 300)), UserInfo{})
	assert.Error(t, err)
}

func TestRequestManagerInbound(t *testing.T) {
	m := NewRequestManager(rate.Inf, 1, nil)
	req := &Request{UserID: "u1", Hello: "first"}

	isNew, err := m.Receive(req)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = m.Receive(&Request{UserID: "u1", Hello: "second"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 1, m.Pending())

	got, err := m.Take("u1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Hello)

	_, err = m.Take("u1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRequestManagerRateLimit(t *testing.T) {
	m := NewRequestManager(rate.Every(time.Hour), 2, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Receive(&Request{UserID: string(rune('a' + i))})
		require.NoError(t, err)
	}
	_, err := m.Receive(&Request{UserID: "z"})
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestRequestManagerOutboundRetry(t *testing.T) {
	tp := &mockTimeProvider{now: time.Unix(0, 0)}
	m := NewRequestManager(0, 0, tp)
	var pk [32]byte
	pk[0] = 7

	m.AddOutbound(pk, 42, "hello")
	assert.True(t, m.HasOutbound(pk))

	due := m.Due(time.Second)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	assert.Empty(t, m.Due(time.Second), "not due again until the interval passes")

	tp.Advance(2 * time.Second)
	assert.Len(t, m.Due(time.Second), 1)

	assert.True(t, m.CompleteOutbound(pk))
	assert.False(t, m.CompleteOutbound(pk))
}

func TestRequestManagerGivesUp(t *testing.T) {
	tp := &mockTimeProvider{now: time.Unix(0, 0)}
	m := NewRequestManager(0, 0, tp)
	var pk [32]byte
	m.AddOutbound(pk, 1, "")

	for i := 0; i < MaxRequestAttempts; i++ {
		require.Len(t, m.Due(time.Second), 1)
		tp.Advance(2 * time.Second)
	}
	assert.Empty(t, m.Due(time.Second))
	assert.False(t, m.HasOutbound(pk))
}
