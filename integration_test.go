package carrier

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/carrier/file"
	"github.com/opd-ai/carrier/invite"
	"github.com/opd-ai/carrier/session"
	"github.com/opd-ai/carrier/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type testNode struct {
	*Carrier
	rec *recorder
	mt  *transport.MemoryTransport
}

// startNode creates a node on network, bootstrapped from the given nodes,
// and runs it until the test ends.
func startNode(t *testing.T, network *transport.MemoryNetwork, bootstraps ...*testNode) *testNode {
	t.Helper()
	mt := network.Listen()
	opts := NewOptions()
	opts.PingInterval = 50 * time.Millisecond
	opts.PeerTimeout = time.Second
	opts.transport = mt
	opts.resolve = memoryResolver
	for _, b := range bootstraps {
		opts.Bootstraps = append(opts.Bootstraps, BootstrapNode{
			Host:      b.LocalAddr().String(),
			Port:      1,
			PublicKey: b.NodeID(),
		})
	}

	rec := newRecorder()
	c, err := New(opts, rec)
	require.NoError(t, err)

	errc := runAsync(c, 5*time.Millisecond)
	t.Cleanup(func() {
		c.Kill()
		select {
		case <-errc:
		case <-time.After(waitFor):
			t.Error("node did not stop")
		}
	})
	return &testNode{Carrier: c, rec: rec, mt: mt}
}

// befriend makes a and b friends and waits until both see each other online.
func befriend(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.AddFriend(b.Address(), "hello from a"))
	require.Eventually(t, func() bool {
		var ok bool
		b.rec.with(func(r *recorder) { _, ok = r.requests[a.UserID()] })
		return ok
	}, waitFor, tick)
	require.NoError(t, b.AcceptFriend(a.UserID()))

	require.Eventually(t, func() bool {
		fa, errA := a.Friend(b.UserID())
		fb, errB := b.Friend(a.UserID())
		return errA == nil && errB == nil &&
			fa.ConnectionStatus == ConnectionConnected &&
			fb.ConnectionStatus == ConnectionConnected
	}, waitFor, tick)
}

func TestNodesBecomeReady(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bob := startNode(t, network)
	alice := startNode(t, network, bob)

	require.Eventually(t, func() bool { return alice.IsReady() && bob.IsReady() }, waitFor, tick)

	alice.rec.with(func(r *recorder) {
		assert.Equal(t, 1, r.ready)
		require.NotEmpty(t, r.connections)
		assert.Equal(t, ConnectionConnected, r.connections[0])
		require.Len(t, r.friendsLists, 1)
		assert.Empty(t, r.friendsLists[0])
	})
}

func TestFriendshipMessagingAndProfile(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bob := startNode(t, network)
	alice := startNode(t, network, bob)
	require.Eventually(t, func() bool { return alice.IsReady() && bob.IsReady() }, waitFor, tick)

	assert.False(t, alice.IsFriend(bob.UserID()))
	befriend(t, alice, bob)
	assert.True(t, alice.IsFriend(bob.UserID()))
	assert.True(t, bob.IsFriend(alice.UserID()))

	bob.rec.with(func(r *recorder) { assert.Equal(t, "hello from a", r.requests[alice.UserID()]) })
	alice.rec.with(func(r *recorder) {
		require.Len(t, r.added, 1)
		assert.Equal(t, bob.UserID(), r.added[0].UserID)
	})
	require.Eventually(t, func() bool {
		var n int
		bob.rec.with(func(r *recorder) { n = len(r.added) })
		return n == 1
	}, waitFor, tick)

	err := alice.AddFriend(bob.Address(), "again")
	assert.ErrorIs(t, err, ErrAlreadyFriend)

	require.NoError(t, alice.SendFriendMessage(bob.UserID(), []byte("hi bob")))
	require.Eventually(t, func() bool {
		var msgs [][]byte
		bob.rec.with(func(r *recorder) { msgs = r.messages[alice.UserID()] })
		return len(msgs) == 1 && bytes.Equal(msgs[0], []byte("hi bob"))
	}, waitFor, tick)

	second := newRecorder()
	bob.AddHandler(second)
	require.NoError(t, bob.SetSelfInfo(UserInfo{Name: "Bob", Region: "Lisbon"}))
	require.NoError(t, bob.SetPresence(PresenceBusy))
	require.Eventually(t, func() bool {
		var info FriendInfo
		var presence PresenceStatus
		alice.rec.with(func(r *recorder) {
			info = r.infoChanged[bob.UserID()]
			presence = r.presence[bob.UserID()]
		})
		return info.Name == "Bob" && info.Region == "Lisbon" && presence == PresenceBusy
	}, waitFor, tick)

	self, err := bob.SelfInfo()
	require.NoError(t, err)
	assert.Equal(t, "Bob", self.Name)
	assert.Equal(t, bob.UserID(), self.UserID)
	// both setters notify every handler
	for _, r := range []*recorder{bob.rec, second} {
		require.Eventually(t, func() bool {
			var n int
			r.with(func(r *recorder) { n = len(r.selfChanged) })
			return n == 2
		}, waitFor, tick)
		r.with(func(r *recorder) {
			assert.Equal(t, "Bob", r.selfChanged[0].Name)
			assert.Equal(t, "Bob", r.selfChanged[1].Name)
		})
	}

	require.NoError(t, alice.RemoveFriend(bob.UserID()))
	assert.False(t, alice.IsFriend(bob.UserID()))
	require.Eventually(t, func() bool {
		var removed []string
		alice.rec.with(func(r *recorder) { removed = r.removed })
		return len(removed) == 1 && removed[0] == bob.UserID()
	}, waitFor, tick)
}

func TestFriendRequestFindsPeerThroughLookup(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bob := startNode(t, network)
	alice := startNode(t, network, bob)
	carol := startNode(t, network, bob)
	require.Eventually(t, func() bool {
		return alice.IsReady() && bob.IsReady() && carol.IsReady()
	}, waitFor, tick)

	// alice only knows bob; carol's endpoint comes from bob
	befriend(t, alice, carol)
}

func TestInvites(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bob := startNode(t, network)
	alice := startNode(t, network, bob)
	require.Eventually(t, func() bool { return alice.IsReady() && bob.IsReady() }, waitFor, tick)
	befriend(t, alice, bob)

	var mu sync.Mutex
	var responses []invite.Response
	onResponse := func(friendID string, resp invite.Response) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, bob.UserID(), friendID)
		responses = append(responses, resp)
	}

	require.NoError(t, alice.InviteFriend(bob.UserID(), []byte("join me"), onResponse))
	require.NoError(t, alice.InviteFriend(bob.UserID(), []byte("or me"), onResponse))
	require.Eventually(t, func() bool {
		var n int
		bob.rec.with(func(r *recorder) { n = len(r.invites[alice.UserID()]) })
		return n == 2
	}, waitFor, tick)
	bob.rec.with(func(r *recorder) {
		assert.Equal(t, []byte("join me"), r.invites[alice.UserID()][0])
	})

	require.NoError(t, bob.ReplyFriendInvite(alice.UserID(), 0, "", []byte("welcome")))
	require.NoError(t, bob.ReplyFriendInvite(alice.UserID(), 7, "busy", nil))
	assert.ErrorIs(t, bob.ReplyFriendInvite(alice.UserID(), 7, "busy", nil), ErrNotFound)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == 2
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(0), responses[0].Status)
	assert.Equal(t, []byte("welcome"), responses[0].Data)
	assert.Empty(t, responses[0].Reason)
	assert.Equal(t, int32(7), responses[1].Status)
	assert.Equal(t, "busy", responses[1].Reason)
	assert.Nil(t, responses[1].Data)
}

func TestFileTransferBetweenNodes(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bob := startNode(t, network)
	alice := startNode(t, network, bob)
	require.Eventually(t, func() bool { return alice.IsReady() && bob.IsReady() }, waitFor, tick)
	befriend(t, alice, bob)

	content := make([]byte, 20*file.ChunkSize+17)
	_, err := rand.Read(content)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "report.bin")
	require.NoError(t, os.WriteFile(src, content, 0o600))
	destDir := t.TempDir()

	fileID, err := alice.SendFileRequest(bob.UserID(), src)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var name string
		bob.rec.with(func(r *recorder) { name = r.fileRequests[fileID] })
		return name == "report.bin"
	}, waitFor, tick)

	require.NoError(t, bob.AcceptFile(alice.UserID(), fileID, "report.bin", destDir))

	require.Eventually(t, func() bool {
		var sent, received int
		alice.rec.with(func(r *recorder) { sent = r.fileCompleted[fileID] })
		bob.rec.with(func(r *recorder) { received = r.fileCompleted[fileID] })
		return sent == 1 && received == 1
	}, waitFor, tick)

	got, err := os.ReadFile(filepath.Join(destDir, "report.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	alice.rec.with(func(r *recorder) {
		assert.Equal(t, src, r.fileAccepted[fileID])
	})

	snap, err := bob.FileTransfer(alice.UserID(), fileID)
	require.NoError(t, err)
	assert.Equal(t, file.TransferStateCompleted, snap.State)
	assert.Equal(t, uint64(len(content)), snap.Transferred)

	err = bob.PauseFile(alice.UserID(), fileID)
	assert.ErrorIs(t, err, ErrInvalidState)
	snap, err = bob.FileTransfer(alice.UserID(), fileID)
	require.NoError(t, err)
	assert.Equal(t, file.TransferStateCompleted, snap.State)
}

func TestSessionBetweenNodes(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bob := startNode(t, network)
	alice := startNode(t, network, bob)
	require.Eventually(t, func() bool { return alice.IsReady() && bob.IsReady() }, waitFor, tick)
	befriend(t, alice, bob)

	var mu sync.Mutex
	var received [][]byte
	var offerFrom string

	var bobSessions *session.Manager
	bobSessions, err := session.NewManager(bob.Carrier, func(friendID, offer string) {
		s, err := bobSessions.NewSession(friendID)
		if !assert.NoError(t, err) {
			return
		}
		s.OnData(func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, data)
		})
		_, err = s.Accept(offer)
		assert.NoError(t, err)
		mu.Lock()
		offerFrom = friendID
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(bobSessions.Cleanup)

	aliceSessions, err := session.NewManager(alice.Carrier, nil)
	require.NoError(t, err)
	t.Cleanup(aliceSessions.Cleanup)

	s, err := aliceSessions.NewSession(bob.UserID())
	require.NoError(t, err)
	status := make(chan int32, 1)
	require.NoError(t, s.Request(func(_ *session.Session, st int32, _, _ string) { status <- st }))

	select {
	case st := <-status:
		require.Equal(t, session.StatusOK, st)
	case <-time.After(waitFor):
		t.Fatal("session not answered")
	}
	require.NoError(t, s.Write([]byte("over the session")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && bytes.Equal(received[0], []byte("over the session"))
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, alice.UserID(), offerFrom)
	mu.Unlock()
}

func TestTransportFailureStopsNode(t *testing.T) {
	mt := transport.NewMemoryNetwork().Listen()
	opts := NewOptions()
	opts.transport = mt
	opts.resolve = memoryResolver

	rec := newRecorder()
	c, err := New(opts, rec)
	require.NoError(t, err)

	errc := runAsync(c, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.idleCount() > 0 }, waitFor, tick)

	cause := errors.New("socket gone")
	mt.Fail(cause)

	err = waitRun(t, errc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeTransport, c.LastErrorCode())

	rec.with(func(r *recorder) {
		require.Len(t, r.shutdowns, 1)
		assert.ErrorIs(t, r.shutdowns[0], cause)
	})
	assert.ErrorIs(t, c.Run(0), ErrOperation)
}
