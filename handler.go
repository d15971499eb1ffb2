package carrier

import (
	"github.com/opd-ai/carrier/friend"
)

// UserInfo is the profile a user publishes to friends.
type UserInfo = friend.UserInfo

// FriendInfo is a snapshot of a friend handed to callbacks and callers.
type FriendInfo = friend.FriendInfo

// PresenceStatus is the availability a user advertises to friends.
type PresenceStatus = friend.PresenceStatus

// ConnectionStatus is the connection status of the node or a friend.
type ConnectionStatus = friend.ConnectionStatus

// FriendsIterator is the callback protocol of GetFriends.
type FriendsIterator = friend.Iterator

const (
	PresenceNone = friend.PresenceNone
	PresenceAway = friend.PresenceAway
	PresenceBusy = friend.PresenceBusy

	ConnectionOffline   = friend.ConnectionOffline
	ConnectionConnected = friend.ConnectionConnected
)

// Handler receives node events. Every method runs on the goroutine that
// called Run, never concurrently, and never after Kill. Byte slices are only
// valid for the duration of the call.
//
// Embed AbstractHandler to implement only the callbacks you need.
type Handler interface {
	// OnIdle is called once per loop iteration while the node has no peers.
	OnIdle(c *Carrier)
	// OnConnection reports a change of the node's network connectivity.
	OnConnection(c *Carrier, status ConnectionStatus)
	// OnReady is called once, the first time the node is connected.
	OnReady(c *Carrier)
	// OnSelfInfoChanged follows a successful SetSelfInfo.
	OnSelfInfoChanged(c *Carrier, info UserInfo)
	// OnFriends delivers the friend list once when Run starts.
	OnFriends(c *Carrier, friends []FriendInfo)

	OnFriendConnection(c *Carrier, friendID string, status ConnectionStatus)
	OnFriendInfoChanged(c *Carrier, friendID string, info FriendInfo)
	OnFriendPresence(c *Carrier, friendID string, presence PresenceStatus)
	OnFriendRequest(c *Carrier, userID string, info UserInfo, hello string)
	OnFriendAdded(c *Carrier, info FriendInfo)
	OnFriendRemoved(c *Carrier, friendID string)
	OnFriendMessage(c *Carrier, from string, message []byte)
	OnFriendInviteRequest(c *Carrier, from string, data []byte)

	OnFriendFileRequest(c *Carrier, from, fileID, filename string, size uint64)
	OnFriendFileAccepted(c *Carrier, receiver, fileID, path string, size uint64)
	OnFriendFilePaused(c *Carrier, friendID, fileID string)
	OnFriendFileResumed(c *Carrier, friendID, fileID string)
	OnFriendFileCanceled(c *Carrier, friendID, fileID string)
	OnFriendFileCompleted(c *Carrier, friendID, fileID string)
	OnFriendFileProgress(c *Carrier, friendID, fileID, path string, total, transferred uint64)
}

// ShutdownHandler is implemented by handlers that want to hear about a fatal
// transport failure before Run returns.
type ShutdownHandler interface {
	OnShutdown(c *Carrier, err error)
}

// AbstractHandler implements every Handler method as a no-op.
type AbstractHandler struct{}

func (AbstractHandler) OnIdle(*Carrier) {}
func (AbstractHandler) OnConnection(*Carrier, ConnectionStatus) {}
func (AbstractHandler) OnReady(*Carrier) {}
func (AbstractHandler) OnSelfInfoChanged(*Carrier, UserInfo) {}
func (AbstractHandler) OnFriends(*Carrier, []FriendInfo) {}
func (AbstractHandler) OnFriendConnection(*Carrier, string, ConnectionStatus) {}
func (AbstractHandler) OnFriendInfoChanged(*Carrier, string, FriendInfo) {}
func (AbstractHandler) OnFriendPresence(*Carrier, string, PresenceStatus) {}
func (AbstractHandler) OnFriendRequest(*Carrier, string, UserInfo, string) {}
func (AbstractHandler) OnFriendAdded(*Carrier, FriendInfo) {}
func (AbstractHandler) OnFriendRemoved(*Carrier, string) {}
func (AbstractHandler) OnFriendMessage(*Carrier, string, []byte) {}
func (AbstractHandler) OnFriendInviteRequest(*Carrier, string, []byte) {}
func (AbstractHandler) OnFriendFileRequest(*Carrier, string, string, string, uint64) {}
func (AbstractHandler) OnFriendFileAccepted(*Carrier, string, string, string, uint64) {}
func (AbstractHandler) OnFriendFilePaused(*Carrier, string, string) {}
func (AbstractHandler) OnFriendFileResumed(*Carrier, string, string) {}
func (AbstractHandler) OnFriendFileCanceled(*Carrier, string, string) {}
func (AbstractHandler) OnFriendFileCompleted(*Carrier, string, string) {}
func (AbstractHandler) OnFriendFileProgress(*Carrier, string, string, string, uint64, uint64) {}

// AddHandler registers an additional handler. Handlers are called in the
// order they were added.
func (c *Carrier) AddHandler(h Handler) {
	if h == nil {
		return
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// emit calls fn for every handler. It runs on the loop goroutine only and
// stops as soon as the node is killed.
func (c *Carrier) emit(fn func(Handler)) {
	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		if c.isDone() {
			return
		}
		fn(h)
	}
}

// post queues fn to run on the loop goroutine. Outbound calls use it to
// deliver the events they cause.
func (c *Carrier) post(fn func()) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, fn)
	c.pendingMu.Unlock()
}

// drainPending runs the queued functions in order.
func (c *Carrier) drainPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, fn := range pending {
		if c.isDone() {
			return
		}
		fn()
	}
}
