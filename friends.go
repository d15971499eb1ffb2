package carrier

import (
	"errors"
	"iter"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/limits"
	"github.com/sirupsen/logrus"
)

// ListFriends returns a lazy, single-pass sequence over a snapshot of the
// friend list. Breaking out of the range loop stops the iteration, and the
// sequence cannot be restarted: call ListFriends again for a new one.
func (c *Carrier) ListFriends() iter.Seq[FriendInfo] {
	return c.friends.All()
}

// GetFriends calls it once per friend and then once with nil. If it returns
// false the iteration stops without the nil call.
func (c *Carrier) GetFriends(it FriendsIterator) error {
	if it == nil {
		return c.failKind("GetFriends", ErrInvalidArgument, errors.New("nil iterator"))
	}
	c.friends.Iterate(it)
	return nil
}

// Friend returns a snapshot of one friend.
func (c *Carrier) Friend(friendID string) (FriendInfo, error) {
	info, err := c.friends.Get(friendID)
	if err != nil {
		return FriendInfo{}, c.fail("Friend", err)
	}
	return info, nil
}

// IsFriend reports whether friendID is on the friend list.
func (c *Carrier) IsFriend(friendID string) bool {
	return c.friends.Exists(friendID)
}

// LabelFriend sets the local alias of a friend.
func (c *Carrier) LabelFriend(friendID, label string) error {
	if err := limits.ValidateText("label", label, limits.MaxLabelLength); err != nil {
		return c.fail("LabelFriend", err)
	}
	if err := c.friends.SetLabel(friendID, label); err != nil {
		return c.fail("LabelFriend", err)
	}
	c.persistFriend(friendID)
	return nil
}

// FriendPublicKey returns the public key of a friend.
func (c *Carrier) FriendPublicKey(friendID string) ([32]byte, error) {
	peer, err := c.friends.Peer(friendID)
	if err != nil {
		return [32]byte{}, c.fail("FriendPublicKey", err)
	}
	return peer.PublicKey, nil
}

// AddFriend sends a friend request to the node at address. The friend is
// added, and OnFriendAdded fires, only once the peer accepts. If the peer
// already asked us, this accepts its request instead.
func (c *Carrier) AddFriend(address, hello string) error {
	const op = "AddFriend"
	if c.isDone() {
		return c.failKind(op, ErrOperation, errKilled)
	}
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return c.fail(op, err)
	}
	if addr.PublicKey == c.keys.Public {
		return c.fail(op, friend.ErrSelf)
	}
	userID := addr.NodeID()
	if c.friends.Exists(userID) {
		return c.fail(op, friend.ErrAlreadyFriend)
	}
	if err := limits.ValidateText("hello", hello, limits.MaxHelloLength); err != nil {
		return c.fail(op, err)
	}
	if c.transport == nil {
		return c.failKind(op, ErrOperation, errNodeOffline)
	}

	if req, err := c.requests.Take(userID); err == nil {
		return c.acceptRequest(op, req)
	}

	c.requests.AddOutbound(addr.PublicKey, addr.Nospam, hello)
	c.metrics.FriendRequests.WithLabelValues("out", "sent").Inc()
	c.attemptRequest(addr.PublicKey)

	logrus.WithFields(logrus.Fields{
		"function": op,
		"user_id":  shortID(userID),
	}).Info("Friend request queued")
	return nil
}

// AcceptFriend accepts the pending request from userID.
func (c *Carrier) AcceptFriend(userID string) error {
	const op = "AcceptFriend"
	if c.isDone() {
		return c.failKind(op, ErrOperation, errKilled)
	}
	if c.friends.Exists(userID) {
		return c.fail(op, friend.ErrAlreadyFriend)
	}
	req, err := c.requests.Take(userID)
	if err != nil {
		return c.fail(op, err)
	}
	return c.acceptRequest(op, req)
}

func (c *Carrier) acceptRequest(op string, req *friend.Request) error {
	f := friend.New(req.SenderPublicKey, req.Info)
	f.Addr = req.Addr
	if err := c.friends.Add(f); err != nil {
		return c.fail(op, err)
	}
	c.persistFriend(f.UserID)
	c.metrics.FriendRequests.WithLabelValues("in", "accepted").Inc()
	c.sendAccept(req.SenderPublicKey, req.Addr)

	snapshot, _ := c.friends.Get(f.UserID)
	c.post(func() {
		c.emit(func(h Handler) { h.OnFriendAdded(c, snapshot) })
	})

	logrus.WithFields(logrus.Fields{
		"function": op,
		"user_id":  shortID(f.UserID),
	}).Info("Friend request accepted")
	return nil
}

// RemoveFriend drops a friend, cancels its transfers and pending invites,
// and queues OnFriendRemoved. The peer is not told.
func (c *Carrier) RemoveFriend(friendID string) error {
	info, err := c.friends.Remove(friendID)
	if err != nil {
		return c.fail("RemoveFriend", err)
	}
	if info.ConnectionStatus == ConnectionConnected {
		c.metrics.FriendsOnline.Dec()
	}
	c.forgetFriend(friendID)
	c.files.CancelFriend(friendID)
	c.invites.DropFriend(friendID)

	c.post(func() {
		c.files.Flush()
		c.emit(func(h Handler) { h.OnFriendRemoved(c, friendID) })
	})
	return nil
}
