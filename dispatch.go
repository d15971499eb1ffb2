package carrier

import (
	"encoding/json"
	"net"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/transport"
	"github.com/sirupsen/logrus"
)

// handlePacket opens an inbound packet and routes it. It runs on the loop.
func (c *Carrier) handlePacket(in inboundPacket) {
	if c.isDone() {
		return
	}
	pt := in.packet.PacketType
	senderPK, nonce, payload, err := crypto.Open(in.packet.Data, c.keys)
	if err != nil {
		c.metrics.PacketsDropped.WithLabelValues("decrypt").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"type":     pt.String(),
			"addr":     in.addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping packet that does not open")
		return
	}
	if !c.replay.CheckAndStore(senderPK, nonce) {
		c.metrics.PacketsDropped.WithLabelValues("replay").Inc()
		return
	}
	c.metrics.PacketsReceived.WithLabelValues(pt.String()).Inc()

	c.routing.Touch(senderPK, in.addr, c.now())
	friendID, cameOnline, isFriend := c.friends.Touch(senderPK, in.addr)
	if cameOnline {
		c.friendOnline(friendID)
	}

	switch pt {
	case transport.PacketPingRequest:
		c.handlePingRequest(senderPK, in.addr, payload)
		return
	case transport.PacketPingResponse:
		return
	case transport.PacketGetNodes:
		c.handleGetNodes(senderPK, in.addr, payload)
		return
	case transport.PacketSendNodes:
		c.handleSendNodes(payload)
		return
	case transport.PacketFriendRequest:
		c.handleFriendRequest(senderPK, in.addr, payload, isFriend)
		return
	case transport.PacketFriendAccept:
		c.handleFriendAccept(senderPK, in.addr, payload, isFriend)
		return
	}

	if !isFriend {
		c.metrics.PacketsDropped.WithLabelValues("stranger").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"type":     pt.String(),
			"sender":   shortID(friendID),
		}).Debug("Dropping friend packet from stranger")
		return
	}
	c.handleFriendPacket(senderPK, friendID, pt, payload)
}

// handleFriendPacket routes packets that are only accepted from friends.
func (c *Carrier) handleFriendPacket(pk [32]byte, friendID string, pt transport.PacketType, payload []byte) {
	var err error
	switch pt {
	case transport.PacketFriendPing:
	case transport.PacketFriendInfo:
		err = c.handleFriendInfo(pk, payload)
	case transport.PacketFriendMessage:
		err = c.handleFriendMessage(friendID, payload)
	case transport.PacketInviteRequest:
		var data []byte
		data, err = c.invites.HandleRequest(friendID, payload)
		if err == nil {
			c.metrics.Invites.WithLabelValues("in").Inc()
			c.emit(func(h Handler) { h.OnFriendInviteRequest(c, friendID, data) })
		}
	case transport.PacketInviteResponse:
		err = c.invites.HandleResponse(friendID, payload)
	case transport.PacketFileRequest:
		err = c.files.HandleRequest(friendID, payload)
	case transport.PacketFileAccept:
		err = c.files.HandleAccept(friendID, payload)
	case transport.PacketFileControl:
		err = c.files.HandleControl(friendID, payload)
	case transport.PacketFileData:
		c.metrics.FileBytes.WithLabelValues("in").Add(float64(len(payload)))
		err = c.files.HandleData(friendID, payload)
	case transport.PacketFileDataAck:
		err = c.files.HandleAck(friendID, payload)
	default:
		c.extMu.RLock()
		fn := c.extensions[pt]
		c.extMu.RUnlock()
		if fn == nil {
			c.metrics.PacketsDropped.WithLabelValues("unhandled").Inc()
			return
		}
		if c.isDone() {
			return
		}
		fn(friendID, payload)
	}

	if pt >= transport.PacketFileRequest && pt <= transport.PacketFileDataAck {
		c.files.Flush()
	}
	if err != nil {
		c.metrics.PacketsDropped.WithLabelValues("rejected").Inc()
		logrus.WithFields(logrus.Fields{
			"function":  "handleFriendPacket",
			"type":      pt.String(),
			"friend_id": shortID(friendID),
			"error":     err.Error(),
		}).Debug("Friend packet rejected")
	}
}

func (c *Carrier) handleFriendMessage(friendID string, payload []byte) error {
	msg, err := c.messages.HandleFrame(friendID, payload)
	if err != nil || msg == nil {
		return err
	}
	c.metrics.MessagesReceived.Inc()
	c.emit(func(h Handler) { h.OnFriendMessage(c, friendID, msg.Body) })
	return nil
}

// handleFriendInfo applies a profile and presence update from a friend.
func (c *Carrier) handleFriendInfo(pk [32]byte, payload []byte) error {
	var p friend.InfoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := p.Info.Validate(); err != nil {
		return err
	}
	if !p.Presence.Valid() {
		p.Presence = friend.PresenceNone
	}

	info, infoChanged, err := c.friends.UpdateInfo(pk, p.Info)
	if err != nil {
		return err
	}
	friendID, presenceChanged, err := c.friends.UpdatePresence(pk, p.Presence)
	if err != nil {
		return err
	}
	if infoChanged || presenceChanged {
		c.persistFriend(friendID)
	}
	if infoChanged {
		info.Presence = p.Presence
		c.emit(func(h Handler) { h.OnFriendInfoChanged(c, friendID, info) })
	}
	if presenceChanged {
		c.emit(func(h Handler) { h.OnFriendPresence(c, friendID, p.Presence) })
	}
	return nil
}

// handleFriendRequest processes a request from a stranger. A request from an
// existing friend means our accept was lost, so it is sent again.
func (c *Carrier) handleFriendRequest(pk [32]byte, addr net.Addr, payload []byte, isFriend bool) {
	if isFriend {
		c.sendAccept(pk, addr)
		return
	}

	req, nospam, err := friend.DecodeRequest(pk, payload)
	if err != nil {
		c.metrics.FriendRequests.WithLabelValues("in", "malformed").Inc()
		return
	}
	if nospam != c.nospam.Load() {
		c.metrics.FriendRequests.WithLabelValues("in", "bad_nospam").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleFriendRequest",
			"user_id":  shortID(req.UserID),
		}).Debug("Dropping friend request with stale nospam")
		return
	}
	req.Addr = addr

	// both sides asked: treat it as mutual consent
	if c.requests.CompleteOutbound(pk) {
		c.metrics.FriendRequests.WithLabelValues("in", "mutual").Inc()
		if err := c.addConfirmedFriend(pk, req.Info, friend.PresenceNone, addr); err == nil {
			c.sendAccept(pk, addr)
		}
		return
	}

	fresh, err := c.requests.Receive(req)
	if err != nil {
		c.metrics.FriendRequests.WithLabelValues("in", "rate_limited").Inc()
		return
	}
	if !fresh {
		return
	}
	c.metrics.FriendRequests.WithLabelValues("in", "received").Inc()
	c.emit(func(h Handler) { h.OnFriendRequest(c, req.UserID, req.Info, req.Hello) })
}

// handleFriendAccept completes a request we sent.
func (c *Carrier) handleFriendAccept(pk [32]byte, addr net.Addr, payload []byte, isFriend bool) {
	if isFriend || !c.requests.HasOutbound(pk) {
		return
	}
	var p friend.AcceptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if err := p.Info.Validate(); err != nil {
		c.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if !p.Presence.Valid() {
		p.Presence = friend.PresenceNone
	}
	if !c.requests.CompleteOutbound(pk) {
		return
	}
	c.metrics.FriendRequests.WithLabelValues("out", "accepted").Inc()
	_ = c.addConfirmedFriend(pk, p.Info, p.Presence, addr)
}

// addConfirmedFriend adds a friend whose packet is being processed right now,
// so it is online from the start. It runs on the loop.
func (c *Carrier) addConfirmedFriend(pk [32]byte, info UserInfo, presence PresenceStatus, addr net.Addr) error {
	f := friend.New(pk, info)
	f.Presence = presence
	f.Addr = addr
	if err := c.friends.Add(f); err != nil {
		return err
	}
	c.persistFriend(f.UserID)

	snapshot, _ := c.friends.Get(f.UserID)
	c.emit(func(h Handler) { h.OnFriendAdded(c, snapshot) })

	if _, cameOnline, _ := c.friends.Touch(pk, addr); cameOnline {
		c.friendOnline(f.UserID)
	}
	return nil
}

// friendOnline reports a friend as connected and sends it our profile.
func (c *Carrier) friendOnline(friendID string) {
	c.metrics.FriendsOnline.Inc()
	c.emit(func(h Handler) { h.OnFriendConnection(c, friendID, ConnectionConnected) })
	c.sendInfo(friendID)
}

// friendOffline reports a friend as gone and pauses its transfers.
func (c *Carrier) friendOffline(friendID string) {
	c.metrics.FriendsOnline.Dec()
	c.files.PauseFriend(friendID)
	c.emit(func(h Handler) { h.OnFriendConnection(c, friendID, ConnectionOffline) })
	c.files.Flush()
}

func (c *Carrier) sendAccept(pk [32]byte, addr net.Addr) {
	info, presence := c.selfSnapshot()
	payload, err := json.Marshal(friend.AcceptPayload{Info: info, Presence: presence})
	if err != nil {
		return
	}
	if addr == nil {
		addr = c.endpointOf(pk)
	}
	if addr == nil {
		return
	}
	_ = c.sendSealed(pk, addr, transport.PacketFriendAccept, payload)
}

func (c *Carrier) sendInfo(friendID string) {
	info, presence := c.selfSnapshot()
	payload, err := json.Marshal(friend.InfoPayload{Info: info, Presence: presence})
	if err != nil {
		return
	}
	if err := c.SendToFriend(friendID, transport.PacketFriendInfo, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "sendInfo",
			"friend_id": shortID(friendID),
			"error":     err.Error(),
		}).Debug("Could not send profile")
	}
}

// attemptRequest sends the outbound request to pk, or looks pk up first.
func (c *Carrier) attemptRequest(pk [32]byte) {
	out, ok := c.requests.Outbound(pk)
	if !ok {
		return
	}
	addr := c.endpointOf(pk)
	if addr == nil {
		c.lookup(pk)
		return
	}
	info, _ := c.selfSnapshot()
	payload, err := friend.EncodeRequest(out.Nospam, out.Hello, info)
	if err != nil {
		return
	}
	if err := c.sendSealed(pk, addr, transport.PacketFriendRequest, payload); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "attemptRequest",
			"user_id":  shortID(crypto.EncodeID(pk)),
			"attempts": out.Attempts,
		}).Debug("Friend request sent")
	}
}
