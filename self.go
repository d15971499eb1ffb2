package carrier

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func (c *Carrier) selfSnapshot() (UserInfo, PresenceStatus) {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	info := c.self
	info.UserID = c.UserID()
	return info, c.presence
}

// SelfInfo returns this node's published profile.
func (c *Carrier) SelfInfo() (UserInfo, error) {
	info, _ := c.selfSnapshot()
	return info, nil
}

// Presence returns this node's published presence.
func (c *Carrier) Presence() (PresenceStatus, error) {
	_, presence := c.selfSnapshot()
	return presence, nil
}

// SetSelfInfo publishes a new profile. The node must be ready. The user ID
// field is ignored. Connected friends are told, and every handler gets
// OnSelfInfoChanged from the loop.
func (c *Carrier) SetSelfInfo(info UserInfo) error {
	if err := c.checkReady(); err != nil {
		return c.failKind("SetSelfInfo", ErrOperation, err)
	}
	if err := info.Validate(); err != nil {
		return c.fail("SetSelfInfo", err)
	}
	info.UserID = c.UserID()

	c.selfMu.Lock()
	if err := c.persistProfile(info, c.presence); err != nil {
		c.selfMu.Unlock()
		return c.failKind("SetSelfInfo", ErrOperation, err)
	}
	c.self = info
	c.selfMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetSelfInfo",
		"name":     info.Name,
	}).Info("Self info updated")

	c.broadcastInfo()
	c.post(func() {
		c.emit(func(h Handler) { h.OnSelfInfoChanged(c, info) })
	})
	return nil
}

// SetPresence publishes a new presence. The node must be ready. Like
// SetSelfInfo it ends with OnSelfInfoChanged on every handler.
func (c *Carrier) SetPresence(presence PresenceStatus) error {
	if err := c.checkReady(); err != nil {
		return c.failKind("SetPresence", ErrOperation, err)
	}
	if !presence.Valid() {
		return c.failKind("SetPresence", ErrInvalidArgument, fmt.Errorf("unknown presence %d", presence))
	}

	c.selfMu.Lock()
	if err := c.persistProfile(c.self, presence); err != nil {
		c.selfMu.Unlock()
		return c.failKind("SetPresence", ErrOperation, err)
	}
	c.presence = presence
	c.selfMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetPresence",
		"presence": presence.String(),
	}).Info("Presence updated")

	c.broadcastInfo()
	info, _ := c.selfSnapshot()
	c.post(func() {
		c.emit(func(h Handler) { h.OnSelfInfoChanged(c, info) })
	})
	return nil
}

func (c *Carrier) checkReady() error {
	if c.isDone() {
		return errKilled
	}
	if !c.IsReady() {
		return errNotReady
	}
	return nil
}

// broadcastInfo sends our profile and presence to every connected friend.
func (c *Carrier) broadcastInfo() {
	for _, p := range c.friends.Peers() {
		if p.Online {
			c.sendInfo(p.UserID)
		}
	}
}
