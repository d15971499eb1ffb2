package carrier

import (
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/limits"
)

// SendFriendMessage sends message to a connected friend once. There is no
// delivery acknowledgment.
func (c *Carrier) SendFriendMessage(friendID string, message []byte) error {
	const op = "SendFriendMessage"
	if c.isDone() {
		return c.failKind(op, ErrOperation, errKilled)
	}
	if err := limits.ValidatePlaintextMessage(message); err != nil {
		return c.fail(op, err)
	}
	if !c.friends.Exists(friendID) {
		return c.fail(op, friend.ErrNotFound)
	}
	if _, err := c.messages.SendMessage(friendID, message); err != nil {
		return c.fail(op, err)
	}
	c.metrics.MessagesSent.Inc()
	return nil
}
