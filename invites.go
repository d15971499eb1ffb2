package carrier

import (
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/invite"
	"github.com/sirupsen/logrus"
)

// InviteFriend sends an invite to a connected friend. onResponse is called
// exactly once, on the loop goroutine, when the friend replies. A normalized
// response has Data when Status is 0 and a Reason otherwise.
func (c *Carrier) InviteFriend(friendID string, data []byte, onResponse invite.ResponseFunc) error {
	const op = "InviteFriend"
	if c.isDone() {
		return c.failKind(op, ErrOperation, errKilled)
	}
	if !c.friends.Exists(friendID) {
		return c.fail(op, friend.ErrNotFound)
	}
	fn := onResponse
	if fn != nil {
		// a response handled after Kill is dropped
		fn = func(friendID string, resp invite.Response) {
			if !c.isDone() {
				onResponse(friendID, resp)
			}
		}
	}
	id, err := c.invites.Invite(friendID, data, fn)
	if err != nil {
		return c.fail(op, err)
	}
	c.metrics.Invites.WithLabelValues("out").Inc()

	logrus.WithFields(logrus.Fields{
		"function":  op,
		"friend_id": shortID(friendID),
		"invite_id": id,
	}).Debug("Invite sent")
	return nil
}

// ReplyFriendInvite answers the oldest unanswered invite from friendID.
// Status 0 requires data; any other status requires a reason.
func (c *Carrier) ReplyFriendInvite(friendID string, status int32, reason string, data []byte) error {
	const op = "ReplyFriendInvite"
	if c.isDone() {
		return c.failKind(op, ErrOperation, errKilled)
	}
	if !c.friends.Exists(friendID) {
		return c.fail(op, friend.ErrNotFound)
	}
	if err := c.invites.Reply(friendID, status, reason, data); err != nil {
		return c.fail(op, err)
	}
	return nil
}
