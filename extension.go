package carrier

import (
	"fmt"

	"github.com/opd-ai/carrier/transport"
)

func checkExtensionType(pt transport.PacketType) error {
	if pt < transport.PacketSessionRequest || pt > transport.PacketSessionClose {
		return fmt.Errorf("packet type %s is not an extension type", pt)
	}
	return nil
}

// HandleFriendPacket installs fn for packets of type pt received from
// friends. fn runs on the loop goroutine. A nil fn removes the handler.
// Only session packet types can be handled this way.
func (c *Carrier) HandleFriendPacket(pt transport.PacketType, fn func(friendID string, payload []byte)) error {
	if err := checkExtensionType(pt); err != nil {
		return c.failKind("HandleFriendPacket", ErrInvalidArgument, err)
	}
	c.extMu.Lock()
	defer c.extMu.Unlock()
	if fn == nil {
		delete(c.extensions, pt)
		return nil
	}
	c.extensions[pt] = fn
	return nil
}

// SendFriendPacket seals payload as a packet of type pt for a connected friend.
func (c *Carrier) SendFriendPacket(friendID string, pt transport.PacketType, payload []byte) error {
	const op = "SendFriendPacket"
	if err := checkExtensionType(pt); err != nil {
		return c.failKind(op, ErrInvalidArgument, err)
	}
	if c.isDone() {
		return c.failKind(op, ErrOperation, errKilled)
	}
	if err := c.SendToFriend(friendID, pt, payload); err != nil {
		return c.fail(op, err)
	}
	return nil
}
