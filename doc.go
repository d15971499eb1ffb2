// Package carrier implements a peer-to-peer messaging node.
//
// A node owns a Curve25519 identity, joins the network through bootstrap
// nodes and keeps a friend list. With its friends it exchanges messages,
// invites and files over sealed UDP datagrams. Every datagram is
// [type][sender public key][nonce][NaCl box], so the receiver learns who
// sent it from the packet alone.
//
// # Getting Started
//
// Create a node with options and a Handler, then drive it with Run:
//
//	opts := carrier.NewOptions()
//	opts.PersistentLocation = "/var/lib/carrier"
//	opts.Bootstraps = []carrier.BootstrapNode{
//	    {Host: "203.0.113.7", Port: 33445, PublicKey: "..."},
//	}
//
//	node, err := carrier.New(opts, handler)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    <-stop
//	    node.Kill()
//	}()
//	if err := node.Run(0); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until Kill. Every Handler method is called on the goroutine
// running Run. Kill is safe from any goroutine, including from a callback.
//
// # Identity
//
// Address returns the string a peer needs to send a friend request: the
// public key, the current nospam and a checksum, base58 encoded. Changing
// the nospam with SetNospam makes requests that carry the old one fail:
//
//	fmt.Println("Share this:", node.Address())
//	_ = node.SetNospam([]byte{0xde, 0xad, 0xbe, 0xef})
//
// # Friend Management
//
// A friend request is sent with AddFriend and answered with AcceptFriend.
// The requester's Handler gets OnFriendAdded once the peer accepts:
//
//	func (h *myHandler) OnFriendRequest(c *carrier.Carrier, userID string, info carrier.UserInfo, hello string) {
//	    _ = c.AcceptFriend(userID)
//	}
//
// ListFriends returns an iterator over a snapshot of the list:
//
//	for f := range node.ListFriends() {
//	    fmt.Println(f.UserID, f.Name, f.ConnectionStatus)
//	}
//
// # Messaging, Invites and Files
//
// SendFriendMessage delivers at most once to a connected friend.
// InviteFriend sends a request that the friend answers with
// ReplyFriendInvite; the response function is called exactly once.
// SendFileRequest offers a file, and the receiver commits to a destination
// with AcceptFile. Progress, pause, resume, cancel and completion are
// reported to both sides.
//
// # Sessions
//
// The session package negotiates encrypted channels with a friend on top of
// a node through HandleFriendPacket and SendFriendPacket:
//
//	mgr, err := session.NewManager(node, onOffer)
//
// # Errors
//
// Every failing call returns a *Error. errors.Is matches both its kind
// (ErrNotFound, ErrInvalidState, ...) and the underlying cause. Code maps
// an error to a stable ErrorCode, and LastError keeps the most recent
// failure of the node.
package carrier
