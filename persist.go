package carrier

import (
	"errors"
	"fmt"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/store"
	"github.com/sirupsen/logrus"
)

// loadState opens the store and loads or creates the identity and profile.
// An empty persistent location gives an ephemeral identity.
func (c *Carrier) loadState() error {
	if c.options.PersistentLocation == "" {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return &Error{Op: "New", Kind: ErrOperation, Err: err}
		}
		nospam, err := randomNospam()
		if err != nil {
			return &Error{Op: "New", Kind: ErrOperation, Err: err}
		}
		c.keys = keys
		c.nospam.Store(nospam)

		logrus.WithFields(logrus.Fields{
			"function": "loadState",
		}).Info("No persistent location, using ephemeral identity")
		return nil
	}

	st, err := store.Open(c.options.PersistentLocation)
	if err != nil {
		return &Error{Op: "New", Kind: ErrConfig, Err: err}
	}
	c.store = st

	id, err := st.LoadIdentity()
	switch {
	case errors.Is(err, store.ErrNoIdentity):
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return &Error{Op: "New", Kind: ErrOperation, Err: err}
		}
		nospam, err := randomNospam()
		if err != nil {
			return &Error{Op: "New", Kind: ErrOperation, Err: err}
		}
		if err := st.SaveIdentity(store.Identity{SecretKey: keys.Private, Nospam: nospam}); err != nil {
			return &Error{Op: "New", Kind: ErrConfig, Err: err}
		}
		c.keys = keys
		c.nospam.Store(nospam)

		logrus.WithFields(logrus.Fields{
			"function": "loadState",
			"node_id":  shortID(crypto.EncodeID(keys.Public)),
		}).Info("Generated new identity")
	case err != nil:
		return &Error{Op: "New", Kind: ErrConfig, Err: err}
	default:
		keys, err := crypto.FromSecretKey(id.SecretKey)
		if err != nil {
			return &Error{Op: "New", Kind: ErrConfig, Err: fmt.Errorf("stored identity: %w", err)}
		}
		c.keys = keys
		c.nospam.Store(id.Nospam)

		logrus.WithFields(logrus.Fields{
			"function": "loadState",
			"node_id":  shortID(crypto.EncodeID(keys.Public)),
		}).Info("Loaded stored identity")
	}

	profile, err := st.LoadProfile()
	if err != nil {
		return &Error{Op: "New", Kind: ErrConfig, Err: err}
	}
	c.self = profile.Info
	c.presence = profile.Presence
	return nil
}

// loadFriends fills the friend list from the store.
func (c *Carrier) loadFriends() error {
	if c.store == nil {
		return nil
	}
	records, err := c.store.ListFriends()
	if err != nil {
		return &Error{Op: "New", Kind: ErrConfig, Err: err}
	}
	for _, r := range records {
		f := friend.New(r.PublicKey, r.Info)
		f.Label = r.Label
		f.Presence = r.Presence
		if err := c.friends.Add(f); err != nil {
			return &Error{Op: "New", Kind: ErrConfig, Err: err}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "loadFriends",
		"count":    len(records),
	}).Debug("Loaded friends")
	return nil
}

// persistFriend writes the current record of a friend. Failures are logged;
// the in-memory list stays authoritative until the next successful write.
func (c *Carrier) persistFriend(userID string) {
	if c.store == nil {
		return
	}
	info, err := c.friends.Get(userID)
	if err != nil {
		return
	}
	peer, err := c.friends.Peer(userID)
	if err != nil {
		return
	}
	rec := store.FriendRecord{
		PublicKey: peer.PublicKey,
		Label:     info.Label,
		Info:      info.UserInfo,
		Presence:  info.Presence,
	}
	if err := c.store.SaveFriend(rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "persistFriend",
			"friend_id": shortID(userID),
			"error":     err.Error(),
		}).Warn("Failed to persist friend")
	}
}

func (c *Carrier) forgetFriend(userID string) {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteFriend(userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "forgetFriend",
			"friend_id": shortID(userID),
			"error":     err.Error(),
		}).Warn("Failed to delete friend")
	}
}

func (c *Carrier) persistProfile(info UserInfo, presence PresenceStatus) error {
	if c.store == nil {
		return nil
	}
	return c.store.SaveProfile(store.Profile{Info: info, Presence: presence})
}
