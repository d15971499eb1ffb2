package store

import (
	"fmt"
	"time"

	"github.com/opd-ai/carrier/friend"
)

// FriendRecord is one persisted friend.
type FriendRecord struct {
	PublicKey [32]byte
	Label     string
	Info      friend.UserInfo
	Presence  friend.PresenceStatus
}

// SaveFriend inserts or updates a friend.
func (s *Store) SaveFriend(r FriendRecord) error {
	if r.Info.UserID == "" {
		return fmt.Errorf("save friend: user_id is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO friends (user_id, public_key, label, name, description, has_avatar,
			gender, phone, email, region, presence, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			label = excluded.label,
			name = excluded.name,
			description = excluded.description,
			has_avatar = excluded.has_avatar,
			gender = excluded.gender,
			phone = excluded.phone,
			email = excluded.email,
			region = excluded.region,
			presence = excluded.presence`,
		r.Info.UserID, r.PublicKey[:], r.Label, r.Info.Name, r.Info.Description,
		boolToInt(r.Info.HasAvatar), r.Info.Gender, r.Info.Phone, r.Info.Email,
		r.Info.Region, int(r.Presence), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save friend %q: %w", r.Info.UserID, err)
	}
	return nil
}

// DeleteFriend removes a friend. Deleting an unknown friend is not an error.
func (s *Store) DeleteFriend(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM friends WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete friend %q: %w", userID, err)
	}
	return nil
}

// ListFriends returns every stored friend in the order they were added.
func (s *Store) ListFriends() ([]FriendRecord, error) {
	rows, err := s.db.Query(
		`SELECT user_id, public_key, label, name, description, has_avatar,
			gender, phone, email, region, presence
		FROM friends ORDER BY added_at, user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var out []FriendRecord
	for rows.Next() {
		var (
			r         FriendRecord
			pk        []byte
			hasAvatar int
			presence  int
		)
		if err := rows.Scan(&r.Info.UserID, &pk, &r.Label, &r.Info.Name, &r.Info.Description,
			&hasAvatar, &r.Info.Gender, &r.Info.Phone, &r.Info.Email, &r.Info.Region, &presence); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		if len(pk) != 32 {
			return nil, fmt.Errorf("friend %q has a %d byte key", r.Info.UserID, len(pk))
		}
		copy(r.PublicKey[:], pk)
		r.Info.HasAvatar = hasAvatar != 0
		r.Presence = friend.PresenceStatus(presence)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return out, nil
}
