package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/opd-ai/carrier/friend"
)

// Identity is the node's long term secret and current nospam.
type Identity struct {
	SecretKey [32]byte
	Nospam    uint32
}

// Profile is the node's own published info and presence.
type Profile struct {
	Info     friend.UserInfo
	Presence friend.PresenceStatus
}

// LoadIdentity returns the stored identity or ErrNoIdentity.
func (s *Store) LoadIdentity() (Identity, error) {
	var (
		id     Identity
		secret []byte
		nospam int64
	)
	err := s.db.QueryRow(`SELECT secret_key, nospam FROM identity WHERE id = 1`).Scan(&secret, &nospam)
	if errors.Is(err, sql.ErrNoRows) {
		return id, ErrNoIdentity
	}
	if err != nil {
		return id, fmt.Errorf("load identity: %w", err)
	}
	if len(secret) != 32 {
		return id, fmt.Errorf("load identity: secret key of %d bytes", len(secret))
	}
	copy(id.SecretKey[:], secret)
	id.Nospam = uint32(nospam)
	return id, nil
}

// SaveIdentity stores the identity, replacing any previous one.
func (s *Store) SaveIdentity(id Identity) error {
	_, err := s.db.Exec(
		`INSERT INTO identity (id, secret_key, nospam) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET secret_key = excluded.secret_key, nospam = excluded.nospam`,
		id.SecretKey[:], int64(id.Nospam),
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// SaveNospam updates only the nospam value.
func (s *Store) SaveNospam(nospam uint32) error {
	res, err := s.db.Exec(`UPDATE identity SET nospam = ? WHERE id = 1`, int64(nospam))
	if err != nil {
		return fmt.Errorf("save nospam: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save nospam: %w", ErrNoIdentity)
	}
	return nil
}

// LoadProfile returns the stored profile; a fresh database yields the zero profile.
func (s *Store) LoadProfile() (Profile, error) {
	var (
		p         Profile
		hasAvatar int
		presence  int
	)
	err := s.db.QueryRow(
		`SELECT name, description, has_avatar, gender, phone, email, region, presence
		FROM self_profile WHERE id = 1`,
	).Scan(&p.Info.Name, &p.Info.Description, &hasAvatar, &p.Info.Gender,
		&p.Info.Phone, &p.Info.Email, &p.Info.Region, &presence)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("load profile: %w", err)
	}
	p.Info.HasAvatar = hasAvatar != 0
	p.Presence = friend.PresenceStatus(presence)
	return p, nil
}

// SaveProfile stores the node's profile and presence.
func (s *Store) SaveProfile(p Profile) error {
	_, err := s.db.Exec(
		`INSERT INTO self_profile (id, name, description, has_avatar, gender, phone, email, region, presence)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			has_avatar = excluded.has_avatar,
			gender = excluded.gender,
			phone = excluded.phone,
			email = excluded.email,
			region = excluded.region,
			presence = excluded.presence`,
		p.Info.Name, p.Info.Description, boolToInt(p.Info.HasAvatar), p.Info.Gender,
		p.Info.Phone, p.Info.Email, p.Info.Region, int(p.Presence),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}
