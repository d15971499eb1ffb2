package session

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/opd-ai/carrier/crypto"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// newHandshake prepares one side of a Noise IK handshake. The initiator
// must know the responder's static key; the responder learns the
// initiator's from the first message. The session ID is bound in as the
// prologue so a handshake cannot be replayed under another session.
func newHandshake(keys crypto.KeyPair, peer []byte, initiator bool, id uuid.UUID) (*noise.HandshakeState, error) {
	static := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(static.Private, keys.Private[:])
	copy(static.Public, keys.Public[:])

	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		Prologue:      append([]byte("carrier-session/"), id[:]...),
		StaticKeypair: static,
	}
	if initiator {
		if len(peer) != 32 {
			return nil, fmt.Errorf("initiator requires a 32 byte peer key, got %d", len(peer))
		}
		config.PeerStatic = append([]byte(nil), peer...)
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}
	return hs, nil
}

// replayWindow accepts each data nonce at most once, tolerating reordering
// within the last 64 nonces.
type replayWindow struct {
	top    uint64
	bitmap uint64
	used   bool
}

// check reports whether n may be accepted. It does not record n.
func (w *replayWindow) check(n uint64) bool {
	if !w.used || n > w.top {
		return true
	}
	diff := w.top - n
	if diff >= 64 {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

// mark records n as seen.
func (w *replayWindow) mark(n uint64) {
	if !w.used {
		w.used = true
		w.top = n
		w.bitmap = 1
		return
	}
	if n > w.top {
		shift := n - w.top
		if shift >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.top = n
		return
	}
	w.bitmap |= 1 << (w.top - n)
}
