package crypto

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// DefaultReplayWindow is the number of recent nonces a ReplayGuard remembers.
const DefaultReplayWindow = 8192

// ReplayGuard rejects sealed packets whose nonce was already seen from the
// same sender. Nonces are random, so a repeat within the window is a replay.
type ReplayGuard struct {
	cache *lru.Cache[replayKey, struct{}]
}

type replayKey struct {
	sender [32]byte
	nonce  Nonce
}

// NewReplayGuard creates a guard remembering up to size nonces.
func NewReplayGuard(size int) *ReplayGuard {
	if size <= 0 {
		size = DefaultReplayWindow
	}
	cache, err := lru.New[replayKey, struct{}](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &ReplayGuard{cache: cache}
}

// CheckAndStore returns true if the nonce is fresh and records it.
// It returns false for a replay.
func (g *ReplayGuard) CheckAndStore(sender [32]byte, nonce Nonce) bool {
	key := replayKey{sender: sender, nonce: nonce}

	if seen, _ := g.cache.ContainsOrAdd(key, struct{}{}); seen {
		logrus.WithFields(logrus.Fields{
			"function": "CheckAndStore",
			"sender":   EncodeID(sender)[:8],
		}).Warn("Replay detected: nonce already used")
		return false
	}
	return true
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	return g.cache.Len()
}
