package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// SealedHeaderSize is the sender public key plus nonce that prefixes every sealed payload.
const SealedHeaderSize = 32 + 24

// MaxMessageSize caps what Encrypt accepts.
const MaxMessageSize = 64 * 1024

var (
	// ErrDecryptionFailed is returned when a box does not authenticate.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrShortPacket is returned when a sealed payload is shorter than its header.
	ErrShortPacket = errors.New("sealed payload too short")
)

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt encrypts a message using authenticated encryption.
func Encrypt(message []byte, nonce Nonce, recipientPK, senderSK [32]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}
	return box.Seal(nil, message, (*[24]byte)(&nonce), &recipientPK, &senderSK), nil
}

// Decrypt decrypts a message using authenticated encryption.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, ErrDecryptionFailed
	}

	decrypted, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), &senderPK, &recipientSK)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return decrypted, nil
}

// Seal encrypts payload for recipient and prefixes it with the sender's
// public key and a fresh nonce: [sender pk 32][nonce 24][box].
func Seal(payload []byte, recipientPK [32]byte, sender *KeyPair) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(payload, nonce, recipientPK, sender.Private)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, SealedHeaderSize+len(ct))
	out = append(out, sender.Public[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

// Open reverses Seal. It returns the sender's public key, the nonce used and
// the plaintext.
func Open(sealed []byte, recipient *KeyPair) (senderPK [32]byte, nonce Nonce, payload []byte, err error) {
	if len(sealed) < SealedHeaderSize+box.Overhead {
		return senderPK, nonce, nil, ErrShortPacket
	}
	copy(senderPK[:], sealed[0:32])
	copy(nonce[:], sealed[32:SealedHeaderSize])

	payload, err = Decrypt(sealed[SealedHeaderSize:], nonce, senderPK, recipient.Private)
	return senderPK, nonce, payload, err
}
