package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// AddressSize is the raw size of an address: public key, nospam and checksum.
	AddressSize = 32 + 4 + 2
	// MaxAddressLen bounds the base58 text form of an address.
	MaxAddressLen = 52
	// MaxIDLen bounds the base58 text form of a node or user ID.
	MaxIDLen = 45
)

var (
	// ErrInvalidAddress is returned when an address cannot be decoded or fails its checksum.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidID is returned when a node or user ID cannot be decoded.
	ErrInvalidID = errors.New("invalid id")
)

// Address is the shareable identifier peers use to send friend requests:
// the public key, the current nospam value and a two byte checksum.
type Address struct {
	PublicKey [32]byte
	Nospam    uint32
	Checksum  [2]byte
}

// NewAddress creates an Address from a public key and nospam value.
func NewAddress(publicKey [32]byte, nospam uint32) *Address {
	a := &Address{
		PublicKey: publicKey,
		Nospam:    nospam,
	}
	a.Checksum = a.calculateChecksum()
	return a
}

// ParseAddress decodes the base58 text form of an address and verifies its checksum.
func ParseAddress(s string) (*Address, error) {
	if s == "" || len(s) > MaxAddressLen {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidAddress, len(s))
	}

	data, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(data) != AddressSize {
		return nil, fmt.Errorf("%w: decoded %d bytes", ErrInvalidAddress, len(data))
	}

	a := &Address{}
	copy(a.PublicKey[:], data[0:32])
	a.Nospam = binary.BigEndian.Uint32(data[32:36])
	copy(a.Checksum[:], data[36:38])

	if a.Checksum != a.calculateChecksum() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	return a, nil
}

// Bytes returns the raw 38 byte form of the address.
func (a *Address) Bytes() []byte {
	data := make([]byte, AddressSize)
	copy(data[0:32], a.PublicKey[:])
	binary.BigEndian.PutUint32(data[32:36], a.Nospam)
	copy(data[36:38], a.Checksum[:])
	return data
}

// String returns the base58 text form of the address.
func (a *Address) String() string {
	return base58.Encode(a.Bytes())
}

// NodeID returns the ID of the node the address belongs to.
func (a *Address) NodeID() string {
	return EncodeID(a.PublicKey)
}

func (a *Address) calculateChecksum() [2]byte {
	var checksum [2]byte
	for i := 0; i < 32; i++ {
		checksum[i%2] ^= a.PublicKey[i]
	}
	var nospam [4]byte
	binary.BigEndian.PutUint32(nospam[:], a.Nospam)
	for i := 0; i < 4; i++ {
		checksum[i%2] ^= nospam[i]
	}
	return checksum
}

// EncodeID returns the base58 node/user ID of a public key.
func EncodeID(publicKey [32]byte) string {
	return base58.Encode(publicKey[:])
}

// DecodeID parses a base58 node/user ID back into a public key.
func DecodeID(id string) ([32]byte, error) {
	var pk [32]byte
	if id == "" || len(id) > MaxIDLen {
		return pk, fmt.Errorf("%w: bad length %d", ErrInvalidID, len(id))
	}
	data, err := base58.Decode(id)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(data) != 32 {
		return pk, fmt.Errorf("%w: decoded %d bytes", ErrInvalidID, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// IsValidAddress reports whether s is a well formed address.
func IsValidAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// IsValidID reports whether s is a well formed node or user ID.
func IsValidID(s string) bool {
	_, err := DecodeID(s)
	return err == nil
}
