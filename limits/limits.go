// Package limits provides centralized size limits for carrier payloads.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxPlaintextMessage is the largest friend message a node accepts (1372 bytes).
	MaxPlaintextMessage = 1372

	// EncryptionOverhead is the Poly1305 tag added by box.Seal.
	EncryptionOverhead = 16 // golang.org/x/crypto/nacl/box.Overhead

	// MaxEncryptedMessage is MaxPlaintextMessage plus EncryptionOverhead.
	MaxEncryptedMessage = MaxPlaintextMessage + EncryptionOverhead

	// MaxInviteData bounds the opaque payload of an invite request or reply.
	MaxInviteData = 1280

	// MaxInviteReason bounds the reason text of a refused invite.
	MaxInviteReason = 255

	// MaxHelloLength bounds the greeting attached to a friend request.
	MaxHelloLength = 256

	// MaxDatagram is the largest packet put on the wire.
	MaxDatagram = 2048
)

// User profile field limits.
const (
	MaxNameLength        = 63
	MaxDescriptionLength = 127
	MaxGenderLength      = 31
	MaxPhoneLength       = 31
	MaxEmailLength       = 127
	MaxRegionLength      = 127
	MaxLabelLength       = 63
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrFieldTooLong indicates a text field exceeds its limit
	ErrFieldTooLong = errors.New("field too long")

	// ErrInvalidText indicates a text field is not valid UTF-8
	ErrInvalidText = errors.New("invalid utf-8 text")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates a plaintext message size against MaxPlaintextMessage.
func ValidatePlaintextMessage(message []byte) error {
	return ValidateMessageSize(message, MaxPlaintextMessage)
}

// ValidateInviteData validates an invite payload against MaxInviteData.
func ValidateInviteData(data []byte) error {
	return ValidateMessageSize(data, MaxInviteData)
}

// ValidateText checks that value is UTF-8 and no longer than max bytes.
// Empty values are allowed.
func ValidateText(field, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFieldTooLong, field, len(value), max)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s", ErrInvalidText, field)
	}
	return nil
}
