package limits

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

// TestEncryptionOverheadMatchesNaCl verifies that our EncryptionOverhead constant
// matches the actual overhead from golang.org/x/crypto/nacl/box
func TestEncryptionOverheadMatchesNaCl(t *testing.T) {
	if EncryptionOverhead != box.Overhead {
		t.Errorf("EncryptionOverhead = %d, want %d (box.Overhead)", EncryptionOverhead, box.Overhead)
	}
}

func TestActualNaClBoxOverhead(t *testing.T) {
	_, privateKey1, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key pair 1: %v", err)
	}
	publicKey2, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key pair 2: %v", err)
	}

	var nonce [24]byte
	message := make([]byte, MaxPlaintextMessage)
	encrypted := box.Seal(nil, message, &nonce, publicKey2, privateKey1)
	if len(encrypted) != MaxEncryptedMessage {
		t.Errorf("sealed size = %d, want %d", len(encrypted), MaxEncryptedMessage)
	}
	if MaxEncryptedMessage+24+32+1 > MaxDatagram {
		t.Errorf("a full message does not fit in one datagram")
	}
}

func TestValidatePlaintextMessage(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrMessageEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxPlaintextMessage, nil},
		{"over limit", MaxPlaintextMessage + 1, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlaintextMessage(make([]byte, tt.size))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("name", "", MaxNameLength); err != nil {
		t.Errorf("empty text rejected: %v", err)
	}
	if err := ValidateText("name", strings.Repeat("a", MaxNameLength), MaxNameLength); err != nil {
		t.Errorf("text at limit rejected: %v", err)
	}
	if err := ValidateText("name", strings.Repeat("a", MaxNameLength+1), MaxNameLength); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("got %v, want ErrFieldTooLong", err)
	}
	if err := ValidateText("name", string([]byte{0xff, 0xfe}), MaxNameLength); !errors.Is(err, ErrInvalidText) {
		t.Errorf("got %v, want ErrInvalidText", err)
	}
}
