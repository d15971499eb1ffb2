// Package file implements chunked, resumable file transfers between friends.
//
// A transfer is offered by the sender with a name, a size and a BLAKE3
// digest. Once the receiver commits to a destination, the sender streams the
// file in ChunkSize datagrams under a sliding window; the receiver
// acknowledges the number of bytes it has written in order and verifies the
// digest before accepting the final chunk.
//
// Example:
//
//	m := file.NewManager(sender, events, nil)
//	fileID, err := m.SendFile(friendID, "/tmp/report.pdf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// on the loop goroutine:
//	m.Pump()
//	m.Flush()
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

var (
	// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")
	// ErrFileNameTooLong indicates that a file name exceeds the maximum allowed length.
	ErrFileNameTooLong = errors.New("file name too long")
	// ErrInvalidFileName indicates a file name that is empty or names a directory.
	ErrInvalidFileName = errors.New("invalid file name")
	// ErrInvalidState is returned when a transfer's state forbids the requested transition.
	ErrInvalidState = errors.New("invalid transfer state")
	// ErrTransferNotFound is returned for an unknown (friend, file ID) pair.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrNotRegularFile is returned when asked to send a directory or device.
	ErrNotRegularFile = errors.New("not a regular file")
	// ErrDigestMismatch is reported when the received content does not hash to the offered digest.
	ErrDigestMismatch = errors.New("file digest mismatch")
)

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferDirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// TransferStateRequested means the offer was made and not yet accepted.
	TransferStateRequested TransferState = iota
	// TransferStateAccepted means the receiver committed to a destination.
	TransferStateAccepted
	// TransferStateInProgress means data is flowing.
	TransferStateInProgress
	// TransferStatePaused means either side paused the transfer.
	TransferStatePaused
	// TransferStateCompleted means every byte arrived and the digest matched.
	TransferStateCompleted
	// TransferStateCanceled means the transfer was abandoned.
	TransferStateCanceled
)

func (s TransferState) String() string {
	switch s {
	case TransferStateRequested:
		return "requested"
	case TransferStateAccepted:
		return "accepted"
	case TransferStateInProgress:
		return "in_progress"
	case TransferStatePaused:
		return "paused"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s TransferState) Terminal() bool {
	return s == TransferStateCompleted || s == TransferStateCanceled
}

// ChunkSize is the size of each file chunk in bytes.
const ChunkSize = 1024

// MaxFileNameLength is the maximum allowed file name length in bytes.
const MaxFileNameLength = 255

// DigestSize is the length of the BLAKE3 digest carried in a file request.
const DigestSize = 32

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

// Transfer is a single file transfer with one friend.
type Transfer struct {
	FriendID    string
	FileID      string
	Direction   TransferDirection
	FileName    string
	Path        string
	FileSize    uint64
	State       TransferState
	Transferred uint64
	Digest      [DigestSize]byte

	handle *os.File
	hasher *blake3.Hasher

	// sender side window
	nextOffset   uint64
	lastAdvance  time.Time
	dupAcks      int
	finishedAt   time.Time
	pausedBefore TransferState

	// pausedLocally is set when this side asked for the pause.
	pausedLocally  bool
	pendingControl Control
	controlSentAt  time.Time

	mu sync.Mutex
}

// Snapshot is a point-in-time copy of a transfer.
type Snapshot struct {
	FriendID    string
	FileID      string
	Direction   TransferDirection
	FileName    string
	Path        string
	FileSize    uint64
	State       TransferState
	Transferred uint64
}

// Snapshot returns a copy of the transfer's public fields.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transfer) snapshotLocked() Snapshot {
	return Snapshot{
		FriendID:    t.FriendID,
		FileID:      t.FileID,
		Direction:   t.Direction,
		FileName:    t.FileName,
		Path:        t.Path,
		FileSize:    t.FileSize,
		State:       t.State,
		Transferred: t.Transferred,
	}
}

// pauseLocked moves an accepted or running transfer to Paused.
func (t *Transfer) pauseLocked() error {
	if t.State != TransferStateAccepted && t.State != TransferStateInProgress {
		return fmt.Errorf("%w: cannot pause %s transfer", ErrInvalidState, t.State)
	}
	t.pausedBefore = t.State
	t.State = TransferStatePaused
	return nil
}

// resumeLocked moves a paused transfer back to where it was paused from.
func (t *Transfer) resumeLocked(now time.Time) error {
	if t.State != TransferStatePaused {
		return fmt.Errorf("%w: cannot resume %s transfer", ErrInvalidState, t.State)
	}
	t.State = t.pausedBefore
	if t.State != TransferStateAccepted {
		t.State = TransferStateInProgress
	}
	// unacknowledged data is resent from the last in-order byte
	t.nextOffset = t.Transferred
	t.lastAdvance = now
	t.dupAcks = 0
	return nil
}

// cancelLocked terminates a transfer; an incoming partial file is removed.
func (t *Transfer) cancelLocked(now time.Time) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: cannot cancel %s transfer", ErrInvalidState, t.State)
	}
	t.State = TransferStateCanceled
	t.finishedAt = now
	t.closeLocked()
	if t.Direction == TransferDirectionIncoming && t.Path != "" {
		if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "cancelLocked",
				"file_id":  t.FileID,
				"path":     t.Path,
				"error":    err.Error(),
			}).Warn("Failed to remove partial file")
		}
	}
	return nil
}

func (t *Transfer) completeLocked(now time.Time) {
	t.State = TransferStateCompleted
	t.finishedAt = now
	t.closeLocked()
}

func (t *Transfer) closeLocked() {
	if t.handle == nil {
		return
	}
	if err := t.handle.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "closeLocked",
			"file_id":  t.FileID,
			"error":    err.Error(),
		}).Warn("Failed to close file handle")
	}
	t.handle = nil
}

// ValidatePath cleans path and rejects it if any component is "..".
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleanedPath, nil
}

// ValidateFileName checks a file name offered by a peer. It must be a bare
// name: no separators, not "." or "..", at most MaxFileNameLength bytes.
func ValidateFileName(name string) error {
	if len(name) > MaxFileNameLength {
		return ErrFileNameTooLong
	}
	if name == "" || name == "." || name == ".." {
		return ErrInvalidFileName
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrDirectoryTraversal, name)
	}
	return nil
}

// Digest returns the BLAKE3-256 hash of the file at path.
func Digest(path string) ([DigestSize]byte, error) {
	var sum [DigestSize]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := blake3.New(DigestSize, nil)
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
