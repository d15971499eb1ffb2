package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/carrier/transport"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

const (
	// DefaultWindow is the number of unacknowledged chunks the sender keeps in flight.
	DefaultWindow = 32
	// DefaultRetransmitTimeout is how long the sender waits for acknowledgment
	// progress before resending from the last acknowledged byte.
	DefaultRetransmitTimeout = time.Second
	// finishedRetention is how long completed or canceled transfers stay queryable.
	finishedRetention = 5 * time.Minute
	// dupAckThreshold triggers an early resend after repeated identical acks.
	dupAckThreshold = 3
)

// Sender delivers a sealed payload to a friend.
type Sender interface {
	SendToFriend(friendID string, packetType transport.PacketType, payload []byte) error
}

// Events receives transfer notifications. The manager never calls Events
// directly from a public method; notifications are queued and delivered by
// Flush so they run on the caller's event loop without any lock held.
type Events interface {
	OnFileRequest(friendID, fileID, fileName string, size uint64)
	OnFileAccepted(friendID, fileID, path string, size uint64)
	OnFilePaused(friendID, fileID string)
	OnFileResumed(friendID, fileID string)
	OnFileCanceled(friendID, fileID string)
	OnFileCompleted(friendID, fileID string)
	OnFileProgress(friendID, fileID, path string, total, transferred uint64)
}

// transferKey uniquely identifies a file transfer.
type transferKey struct {
	friendID string
	fileID   string
}

// Manager coordinates every file transfer of a node.
type Manager struct {
	sender            Sender
	events            Events
	timeProvider      TimeProvider
	window            int
	retransmitTimeout time.Duration

	mu        sync.Mutex
	transfers map[transferKey]*Transfer

	pendingMu sync.Mutex
	pending   []func(Events)
}

// NewManager creates a transfer manager. A nil TimeProvider uses the system clock.
func NewManager(sender Sender, events Events, tp TimeProvider) *Manager {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Debug("Creating new file transfer manager")

	return &Manager{
		sender:            sender,
		events:            events,
		timeProvider:      tp,
		window:            DefaultWindow,
		retransmitTimeout: DefaultRetransmitTimeout,
		transfers:         make(map[transferKey]*Transfer),
	}
}

// SetWindow changes the number of chunks kept in flight.
func (m *Manager) SetWindow(chunks int) {
	if chunks < 1 {
		chunks = 1
	}
	m.mu.Lock()
	m.window = chunks
	m.mu.Unlock()
}

// SetRetransmitTimeout changes how long the sender waits before going back.
func (m *Manager) SetRetransmitTimeout(d time.Duration) {
	m.mu.Lock()
	m.retransmitTimeout = d
	m.mu.Unlock()
}

func (m *Manager) queue(fn func(Events)) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, fn)
	m.pendingMu.Unlock()
}

// Flush delivers queued notifications in order.
func (m *Manager) Flush() {
	for {
		m.pendingMu.Lock()
		batch := m.pending
		m.pending = nil
		m.pendingMu.Unlock()

		if len(batch) == 0 {
			return
		}
		if m.events == nil {
			continue
		}
		for _, fn := range batch {
			fn(m.events)
		}
	}
}

func (m *Manager) lookup(friendID, fileID string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferKey{friendID, fileID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	return t, nil
}

// Get returns a snapshot of a transfer.
func (m *Manager) Get(friendID, fileID string) (Snapshot, error) {
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// List returns snapshots of every transfer with friendID.
func (m *Manager) List(friendID string) []Snapshot {
	m.mu.Lock()
	list := make([]*Transfer, 0)
	for key, t := range m.transfers {
		if key.friendID == friendID {
			list = append(list, t)
		}
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, t := range list {
		out = append(out, t.Snapshot())
	}
	return out
}

// SendFile offers the file at path to friendID and returns the new file ID.
func (m *Manager) SendFile(friendID, path string) (string, error) {
	cleaned, err := ValidatePath(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(cleaned)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotRegularFile, cleaned)
	}
	name := filepath.Base(cleaned)
	if err := ValidateFileName(name); err != nil {
		return "", err
	}
	digest, err := Digest(cleaned)
	if err != nil {
		return "", err
	}

	t := &Transfer{
		FriendID:  friendID,
		FileID:    uuid.NewString(),
		Direction: TransferDirectionOutgoing,
		FileName:  name,
		Path:      cleaned,
		FileSize:  uint64(info.Size()),
		State:     TransferStateRequested,
		Digest:    digest,
	}
	t.lastAdvance = m.timeProvider.Now()
	key := transferKey{friendID, t.FileID}

	m.mu.Lock()
	m.transfers[key] = t
	m.mu.Unlock()

	if err := m.sender.SendToFriend(friendID, transport.PacketFileRequest, requestPayload(t)); err != nil {
		m.mu.Lock()
		delete(m.transfers, key)
		m.mu.Unlock()
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SendFile",
		"friend_id": friendID,
		"file_id":   t.FileID,
		"file_name": name,
		"file_size": t.FileSize,
	}).Info("File transfer offered")
	return t.FileID, nil
}

// Accept commits an incoming transfer to a destination. If localPath is an
// existing directory the file is written inside it under filename (or the
// offered name when filename is empty).
func (m *Manager) Accept(friendID, fileID, filename, localPath string) error {
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Direction != TransferDirectionIncoming || t.State != TransferStateRequested {
		return fmt.Errorf("%w: cannot accept %s %s transfer", ErrInvalidState, t.Direction, t.State)
	}

	if filename == "" {
		filename = t.FileName
	}
	if err := ValidateFileName(filename); err != nil {
		return err
	}
	dest, err := ValidatePath(localPath)
	if err != nil {
		return err
	}
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, filename)
	}

	handle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if err := m.sender.SendToFriend(friendID, transport.PacketFileAccept, serializeFileAccept(fileID)); err != nil {
		handle.Close()
		os.Remove(dest)
		return err
	}

	t.handle = handle
	t.hasher = blake3.New(DigestSize, nil)
	t.Path = dest
	t.State = TransferStateAccepted

	logrus.WithFields(logrus.Fields{
		"function":  "Accept",
		"friend_id": friendID,
		"file_id":   fileID,
		"path":      dest,
	}).Info("File transfer accepted")

	if t.FileSize == 0 {
		m.finishEmptyLocked(t)
	}
	return nil
}

// finishEmptyLocked completes a zero-length transfer, which has no data phase.
func (m *Manager) finishEmptyLocked(t *Transfer) {
	if t.Direction == TransferDirectionIncoming {
		var sum [DigestSize]byte
		copy(sum[:], t.hasher.Sum(nil))
		if sum != t.Digest {
			m.abortLocked(t, ErrDigestMismatch)
			return
		}
	}
	t.completeLocked(m.timeProvider.Now())
	friendID, fileID := t.FriendID, t.FileID
	m.queue(func(e Events) { e.OnFileCompleted(friendID, fileID) })
}

// abortLocked cancels t locally, tells the peer, and queues OnFileCanceled.
func (m *Manager) abortLocked(t *Transfer, cause error) {
	if err := t.cancelLocked(m.timeProvider.Now()); err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "abortLocked",
		"friend_id": t.FriendID,
		"file_id":   t.FileID,
		"error":     cause.Error(),
	}).Warn("File transfer aborted")

	m.sendControlLocked(t, ControlCancel)
	friendID, fileID := t.FriendID, t.FileID
	m.queue(func(e Events) { e.OnFileCanceled(friendID, fileID) })
}

func requestPayload(t *Transfer) []byte {
	return serializeFileRequest(requestFrame{
		FileID:   t.FileID,
		FileSize: t.FileSize,
		Digest:   t.Digest,
		FileName: t.FileName,
	})
}

// sendControlLocked sends c and keeps resending it from Pump until the peer
// confirms it.
func (m *Manager) sendControlLocked(t *Transfer, c Control) {
	t.pendingControl = c
	t.controlSentAt = m.timeProvider.Now()
	m.sendControl(t.FriendID, t.FileID, c)
}

func (m *Manager) sendControl(friendID, fileID string, c Control) {
	err := m.sender.SendToFriend(friendID, transport.PacketFileControl, serializeFileControl(fileID, c))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "sendControl",
			"friend_id": friendID,
			"file_id":   fileID,
			"control":   c.String(),
			"error":     err.Error(),
		}).Debug("Failed to send file control")
	}
}

// Pause pauses an accepted or running transfer and tells the peer.
func (m *Manager) Pause(friendID, fileID string) error {
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pauseLocked(); err != nil {
		return err
	}
	t.pausedLocally = true
	m.sendControlLocked(t, ControlPause)
	return nil
}

// Resume continues a paused transfer. The peer must be reachable: if the
// resume signal cannot be sent the transfer stays paused.
func (m *Manager) Resume(friendID, fileID string) error {
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != TransferStatePaused {
		return fmt.Errorf("%w: cannot resume %s transfer", ErrInvalidState, t.State)
	}
	payload := serializeFileControl(fileID, ControlResume)
	if err := m.sender.SendToFriend(friendID, transport.PacketFileControl, payload); err != nil {
		return err
	}
	now := m.timeProvider.Now()
	if err := t.resumeLocked(now); err != nil {
		return err
	}
	t.pausedLocally = false
	t.pendingControl = ControlResume
	t.controlSentAt = now
	return nil
}

// Cancel terminates a transfer that is not yet completed or canceled.
func (m *Manager) Cancel(friendID, fileID string) error {
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cancelLocked(m.timeProvider.Now()); err != nil {
		return err
	}
	m.sendControlLocked(t, ControlCancel)
	return nil
}

// PauseFriend pauses every active transfer with a friend that went offline.
// Each paused transfer gets a local OnFilePaused.
func (m *Manager) PauseFriend(friendID string) int {
	paused := 0
	for _, t := range m.friendTransfers(friendID) {
		t.mu.Lock()
		if t.pauseLocked() == nil {
			t.pausedLocally = true
			paused++
			fileID := t.FileID
			m.queue(func(e Events) { e.OnFilePaused(friendID, fileID) })
		}
		t.mu.Unlock()
	}
	if paused > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "PauseFriend",
			"friend_id": friendID,
			"paused":    paused,
		}).Info("Paused transfers of offline friend")
	}
	return paused
}

// CancelFriend cancels every unfinished transfer with a removed friend.
func (m *Manager) CancelFriend(friendID string) int {
	canceled := 0
	now := m.timeProvider.Now()
	for _, t := range m.friendTransfers(friendID) {
		t.mu.Lock()
		if t.cancelLocked(now) == nil {
			canceled++
			fileID := t.FileID
			m.queue(func(e Events) { e.OnFileCanceled(friendID, fileID) })
		}
		t.mu.Unlock()
	}
	return canceled
}

func (m *Manager) friendTransfers(friendID string) []*Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transfer
	for key, t := range m.transfers {
		if key.friendID == friendID {
			out = append(out, t)
		}
	}
	return out
}

// HandleRequest processes an inbound file offer.
func (m *Manager) HandleRequest(friendID string, data []byte) error {
	req, err := deserializeFileRequest(data)
	if err != nil {
		return err
	}
	if err := ValidateFileName(req.FileName); err != nil {
		return err
	}

	key := transferKey{friendID, req.FileID}
	m.mu.Lock()
	if existing, exists := m.transfers[key]; exists {
		m.mu.Unlock()
		m.answerRepeatedRequest(existing)
		return nil
	}
	m.transfers[key] = &Transfer{
		FriendID:  friendID,
		FileID:    req.FileID,
		Direction: TransferDirectionIncoming,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		State:     TransferStateRequested,
		Digest:    req.Digest,
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "HandleRequest",
		"friend_id": friendID,
		"file_id":   req.FileID,
		"file_name": req.FileName,
		"file_size": req.FileSize,
	}).Info("Received file transfer request")

	m.queue(func(e Events) { e.OnFileRequest(friendID, req.FileID, req.FileName, req.FileSize) })
	return nil
}

// answerRepeatedRequest tells a sender that is still offering a transfer
// what became of it here.
func (m *Manager) answerRepeatedRequest(t *Transfer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Direction != TransferDirectionIncoming {
		return
	}
	switch t.State {
	case TransferStateRequested:
	case TransferStateCanceled:
		m.sendControl(t.FriendID, t.FileID, ControlCancel)
	default:
		if err := m.sender.SendToFriend(t.FriendID, transport.PacketFileAccept, serializeFileAccept(t.FileID)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "answerRepeatedRequest",
				"file_id":  t.FileID,
				"error":    err.Error(),
			}).Debug("Failed to repeat file accept")
		}
	}
}

// HandleAccept processes the receiver's acceptance of an outgoing transfer.
func (m *Manager) HandleAccept(friendID string, data []byte) error {
	fileID, err := deserializeFileAccept(data)
	if err != nil {
		return err
	}
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Direction != TransferDirectionOutgoing || t.State != TransferStateRequested {
		return nil
	}

	handle, err := os.Open(t.Path)
	if err != nil {
		m.abortLocked(t, err)
		return err
	}
	t.handle = handle
	t.State = TransferStateAccepted
	t.nextOffset = 0
	t.lastAdvance = m.timeProvider.Now()

	path, size := t.Path, t.FileSize
	m.queue(func(e Events) { e.OnFileAccepted(friendID, fileID, path, size) })

	if t.FileSize == 0 {
		m.finishEmptyLocked(t)
	}
	return nil
}

// HandleControl processes a pause, resume or cancel signal from the peer, or
// the peer's confirmation of one of ours. Every signal is confirmed, even
// for an unknown transfer, so the peer stops resending it.
func (m *Manager) HandleControl(friendID string, data []byte) error {
	fileID, c, err := deserializeFileControl(data)
	if err != nil {
		return err
	}
	if c.confirmation() {
		return m.handleConfirmation(friendID, fileID, c.base())
	}
	if c < ControlPause || c > ControlCancel {
		return fmt.Errorf("%w: unknown control %d", ErrMalformedPacket, c)
	}
	m.sendControl(friendID, fileID, c|controlConfirmed)

	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := m.timeProvider.Now()
	switch c {
	case ControlPause:
		if t.pauseLocked() == nil {
			t.pausedLocally = false
			m.queue(func(e Events) { e.OnFilePaused(friendID, fileID) })
		}
	case ControlResume:
		if t.resumeLocked(now) == nil {
			m.queue(func(e Events) { e.OnFileResumed(friendID, fileID) })
		}
	case ControlCancel:
		if t.cancelLocked(now) == nil {
			m.queue(func(e Events) { e.OnFileCanceled(friendID, fileID) })
		}
	}
	return nil
}

func (m *Manager) handleConfirmation(friendID, fileID string, c Control) error {
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	if t.pendingControl == c {
		t.pendingControl = 0
	}
	t.mu.Unlock()
	return nil
}

// HandleData processes a chunk of an incoming transfer and acknowledges the
// number of bytes written in order.
func (m *Manager) HandleData(friendID string, data []byte) error {
	fileID, offset, chunk, err := deserializeFileData(data)
	if err != nil {
		return err
	}
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Direction != TransferDirectionIncoming {
		return nil
	}
	switch t.State {
	case TransferStateAccepted:
		t.State = TransferStateInProgress
	case TransferStateInProgress:
	case TransferStateCompleted:
		// the sender missed the final ack
		m.sendAck(t)
		return nil
	case TransferStatePaused:
		if t.pausedLocally && t.pendingControl != ControlPause {
			m.sendControlLocked(t, ControlPause)
		}
		return nil
	default:
		return nil
	}

	if offset != t.Transferred {
		// duplicate or out of order: repeat the in-order position
		m.sendAck(t)
		return nil
	}
	end := offset + uint64(len(chunk))
	if end > t.FileSize {
		m.abortLocked(t, fmt.Errorf("%w: chunk past end of file", ErrMalformedPacket))
		return nil
	}

	t.hasher.Write(chunk)
	if end == t.FileSize {
		var sum [DigestSize]byte
		copy(sum[:], t.hasher.Sum(nil))
		if sum != t.Digest {
			m.abortLocked(t, ErrDigestMismatch)
			return ErrDigestMismatch
		}
	}

	if _, err := t.handle.WriteAt(chunk, int64(offset)); err != nil {
		m.abortLocked(t, err)
		return err
	}
	t.Transferred = end

	path, total := t.Path, t.FileSize
	m.queue(func(e Events) { e.OnFileProgress(friendID, fileID, path, total, end) })

	if end == t.FileSize {
		if err := t.handle.Sync(); err != nil {
			m.abortLocked(t, err)
			return err
		}
		t.completeLocked(m.timeProvider.Now())
		m.queue(func(e Events) { e.OnFileCompleted(friendID, fileID) })

		logrus.WithFields(logrus.Fields{
			"function":  "HandleData",
			"friend_id": friendID,
			"file_id":   fileID,
			"path":      path,
			"size":      total,
		}).Info("File transfer completed")
	}
	m.sendAck(t)
	return nil
}

func (m *Manager) sendAck(t *Transfer) {
	payload := serializeFileDataAck(t.FileID, t.Transferred)
	if err := m.sender.SendToFriend(t.FriendID, transport.PacketFileDataAck, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"file_id":  t.FileID,
			"error":    err.Error(),
		}).Debug("Failed to send file data ack")
	}
}

// HandleAck processes the receiver's in-order byte count for an outgoing transfer.
func (m *Manager) HandleAck(friendID string, data []byte) error {
	fileID, received, err := deserializeFileDataAck(data)
	if err != nil {
		return err
	}
	t, err := m.lookup(friendID, fileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Direction != TransferDirectionOutgoing {
		return nil
	}
	if t.State != TransferStateInProgress && t.State != TransferStatePaused {
		return nil
	}
	if received > t.FileSize {
		return fmt.Errorf("%w: ack %d beyond end of file", ErrMalformedPacket, received)
	}
	if received > t.nextOffset {
		t.nextOffset = received
	}

	if received <= t.Transferred {
		t.dupAcks++
		if t.dupAcks >= dupAckThreshold && t.nextOffset > t.Transferred {
			t.nextOffset = t.Transferred
			t.dupAcks = 0
		}
		return nil
	}

	t.Transferred = received
	t.dupAcks = 0
	t.lastAdvance = m.timeProvider.Now()

	path, total := t.Path, t.FileSize
	m.queue(func(e Events) { e.OnFileProgress(friendID, fileID, path, total, received) })

	if received == t.FileSize {
		t.completeLocked(t.lastAdvance)
		m.queue(func(e Events) { e.OnFileCompleted(friendID, fileID) })
	}
	return nil
}

// Pump sends data for every outgoing transfer that has room in its window and
// forgets transfers that finished long ago. After RetransmitTimeout without
// progress it goes back to the last acknowledged byte, repeats an unanswered
// offer and resends unconfirmed control signals. It is called from the node's
// event loop.
func (m *Manager) Pump() {
	now := m.timeProvider.Now()

	m.mu.Lock()
	window := uint64(m.window) * ChunkSize
	timeout := m.retransmitTimeout
	active := make([]*Transfer, 0, len(m.transfers))
	for key, t := range m.transfers {
		t.mu.Lock()
		if t.State.Terminal() && now.Sub(t.finishedAt) > finishedRetention {
			delete(m.transfers, key)
		} else {
			active = append(active, t)
		}
		t.mu.Unlock()
	}
	m.mu.Unlock()

	for _, t := range active {
		m.pumpTransfer(t, now, window, timeout)
	}
}

func (m *Manager) pumpTransfer(t *Transfer, now time.Time, window uint64, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingControl != 0 && now.Sub(t.controlSentAt) >= timeout {
		logrus.WithFields(logrus.Fields{
			"function": "pumpTransfer",
			"file_id":  t.FileID,
			"control":  t.pendingControl.String(),
		}).Debug("Resending unconfirmed file control")
		t.controlSentAt = now
		m.sendControl(t.FriendID, t.FileID, t.pendingControl)
	}
	if t.Direction != TransferDirectionOutgoing {
		return
	}

	switch t.State {
	case TransferStateRequested:
		if now.Sub(t.lastAdvance) >= timeout {
			t.lastAdvance = now
			_ = m.sender.SendToFriend(t.FriendID, transport.PacketFileRequest, requestPayload(t))
		}
		return
	case TransferStateAccepted:
		t.State = TransferStateInProgress
		t.lastAdvance = now
	case TransferStateInProgress:
	default:
		return
	}

	if t.nextOffset > t.Transferred && now.Sub(t.lastAdvance) >= timeout {
		logrus.WithFields(logrus.Fields{
			"function": "pumpTransfer",
			"file_id":  t.FileID,
			"from":     t.Transferred,
			"sent":     t.nextOffset,
		}).Debug("Retransmitting unacknowledged window")
		t.nextOffset = t.Transferred
		t.lastAdvance = now
	}

	buf := make([]byte, ChunkSize)
	for t.nextOffset < t.FileSize && t.nextOffset-t.Transferred < window {
		n, err := t.handle.ReadAt(buf, int64(t.nextOffset))
		if n == 0 {
			if err == nil {
				err = errors.New("short read")
			}
			m.abortLocked(t, err)
			return
		}
		payload := serializeFileData(t.FileID, t.nextOffset, buf[:n])
		if err := m.sender.SendToFriend(t.FriendID, transport.PacketFileData, payload); err != nil {
			return
		}
		t.nextOffset += uint64(n)
	}
}

// Close releases every open file handle. Unfinished transfers are left as they are.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		t.mu.Lock()
		t.closeLocked()
		t.mu.Unlock()
	}
}
