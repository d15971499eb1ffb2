package file

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/carrier/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.mu.Unlock()
}

type frame struct {
	packetType transport.PacketType
	payload    []byte
}

// queueSender records outbound frames until the test delivers them.
type queueSender struct {
	mu     sync.Mutex
	frames []frame
	fail   error
	drop   func(frame) bool
}

func (q *queueSender) SendToFriend(friendID string, pt transport.PacketType, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	f := frame{pt, append([]byte(nil), payload...)}
	if q.drop != nil && q.drop(f) {
		return nil
	}
	q.frames = append(q.frames, f)
	return nil
}

func (q *queueSender) take() []frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

type event struct {
	kind        string
	fileID      string
	path        string
	total       uint64
	transferred uint64
}

type recorder struct {
	events []event
}

func (r *recorder) OnFileRequest(friendID, fileID, fileName string, size uint64) {
	r.events = append(r.events, event{kind: "request", fileID: fileID, path: fileName, total: size})
}

func (r *recorder) OnFileAccepted(friendID, fileID, path string, size uint64) {
	r.events = append(r.events, event{kind: "accepted", fileID: fileID, path: path, total: size})
}

func (r *recorder) OnFilePaused(friendID, fileID string) {
	r.events = append(r.events, event{kind: "paused", fileID: fileID})
}

func (r *recorder) OnFileResumed(friendID, fileID string) {
	r.events = append(r.events, event{kind: "resumed", fileID: fileID})
}

func (r *recorder) OnFileCanceled(friendID, fileID string) {
	r.events = append(r.events, event{kind: "canceled", fileID: fileID})
}

func (r *recorder) OnFileCompleted(friendID, fileID string) {
	r.events = append(r.events, event{kind: "completed", fileID: fileID})
}

func (r *recorder) OnFileProgress(friendID, fileID, path string, total, transferred uint64) {
	r.events = append(r.events, event{kind: "progress", fileID: fileID, path: path, total: total, transferred: transferred})
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) progress() []uint64 {
	var out []uint64
	for _, e := range r.events {
		if e.kind == "progress" {
			out = append(out, e.transferred)
		}
	}
	return out
}

type peer struct {
	id     string
	mgr    *Manager
	out    *queueSender
	events *recorder
}

// pair wires a sender node "alice" and a receiver node "bob".
type pair struct {
	alice, bob *peer
	clock      *mockTimeProvider
}

func newPair() *pair {
	clock := newMockTimeProvider()
	mk := func(id string) *peer {
		p := &peer{id: id, out: &queueSender{}, events: &recorder{}}
		p.mgr = NewManager(p.out, p.events, clock)
		return p
	}
	return &pair{alice: mk("alice"), bob: mk("bob"), clock: clock}
}

func dispatch(m *Manager, from string, f frame) error {
	switch f.packetType {
	case transport.PacketFileRequest:
		return m.HandleRequest(from, f.payload)
	case transport.PacketFileAccept:
		return m.HandleAccept(from, f.payload)
	case transport.PacketFileControl:
		return m.HandleControl(from, f.payload)
	case transport.PacketFileData:
		return m.HandleData(from, f.payload)
	case transport.PacketFileDataAck:
		return m.HandleAck(from, f.payload)
	}
	return nil
}

// step delivers everything in flight once, pumps both sides and flushes events.
// It returns the number of frames delivered.
func (p *pair) step() int {
	delivered := 0
	for _, f := range p.alice.out.take() {
		dispatch(p.bob.mgr, p.alice.id, f)
		delivered++
	}
	for _, f := range p.bob.out.take() {
		dispatch(p.alice.mgr, p.bob.id, f)
		delivered++
	}
	p.alice.mgr.Pump()
	p.bob.mgr.Pump()
	p.alice.mgr.Flush()
	p.bob.mgr.Flush()
	return delivered
}

func (p *pair) idle() bool {
	p.alice.out.mu.Lock()
	defer p.alice.out.mu.Unlock()
	p.bob.out.mu.Lock()
	defer p.bob.out.mu.Unlock()
	return len(p.alice.out.frames) == 0 && len(p.bob.out.frames) == 0
}

func (p *pair) settle(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if p.step() == 0 && p.idle() {
			return
		}
	}
	t.Fatal("transfer did not settle")
}

func writeRandomFile(t *testing.T, dir string, size int) (string, []byte) {
	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(t, err)
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func offer(t *testing.T, p *pair, path string) string {
	fileID, err := p.alice.mgr.SendFile("bob", path)
	require.NoError(t, err)
	p.step()
	require.Equal(t, 1, p.bob.events.count("request"))
	return fileID
}

func TestTransferEndToEnd(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	size := ChunkSize*70 + 123
	path, content := writeRandomFile(t, src, size)

	p := newPair()
	fileID := offer(t, p, path)

	req := p.bob.events.events[0]
	assert.Equal(t, fileID, req.fileID)
	assert.Equal(t, "payload.bin", req.path)
	assert.Equal(t, uint64(size), req.total)

	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.settle(t)

	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	for _, side := range []*peer{p.alice, p.bob} {
		assert.Equal(t, 1, side.events.count("completed"), side.id)
		prog := side.events.progress()
		require.NotEmpty(t, prog)
		for i := 1; i < len(prog); i++ {
			assert.Greater(t, prog[i], prog[i-1], "progress must be strictly increasing")
		}
		assert.Equal(t, uint64(size), prog[len(prog)-1])
	}

	accepted := p.alice.events.events[0]
	assert.Equal(t, "accepted", accepted.kind)
	assert.Equal(t, path, accepted.path)

	snap, err := p.alice.mgr.Get("bob", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStateCompleted, snap.State)
	assert.Equal(t, uint64(size), snap.Transferred)
}

// dropOnce drops the first data frame carrying offset.
func dropOnce(q *queueSender, offset uint64) *bool {
	dropped := new(bool)
	q.drop = func(f frame) bool {
		if f.packetType != transport.PacketFileData || *dropped {
			return false
		}
		_, off, _, err := deserializeFileData(f.payload)
		if err == nil && off == offset {
			*dropped = true
			return true
		}
		return false
	}
	return dropped
}

func TestTransferRetransmitsAfterTimeout(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	size := ChunkSize * 10
	path, content := writeRandomFile(t, src, size)

	p := newPair()
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "copy.bin", dst))

	// losing the final chunk produces no duplicate acks, only silence
	dropped := dropOnce(p.alice.out, 9*ChunkSize)
	p.settle(t)
	require.True(t, *dropped)

	snap, err := p.bob.mgr.Get("alice", fileID)
	require.NoError(t, err)
	assert.Equal(t, uint64(9*ChunkSize), snap.Transferred)
	assert.Equal(t, 0, p.bob.events.count("completed"))

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)

	got, err := os.ReadFile(filepath.Join(dst, "copy.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, 1, p.bob.events.count("completed"))
	assert.Equal(t, 1, p.alice.events.count("completed"))
}

func TestTransferRecoversFromDuplicateAcks(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	size := ChunkSize * 10
	path, content := writeRandomFile(t, src, size)

	p := newPair()
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))

	dropped := dropOnce(p.alice.out, 3*ChunkSize)
	p.settle(t)
	require.True(t, *dropped)

	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, 1, p.bob.events.count("completed"))
	assert.Equal(t, 1, p.alice.events.count("completed"))
}

func TestZeroLengthFileCompletesOnAccept(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	p := newPair()
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.settle(t)

	assert.Equal(t, 1, p.bob.events.count("completed"))
	assert.Equal(t, 1, p.alice.events.count("completed"))
	assert.Equal(t, 0, p.bob.events.count("progress"))

	st, err := os.Stat(filepath.Join(dst, "empty.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())
}

func TestDigestMismatchCancels(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, _ := writeRandomFile(t, src, ChunkSize*3)

	p := newPair()
	fileID := offer(t, p, path)

	// alter the file after the digest was taken
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x42}, ChunkSize*3), 0o644))

	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.settle(t)

	snap, err := p.bob.mgr.Get("alice", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStateCanceled, snap.State)
	assert.Less(t, snap.Transferred, snap.FileSize)
	assert.Equal(t, 0, p.bob.events.count("completed"))
	assert.Equal(t, 1, p.bob.events.count("canceled"))
	assert.Equal(t, 1, p.alice.events.count("canceled"))

	_, err = os.Stat(filepath.Join(dst, "payload.bin"))
	assert.True(t, os.IsNotExist(err), "partial file should be removed")
}

func TestPauseResumeCancel(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, content := writeRandomFile(t, src, ChunkSize*100)

	p := newPair()
	p.alice.mgr.SetWindow(4)
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.step()
	p.step()

	require.NoError(t, p.bob.mgr.Pause("alice", fileID))
	p.settle(t)
	assert.Equal(t, 1, p.alice.events.count("paused"))

	before, err := p.bob.mgr.Get("alice", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStatePaused, before.State)
	assert.Less(t, before.Transferred, before.FileSize)

	err = p.bob.mgr.Pause("alice", fileID)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, p.bob.mgr.Resume("alice", fileID))
	p.settle(t)
	assert.Equal(t, 1, p.alice.events.count("resumed"))

	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	err = p.alice.mgr.Cancel("bob", fileID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPauseCompletedTransferFails(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, _ := writeRandomFile(t, src, 10)

	p := newPair()
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.settle(t)

	for _, side := range []struct {
		mgr    *Manager
		friend string
	}{{p.alice.mgr, "bob"}, {p.bob.mgr, "alice"}} {
		err := side.mgr.Pause(side.friend, fileID)
		assert.ErrorIs(t, err, ErrInvalidState)
		snap, err := side.mgr.Get(side.friend, fileID)
		require.NoError(t, err)
		assert.Equal(t, TransferStateCompleted, snap.State)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		state   TransferState
		op      string
		wantErr bool
		want    TransferState
	}{
		{"pause requested", TransferStateRequested, "pause", true, TransferStateRequested},
		{"pause accepted", TransferStateAccepted, "pause", false, TransferStatePaused},
		{"pause running", TransferStateInProgress, "pause", false, TransferStatePaused},
		{"pause paused", TransferStatePaused, "pause", true, TransferStatePaused},
		{"resume running", TransferStateInProgress, "resume", true, TransferStateInProgress},
		{"resume paused", TransferStatePaused, "resume", false, TransferStateInProgress},
		{"cancel requested", TransferStateRequested, "cancel", false, TransferStateCanceled},
		{"cancel paused", TransferStatePaused, "cancel", false, TransferStateCanceled},
		{"cancel completed", TransferStateCompleted, "cancel", true, TransferStateCompleted},
		{"cancel canceled", TransferStateCanceled, "cancel", true, TransferStateCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Transfer{
				Direction:    TransferDirectionOutgoing,
				State:        tt.state,
				pausedBefore: TransferStateInProgress,
			}
			var err error
			switch tt.op {
			case "pause":
				err = tr.pauseLocked()
			case "resume":
				err = tr.resumeLocked(time.Now())
			case "cancel":
				err = tr.cancelLocked(time.Now())
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidState)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, tr.State)
		})
	}
}

func TestPauseFriendOnDisconnect(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, _ := writeRandomFile(t, src, ChunkSize*50)

	p := newPair()
	p.alice.mgr.SetWindow(2)
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.step()

	assert.Equal(t, 1, p.alice.mgr.PauseFriend("bob"))
	assert.Equal(t, 1, p.bob.mgr.PauseFriend("alice"))
	p.alice.mgr.Flush()
	p.bob.mgr.Flush()
	assert.Equal(t, 1, p.alice.events.count("paused"))
	assert.Equal(t, 1, p.bob.events.count("paused"))
	assert.Equal(t, 0, p.alice.mgr.PauseFriend("bob"))

	assert.Equal(t, 1, p.bob.mgr.CancelFriend("alice"))
	p.bob.mgr.Flush()
	assert.Equal(t, 1, p.bob.events.count("canceled"))
}

func TestSendFileErrors(t *testing.T) {
	p := newPair()

	_, err := p.alice.mgr.SendFile("bob", t.TempDir())
	assert.ErrorIs(t, err, ErrNotRegularFile)

	_, err = p.alice.mgr.SendFile("bob", filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))

	path, _ := writeRandomFile(t, t.TempDir(), 8)
	p.alice.out.fail = errors.New("offline")
	_, err = p.alice.mgr.SendFile("bob", path)
	assert.Error(t, err)
	assert.Empty(t, p.alice.mgr.List("bob"))
}

func TestAcceptErrors(t *testing.T) {
	p := newPair()
	err := p.bob.mgr.Accept("alice", "nope", "", t.TempDir())
	assert.ErrorIs(t, err, ErrTransferNotFound)

	path, _ := writeRandomFile(t, t.TempDir(), 8)
	fileID := offer(t, p, path)

	err = p.bob.mgr.Accept("alice", fileID, "../evil", t.TempDir())
	assert.Error(t, err)

	err = p.alice.mgr.Accept("bob", fileID, "", t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestValidateFileName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr error
	}{
		{"report.pdf", nil},
		{"a..b", nil},
		{"", ErrInvalidFileName},
		{"..", ErrInvalidFileName},
		{"dir/file", ErrDirectoryTraversal},
		{`dir\file`, ErrDirectoryTraversal},
		{string(bytes.Repeat([]byte("x"), MaxFileNameLength+1)), ErrFileNameTooLong},
	}
	for _, tt := range tests {
		err := ValidateFileName(tt.name)
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.name)
		} else {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
		}
	}

	_, err := ValidatePath("/tmp/../etc/passwd")
	assert.NoError(t, err, "cleaned absolute path has no traversal")
	_, err = ValidatePath("../etc/passwd")
	assert.ErrorIs(t, err, ErrDirectoryTraversal)
}

func TestMalformedFrames(t *testing.T) {
	_, err := deserializeFileRequest([]byte{5, 'a'})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, _, _, err = deserializeFileData(serializeFileData("id", 0, nil))
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, _, _, err = deserializeFileData(serializeFileData("id", 0, make([]byte, ChunkSize+1)))
	assert.ErrorIs(t, err, ErrMalformedPacket)

	id, c, err := deserializeFileControl(serializeFileControl("abc", ControlResume))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, ControlResume, c)
}

// dropFirst drops the first frame that match accepts.
func dropFirst(q *queueSender, match func(frame) bool) *bool {
	dropped := new(bool)
	q.drop = func(f frame) bool {
		if *dropped || !match(f) {
			return false
		}
		*dropped = true
		return true
	}
	return dropped
}

func isPacket(pt transport.PacketType) func(frame) bool {
	return func(f frame) bool { return f.packetType == pt }
}

func isControl(c Control) func(frame) bool {
	return func(f frame) bool {
		if f.packetType != transport.PacketFileControl {
			return false
		}
		_, got, err := deserializeFileControl(f.payload)
		return err == nil && got == c
	}
}

func TestLostFinalAckIsRepeated(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	size := ChunkSize * 4
	path, content := writeRandomFile(t, src, size)

	p := newPair()
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))

	dropped := dropFirst(p.bob.out, func(f frame) bool {
		if f.packetType != transport.PacketFileDataAck {
			return false
		}
		_, received, err := deserializeFileDataAck(f.payload)
		return err == nil && received == uint64(size)
	})
	p.settle(t)
	require.True(t, *dropped)

	snap, err := p.alice.mgr.Get("bob", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStateInProgress, snap.State)
	assert.Equal(t, 1, p.bob.events.count("completed"))
	assert.Equal(t, 0, p.alice.events.count("completed"))

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)

	snap, err = p.alice.mgr.Get("bob", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStateCompleted, snap.State)
	assert.Equal(t, uint64(size), snap.Transferred)
	assert.Equal(t, 1, p.alice.events.count("completed"))
	assert.Equal(t, 1, p.bob.events.count("completed"))

	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestLostOfferAndAcceptAreRepeated(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, content := writeRandomFile(t, src, ChunkSize*3)

	p := newPair()
	droppedOffer := dropFirst(p.alice.out, isPacket(transport.PacketFileRequest))
	fileID, err := p.alice.mgr.SendFile("bob", path)
	require.NoError(t, err)
	p.settle(t)
	require.True(t, *droppedOffer)
	assert.Equal(t, 0, p.bob.events.count("request"))

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)
	require.Equal(t, 1, p.bob.events.count("request"))

	droppedAccept := dropFirst(p.bob.out, isPacket(transport.PacketFileAccept))
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.settle(t)
	require.True(t, *droppedAccept)

	snap, err := p.alice.mgr.Get("bob", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStateRequested, snap.State)

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)

	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, 1, p.bob.events.count("request"))
	assert.Equal(t, 1, p.alice.events.count("accepted"))
	assert.Equal(t, 1, p.alice.events.count("completed"))
	assert.Equal(t, 1, p.bob.events.count("completed"))
}

func TestLostAcceptOfEmptyFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	p := newPair()
	fileID := offer(t, p, path)
	dropFirst(p.bob.out, isPacket(transport.PacketFileAccept))
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.settle(t)
	assert.Equal(t, 1, p.bob.events.count("completed"))
	assert.Equal(t, 0, p.alice.events.count("completed"))

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)
	assert.Equal(t, 1, p.alice.events.count("completed"))
	assert.Equal(t, 1, p.bob.events.count("completed"))
}

func TestLostResumeIsResent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, content := writeRandomFile(t, src, ChunkSize*100)

	p := newPair()
	p.alice.mgr.SetWindow(4)
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	require.NoError(t, p.bob.mgr.Pause("alice", fileID))
	p.settle(t)
	require.Equal(t, 1, p.alice.events.count("paused"))

	dropped := dropFirst(p.bob.out, isControl(ControlResume))
	require.NoError(t, p.bob.mgr.Resume("alice", fileID))
	p.settle(t)
	require.True(t, *dropped)

	snap, err := p.alice.mgr.Get("bob", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStatePaused, snap.State)

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)

	assert.Equal(t, 1, p.alice.events.count("resumed"))
	assert.Equal(t, 1, p.alice.events.count("completed"))
	assert.Equal(t, 1, p.bob.events.count("completed"))
	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestLostPauseAndCancelAreResent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path, _ := writeRandomFile(t, src, ChunkSize*50)

	p := newPair()
	p.alice.mgr.SetWindow(4)
	fileID := offer(t, p, path)
	require.NoError(t, p.bob.mgr.Accept("alice", fileID, "", dst))
	p.step()
	p.step()

	dropFirst(p.bob.out, isControl(ControlPause))
	require.NoError(t, p.bob.mgr.Pause("alice", fileID))
	p.settle(t)
	assert.Equal(t, 0, p.alice.events.count("paused"))

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)
	assert.Equal(t, 1, p.alice.events.count("paused"))
	snap, err := p.alice.mgr.Get("bob", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStatePaused, snap.State)

	dropFirst(p.alice.out, isControl(ControlCancel))
	require.NoError(t, p.alice.mgr.Cancel("bob", fileID))
	p.settle(t)
	assert.Equal(t, 0, p.bob.events.count("canceled"))

	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.settle(t)
	assert.Equal(t, 1, p.bob.events.count("canceled"))
	snap, err = p.bob.mgr.Get("alice", fileID)
	require.NoError(t, err)
	assert.Equal(t, TransferStateCanceled, snap.State)
	_, err = os.Stat(filepath.Join(dst, "payload.bin"))
	assert.True(t, os.IsNotExist(err), "partial file should be removed")

	// the confirmation stops the resends
	p.clock.advance(2 * DefaultRetransmitTimeout)
	p.alice.mgr.Pump()
	assert.Empty(t, p.alice.out.take())
}

func TestControlConfirmation(t *testing.T) {
	p := newPair()
	err := p.bob.mgr.HandleControl("alice", serializeFileControl("unknown", ControlCancel))
	assert.ErrorIs(t, err, ErrTransferNotFound)
	frames := p.bob.out.take()
	require.Len(t, frames, 1)
	_, c, err := deserializeFileControl(frames[0].payload)
	require.NoError(t, err)
	assert.True(t, c.confirmation())
	assert.Equal(t, ControlCancel, c.base())
	assert.Equal(t, "cancel_confirmed", c.String())

	err = p.bob.mgr.HandleControl("alice", serializeFileControl("unknown", Control(9)))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
