package carrier

import (
	"github.com/opd-ai/carrier/file"
	"github.com/opd-ai/carrier/friend"
)

// SendFileRequest offers the file at path to a connected friend and returns
// the new transfer's ID. Data flows once the friend accepts.
func (c *Carrier) SendFileRequest(friendID, path string) (string, error) {
	const op = "SendFileRequest"
	if c.isDone() {
		return "", c.failKind(op, ErrOperation, errKilled)
	}
	if !c.friends.Exists(friendID) {
		return "", c.fail(op, friend.ErrNotFound)
	}
	fileID, err := c.files.SendFile(friendID, path)
	if err != nil {
		return "", c.fail(op, err)
	}
	return fileID, nil
}

// AcceptFile commits an offered file to localPath. If localPath is a
// directory, filename is joined to it.
func (c *Carrier) AcceptFile(friendID, fileID, filename, localPath string) error {
	if err := c.files.Accept(friendID, fileID, filename, localPath); err != nil {
		return c.fail("AcceptFile", err)
	}
	return nil
}

// PauseFile pauses an accepted or running transfer.
func (c *Carrier) PauseFile(friendID, fileID string) error {
	if err := c.files.Pause(friendID, fileID); err != nil {
		return c.fail("PauseFile", err)
	}
	return nil
}

// ResumeFile resumes a paused transfer.
func (c *Carrier) ResumeFile(friendID, fileID string) error {
	if err := c.files.Resume(friendID, fileID); err != nil {
		return c.fail("ResumeFile", err)
	}
	return nil
}

// CancelFile abandons a transfer that has not finished.
func (c *Carrier) CancelFile(friendID, fileID string) error {
	if err := c.files.Cancel(friendID, fileID); err != nil {
		return c.fail("CancelFile", err)
	}
	return nil
}

// FileTransfer returns the current state of a transfer.
func (c *Carrier) FileTransfer(friendID, fileID string) (file.Snapshot, error) {
	snap, err := c.files.Get(friendID, fileID)
	if err != nil {
		return file.Snapshot{}, c.fail("FileTransfer", err)
	}
	return snap, nil
}

// fileEvents turns file manager notifications into handler callbacks.
type fileEvents struct {
	c *Carrier
}

func (e fileEvents) OnFileRequest(friendID, fileID, fileName string, size uint64) {
	e.c.emit(func(h Handler) { h.OnFriendFileRequest(e.c, friendID, fileID, fileName, size) })
}

func (e fileEvents) OnFileAccepted(friendID, fileID, path string, size uint64) {
	e.c.emit(func(h Handler) { h.OnFriendFileAccepted(e.c, friendID, fileID, path, size) })
}

func (e fileEvents) OnFilePaused(friendID, fileID string) {
	e.c.emit(func(h Handler) { h.OnFriendFilePaused(e.c, friendID, fileID) })
}

func (e fileEvents) OnFileResumed(friendID, fileID string) {
	e.c.emit(func(h Handler) { h.OnFriendFileResumed(e.c, friendID, fileID) })
}

func (e fileEvents) OnFileCanceled(friendID, fileID string) {
	e.c.emit(func(h Handler) { h.OnFriendFileCanceled(e.c, friendID, fileID) })
}

func (e fileEvents) OnFileCompleted(friendID, fileID string) {
	e.c.emit(func(h Handler) { h.OnFriendFileCompleted(e.c, friendID, fileID) })
}

func (e fileEvents) OnFileProgress(friendID, fileID, path string, total, transferred uint64) {
	e.c.emit(func(h Handler) { h.OnFriendFileProgress(e.c, friendID, fileID, path, total, transferred) })
}
