package file

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPacket is returned when a file packet cannot be decoded.
var ErrMalformedPacket = errors.New("malformed file packet")

// Control is a transfer control signal.
type Control uint8

const (
	// ControlPause asks the peer to stop sending or expecting data.
	ControlPause Control = iota + 1
	// ControlResume continues a paused transfer.
	ControlResume
	// ControlCancel abandons the transfer.
	ControlCancel

	// controlConfirmed marks the echo of a received signal.
	controlConfirmed Control = 0x80
)

func (c Control) confirmation() bool {
	return c&controlConfirmed != 0
}

func (c Control) base() Control {
	return c &^ controlConfirmed
}

func (c Control) String() string {
	if c.confirmation() {
		return c.base().String() + "_confirmed"
	}
	switch c {
	case ControlPause:
		return "pause"
	case ControlResume:
		return "resume"
	case ControlCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type requestFrame struct {
	FileID   string
	FileSize uint64
	Digest   [DigestSize]byte
	FileName string
}

// All frames start with the file ID: [id_len (1 byte)][id].

func putID(buf []byte, id string) int {
	buf[0] = byte(len(id))
	copy(buf[1:], id)
	return 1 + len(id)
}

func readID(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, ErrMalformedPacket
	}
	n := int(data[0])
	if n == 0 || len(data) < 1+n {
		return "", nil, ErrMalformedPacket
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

// serializeFileRequest creates a file request packet payload.
func serializeFileRequest(r requestFrame) []byte {
	// Format: [id][file_size (8 bytes)][digest (32 bytes)][name_len (2 bytes)][file_name]
	data := make([]byte, 1+len(r.FileID)+8+DigestSize+2+len(r.FileName))
	off := putID(data, r.FileID)
	binary.BigEndian.PutUint64(data[off:], r.FileSize)
	off += 8
	copy(data[off:], r.Digest[:])
	off += DigestSize
	binary.BigEndian.PutUint16(data[off:], uint16(len(r.FileName)))
	off += 2
	copy(data[off:], r.FileName)
	return data
}

// deserializeFileRequest parses a file request packet payload.
func deserializeFileRequest(data []byte) (requestFrame, error) {
	var r requestFrame
	id, rest, err := readID(data)
	if err != nil {
		return r, err
	}
	if len(rest) < 8+DigestSize+2 {
		return r, ErrMalformedPacket
	}
	r.FileID = id
	r.FileSize = binary.BigEndian.Uint64(rest[0:8])
	copy(r.Digest[:], rest[8:8+DigestSize])
	nameLen := int(binary.BigEndian.Uint16(rest[8+DigestSize:]))
	rest = rest[8+DigestSize+2:]
	if len(rest) != nameLen {
		return r, ErrMalformedPacket
	}
	r.FileName = string(rest)
	return r, nil
}

func serializeFileAccept(fileID string) []byte {
	data := make([]byte, 1+len(fileID))
	putID(data, fileID)
	return data
}

func deserializeFileAccept(data []byte) (string, error) {
	id, rest, err := readID(data)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", ErrMalformedPacket
	}
	return id, nil
}

func serializeFileControl(fileID string, c Control) []byte {
	data := make([]byte, 1+len(fileID)+1)
	off := putID(data, fileID)
	data[off] = byte(c)
	return data
}

func deserializeFileControl(data []byte) (string, Control, error) {
	id, rest, err := readID(data)
	if err != nil {
		return "", 0, err
	}
	if len(rest) != 1 {
		return "", 0, ErrMalformedPacket
	}
	return id, Control(rest[0]), nil
}

// serializeFileData creates a file data packet payload.
func serializeFileData(fileID string, offset uint64, chunk []byte) []byte {
	// Format: [id][offset (8 bytes)][chunk_data]
	data := make([]byte, 1+len(fileID)+8+len(chunk))
	off := putID(data, fileID)
	binary.BigEndian.PutUint64(data[off:], offset)
	copy(data[off+8:], chunk)
	return data
}

// deserializeFileData parses a file data packet payload. The chunk aliases data.
func deserializeFileData(data []byte) (string, uint64, []byte, error) {
	id, rest, err := readID(data)
	if err != nil {
		return "", 0, nil, err
	}
	if len(rest) < 8+1 || len(rest) > 8+ChunkSize {
		return "", 0, nil, ErrMalformedPacket
	}
	return id, binary.BigEndian.Uint64(rest[0:8]), rest[8:], nil
}

// serializeFileDataAck creates a file data acknowledgment packet payload.
func serializeFileDataAck(fileID string, bytesReceived uint64) []byte {
	// Format: [id][bytes_received (8 bytes)]
	data := make([]byte, 1+len(fileID)+8)
	off := putID(data, fileID)
	binary.BigEndian.PutUint64(data[off:], bytesReceived)
	return data
}

func deserializeFileDataAck(data []byte) (string, uint64, error) {
	id, rest, err := readID(data)
	if err != nil {
		return "", 0, err
	}
	if len(rest) != 8 {
		return "", 0, ErrMalformedPacket
	}
	return id, binary.BigEndian.Uint64(rest), nil
}
