// Package wire implements the client<->proxy and proxy<->server wire
// protocol of spec §6: every message is framed as
// [message_type: u32 big-endian][payload_length: u32 big-endian]
// [payload: bytes], with all multi-byte payload fields big-endian.
// There is no teacher file to ground the framing itself on — the
// teacher library never left a single process — so this follows the
// spec's byte layout directly, in the idiom the example pack's
// networked services use for length-prefixed messages (encoding/binary
// over a net.Conn, no codegen, no reflection).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
)

// MessageType identifies the payload that follows a frame header.
type MessageType uint32

const (
	ClientReadRequest  MessageType = 1
	ClientWriteRequest MessageType = 2
	ProxyResponseRead  MessageType = 3
	ProxyResponseWrite MessageType = 4

	ProxyReadRequest   MessageType = 10
	ProxyWriteRequest  MessageType = 11
	ServerResponseRead MessageType = 12
	ServerResponseWrite MessageType = 13
)

// maxPayload bounds a single frame's payload so a corrupt length field
// can't make ReadFrame allocate unbounded memory; large enough for a
// full write-back batch of many paths.
const maxPayload = 256 << 20 // 256 MiB

// WriteFrame writes a single [type][length][payload] frame to w.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(msgType))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a single frame from r, returning its type and
// payload. Returns io.EOF only if the connection closed cleanly before
// any bytes of a new frame arrived (matching io.Reader convention for
// callers looping on ReadFrame); a partial header/payload is
// ErrFraming.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("%w: read header: %v", pathoramerr.ErrFraming, err)
	}

	msgType := MessageType(binary.BigEndian.Uint32(header[0:4]))
	length := binary.BigEndian.Uint32(header[4:8])
	if length > maxPayload {
		return 0, nil, fmt.Errorf("%w: payload length %d exceeds max %d", pathoramerr.ErrFraming, length, maxPayload)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("%w: read payload: %v", pathoramerr.ErrFraming, err)
		}
	}
	return msgType, payload, nil
}
