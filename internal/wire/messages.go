package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
)

// ClientReadMsg is CLIENT_READ_REQUEST's payload: request_id: u64,
// block_id: u64, client_host_port.
type ClientReadMsg struct {
	RequestID      uint64
	BlockID        uint64
	ClientHostPort string
}

// Marshal encodes m per spec §6.
func (m ClientReadMsg) Marshal() []byte {
	hp := []byte(m.ClientHostPort)
	buf := make([]byte, 8+8+2+len(hp))
	binary.BigEndian.PutUint64(buf[0:8], m.RequestID)
	binary.BigEndian.PutUint64(buf[8:16], m.BlockID)
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(hp)))
	copy(buf[18:], hp)
	return buf
}

// UnmarshalClientRead decodes a ClientReadMsg.
func UnmarshalClientRead(payload []byte) (ClientReadMsg, error) {
	if len(payload) < 18 {
		return ClientReadMsg{}, pathoramerr.ErrFraming
	}
	hpLen := int(binary.BigEndian.Uint16(payload[16:18]))
	if len(payload) != 18+hpLen {
		return ClientReadMsg{}, pathoramerr.ErrFraming
	}
	return ClientReadMsg{
		RequestID:      binary.BigEndian.Uint64(payload[0:8]),
		BlockID:        binary.BigEndian.Uint64(payload[8:16]),
		ClientHostPort: string(payload[18 : 18+hpLen]),
	}, nil
}

// ClientWriteMsg is CLIENT_WRITE_REQUEST's payload: request_id: u64,
// block_id: u64, data: B bytes, client_host_port.
type ClientWriteMsg struct {
	RequestID      uint64
	BlockID        uint64
	Data           []byte
	ClientHostPort string
}

// Marshal encodes m per spec §6.
func (m ClientWriteMsg) Marshal() []byte {
	hp := []byte(m.ClientHostPort)
	buf := make([]byte, 8+8+len(m.Data)+2+len(hp))
	binary.BigEndian.PutUint64(buf[0:8], m.RequestID)
	binary.BigEndian.PutUint64(buf[8:16], m.BlockID)
	copy(buf[16:16+len(m.Data)], m.Data)
	off := 16 + len(m.Data)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(hp)))
	copy(buf[off+2:], hp)
	return buf
}

// UnmarshalClientWrite decodes a ClientWriteMsg whose data field is
// blockSize bytes long.
func UnmarshalClientWrite(payload []byte, blockSize int) (ClientWriteMsg, error) {
	want := 16 + blockSize + 2
	if len(payload) < want {
		return ClientWriteMsg{}, pathoramerr.ErrFraming
	}
	data := make([]byte, blockSize)
	copy(data, payload[16:16+blockSize])
	off := 16 + blockSize
	hpLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
	if len(payload) != off+2+hpLen {
		return ClientWriteMsg{}, pathoramerr.ErrFraming
	}
	return ClientWriteMsg{
		RequestID:      binary.BigEndian.Uint64(payload[0:8]),
		BlockID:        binary.BigEndian.Uint64(payload[8:16]),
		Data:           data,
		ClientHostPort: string(payload[off+2 : off+2+hpLen]),
	}, nil
}

// ProxyResponseReadMsg is PROXY_RESPONSE (read)'s payload:
// request_id: u64, data: B bytes.
type ProxyResponseReadMsg struct {
	RequestID uint64
	Data      []byte
}

// Marshal encodes m per spec §6.
func (m ProxyResponseReadMsg) Marshal() []byte {
	buf := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint64(buf[0:8], m.RequestID)
	copy(buf[8:], m.Data)
	return buf
}

// UnmarshalProxyResponseRead decodes a ProxyResponseReadMsg whose data
// field is blockSize bytes long.
func UnmarshalProxyResponseRead(payload []byte, blockSize int) (ProxyResponseReadMsg, error) {
	if len(payload) != 8+blockSize {
		return ProxyResponseReadMsg{}, pathoramerr.ErrFraming
	}
	data := make([]byte, blockSize)
	copy(data, payload[8:])
	return ProxyResponseReadMsg{RequestID: binary.BigEndian.Uint64(payload[0:8]), Data: data}, nil
}

// ProxyResponseWriteMsg is PROXY_RESPONSE (write)'s payload:
// request_id: u64, status: u8.
type ProxyResponseWriteMsg struct {
	RequestID uint64
	Status    uint8
}

// Marshal encodes m per spec §6.
func (m ProxyResponseWriteMsg) Marshal() []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:8], m.RequestID)
	buf[8] = m.Status
	return buf
}

// UnmarshalProxyResponseWrite decodes a ProxyResponseWriteMsg.
func UnmarshalProxyResponseWrite(payload []byte) (ProxyResponseWriteMsg, error) {
	if len(payload) != 9 {
		return ProxyResponseWriteMsg{}, pathoramerr.ErrFraming
	}
	return ProxyResponseWriteMsg{
		RequestID: binary.BigEndian.Uint64(payload[0:8]),
		Status:    payload[8],
	}, nil
}

// ProxyReadRequestMsg is PROXY_READ_REQUEST's payload: relative_leaf: u64.
type ProxyReadRequestMsg struct {
	RelativeLeaf uint64
}

// Marshal encodes m per spec §6.
func (m ProxyReadRequestMsg) Marshal() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, m.RelativeLeaf)
	return buf
}

// UnmarshalProxyReadRequest decodes a ProxyReadRequestMsg.
func UnmarshalProxyReadRequest(payload []byte) (ProxyReadRequestMsg, error) {
	if len(payload) != 8 {
		return ProxyReadRequestMsg{}, pathoramerr.ErrFraming
	}
	return ProxyReadRequestMsg{RelativeLeaf: binary.BigEndian.Uint64(payload)}, nil
}

// ProxyWriteRequestMsg is PROXY_WRITE_REQUEST's payload. Spec §6 gives
// the bare layout "path_size: u32, concatenated_encrypted_paths";
// §4.4.4 additionally names a count and the relative leaf ids the
// batch covers ("{ count, concatenated ciphertexts, relative_leaf_ids
// }"). This type carries both: PathSize is the fixed encrypted-path
// length in bytes, Count*PathSize == len(ConcatenatedPaths).
type ProxyWriteRequestMsg struct {
	Count             uint32
	PathSize          uint32
	RelativeLeafIDs   []uint64
	ConcatenatedPaths []byte
}

// Marshal encodes m.
func (m ProxyWriteRequestMsg) Marshal() []byte {
	buf := make([]byte, 4+4+8*len(m.RelativeLeafIDs)+len(m.ConcatenatedPaths))
	binary.BigEndian.PutUint32(buf[0:4], m.Count)
	binary.BigEndian.PutUint32(buf[4:8], m.PathSize)
	off := 8
	for _, leaf := range m.RelativeLeafIDs {
		binary.BigEndian.PutUint64(buf[off:off+8], leaf)
		off += 8
	}
	copy(buf[off:], m.ConcatenatedPaths)
	return buf
}

// UnmarshalProxyWriteRequest decodes a ProxyWriteRequestMsg.
func UnmarshalProxyWriteRequest(payload []byte) (ProxyWriteRequestMsg, error) {
	if len(payload) < 8 {
		return ProxyWriteRequestMsg{}, pathoramerr.ErrFraming
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	pathSize := binary.BigEndian.Uint32(payload[4:8])
	off := 8
	leafBytes := int(count) * 8
	if len(payload) < off+leafBytes {
		return ProxyWriteRequestMsg{}, pathoramerr.ErrFraming
	}
	leaves := make([]uint64, count)
	for i := range leaves {
		leaves[i] = binary.BigEndian.Uint64(payload[off : off+8])
		off += 8
	}
	want := off + int(count)*int(pathSize)
	if len(payload) != want {
		return ProxyWriteRequestMsg{}, fmt.Errorf("%w: write-batch payload length %d, want %d", pathoramerr.ErrFraming, len(payload), want)
	}
	paths := make([]byte, len(payload)-off)
	copy(paths, payload[off:])
	return ProxyWriteRequestMsg{Count: count, PathSize: pathSize, RelativeLeafIDs: leaves, ConcatenatedPaths: paths}, nil
}

// ServerResponseReadMsg is SERVER_RESPONSE (read)'s payload: leaf: u64,
// encrypted_path_bytes.
type ServerResponseReadMsg struct {
	Leaf              uint64
	EncryptedPathBytes []byte
}

// Marshal encodes m.
func (m ServerResponseReadMsg) Marshal() []byte {
	buf := make([]byte, 8+len(m.EncryptedPathBytes))
	binary.BigEndian.PutUint64(buf[0:8], m.Leaf)
	copy(buf[8:], m.EncryptedPathBytes)
	return buf
}

// UnmarshalServerResponseRead decodes a ServerResponseReadMsg.
func UnmarshalServerResponseRead(payload []byte) (ServerResponseReadMsg, error) {
	if len(payload) < 8 {
		return ServerResponseReadMsg{}, pathoramerr.ErrFraming
	}
	out := make([]byte, len(payload)-8)
	copy(out, payload[8:])
	return ServerResponseReadMsg{Leaf: binary.BigEndian.Uint64(payload[0:8]), EncryptedPathBytes: out}, nil
}

// ServerResponseWriteMsg is SERVER_RESPONSE (write)'s payload: status: u8.
type ServerResponseWriteMsg struct {
	Status uint8
}

// Marshal encodes m.
func (m ServerResponseWriteMsg) Marshal() []byte {
	return []byte{m.Status}
}

// UnmarshalServerResponseWrite decodes a ServerResponseWriteMsg.
func UnmarshalServerResponseWrite(payload []byte) (ServerResponseWriteMsg, error) {
	if len(payload) != 1 {
		return ServerResponseWriteMsg{}, pathoramerr.ErrFraming
	}
	return ServerResponseWriteMsg{Status: payload[0]}, nil
}

// Status values used by write-response payloads.
const (
	StatusOK    uint8 = 0
	StatusError uint8 = 1
)
