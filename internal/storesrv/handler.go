package storesrv

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/wire"
)

// Handler serves one proxy's PROXY_READ_REQUEST/PROXY_WRITE_REQUEST
// traffic against a Store. The proxy opens exactly one persistent
// connection per server (see transport.Conn) and pipelines requests on
// it; Serve answers them strictly in the order they arrive, which is
// what lets the proxy demultiplex replies by send order without a
// request id on the wire (spec §6 carries none).
type Handler struct {
	store     *Store
	height    int
	numLeaves uint64
	logger    *log.Logger
}

// NewHandler builds a Handler over store, for a tree of the given
// shape.
func NewHandler(store *Store, height int, numLeaves uint64, logger *log.Logger) *Handler {
	return &Handler{store: store, height: height, numLeaves: numLeaves, logger: logger}
}

// Serve reads frames from conn until it closes or a framing error
// occurs, answering each one in turn. It blocks until the connection
// ends, so callers run it in its own goroutine per accepted
// connection.
func (h *Handler) Serve(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	for {
		msgType, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Printf("storesrv: %s: %v", remote, err)
			}
			return
		}

		resp, respType, err := h.handle(msgType, payload)
		if err != nil {
			h.logger.Printf("storesrv: %s: %v", remote, err)
			return
		}
		if err := wire.WriteFrame(conn, respType, resp); err != nil {
			h.logger.Printf("storesrv: %s: write response: %v", remote, err)
			return
		}
	}
}

func (h *Handler) handle(msgType wire.MessageType, payload []byte) ([]byte, wire.MessageType, error) {
	switch msgType {
	case wire.ProxyReadRequest:
		return h.handleRead(payload)
	case wire.ProxyWriteRequest:
		return h.handleWrite(payload)
	default:
		return nil, 0, fmt.Errorf("storesrv: unexpected message type %d", msgType)
	}
}

func (h *Handler) handleRead(payload []byte) ([]byte, wire.MessageType, error) {
	msg, err := wire.UnmarshalProxyReadRequest(payload)
	if err != nil {
		return nil, 0, err
	}
	indices := block.RootFirstPathIndices(h.height, h.numLeaves, msg.RelativeLeaf)
	pathBytes, err := h.store.ReadPath(indices)
	if err != nil {
		return nil, 0, err
	}
	resp := wire.ServerResponseReadMsg{Leaf: msg.RelativeLeaf, EncryptedPathBytes: pathBytes}
	return resp.Marshal(), wire.ServerResponseRead, nil
}

func (h *Handler) handleWrite(payload []byte) ([]byte, wire.MessageType, error) {
	msg, err := wire.UnmarshalProxyWriteRequest(payload)
	if err != nil {
		return nil, 0, err
	}

	cipherSize := int(msg.PathSize) / h.height
	off := 0
	for _, relLeaf := range msg.RelativeLeafIDs {
		indices := block.RootFirstPathIndices(h.height, h.numLeaves, relLeaf)
		pathLen := len(indices) * cipherSize
		if off+pathLen > len(msg.ConcatenatedPaths) {
			ack := wire.ServerResponseWriteMsg{Status: wire.StatusError}
			return ack.Marshal(), wire.ServerResponseWrite, nil
		}
		if err := h.store.WritePaths(indices, msg.ConcatenatedPaths[off:off+pathLen]); err != nil {
			ack := wire.ServerResponseWriteMsg{Status: wire.StatusError}
			return ack.Marshal(), wire.ServerResponseWrite, nil
		}
		off += pathLen
	}

	ack := wire.ServerResponseWriteMsg{Status: wire.StatusOK}
	return ack.Marshal(), wire.ServerResponseWrite, nil
}
