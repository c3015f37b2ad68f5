package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/etclab/pathoram-proxy/internal/wire"
)

// ClientConn wraps one accepted client socket for the reply half of
// "net.reply_to_client" (spec §6): every read reply carries the
// requester's request_id and data, every write reply carries the
// request_id and a status byte. Writes are serialized since the
// Sequencer's single worker goroutine is the only caller in practice,
// but the mutex makes that an enforced invariant rather than an
// assumption.
type ClientConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewClientConn wraps an accepted connection.
func NewClientConn(conn net.Conn) *ClientConn {
	return &ClientConn{conn: conn}
}

// ReplyRead writes a PROXY_RESPONSE (read) frame.
func (c *ClientConn) ReplyRead(requestID uint64, data []byte) error {
	msg := wire.ProxyResponseReadMsg{RequestID: requestID, Data: data}
	return c.write(wire.ProxyResponseRead, msg.Marshal())
}

// ReplyWrite writes a PROXY_RESPONSE (write) frame.
func (c *ClientConn) ReplyWrite(requestID uint64, ok bool) error {
	status := wire.StatusOK
	if !ok {
		status = wire.StatusError
	}
	msg := wire.ProxyResponseWriteMsg{RequestID: requestID, Status: status}
	return c.write(wire.ProxyResponseWrite, msg.Marshal())
}

func (c *ClientConn) write(msgType wire.MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteFrame(c.conn, msgType, payload); err != nil {
		return fmt.Errorf("transport: reply to client: %w", err)
	}
	return nil
}

// ReadFrame reads the next client-submitted frame.
func (c *ClientConn) ReadFrame() (wire.MessageType, []byte, error) {
	return wire.ReadFrame(c.conn)
}

// Close closes the underlying socket.
func (c *ClientConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the client's address as host:port.
func (c *ClientConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
