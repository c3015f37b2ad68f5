// Package transport implements the proxy-side networking spec §4.8
// names as external collaborators: a persistent connection per storage
// server satisfying "net.send(server, msg) -> future<response>", and a
// thin per-client reply wrapper for "net.reply_to_client". The
// proxy<->server wire format (spec §6) carries no request id, so a
// ServerLink matches replies to requests by send order: concurrent
// callers serialize their writes behind a mutex, several requests may
// be outstanding on the wire at once, and each caller gets its own
// future, fulfilled in send order by a single reader goroutine — the
// standard Go idiom for pipelining a framed protocol
// over one net.Conn (the same shape the wire package's own frame.go
// doc comment describes: encoding/binary over net.Conn, no codegen).
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
	"github.com/etclab/pathoram-proxy/internal/wire"
)

// Response is one frame read back from a storage server.
type Response struct {
	Type    wire.MessageType
	Payload []byte
	Err     error
}

// ServerLink is the interface the Processor consumes for each storage
// server; a real connection (below) or a test double can implement it.
type ServerLink interface {
	Send(ctx context.Context, msgType wire.MessageType, payload []byte) (<-chan Response, error)
	Close() error
}

// Conn is a ServerLink backed by a persistent TCP connection. It does
// not reconnect: once a read error has failed the pending futures,
// every later Send returns ErrClosed. Retrying with exponential backoff
// (spec §7) is left to the caller.
type Conn struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	pending []chan Response

	dialTimeout time.Duration
}

// Dial establishes a persistent connection to a storage server at
// addr.
func Dial(addr string) (*Conn, error) {
	c := &Conn{addr: addr, dialTimeout: 5 * time.Second}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Send frames and writes a request, returning a channel that receives
// exactly one Response once the matching reply is read back. Because
// the wire protocol has no request id, replies are matched to requests
// strictly in send order — callers must not assume Send is safe to
// call concurrently with itself ahead of earlier calls' replies if
// ordering matters to them; the per-server link serializes writes
// internally so this is always correct, only potentially head-of-line
// blocked.
func (c *Conn) Send(ctx context.Context, msgType wire.MessageType, payload []byte) (<-chan Response, error) {
	ch := make(chan Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: %s: %w", c.addr, pathoramerr.ErrClosed)
	}
	c.pending = append(c.pending, ch)
	err := wire.WriteFrame(conn, msgType, payload)
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("transport: send to %s: %w", c.addr, err)
	}
	return ch, nil
}

// readLoop demultiplexes frames off the wire onto pending futures in
// FIFO order; a read error fulfils every still-pending future with
// that error and tears the connection down so the next Send reports
// ErrClosed instead of hanging.
func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, payload, err := wire.ReadFrame(conn)
		if err != nil {
			c.failAll(err)
			return
		}

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			continue
		}
		ch := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		ch <- Response{Type: msgType, Payload: payload}
		close(ch)
	}
}

func (c *Conn) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.conn = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Response{Err: err}
		close(ch)
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
