package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/etclab/pathoram-proxy/internal/wire"
)

func TestConnSendReceivesMatchingResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Conn{addr: "pipe", conn: client, dialTimeout: time.Second}
	go c.readLoop()

	go func() {
		msgType, payload, err := wire.ReadFrame(server)
		if err != nil {
			t.Errorf("server ReadFrame() error = %v", err)
			return
		}
		if msgType != wire.ProxyReadRequest {
			t.Errorf("server saw type %d, want ProxyReadRequest", msgType)
		}
		reply := wire.ServerResponseReadMsg{Leaf: 9, EncryptedPathBytes: payload}
		if err := wire.WriteFrame(server, wire.ServerResponseRead, reply.Marshal()); err != nil {
			t.Errorf("server WriteFrame() error = %v", err)
		}
	}()

	req := wire.ProxyReadRequestMsg{RelativeLeaf: 3}
	ch, err := c.Send(context.Background(), wire.ProxyReadRequest, req.Marshal())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			t.Fatalf("response error = %v", resp.Err)
		}
		if resp.Type != wire.ServerResponseRead {
			t.Errorf("response type = %d, want ServerResponseRead", resp.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestConnSendAfterCloseFails(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	c := &Conn{addr: "pipe", conn: client, dialTimeout: time.Second}
	go c.readLoop()

	// The peer closing should eventually fail the read loop and clear
	// conn; poll briefly since this happens on another goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.Send(context.Background(), wire.ProxyReadRequest, nil); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Send() after peer close never failed")
		}
		time.Sleep(time.Millisecond)
	}
}
