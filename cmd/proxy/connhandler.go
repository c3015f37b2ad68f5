package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/google/uuid"

	"github.com/etclab/pathoram-proxy/internal/coalescer"
	"github.com/etclab/pathoram-proxy/internal/processor"
	"github.com/etclab/pathoram-proxy/internal/sequencer"
	"github.com/etclab/pathoram-proxy/internal/transport"
	"github.com/etclab/pathoram-proxy/internal/wire"
)

// clientResponder adapts a transport.ClientConn into a
// sequencer.Responder, recovering each request's client-visible
// request_id from the *coalescer.Request the Sequencer hands back.
type clientResponder struct {
	conn   *transport.ClientConn
	logger *log.Logger
}

func (r *clientResponder) ReplyRead(req sequencer.Request, data []byte) {
	cr := req.(*coalescer.Request)
	if err := r.conn.ReplyRead(cr.ID, data); err != nil {
		r.logger.Printf("pathoram: reply to %s: %v", cr.ClientAddr, err)
	}
}

func (r *clientResponder) ReplyWrite(req sequencer.Request, ok bool) {
	cr := req.(*coalescer.Request)
	if err := r.conn.ReplyWrite(cr.ID, ok); err != nil {
		r.logger.Printf("pathoram: reply to %s: %v", cr.ClientAddr, err)
	}
}

// handleClient owns one accepted client connection for its whole
// lifetime: every CLIENT_READ_REQUEST/CLIENT_WRITE_REQUEST frame it
// sends becomes a coalescer.Request handed to the shared Processor,
// with its eventual answer routed back through this connection's own
// Sequencer so replies reach the client in the order the requests
// arrived (spec §4.5), even though the Processor may finish them out
// of order.
func handleClient(ctx context.Context, conn net.Conn, proc *processor.Processor, blockSize int, logger *log.Logger) {
	defer conn.Close()
	cc := transport.NewClientConn(conn)
	seq := sequencer.New(&clientResponder{conn: cc, logger: logger})
	defer seq.Close()

	remote := cc.RemoteAddr()
	connID, err := uuid.NewV7()
	if err != nil {
		logger.Printf("pathoram: client %s: generate connection id: %v", remote, err)
		return
	}
	logger.Printf("pathoram: client %s connected (conn %s)", remote, connID)
	defer logger.Printf("pathoram: client %s disconnected (conn %s)", remote, connID)

	for {
		msgType, payload, err := cc.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Printf("pathoram: client %s (conn %s): %v", remote, connID, err)
			}
			return
		}

		switch msgType {
		case wire.ClientReadRequest:
			msg, err := wire.UnmarshalClientRead(payload)
			if err != nil {
				logger.Printf("pathoram: client %s: %v", remote, err)
				return
			}
			enqueueRead(ctx, proc, seq, msg, remote)

		case wire.ClientWriteRequest:
			msg, err := wire.UnmarshalClientWrite(payload, blockSize)
			if err != nil {
				logger.Printf("pathoram: client %s: %v", remote, err)
				return
			}
			enqueueWrite(ctx, proc, seq, msg, remote)

		default:
			logger.Printf("pathoram: client %s: unexpected message type %d", remote, msgType)
			return
		}
	}
}

func enqueueRead(ctx context.Context, proc *processor.Processor, seq *sequencer.Sequencer, msg wire.ClientReadMsg, remote string) {
	req := &coalescer.Request{
		ID:         msg.RequestID,
		BlockID:    msg.BlockID,
		ClientAddr: remote,
	}
	handle := seq.Enqueue(req)
	req.OnDeliverRead = func(data []byte) { seq.Deliver(handle, data) }
	proc.ReadPath(ctx, req)
}

func enqueueWrite(ctx context.Context, proc *processor.Processor, seq *sequencer.Sequencer, msg wire.ClientWriteMsg, remote string) {
	req := &coalescer.Request{
		ID:         msg.RequestID,
		BlockID:    msg.BlockID,
		Write:      true,
		WriteData:  msg.Data,
		ClientAddr: remote,
	}
	handle := seq.Enqueue(req)
	req.OnDeliverWrite = func(ok bool) { seq.DeliverWrite(handle, ok) }
	proc.ReadPath(ctx, req)
}
