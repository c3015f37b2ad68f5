// Package coalescer implements the per-block pending-request table and
// response table of spec §3/§4.4: the bookkeeping that lets many
// concurrent client requests for the same block-id share a single real
// path fetch while every other waiter still issues an unlinkable fake
// read. There is no teacher file to generalize this from — the
// teacher's PathORAM served one caller at a time — so the locking
// shape here follows the request_table_lock description directly: a
// single mutex guards both the map of per-block queues and each
// queue's contents, held only for the in-memory list operations
// (append/drain/prune), never across the network send that follows.
package coalescer

import "sync"

// Request is one client-visible operation awaiting an answer. It
// implements sequencer.Request structurally (IsWrite) without either
// package importing the other. OnDeliverRead/OnDeliverWrite are set by
// the caller that hands the request to the Processor (cmd/proxy's
// connection handler) to that client connection's
// sequencer.Sequencer.Deliver/DeliverWrite closure, so that draining a
// block's waiter list (spec §4.4.2 step 5b) can hand each waiter its
// answer without this package needing to know what a Sequencer is.
type Request struct {
	ID             uint64
	BlockID        uint64
	Write          bool
	WriteData      []byte
	ClientAddr     string
	OnDeliverRead  func(data []byte)
	OnDeliverWrite func(ok bool)
}

// IsWrite reports whether this request is a write, satisfying
// sequencer.Request.
func (r *Request) IsWrite() bool {
	return r.Write
}

// RequestTable is the block-id -> FIFO list of waiting requests (spec
// §3's "Request table"). mu stands in for request_table_lock: every
// insert, drain and prune takes it, held only long enough to mutate
// the in-memory lists.
type RequestTable struct {
	mu     sync.Mutex
	queues map[uint64][]*Request
}

// NewRequestTable returns an empty request table.
func NewRequestTable() *RequestTable {
	return &RequestTable{queues: make(map[uint64][]*Request)}
}

// EnqueueAndClassify appends req to block_id's FIFO and reports whether
// req is the real read for this round (the queue was empty before this
// insert) or a fake read piggybacking on an already-pending real read.
// This implements spec §4.4.1 steps 2-3 as one atomic operation.
func (t *RequestTable) EnqueueAndClassify(req *Request) (isReal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[req.BlockID]
	isReal = len(q) == 0
	t.queues[req.BlockID] = append(q, req)
	return isReal
}

// Drain removes and returns block_id's entire FIFO list, in order, for
// answer_request step 5b to walk. The returned queue is left empty,
// not deleted — PruneEmpty is the only place empty queues are removed
// from the map (spec §4.4.4 step 3).
func (t *RequestTable) Drain(blockID uint64) []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := t.queues[blockID]
	t.queues[blockID] = nil
	return drained
}

// PruneEmpty removes every block-id whose queue is currently empty.
func (t *RequestTable) PruneEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, q := range t.queues {
		if len(q) == 0 {
			delete(t.queues, id)
		}
	}
}
