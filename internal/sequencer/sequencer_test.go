package sequencer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fakeRequest struct {
	write bool
}

func (r fakeRequest) IsWrite() bool { return r.write }

type recordingResponder struct {
	mu    sync.Mutex
	reads [][]byte
}

func (r *recordingResponder) ReplyRead(req Request, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, data)
}

func (r *recordingResponder) ReplyWrite(req Request, ok bool) {}

func (r *recordingResponder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.reads))
	copy(out, r.reads)
	return out
}

func TestSequencerDeliversInEnqueueOrder(t *testing.T) {
	resp := &recordingResponder{}
	s := New(resp)
	defer s.Close()

	h1 := s.Enqueue(fakeRequest{})
	h2 := s.Enqueue(fakeRequest{})
	h3 := s.Enqueue(fakeRequest{})

	// Fulfil out of order: 2 finishes first, 3 second, 1 last. The
	// worker must still emit replies in enqueue order (1, 2, 3).
	s.Deliver(h2, []byte("second"))
	s.Deliver(h3, []byte("third"))
	s.Deliver(h1, []byte("first"))

	want := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := resp.snapshot()
		if len(got) == 3 {
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for all three replies")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSequencerWriteReply(t *testing.T) {
	var got bool
	var gotReq Request
	done := make(chan struct{})
	responder := responderFunc{
		write: func(req Request, ok bool) {
			got = ok
			gotReq = req
			close(done)
		},
	}
	s := New(responder)
	defer s.Close()

	h := s.Enqueue(fakeRequest{write: true})
	s.DeliverWrite(h, true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write reply")
	}
	require.True(t, got, "ReplyWrite() ok should be true")
	require.True(t, gotReq.IsWrite(), "ReplyWrite() should be called with the write request")
}

type responderFunc struct {
	write func(Request, bool)
}

func (r responderFunc) ReplyRead(req Request, data []byte) {}
func (r responderFunc) ReplyWrite(req Request, ok bool)    { r.write(req, ok) }
