package coalescer

import "sync"

// responseEntry is the {returned?, data} pair spec §3 describes for
// one request. Its own mutex makes the "mark returned" and "set data"
// transitions from answer_request's two call sites (the triggering
// path's own completion, and the real-read drain in step 5b) race-free
// without taking the whole ResponseTable's lock.
type responseEntry struct {
	mu       sync.Mutex
	returned bool
	hasData  bool
	data     []byte
}

// ResponseTable resolves the race between a request's own path
// returning and its data being located during the real-read drain
// (spec §3's "Response table").
type ResponseTable struct {
	mu      sync.Mutex
	entries map[*Request]*responseEntry
}

// NewResponseTable returns an empty response table.
func NewResponseTable() *ResponseTable {
	return &ResponseTable{entries: make(map[*Request]*responseEntry)}
}

// Register creates req's {returned=false, data=NONE} entry (spec
// §4.4.1 step 1).
func (t *ResponseTable) Register(req *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[req] = &responseEntry{}
}

// MarkReturned marks req's path as having returned and reports whether
// its data was already populated by the time this call observed it —
// if so, the caller must deliver (req, data) and Remove req (spec
// §4.4.2 step 2-3).
func (t *ResponseTable) MarkReturned(req *Request) (data []byte, hasData bool) {
	e := t.entryFor(req)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.returned = true
	return e.data, e.hasData
}

// SetData populates req's data (drained during the real-read's walk,
// spec §4.4.2 step 5b) and reports whether req's own path had already
// returned — if so the caller must deliver (req, data) and Remove req.
func (t *ResponseTable) SetData(req *Request, data []byte) (alreadyReturned bool) {
	e := t.entryFor(req)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = data
	e.hasData = true
	return e.returned
}

// Remove deletes req's entry once it has been delivered.
func (t *ResponseTable) Remove(req *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, req)
}

func (t *ResponseTable) entryFor(req *Request) *responseEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[req]
	if !ok {
		e = &responseEntry{}
		t.entries[req] = e
	}
	return e
}
