// Package processor implements the Processor of spec §4.4: the
// orchestrator that ties the position map, stash, subtree cache and
// request coalescer together into read_path, answer_request, flush and
// write_back. It is the ~40% core component spec §2 names. There is no
// single teacher file this translates — the teacher's oram.go ran
// read/evict/write synchronously inside one call, in one process, with
// no coalescing or remote storage — so the control flow here is
// rebuilt from the spec's algorithm directly; the eviction heap in
// flush is grounded on the teacher's evictGreedyByDepth (eviction.go),
// generalized from a linear "deepest empty slot wins" scan into an
// explicit max-heap keyed by greatest_common_level so multiple
// same-level blocks are placed without rescanning the whole path.
package processor

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/coalescer"
	"github.com/etclab/pathoram-proxy/internal/config"
	"github.com/etclab/pathoram-proxy/internal/cryptoprov"
	"github.com/etclab/pathoram-proxy/internal/metrics"
	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
	"github.com/etclab/pathoram-proxy/internal/posmap"
	"github.com/etclab/pathoram-proxy/internal/randsrc"
	"github.com/etclab/pathoram-proxy/internal/stash"
	"github.com/etclab/pathoram-proxy/internal/subtree"
	"github.com/etclab/pathoram-proxy/internal/transport"
	"github.com/etclab/pathoram-proxy/internal/wire"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentFetches bounds how many fetchAndAnswer goroutines may be
// in flight to storage servers at once (spec §5): a burst of concurrent
// client reads still spawns one goroutine per request, but dispatch
// blocks on this semaphore until a slot frees up, so the number of
// goroutines actually talking to a ServerLink at any instant is capped.
const maxConcurrentFetches = 256

// Processor is the core orchestration engine. One instance is shared
// across every client connection the proxy serves.
type Processor struct {
	cfg       config.Config
	height    int
	numLeaves uint64

	posMap  *posmap.PositionMap
	stash   *stash.Stash
	subtree *subtree.Subtree
	crypto  cryptoprov.BucketCrypto
	rng     randsrc.Source
	links   []transport.ServerLink
	metrics *metrics.Metrics
	logger  *log.Logger

	reqTable  *coalescer.RequestTable
	respTable *coalescer.ResponseTable
	inflight  *coalescer.Inflight
	fetchSem  *semaphore.Weighted

	writeBackCounter atomic.Uint64
	nextWriteBack    atomic.Uint64

	writeQueueMu sync.Mutex
	writeQueue   []uint64

	// onFatal is invoked on an authentication failure during path
	// decryption (spec §7: "fatal — ... log and terminate"). Defaults
	// to a process-terminating log.Fatal; tests override it.
	onFatal func(error)
}

// New constructs a Processor. links must be indexed the same way
// cfg.Servers is: links[i] talks to cfg.Servers[i].
func New(cfg config.Config, links []transport.ServerLink, crypto cryptoprov.BucketCrypto, rng randsrc.Source, m *metrics.Metrics, logger *log.Logger) *Processor {
	height, numLeaves, _ := cfg.ComputeTreeParams()
	p := &Processor{
		cfg:       cfg,
		height:    height,
		numLeaves: numLeaves,
		posMap:    posmap.New(numLeaves, uint64(len(cfg.Servers))),
		stash:     stash.New(cfg.StashLimit, cfg.ConstantTime),
		subtree:   subtree.New(height, numLeaves, cfg.BucketSize, cfg.BlockSize),
		crypto:    crypto,
		rng:       rng,
		links:     links,
		metrics:   m,
		logger:    logger,
		reqTable:  coalescer.NewRequestTable(),
		respTable: coalescer.NewResponseTable(),
		inflight:  coalescer.NewInflight(),
		fetchSem:  semaphore.NewWeighted(maxConcurrentFetches),
	}
	p.nextWriteBack.Store(cfg.WriteBackThreshold)
	p.onFatal = func(err error) {
		logger.Fatalf("pathoram: fatal: %v", err)
	}
	return p
}

// cipherSize is the wire length of one AEAD-sealed bucket.
func (p *Processor) cipherSize() int {
	return p.crypto.Overhead() + 8 + p.cfg.BucketSize*(8+p.cfg.BlockSize)
}

// ReadPath implements spec §4.4.1: the client-visible entry point for
// both reads and writes (a write still has to locate the block via a
// path fetch before it can be applied).
func (p *Processor) ReadPath(ctx context.Context, req *coalescer.Request) {
	p.respTable.Register(req)

	isReal := p.reqTable.EnqueueAndClassify(req)

	var leaf uint64
	if isReal {
		mapped, existed := p.posMap.Get(req.BlockID)
		if existed {
			leaf = mapped
		} else {
			l, err := p.rng.RandomLeaf(p.numLeaves)
			if err != nil {
				p.onFatal(fmt.Errorf("processor: random leaf: %w", err))
				return
			}
			leaf = l
		}
	} else {
		l, err := p.rng.RandomLeaf(p.numLeaves)
		if err != nil {
			p.onFatal(fmt.Errorf("processor: random leaf: %w", err))
			return
		}
		leaf = l
	}

	p.inflight.Inc(leaf)

	serverIdx := p.cfg.ServerOf(p.numLeaves, leaf)
	relLeaf := p.cfg.RelativeLeaf(p.numLeaves, leaf)
	link := p.links[serverIdx]

	go p.dispatch(ctx, req, leaf, serverIdx, relLeaf, isReal, link)
}

// dispatch acquires the fetch semaphore before running fetchAndAnswer,
// bounding how many concurrent server round trips a burst of client
// requests can fan out to at once (spec §5).
func (p *Processor) dispatch(ctx context.Context, req *coalescer.Request, leaf uint64, serverIdx int, relLeaf uint64, isReal bool, link transport.ServerLink) {
	if err := p.fetchSem.Acquire(ctx, 1); err != nil {
		p.logger.Printf("pathoram: dispatch: acquire fetch slot: %v", err)
		p.inflight.Dec(leaf)
		return
	}
	defer p.fetchSem.Release(1)
	p.fetchAndAnswer(ctx, req, leaf, serverIdx, relLeaf, isReal, link)
}

// fetchAndAnswer issues the async PROXY_READ_REQUEST and invokes
// answer_request on the response, per spec §4.4.1 step 5.
func (p *Processor) fetchAndAnswer(ctx context.Context, req *coalescer.Request, leaf uint64, serverIdx int, relLeaf uint64, isReal bool, link transport.ServerLink) {
	payload := wire.ProxyReadRequestMsg{RelativeLeaf: relLeaf}.Marshal()

	resp, err := p.sendWithRetry(ctx, link, wire.ProxyReadRequest, payload)
	if err != nil {
		p.logger.Printf("pathoram: read from server %d failed permanently: %v", serverIdx, err)
		p.inflight.Dec(leaf)
		return
	}

	msg, err := wire.UnmarshalServerResponseRead(resp.Payload)
	if err != nil {
		p.logger.Printf("pathoram: malformed server response: %v", err)
		p.inflight.Dec(leaf)
		return
	}

	p.answerRequest(req, leaf, isReal, msg.EncryptedPathBytes)
}

// sendWithRetry retries transient failures with exponential backoff,
// per spec §7 ("retry ... with exponential backoff"); the leaf is
// deterministically mapped to a server so every retry targets the
// same link.
func (p *Processor) sendWithRetry(ctx context.Context, link transport.ServerLink, msgType wire.MessageType, payload []byte) (transport.Response, error) {
	const maxAttempts = 5
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ch, err := link.Send(ctx, msgType, payload)
		if err == nil {
			select {
			case resp := <-ch:
				if resp.Err == nil {
					return resp, nil
				}
				lastErr = resp.Err
			case <-ctx.Done():
				return transport.Response{}, ctx.Err()
			}
		} else {
			lastErr = err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return transport.Response{}, ctx.Err()
		}
		backoff *= 2
	}
	return transport.Response{}, fmt.Errorf("processor: exhausted retries: %w", lastErr)
}

// answerRequest implements spec §4.4.2.
func (p *Processor) answerRequest(req *coalescer.Request, leaf uint64, isReal bool, encryptedPath []byte) {
	bucketIndices := block.RootFirstPathIndices(p.height, p.numLeaves, leaf)
	ciphertexts := splitChunks(encryptedPath, p.cipherSize())
	if len(ciphertexts) != len(bucketIndices) {
		p.onFatal(fmt.Errorf("processor: path has %d buckets, want %d", len(ciphertexts), len(bucketIndices)))
		return
	}

	path, err := cryptoprov.DecryptPath(p.crypto, bucketIndices, leaf, ciphertexts)
	if err != nil {
		p.metrics.AuthFailureTotal.Inc()
		p.onFatal(fmt.Errorf("%w: %v", pathoramerr.ErrAuthFailed, err))
		return
	}

	if err := p.subtree.AddPath(leaf, path); err != nil {
		p.onFatal(fmt.Errorf("processor: add_path: %w", err))
		return
	}

	// Step 2-3: mark this request's own path as returned; if its data
	// was already populated by the real-read drain, deliver now.
	if data, hasData := p.respTable.MarkReturned(req); hasData {
		p.deliver(req, data)
		p.respTable.Remove(req)
		p.inflight.Dec(leaf)
		return
	}

	if !isReal {
		// Step 4: a fake read with no data yet waits for the real
		// read's eventual drain to deliver it.
		p.inflight.Dec(leaf)
		return
	}

	// Step 5: this is the real read. Drain every coalesced waiter.
	_, elementExists := p.posMap.Get(req.BlockID)

	waiters := p.reqTable.Drain(req.BlockID)
	for _, w := range waiters {
		data, found := p.lookupBlockData(req.BlockID)
		if !elementExists || !found {
			data = make([]byte, p.cfg.BlockSize)
		}

		if w.Write {
			p.applyWrite(req.BlockID, elementExists && found, w.WriteData)
		}

		if already := p.respTable.SetData(w, data); already {
			p.deliver(w, data)
			p.respTable.Remove(w)
		}

		elementExists = true
	}

	newLeaf, err := p.rng.RandomLeaf(p.numLeaves)
	if err != nil {
		p.onFatal(fmt.Errorf("processor: random leaf: %w", err))
		return
	}
	p.posMap.Set(req.BlockID, newLeaf)

	p.inflight.Dec(leaf)

	p.flush(leaf)
}

// deliver routes a finished request's answer to its client connection
// via the sequencer callback the Processor's caller installed.
func (p *Processor) deliver(req *coalescer.Request, data []byte) {
	if req.Write {
		if req.OnDeliverWrite != nil {
			req.OnDeliverWrite(true)
		}
		return
	}
	if req.OnDeliverRead != nil {
		req.OnDeliverRead(data)
	}
}

// lookupBlockData finds blockID's current bytes in the Subtree or, if
// not resident there, the Stash (invariant 1: the block is in at most
// one of the two, so at most one of these lookups can succeed).
func (p *Processor) lookupBlockData(blockID uint64) ([]byte, bool) {
	if _, bucket, ok := p.subtree.BucketWithBlock(blockID); ok {
		slot := bucket.Find(blockID)
		if slot >= 0 {
			return bucket.Slots[slot].Data, true
		}
	}
	if b, ok := p.stash.Find(blockID); ok {
		return b.Data, true
	}
	return nil, false
}

// applyWrite overwrites blockID's data wherever it currently lives, or
// installs it fresh in the Stash if this is the block's first write.
func (p *Processor) applyWrite(blockID uint64, existing bool, data []byte) {
	if existing && p.subtree.MutateBlock(blockID, data) {
		return
	}
	p.stash.Add(block.Block{ID: blockID, Data: data})
}

func splitChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || len(data)%chunkSize != 0 {
		return nil
	}
	n := len(data) / chunkSize
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = data[i*chunkSize : (i+1)*chunkSize]
	}
	return out
}

// StashSize reports the current stash occupancy, for metrics wiring.
func (p *Processor) StashSize() int {
	return p.stash.Len()
}

// heapItem is one candidate block in flush's eviction max-heap.
type heapItem struct {
	blk   block.Block
	level int
}

// blockHeap is a max-heap on level (deepest first), satisfying
// container/heap.Interface. Grounded on the teacher's
// evictGreedyByDepth (eviction.go), which achieved the same "deepest
// first" placement with a linear scan; a heap makes repeated
// deepest-available lookups O(log n) instead of O(n) per level.
type blockHeap []heapItem

func (h blockHeap) Len() int           { return len(h) }
func (h blockHeap) Less(i, j int) bool { return h[i].level > h[j].level }
func (h blockHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *blockHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// flush implements spec §4.4.3: greedy re-placement of the stash and
// the just-read path's own blocks, deepest level first.
func (p *Processor) flush(leaf uint64) {
	p.writeBackCounter.Add(1)

	pl := p.subtree.LockPath(leaf)
	defer pl.Unlock()

	indices := pl.Indices() // root-first
	buckets := make([]block.Bucket, len(indices))
	for i, idx := range indices {
		b, ok := p.subtree.Bucket(idx)
		if !ok {
			b = block.NewEmptyBucket(p.cfg.BucketSize, p.cfg.BlockSize)
		}
		buckets[i] = b
	}

	// The candidate multiset is stash ∪ path buckets, deduped by id —
	// the subtree copy is canonical when both happen to carry the same
	// id (spec §4.4.3 step 3).
	seen := make(map[uint64]struct{})
	var candidates []block.Block
	for _, b := range buckets {
		for _, blk := range b.Slots {
			if blk.IsDummy() {
				continue
			}
			seen[blk.ID] = struct{}{}
			candidates = append(candidates, blk)
		}
	}
	for _, c := range p.stash.Snapshot() {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		candidates = append(candidates, c)
	}

	for i := range buckets {
		buckets[i].Slots = make([]block.Block, p.cfg.BucketSize)
		for j := range buckets[i].Slots {
			buckets[i].Slots[j] = block.Block{ID: block.DummyID, Data: make([]byte, p.cfg.BlockSize)}
		}
	}

	h := &blockHeap{}
	heap.Init(h)
	for _, c := range candidates {
		blockLeaf, _ := p.posMap.Get(c.ID)
		level := block.GreatestCommonLevel(p.height, p.numLeaves, leaf, blockLeaf)
		heap.Push(h, heapItem{blk: c, level: level})
	}

	counter := p.writeBackCounter.Load()

	// buckets is root-first (LockPath's index order), so bucket index
	// L in this slice is exactly tree level L — the same level
	// GreatestCommonLevel measures in.
	for level := len(buckets) - 1; level >= 0; level-- {
		for h.Len() > 0 && (*h)[0].level == level {
			slot := buckets[level].EmptySlot()
			if slot < 0 {
				break
			}
			item := heap.Pop(h).(heapItem)
			buckets[level].Slots[slot] = item.blk
			buckets[level].LastTouched = counter
			p.stash.Remove(item.blk.ID)
		}
	}

	for i, idx := range indices {
		p.subtree.SetBucket(idx, buckets[i])
	}

	remaining := make([]block.Block, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(heapItem)
		remaining = append(remaining, item.blk)
	}
	if len(remaining) > 0 {
		p.stash.Replace(append(p.stash.Snapshot(), remaining...))
	}

	p.metrics.StashSize.Set(float64(p.stash.Len()))
	if p.stash.Overflowed() {
		p.metrics.StashOverflowTotal.Inc()
		p.logger.Printf("pathoram: stash overflow: %d blocks held (limit %d)", p.stash.Len(), p.stash.Limit())
	}

	p.writeQueueMu.Lock()
	p.writeQueue = append(p.writeQueue, leaf)
	p.writeQueueMu.Unlock()

	p.maybeWriteBack(context.Background())
}
