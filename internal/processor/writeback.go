package processor

import (
	"context"
	"fmt"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/cryptoprov"
	"github.com/etclab/pathoram-proxy/internal/wire"
	"golang.org/x/sync/errgroup"
)

// maybeWriteBack implements spec §4.4.4 step 1: try to claim the
// write-back slot by atomically advancing next_write_back. Only the
// caller whose CompareAndSwap succeeds proceeds; everyone else is a
// no-op, matching "only the thread that successfully advances
// proceeds. Others return."
func (p *Processor) maybeWriteBack(ctx context.Context) {
	for {
		counter := p.writeBackCounter.Load()
		next := p.nextWriteBack.Load()
		if counter < next {
			return
		}
		newNext := next + p.cfg.WriteBackThreshold
		if p.nextWriteBack.CompareAndSwap(next, newNext) {
			go p.writeBack(ctx, next)
			return
		}
		// Lost the race; re-read and check again (the "double-check
		// after the trylock" spec §4.4.4 step 1 calls for).
	}
}

// writeBack implements spec §4.4.4 steps 2-6: a batched, per-server
// concurrent ship of K recently-flushed paths, all-or-nothing pruning
// on success.
func (p *Processor) writeBack(ctx context.Context, timestamp uint64) {
	p.reqTable.PruneEmpty()

	leaves := p.drainWriteQueue(int(p.cfg.WriteBackThreshold))
	if len(leaves) == 0 {
		return
	}

	byServer := make(map[int][]uint64)
	for _, leaf := range leaves {
		idx := p.cfg.ServerOf(p.numLeaves, leaf)
		byServer[idx] = append(byServer[idx], leaf)
	}

	g, gctx := errgroup.WithContext(ctx)
	for serverIdx, serverLeaves := range byServer {
		serverIdx, serverLeaves := serverIdx, serverLeaves
		g.Go(func() error {
			return p.writeBackToServer(gctx, serverIdx, serverLeaves)
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Printf("pathoram: write-back batch failed, will retry: %v", err)
		p.writeQueueMu.Lock()
		p.writeQueue = append(p.writeQueue, leaves...)
		p.writeQueueMu.Unlock()
		return
	}

	protected := p.inflight.DistinctLeavesSnapshot()
	for _, leaf := range leaves {
		p.subtree.DeleteNodes(leaf, timestamp, protected)
	}
	p.metrics.WriteBackTotal.Inc()
}

// writeBackToServer encrypts and ships every leaf in leaves to the
// server at serverIdx as a single PROXY_WRITE_REQUEST batch.
func (p *Processor) writeBackToServer(ctx context.Context, serverIdx int, leaves []uint64) error {
	cipherSize := p.cipherSize()
	pathSize := cipherSize * p.height

	relLeaves := make([]uint64, len(leaves))
	concatenated := make([]byte, 0, pathSize*len(leaves))

	for i, leaf := range leaves {
		relLeaves[i] = p.cfg.RelativeLeaf(p.numLeaves, leaf)

		path, err := p.subtree.GetPath(leaf)
		if err != nil {
			return fmt.Errorf("processor: write-back: %w", err)
		}
		indices := block.RootFirstPathIndices(p.height, p.numLeaves, leaf)
		ciphertexts, err := cryptoprov.EncryptPath(p.crypto, indices, path)
		if err != nil {
			return fmt.Errorf("processor: write-back: encrypt: %w", err)
		}
		for _, ct := range ciphertexts {
			concatenated = append(concatenated, ct...)
		}
	}

	msg := wire.ProxyWriteRequestMsg{
		Count:             uint32(len(leaves)),
		PathSize:          uint32(pathSize),
		RelativeLeafIDs:   relLeaves,
		ConcatenatedPaths: concatenated,
	}

	link := p.links[serverIdx]
	resp, err := p.sendWithRetry(ctx, link, wire.ProxyWriteRequest, msg.Marshal())
	if err != nil {
		return fmt.Errorf("processor: write-back to server %d: %w", serverIdx, err)
	}

	ack, err := wire.UnmarshalServerResponseWrite(resp.Payload)
	if err != nil {
		return fmt.Errorf("processor: write-back to server %d: %w", serverIdx, err)
	}
	if ack.Status != wire.StatusOK {
		return fmt.Errorf("processor: server %d rejected write-back batch", serverIdx)
	}
	return nil
}

func (p *Processor) drainWriteQueue(max int) []uint64 {
	p.writeQueueMu.Lock()
	defer p.writeQueueMu.Unlock()
	if len(p.writeQueue) == 0 {
		return nil
	}
	n := max
	if n > len(p.writeQueue) {
		n = len(p.writeQueue)
	}
	leaves := p.writeQueue[:n]
	p.writeQueue = p.writeQueue[n:]
	return leaves
}
