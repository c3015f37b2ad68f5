package processor

import (
	"context"
	"fmt"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/cryptoprov"
	"github.com/etclab/pathoram-proxy/internal/wire"
)

// Bootstrap seeds every configured storage server with freshly
// AEAD-encrypted all-dummy buckets, one path at a time, so that the
// first real client request finds valid ciphertext everywhere on its
// path rather than whatever a blank server process started with.
// Storage servers hold no key (spec §7: servers "should learn nothing"
// beyond bucket indices), so this seeding has to come from the proxy,
// not from the server initializing its own storage.
//
// Call this once, before accepting client connections; it is not safe
// to run concurrently with client traffic since it writes every bucket
// index unconditionally.
func (p *Processor) Bootstrap(ctx context.Context) error {
	for leaf := uint64(0); leaf < p.numLeaves; leaf++ {
		indices := block.RootFirstPathIndices(p.height, p.numLeaves, leaf)
		buckets := make([]block.Bucket, len(indices))
		for i := range buckets {
			buckets[i] = block.NewEmptyBucket(p.cfg.BucketSize, p.cfg.BlockSize)
		}
		ciphertexts, err := cryptoprov.EncryptPath(p.crypto, indices, block.Path{Leaf: leaf, Buckets: buckets})
		if err != nil {
			return fmt.Errorf("processor: bootstrap: encrypt leaf %d: %w", leaf, err)
		}
		var concatenated []byte
		for _, ct := range ciphertexts {
			concatenated = append(concatenated, ct...)
		}

		serverIdx := p.cfg.ServerOf(p.numLeaves, leaf)
		relLeaf := p.cfg.RelativeLeaf(p.numLeaves, leaf)
		msg := wire.ProxyWriteRequestMsg{
			Count:             1,
			PathSize:          uint32(p.cipherSize() * p.height),
			RelativeLeafIDs:   []uint64{relLeaf},
			ConcatenatedPaths: concatenated,
		}

		resp, err := p.sendWithRetry(ctx, p.links[serverIdx], wire.ProxyWriteRequest, msg.Marshal())
		if err != nil {
			return fmt.Errorf("processor: bootstrap: leaf %d: %w", leaf, err)
		}
		ack, err := wire.UnmarshalServerResponseWrite(resp.Payload)
		if err != nil {
			return fmt.Errorf("processor: bootstrap: leaf %d: %w", leaf, err)
		}
		if ack.Status != wire.StatusOK {
			return fmt.Errorf("processor: bootstrap: server %d rejected leaf %d", serverIdx, leaf)
		}
	}
	return nil
}
