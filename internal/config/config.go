// Package config holds the deployment constants spec §6 names (tree
// height/block count, bucket size, block size, storage servers,
// write-back threshold, stash capacity) and the logic to derive tree
// dimensions from them. Validate and ComputeTreeParams are adapted
// from the teacher's config.go; Config is restructured to carry the
// proxy-level constants (server list, write-back threshold) that the
// original single-process library didn't need.
package config

import (
	"fmt"

	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
)

// Config holds PathORAM proxy configuration parameters, i.e. the
// deployment constants spec §6 calls out.
type Config struct {
	// NumBlocks is the total number of addressable blocks (valid ids:
	// 0..NumBlocks-1).
	NumBlocks uint64 `json:"num_blocks"`
	// BlockSize is B, the size of each block's payload in bytes.
	BlockSize int `json:"block_size"`
	// BucketSize is Z, the number of block slots per bucket.
	BucketSize int `json:"bucket_size"`
	// StashLimit is S, the stash capacity before an overflow event.
	StashLimit int `json:"stash_limit"`
	// WriteBackThreshold is K: write-back fires every K flushes.
	WriteBackThreshold uint64 `json:"write_back_threshold"`
	// Servers is the ordered list of storage server addresses. Server
	// i owns a contiguous partition of the leaf space (§4.1).
	Servers []string `json:"servers"`
	// ConstantTime enables constant-time stash scanning for TEE-style
	// deployments where stash-access timing must not leak which block
	// id was requested. Optional hardening the teacher's
	// constanttime.go exposed; not required by the core spec.
	ConstantTime bool `json:"constant_time"`
	// EncryptionKeyHex is the hex-encoded 32-byte AES-256-GCM key used
	// to encrypt bucket plaintext on the wire to storage servers.
	EncryptionKeyHex string `json:"encryption_key_hex"`
	// ListenAddr is the proxy's client-facing TCP listen address.
	ListenAddr string `json:"listen_addr"`
	// MetricsAddr is the address the Prometheus /metrics endpoint binds to.
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns a Config with conservative defaults applied, prior
// to loading any file or flag overrides.
func Default() Config {
	return Config{
		BucketSize:         4,
		StashLimit:         100,
		WriteBackThreshold: 10,
		ListenAddr:         ":7070",
		MetricsAddr:        ":9090",
	}
}

// Validate checks the configuration for consistency and applies
// remaining defaults, returning the normalized Config.
func (c Config) Validate() (Config, error) {
	if c.NumBlocks == 0 || c.BlockSize <= 0 {
		return c, fmt.Errorf("%w: num_blocks and block_size must be positive", pathoramerr.ErrInvalidConfig)
	}
	if c.BucketSize < 0 {
		return c, fmt.Errorf("%w: bucket_size must be positive", pathoramerr.ErrInvalidConfig)
	}
	if c.BucketSize == 0 {
		c.BucketSize = 4
	}
	if c.StashLimit == 0 {
		c.StashLimit = 100
	}
	if c.WriteBackThreshold == 0 {
		c.WriteBackThreshold = 10
	}
	if len(c.Servers) == 0 {
		return c, fmt.Errorf("%w: at least one storage server is required", pathoramerr.ErrInvalidConfig)
	}
	return c, nil
}

// ComputeTreeParams calculates tree dimensions from the configuration:
// the number of blocks determines how many buckets the tree needs,
// which determines the smallest height that fits them.
func (c Config) ComputeTreeParams() (height int, numLeaves, totalBuckets uint64) {
	numBuckets := (c.NumBlocks + uint64(c.BucketSize) - 1) / uint64(c.BucketSize)
	height = 1
	for (uint64(1)<<uint(height))-1 < numBuckets {
		height++
	}
	numLeaves = uint64(1) << uint(height-1)
	totalBuckets = (uint64(1) << uint(height)) - 1
	return
}

// ServerOf returns the index of the storage server that owns the
// given absolute leaf, per the contiguous partition spec §4.1
// describes: server i owns leaves [i*numLeaves/N, (i+1)*numLeaves/N).
func (c Config) ServerOf(numLeaves, leaf uint64) int {
	n := uint64(len(c.Servers))
	return int(leaf * n / numLeaves)
}

// RelativeLeaf is the leaf id carried on the proxy<->server wire
// protocol (spec §6's "relative_leaf"). This deployment gives every
// storage server a full replica of the global bucket-index space: a
// server is only ever sent reads/writes for leaves ServerOf assigns
// it, but the bucket indices those paths touch (including the shared
// upper levels of the tree) are addressed the same way everywhere, so
// no per-server rebasing is needed. RelativeLeaf is therefore the
// identity function; the name is kept to match the wire layout spec §6
// defines, not because the value is actually partition-local here.
func (c Config) RelativeLeaf(numLeaves, leaf uint64) uint64 {
	return leaf
}
