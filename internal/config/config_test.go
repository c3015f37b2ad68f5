package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestValidateDefaults(t *testing.T) {
	cfg := Config{NumBlocks: 100, BlockSize: 64, Servers: []string{"a:1"}}
	got, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.BucketSize != 4 {
		t.Errorf("BucketSize = %d, want default 4", got.BucketSize)
	}
	if got.StashLimit != 100 {
		t.Errorf("StashLimit = %d, want default 100", got.StashLimit)
	}
	if got.WriteBackThreshold != 10 {
		t.Errorf("WriteBackThreshold = %d, want default 10", got.WriteBackThreshold)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero blocks", Config{NumBlocks: 0, BlockSize: 64, Servers: []string{"a:1"}}},
		{"zero block size", Config{NumBlocks: 10, BlockSize: 0, Servers: []string{"a:1"}}},
		{"no servers", Config{NumBlocks: 10, BlockSize: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestComputeTreeParams(t *testing.T) {
	tests := []struct {
		numBlocks  uint64
		bucketSize int
		wantHeight int
		wantLeaves uint64
	}{
		{7, 1, 3, 4},
		{100, 5, 5, 16},
	}
	for _, tt := range tests {
		cfg := Config{NumBlocks: tt.numBlocks, BlockSize: 8, BucketSize: tt.bucketSize}
		h, leaves, _ := cfg.ComputeTreeParams()
		if h != tt.wantHeight {
			t.Errorf("height = %d, want %d", h, tt.wantHeight)
		}
		if leaves != tt.wantLeaves {
			t.Errorf("numLeaves = %d, want %d", leaves, tt.wantLeaves)
		}
	}
}

func TestServerPartitioning(t *testing.T) {
	cfg := Config{Servers: []string{"s0", "s1", "s2", "s3"}}
	numLeaves := uint64(16)

	for leaf := uint64(0); leaf < numLeaves; leaf++ {
		srv := cfg.ServerOf(numLeaves, leaf)
		rel := cfg.RelativeLeaf(numLeaves, leaf)
		wantServer := int(leaf / 4)
		if srv != wantServer {
			t.Errorf("leaf %d: ServerOf() = %d, want %d", leaf, srv, wantServer)
		}
		// Every server holds a full replica of the global bucket-index
		// space (see RelativeLeaf's doc comment), so the wire-level leaf
		// id a server receives is the same global leaf ServerOf routed on.
		if rel != leaf {
			t.Errorf("leaf %d: RelativeLeaf() = %d, want %d", leaf, rel, leaf)
		}
	}
}

func TestLoadFileJWCC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.jsonc")
	contents := `{
		// deployment constants
		"num_blocks": 1000,
		"block_size": 256,
		"bucket_size": 4,
		"servers": ["10.0.0.1:9000", "10.0.0.2:9000"], // two storage servers
	}`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.NumBlocks != 1000 || cfg.BlockSize != 256 || len(cfg.Servers) != 2 {
		t.Errorf("LoadFile() = %+v, unexpected", cfg)
	}
}

func TestLoadFileEmptyPath(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile(\"\") error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("LoadFile(\"\") = %+v, want Default()", cfg)
	}
}
