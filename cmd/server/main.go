// Command pathoram-server runs one storage-server shard of a Path ORAM
// deployment: a dumb, key-less bucket store that answers
// PROXY_READ_REQUEST/PROXY_WRITE_REQUEST frames over a plain TCP
// listener (spec §6). It never sees plaintext — the proxy encrypts and
// decrypts every bucket — so a compromised server shard learns nothing
// beyond access patterns and ciphertext sizes (spec §7).
package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/etclab/pathoram-proxy/internal/config"
	"github.com/etclab/pathoram-proxy/internal/cryptoprov"
	"github.com/etclab/pathoram-proxy/internal/storesrv"
)

func main() {
	listen := flag.String("listen", ":9000", "TCP address to listen on")
	numBlocks := flag.Uint64("num-blocks", 0, "total number of addressable blocks (must match the proxy's config)")
	bucketSize := flag.Int("bucket-size", 4, "blocks per bucket (Z)")
	blockSize := flag.Int("block-size", 256, "bytes per block (B)")
	flag.Parse()

	if *numBlocks == 0 {
		log.Fatal("pathoram-server: --num-blocks is required and must match the proxy's configuration")
	}

	cfg, err := config.Config{NumBlocks: *numBlocks, BucketSize: *bucketSize, BlockSize: *blockSize, Servers: []string{"self"}}.Validate()
	if err != nil {
		log.Fatalf("pathoram-server: %v", err)
	}
	height, numLeaves, totalBuckets := cfg.ComputeTreeParams()

	cipherSize := cryptoprov.AESGCMOverhead() + 8 + cfg.BucketSize*(8+cfg.BlockSize)
	store, err := storesrv.New(totalBuckets, cipherSize, storesrv.ZeroSeed(cipherSize))
	if err != nil {
		log.Fatalf("pathoram-server: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	handler := storesrv.NewHandler(store, height, numLeaves, logger)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("pathoram-server: listen %s: %v", *listen, err)
	}
	logger.Printf("pathoram-server: listening on %s (%d buckets, height %d)", *listen, totalBuckets, height)

	var (
		wg      sync.WaitGroup
		connsMu sync.Mutex
		conns   = make(map[net.Conn]struct{})
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns[conn] = struct{}{}
			connsMu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				handler.Serve(conn)
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Printf("pathoram-server: shutting down")
	ln.Close()

	// The proxy holds one long-lived connection per server for the
	// whole deployment's lifetime, so Serve never returns on its own;
	// closing every accepted socket here is what lets the accept
	// loop's goroutines (and this process) actually exit.
	connsMu.Lock()
	for c := range conns {
		c.Close()
	}
	connsMu.Unlock()

	wg.Wait()
}
