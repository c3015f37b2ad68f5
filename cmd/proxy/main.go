// Command pathoram-proxy runs the trusted Path ORAM proxy of spec §2:
// the single stateful process clients connect to, which holds the
// position map, stash and subtree cache, coalesces concurrent access
// to the same block, and shuttles encrypted paths to and from the
// storage servers listed in its configuration.
package main

import (
	"context"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/etclab/pathoram-proxy/internal/config"
	"github.com/etclab/pathoram-proxy/internal/cryptoprov"
	"github.com/etclab/pathoram-proxy/internal/metrics"
	"github.com/etclab/pathoram-proxy/internal/processor"
	"github.com/etclab/pathoram-proxy/internal/randsrc"
	"github.com/etclab/pathoram-proxy/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (see internal/config.Config)")
	listenAddr := flag.String("listen", "", "override the config's client-facing listen address")
	metricsAddr := flag.String("metrics-addr", "", "override the config's Prometheus listen address")
	logLevel := flag.String("log-level", "info", "log verbosity: info or debug (only validated; both log the same lines)")
	skipBootstrap := flag.Bool("skip-bootstrap", false, "skip seeding storage servers on startup (only for servers already bootstrapped)")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if *logLevel != "info" && *logLevel != "debug" {
		logger.Fatalf("pathoram-proxy: unknown --log-level %q", *logLevel)
	}

	if *configPath == "" {
		logger.Fatal("pathoram-proxy: --config is required")
	}
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Fatalf("pathoram-proxy: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	cfg, err = cfg.Validate()
	if err != nil {
		logger.Fatalf("pathoram-proxy: %v", err)
	}

	key, err := hex.DecodeString(cfg.EncryptionKeyHex)
	if err != nil {
		logger.Fatalf("pathoram-proxy: encryption_key_hex: %v", err)
	}
	crypto, err := cryptoprov.NewAESGCM(key, cfg.BucketSize, cfg.BlockSize)
	if err != nil {
		logger.Fatalf("pathoram-proxy: %v", err)
	}

	links := make([]transport.ServerLink, len(cfg.Servers))
	for i, addr := range cfg.Servers {
		conn, err := transport.Dial(addr)
		if err != nil {
			logger.Fatalf("pathoram-proxy: dial storage server %s: %v", addr, err)
		}
		links[i] = conn
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	proc := processor.New(cfg, links, crypto, randsrc.CryptoSource{}, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*skipBootstrap {
		logger.Printf("pathoram-proxy: bootstrapping %d storage server(s)", len(cfg.Servers))
		if err := proc.Bootstrap(ctx); err != nil {
			logger.Fatalf("pathoram-proxy: bootstrap: %v", err)
		}
	}

	go serveMetrics(cfg.MetricsAddr, registry, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatalf("pathoram-proxy: listen %s: %v", cfg.ListenAddr, err)
	}
	logger.Printf("pathoram-proxy: listening on %s, metrics on %s", cfg.ListenAddr, cfg.MetricsAddr)

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
				handleClient(ctx, conn, proc, cfg.BlockSize, logger)
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Stop accepting new client connections and close the open client
	// sockets. ctx is not cancelled, so nothing here aborts a request
	// the Processor is already working on; but main does not wait for
	// those requests either: once every client handler has returned it
	// closes the server links and exits, and a request still in flight
	// at that point does not complete.
	logger.Printf("pathoram-proxy: shutting down")
	ln.Close()
	connsMu.Lock()
	for c := range conns {
		c.Close()
	}
	connsMu.Unlock()
	wg.Wait()

	for _, link := range links {
		link.Close()
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("pathoram-proxy: metrics server: %v", err)
	}
}
