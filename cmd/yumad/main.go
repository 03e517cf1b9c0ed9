package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luukkk/subtensor/core"
	"github.com/luukkk/subtensor/core/config"
	"github.com/luukkk/subtensor/metrics"
	"github.com/luukkk/subtensor/net"
)

func main() {
	handleCLICommands()

	var (
		configPath    = flag.String("config", "", "TOML parameter file (defaults are used when empty)")
		dataDir       = flag.String("data-dir", "data", "Directory for chain state")
		emission      = flag.Uint64("emission", 0, "Tokens emitted per block (0 = from config)")
		blockTime     = flag.Duration("block-time", 12*time.Second, "Interval between blocks")
		p2pPort       = flag.Int("p2p-port", 4001, "P2P listen port")
		peerMultiaddr = flag.String("peer-multiaddr", "", "Multiaddr of peer to connect to (optional)")
		metricsAddr   = flag.String("metrics-addr", ":9100", "Prometheus listen address (empty disables)")
		workers       = flag.Int("workers", 0, "Edge scan workers (0 = from config)")
		memTableMiB   = flag.Int64("memtable-mib", core.DefaultMemTableMiB, "Badger memtable size; bounds the bonds one block can commit")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	params := config.Default()
	if *configPath != "" {
		if params, err = config.Load(*configPath); err != nil {
			logger.Fatal("load config", zap.String("path", *configPath), zap.Error(err))
		}
	}
	if *emission > 0 {
		params.BlockEmission = *emission
	}
	if *workers > 0 {
		params.Workers = *workers
	}
	logger.Info("starting yumad",
		zap.String("dataDir", *dataDir),
		zap.Uint64("emission", params.BlockEmission),
		zap.Uint64("activityCutoff", params.ActivityCutoff),
		zap.Int("workers", params.Workers))

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	store, err := core.OpenBadgerStoreSized(*dataDir, *memTableMiB)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	chain, err := core.NewChain(params, store, logger)
	if err != nil {
		logger.Fatal("open chain", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onMismatch := func(uint64, peer.ID) { m.DigestMismatches.Inc() }
	node, err := net.NewP2PNode(ctx, *p2pPort, chain, onMismatch, logger)
	if err != nil {
		logger.Fatal("start p2p node", zap.Error(err))
	}
	defer node.Close()
	for _, addr := range node.Host.Addrs() {
		logger.Info("p2p address", zap.String("addr", addr.String()+"/p2p/"+node.Host.ID().String()))
	}
	if *peerMultiaddr != "" {
		if err := node.Connect(ctx, *peerMultiaddr); err != nil {
			logger.Warn("peer connect failed", zap.Error(err))
		}
	}

	regs, err := chain.Registers()
	if err != nil {
		logger.Fatal("read registers", zap.Error(err))
	}
	block := regs.LastMechanismStepBlock + 1

	ticker := time.NewTicker(*blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", zap.Uint64("nextBlock", block))
			return
		case <-ticker.C:
			report, err := chain.ProcessBlock(ctx, block, params.BlockEmission)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				// Nothing was committed; the next block runs on the same state.
				m.StepFailed()
				logger.Error("block failed", zap.Uint64("block", block), zap.Error(err))
			} else {
				m.Observe(report)
				logger.Info("block",
					zap.Uint64("block", report.Block),
					zap.Uint64("emission", report.TotalEmission),
					zap.Uint64("difficulty", report.Difficulty),
					zap.Int("active", report.Active),
					zap.Binary("digest", report.Digest[:8]))
			}
			block++
		}
	}
}
