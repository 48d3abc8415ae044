// walletgate gate - local JSON-RPC proxy that holds every wallet call for a decision
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/gate"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting walletgate gate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"upstream", cfg.UpstreamRPC,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, "walletgate-gate", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	g, err := gate.New(ctx, cfg, gate.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create gate", "error", err)
		os.Exit(1)
	}

	if err := g.Run(ctx, os.Stdin); err != nil {
		logger.Error("gate error", "error", err)
		os.Exit(1)
	}
}
