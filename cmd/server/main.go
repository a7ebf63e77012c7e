// steamtrader - oracle-verified escrow for Steam item trades
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/steamtrader/internal/config"
	"github.com/mbd888/steamtrader/internal/logging"
	"github.com/mbd888/steamtrader/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting steamtrader",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"chain_enabled", cfg.ChainEnabled(),
		"token_contract", cfg.TokenContract,
		"fee_percent", cfg.FeePercent,
		"query_cost", cfg.QueryCost,
		"request_expiry", cfg.RequestExpiry.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
