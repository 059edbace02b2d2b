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

	"github.com/ethereum/go-ethereum/common"

	"escrotrade/backend"
	"escrotrade/chain"
	"escrotrade/observability/logging"
	"escrotrade/trade"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.toml", "path to gateway config")
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		logging.Setup("trade-gateway", "")
		logging.Fatal("load config", "err", err)
	}
	logger := logging.Setup("trade-gateway", cfg.Environment)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logging.Fatal("open journal store", "err", err)
	}
	defer store.Close()

	rpcClient, err := chain.Dial(cfg.ChainRPCURL)
	if err != nil {
		logging.Fatal("dial chain rpc", "err", err)
	}
	defer rpcClient.Close()

	var wallet chain.Wallet
	var walletAddr string
	if cfg.WalletKey != "" {
		keyWallet, err := chain.NewKeyWallet(cfg.WalletKey)
		if err != nil {
			logging.Fatal("load gateway wallet", "err", err)
		}
		wallet = keyWallet
		walletAddr = keyWallet.Address().Hex()
	} else {
		logger.Warn("no wallet key configured; settlement actions will be refused")
	}

	chainClient, err := chain.NewClient(rpcClient, common.HexToAddress(cfg.ContractAddress), wallet)
	if err != nil {
		logging.Fatal("build chain client", "err", err)
	}
	chainClient.SetPollInterval(cfg.Poll)

	records := backend.New(cfg.BackendURL)
	coordinator := trade.NewCoordinator(records, chainClient)
	coordinator.SetLogger(logger)

	verifier := NewSessionVerifier(cfg.SessionSecret, 2*time.Minute)
	server := NewServer(coordinator, records, chainClient, verifier, store, walletAddr)
	server.SetLogger(logger)

	watcher := NewProjectionWatcher(chainClient, store, NewWebhookNotifier(cfg.WebhookURL))
	watcher.SetPollInterval(cfg.Poll)
	watcher.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trade gateway listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("http server", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("trade gateway stopped")
}
