// Package main provides the crosslaned daemon - the cross-chain OTC broker.
package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/backend"
	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/commission"
	"github.com/crosslane-exchange/crosslane/internal/config"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/engine"
	"github.com/crosslane-exchange/crosslane/internal/gastank"
	"github.com/crosslane-exchange/crosslane/internal/keyring"
	"github.com/crosslane-exchange/crosslane/internal/mail"
	"github.com/crosslane-exchange/crosslane/internal/oracle"
	"github.com/crosslane-exchange/crosslane/internal/payout"
	"github.com/crosslane-exchange/crosslane/internal/rpc"
	"github.com/crosslane-exchange/crosslane/internal/storage"
	"github.com/crosslane-exchange/crosslane/internal/watcher"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		dataDir     = flag.String("data-dir", "", "Data directory, overrides config")
		listenAddr  = flag.String("listen", "", "JSON-RPC listen address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslaned %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile, *dataDir, *testnet)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	dataPath, err := cfg.ExpandDataDir()
	if err != nil {
		log.Fatal("Failed to resolve data dir", "error", err)
	}
	if *testnet {
		dataPath = filepath.Join(dataPath, "testnet")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	keys, err := loadKeyring(cfg, dataPath, log)
	if err != nil {
		log.Fatal("Failed to initialize keyring", "error", err)
	}

	orc := oracle.New(store, cfg.OracleMaxAge())

	adapters, err := buildAdapters(ctx, cfg, store, keys, orc, log)
	if err != nil {
		log.Fatal("Failed to initialize chain adapters", "error", err)
	}

	planner := commission.New(commission.Config{
		PercentBps:         cfg.Commission.PercentBps,
		ERC20FixedFee:      cfg.ERC20Fees(),
		Stablecoins:        cfg.StablecoinSet(),
		StablecoinUSDFixed: cfg.Commission.StablecoinUSDFixed,
		GasBuffer:          gasBuffers(cfg),
	})

	tank := gastank.New(gastank.Config{TankKeyHex: cfg.TankWalletKey}, adapters)
	queue := payout.New(store, adapters)

	eng := engine.New(engine.Config{
		SwapGracePeriod:   cfg.SwapGracePeriod(),
		OperatorAddresses: cfg.OperatorAddresses(),
		AllowedAssets:     cfg.AllowedAssetSet(),
		MaxAmounts:        cfg.MaxAmountLimits(),
	}, store, adapters, planner, queue, tank)
	queue.OnCompleted = eng.Notify

	watch := watcher.New(store, adapters)
	watch.OnChange = eng.Notify
	watch.Refunder = eng

	mailer := mail.NewLogDispatcher(cfg.EmailEnabled)

	rpcServer := rpc.NewServer(cfg, eng, store, orc, mailer)
	if err := rpcServer.Start(cfg.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return watch.Run(gctx) })

	printBanner(log, cfg, dataPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutting down...")
	case <-gctx.Done():
		log.Error("Background worker failed", "error", gctx.Err())
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Error during shutdown", "error", err)
	}
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// loadConfig resolves the config path and applies CLI-level overrides
// that must land before validation.
func loadConfig(configFile, dataDir string, testnet bool) (*config.Config, error) {
	path := configFile
	if path == "" {
		base := dataDir
		if base == "" {
			base = config.DefaultDataDir
		}
		if home, err := os.UserHomeDir(); err == nil && len(base) > 0 && base[0] == '~' {
			base = filepath.Join(home, base[1:])
		}
		path = filepath.Join(base, "config.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if testnet {
		cfg.Network = "testnet"
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadKeyring builds the escrow keyring from the configured mnemonic,
// generating and persisting one on first start.
func loadKeyring(cfg *config.Config, dataPath string, log *logging.Logger) (*keyring.Keyring, error) {
	mnemonic := cfg.Mnemonic
	seedFile := filepath.Join(dataPath, "escrow_seed")

	if mnemonic == "" {
		if data, err := os.ReadFile(seedFile); err == nil {
			mnemonic = string(data)
		}
	}
	if mnemonic == "" {
		var err error
		mnemonic, err = keyring.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(seedFile, []byte(mnemonic), 0o600); err != nil {
			return nil, err
		}
		log.Warn("Generated new escrow mnemonic", "path", seedFile)
		log.Warn("Back it up: losing it strands every open escrow")
	}

	return keyring.NewFromMnemonic(mnemonic, "")
}

// buildAdapters constructs one settlement adapter per enabled chain.
func buildAdapters(ctx context.Context, cfg *config.Config, store *storage.Storage,
	keys *keyring.Keyring, orc *oracle.Oracle, log *logging.Logger) (*adapter.Registry, error) {

	indexes := backend.NewDefaultRegistry(cfg.ChainNetwork(), cfg.Indexes)
	registry := adapter.NewRegistry()

	for params, cc := range cfg.EnabledChains() {
		switch params.Type {
		case chain.ChainTypeBitcoin:
			index, ok := indexes.Get(params.Symbol)
			if !ok {
				log.Warn("No chain index for symbol, skipping", "chain", params.Symbol)
				continue
			}
			registry.Register(adapter.NewUTXO(&adapter.UTXOConfig{
				Params:  params,
				Index:   index,
				Keyring: keys,
				Ledger:  store,
				Oracle:  orc,
			}))

		case chain.ChainTypeEVM:
			a, err := adapter.NewEVM(ctx, &adapter.EVMConfig{
				Params:        params,
				RPCURL:        cc.RPCURL,
				Keyring:       keys,
				Ledger:        store,
				Oracle:        orc,
				ERC20FixedFee: erc20Fee(cc.ERC20FixedFee),
				BrokerAddress: cc.BrokerAddress,
			})
			if err != nil {
				log.Warn("EVM chain unreachable, skipping", "chain", params.Symbol, "error", err)
				continue
			}
			registry.Register(a)

		case chain.ChainTypeSolana:
			registry.Register(adapter.NewSolana(&adapter.SolanaConfig{
				Params:  params,
				RPCURL:  cc.RPCURL,
				Keyring: keys,
				Ledger:  store,
				Oracle:  orc,
			}))
		}
		log.Info("Chain adapter ready", "chain", params.Symbol, "chainId", params.ChainID)
	}

	return registry, nil
}

func erc20Fee(s string) *big.Int {
	if s == "" {
		return nil
	}
	if amt, err := deal.ParseAmount(s); err == nil {
		return amt.Int()
	}
	return nil
}

// gasBuffers projects the chain registry's per-chain gas headroom into
// the commission planner's config.
func gasBuffers(cfg *config.Config) map[uint64]*deal.Amount {
	out := make(map[uint64]*deal.Amount)
	for params := range cfg.EnabledChains() {
		if buf := params.GasBuffer(); buf.Sign() > 0 {
			out[params.ChainID] = deal.NewAmount(buf)
		}
	}
	return out
}

func printBanner(log *logging.Logger, cfg *config.Config, dataPath string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosslane OTC Broker (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s/rpc", cfg.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.ListenAddr)
	log.Infof("  Links served under: %s", cfg.BaseURL)
	log.Info("")
	chains := ""
	for params := range cfg.EnabledChains() {
		if chains != "" {
			chains += ", "
		}
		chains += params.Symbol
	}
	log.Infof("  Chains: %s", chains)
	log.Infof("  Data dir: %s", dataPath)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
