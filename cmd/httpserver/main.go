package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cobaltvault/storage-orchestration-backend/cmd/flags"
	"github.com/cobaltvault/storage-orchestration-backend/httpserver"
	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/keystore"
	"github.com/cobaltvault/storage-orchestration-backend/ledger"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/orchestrator"
	"github.com/cobaltvault/storage-orchestration-backend/placement"
	"github.com/cobaltvault/storage-orchestration-backend/storage"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
	"github.com/cobaltvault/storage-orchestration-backend/validation"
)

var serverFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.BackendFlag,
	flags.PrimaryBackendFlag,
	flags.ArchivalBackendFlag,
	flags.DBPathFlag,
	flags.WorkDirFlag,
	flags.ChunkSizeFlag,
	flags.CompressFlag,
	flags.CompressThresholdFlag,
	flags.RateLimitFlag,
	flags.RateBurstFlag,
	flags.HealthIntervalFlag,
	flags.ResolverAddrFlag,
	flags.VaultAddrFlag,
	flags.VaultTokenFlag,
	flags.VaultMountFlag,
	flags.VaultPathFlag,
	flags.MasterKeyFlag,
	flags.LedgerRpcFlag,
	flags.LedgerKeyFlag,
	flags.LedgerIntervalFlag,
	flags.LogServiceFlagFn("storage-orchestrator"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "storage-orchestrator",
		Usage: "Serve the file upload, placement and retrieval API",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			backendURIs := cCtx.StringSlice(flags.BackendFlag.Name)
			if len(backendURIs) == 0 {
				logger.Error("At least one --backend is required")
				return errors.New("at least one --backend is required")
			}
			locations := make([]interfaces.BackendLocation, 0, len(backendURIs))
			for _, uri := range backendURIs {
				loc, err := interfaces.NewBackendLocation(uri)
				if err != nil {
					logger.Error("Invalid backend URI", "uri", uri, "err", err)
					return err
				}
				locations = append(locations, loc)
			}

			resolver := storage.NewEndpointResolver(cCtx.String(flags.ResolverAddrFlag.Name))
			factory := storage.NewBackendFactory(logger, resolver)
			backends, err := factory.BackendsFor(locations)
			if err != nil {
				logger.Error("Failed to create storage backends", "err", err)
				return err
			}

			primaryName := cCtx.String(flags.PrimaryBackendFlag.Name)
			if primaryName == "" {
				primaryName = backends[0].Name()
			}
			archivalName := cCtx.String(flags.ArchivalBackendFlag.Name)
			if archivalName == "" {
				archivalName = backends[len(backends)-1].Name()
			}

			healthInterval := time.Duration(cCtx.Int64(flags.HealthIntervalFlag.Name)) * time.Second
			monitor := placement.NewHealthMonitor(backends, healthInterval, logger)
			monitor.Start(context.Background())
			defer monitor.Stop()

			strategy, err := placement.NewStrategy(
				placement.DefaultConfig(primaryName, archivalName), backends, monitor)
			if err != nil {
				logger.Error("Invalid placement configuration", "err", err)
				return err
			}

			store, err := metadata.NewStore(cCtx.String(flags.DBPathFlag.Name), logger)
			if err != nil {
				logger.Error("Failed to open metadata store", "err", err)
				return err
			}
			defer store.Close()

			sealer, err := configureSealer(cCtx)
			if err != nil {
				logger.Error("Invalid master key", "err", err)
				return err
			}
			keys, err := configureKeystore(cCtx, sealer, logger)
			if err != nil {
				logger.Error("Failed to configure keystore", "err", err)
				return err
			}

			anchor, err := configureAnchor(cCtx, logger)
			if err != nil {
				logger.Error("Failed to configure ledger anchor", "err", err)
				return err
			}
			syncerCfg := ledger.DefaultSyncerConfig()
			syncerCfg.Interval = time.Duration(cCtx.Int64(flags.LedgerIntervalFlag.Name)) * time.Second
			syncer := ledger.NewSyncer(store, anchor, syncerCfg, logger)
			syncer.Start()
			defer syncer.Stop()

			workDir := cCtx.String(flags.WorkDirFlag.Name)
			if workDir == "" {
				workDir = os.TempDir()
			}

			dedup := metadata.NewDedupIndex(store)
			orch := orchestrator.New(
				orchestrator.Config{
					WorkDir:           workDir,
					ChunkSize:         cCtx.Int64(flags.ChunkSizeFlag.Name),
					CompressUploads:   cCtx.Bool(flags.CompressFlag.Name),
					CompressThreshold: cCtx.Int64(flags.CompressThresholdFlag.Name),
					RequestsPerSecond: cCtx.Float64(flags.RateLimitFlag.Name),
					RequestBurst:      cCtx.Int(flags.RateBurstFlag.Name),
				},
				validation.New(validation.Config{SpoolDir: workDir}, logger),
				transform.NewPipeline(dedup, workDir, logger),
				placement.NewUploader(strategy, logger),
				strategy, store, dedup, keys, logger)

			listenAddr := cCtx.String(flags.ListenAddrFlag.Name)
			cfg := flags.ConfigureServer(cCtx, logger, listenAddr)
			server, err := httpserver.New(cfg, httpserver.NewHandler(orch, monitor, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// configureSealer builds the key sealer from the master-key flag. Without a
// master key stored encryption keys are kept unwrapped.
func configureSealer(cCtx *cli.Context) (*keystore.Sealer, error) {
	raw := cCtx.String(flags.MasterKeyFlag.Name)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex encoded: %w", err)
	}
	return keystore.NewSealer(key)
}

func configureKeystore(cCtx *cli.Context, sealer *keystore.Sealer, logger *slog.Logger) (keystore.KeyStore, error) {
	vaultAddr := cCtx.String(flags.VaultAddrFlag.Name)
	if vaultAddr == "" {
		logger.Info("Using in-memory keystore")
		return keystore.NewMemoryKeyStore(sealer), nil
	}

	logger.Info("Using Vault keystore", "address", vaultAddr)
	return keystore.NewVaultKeyStore(
		vaultAddr,
		cCtx.String(flags.VaultTokenFlag.Name),
		cCtx.String(flags.VaultMountFlag.Name),
		cCtx.String(flags.VaultPathFlag.Name),
		sealer, logger)
}

func configureAnchor(cCtx *cli.Context, logger *slog.Logger) (ledger.Anchor, error) {
	rpcAddr := cCtx.String(flags.LedgerRpcFlag.Name)
	if rpcAddr == "" {
		logger.Info("Ledger anchoring disabled, using mock anchor")
		return ledger.NewMockAnchor(), nil
	}

	privateKey := cCtx.String(flags.LedgerKeyFlag.Name)
	if privateKey == "" {
		return nil, errors.New("ledger-key is required when ledger-rpc is set")
	}

	logger.Info("Connecting to ledger RPC", "address", rpcAddr)
	return ledger.NewEthereumAnchor(context.Background(), rpcAddr, privateKey)
}
