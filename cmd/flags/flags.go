package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/cobaltvault/storage-orchestration-backend/common"
	"github.com/cobaltvault/storage-orchestration-backend/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the file API",
}

var BackendFlag = &cli.StringSliceFlag{
	Name:  "backend",
	Usage: "storage backend location URI (file://, s3://, ipfs://, vault://); repeatable, first is the default primary",
}

var PrimaryBackendFlag = &cli.StringFlag{
	Name:  "primary-backend",
	Usage: "name of the backend that receives default placements (defaults to the first --backend)",
}

var ArchivalBackendFlag = &cli.StringFlag{
	Name:  "archival-backend",
	Usage: "name of the backend that holds permanent files and backups (defaults to the last --backend)",
}

var DBPathFlag = &cli.StringFlag{
	Name:  "db-path",
	Value: "file-metadata.db",
	Usage: "path to the metadata database directory",
}

var WorkDirFlag = &cli.StringFlag{
	Name:  "work-dir",
	Usage: "directory for transform spool files, defaults to the system temp dir",
}

var ChunkSizeFlag = &cli.Int64Flag{
	Name:  "chunk-size",
	Value: 8 << 20,
	Usage: "chunk size in bytes for multipart uploads of large blobs",
}

var CompressFlag = &cli.BoolFlag{
	Name:  "compress",
	Value: false,
	Usage: "compress uploads above the compression threshold",
}

var CompressThresholdFlag = &cli.Int64Flag{
	Name:  "compress-threshold",
	Value: 4 << 10,
	Usage: "minimum input size in bytes before compression is attempted",
}

var RateLimitFlag = &cli.Float64Flag{
	Name:  "rate-limit",
	Value: 0,
	Usage: "per-caller requests per second, 0 disables limiting",
}

var RateBurstFlag = &cli.IntFlag{
	Name:  "rate-burst",
	Value: 10,
	Usage: "per-caller burst allowance when rate limiting is enabled",
}

var HealthIntervalFlag = &cli.Int64Flag{
	Name:  "health-interval-seconds",
	Value: 30,
	Usage: "seconds between backend health probes",
}

var ResolverAddrFlag = &cli.StringFlag{
	Name:  "resolver-addr",
	Usage: "DNS resolver address for SRV-based backend discovery, empty uses the system resolver",
}

var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault server address for the encryption keystore; empty keeps keys in memory",
	EnvVars: []string{"VAULT_ADDR"},
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "Vault authentication token",
	EnvVars: []string{"VAULT_TOKEN"},
}

var VaultMountFlag = &cli.StringFlag{
	Name:  "vault-mount",
	Value: "secret",
	Usage: "Vault KV v2 mount for stored keys",
}

var VaultPathFlag = &cli.StringFlag{
	Name:  "vault-path",
	Value: "file-keys",
	Usage: "path under the Vault mount for stored keys",
}

var MasterKeyFlag = &cli.StringFlag{
	Name:    "master-key",
	Usage:   "hex-encoded 32-byte master key used to seal stored encryption keys",
	EnvVars: []string{"STORAGE_MASTER_KEY"},
}

var LedgerRpcFlag = &cli.StringFlag{
	Name:  "ledger-rpc",
	Usage: "Ethereum RPC address for ledger anchoring; empty uses the in-process mock anchor",
}

var LedgerKeyFlag = &cli.StringFlag{
	Name:    "ledger-key",
	Usage:   "hex-encoded private key for ledger anchoring transactions",
	EnvVars: []string{"STORAGE_LEDGER_KEY"},
}

var LedgerIntervalFlag = &cli.Int64Flag{
	Name:  "ledger-interval-seconds",
	Value: 30,
	Usage: "seconds between ledger sync drains",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
