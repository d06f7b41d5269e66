// Package daemon wires config, telemetry, the admin identity, storage, and
// the perpetuals.Engine into a runnable host process for perpcored.
package daemon

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nhbchain/perpcore/config"
	"github.com/nhbchain/perpcore/crypto"
	"github.com/nhbchain/perpcore/native/perpetuals"
	"github.com/nhbchain/perpcore/observability/logging"
	"github.com/nhbchain/perpcore/observability/otel"
)

const (
	defaultConfigPath   = "./perpcore.toml"
	defaultKeystorePath = "./admin.keystore"
	adminPassEnv        = "PERPCORE_ADMIN_PASS"
)

// Main parses flags, brings up the host process, and blocks until it
// receives SIGINT/SIGTERM.
func Main() error {
	cfgPath := flag.String("config", defaultConfigPath, "path to the perpcore TOML config")
	keystorePath := flag.String("admin-keystore", defaultKeystorePath, "path to the admin V3 keystore, created on first run")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PERPCORE_ENV"))
	logger := logging.Setup("perpcore", env)

	host, err := bringUp(logger, *cfgPath, *keystorePath)
	if host != nil {
		defer host.shutdown(context.Background())
	}
	if err != nil {
		return err
	}

	logger.Info("perpcore ready", "pools", len(host.cfg.Pools), "data_dir", host.cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// host bundles the constructed engine and its backing resources. The
// perpetuals RPC/CLI front end that would drive this engine is out of scope
// (§1's Non-goals); perpcored's job ends at bringing the engine up clean and
// holding its admin identity and storage open.
type host struct {
	cfg               *config.Config
	engine            *perpetuals.Engine
	adminAddr         crypto.Address
	storage           *perpetuals.LevelDBStorage
	shutdownTelemetry func(context.Context) error
}

func (h *host) shutdown(ctx context.Context) {
	if h.storage != nil {
		_ = h.storage.Close()
	}
	if h.shutdownTelemetry != nil {
		_ = h.shutdownTelemetry(ctx)
	}
}

// bringUp performs every setup step Main needs but doesn't block, so tests
// can exercise it directly without waiting on a signal.
func bringUp(logger *slog.Logger, cfgPath, keystorePath string) (*host, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := otel.Init(context.Background(), cfg.OtelInitConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	h := &host{cfg: cfg, shutdownTelemetry: shutdownTelemetry}

	admin, err := loadOrCreateAdminKey(keystorePath)
	if err != nil {
		return h, fmt.Errorf("admin key: %w", err)
	}
	h.adminAddr = admin.PubKey().AddressWithPrefix(crypto.PerpPrefix)
	logger.Info("admin identity loaded", "address", h.adminAddr.String())

	storage, err := perpetuals.NewLevelDBStorage(cfg.DataDir)
	if err != nil {
		return h, fmt.Errorf("open storage: %w", err)
	}
	h.storage = storage
	if err := cfg.Seed(storage); err != nil {
		return h, fmt.Errorf("seed storage: %w", err)
	}

	ledger := perpetuals.NewMemoryTokenLedger()
	oracle := perpetuals.NewTestOracleSource()
	h.engine = perpetuals.NewEngine(storage, ledger, oracle, cfg.ActionPauses(), logger)

	return h, nil
}

// loadOrCreateAdminKey loads the admin signer from keystorePath, generating
// and persisting a fresh one on first run.
func loadOrCreateAdminKey(keystorePath string) (*crypto.PrivateKey, error) {
	passphrase := os.Getenv(adminPassEnv)

	if _, err := os.Stat(keystorePath); err == nil {
		return crypto.LoadFromKeystore(keystorePath, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate admin key: %w", err)
	}
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, fmt.Errorf("save admin keystore: %w", err)
	}
	return key, nil
}
