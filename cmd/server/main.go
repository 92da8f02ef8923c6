package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/better-wallet/provider-bridge/internal/api"
	"github.com/better-wallet/provider-bridge/internal/approval"
	"github.com/better-wallet/provider-bridge/internal/bridge"
	"github.com/better-wallet/provider-bridge/internal/broadcast"
	"github.com/better-wallet/provider-bridge/internal/config"
	"github.com/better-wallet/provider-bridge/internal/keyexec"
	"github.com/better-wallet/provider-bridge/internal/logger"
	"github.com/better-wallet/provider-bridge/internal/permission"
	"github.com/better-wallet/provider-bridge/internal/session"
	"github.com/better-wallet/provider-bridge/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// keyStore is the key source as the server provisions it
type keyStore interface {
	keyexec.KeySource
	Accounts(ctx context.Context) ([]string, error)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	// Initialize key custody
	kms, err := keyexec.NewKMSProvider(ctx, &keyexec.KMSConfig{
		Provider:        cfg.KMSProvider,
		LocalMasterKey:  cfg.KMSLocalMasterKey,
		AWSKMSKeyID:     cfg.KMSAWSKeyID,
		AWSKMSRegion:    cfg.KMSAWSRegion,
		VaultAddress:    cfg.KMSVaultAddress,
		VaultToken:      cfg.KMSVaultToken,
		VaultTransitKey: cfg.KMSVaultTransitKey,
	})
	if err != nil {
		slog.Error("failed to initialize KMS provider", "error", err)
		os.Exit(1)
	}

	// Initialize permission store and key source
	var (
		grants permission.Store
		keys   keyStore
		pinger api.Pinger
		seed   func(account string, blob []byte) error
	)
	switch cfg.PermissionStore {
	case config.PermissionStorePostgres:
		store, err := storage.New(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		slog.Info("connected to database")

		repo := storage.NewSigningKeyRepository(store)
		grants = storage.NewPermissionRepository(store)
		keys = repo
		pinger = store
		seed = func(account string, blob []byte) error {
			return repo.Put(ctx, account, blob, kms.Provider())
		}
	default:
		mem := keyexec.NewMemoryKeySource()
		grants = permission.NewMemoryStore()
		keys = mem
		seed = func(account string, blob []byte) error {
			mem.Put(account, blob)
			return nil
		}
		slog.Warn("using in-memory permission store; grants will not survive a restart")
	}

	if cfg.SigningKeyHex != "" {
		account, blob, err := keyexec.EncryptKeyHex(ctx, kms, cfg.SigningKeyHex)
		if err != nil {
			slog.Error("failed to import signing key", "error", err)
			os.Exit(1)
		}
		if err := seed(account, blob); err != nil {
			slog.Error("failed to store signing key", "error", err)
			os.Exit(1)
		}
		slog.Info("imported signing key", "account", account)
	}

	if accounts, err := keys.Accounts(ctx); err != nil {
		slog.Warn("failed to list signing accounts", "error", err)
	} else {
		slog.Info("signing service ready", "kms_provider", kms.Provider(), "accounts", len(accounts))
	}

	// Initialize bridge components
	reg := prometheus.DefaultRegisterer
	approvals := approval.NewQueue(cfg.ApprovalTimeout)
	registry := broadcast.NewRegistry(cfg.BroadcastQueueSize, broadcast.NewMetrics(reg))
	manager := session.NewManager(grants, approvals, keyexec.NewSigner(keys, kms), registry, session.Config{
		Metrics: session.NewMetrics(reg),
	})

	restored, err := manager.Restore(ctx)
	if err != nil {
		slog.Error("failed to restore sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("restored sessions", "count", restored)

	b := bridge.New(manager, registry, bridge.NewMetrics(reg))

	// Initialize API server
	server := api.NewServer(cfg, manager, grants, approvals, bridge.NewWebSocketHandler(b), prometheus.DefaultGatherer, pinger)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Page contexts hold hijacked connections the HTTP server will not
		// wait for, so close them first.
		b.Close()
		registry.Close()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}
