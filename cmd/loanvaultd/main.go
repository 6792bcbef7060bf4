package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loanvault/config"
	"loanvault/core/state"
	"loanvault/gateway"
	"loanvault/native/auth"
	"loanvault/native/loan"
	"loanvault/native/nonce"
	"loanvault/native/origination"
	"loanvault/native/predicate"
	"loanvault/observability/logging"
	"loanvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LOANVAULT_ENV"))
	logger := logging.Setup("loanvaultd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	vaultAsset, err := config.Address(cfg.VaultAssetAddress)
	if err != nil {
		return err
	}
	custody, err := config.Address(cfg.CustodyAddress)
	if err != nil {
		return err
	}
	verifying, err := config.Address(cfg.VerifyingAddress)
	if err != nil {
		return err
	}

	manager := state.NewManager(db, vaultAsset)
	if err := manager.Migrate(); err != nil {
		return fmt.Errorf("migrate state: %w", err)
	}

	ledger := nonce.NewLedger()
	ledger.SetState(manager)
	ledger.SetRoles(manager)

	authorizer := auth.NewAuthorizer(auth.Domain{
		Name:             cfg.DomainName,
		Version:          cfg.DomainVersion,
		ChainID:          cfg.ChainID,
		VerifyingAddress: verifying,
	})
	authorizer.SetState(manager)

	engine := loan.NewEngine(custody)
	engine.SetState(manager)
	engine.SetNonces(ledger)
	engine.SetPauses(manager)
	engine.SetFeePolicy(loan.FeePolicy{Bps: cfg.FeeBps})
	minPrincipal, ok := new(big.Int).SetString(cfg.MinPrincipal, 10)
	if !ok {
		return fmt.Errorf("invalid MinPrincipal %q", cfg.MinPrincipal)
	}
	engine.SetMinPrincipal(minPrincipal)

	registry := predicate.NewRegistry()
	itemsVerifier := predicate.NewItemsVerifier()
	for _, encoded := range cfg.AllowedVerifiers {
		raw, err := config.Address(encoded)
		if err != nil {
			return err
		}
		if err := registry.Register(raw, itemsVerifier); err != nil {
			return fmt.Errorf("register verifier %s: %w", encoded, err)
		}
	}

	controller := origination.NewController(verifying, authorizer, engine, registry, manager, ledger)
	if err := manager.GrantRole(loan.RoleOriginator, controller.Address()); err != nil {
		return fmt.Errorf("grant originator role: %w", err)
	}
	for role, list := range map[string][]string{
		loan.RoleAdmin:      cfg.AdminAddresses,
		loan.RoleFeeClaimer: cfg.FeeClaimerAddresses,
		loan.RoleRepayer:    cfg.RepayerAddresses,
	} {
		for _, encoded := range list {
			raw, err := config.Address(encoded)
			if err != nil {
				return err
			}
			if err := manager.GrantRole(role, raw); err != nil {
				return fmt.Errorf("grant %s to %s: %w", role, encoded, err)
			}
		}
	}
	for _, module := range cfg.PausedModules {
		if err := manager.SetPaused(module, true); err != nil {
			return fmt.Errorf("pause module %s: %w", module, err)
		}
	}

	srv := gateway.NewServer(engine, controller, ledger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP gateway listening", slog.String("address", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
