package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/raid-guild/split-facilitator-go/api"
	"github.com/raid-guild/split-facilitator-go/auth"
	"github.com/raid-guild/split-facilitator-go/clients"
	"github.com/raid-guild/split-facilitator-go/config"
	"github.com/raid-guild/split-facilitator-go/core"
	"github.com/raid-guild/split-facilitator-go/logging"
	"github.com/raid-guild/split-facilitator-go/metrics"
	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/watcher"
)

func main() {
	if err := run(); err != nil {
		slog.Error("facilitator exited", "error", err)
		os.Exit(1)
	}
}

func run() error {

	// Load .env file
	envErr := godotenv.Load()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup logger
	log, closer := logging.Setup(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
	})
	defer closer.Close()
	if envErr != nil {
		log.Debug("no .env file found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Facilitator()

	// Initialize storage
	store, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()
	log.Info("storage initialized", "driver", cfg.DatabaseDriver)

	if err := seedRoster(ctx, store, cfg.Roster); err != nil {
		return err
	}

	// Initialize the ledger client
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := clients.Dial(dialCtx, cfg.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		chainID, err = client.ChainID(chainCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("get chain id: %w", err)
		}
	}
	ledger := clients.NewLedger(client, chainID,
		clients.WithLookback(cfg.LookbackBlocks),
		clients.WithReceiptPollInterval(cfg.ReceiptPollInterval),
	)
	log.Info("ledger client initialized", "chain_id", chainID.String())

	// Initialize the verifier and settlement engine
	domain := core.Domain{
		Name:    cfg.DomainName,
		Version: cfg.DomainVersion,
		ChainID: chainID.Int64(),
	}
	verifier := core.NewVerifier(domain, store, core.WithVerifierMetrics(m))

	engineOpts := []core.EngineOption{
		core.WithConfirmTimeout(cfg.ConfirmTimeout),
		core.WithEngineMetrics(m),
		core.WithEngineLogger(log),
	}
	if cfg.FacilitatorPrivateKey != "" {
		key, err := parseKey(cfg.FacilitatorPrivateKey)
		if err != nil {
			return fmt.Errorf("invalid FACILITATOR_PRIVATE_KEY: %w", err)
		}
		engineOpts = append(engineOpts, core.WithFacilitatorKey(key))
		log.Info("facilitator key loaded", "account", crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	if cfg.DisperseContract != "" {
		engineOpts = append(engineOpts, core.WithDisperseContract(common.HexToAddress(cfg.DisperseContract)))
	}
	engine := core.NewEngine(ledger, verifier, engineOpts...)

	// Start the payment watchers
	supervisor, err := buildWatchers(cfg, ledger, engine, store, log, m)
	if err != nil {
		return err
	}
	supervisor.Start(ctx)

	// Start the nonce sweeper
	go storage.NewNonceSweeper(store, cfg.NonceSweepInterval, log, m).Run(ctx)

	// Start the HTTP server
	var keys auth.KeyStore
	if cfg.APIKeysFromDB {
		keys = store
	}
	handler := api.New(verifier, engine,
		api.WithAuthenticator(auth.New(cfg.StaticAPIKey, keys)),
		api.WithRateLimiter(api.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, log, m)),
		api.WithSplitLookup(store),
		api.WithHealthCheck(store),
		api.WithSupported(supportedKinds(cfg, chainID.Int64())...),
		api.WithLogger(log),
		api.WithMetrics(m),
	)
	server := handler.Server(cfg.ListenAddr)

	errs := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.ListenAddr)
		errs <- server.ListenAndServe()
	}()

	// Wait for a shutdown signal
	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopWatchers(supervisor, cfg, log)
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
		_ = server.Close()
	}

	// Let the watchers finish the batch in progress
	stopWatchers(supervisor, cfg, log)
	log.Info("shutdown complete")
	return nil
}

// stopWatchers gives an in-flight split time to confirm and be recorded
// before its calls are cancelled.
func stopWatchers(supervisor *watcher.Supervisor, cfg *config.Config, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+cfg.CallTimeout)
	defer cancel()
	if err := supervisor.Shutdown(ctx); err != nil {
		log.Warn("watchers did not finish in time, in-flight calls were cancelled", "error", err)
	}
}

// seedRoster writes the configured beneficiaries and referrers to the store.
func seedRoster(ctx context.Context, store *storage.Store, roster *config.Roster) error {
	if roster == nil {
		return nil
	}
	for _, b := range roster.Beneficiaries {
		err := store.UpsertBeneficiary(ctx, storage.Beneficiary{
			ID:                b.ID,
			Name:              b.Name,
			CollectionAccount: common.HexToAddress(b.CollectionAccount).Hex(),
			PayoutAccount:     common.HexToAddress(b.PayoutAccount).Hex(),
			PlatformRateBps:   b.PlatformRateBps,
			AffiliateRateBps:  b.AffiliateRateBps,
		})
		if err != nil {
			return fmt.Errorf("seed beneficiary %s: %w", b.ID, err)
		}
	}
	for _, r := range roster.Referrers {
		err := store.UpsertReferrer(ctx, storage.Referrer{
			Code:          r.Code,
			PayoutAccount: common.HexToAddress(r.PayoutAccount).Hex(),
		})
		if err != nil {
			return fmt.Errorf("seed referrer %s: %w", r.Code, err)
		}
	}
	return nil
}

// buildWatchers creates one watcher per roster beneficiary.
func buildWatchers(cfg *config.Config, ledger *clients.Ledger, engine *core.Engine, store *storage.Store, log *slog.Logger, m *metrics.FacilitatorMetrics) (*watcher.Supervisor, error) {
	if cfg.Roster == nil || len(cfg.Roster.Beneficiaries) == 0 {
		log.Info("no beneficiaries configured, watchers disabled")
		return watcher.NewSupervisor(), nil
	}

	// Inbound transfers are found through token event logs
	asset := cfg.Asset
	if clients.IsNative(asset) {
		return nil, errors.New("ASSET must be a token address when beneficiaries are configured")
	}

	watchers := make([]*watcher.Watcher, 0, len(cfg.Roster.Beneficiaries))
	for _, b := range cfg.Roster.Beneficiaries {
		key, err := parseKey(b.CollectionKey)
		if err != nil {
			return nil, fmt.Errorf("beneficiary %s: invalid collection key: %w", b.ID, err)
		}
		if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(b.CollectionAccount) {
			return nil, fmt.Errorf("beneficiary %s: collection key does not control %s", b.ID, b.CollectionAccount)
		}

		w, err := watcher.New(watcher.Config{
			Beneficiary: storage.Beneficiary{
				ID:                b.ID,
				Name:              b.Name,
				CollectionAccount: b.CollectionAccount,
				PayoutAccount:     b.PayoutAccount,
				PlatformRateBps:   b.PlatformRateBps,
				AffiliateRateBps:  b.AffiliateRateBps,
			},
			CollectionKey:   key,
			PlatformAccount: cfg.Roster.PlatformAccount,
			Asset:           asset,
			PollInterval:    cfg.PollInterval,
			PageSize:        cfg.PageSize,
			MaxPages:        cfg.MaxPages,
			CallTimeout:     cfg.CallTimeout,
		}, ledger, engine, store, watcher.WithLogger(log), watcher.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("beneficiary %s: %w", b.ID, err)
		}
		watchers = append(watchers, w)
		log.Info("watcher configured", "beneficiary", b.ID, "collection", b.CollectionAccount)
	}

	return watcher.NewSupervisor(watchers...), nil
}

// supportedKinds lists the settlement modes this deployment can serve.
func supportedKinds(cfg *config.Config, chainID int64) []types.SupportedKind {
	kinds := []types.SupportedKind{{
		Mode:    types.SettlementModeSponsored,
		ChainID: chainID,
	}}
	if cfg.DisperseContract != "" {
		kinds = append(kinds, types.SupportedKind{
			Mode:    types.SettlementModeSplit,
			ChainID: chainID,
			Asset:   cfg.Asset,
		})
	}
	return kinds
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}
