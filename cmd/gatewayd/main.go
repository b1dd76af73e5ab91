// Command gatewayd runs the payment gateway daemon: the merchant API, the
// operator admin surface, the chain event ingestor, the webhook dispatcher,
// the price oracle and the periodic maintenance jobs, all over one Postgres
// store and one escrow contract.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"parapay/chain"
	"parapay/chain/noncestore"
	"parapay/cmd/internal/passphrase"
	"parapay/config"
	"parapay/engine"
	"parapay/feed"
	"parapay/gateway"
	"parapay/ingest"
	"parapay/observability/logging"
	telemetry "parapay/observability/otel"
	"parapay/oracle"
	"parapay/payouts"
	"parapay/recon"
	"parapay/scheduler"
	"parapay/store"
	"parapay/webhook"
)

const (
	serviceName     = "parapay-gateway"
	shutdownTimeout = 10 * time.Second

	// passphraseEnv supplies the keystore passphrase non-interactively.
	passphraseEnv = "PARAPAY_KEYSTORE_PASSPHRASE"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gatewayd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(cfg.OTLPHeaders),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	ledger, err := noncestore.Open(cfg.NonceLedgerPath)
	if err != nil {
		return fmt.Errorf("open nonce ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	key, err := loadSignerKey(cfg)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}

	chainClient, err := chain.New(chain.Config{
		RPCURLs:       cfg.ChainRPCURLs,
		ContractAddr:  cfg.ContractAddress,
		ChainID:       cfg.ChainID,
		FinalityDepth: cfg.FinalityDepth,
		GasLimit:      cfg.GasLimit,
		Key:           key,
		NonceLedger:   ledger,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	defer chainClient.Close()
	logger.Info("chain client ready",
		"contract", chainClient.ContractAddress().Hex(),
		"signer", chainClient.SignerAddress().Hex(),
		"finality_depth", cfg.FinalityDepth)

	snapshot, err := oracle.OpenSnapshot(cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("open rate snapshot: %w", err)
	}
	defer func() { _ = snapshot.Close() }()

	prices, err := oracle.New(
		[]oracle.Source{
			oracle.NewCoinGecko(nil, cfg.PriceEndpoint, map[string]string{
				"DOT": "polkadot",
				"KSM": "kusama",
			}),
		},
		trackedPairs(),
		cfg.PriceRefreshInterval,
		cfg.PriceMaxAge,
		oracle.WithSnapshot(snapshot),
		oracle.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("price oracle: %w", err)
	}

	hub := feed.NewHub()

	eng, err := engine.New(st, chainClient, prices,
		engine.WithLogger(logger),
		engine.WithFeed(hub),
		engine.WithHoldWindow(cfg.HoldWindow),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	dispatcher, err := webhook.New(st,
		webhook.WithWorkers(cfg.WebhookWorkers),
		webhook.WithRetry(cfg.WebhookMaxAttempts, cfg.WebhookRetryBase, cfg.WebhookRetryCap),
		webhook.WithFeed(hub),
		webhook.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("webhook dispatcher: %w", err)
	}

	ingestor, err := ingest.New(st, chainClient, eng,
		ingest.WithRewindDepth(cfg.FinalityDepth),
		ingest.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("event ingestor: %w", err)
	}

	var policies []payouts.Policy
	if cfg.PayoutPolicyPath != "" {
		policies, err = payouts.LoadPolicies(cfg.PayoutPolicyPath)
		if err != nil {
			return fmt.Errorf("payout policies: %w", err)
		}
	}
	batcher, err := payouts.New(st, chainClient, payouts.NewEnforcer(policies),
		payouts.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("payout batcher: %w", err)
	}

	reconciler, err := recon.New(recon.Config{
		Store:     st,
		Chain:     chainClient,
		OutputDir: cfg.ReconOutputDir,
		Alert: func(_ context.Context, a recon.Anomaly) error {
			hub.Publish(feed.Event{
				Kind:     feed.KindAlert,
				IntentID: a.IntentID,
				Detail:   a.Kind + ": " + a.Details,
			})
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	sched := scheduler.New(logger)
	sched.Add(scheduler.Job{Name: "expire-intents", Every: 30 * time.Second, Run: func(ctx context.Context) error {
		_, err := eng.ExpireDue(ctx)
		return err
	}})
	sched.Add(scheduler.Job{Name: "auto-release", Every: 30 * time.Second, Run: func(ctx context.Context) error {
		_, err := eng.AutoReleaseDue(ctx)
		return err
	}})
	sched.Add(scheduler.Job{Name: "webhook-sweep", Every: 5 * time.Second, Run: func(context.Context) error {
		dispatcher.Wake()
		return nil
	}})
	sched.Add(scheduler.Job{Name: "payout-batch", Every: time.Hour, Run: func(ctx context.Context) error {
		_, err := batcher.Run(ctx, "")
		return err
	}})
	sched.Add(scheduler.Job{Name: "event-cursor-advance", Every: 2 * time.Second, Run: ingestor.Tick})
	sched.Add(scheduler.Job{Name: "recon-export", Every: 24 * time.Hour, Run: func(ctx context.Context) error {
		end := time.Now().UTC()
		_, err := reconciler.Run(ctx, recon.RunOptions{Start: end.Add(-24 * time.Hour), End: end})
		return err
	}})

	srv, err := gateway.New(gateway.Config{
		Engine:    eng,
		Store:     st,
		Chain:     chainClient,
		Feed:      hub,
		Webhooks:  dispatcher,
		Payouts:   batcher,
		Jobs:      sched,
		JWTSecret: cfg.JWTSecret,
		RateRPS:   cfg.RateLimitRPS,
		RateBurst: cfg.RateLimitBurst,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settle intents whose submitted transactions outlived the previous
	// process before accepting new traffic. A dead chain endpoint here is not
	// fatal; the next maintenance pass retries.
	if err := eng.ReconcilePending(ctx); err != nil {
		logger.Warn("startup reconciliation incomplete", "error", err)
	}

	go func() {
		if err := prices.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("price oracle stopped", "error", err)
		}
	}()
	go dispatcher.Run(ctx)
	go sched.Run(ctx)

	public := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.PublicHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	admin := &http.Server{
		Addr:        cfg.AdminListenAddress,
		Handler:     srv.AdminHandler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("merchant API listening", "addr", cfg.ListenAddress)
		errs <- public.ListenAndServe()
	}()
	go func() {
		logger.Info("admin surface listening", "addr", cfg.AdminListenAddress)
		errs <- admin.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := public.Shutdown(shutdownCtx); err != nil {
		_ = public.Close()
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		_ = admin.Close()
	}
	return nil
}

// loadSignerKey resolves the escrow signer key: a raw hex key from the
// configured environment variable when set, otherwise the encrypted keystore
// file with its passphrase from PARAPAY_KEYSTORE_PASSPHRASE or a prompt.
func loadSignerKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.SignerKeyEnv != "" {
		return chain.KeyFromEnv(cfg.SignerKeyEnv)
	}
	secret, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	return chain.KeyFromKeystore(cfg.KeystorePath, secret)
}

// trackedPairs lists every crypto/fiat pair the gateway quotes.
func trackedPairs() []oracle.Pair {
	bases := []string{"DOT", "KSM"}
	quotes := []string{"USD", "EUR", "GBP", "JPY"}
	pairs := make([]oracle.Pair, 0, len(bases)*len(quotes))
	for _, b := range bases {
		for _, q := range quotes {
			pairs = append(pairs, oracle.Pair{Base: b, Quote: q})
		}
	}
	return pairs
}
