package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"zapclock/internal/api"
	"zapclock/internal/config"
	"zapclock/internal/lnurl"
	"zapclock/internal/logging"
	"zapclock/internal/nwc"
	"zapclock/internal/payments"
)

func printBalance(svc *payments.Service, descriptor string, log *logrus.Logger) {
	if descriptor == "" {
		log.Fatal("-balance needs a wallet connection descriptor (-nwc or ZAPCLOCK_NWC_URI)")
	}
	uri, err := nwc.ParseURI(descriptor)
	if err != nil {
		log.Fatalf("%s", api.Describe(err))
	}

	balance, err := svc.TestConnection(context.Background(), descriptor)
	if err != nil {
		log.Fatalf("%s", api.Describe(err))
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║             Wallet Connection            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Relay:    %-30s║\n", truncate(uri.Relay(), 30))
	fmt.Printf("║  Wallet:   %-30s║\n", truncate(uri.WalletPubkey, 30))
	if uri.Lud16 != "" {
		fmt.Printf("║  Address:  %-30s║\n", truncate(uri.Lud16, 30))
	}
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Balance:  %-30s║\n", fmt.Sprintf("%d sats", balance))
	fmt.Println("╚══════════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", cfg.LogFormat, "Log format (text or json)")
	showBalance := flag.Bool("balance", false, "Query the wallet balance and exit")
	descriptor := flag.String("nwc", cfg.Descriptor, "Wallet connection descriptor for -balance")
	devMode := flag.Bool("dev", cfg.DevMode, "Development mode: mock wallet, no CORS restrictions, no rate limiting")
	corsOrigins := flag.String("cors-origins", cfg.CORSOrigins, "Comma-separated list of allowed CORS origins")
	reconcile := flag.Duration("reconcile-timeout", cfg.ReconcileTimeout, "Look up a timed-out payment once, bounded by this duration (0 disables)")
	flag.Parse()

	cfg.CORSOrigins = *corsOrigins
	cfg.ReconcileTimeout = *reconcile
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := api.Init(logging.Options{Level: *logLevel, Format: *logFormat})
	log := logging.Component(logger, "server")

	// Wallet connections share one relay pool
	pool := nwc.NewPool(logger)
	defer pool.Close()

	var wallets payments.WalletFactory
	if *devMode {
		wallets = payments.NewMockWallet(100000).Wallets()
		log.Info("using mock wallet (development mode)")
	} else {
		wallets = payments.NWCWallets(pool,
			nwc.WithLogger(logger),
			nwc.WithTimeouts(cfg.BalanceTimeout, cfg.PayTimeout),
			nwc.WithLookupTimeout(cfg.ReconcileTimeout),
		)
	}

	resolver := lnurl.NewClient(lnurl.ClientConfig{
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})
	paymentsSvc := payments.NewService(resolver, wallets,
		payments.WithLogger(logger),
		payments.WithReconcileTimeout(cfg.ReconcileTimeout),
	)
	if cfg.ReconcileTimeout > 0 {
		log.Infof("post-timeout reconciliation enabled (%s)", cfg.ReconcileTimeout)
	}

	if *showBalance {
		printBalance(paymentsSvc, *descriptor, logger)
		return
	}

	bridge := api.NewBridge(paymentsSvc, logger)
	handler := api.NewHandler(bridge, api.NewInFlightLimiter(cfg.MaxInFlightPerIP), logger)

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode {
		log.Info("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.Origins()
		if len(corsConfig.AllowedOrigins) > 0 {
			log.Infof("CORS restricted to origins: %v", corsConfig.AllowedOrigins)
		}
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if !*devMode {
		finalHandler = api.RateLimit(api.RateLimitConfig{
			RequestsPerSecond:    cfg.RequestsPerSecond,
			BurstSize:            cfg.BurstSize,
			PayRequestsPerMinute: cfg.PayRequestsPerMinute,
			PayBurstSize:         cfg.PayBurstSize,
			Logger:               logger,
		})(finalHandler)
		log.Info("rate limiting enabled")
	}
	finalHandler = api.Logger(logger)(finalHandler)

	server := &http.Server{
		Addr:              *addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
		// A payment may spend two HTTP round trips, the pay deadline and a lookup.
		WriteTimeout: 2*cfg.HTTPTimeout + cfg.PayTimeout + cfg.ReconcileTimeout + 10*time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.PayTimeout+10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown error: %v", err)
		}
	}()

	log.Infof("zapclock %s starting on %s", api.Version(), *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
