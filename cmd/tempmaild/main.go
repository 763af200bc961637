package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/pop3d/internal/auth"
	"github.com/infodancer/pop3d/internal/config"
	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/httpapi"
	"github.com/infodancer/pop3d/internal/imap"
	"github.com/infodancer/pop3d/internal/logging"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/ratelimit"
	"github.com/infodancer/pop3d/internal/retention"
	"github.com/infodancer/pop3d/internal/server"
	"github.com/infodancer/pop3d/internal/smtp"
	"github.com/infodancer/pop3d/internal/store"
	"github.com/infodancer/pop3d/internal/tools"
	"github.com/infodancer/pop3d/internal/webhook"
	"github.com/infodancer/pop3d/internal/wsapi"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	backend, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening message store: %v\n", err)
		os.Exit(1)
	}
	logger.Info("message store opened", "database", cfg.DatabaseURL)

	bus := fanout.New(
		func(kind fanout.EventKind) { collector.EventPublished(string(kind)) },
		func(kind fanout.EventKind) { collector.EventDropped(string(kind)) },
	)

	dispatcher := webhook.New(backend, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	go dispatcher.Run(ctx, bus)

	if cfg.RetentionEnabled() {
		sweeper := retention.New(backend, bus, cfg.EmailRetentionHours, collector, logger)
		go sweeper.Run(ctx)
		logger.Info("retention sweeper enabled", "retention_hours", cfg.EmailRetentionHours)
	}

	smtpHandler := smtp.Handler(cfg.Hostname, cfg.DomainName, cfg.RejectNonDomainEmails,
		int64(cfg.Limits.MaxMessageSize), backend, bus, tlsConfig, collector)

	smtpServer, err := server.New(server.Config{
		Hostname:        cfg.Hostname,
		Listeners:       cfg.SMTPListeners,
		ConnTimeout:     cfg.Timeouts.ConnectionTimeout(),
		CommandTimeout:  cfg.Timeouts.CommandTimeout(),
		LogTransactions: cfg.LogLevel == "debug",
		TLSConfig:       tlsConfig,
		Logger:          logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating smtp server: %v\n", err)
		os.Exit(1)
	}
	smtpServer.SetHandler(smtpHandler)

	var imapServer *server.Server
	if cfg.IMAPAddress != "" {
		imapServer, err = server.New(server.Config{
			Hostname:       cfg.Hostname,
			Listeners:      []config.ListenerConfig{{Address: cfg.IMAPAddress, Mode: config.ModeIMAP}},
			ConnTimeout:    cfg.Timeouts.ConnectionTimeout(),
			CommandTimeout: cfg.Timeouts.CommandTimeout(),
			TLSConfig:      tlsConfig,
			Logger:         logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating imap server: %v\n", err)
			os.Exit(1)
		}
		imapServer.SetHandler(imap.Handler(cfg.DomainName, backend, collector))
	}

	httpServer := httpapi.New(backend, bus, dispatcher, collector, cfg.StaticDir, cfg.DomainName, logger)
	wsHub := wsapi.New(bus, cfg.DomainName, logger)

	var apiHandler http.Handler = httpServer.Handler()
	if cfg.Auth.Enabled {
		issuer := auth.NewIssuer(cfg.Auth.JWTSecret, 0)
		apiHandler = gateAdminRoutes(issuer, apiHandler)
		logger.Info("admin route authentication enabled")
	}
	apiHandler = ratelimit.Middleware(backend, collector, logger)(apiHandler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("/api/ws/{address}", wsHub.Handler)
	topMux.Handle("/", apiHandler)

	httpSrv := &http.Server{
		Addr:              cfg.APIAddress,
		Handler:           topMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api listening", "address", cfg.APIAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http api server error", "error", err.Error())
		}
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	var toolsSrv *http.Server
	if cfg.ToolsAddress != "" {
		toolsSrv = &http.Server{
			Addr:              cfg.ToolsAddress,
			Handler:           tools.New(backend, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("tools endpoint listening", "address", cfg.ToolsAddress)
			if err := toolsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("tools server error", "error", err.Error())
			}
		}()
	}

	go func() {
		if imapServer == nil {
			return
		}
		logger.Info("imap server listening", "address", cfg.IMAPAddress)
		if err := imapServer.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("imap server error", "error", err)
		}
	}()

	logger.Info("starting tempmaild", "hostname", cfg.Hostname, "domain", cfg.DomainName,
		"smtp_listeners", len(cfg.SMTPListeners))

	if err := smtpServer.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "smtp server error: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if toolsSrv != nil {
		_ = toolsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("tempmaild stopped")
}

// gateAdminRoutes requires a verified bearer token for the rate-limit
// administration endpoints, leaving the mailbox-password-gated routes
// untouched.
func gateAdminRoutes(issuer *auth.Issuer, next http.Handler) http.Handler {
	protected := auth.RequireBearer(issuer)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/admin") {
			protected.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
