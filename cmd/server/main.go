package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blob-encryption-gateway/internal/api"
	"github.com/kenneth/blob-encryption-gateway/internal/audit"
	"github.com/kenneth/blob-encryption-gateway/internal/azure"
	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
	"github.com/kenneth/blob-encryption-gateway/internal/metrics"
	"github.com/kenneth/blob-encryption-gateway/internal/middleware"
	"github.com/kenneth/blob-encryption-gateway/internal/s3"
	"github.com/kenneth/blob-encryption-gateway/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"backend": cfg.Backend.Type,
	}).Info("Starting Blob Encryption Gateway")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}

	m := metrics.NewMetrics()
	m.SetVersion(version)
	m.StartSystemMetricsCollector(ctx, 0)

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, &audit.LogrusWriter{Logger: logger})
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	keys, err := api.BuildKeys(ctx, &cfg.Encryption, api.KeyDeps{Metrics: m, Audit: auditLogger, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure key providers")
	}
	defer keys.Close()

	cryptoOpts := &crypto.Options{
		KeyWrapAlgorithm: cfg.Encryption.KeyWrapAlgorithm,
		ChunkSize:        cfg.Encryption.ChunkSize,
		Logger:           logger,
	}
	encryptor, err := crypto.NewEncryptor(keys.Active, cryptoOpts)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryptor")
	}
	decryptor, err := crypto.NewDecryptor(keys.Active, keys.Resolver, cryptoOpts)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create decryptor")
	}

	store, err := newStore(ctx, cfg, encryptor, decryptor, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create blob store")
	}

	handler := api.NewHandler(store, logger, m, auditLogger, cfg)

	router := mux.NewRouter()
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, m.Handler()).Methods("GET")
	}
	handler.RegisterRoutes(router)

	// Apply middleware, innermost first
	httpHandler := middleware.ContainerValidationMiddleware(cfg.Server.AllowedContainers, logger)(router)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(_, next *config.Config) error {
			setLogLevel(logger, next.LogLevel)
			return nil
		})
		reloader.Start()
		defer reloader.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateClosed, http.StateHijacked:
				m.DecrementActiveConnections()
			}
		},
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// newStore creates the configured backend.
func newStore(ctx context.Context, cfg *config.Config, enc *crypto.Encryptor, dec *crypto.Decryptor, logger *logrus.Logger) (blobstore.Store, error) {
	switch cfg.Backend.Type {
	case config.BackendAzure:
		store, err := azure.New(azure.Options{
			Config:            cfg.Backend.Azure,
			Encryptor:         enc,
			Decryptor:         dec,
			RequireEncryption: cfg.Encryption.RequireEncryption,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendS3:
		client, err := s3.NewClient(ctx, &cfg.Backend.S3)
		if err != nil {
			return nil, err
		}
		store, err := s3.NewStore(client, s3.StoreOptions{
			Encryptor:         enc,
			Decryptor:         dec,
			RequireEncryption: cfg.Encryption.RequireEncryption,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Backend.Type)
	}
}

func setLogLevel(logger *logrus.Logger, value string) {
	level, err := logrus.ParseLevel(value)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
