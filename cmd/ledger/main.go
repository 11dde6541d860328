package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"decisionledger/internal/app"
	"decisionledger/internal/archive"
	"decisionledger/internal/audit"
	"decisionledger/internal/config"
	"decisionledger/internal/expiry"
	"decisionledger/internal/ledger"
	"decisionledger/internal/logger"
	"decisionledger/internal/notify"
	"decisionledger/internal/search"
	"decisionledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceStdout {
		shutdownTracing, err := setupTracing()
		if err != nil {
			log.Fatal("tracing setup failed", "error", err.Error())
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Database)
	if err != nil {
		log.Fatal("database connection failed", "error", err.Error())
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal("migrations failed", "error", err.Error())
	}

	dataStore := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{}

	pgfts := search.NewPgFTS(db)
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, pgfts, pgfts, log)
	if n, err := searchService.Reindex(ctx); err != nil {
		log.Warn("search reindex failed", "error", err.Error())
	} else if n > 0 {
		log.Info("search reindexed", "decisions", n)
	}

	var notifier expiry.Notifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		queue, err := notify.NewRedisQueue(cfg.RedisURL, cfg.NotifyQueue)
		if err != nil {
			log.Fatal("redis connection failed", "error", err.Error())
		}
		defer queue.Close()
		notifier = queue
		checks["redis"] = queue
		log.Info("publishing review notifications to redis", "queue", cfg.NotifyQueue)
	}

	var sink audit.Sink
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		minioSink, err := archive.NewMinioSink(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey,
			cfg.ArchiveBucket, cfg.ArchiveUseSSL, log)
		if err != nil {
			log.Fatal("archive storage setup failed", "error", err.Error())
		}
		sink = minioSink
	}

	ledgerEngine := ledger.NewEngine(dataStore, cfg.Ledger, log, searchService)
	expiryEngine := expiry.NewEngine(dataStore, cfg.Expiry, log, notifier, searchService)

	service := app.NewService(app.Deps{
		Store:   dataStore,
		Ledger:  ledgerEngine,
		Trail:   audit.NewTrail(dataStore, log),
		Expiry:  expiryEngine,
		Search:  searchService,
		Archive: sink,
		Checks:  checks,
		Log:     log,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go expiryEngine.Run(ctx)

	go func() {
		log.Info("decision ledger listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err.Error())
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err.Error())
	}
	log.Info("decision ledger stopped")
}

func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "decisionledger"),
	))
	if err != nil {
		res = resource.Default()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
