package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"aeroscraper/internal/config"
	"aeroscraper/internal/engine"
	"aeroscraper/internal/event"
	"aeroscraper/internal/fees"
	"aeroscraper/internal/observability"
	"aeroscraper/internal/oracle"
	"aeroscraper/internal/persistence"
	"aeroscraper/internal/query"
	"aeroscraper/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, "migrations", observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Resume sequencing past the persisted operation log ---
	lastSeq, err := persistence.NewOpLogWriter(db).LastSequence(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("read last sequence")
	}
	startSequence := lastSeq + 1
	log.Info().Int64("start_sequence", startSequence).Msg("operation log loaded")

	// --- NATS price feed ---
	nc, js, err := oracle.Connect(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := oracle.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure price stream")
	}

	priceCache := oracle.NewCache(cfg.OracleMaxAge())
	feed := oracle.NewNATSFeed(js, priceCache, observability.NewLogger("oracle"), metrics)
	if err := feed.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe price feed")
	}
	defer feed.Stop()

	// --- Engine ---
	persistChan := make(chan event.Envelope, 1024)

	distributor := fees.NewRouter("stability-pool", "treasury-a", "treasury-b")
	eng, err := engine.New(cfg.Service.AdminAccount, cfg.ProtocolParams(), priceCache, distributor, observability.NewLogger("engine"), engine.Options{
		Metrics:       metrics,
		PersistChan:   persistChan,
		StartSequence: startSequence,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}

	// --- Goroutines ---
	errChan := make(chan error, 4)

	worker := persistence.NewWorker(db, persistChan, cfg.Postgres.BatchSize, cfg.FlushTimeout(), observability.NewLogger("persist"), metrics)
	go func() {
		errChan <- worker.Run(ctx)
	}()

	qs := query.NewService(eng, metrics)
	srv := server.New(eng, qs, health, metrics, observability.NewLogger("http"), cfg.Service.AdminToken)
	httpServer := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Service.HTTPAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	health.SetReady(true)
	log.Info().Msg("service ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("worker failed, shutting down")
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	// Let the persistence worker drain what the engine already committed
	// before cancelling its context.
	close(persistChan)
	select {
	case <-errChan:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("persistence drain timed out")
	}
	cancel()
	log.Info().Msg("stopped")
}
