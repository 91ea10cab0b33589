package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pharmacypos/m/internal/api"
	"pharmacypos/m/internal/checkout"
	"pharmacypos/m/internal/config"
	"pharmacypos/m/internal/database"
	"pharmacypos/m/internal/logger"
	"pharmacypos/m/internal/metrics"
	"pharmacypos/m/internal/migrations"
	"pharmacypos/m/internal/outbox"
	"pharmacypos/m/internal/seed"
)

const serviceName = "pharmacy-pos"

func main() {
	tokenFor := flag.String("token", "", "print a bearer token for the named cashier and exit")
	role := flag.String("role", "cashier", "role carried by the token printed with -token (cashier or admin)")
	flag.Parse()

	cfg := config.Load()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: serviceName})
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer log.Sync()

	if *tokenFor != "" {
		tok, err := api.IssueToken(cfg.Secret, *tokenFor, *role, 12*time.Hour)
		if err != nil {
			log.Fatal("failed to sign token", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN, cfg.MaxOpenConns)
	if err != nil {
		log.Fatal("failed to connect to database", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	if _, err := seed.LoadCatalog(ctx, db, cfg.CatalogCSV, log); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Fatal("failed to seed catalog", zap.Error(err))
		}
		log.Warn("catalog file not found, starting without seed data", zap.String("path", cfg.CatalogCSV))
	}

	m := metrics.New(serviceName)
	engine := checkout.New(db, m, log, cfg.CheckoutTimeout)

	if len(cfg.KafkaBrokers) > 0 {
		publisher := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		relay := outbox.NewRelay(db, publisher, outbox.RelayConfig{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			MaxRetries:   cfg.OutboxMaxRetries,
		}, log)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("outbox relay stopped", zap.Error(err))
			}
		}()
		log.Info("relaying sale events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", publisher.Topic()))
	} else {
		log.Info("KAFKA_BROKERS not set, sale events stay in the outbox")
	}

	handler := api.New(db, cfg.Secret, engine, m, log)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("pharmacy POS server starting", zap.String("port", cfg.HTTPPort), zap.String("driver", cfg.DatabaseDriver))
	if err := serve(ctx, srv, log); err != nil {
		// stop the relay before the deferred closes run
		stop()
		log.Error("server error", zap.Error(err))
	}
}

// serve runs srv until ctx is done or the listener fails, then shuts it down gracefully.
// A listener failure is returned so main can unwind through its deferred cleanup.
func serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
