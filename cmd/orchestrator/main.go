package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/config"
	"github.com/terminal-bench/rasterflow/internal/metrics"
	"github.com/terminal-bench/rasterflow/internal/orchestrator"
	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	st, err := store.New(ctx, db)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:           cfg.NATSURL,
		Name:          "orchestrator",
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()
	if err := natsClient.EnsureStream(); err != nil {
		log.Fatalf("Failed to ensure stream: %v", err)
	}

	blobs, err := blobstore.NewMinio(ctx, blobstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
	})
	if err != nil {
		log.Fatalf("Failed to connect to object store: %v", err)
	}
	cache := blobstore.NewCache(blobs, cfg.CacheDir)

	rec := metrics.New(metrics.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	defer rec.Close()

	orch := orchestrator.New(orchestrator.Config{
		NATS:    natsClient,
		Store:   st,
		Cache:   cache,
		Metrics: rec,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("shutting down")
		cancel()
	}()

	log.Println("orchestrator running")
	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Orchestrator stopped: %v", err)
	}
	natsClient.Drain()
}
