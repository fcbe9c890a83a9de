package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/config"
	"github.com/terminal-bench/rasterflow/internal/metrics"
	"github.com/terminal-bench/rasterflow/internal/oracle"
	"github.com/terminal-bench/rasterflow/internal/worker"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerID := uuid.New().String()

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:           cfg.NATSURL,
		Name:          "worker-" + workerID,
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

	var orc oracle.Oracle
	if cfg.OracleURL != "" {
		orc = oracle.NewHTTP(cfg.OracleURL, cfg.OracleTimeout)
		log.Printf("using oracle at %s", cfg.OracleURL)
	} else {
		orc = oracle.NewRandom(time.Now().UnixNano())
		log.Println("no oracle configured, using random answers")
	}

	rec := metrics.New(metrics.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	defer rec.Close()

	presence, err := worker.NewPresence(cfg.EtcdEndpoints, workerID)
	if err != nil {
		log.Printf("presence registry unavailable: %v", err)
	} else {
		hostname, _ := os.Hostname()
		err := presence.Register(ctx, worker.WorkerInfo{
			ID:        workerID,
			Hostname:  hostname,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Printf("failed to register presence: %v", err)
		}
		defer presence.Close()
	}

	w := worker.New(worker.Config{
		NATS:        natsClient,
		Cache:       cache,
		Oracle:      orc,
		Metrics:     rec,
		MaxAttempts: cfg.MaxAttempts,
		AckWait:     cfg.ChunkAckWait,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("shutting down")
		cancel()
	}()

	log.Printf("worker %s running", workerID)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Worker stopped: %v", err)
	}
	natsClient.Drain()
}
