package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/config"
	"github.com/terminal-bench/rasterflow/internal/gateway"
	"github.com/terminal-bench/rasterflow/internal/status"
	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

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
		Name:          "gateway",
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

	cache, err := status.New(cfg.RedisURL)
	if err != nil {
		log.Printf("status cache unavailable: %v", err)
		cache = nil
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Printf("presence registry unavailable: %v", err)
		etcdClient = nil
	}

	gw := gateway.New(gateway.Config{
		Store: st,
		Blobs: blobs,
		NATS:  natsClient,
		Cache: cache,
		Etcd:  etcdClient,
	})

	log.Printf("gateway listening on :%s", cfg.Port)
	if err := gw.Start(":" + cfg.Port); err != nil {
		log.Fatalf("Gateway stopped: %v", err)
	}
}
