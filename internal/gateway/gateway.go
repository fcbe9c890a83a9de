// Package gateway is the HTTP surface of the pipeline: raster uploads,
// questionset management, status queries, artifact downloads and a
// websocket progress feed. It only ever writes the initial raster row and
// the raster.new event; everything after that belongs to the orchestrator.
package gateway

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/status"
	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

// Gateway is the API gateway.
type Gateway struct {
	router *gin.Engine
	store  *store.Store
	blobs  blobstore.Store
	nats   *messaging.Client
	cache  *status.Cache
	etcd   *clientv3.Client
	hub    *Hub
}

// Config wires a gateway's collaborators. Cache and Etcd are optional; the
// endpoints that need them degrade when absent.
type Config struct {
	Store *store.Store
	Blobs blobstore.Store
	NATS  *messaging.Client
	Cache *status.Cache
	Etcd  *clientv3.Client
}

// New creates the gateway and registers its routes.
func New(cfg Config) *Gateway {
	g := &Gateway{
		router: gin.Default(),
		store:  cfg.Store,
		blobs:  cfg.Blobs,
		nats:   cfg.NATS,
		cache:  cfg.Cache,
		etcd:   cfg.Etcd,
		hub:    NewHub(),
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/rasters", g.uploadRaster)
		v1.GET("/rasters", g.listRasters)
		v1.GET("/rasters/:id", g.getRaster)
		v1.GET("/rasters/:id/status", g.getStatus)
		v1.GET("/rasters/:id/files/:name", g.downloadArtifact)

		v1.POST("/questionsets", g.saveQuestionSet)
		v1.GET("/questionsets", g.listQuestionSets)
		v1.GET("/questionsets/:id", g.getQuestionSet)

		v1.GET("/workers", g.listWorkers)
		v1.GET("/ws", g.handleWebSocket)
	}
}

// Start wires the progress feed into the event stream and serves until the
// listener fails.
func (g *Gateway) Start(addr string) error {
	if err := g.startFeed(); err != nil {
		return err
	}
	return g.router.Run(addr)
}

func (g *Gateway) healthCheck(c *gin.Context) {
	natsStatus := "ok"
	if !g.nats.IsConnected() {
		natsStatus = "disconnected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"nats":   natsStatus,
		"time":   time.Now().UTC(),
	})
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateID returns a sortable raster id: a UTC second timestamp followed
// by sixteen random alphanumerics.
func generateID() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return time.Now().UTC().Format("20060102150405") + string(b)
}
