package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/rasterflow/internal/status"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans pipeline events out to websocket clients.
type Hub struct {
	clients map[uuid.UUID]*WSClient
	mu      sync.RWMutex
}

// WSClient is one connected progress-feed consumer.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*WSClient)}
}

// ProgressEvent is the envelope pushed to websocket clients.
type ProgressEvent struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
	Time    time.Time       `json:"time"`
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.Done)
	}
	h.mu.Unlock()
}

// Broadcast sends an event to every client, dropping it for clients whose
// send buffer is full. A slow reader loses events, never blocks the feed.
func (h *Hub) Broadcast(subject string, data []byte) {
	ev := ProgressEvent{Subject: subject, Data: data, Time: time.Now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.Send <- payload:
		default:
		}
	}
}

// feedSubjects are the pipeline stages surfaced on the progress feed.
var feedSubjects = []string{
	messaging.SubjectRasterValid,
	messaging.SubjectRasterInvalid,
	messaging.SubjectRasterTiled,
	messaging.SubjectChunkResult,
	messaging.SubjectChunkFailed,
	messaging.SubjectResultTiled,
}

// startFeed taps the event stream: every stage event invalidates the status
// cache for its raster and is pushed to websocket clients.
func (g *Gateway) startFeed() error {
	for _, subject := range feedSubjects {
		subject := subject
		err := g.nats.SubscribeCore(subject, func(data []byte) {
			g.onPipelineEvent(subject, data)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) onPipelineEvent(subject string, data []byte) {
	// Events carry their raster id as either "id" or "raster_id".
	var ids struct {
		ID       string `json:"id"`
		RasterID string `json:"raster_id"`
	}
	if err := json.Unmarshal(data, &ids); err == nil {
		rasterID := ids.RasterID
		if rasterID == "" {
			rasterID = ids.ID
		}
		if rasterID != "" && g.cache != nil {
			g.cache.Invalidate(context.Background(), rasterID)
			if subject == messaging.SubjectRasterInvalid {
				var ev messaging.InvalidEvent
				if json.Unmarshal(data, &ev) == nil {
					g.cache.Set(context.Background(), status.Snapshot{
						RasterID: rasterID, Status: "invalid", Reason: ev.Reason,
					})
				}
			}
		}
	}
	g.hub.Broadcast(subject, data)
}

// handleWebSocket upgrades the connection and streams progress events until
// the client goes away.
func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}
	g.hub.add(client)

	go g.writePump(client)
	go g.readPump(client)
}

func (g *Gateway) writePump(c *WSClient) {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case msg := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done:
			return
		}
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to
// notice the close handshake and tear the client down.
func (g *Gateway) readPump(c *WSClient) {
	defer g.hub.remove(c.ID)
	c.Conn.SetReadLimit(4096)
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
