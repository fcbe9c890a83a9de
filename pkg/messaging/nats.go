package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with the JetStream plumbing the pipeline
// relies on: deduplicated publishes and durable, explicitly-acked consumers.
type Client struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	subs      map[string]*nats.Subscription
	mu        sync.Mutex
	connected bool
}

// Config holds NATS connection options.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS and prepares a JetStream context.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{
		conn:      conn,
		js:        js,
		subs:      make(map[string]*nats.Subscription),
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.connected = true
		client.mu.Unlock()
	})
	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		client.mu.Lock()
		client.connected = false
		client.mu.Unlock()
	})

	return client, nil
}

// EnsureStream creates the pipeline stream if it does not exist. The
// duplicate window makes publishes carrying an already-seen message id
// no-ops at the transport, which keeps redelivered stages idempotent.
func (c *Client) EnsureStream() error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"raster.>", "chunk.>", "result.>"},
		Duplicates: 10 * time.Minute,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes data as JSON on subject with a deterministic message id.
func (c *Client) Publish(ctx context.Context, subject, msgID string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = c.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Delivery is one received message. Attempt is the monotonically increasing
// delivery counter maintained by the stream.
type Delivery struct {
	Data    []byte
	Attempt int
	msg     *nats.Msg
}

// Ack marks the delivery processed.
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Nak requests redelivery.
func (d *Delivery) Nak() error {
	return d.msg.Nak()
}

// ConsumerConfig configures a durable queue consumer.
type ConsumerConfig struct {
	Subject    string
	Durable    string
	Queue      string
	AckWait    time.Duration
	MaxDeliver int
}

// Consume starts a durable queue subscription on cfg.Subject. Each delivery
// is handed to handler with its attempt count; the handler owns acking.
func (c *Client) Consume(cfg ConsumerConfig, handler func(d *Delivery)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cfg.Subject + ":" + cfg.Durable
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already consuming %s as %s", cfg.Subject, cfg.Durable)
	}

	if cfg.AckWait == 0 {
		cfg.AckWait = time.Minute
	}
	opts := []nats.SubOpt{
		nats.Durable(cfg.Durable),
		nats.ManualAck(),
		nats.AckWait(cfg.AckWait),
		nats.AckExplicit(),
		nats.DeliverAll(),
	}
	if cfg.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(cfg.MaxDeliver))
	}

	wrapped := func(msg *nats.Msg) {
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		handler(&Delivery{Data: msg.Data, Attempt: attempt, msg: msg})
	}

	sub, err := c.js.QueueSubscribe(cfg.Subject, cfg.Queue, wrapped, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", cfg.Subject, err)
	}
	c.subs[key] = sub
	return nil
}

// SubscribeCore subscribes on the plain connection, outside the stream; used
// for fan-out listeners like the gateway's progress feed where every
// instance wants every event.
func (c *Client) SubscribeCore(subject string, handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs["core:"+subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subs["core:"+subject] = sub
	return nil
}

// IsConnected reports connection health.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil && c.conn.IsConnected()
}

// Drain flushes pending work and closes the connection.
func (c *Client) Drain() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.Drain()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, key)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	return nil
}
