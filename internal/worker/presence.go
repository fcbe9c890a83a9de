package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const presencePrefix = "/rasterflow/workers/"

// Presence advertises a live worker instance in etcd under a leased key.
// The lease keepalive doubles as the heartbeat: a crashed worker's entry
// expires on its own.
type Presence struct {
	client *clientv3.Client
	id     string
	lease  clientv3.LeaseID
}

// WorkerInfo is the advertised payload.
type WorkerInfo struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// NewPresence connects to etcd.
func NewPresence(endpoints []string, id string) (*Presence, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Presence{client: client, id: id}, nil
}

// Register writes the worker's entry under a lease and keeps it alive until
// ctx is cancelled.
func (p *Presence) Register(ctx context.Context, info WorkerInfo) error {
	grant, err := p.client.Grant(ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	p.lease = grant.ID

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}
	_, err = p.client.Put(ctx, presencePrefix+p.id, string(payload), clientv3.WithLease(grant.ID))
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	keepalive, err := p.client.KeepAlive(ctx, grant.ID)
	if err != nil {
		return fmt.Errorf("failed to start keepalive: %w", err)
	}
	go func() {
		for range keepalive {
			// Drain acknowledgements until the channel closes.
		}
	}()
	return nil
}

// Close revokes the lease so the entry disappears immediately.
func (p *Presence) Close() error {
	if p.lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		p.client.Revoke(ctx, p.lease)
	}
	return p.client.Close()
}

// ListWorkers returns the currently registered workers.
func ListWorkers(ctx context.Context, client *clientv3.Client) ([]WorkerInfo, error) {
	resp, err := client.Get(ctx, presencePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	out := make([]WorkerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info WorkerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			info = WorkerInfo{ID: strings.TrimPrefix(string(kv.Key), presencePrefix)}
		}
		out = append(out, info)
	}
	return out, nil
}
