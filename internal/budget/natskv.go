package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSCache is a Cache backed by a NATS JetStream key-value bucket.
// Entries expire with the bucket TTL, so a stale workflow's counter
// disappears on its own.
type NATSCache struct {
	nc     *nats.Conn
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewNATSCache connects to the NATS server and creates or updates the
// key-value bucket. The context bounds the initial setup calls.
func NewNATSCache(ctx context.Context, url, bucket string, ttl time.Duration, logger *slog.Logger) (*NATSCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions.
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Shared per-workflow budget counters",
		TTL:         ttl,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &NATSCache{
		nc:     nc,
		bucket: kv,
		logger: logger,
	}, nil
}

// Get returns the value for key, or found=false when the key is absent
// or expired.
func (c *NATSCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.bucket.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), true, nil
}

// Put stores value under key, resetting its TTL.
func (c *NATSCache) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.bucket.Put(ctx, sanitizeKey(key), value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (c *NATSCache) Close() {
	c.nc.Close()
}

// sanitizeKey maps cache keys onto the NATS KV key charset, which does
// not allow colons.
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
