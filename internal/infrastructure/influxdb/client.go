package influxdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/meross-core/internal/infrastructure/config"
)

var (
	// ErrUnavailable is returned when the server cannot be reached or
	// reports itself unhealthy.
	ErrUnavailable = errors.New("influxdb: unavailable")

	// ErrClosed is returned by HealthCheck after Close.
	ErrClosed = errors.New("influxdb: closed")
)

const (
	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client mirrors device state changes into an InfluxDB v2 bucket. Points
// are queued on the library's batching write API, so the device event
// path never waits on the network.
type Client struct {
	influx influxdb2.Client
	points api.WriteAPI
	logger *slog.Logger
	target string

	// mu orders queued writes before Close releases the write API.
	mu       sync.RWMutex
	closed   bool
	failures atomic.Uint64
}

// Connect pings the server named in cfg and opens the bucket for writes.
// Batch failures are logged by the client and counted, see Failures.
func Connect(cfg config.InfluxDBConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := ping(ctx, influx); err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, cfg.URL, err)
	}

	c := &Client{
		influx: influx,
		points: influx.WriteAPI(cfg.Org, cfg.Bucket),
		logger: logger.With("component", "influxdb"),
		target: cfg.Org + "/" + cfg.Bucket,
	}
	go c.watchFailures(c.points.Errors())
	return c, nil
}

// writeOptions maps batch size and flush interval (seconds) onto the
// library options, falling back when either is not positive.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) //nolint:gosec // Positive
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = config.Seconds(cfg.FlushInterval)
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush / time.Millisecond))
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	ok, err := influx.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("server reports unhealthy")
	}
	return nil
}

// watchFailures drains the write API error channel, which the library
// closes on Close.
func (c *Client) watchFailures(errs <-chan error) {
	for err := range errs {
		n := c.failures.Add(1)
		c.logger.Error("batch write failed", "bucket", c.target, "failures", n, "error", err)
	}
}

// Failures returns how many batch writes the server has rejected.
func (c *Client) Failures() uint64 {
	return c.failures.Load()
}

// HealthCheck pings the server. It fails after Close.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.influx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Flush sends queued points now. It is a no-op after Close.
func (c *Client) Flush() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.points.Flush()
	}
}

// Close flushes queued points and releases the client. Writes after Close
// are dropped. Calling it again is a no-op.
func (c *Client) Close() error {
	if c == nil || c.influx == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.points.Flush()
	c.influx.Close()
	return nil
}
