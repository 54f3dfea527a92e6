// Package influx records PoDD time series: per-device share telemetry, verification outcomes and
// registry totals.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
)

// Client writes PoDD points asynchronously and answers history queries.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
}

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects to cfg.URL and refuses a server that does not report itself healthy.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("influx bucket is empty")
	}
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := checkHealth(ctx, c); err != nil {
		c.Close()
		return nil, err
	}

	return &Client{
		client:   c,
		writeAPI: c.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: c.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
	}, nil
}

// Close flushes buffered points first.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

func checkHealth(ctx context.Context, c influxdb2.Client) error {
	h, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if h.Status != domain.HealthCheckStatusPass {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return fmt.Errorf("influx unhealthy (%s): %s", h.Status, msg)
	}
	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare records one share's telemetry.
func (c *Client) WriteShare(s fingerprint.Share, at time.Time) {
	c.writeAPI.WritePoint(SharePoint(s, at))
}

// WriteVerification records one verification outcome.
func (c *Client) WriteVerification(deviceCount int, res verification.Result, at time.Time) {
	c.writeAPI.WritePoint(VerificationPoint(deviceCount, res, at))
}

// WriteRegistryStats records registry totals.
func (c *Client) WriteRegistryStats(s registry.Stats, at time.Time) {
	c.writeAPI.WritePoint(RegistryPoint(s, at))
}

// SharePoint builds the device_telemetry point for a share.
func SharePoint(s fingerprint.Share, at time.Time) *write.Point {
	tags := map[string]string{
		"device_id": s.DeviceID,
	}
	if s.IPAddress != "" {
		tags["ip_address"] = s.IPAddress
	}

	fields := map[string]any{
		"hashrate":     s.Hashrate,
		"temperature":  s.Temperature,
		"power_watts":  s.PowerWatts,
		"latency_ms":   s.LatencyMS,
		"difficulty":   s.Difficulty,
		"timestamp_us": s.TimestampUS,
		"count":        1,
	}

	return write.NewPoint("device_telemetry", tags, fields, at)
}

// VerificationPoint builds the verification point for an outcome.
func VerificationPoint(deviceCount int, res verification.Result, at time.Time) *write.Point {
	tags := map[string]string{
		"valid":    strconv.FormatBool(res.IsValid),
		"spoofing": strconv.FormatBool(res.Spoofing()),
	}
	fields := map[string]any{
		"devices":          deviceCount,
		"confidence":       res.Confidence,
		"suspicious_pairs": len(res.SuspiciousPairs),
		"count":            1,
	}
	return write.NewPoint("verification", tags, fields, at)
}

// RegistryPoint builds the registry_stats point.
func RegistryPoint(s registry.Stats, at time.Time) *write.Point {
	fields := map[string]any{
		"total_devices":  s.TotalDevices,
		"active_devices": s.ActiveDevices,
		"owned_devices":  s.OwnedDevices,
		"owners":         s.Owners,
		"squads":         s.Squads,
		"unique_ips":     s.UniqueIPs,
		"total_hashrate": s.TotalHashrate,
	}
	return write.NewPoint("registry_stats", map[string]string{}, fields, at)
}

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// DeviceHashrateHistory returns 5 minute mean hashrate for a device over duration.
func (c *Client) DeviceHashrateHistory(ctx context.Context, deviceID string, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "device_telemetry")
		|> filter(fn: (r) => r.device_id == %q)
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), deviceID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{Time: record.Time(), Hashrate: value})
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return points, nil
}
