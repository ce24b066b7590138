// Package telemetry exports sync engine operational metrics (queue
// depth, retry counts, dispatch latency) to InfluxDB as time series.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// Config configures the InfluxDB telemetry sink.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Reporter writes gateway metrics to InfluxDB using the async,
// non-blocking write API so metric emission never stalls the sync
// engine's worker goroutines on network I/O.
type Reporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
}

func NewReporter(cfg Config, logger *zap.Logger) (*Reporter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: connect to influxdb: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("telemetry: influxdb health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := &Reporter{client: client, writeAPI: writeAPI, logger: logger}

	go func() {
		errCh := writeAPI.Errors()
		for err := range errCh {
			logger.Warn("telemetry write error", zap.Error(err))
		}
	}()

	return r, nil
}

// RecordQueueDepth records the number of pending sync requests for a key.
func (r *Reporter) RecordQueueDepth(thing, shadowName string, depth int) {
	r.write("sync_queue_depth", thing, shadowName, map[string]interface{}{"depth": depth})
}

// RecordRetry records a retried sync request attempt.
func (r *Reporter) RecordRetry(thing, shadowName string, attempt int, kind string) {
	r.write("sync_retry", thing, shadowName, map[string]interface{}{"attempt": attempt, "kind": kind})
}

// RecordDispatchLatency records the time taken to execute a sync request.
func (r *Reporter) RecordDispatchLatency(thing, shadowName string, latency time.Duration, requestType string) {
	r.write("sync_dispatch_latency_ms", thing, shadowName, map[string]interface{}{
		"latency_ms": float64(latency.Microseconds()) / 1000.0,
		"type":       requestType,
	})
}

func (r *Reporter) write(measurement, thing, shadowName string, fields map[string]interface{}) {
	tags := map[string]string{"thing": thing}
	if shadowName != "" {
		tags["shadow_name"] = shadowName
	}
	point := write.NewPoint(measurement, tags, fields, time.Now())
	r.writeAPI.WritePoint(point)
}

func (r *Reporter) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
