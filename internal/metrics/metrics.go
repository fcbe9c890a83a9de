// Package metrics records pipeline timing series to InfluxDB. A nil
// Recorder is valid and drops everything, so services run fine without a
// metrics backend configured.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes pipeline measurements through the non-blocking write API.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// New returns a recorder, or nil when no URL is configured.
func New(cfg Config) *Recorder {
	if cfg.URL == "" {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// ChunkProcessed records one chunk's processing outcome.
func (r *Recorder) ChunkProcessed(rasterID string, cx, cy int, dur time.Duration, tiles, oracleCalls int) {
	if r == nil {
		return
	}
	p := influxdb2.NewPointWithMeasurement("chunk_processed").
		AddTag("raster", rasterID).
		AddField("chunk_x", cx).
		AddField("chunk_y", cy).
		AddField("duration_ms", dur.Milliseconds()).
		AddField("tiles", tiles).
		AddField("oracle_calls", oracleCalls).
		SetTime(time.Now())
	r.write.WritePoint(p)
}

// OracleCall records one oracle round trip.
func (r *Recorder) OracleCall(dur time.Duration, ok bool) {
	if r == nil {
		return
	}
	p := influxdb2.NewPointWithMeasurement("oracle_call").
		AddField("duration_ms", dur.Milliseconds()).
		AddField("ok", ok).
		SetTime(time.Now())
	r.write.WritePoint(p)
}

// Aggregated records one raster's stitch.
func (r *Recorder) Aggregated(rasterID string, dur time.Duration, chunks int) {
	if r == nil {
		return
	}
	p := influxdb2.NewPointWithMeasurement("raster_aggregated").
		AddTag("raster", rasterID).
		AddField("duration_ms", dur.Milliseconds()).
		AddField("chunks", chunks).
		SetTime(time.Now())
	r.write.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
}
