// Package stats provides an optional external traffic-export sink on top
// of internal/registry's counters (SPEC_FULL.md §4.9 "Optional traffic
// export"), backed by github.com/influxdata/influxdb-client-go/v2 (an
// mlkmbp-mbp pack dependency). Off by default; wired the moment a config
// block is present.
package stats

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/e1732a364fed/clashcore/internal/registry"
)

type Sink interface {
	Push(ctx context.Context, totalUp, totalDown, totalConnections int64) error
	Close()
}

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type InfluxSink struct {
	client influxdb2.Client
	writer api_WriteAPI
	bucket string
	org    string
}

// api_WriteAPI avoids a direct import-name collision with influxdb2's own
// "api" package while keeping the call shape identical.
type api_WriteAPI interface {
	WritePoint(point *write.Point)
	Flush()
}

func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writer := client.WriteAPI(cfg.Org, cfg.Bucket)
	return &InfluxSink{client: client, writer: writer, bucket: cfg.Bucket, org: cfg.Org}
}

func (s *InfluxSink) Push(ctx context.Context, totalUp, totalDown, totalConnections int64) error {
	p := write.NewPoint("traffic",
		map[string]string{},
		map[string]interface{}{
			"upload":      totalUp,
			"download":    totalDown,
			"connections": totalConnections,
		},
		time.Now(),
	)
	s.writer.WritePoint(p)
	return nil
}

func (s *InfluxSink) Close() {
	s.writer.Flush()
	s.client.Close()
}

// RunPeriodicPush pushes registry counters to sink every interval until
// ctx is cancelled.
func RunPeriodicPush(ctx context.Context, reg *registry.Registry, sink Sink, interval time.Duration) {
	if sink == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sink.Close()
			return
		case <-ticker.C:
			sink.Push(ctx, reg.TotalUp(), reg.TotalDown(), reg.TotalConnections())
		}
	}
}
