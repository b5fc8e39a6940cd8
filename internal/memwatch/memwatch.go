// Package memwatch implements the soft memory-pressure signal
// (SPEC_FULL.md supplemented feature, grounded on
// original_source/src/common/memory_pressure.rs): the warm pool and
// provider health-check concurrency cap both consult it to shed load.
// RSS sampling uses github.com/shirou/gopsutil/v3 (mlkmbp-mbp pack member),
// also feeding the statistics RSS sample named in spec.md §4.8.
package memwatch

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Watcher samples this process's RSS on an interval and exposes both the
// raw value (for statistics §4.8) and a boolean pressure signal once RSS
// crosses HighWaterMarkBytes.
type Watcher struct {
	HighWaterMarkBytes int64
	Interval           time.Duration

	rss      atomic.Int64
	pressure atomic.Bool
	proc     *process.Process
}

func New(highWaterMarkBytes int64, interval time.Duration) (*Watcher, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{HighWaterMarkBytes: highWaterMarkBytes, Interval: interval, proc: p}, nil
}

func (w *Watcher) RSSBytes() int64  { return w.rss.Load() }
func (w *Watcher) UnderPressure() bool { return w.pressure.Load() }

// Run samples until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sampleOnce()
		}
	}
}

func (w *Watcher) sampleOnce() {
	info, err := w.proc.MemoryInfo()
	if err != nil {
		return
	}
	w.rss.Store(int64(info.RSS))
	w.pressure.Store(w.HighWaterMarkBytes > 0 && int64(info.RSS) > w.HighWaterMarkBytes)
}
