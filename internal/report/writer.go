// Package report is the reading side of FlowScope: it polls the
// published snapshot and fans it out to the configured sinks (NATS,
// ClickHouse, disk).
package report

import (
	"context"
	"time"

	"FlowScope/internal/model"
	"FlowScope/pkg/log"
)

// Writer is one snapshot sink.
type Writer interface {
	Write(tf *model.TopFlows) error
	Close() error
}

// Reporter polls a snapshot source at its own interval and fans each
// new snapshot out to the writers. Writer failures are logged and do
// not stop the loop.
type Reporter struct {
	source   func() *model.TopFlows
	writers  []Writer
	interval time.Duration

	lastSeen int64
}

// NewReporter builds a reporter. source returns the latest published
// snapshot or nil when there is none yet.
func NewReporter(source func() *model.TopFlows, interval time.Duration, writers ...Writer) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{source: source, writers: writers, interval: interval}
}

// Run polls until ctx is cancelled, then closes the writers.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		}
	}
}

func (r *Reporter) poll() {
	tf := r.source()
	if tf == nil {
		return
	}
	// The capture loop publishes every tick; only report fresh data.
	if int64(tf.Timestamp) == r.lastSeen {
		return
	}
	r.lastSeen = int64(tf.Timestamp)

	for _, w := range r.writers {
		if err := w.Write(tf); err != nil {
			log.Errorf("snapshot writer %T: %v", w, err)
		}
	}
}

func (r *Reporter) close() {
	for _, w := range r.writers {
		if err := w.Close(); err != nil {
			log.Errorf("closing writer %T: %v", w, err)
		}
	}
}
