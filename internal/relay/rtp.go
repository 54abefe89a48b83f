// Package relay forwards detected RTP datagrams out of the capture
// process over NATS, so external consumers (recorders, analyzers) can
// tap media streams without their own capture privileges.
package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"FlowScope/internal/model"
	"FlowScope/pkg/log"
)

const queueDepth = 1024

// RTPRelay publishes RTP payloads to a NATS subject. Forward is safe
// to call from the capture goroutine: it hands the datagram to a
// buffered queue and drops when the queue is full, never blocking the
// packet path. Consumers identify the stream via the Flow header.
type RTPRelay struct {
	nc      *nats.Conn
	subject string
	publish func(*nats.Msg) error

	queue   chan *nats.Msg
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewRTPRelay connects to NATS and starts the publish worker.
func NewRTPRelay(url, subject string) (*RTPRelay, error) {
	nc, err := nats.Connect(url, nats.Name("flowscope-rtp-relay"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	r := newRelay(subject, nc.PublishMsg)
	r.nc = nc
	return r, nil
}

func newRelay(subject string, publish func(*nats.Msg) error) *RTPRelay {
	r := &RTPRelay{
		subject: subject,
		publish: publish,
		queue:   make(chan *nats.Msg, queueDepth),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Forward queues one RTP datagram for publication. The payload is
// copied; the caller's buffer is reused by the capture path.
func (r *RTPRelay) Forward(f model.Flow, payload []byte) {
	msg := &nats.Msg{
		Subject: r.subject,
		Header:  nats.Header{"Flow": []string{f.String()}},
		Data:    append([]byte(nil), payload...),
	}
	select {
	case r.queue <- msg:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of datagrams discarded on a full queue.
func (r *RTPRelay) Dropped() uint64 { return r.dropped.Load() }

func (r *RTPRelay) run() {
	defer r.wg.Done()
	for msg := range r.queue {
		if err := r.publish(msg); err != nil {
			log.Warnf("rtp relay publish failed: %v", err)
		}
	}
}

// Close stops accepting datagrams, flushes the queue and drains the
// connection.
func (r *RTPRelay) Close() {
	close(r.queue)
	r.wg.Wait()
	if r.nc != nil {
		r.nc.Drain()
	}
}
