// Package capture runs the real-time side of FlowScope: a pcap source,
// the fixed-period capture/aggregation loop, and the atomic snapshot
// handoff to the reporting side.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"FlowScope/internal/decode"
	"FlowScope/internal/engine"
	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
	"FlowScope/pkg/log"
)

// Source is the packet supply consumed by the loop. *pcap.Handle and
// the offline readers in pkg/pcap both satisfy it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// liveSource wraps a pcap live handle.
type liveSource struct {
	handle *pcap.Handle
}

// OpenLive opens an interface for live capture with a bounded read
// timeout so the capture goroutine never blocks past its tick budget.
func OpenLive(iface, bpf string, snapLen int, promiscuous bool, timeout time.Duration) (Source, error) {
	handle, err := pcap.OpenLive(iface, int32(snapLen), promiscuous, timeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", iface, err)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set filter %q: %w", bpf, err)
		}
	}
	return &liveSource{handle: handle}, nil
}

func (s *liveSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.handle.ReadPacketData()
}

func (s *liveSource) LinkType() layers.LinkType { return s.handle.LinkType() }
func (s *liveSource) Close()                    { s.handle.Close() }

// Options tunes one capture loop.
type Options struct {
	Engine                engine.Config
	Tick                  time.Duration
	MaxPacketsPerDispatch int

	// RawTap, when set, receives every captured packet before decode,
	// for independent storage. Best-effort, must not block.
	RawTap func(gopacket.CaptureInfo, []byte)

	// RTPForward is handed to the engine; see engine.Engine.RTPForward.
	RTPForward func(model.Flow, []byte)
}

func (o *Options) applyDefaults() {
	if o.Tick == 0 {
		o.Tick = time.Millisecond
	}
	if o.MaxPacketsPerDispatch == 0 {
		o.MaxPacketsPerDispatch = 256
	}
}

// Loop owns the capture goroutine. The only state shared with other
// goroutines is the published snapshot pointer: the loop stores, the
// readers load and copy out. A nil pointer means no data yet.
type Loop struct {
	opts      Options
	newSource func() (Source, error)

	published atomic.Pointer[model.TopFlows]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	eng    *engine.Engine
}

// NewLoop builds a stopped loop. newSource is invoked on every
// (re)start so an interface change is just a restart.
func NewLoop(opts Options, newSource func() (Source, error)) *Loop {
	opts.applyDefaults()
	return &Loop{opts: opts, newSource: newSource}
}

// Latest returns the most recently published snapshot, or nil when the
// loop has not produced one since the last (re)start. Callers must not
// retain the pointer across their own next poll; copy what you need.
func (l *Loop) Latest() *model.TopFlows {
	return l.published.Load()
}

// Counters returns the live engine counters, or a zero value when the
// loop is stopped.
func (l *Loop) Counters() model.CounterSnapshot {
	l.mu.Lock()
	eng := l.eng
	l.mu.Unlock()
	if eng == nil {
		return model.CounterSnapshot{}
	}
	return eng.Counters()
}

// Start opens the source and launches the capture goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return errors.New("capture loop already running")
	}

	src, err := l.newSource()
	if err != nil {
		return err
	}

	eng := engine.New(l.opts.Engine, timeutil.FromTime(time.Now()))
	eng.RTPForward = l.opts.RTPForward
	l.eng = eng

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(ctx, src, eng)
	return nil
}

// Stop cancels the capture goroutine and joins it. The published
// snapshot is reset to the no-data sentinel before the engine is
// released, so a reader can never observe stale state after Stop
// returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()

	l.published.Store(nil)
	l.mu.Lock()
	l.eng = nil
	l.mu.Unlock()
}

// Restart tears the loop down and brings it back up with a fresh
// source and an empty engine. Used on interface changes.
func (l *Loop) Restart(ctx context.Context) error {
	l.Stop()
	return l.Start(ctx)
}

// run is the capture goroutine: read a bounded burst, drain the ring,
// rotate, snapshot, publish, then sleep to an absolute deadline so
// drift does not accumulate.
func (l *Loop) run(ctx context.Context, src Source, eng *engine.Engine) {
	defer l.wg.Done()
	defer src.Close()

	// Pinning the goroutine to one OS thread is the closest available
	// approximation of the real-time scheduling the loop wants.
	// Elevated priority needs OS privileges we may not have; degrade
	// silently to normal scheduling.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	link := src.LinkType()
	log.Infof("capture loop started, link type %v, tick %v", link, l.opts.Tick)

	deadline := time.Now().Add(l.opts.Tick)
	for {
		if ctx.Err() != nil {
			return
		}

		eof := l.readBurst(src, link, eng)
		eng.ProcessPending(l.opts.MaxPacketsPerDispatch)

		now := time.Now()
		nowUs := timeutil.FromTime(now)
		eng.RotateIfElapsed(nowUs)
		l.published.Store(eng.Snapshot(nowUs, now))

		if eof {
			log.Infof("capture source exhausted, loop exiting")
			return
		}

		next, missed := timeutil.NextDeadline(deadline, time.Now(), l.opts.Tick)
		if missed > 0 {
			eng.NoteDeadlineMiss(missed)
		}
		deadline = next
		time.Sleep(time.Until(deadline))
	}
}

// readBurst pulls up to the dispatch cap of packets from the source
// into the engine ring. Returns true when the source is exhausted.
func (l *Loop) readBurst(src Source, link layers.LinkType, eng *engine.Engine) bool {
	for i := 0; i < l.opts.MaxPacketsPerDispatch; i++ {
		data, ci, err := src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			// Timeouts and transient read errors just end the burst.
			return false
		}

		if l.opts.RawTap != nil {
			l.opts.RawTap(ci, data)
		}

		pkt, err := decode.Decode(link, data, ci)
		if err != nil {
			eng.NoteDecodeError()
			continue
		}
		eng.Enqueue(pkt, data)
	}
	return false
}
