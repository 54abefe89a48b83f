// Package api serves the HTTP surface: the latest snapshot, the engine
// counters, health, and prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"FlowScope/internal/model"
	"FlowScope/pkg/log"
)

// SnapshotCache holds the most recent TopFlows, fed either directly
// from the capture loop or from a NATS subscription.
type SnapshotCache struct {
	latest atomic.Pointer[model.TopFlows]
}

// NewSnapshotCache returns an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{}
}

// Store publishes a snapshot to readers.
func (c *SnapshotCache) Store(tf *model.TopFlows) { c.latest.Store(tf) }

// Latest returns the cached snapshot, or nil when none has arrived.
func (c *SnapshotCache) Latest() *model.TopFlows { return c.latest.Load() }

// SubscribeNATS feeds the cache from a snapshot subject. Returns the
// subscription so the caller can unsubscribe on shutdown.
func (c *SnapshotCache) SubscribeNATS(url, subject string) (*nats.Subscription, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("flowscope-api"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var tf model.TopFlows
		if err := json.Unmarshal(msg.Data, &tf); err != nil {
			log.Warnf("dropping malformed snapshot message: %v", err)
			return
		}
		c.Store(&tf)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	log.Infof("subscribed to snapshots on %s", subject)
	return sub, nil
}

// SnapshotSource yields the most recent snapshot, or nil when none
// exists. *SnapshotCache and the capture loop both satisfy it.
type SnapshotSource interface {
	Latest() *model.TopFlows
}

// Server is the HTTP handler set.
type Server struct {
	cache    SnapshotSource
	counters func() model.CounterSnapshot
}

// NewServer builds a server over a snapshot source. counters may be nil
// when the process has no live engine (API-only deployment); the
// endpoint then reports the counters carried in the cached snapshot.
func NewServer(cache SnapshotSource, counters func() model.CounterSnapshot) *Server {
	return &Server{cache: cache, counters: counters}
}

// Router builds the mux router. Collectors are registered on the
// default prometheus registry by the caller.
func (s *Server) Router(collectors ...prometheus.Collector) *mux.Router {
	for _, c := range collectors {
		prometheus.MustRegister(c)
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/snapshot", s.snapshotHandler).Methods("GET")
	r.HandleFunc("/api/v1/counters", s.countersHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	tf := s.cache.Latest()
	if tf == nil {
		http.Error(w, "no snapshot available yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, tf)
}

func (s *Server) countersHandler(w http.ResponseWriter, r *http.Request) {
	if s.counters != nil {
		writeJSON(w, s.counters())
		return
	}
	tf := s.cache.Latest()
	if tf == nil {
		http.Error(w, "no snapshot available yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, tf.Counters)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}
