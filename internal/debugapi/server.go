// Package debugapi exposes a read-only chi router for introspecting a
// running node: current peer classifications, overlay views, and
// per-topic tree state, plus the Prometheus /metrics endpoint. Shaped
// after the teacher's internal/api/server.go: a thin Server wrapping the
// pieces it reports on, a Handler() that builds the chi.Router with the
// standard middleware stack, and writeJSON for every response.
package debugapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/hyparview"
	"github.com/dirvine/saorsa-gossip/internal/plumtree"
	"github.com/dirvine/saorsa-gossip/internal/swim"
)

// Server is the read-only debug/introspection HTTP server for one node.
type Server struct {
	Detector *swim.Detector
	Overlay  *hyparview.Overlay
	Plumtree *plumtree.Engine

	metricsEnabled bool
}

// NewServer builds a Server over the given node components.
func NewServer(detector *swim.Detector, overlay *hyparview.Overlay, engine *plumtree.Engine) *Server {
	return &Server{Detector: detector, Overlay: overlay, Plumtree: engine}
}

// EnableMetrics mounts the Prometheus /metrics endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/debug/peers", s.handlePeers)
	r.Get("/debug/topics", s.handleTopics)
	r.Get("/debug/topics/{id}", s.handleTopic)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

type peerView struct {
	Active  []string `json:"active"`
	Passive []string `json:"passive"`
	Alive   []string `json:"alive"`
	Suspect []string `json:"suspect"`
	Dead    []string `json:"dead"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	view := peerView{}
	if s.Overlay != nil {
		view.Active = peerStrings(s.Overlay.ActiveView())
		view.Passive = peerStrings(s.Overlay.PassiveView())
	}
	if s.Detector != nil {
		view.Alive = peerStrings(s.Detector.PeersInState(gossipcore.StateAlive))
		view.Suspect = peerStrings(s.Detector.PeersInState(gossipcore.StateSuspect))
		view.Dead = peerStrings(s.Detector.PeersInState(gossipcore.StateDead))
	}
	writeJSON(w, http.StatusOK, view)
}

type topicSummary struct {
	Topic     string `json:"topic"`
	EagerSize int    `json:"eager_size"`
	LazySize  int    `json:"lazy_size"`
	CacheSize int    `json:"cache_size"`
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if s.Plumtree == nil {
		writeJSON(w, http.StatusOK, []topicSummary{})
		return
	}
	topics := s.Plumtree.Topics()
	out := make([]topicSummary, 0, len(topics))
	for _, t := range topics {
		out = append(out, s.summarize(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	if s.Plumtree == nil {
		writeError(w, http.StatusNotFound, "no dissemination engine configured")
		return
	}
	raw, err := hex.DecodeString(chi.URLParam(r, "id"))
	if err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, "id must be 32 bytes of hex")
		return
	}
	var topic gossipcore.TopicId
	copy(topic[:], raw)
	writeJSON(w, http.StatusOK, s.summarize(topic))
}

func (s *Server) summarize(topic gossipcore.TopicId) topicSummary {
	return topicSummary{
		Topic:     topic.String(),
		EagerSize: len(s.Plumtree.EagerPeers(topic)),
		LazySize:  len(s.Plumtree.LazyPeers(topic)),
		CacheSize: s.Plumtree.CacheSize(topic),
	}
}

func peerStrings(peers []gossipcore.PeerId) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
