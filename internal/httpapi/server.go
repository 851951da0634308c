// Package httpapi is the cluster manager's control plane: introspection
// and manual-scale endpoints, the dispatcher's HTTP entry point, health,
// and metrics.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ollamapool/cluster/internal/clustererr"
	"github.com/ollamapool/cluster/internal/dispatcher"
	"github.com/ollamapool/cluster/internal/logging"
	"github.com/ollamapool/cluster/internal/metrics"
	"github.com/ollamapool/cluster/internal/supervisor"
	"github.com/ollamapool/cluster/internal/worker"
)

// Server wires the supervisor and dispatcher to the HTTP surface.
type Server struct {
	sup      *supervisor.Supervisor
	dispatch *dispatcher.Dispatcher
	reg      *metrics.Registry
	logger   zerolog.Logger
	docsURL  string

	mux *http.ServeMux
}

// New builds the control plane's handler tree.
func New(sup *supervisor.Supervisor, dispatch *dispatcher.Dispatcher, reg *metrics.Registry, docsURL string) *Server {
	s := &Server{
		sup:      sup,
		dispatch: dispatch,
		reg:      reg,
		logger:   logging.WithComponent("http"),
		docsURL:  docsURL,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /instances", s.handleInstances)
	mux.HandleFunc("POST /instances/{port}/disable", s.handleSetDisabled(true))
	mux.HandleFunc("POST /instances/{port}/enable", s.handleSetDisabled(false))
	mux.HandleFunc("GET /cluster/status", s.handleClusterStatus)
	mux.HandleFunc("POST /cluster/scale", s.handleClusterScale)
	mux.HandleFunc("POST /route", s.handleRoute)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /users/reset", s.handleUsersReset)

	s.mux = mux
	return s
}

// Handler returns the request-logging handler to hand to http.Server.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.docsURL, http.StatusFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, wk := range s.sup.Enumerate() {
		if wk.IsAlive() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Cluster healthy"))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("Cluster unhealthy"))
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	workers := s.sup.Enumerate()
	snapshots := make([]worker.Snapshot, len(workers))
	for i, wk := range workers {
		snapshots[i] = wk.Snapshot()
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleSetDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		port, err := strconv.Atoi(r.PathValue("port"))
		if err != nil {
			writeProblem(w, clustererr.New(clustererr.KindBadRequest, "invalid port %q", r.PathValue("port")))
			return
		}

		wk, ok := s.sup.FindByPort(port)
		if !ok {
			writeProblem(w, clustererr.New(clustererr.KindUnknownPort, "no worker on port %d", port))
			return
		}

		wk.SetDisabled(disabled)
		w.WriteHeader(http.StatusOK)
		if disabled {
			w.Write([]byte("disabled"))
		} else {
			w.Write([]byte("enabled"))
		}
	}
}

type clusterStatus struct {
	WorkerCount   int     `json:"workerCount"`
	AliveCount    int     `json:"aliveCount"`
	EligibleCount int     `json:"eligibleCount"`
	ClusterRps    float64 `json:"clusterRps"`
	AverageLoad   float64 `json:"averageLoad"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	workers := s.sup.Enumerate()
	if len(workers) == 0 {
		writeProblem(w, clustererr.New(clustererr.KindNoEligibleWorker, "pool is empty"))
		return
	}

	status := clusterStatus{
		WorkerCount: len(workers),
		ClusterRps:  s.sup.ClusterRps(),
	}

	var loadSum float64
	for _, wk := range workers {
		if wk.IsAlive() {
			status.AliveCount++
		}
		if wk.IsEligible() {
			status.EligibleCount++
		}
		loadSum += wk.CompositeLoad()
	}
	status.AverageLoad = loadSum / float64(len(workers))

	writeJSON(w, http.StatusOK, status)
}

type scaleRequest struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func (s *Server) handleClusterScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, clustererr.Wrap(clustererr.KindBadRequest, err, "malformed JSON body"))
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	switch req.Action {
	case "up":
		for i := 0; i < req.Count; i++ {
			if err := s.sup.StartInstance(); err != nil {
				s.logger.Error().Err(err).Msg("scale up failed")
			}
		}
	case "down":
		workers := s.sup.Enumerate()
		if req.Count < len(workers) {
			workers = workers[:req.Count]
		}
		for _, wk := range workers {
			s.sup.KillInstance(wk)
		}
	default:
		writeProblem(w, clustererr.New(clustererr.KindBadRequest, "action must be \"up\" or \"down\", got %q", req.Action))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, clustererr.Wrap(clustererr.KindBadRequest, err, "failed to read request body"))
		return
	}

	user := r.Header.Get("X-User")
	if user == "" {
		user = "anonymous"
	}

	respBody, status, err := s.dispatch.Route(r.Context(), user, body)
	if err != nil {
		writeProblem(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.syncGauges()

	body, err := s.reg.Render()
	if err != nil {
		http.Error(w, "failed to render metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(body)
}

// syncGauges copies live worker/user state into the prometheus collectors
// just before a scrape — the collectors are a rendering surface, not a
// second source of truth.
func (s *Server) syncGauges() {
	s.reg.InstanceUp.Reset()
	s.reg.InstanceRequestsInflight.Reset()
	s.reg.InstanceCPU.Reset()
	s.reg.InstanceMemoryMB.Reset()
	s.reg.InstanceLoad.Reset()
	s.reg.InstanceCompositeLoad.Reset()
	s.reg.InstanceRPS.Reset()
	s.reg.UserRequests.Reset()

	for _, wk := range s.sup.Enumerate() {
		snap := wk.Snapshot()
		port := strconv.Itoa(snap.Port)

		up := 0.0
		if snap.Alive {
			up = 1.0
		}
		s.reg.InstanceUp.WithLabelValues(port).Set(up)
		s.reg.InstanceRequestsInflight.WithLabelValues(port).Set(float64(snap.Inflight))
		s.reg.InstanceCPU.WithLabelValues(port).Set(snap.CPUPercent)
		s.reg.InstanceMemoryMB.WithLabelValues(port).Set(snap.MemoryMB)
		s.reg.InstanceLoad.WithLabelValues(port).Set(snap.MovingAverageLoad)
		s.reg.InstanceCompositeLoad.WithLabelValues(port).Set(snap.CompositeLoad)
		s.reg.InstanceRPS.WithLabelValues(port).Set(snap.RPS)
	}

	for user, count := range s.sup.UserCounters() {
		s.reg.UserRequests.WithLabelValues(user).Set(float64(count))
	}

	s.reg.ReapEventsTotal.Set(float64(s.sup.ReapCount()))
}

func (s *Server) handleUsersReset(w http.ResponseWriter, r *http.Request) {
	s.sup.ResetUsers()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type problem struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeProblem(w http.ResponseWriter, err error) {
	kind := clustererr.KindOf(err)
	status := statusForKind(kind)
	writeJSON(w, status, problem{Kind: kind.String(), Message: err.Error()})
}

func statusForKind(k clustererr.Kind) int {
	switch k {
	case clustererr.KindNoEligibleWorker:
		return http.StatusServiceUnavailable
	case clustererr.KindUpstreamFailure:
		return http.StatusBadGateway
	case clustererr.KindUnknownPort:
		return http.StatusNotFound
	case clustererr.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
