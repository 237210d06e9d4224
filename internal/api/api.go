// Package api serves the precomputed delay aggregates as read-only JSON.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/transitdelay-data/internal/aggregate"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

const (
	DefaultMinObservations = 50
	DefaultTopLines        = 20
)

// Queries is the read side of the aggregation cache.
type Queries interface {
	Len() int
	SummaryStats() aggregate.Summary
	LineStats(minObservations int) []aggregate.LineStat
	HourlyStats(kinds []static.RouteKind, hours []int) []aggregate.HourStat
	Heatmap(topN int) aggregate.HeatmapData
	TransportComparison() []aggregate.KindStat
	GeoSample(kinds []static.RouteKind) []aggregate.GeoPoint
	Histogram(kind static.RouteKind) (aggregate.Histogram, bool)
}

var _ Queries = (*aggregate.Cache)(nil)

type Server struct {
	q       Queries
	log     logger.Logger
	metrics *metrics.APIMetrics
}

func NewServer(q Queries, m *metrics.APIMetrics, log logger.Logger) *Server {
	if m != nil {
		m.Rows.Set(float64(q.Len()))
	}
	return &Server{q: q, log: log, metrics: m}
}

// Router builds the route table. /metrics is mounted when the server has metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	a.HandleFunc("/lines", s.handleLines).Methods(http.MethodGet)
	a.HandleFunc("/hourly", s.handleHourly).Methods(http.MethodGet)
	a.HandleFunc("/heatmap", s.handleHeatmap).Methods(http.MethodGet)
	a.HandleFunc("/transport", s.handleTransport).Methods(http.MethodGet)
	a.HandleFunc("/geo", s.handleGeo).Methods(http.MethodGet)
	a.HandleFunc("/histogram/{kind}", s.handleHistogram).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "observations": s.q.Len()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.q.SummaryStats())
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	minObs, err := intParam(r, "min_obs", DefaultMinObservations)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.q.LineStats(minObs))
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	kinds, err := kindsParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := hoursParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.q.HourlyStats(kinds, hours))
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	top, err := intParam(r, "top", DefaultTopLines)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.q.Heatmap(top))
}

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.q.TransportComparison())
}

func (s *Server) handleGeo(w http.ResponseWriter, r *http.Request) {
	kinds, err := kindsParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.q.GeoSample(kinds))
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(mux.Vars(r)["kind"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown transport type")
		return
	}
	h, ok := s.q.Histogram(kind)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no observations for "+string(kind))
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.Requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			s.metrics.Latency.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		s.log.Debug("Request served", "route", route, "code", rec.code, "elapsed", elapsed)
	})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &paramError{name: name, value: raw}
	}
	return v, nil
}

// listParam accepts both repeated and comma separated values.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func kindsParam(r *http.Request) ([]static.RouteKind, error) {
	var kinds []static.RouteKind
	for _, raw := range listParam(r, "kinds") {
		k, ok := parseKind(raw)
		if !ok {
			return nil, &paramError{name: "kinds", value: raw}
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func hoursParam(r *http.Request) ([]int, error) {
	var hours []int
	for _, raw := range listParam(r, "hours") {
		h, err := strconv.Atoi(raw)
		if err != nil || h < 0 || h > 23 {
			return nil, &paramError{name: "hours", value: raw}
		}
		hours = append(hours, h)
	}
	return hours, nil
}

func parseKind(raw string) (static.RouteKind, bool) {
	for _, k := range []static.RouteKind{static.KindTram, static.KindBus, static.KindOther} {
		if strings.EqualFold(raw, string(k)) {
			return k, true
		}
	}
	return "", false
}

type paramError struct {
	name  string
	value string
}

func (e *paramError) Error() string {
	return "invalid " + e.name + " value " + strconv.Quote(e.value)
}
