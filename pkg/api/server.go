package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vjranagit/auc/pkg/area"
	"github.com/vjranagit/auc/pkg/integrate"
	"github.com/vjranagit/auc/pkg/storage"
	"github.com/vjranagit/auc/pkg/types"
)

const (
	// defaultRange is the query window used when a request has no start time
	defaultRange = time.Hour

	defaultMaxWriteBytes = 32 << 20
)

// Server implements the HTTP API server
type Server struct {
	storage storage.Storage
	area    *area.Service
	logger  *zap.Logger
	metrics *metrics
	server  *http.Server

	maxWriteBytes int64
}

// NewServer creates a new API server
func NewServer(addr string, store storage.Storage, svc *area.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		storage: store,
		area:    svc,
		logger:  logger,
		metrics: newMetrics(),

		maxWriteBytes: defaultMaxWriteBytes,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/write", s.metrics.instrument("write", s.handleWrite))
	mux.Handle("/api/v1/query", s.metrics.instrument("query", s.handleQuery))
	mux.Handle("/api/v1/area", s.metrics.instrument("area", s.handleArea))
	mux.Handle("/health", s.metrics.instrument("health", s.handleHealth))
	mux.Handle("/metrics", s.metrics.handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleWrite handles remote write requests
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.WriteRequest
	body := http.MaxBytesReader(w, r.Body, s.maxWriteBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), status)
		return
	}
	req.TenantID = tenantID(r)

	if err := s.storage.Write(r.Context(), &req); err != nil {
		s.fail(w, "write", err)
		return
	}

	samples := 0
	for _, series := range req.Series {
		samples += len(series.Samples)
	}
	s.metrics.samples.Add(float64(samples))

	s.writeJSON(w, map[string]any{
		"status":  "success",
		"samples": samples,
	})
}

// handleQuery handles query requests
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "Missing query parameter", http.StatusBadRequest)
		return
	}

	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.storage.Query(r.Context(), &types.QueryRequest{
		TenantID:  tenantID(r),
		Query:     query,
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		s.fail(w, "query", err)
		return
	}

	s.writeJSON(w, result)
}

// handleArea integrates the series selected by a query
func (s *Server) handleArea(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	query := params.Get("query")
	if query == "" {
		http.Error(w, "Missing query parameter", http.StatusBadRequest)
		return
	}

	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var rules []string
	for _, v := range params["rule"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				rules = append(rules, name)
			}
		}
	}

	result, err := s.area.Area(r.Context(), &types.AreaRequest{
		TenantID:  tenantID(r),
		Query:     query,
		StartTime: start,
		EndTime:   end,
		Rules:     rules,
		Policy:    params.Get("policy"),
	})
	if err != nil {
		s.fail(w, "area", err)
		return
	}

	for _, series := range result.Series {
		for _, est := range series.Estimates {
			s.metrics.areas.WithLabelValues(est.Rule).Inc()
		}
	}

	s.writeJSON(w, result)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.storage.Stats()

	resp := map[string]any{
		"status": "healthy",
		"series": stats.Series,
		"disk":   humanize.Bytes(uint64(stats.DiskBytes)),
	}
	if cached, ok := s.storage.(interface{ CacheStats() storage.CacheStats }); ok {
		resp["cache_hit_rate"] = cached.CacheStats().HitRate()
	}

	s.writeJSON(w, resp)
}

// fail maps err onto a status code and reports it
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, integrate.ErrInvalidInput),
		errors.Is(err, area.ErrInvalidRequest),
		errors.Is(err, storage.ErrInvalidQuery),
		errors.Is(err, storage.ErrInvalidSeries):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// tenantID extracts the tenant from the X-Tenant-ID header
func tenantID(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant
	}
	return storage.DefaultTenant
}

// parseRange reads start and end, each RFC3339 or Unix seconds. A missing end
// is now; a missing start is one hour before end.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("Invalid end time: %w", err)
		}
		end = t
	}

	start := end.Add(-defaultRange)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("Invalid start time: %w", err)
		}
		start = t
	}

	return start, end, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor Unix seconds", v)
	}

	ms := secs * 1000
	if math.IsNaN(ms) || ms < math.MinInt64 || ms >= math.MaxInt64 {
		return time.Time{}, fmt.Errorf("%q is out of range", v)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
