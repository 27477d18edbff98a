// Package web serves the read-side threat list, health and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ppiankov/threatintel/internal/model"
	"github.com/ppiankov/threatintel/internal/store"
)

// Finder is the read side of the store
type Finder interface {
	Find(ctx context.Context, f store.Filter) ([]model.Indicator, error)
}

// RequestObserver counts served requests
type RequestObserver interface {
	ObserveRequest(route, code string)
}

// Server is the read-side HTTP server
type Server struct {
	finder     Finder
	logger     *slog.Logger
	observer   RequestObserver // may be nil
	router     *mux.Router
	httpServer *http.Server
}

// NewServer builds the router. metricsHandler and observer may be nil.
func NewServer(addr string, finder Finder, logger *slog.Logger, metricsHandler http.Handler, observer RequestObserver) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		finder:   finder,
		logger:   logger,
		observer: observer,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet).Name("index")
	s.router.HandleFunc("/api/threats", s.handleThreats).Methods(http.MethodGet).Name("threats")
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name("health")
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet).Name("metrics")
	}
	s.router.Use(s.withLogging)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called or the listener fails
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}

	threats, err := s.finder.Find(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to query threats", "type", filter.Type, "severity", filter.Severity, "error", err)
		writeError(w, http.StatusServiceUnavailable, "StoreUnavailable", "failed to query threats")
		return
	}
	if threats == nil {
		threats = []model.Indicator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threats": threats,
		"count":   len(threats),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}

	page := indexPage{Type: filter.Type, Severity: filter.Severity}
	threats, err := s.finder.Find(r.Context(), filter)
	if err != nil {
		// The page still renders, with an empty list
		s.logger.Error("failed to query threats", "type", filter.Type, "severity", filter.Severity, "error", err)
		page.Error = "Threat store is unavailable."
	}
	s.logger.Debug("retrieved threats", "count", len(threats), "type", filter.Type, "severity", filter.Severity)

	for _, t := range threats {
		page.Threats = append(page.Threats, threatRow{
			Indicator: t.Indicator,
			Type:      t.Type,
			Severity:  t.Severity,
			Seen:      displayTime(t.Timestamp),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, page); err != nil {
		s.logger.Error("failed to render index", "error", err)
	}
}

func parseFilter(w http.ResponseWriter, r *http.Request) (store.Filter, bool) {
	q := r.URL.Query()
	filter := store.Filter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > store.MaxResults {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 20")
			return filter, false
		}
		filter.Limit = n
	}
	return filter, true
}

func displayTime(ts string) string {
	t, err := model.ParseTimestamp(ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05 UTC")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.observer != nil {
			s.observer.ObserveRequest(route, strconv.Itoa(wrapped.status))
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type threatRow struct {
	Indicator string
	Type      string
	Severity  string
	Seen      string
}

type indexPage struct {
	Type     string
	Severity string
	Error    string
	Threats  []threatRow
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Threat Intelligence</title></head>
<body>
<h1>Latest threats</h1>
<form method="get" action="/">
  <input name="type" placeholder="type" value="{{.Type}}">
  <input name="severity" placeholder="severity" value="{{.Severity}}">
  <button type="submit">Filter</button>
</form>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<table>
<tr><th>Timestamp</th><th>Indicator</th><th>Type</th><th>Severity</th></tr>
{{range .Threats}}<tr><td>{{.Seen}}</td><td>{{.Indicator}}</td><td>{{.Type}}</td><td>{{.Severity}}</td></tr>
{{else}}<tr><td colspan="4">No threats found.</td></tr>
{{end}}</table>
</body>
</html>
`))
