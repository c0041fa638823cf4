package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"crmsync/internal/crm"
	"crmsync/internal/logging"
	"crmsync/internal/reconcile"
	"crmsync/internal/search"
	"crmsync/internal/store"
	"crmsync/internal/util"
	"crmsync/internal/workspace"
)

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Options struct {
	Records *store.RecordStore
	Hub     *workspace.Hub
	Search  *search.Service
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer   prometheus.Gatherer
	CORSOrigin string
	// Checks are readiness probes run besides the database ping.
	Checks map[string]Check
	Logger *zap.Logger
}

type HTTPServer struct {
	records    *store.RecordStore
	hub        *workspace.Hub
	search     *search.Service
	gatherer   prometheus.Gatherer
	corsOrigin string
	checks     map[string]Check
	log        *zap.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(opts Options) *HTTPServer {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		records:    opts.Records,
		hub:        opts.Hub,
		search:     opts.Search,
		gatherer:   gatherer,
		corsOrigin: corsOrigin,
		checks:     opts.Checks,
		log:        logging.OrNop(opts.Logger).Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return corsOrigin == "*" || r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/backend/tenants/{tenant}", func(r chi.Router) {
		r.Use(requireTenant)
		r.Mount("/"+crm.TableDeals, backendRoutes[crm.Deal](s, crm.TableDeals, workspace.DealSchema.IDPrefix))
		r.Mount("/"+crm.TableContacts, backendRoutes[crm.Contact](s, crm.TableContacts, workspace.ContactSchema.IDPrefix))
		r.Mount("/"+crm.TableConversations, backendRoutes[crm.Conversation](s, crm.TableConversations, workspace.ConversationSchema.IDPrefix))
	})

	r.Route("/api/tenants/{tenant}", func(r chi.Router) {
		r.Use(requireTenant)
		r.Get("/search", s.handleSearch)
		r.Mount("/"+crm.TableDeals, collectionRoutes(s, func(ws *workspace.Workspace) *reconcile.Collection[crm.Deal] { return ws.Deals }))
		r.Mount("/"+crm.TableContacts, collectionRoutes(s, func(ws *workspace.Workspace) *reconcile.Collection[crm.Contact] { return ws.Contacts }))
		r.Mount("/"+crm.TableConversations, collectionRoutes(s, func(ws *workspace.Workspace) *reconcile.Collection[crm.Conversation] { return ws.Conversations }))
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	probes := map[string]Check{"database": s.records.Ping}
	for name, check := range s.checks {
		probes[name] = check
	}
	for name, check := range probes {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	table := query.Get("type")
	if table != "" && !knownTable(table) {
		s.fail(w, r, domainError(http.StatusBadRequest, "INVALID_TYPE", "Unknown record type", map[string]any{"type": table}))
		return
	}
	writeJSON(w, http.StatusOK, s.search.Search(search.Query{
		Tenant: chi.URLParam(r, "tenant"),
		Text:   query.Get("q"),
		Type:   table,
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}))
}

func knownTable(table string) bool {
	switch table {
	case crm.TableDeals, crm.TableContacts, crm.TableConversations:
		return true
	}
	return false
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !util.ValidID(chi.URLParam(r, "tenant")) {
			status, code, message, details := mapError(errInvalidTenant)
			writeError(w, status, code, message, details)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			logging.RequestID(requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the watch route upgrade to a WebSocket through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			logging.RequestID(RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}
