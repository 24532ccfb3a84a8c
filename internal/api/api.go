// Package api is the HTTP surface of a node. It decodes client and cluster
// requests, hands them to the coordinator, replication and router packages,
// and maps their errors onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/coordinator"
	"github.com/dreamware/relaydb/internal/metrics"
	"github.com/dreamware/relaydb/internal/replication"
	"github.com/dreamware/relaydb/internal/router"
	"github.com/dreamware/relaydb/internal/storage"
)

const (
	contentTypeJSON = "application/json"
	maxBodyBytes    = 1 << 20
	defaultLimit    = 100
	maxLimit        = 1000
)

// API serves one node's endpoints.
type API struct {
	dir        *coordinator.Directory
	registrar  *coordinator.Registrar
	replicator *replication.Replicator
	router     *router.Router
	metrics    *metrics.Metrics
	logger     log.Logger
}

// New creates the API. m may be nil, in which case /metrics is not served.
func New(dir *coordinator.Directory, registrar *coordinator.Registrar, replicator *replication.Replicator,
	rt *router.Router, m *metrics.Metrics, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{
		dir:        dir,
		registrar:  registrar,
		replicator: replicator,
		router:     rt,
		metrics:    m,
		logger:     log.With(logger, "component", "api"),
	}
}

// Handler returns the routing table.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.logRequests)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/nodes", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/nodes", a.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/sync", a.handleSync).Methods(http.MethodPost)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}

	kinds := "/{kind:" + kindPattern + "}"
	r.HandleFunc(kinds, a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc(kinds, a.handleList).Methods(http.MethodGet)
	r.HandleFunc(kinds+"/{id}", a.handleGet).Methods(http.MethodGet)
	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level.Debug(a.logger).Log("method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	self := a.dir.Self()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": self.ID,
		"role":    string(self.Role),
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var candidate cluster.NodeInfo
	if err := decode(w, r, &candidate); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	node, created, err := a.registrar.Register(r.Context(), candidate)
	if err != nil {
		a.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, node)
}

func (a *API) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.dir.List())
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	var records []storage.Record
	if err := decode(w, r, &records); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := a.replicator.Merge(r.Context(), records); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	payload, err := validate(kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.router.Create(r.Context(), router.Write{
		Kind:        kind,
		Payload:     payload,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		RawQuery:    r.URL.RawQuery,
		RecordID:    r.Header.Get(router.HeaderRecordID),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	if res.Relay != nil {
		relay(w, res.Relay)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Record)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := a.router.List(r.Context(), mux.Vars(r)["kind"], limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := a.router.Get(r.Context(), vars["kind"], vars["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	if res.Relay != nil {
		relay(w, res.Relay)
		return
	}
	writeJSON(w, http.StatusOK, res.Record)
}

// fail maps an error from the layers below onto a status code.
func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		level.Error(a.logger).Log("msg", "request failed", "status", status, "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	var invalid *ValidationError
	switch {
	case errors.Is(err, coordinator.ErrNodeNotFound):
		return http.StatusServiceUnavailable
	case cluster.IsNetworkError(err):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidRecord),
		errors.Is(err, coordinator.ErrInvalidNode),
		errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func decode(w http.ResponseWriter, r *http.Request, out any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

func relay(w http.ResponseWriter, rel *router.Relay) {
	if rel.ContentType != "" {
		w.Header().Set("Content-Type", rel.ContentType)
	}
	w.WriteHeader(rel.StatusCode)
	_, _ = w.Write(rel.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
