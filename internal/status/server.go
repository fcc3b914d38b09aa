// Package status exposes a local diagnostics HTTP server for the sync engine.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agridesk/fieldsync/internal/connectivity"
	"github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/logging"
	"github.com/agridesk/fieldsync/internal/media"
	"github.com/agridesk/fieldsync/internal/reconcile"
	"github.com/agridesk/fieldsync/internal/store"
	"github.com/agridesk/fieldsync/internal/syncqueue"
)

// Server serves the engine to the embedding application on a loopback port:
// diagnostics, manual triggers, and media capture. It is not meant for the
// open network.
type Server struct {
	store      *store.Store
	queue      *syncqueue.Queue
	controller *reconcile.Controller
	monitor    *connectivity.Monitor
	intake     *media.Intake
}

// NewServer creates a status server over the engine's components. intake may
// be nil when the platform handles capture through another bridge.
func NewServer(st *store.Store, queue *syncqueue.Queue, controller *reconcile.Controller,
	monitor *connectivity.Monitor, intake *media.Intake) *Server {
	return &Server{store: st, queue: queue, controller: controller, monitor: monitor, intake: intake}
}

// Handler returns the chi router for the diagnostics endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Get("/queue", s.handleQueue)
	r.Post("/sync", s.handleSync)
	r.Post("/cache/sweep", s.handleCacheSweep)
	r.Post("/connectivity", s.handleConnectivity)
	r.Delete("/rejected", s.handleClearRejected)
	if s.intake != nil {
		r.Post("/media", s.handleMediaCapture)
	}

	return r
}

type statusResponse struct {
	State        string                     `json:"state"`
	Connectivity string                     `json:"connectivity"`
	QueueDepth   int                        `json:"queueDepth"`
	CacheEntries int                        `json:"cacheEntries"`
	LastSync     interface{}                `json:"lastSync,omitempty"`
	LastError    string                     `json:"lastError,omitempty"`
	Rejected     []reconcile.RejectedAction `json:"rejected,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cs := s.controller.Status(ctx)

	depth, err := s.queue.Size(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	cacheEntries, err := s.store.CacheSize(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		State:        string(cs.State),
		Connectivity: string(s.monitor.Current()),
		QueueDepth:   depth,
		CacheEntries: cacheEntries,
		LastSync:     cs.LastSync,
		LastError:    cs.LastError,
		Rejected:     cs.RejectedActions,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	started := s.controller.TriggerSync(r.Context())
	if !started {
		// Offline or a cycle already in flight.
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"started":      false,
			"connectivity": string(s.monitor.Current()),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
}

func (s *Server) handleCacheSweep(w http.ResponseWriter, r *http.Request) {
	evicted, err := s.store.CacheSweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evicted": evicted})
}

type connectivityRequest struct {
	State string `json:"state"`
}

// handleConnectivity lets the embedding application report link transitions.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var state connectivity.State
	switch req.State {
	case string(connectivity.StateOnline):
		state = connectivity.StateOnline
	case string(connectivity.StateOffline):
		state = connectivity.StateOffline
	default:
		http.Error(w, `{"error":"state must be online or offline"}`, http.StatusBadRequest)
		return
	}

	s.monitor.Signal(state)
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": req.State})
}

// handleMediaCapture accepts a multipart blob: form fields kind, taskKey and
// capturedAt plus a file part named blob.
func (s *Server) handleMediaCapture(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("blob")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	capturedAt, _ := strconv.ParseInt(r.FormValue("capturedAt"), 10, 64)
	req := media.CaptureRequest{
		Kind:       r.FormValue("kind"),
		TaskKey:    r.FormValue("taskKey"),
		MIMEType:   header.Header.Get("Content-Type"),
		CapturedAt: capturedAt,
	}

	record, err := s.intake.Capture(r.Context(), req, file)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errors.ErrMediaInvalid) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleClearRejected(w http.ResponseWriter, r *http.Request) {
	s.controller.ClearRejected()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode status response", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
