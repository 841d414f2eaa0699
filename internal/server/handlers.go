package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	registry    *Registry
	logger      *slog.Logger
	version     string
	startedAt   time.Time
	openapiSpec []byte
}

// NewHandlers creates a new Handlers.
func NewHandlers(registry *Registry, logger *slog.Logger, version string, openapiSpec []byte) *Handlers {
	return &Handlers{
		registry:    registry,
		logger:      logger,
		version:     version,
		startedAt:   time.Now(),
		openapiSpec: openapiSpec,
	}
}

// HandleCreateSession handles POST /v1/sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.registry.Create()
	writeJSON(w, r, http.StatusCreated, model.CreateSessionResponse{
		SessionID: s.ID,
		CreatedAt: s.CreatedAt,
	})
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s := h.registry.Get(r.PathValue("session_id"))
	if s == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown session")
		return
	}
	writeJSON(w, r, http.StatusOK, s.Info())
}

// HandleIngestPatches handles POST /v1/sessions/{session_id}/patches.
// The body is NDJSON, one patch per line. All patches in one request are
// applied as a single batch: events are derived only after the whole batch
// has been folded into the run state.
func (h *Handlers) HandleIngestPatches(w http.ResponseWriter, r *http.Request) {
	s := h.registry.Get(r.PathValue("session_id"))
	if s == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown session")
		return
	}

	batch, err := decodePatches(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed patch body: "+err.Error())
		return
	}

	if len(batch) > 0 {
		if err := s.Submit(r.Context(), batch); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "session closed")
				return
			}
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "submit failed")
			return
		}
	}

	writeJSON(w, r, http.StatusOK, model.IngestResponse{
		SessionID: s.ID,
		Applied:   len(batch),
	})
}

// HandleCloseSession handles POST /v1/sessions/{session_id}/close.
// Closing is idempotent.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	s := h.registry.Get(r.PathValue("session_id"))
	if s == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown session")
		return
	}
	s.Close()
	writeJSON(w, r, http.StatusOK, s.Info())
}

// HandleEvents handles GET /v1/sessions/{session_id}/events (SSE).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	s := h.registry.Get(r.PathValue("session_id"))
	if s == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := s.broker.Subscribe()
	defer s.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Sessions: h.registry.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.VersionResponse{Version: h.version})
}

// decodePatches reads an NDJSON body, one patch object per line. A stream
// decoder handles both newline-delimited and concatenated JSON values.
func decodePatches(body io.Reader) ([]model.Patch, error) {
	var batch []model.Patch
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	for {
		var p model.Patch
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				return batch, nil
			}
			return nil, err
		}
		batch = append(batch, p)
	}
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}
