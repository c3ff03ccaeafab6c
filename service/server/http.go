package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
)

// ErrMalformedRequest is reported for request bodies that are not a valid sync request.
var ErrMalformedRequest = errors.New("malformed request")

// Headers sent with every reply.
var defaultHeaders = map[string]string{
	"Content-Type":                 "application/json",
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "POST, GET, OPTIONS",
	"Access-Control-Allow-Headers": "Origin, X-Requested-With, Content-Type, Accept",
}

// Handler exposes a SyncService as a single HTTP endpoint:
// POST is a sync exchange, GET is an empty exchange (full snapshot), anything else is an empty reply.
type Handler struct {
	svc          *SyncService
	maxBodyBytes int64
	logger       *zap.Logger
}

// ServeHTTP implements http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for key, value := range defaultHeaders {
		w.Header().Set(key, value)
	}

	req := &model.Request{}
	switch r.Method {
	case http.MethodPost:
		var err error
		if req, err = h.decodeRequest(w, r); err != nil {
			h.logger.Debug("request rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	case http.MethodGet:
	default:
		// Preflight
		w.WriteHeader(http.StatusOK)
		return
	}

	res, err := h.svc.Exchange(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Client is gone
			return
		case errors.Is(err, ErrStopped):
			h.writeError(w, http.StatusServiceUnavailable, err)
		default:
			h.logger.Error("exchange failed", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	raw, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("response marshal failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(raw)
	w.Write([]byte("\n"))
}

// decodeRequest parses a POST body. An empty body is an empty request.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*model.Request, error) {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer body.Close()

	req := &model.Request{}
	if err := json.NewDecoder(body).Decode(req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	return req, nil
}

// writeError writes a JSON error reply.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.WriteHeader(status)
	w.Write(raw)
	w.Write([]byte("\n"))
}

// NewHandler creates a new Handler object.
func NewHandler(svc *SyncService, logger *zap.Logger) (*Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%s: nil", "svc")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		svc:          svc,
		maxBodyBytes: svc.Config().MaxBodyBytes,
		logger:       logger,
	}, nil
}
