// Package httpapi exposes manifest verification over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cocoaquota/internal/blob"
	"cocoaquota/internal/certificate"
	"cocoaquota/internal/pipeline"
)

// DefaultMaxUploadBytes caps the multipart request body.
const DefaultMaxUploadBytes = 32 << 20

// Verifier processes one uploaded manifest.
type Verifier interface {
	VerifyFile(ctx context.Context, name string, content []byte) (pipeline.Report, error)
}

// CertificateSource opens archived certificates by approval id.
type CertificateSource interface {
	Fetch(ctx context.Context, approvalID string) (blob.Info, io.ReadCloser, error)
}

// Option customises the router.
type Option func(*Handler)

// WithGatherer serves gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithCertificates serves archived certificates on /v1/certificates/{id}.
func WithCertificates(src CertificateSource) Option {
	return func(h *Handler) { h.certs = src }
}

// WithHealthCheck makes /healthz report failures of check.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(h *Handler) { h.health = check }
}

// WithMaxUploadBytes overrides DefaultMaxUploadBytes.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler serves the upload, health and metrics endpoints.
type Handler struct {
	verifier  Verifier
	certs     CertificateSource
	gatherer  prometheus.Gatherer
	health    func(context.Context) error
	maxUpload int64
	logger    *slog.Logger
}

// NewRouter builds the HTTP routes around v.
func NewRouter(v Verifier, opts ...Option) *mux.Router {
	h := &Handler{
		verifier:  v,
		gatherer:  prometheus.DefaultGatherer,
		maxUpload: DefaultMaxUploadBytes,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	router := mux.NewRouter()
	router.HandleFunc("/v1/uploads", h.handleUpload).Methods(http.MethodPost)
	if h.certs != nil {
		router.HandleFunc("/v1/certificates/{id}", h.handleCertificate).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

type uploadResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Report pipeline.Report `json:"report"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxUpload))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	report, err := h.verifier.VerifyFile(r.Context(), header.Filename, content)
	resp := uploadResponse{Status: "approved", Report: report}
	status := http.StatusOK
	switch {
	case err == nil:
	case pipeline.IsValidation(err):
		resp.Status, resp.Error = "rejected", err.Error()
		status = http.StatusUnprocessableEntity
	default:
		resp.Status, resp.Error = "error", err.Error()
		status = http.StatusInternalServerError
		h.logger.Error("upload verification failed", "file", header.Filename, "error", err)
	}
	h.logger.Info("upload verified", "file", header.Filename, "status", resp.Status, "runs", len(report.Runs))
	writeJSON(w, status, resp)
}

func (h *Handler) handleCertificate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, rc, err := h.certs.Fetch(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, certificate.ErrInvalidApprovalID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "certificate not found")
		return
	default:
		h.logger.Error("certificate fetch failed", "approval_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "certificate unavailable")
		return
	}
	defer func() { _ = rc.Close() }()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(info.Key)))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("certificate download interrupted", "approval_id", id, "error", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
