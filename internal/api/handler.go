// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"minifab/internal/apperrors"
	"minifab/internal/health"
	"minifab/internal/job"
	"minifab/internal/observability"
	"minifab/internal/service"
	"minifab/internal/storage"
	"minifab/pkg/hmacsig"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// WebhookSignatureHeader carries the provider's HMAC-SHA256 signature of
// the raw callback body.
const WebhookSignatureHeader = "X-Signature-256"

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc           *service.Service
	metrics       *observability.Metrics
	health        *health.Checker
	signer        storage.URLSigner
	webhookSecret string
	downloadTTL   time.Duration
}

// HandlerConfig holds the handler's dependencies.
type HandlerConfig struct {
	Service       *service.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Signer        storage.URLSigner // optional; locators returned as-is when nil
	WebhookSecret string
	DownloadTTL   time.Duration
}

// NewHandler creates a new API handler
func NewHandler(cfg HandlerConfig) *Handler {
	ttl := cfg.DownloadTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Handler{
		svc:           cfg.Service,
		metrics:       cfg.Metrics,
		health:        cfg.HealthChecker,
		signer:        cfg.Signer,
		webhookSecret: cfg.WebhookSecret,
		downloadTTL:   ttl,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Dispatch(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Job ID is required")
		return
	}

	status, err := h.svc.Status(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// downloadResponse is the body of a successful download request.
type downloadResponse struct {
	JobID       string `json:"jobId"`
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   int64  `json:"expiresIn,omitempty"` // seconds
}

// DownloadJob handles GET /v1/jobs/{jobId}/download.
// Responds 409 until the job has completed and produced a model.
func (h *Handler) DownloadJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Job ID is required")
		return
	}

	j, err := h.svc.Result(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := downloadResponse{JobID: j.ID, DownloadURL: j.ModelRef}
	if h.signer != nil {
		signed, serr := h.signer.SignedURL(j.ModelRef, h.downloadTTL)
		if serr != nil {
			h.handleError(w, r, apperrors.Internal("signer.sign", serr))
			return
		}
		resp.DownloadURL = signed
		resp.ExpiresIn = int64(h.downloadTTL.Seconds())
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// PipelineWebhook handles POST /v1/webhooks/pipeline - callbacks from the
// compute provider. Authentication is an HMAC-SHA256 signature over the
// raw body. Once a callback is authenticated and parsed it is always
// acknowledged with 200: duplicates, terminal-job updates, and store
// hiccups are the receiver's problem, and a non-2xx would only make the
// provider retry a callback that was already handled.
func (h *Handler) PipelineWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.rejectWebhook(w, r, http.StatusBadRequest, "validation_error", "unreadable body", "unreadable_body")
		return
	}

	if h.webhookSecret != "" {
		sig := r.Header.Get(WebhookSignatureHeader)
		if !hmacsig.Verify(sig, h.webhookSecret, body) {
			h.rejectWebhook(w, r, http.StatusUnauthorized, "unauthorized", "invalid webhook signature", "invalid_signature")
			return
		}
	}

	var payload job.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.rejectWebhook(w, r, http.StatusBadRequest, "validation_error", "invalid callback body: "+err.Error(), "malformed_body")
		return
	}

	if err := h.svc.ApplyCallback(r.Context(), &payload); err != nil {
		if apperrors.HTTPStatus(err) == http.StatusBadRequest {
			h.rejectWebhook(w, r, http.StatusBadRequest, "validation_error", err.Error(), "invalid_payload")
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) rejectWebhook(w http.ResponseWriter, r *http.Request, status int, code, message, reason string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookRejected(r.Context(), reason)
	}
	slog.Warn("Webhook rejected", "reason", reason, "remote", r.RemoteAddr)
	h.writeError(w, status, code, message)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 while the instance should receive traffic (including
// degraded, when only the optional ledger is down). Returns 503 when the
// ephemeral store is unavailable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response with a stable machine-readable code.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, apperrors.Code(err), err.Error())
}
