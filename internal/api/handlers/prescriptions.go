package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/prescription"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/workflow/prescriptions"
	"github.com/openpharma/stockflow/pkg/idempotency"
)

// PrescriptionHandler handles dispensing endpoints.
type PrescriptionHandler struct {
	svc    *prescriptions.Service
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewPrescriptionHandler creates the handler. inbox may be nil.
func NewPrescriptionHandler(svc *prescriptions.Service, inbox *idempotency.Inbox, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/prepare", h.Prepare)
	r.Post("/{id}/prepared", h.MarkPrepared)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, stock.Invalidf("read request body"))
		return
	}
	var req prescriptions.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, stock.Invalidf("invalid request body"))
		return
	}
	actor := actorFrom(r.Context())
	createIdempotent(w, r, h.inbox, "prescriptions.create", body, func(ctx context.Context) (interface{}, error) {
		return h.svc.Create(ctx, req, actor)
	})
}

// List handles GET /prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	f := prescription.ListFilter{
		Status: prescription.Status(r.URL.Query().Get("status")),
		SiteID: r.URL.Query().Get("site_id"),
	}
	out, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Prepare handles POST /prescriptions/{id}/prepare
func (h *PrescriptionHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Prepare(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MarkPrepared handles POST /prescriptions/{id}/prepared
func (h *PrescriptionHandler) MarkPrepared(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.MarkPrepared(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
