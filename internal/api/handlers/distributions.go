package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/distribution"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/workflow/distributions"
	"github.com/openpharma/stockflow/pkg/idempotency"
)

// DistributionHandler handles central-to-site distribution endpoints.
type DistributionHandler struct {
	svc    *distributions.Service
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewDistributionHandler creates the handler. inbox may be nil.
func NewDistributionHandler(svc *distributions.Service, inbox *idempotency.Inbox, logger *zap.Logger) *DistributionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DistributionHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes.
func (h *DistributionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/distribute", h.MarkDistributed)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Create handles POST /distributions
func (h *DistributionHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, stock.Invalidf("read request body"))
		return
	}
	var req distributions.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, stock.Invalidf("invalid request body"))
		return
	}
	actor := actorFrom(r.Context())
	createIdempotent(w, r, h.inbox, "distributions.create", body, func(ctx context.Context) (interface{}, error) {
		return h.svc.Create(ctx, req, actor)
	})
}

// List handles GET /distributions
func (h *DistributionHandler) List(w http.ResponseWriter, r *http.Request) {
	f := distribution.ListFilter{
		Status: distribution.Status(r.URL.Query().Get("status")),
		SiteID: r.URL.Query().Get("site_id"),
	}
	out, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /distributions/{id}
func (h *DistributionHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// MarkDistributed handles POST /distributions/{id}/distribute
func (h *DistributionHandler) MarkDistributed(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.MarkDistributed(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /distributions/{id}/cancel
func (h *DistributionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
