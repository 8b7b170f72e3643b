package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/order"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/workflow/orders"
	"github.com/openpharma/stockflow/pkg/idempotency"
)

// OrderHandler handles supplier-order endpoints.
type OrderHandler struct {
	svc    *orders.Service
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewOrderHandler creates the handler. inbox may be nil; create requests then
// skip idempotency-key handling.
func NewOrderHandler(svc *orders.Service, inbox *idempotency.Inbox, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes.
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/transit", h.MarkInTransit)
	r.Post("/{id}/deliver", h.Deliver)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Create handles POST /orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, stock.Invalidf("read request body"))
		return
	}
	var req orders.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, stock.Invalidf("invalid request body"))
		return
	}
	actor := actorFrom(r.Context())
	createIdempotent(w, r, h.inbox, "orders.create", body, func(ctx context.Context) (interface{}, error) {
		return h.svc.Create(ctx, req, actor)
	})
}

// List handles GET /orders
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	f := order.ListFilter{
		Status:     order.Status(r.URL.Query().Get("status")),
		SupplierID: r.URL.Query().Get("supplier_id"),
	}
	out, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Approve handles POST /orders/{id}/approve
func (h *OrderHandler) Approve(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// MarkInTransit handles POST /orders/{id}/transit
func (h *OrderHandler) MarkInTransit(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.MarkInTransit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Deliver handles POST /orders/{id}/deliver
func (h *OrderHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Deliver(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /orders/{id}/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
