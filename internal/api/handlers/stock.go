package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/internal/ledger"
	"github.com/openpharma/stockflow/internal/query"
)

// StockHandler exposes ledger reads, adjustments, thresholds and the query
// facade views.
type StockHandler struct {
	ledger *ledger.Ledger
	facade *query.Facade
	logger *zap.Logger
}

// NewStockHandler creates the handler.
func NewStockHandler(led *ledger.Ledger, facade *query.Facade, logger *zap.Logger) *StockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockHandler{ledger: led, facade: facade, logger: logger}
}

// Routes returns the handler routes.
func (h *StockHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/summary", h.GlobalSummary)
	r.Get("/central", h.CentralStocks)
	r.Get("/sites/{siteID}", h.SiteStocks)
	r.Get("/alerts", h.Alerts)
	r.Get("/balance", h.Balance)
	r.Get("/movements", h.Movements)
	r.Get("/movements/summary", h.MovementSummary)
	r.Post("/adjustments", h.Adjust)
	r.Put("/thresholds", h.SetThresholds)
	r.Post("/synchronize", h.Synchronize)
	return r
}

// scopeParam reads the optional scope selector: site_id=<id> for a site,
// scope=central for the warehouse, neither for all scopes.
func scopeParam(r *http.Request) *stock.Scope {
	if siteID := r.URL.Query().Get("site_id"); siteID != "" {
		s := stock.SiteScope(siteID)
		return &s
	}
	if r.URL.Query().Get("scope") == "central" {
		s := stock.Central
		return &s
	}
	return nil
}

// GlobalSummary handles GET /stock/summary
func (h *StockHandler) GlobalSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.facade.GetGlobalSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// CentralStocks handles GET /stock/central
func (h *StockHandler) CentralStocks(w http.ResponseWriter, r *http.Request) {
	levels, err := h.facade.GetCentralStocks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levels)
}

// SiteStocks handles GET /stock/sites/{siteID}
func (h *StockHandler) SiteStocks(w http.ResponseWriter, r *http.Request) {
	levels, err := h.facade.GetSiteStocks(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levels)
}

// Alerts handles GET /stock/alerts
func (h *StockHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.facade.GetAlerts(r.Context(), query.AlertFilter{Scope: scopeParam(r)})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// Balance handles GET /stock/balance
func (h *StockHandler) Balance(w http.ResponseWriter, r *http.Request) {
	medicationID := r.URL.Query().Get("medication_id")
	if medicationID == "" {
		writeError(w, stock.Invalidf("medication_id is required"))
		return
	}
	scope := stock.Central
	if s := scopeParam(r); s != nil {
		scope = *s
	}
	balance, err := h.ledger.Balance(r.Context(), scope, medicationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":         scope,
		"medication_id": medicationID,
		"balance":       balance,
	})
}

// movementFilter parses the movement query parameters. Dates are RFC3339 and
// inclusive on both ends.
func movementFilter(r *http.Request) (stock.Filter, error) {
	q := r.URL.Query()
	f := stock.Filter{
		MedicationID:  q.Get("medication_id"),
		Scope:         scopeParam(r),
		Type:          stock.MovementType(q.Get("movement_type")),
		ReferenceType: stock.ReferenceType(q.Get("reference_type")),
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, stock.Invalidf("invalid date_from %q", v)
		}
		f.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, stock.Invalidf("invalid date_to %q", v)
		}
		f.DateTo = &t
	}
	return f, nil
}

// Movements handles GET /stock/movements
func (h *StockHandler) Movements(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	movs, err := h.ledger.ListMovements(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movs)
}

// MovementSummary handles GET /stock/movements/summary
func (h *StockHandler) MovementSummary(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := h.ledger.Summarize(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// AdjustRequest is the body of POST /stock/adjustments. Quantity is signed;
// negative values debit the key.
type AdjustRequest struct {
	SiteID       string `json:"site_id,omitempty"`
	MedicationID string `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
	Notes        string `json:"notes,omitempty"`
}

// Adjust handles POST /stock/adjustments
func (h *StockHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, stock.Invalidf("invalid request body"))
		return
	}
	scope := stock.Central
	if req.SiteID != "" {
		scope = stock.SiteScope(req.SiteID)
	}
	mov, err := h.ledger.Append(r.Context(), ledger.Entry{
		Scope:        scope,
		MedicationID: req.MedicationID,
		Type:         stock.MovementAdjustment,
		Quantity:     req.Quantity,
		Reference:    stock.Reference{Type: stock.RefAdjustment, ID: uuid.New().String()},
		CreatedBy:    actorFrom(r.Context()),
		Notes:        req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mov)
}

// ThresholdsRequest is the body of PUT /stock/thresholds.
type ThresholdsRequest struct {
	SiteID       string `json:"site_id,omitempty"`
	MedicationID string `json:"medication_id"`
	MinStock     int64  `json:"min_stock"`
	MaxStock     int64  `json:"max_stock"`
}

// SetThresholds handles PUT /stock/thresholds
func (h *StockHandler) SetThresholds(w http.ResponseWriter, r *http.Request) {
	var req ThresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, stock.Invalidf("invalid request body"))
		return
	}
	scope := stock.Central
	if req.SiteID != "" {
		scope = stock.SiteScope(req.SiteID)
	}
	if err := h.ledger.SetThresholds(r.Context(), scope, req.MedicationID, req.MinStock, req.MaxStock); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":         scope,
		"medication_id": req.MedicationID,
		"min_stock":     req.MinStock,
		"max_stock":     req.MaxStock,
	})
}

// Synchronize handles POST /stock/synchronize. Defaults to the central scope;
// pass site_id to reconcile a site.
func (h *StockHandler) Synchronize(w http.ResponseWriter, r *http.Request) {
	scope := stock.Central
	if s := scopeParam(r); s != nil {
		scope = *s
	}
	report, err := h.ledger.Synchronize(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("stock synchronized",
		zap.String("scope", scope.String()),
		zap.Int("adjustments", report.Adjustments),
	)
	writeJSON(w, http.StatusOK, report)
}
