// Package handlers provides the HTTP handlers for the stock API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openpharma/stockflow/internal/api/middleware"
	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/pkg/idempotency"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(payload)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Structured
// errors keep their fields in the body so clients can react without parsing
// messages.
func writeError(w http.ResponseWriter, err error) {
	var (
		shortage   *stock.InsufficientStockError
		transition *stock.InvalidTransitionError
	)
	switch {
	case errors.As(err, &shortage):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":         err.Error(),
			"code":          "INSUFFICIENT_STOCK",
			"medication_id": shortage.MedicationID,
			"requested":     shortage.Requested,
			"available":     shortage.Available,
		})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     err.Error(),
			"code":      "INVALID_TRANSITION",
			"current":   transition.Current,
			"requested": transition.Requested,
		})
	case errors.Is(err, stock.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "code": "INVALID_INPUT"})
	case errors.Is(err, stock.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "code": "NOT_FOUND"})
	case errors.Is(err, stock.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "CONFLICT"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// actorFrom resolves the acting identity recorded as created_by on movements
// and workflow entities.
func actorFrom(ctx context.Context) string {
	if id := middleware.GetClientID(ctx); id != "" {
		return id
	}
	return "api"
}

// createIdempotent runs create, routing it through the inbox when the request
// carries an Idempotency-Key and an inbox is configured. Replaying a key
// returns the originally stored entity instead of creating a duplicate.
func createIdempotent(w http.ResponseWriter, r *http.Request, inbox *idempotency.Inbox, handler string, body []byte, create func(ctx context.Context) (interface{}, error)) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")
	if inbox == nil || key == "" {
		out, err := create(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
		return
	}

	res, err := inbox.Process(ctx, key, handler, body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := create(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrMessageInProgress) {
			writeError(w, fmt.Errorf("%w: request with this idempotency key is in progress", stock.ErrConflict))
			return
		}
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusCreated, res.Result)
}
