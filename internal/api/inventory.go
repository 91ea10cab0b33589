package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Inventory handlers. Routes are restricted to the admin role.

func (h *Handler) listInventory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.inventory.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("query")))
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

type createMedicationRequest struct {
	GenericName string          `json:"generic_name"`
	BrandName   string          `json:"brand_name"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (h *Handler) createMedication(w http.ResponseWriter, r *http.Request) {
	var req createMedicationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.inventory.CreateMedication(r.Context(), req.GenericName, req.BrandName, req.Quantity, req.UnitPrice)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"medication_id": id})
}

type medicationRequest struct {
	GenericName string `json:"generic_name"`
	BrandName   string `json:"brand_name"`
}

func (h *Handler) updateMedication(w http.ResponseWriter, r *http.Request) {
	var req medicationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.inventory.UpsertMedication(r.Context(), id, req.GenericName, req.BrandName); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "medication saved", "medication_id": id})
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) setMedicationActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.inventory.SetActive(r.Context(), chi.URLParam(r, "id"), req.Active); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "medication updated", "active": req.Active})
}

type inventoryRequest struct {
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (h *Handler) updateInventory(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.inventory.UpsertInventory(r.Context(), id, req.Quantity, req.UnitPrice); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "inventory updated",
		"medication_id": id,
		"quantity":      req.Quantity,
		"unit_price":    req.UnitPrice.StringFixed(2),
	})
}

type adjustRequest struct {
	Delta int64 `json:"delta"`
}

func (h *Handler) adjustInventory(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.inventory.Adjust(r.Context(), id, req.Delta); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	rec, err := h.inventory.Get(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
