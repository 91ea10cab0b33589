package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pharmacypos/m/domain"
)

const searchLimit = 25

// Medication search
func (h *Handler) searchMedications(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	items := []domain.CatalogItem{}
	for item, err := range h.catalog.Search(r.Context(), query) {
		if err != nil {
			h.respondFailure(w, r, err)
			return
		}
		items = append(items, item)
		if len(items) == searchLimit {
			break
		}
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handler) patientPrescriptions(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "id")
	if _, err := h.patients.Get(r.Context(), patientID); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	rxs, err := h.prescriptions.ActivePrescriptions(r.Context(), patientID)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rxs)
}
