package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pharmacypos/m/internal/sales"
)

func (h *Handler) receipt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "sale id must be a positive number")
		return
	}
	receipt, err := h.sales.Receipt(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

// reportFilter reads start_date and end_date (YYYY-MM-DD, inclusive) and cashier.
func reportFilter(r *http.Request) (sales.Filter, string) {
	var f sales.Filter
	q := r.URL.Query()

	if startDate := strings.TrimSpace(q.Get("start_date")); startDate != "" {
		t, err := time.Parse(time.DateOnly, startDate)
		if err != nil {
			return f, "start_date must be in YYYY-MM-DD format"
		}
		f.From = t
	}
	if endDate := strings.TrimSpace(q.Get("end_date")); endDate != "" {
		t, err := time.Parse(time.DateOnly, endDate)
		if err != nil {
			return f, "end_date must be in YYYY-MM-DD format"
		}
		f.To = t.AddDate(0, 0, 1)
	}
	f.Cashier = strings.TrimSpace(q.Get("cashier"))
	return f, ""
}

func (h *Handler) salesReport(w http.ResponseWriter, r *http.Request) {
	f, problem := reportFilter(r)
	if problem != "" {
		respondError(w, http.StatusBadRequest, problem)
		return
	}
	report, err := h.sales.List(r.Context(), f)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// salesSummary reports revenue for an explicit date range, or for the current day or month via period.
func (h *Handler) salesSummary(w http.ResponseWriter, r *http.Request) {
	f, problem := reportFilter(r)
	if problem != "" {
		respondError(w, http.StatusBadRequest, problem)
		return
	}
	if f.From.IsZero() && f.To.IsZero() {
		now := time.Now().UTC()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		switch r.URL.Query().Get("period") {
		case "", "daily":
			f.From, f.To = today, today.AddDate(0, 0, 1)
		case "monthly":
			f.From = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
			f.To = f.From.AddDate(0, 1, 0)
		default:
			respondError(w, http.StatusBadRequest, "period must be daily or monthly")
			return
		}
	}
	summary, err := h.sales.Summary(r.Context(), f)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"revenue":     summary.Revenue.StringFixed(2),
		"sales_count": summary.Count,
		"from":        f.From,
		"to":          f.To,
	})
}
