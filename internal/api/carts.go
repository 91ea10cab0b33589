package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/cart"
	"pharmacypos/m/internal/checkout"
	"pharmacypos/m/internal/session"
)

type lineView struct {
	Index          int    `json:"index"`
	MedicationID   string `json:"medication_id"`
	DisplayName    string `json:"display_name"`
	Quantity       int64  `json:"quantity"`
	UnitPrice      string `json:"unit_price"`
	Total          string `json:"total"`
	Source         string `json:"source"`
	PrescriptionID string `json:"prescription_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
}

type cartView struct {
	ID        string     `json:"id"`
	Cashier   string     `json:"cashier"`
	CreatedAt time.Time  `json:"created_at"`
	Lines     []lineView `json:"lines"`
	Total     string     `json:"total"`
}

func viewCart(s *session.Session, c *cart.Cart) cartView {
	lines := c.Lines()
	v := cartView{ID: s.ID, Cashier: s.Cashier, CreatedAt: s.CreatedAt, Lines: make([]lineView, len(lines)), Total: c.Total().StringFixed(2)}
	for i, l := range lines {
		lv := lineView{
			Index:        i,
			MedicationID: l.MedicationID,
			DisplayName:  l.DisplayName,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice.StringFixed(2),
			Total:        l.Total().StringFixed(2),
			Source:       l.Source.Kind(),
		}
		switch src := l.Source.(type) {
		case cart.PrescriptionFulfillment:
			lv.PrescriptionID = src.PrescriptionID
			lv.PatientID = src.PatientID
		case cart.HospitalDirect:
			lv.PatientID = src.PatientID
		}
		v.Lines[i] = lv
	}
	return v
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"), cashierFromContext(r))
	if err != nil {
		h.respondFailure(w, r, err)
		return nil, false
	}
	return s, true
}

// withCart runs fn on the session's cart and responds with the resulting cart.
func (h *Handler) withCart(w http.ResponseWriter, r *http.Request, status int, fn func(c *cart.Cart) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var view cartView
	err := s.Do(func(c *cart.Cart) error {
		if err := fn(c); err != nil {
			return err
		}
		view = viewCart(s, c)
		return nil
	})
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	respondJSON(w, status, view)
}

func (h *Handler) openCart(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Open(cashierFromContext(r))
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	_ = s.Do(func(c *cart.Cart) error {
		respondJSON(w, http.StatusCreated, viewCart(s, c))
		return nil
	})
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	h.withCart(w, r, http.StatusOK, func(*cart.Cart) error { return nil })
}

func (h *Handler) closeCart(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "id"), cashierFromContext(r)); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type walkInRequest struct {
	MedicationID string `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
}

func (h *Handler) addWalkIn(w http.ResponseWriter, r *http.Request) {
	var req walkInRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.withCart(w, r, http.StatusOK, func(c *cart.Cart) error {
		item, err := h.catalog.Get(r.Context(), req.MedicationID)
		if err != nil {
			return err
		}
		return c.Add(cart.NewWalkInLine(item, req.Quantity))
	})
}

type prescriptionLineRequest struct {
	PrescriptionID string `json:"prescription_id"`
}

func (h *Handler) addPrescription(w http.ResponseWriter, r *http.Request) {
	var req prescriptionLineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.withCart(w, r, http.StatusOK, func(c *cart.Cart) error {
		rx, err := h.prescriptions.Get(r.Context(), req.PrescriptionID)
		if err != nil {
			return err
		}
		// Early feedback only; the refill is consumed at checkout.
		if rx.Status != domain.PrescriptionActive || rx.RefillsRemaining <= 0 {
			return fmt.Errorf("prescription %s is %s: %w", rx.ID, rx.Status, domain.ErrNoRefillsRemaining)
		}
		item, err := h.catalog.Get(r.Context(), rx.MedicationID)
		if err != nil {
			return err
		}
		return c.Add(cart.NewPrescriptionLine(rx, item))
	})
}

type hospitalLineRequest struct {
	PatientID    string `json:"patient_id"`
	MedicationID string `json:"medication_id"`
	Quantity     int64  `json:"quantity"`
}

func (h *Handler) addHospital(w http.ResponseWriter, r *http.Request) {
	var req hospitalLineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.withCart(w, r, http.StatusOK, func(c *cart.Cart) error {
		if _, err := h.patients.Get(r.Context(), req.PatientID); err != nil {
			return err
		}
		item, err := h.catalog.Get(r.Context(), req.MedicationID)
		if err != nil {
			return err
		}
		return c.Add(cart.NewHospitalLine(req.PatientID, item, req.Quantity))
	})
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "line index must be a number")
		return
	}
	h.withCart(w, r, http.StatusOK, func(c *cart.Cart) error {
		return c.Remove(index)
	})
}

type checkoutRequest struct {
	PatientID string `json:"patient_id"`
}

type checkoutResponse struct {
	SaleID int64  `json:"sale_id"`
	Total  string `json:"total"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var resp checkoutResponse
	err := s.Do(func(c *cart.Cart) error {
		total := c.Total()
		id, err := h.engine.Commit(r.Context(), c, checkout.Payer{PatientID: req.PatientID}, s.Cashier)
		if err != nil {
			return err
		}
		c.Clear()
		resp = checkoutResponse{SaleID: id, Total: total.StringFixed(2)}
		return nil
	})
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.log.Debug("cart checked out", zap.String("cart_id", s.ID), zap.Int64("sale_id", resp.SaleID))
	respondJSON(w, http.StatusCreated, resp)
}
