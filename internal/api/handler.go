package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/catalog"
	"pharmacypos/m/internal/checkout"
	"pharmacypos/m/internal/inventory"
	"pharmacypos/m/internal/logger"
	"pharmacypos/m/internal/metrics"
	"pharmacypos/m/internal/patients"
	"pharmacypos/m/internal/prescriptions"
	"pharmacypos/m/internal/sales"
	"pharmacypos/m/internal/session"
)

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	db            *sqlx.DB
	secret        string
	catalog       *catalog.Catalog
	inventory     *inventory.Store
	patients      *patients.Directory
	prescriptions *prescriptions.Ledger
	sales         *sales.Ledger
	engine        *checkout.Engine
	sessions      *session.Registry
	metrics       *metrics.Metrics
	log           *zap.Logger
}

// New constructs a Handler.
func New(db *sqlx.DB, secret string, engine *checkout.Engine, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		db:            db,
		secret:        secret,
		catalog:       catalog.New(db),
		inventory:     inventory.New(db),
		patients:      patients.New(db),
		prescriptions: prescriptions.New(db),
		sales:         sales.New(db),
		engine:        engine,
		sessions:      session.NewRegistry(),
		metrics:       m,
		log:           log.Named("api"),
	}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))
	r.Use(requestID)
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(h.log))
	r.Use(h.metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", h.metrics.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(h.authMiddleware)

		pr.Get("/medications", h.searchMedications)
		pr.Get("/patients/{id}/prescriptions", h.patientPrescriptions)

		pr.Route("/carts", func(r chi.Router) {
			r.Post("/", h.openCart)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getCart)
				r.Delete("/", h.closeCart)
				r.Post("/walk-in", h.addWalkIn)
				r.Post("/prescriptions", h.addPrescription)
				r.Post("/hospital", h.addHospital)
				r.Delete("/lines/{index}", h.removeLine)
				r.Post("/checkout", h.checkout)
			})
		})

		pr.Get("/sales/{id}", h.receipt)

		pr.Route("/reports", func(r chi.Router) {
			r.Get("/sales", h.salesReport)
			r.Get("/sales/summary", h.salesSummary)
		})

		pr.Route("/inventory", func(r chi.Router) {
			r.Use(requireRole(roleAdmin))
			r.Get("/", h.listInventory)
			r.Post("/medications", h.createMedication)
			r.Put("/medications/{id}", h.updateMedication)
			r.Put("/medications/{id}/active", h.setMedicationActive)
			r.Put("/{id}", h.updateInventory)
			r.Post("/{id}/adjust", h.adjustInventory)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestID seeds chi's request id with a uuid when the caller sent none.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(middleware.RequestIDHeader, id)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Helpers

type errorResponse struct {
	Error          string `json:"error"`
	Reason         string `json:"reason,omitempty"`
	LineIndex      *int   `json:"line_index,omitempty"`
	MedicationID   string `json:"medication_id,omitempty"`
	PrescriptionID string `json:"prescription_id,omitempty"`
}

// respondFailure maps domain errors to status codes. Anything unrecognised is a 500 and is logged.
func (h *Handler) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrCommitConflict),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrNoRefillsRemaining):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, status, "internal error")
		return
	}

	body := errorResponse{Error: err.Error(), Reason: checkout.Outcome(err)}
	var le *checkout.LineError
	if errors.As(err, &le) {
		idx := le.Index
		body.LineIndex = &idx
		body.MedicationID = le.MedicationID
		body.PrescriptionID = le.PrescriptionID
	}
	respondJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
