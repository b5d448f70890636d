package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/store"
)

// MedicineHandler serves the medicine catalog
type MedicineHandler struct {
	catalog store.Catalog
	logger  *zap.Logger
}

// NewMedicineHandler creates a catalog handler
func NewMedicineHandler(catalog store.Catalog, logger *zap.Logger) *MedicineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicineHandler{catalog: catalog, logger: logger}
}

// Routes returns the handler routes
func (h *MedicineHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Upsert)
	return r
}

// UpsertMedicineRequest sets a medicine's name and stock level
type UpsertMedicineRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// List handles GET /medicines
func (h *MedicineHandler) List(w http.ResponseWriter, r *http.Request) {
	meds, err := h.catalog.ListMedicines(r.Context())
	if err != nil {
		h.logger.Error("list medicines failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"medicines": meds, "count": len(meds)})
}

// Get handles GET /medicines/{id}
func (h *MedicineHandler) Get(w http.ResponseWriter, r *http.Request) {
	med, err := h.catalog.GetMedicine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// Upsert handles PUT /medicines/{id}
func (h *MedicineHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req UpsertMedicineRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", "validation", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		jsonError(w, "name is required", "validation", http.StatusBadRequest)
		return
	}

	med, err := prescription.NewMedicine(id, req.Name, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.catalog.UpsertMedicine(r.Context(), med); err != nil {
		h.logger.Error("upsert medicine failed", zap.String("medicine_id", id), zap.Error(err))
		writeServiceError(w, err)
		return
	}

	h.logger.Info("medicine stock set",
		zap.String("medicine_id", id),
		zap.Int("quantity", med.Quantity))
	writeJSON(w, http.StatusOK, med)
}
