// Package handlers provides the HTTP handlers of the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/api/middleware"
	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/lifecycle"
	"github.com/drfirst/go-rxledger/internal/store"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

const (
	// IdempotencyKeyHeader makes a create request replayable
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from the idempotency inbox
	ReplayedHeader = "Idempotent-Replayed"

	createHandlerName = "create_prescription"
	maxBodyBytes      = 1 << 20
)

// Lifecycle is the subset of the lifecycle service the handlers use
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.CreateResult, error)
	Lookup(ctx context.Context, uiToken string) (*prescription.Prescription, error)
	Dispense(ctx context.Context, uiToken string) (*prescription.Prescription, error)
	List(ctx context.Context, f store.Filter) ([]*prescription.Prescription, error)
	Now() time.Time
	Location() *time.Location
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    Lifecycle
	inbox  idempotency.Processor
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionHandler creates a handler. inbox may be nil, in which case
// Idempotency-Key headers are ignored.
func NewPrescriptionHandler(svc Lifecycle, inbox idempotency.Processor, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		svc:    svc,
		inbox:  inbox,
		logger: logger,
		tracer: otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{token}", h.Get)
	r.Post("/{token}/dispense", h.Dispense)
	return r
}

// CreateRequest is the request body for issuing a prescription
type CreateRequest struct {
	PatientID      string                    `json:"patient_id"`
	PatientName    string                    `json:"patient_name"`
	PatientAge     int                       `json:"patient_age"`
	PatientAddress string                    `json:"patient_address,omitempty"`
	DoctorID       string                    `json:"doctor_id"`
	DoctorName     string                    `json:"doctor_name"`
	Disease        string                    `json:"disease"`
	Medicines      []prescription.Line       `json:"medicines"`
	DoseInterval   prescription.DoseInterval `json:"dose_interval"`
	DoseValidity   time.Time                 `json:"dose_validity"`
	LockDates      []prescription.Date       `json:"lock_dates,omitempty"`
}

func (r CreateRequest) toService() lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		PatientID:      r.PatientID,
		PatientName:    r.PatientName,
		PatientAge:     r.PatientAge,
		PatientAddress: r.PatientAddress,
		DoctorID:       r.DoctorID,
		DoctorName:     r.DoctorName,
		Disease:        r.Disease,
		Medicines:      r.Medicines,
		DoseInterval:   r.DoseInterval,
		DoseValidity:   r.DoseValidity,
		LockDates:      r.LockDates,
	}
}

// PrescriptionResponse is a prescription as seen at request time. Status is
// the effective status, so locked and expired show up without a write.
type PrescriptionResponse struct {
	*prescription.Prescription
	Status      prescription.Status `json:"status"`
	Anchored    bool                `json:"anchored"`
	AnchorError string              `json:"anchor_error,omitempty"`
}

func (h *PrescriptionHandler) view(p *prescription.Prescription) *PrescriptionResponse {
	return &PrescriptionResponse{
		Prescription: p,
		Status:       p.StatusAt(h.svc.Now(), h.svc.Location()),
		Anchored:     p.Anchoring != nil,
	}
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http_create_prescription")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			jsonError(w, "request body too large", "bad_request", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "unreadable request body", "bad_request", http.StatusBadRequest)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if idemKey == "" || h.inbox == nil {
		resp, err := h.create(ctx, body)
		if err != nil {
			h.fail(w, r, "create", err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	key := idempotency.Key(createHandlerName, middleware.GetClientID(ctx), idemKey)
	span.SetAttributes(attribute.String("idempotency_key", key))

	res, err := h.inbox.Process(ctx, key, createHandlerName, body, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		resp, err := h.create(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		h.fail(w, r, "create", err)
		return
	}

	if !res.IsNew && !res.WasRecovered {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(res.Result)
}

func (h *PrescriptionHandler) create(ctx context.Context, body []byte) (*PrescriptionResponse, error) {
	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", prescription.ErrValidation, err)
	}

	result, err := h.svc.Create(ctx, req.toService())
	if err != nil {
		return nil, err
	}

	resp := h.view(result.Prescription)
	if result.AnchorErr != nil {
		resp.AnchorError = result.AnchorErr.Error()
	}

	h.logger.Info("prescription issued",
		zap.String("token", result.Prescription.UIToken),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Bool("anchored", resp.Anchored))
	return resp, nil
}

// Get handles GET /prescriptions/{token}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Lookup(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, r, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

// List handles GET /prescriptions?doctor=&patient=
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Kind: store.FilterAll}
	doctor, patient := q.Get("doctor"), q.Get("patient")
	switch {
	case doctor != "" && patient != "":
		jsonError(w, "filter by doctor or patient, not both", "validation", http.StatusBadRequest)
		return
	case doctor != "":
		f = store.Filter{Kind: store.FilterByDoctor, ID: doctor}
	case patient != "":
		f = store.Filter{Kind: store.FilterByPatient, ID: patient}
	}

	list, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}

	out := make([]*PrescriptionResponse, 0, len(list))
	for _, p := range list {
		out = append(out, h.view(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"prescriptions": out, "count": len(out)})
}

// Dispense handles POST /prescriptions/{token}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Dispense(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, r, "dispense", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

func (h *PrescriptionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, _ := statusFor(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	writeServiceError(w, err)
}
