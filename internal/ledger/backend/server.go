// Package backend serves the ledger fallback API. It relays contract calls
// on behalf of clients that have no connected signer of their own.
package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/api/middleware"
	"github.com/drfirst/go-rxledger/internal/ledger"
)

// maxBodyBytes bounds create and dispense request bodies
const maxBodyBytes = 64 << 10

// Server exposes a Contract over HTTP
type Server struct {
	contract ledger.Contract
	signers  func(addr string) ledger.Contract
	logger   *zap.Logger
}

// NewServer creates a backend server
func NewServer(contract ledger.Contract, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{contract: contract, logger: logger}
}

// WithSigners lets callers name the signer their transactions are sent
// from via ledger.SignerHeader. Without it the header is ignored.
func (s *Server) WithSigners(signers func(addr string) ledger.Contract) *Server {
	s.signers = signers
	return s
}

// contractFor resolves the contract view for the request's signer
func (s *Server) contractFor(r *http.Request) ledger.Contract {
	addr := r.Header.Get(ledger.SignerHeader)
	if addr == "" || s.signers == nil {
		return s.contract
	}
	return s.signers(addr)
}

// Routes mounts the fallback API. apiKeys maps accepted keys to client IDs.
func (s *Server) Routes(apiKeys map[string]string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(s.logger))
	r.Use(middleware.Tracing("ledger-gateway"))
	r.Use(middleware.Logger(s.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Post("/prescriptions", s.create)
		r.Get("/prescriptions/{token}", s.get)
		r.Post("/dispense", s.dispense)
	})
	return r
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tok, err := ledger.ParseToken(req.Token)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.contractFor(r).CreatePrescription(r.Context(), ledger.CreateCall{
		Token:           tok,
		Patient:         req.Patient,
		Disease:         req.Disease,
		Drug:            req.Drug,
		Quantity:        req.Quantity,
		IntervalSeconds: req.Interval,
	})
	if err != nil {
		s.fail(w, r, "create", err)
		return
	}

	s.logger.Info("prescription anchored via gateway",
		zap.String("token", tok.String()),
		zap.String("tx", res.TxHash),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) dispense(w http.ResponseWriter, r *http.Request) {
	var req ledger.DispenseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tok, err := ledger.ParseToken(req.Token)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.contractFor(r).Dispense(r.Context(), tok)
	if err != nil {
		s.fail(w, r, "dispense", err)
		return
	}

	s.logger.Info("dispensation recorded via gateway",
		zap.String("token", tok.String()),
		zap.String("tx", res.TxHash),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	tok, err := ledger.ParseToken(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.contract.GetPrescription(r.Context(), tok)
	if err != nil {
		s.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrReverted):
		writeError(w, detail(err, ledger.ErrReverted), http.StatusConflict)
	case errors.Is(err, ledger.ErrNotOnLedger):
		writeError(w, detail(err, ledger.ErrNotOnLedger), http.StatusNotFound)
	default:
		s.logger.Error("ledger call failed",
			zap.String("operation", op),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		writeError(w, "ledger unavailable", http.StatusBadGateway)
	}
}

// detail drops the sentinel prefix; clients map the status code back to it
func detail(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
