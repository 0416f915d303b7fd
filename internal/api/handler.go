// Package api is the host boundary: a Bridge with primitive-typed calls and
// an HTTP handler serving it.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"zapclock/internal/logging"
	"zapclock/internal/metrics"
	"zapclock/internal/payerr"
)

// maxBodySize bounds request bodies; descriptors and comments are short.
const maxBodySize = 64 << 10

var (
	errAddressBusy     = errors.New("a payment to this address is already in progress")
	errTooManyInFlight = errors.New("too many payments in progress")
)

// Handler handles HTTP requests.
type Handler struct {
	bridge   *Bridge
	inflight *InFlightLimiter
	log      *logrus.Entry
	mux      *http.ServeMux
}

// NewHandler creates a new HTTP handler.
// If inflight is nil, concurrent payments to one address are not prevented.
func NewHandler(bridge *Bridge, inflight *InFlightLimiter, logger *logrus.Logger) *Handler {
	h := &Handler{
		bridge:   bridge,
		inflight: inflight,
		log:      logging.Component(logger, "http"),
		mux:      http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/balance", h.handleBalance)
	h.mux.HandleFunc("POST /api/pay", h.handlePay)
	h.mux.HandleFunc("GET /api/version", h.handleVersion)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.Handle("GET /metrics", metrics.Handler())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// BalanceRequest is the request body for a connection test.
type BalanceRequest struct {
	Descriptor string `json:"descriptor"`
}

// BalanceResponse is returned by a successful connection test.
type BalanceResponse struct {
	BalanceSats uint64 `json:"balance_sats"`
}

// PayRequest is the request body for a payment.
type PayRequest struct {
	Descriptor string `json:"descriptor"`
	Address    string `json:"address"`
	AmountSats uint64 `json:"amount_sats"`
	Comment    string `json:"comment,omitempty"`
}

// PayResponse is returned by a settled payment.
type PayResponse struct {
	Preimage string `json:"preimage"`
}

// ErrorResponse carries the single human-readable error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.bridge.TestConnection(r.Context(), req.Descriptor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{BalanceSats: balance})
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !h.decode(w, r, &req) {
		return
	}

	if h.inflight != nil {
		ip := extractIP(r)
		if err := h.inflight.Acquire(ip, req.Address); err != nil {
			status := http.StatusConflict
			msg := err.Error()
			if errors.Is(err, errTooManyInFlight) {
				status = http.StatusTooManyRequests
				msg = fmt.Sprintf("%s: you have %d payment(s) in flight (max %d)",
					msg, h.inflight.InFlightCount(ip), h.inflight.MaxPerIP())
			}
			h.writeJSON(w, status, ErrorResponse{Error: msg})
			return
		}
		defer h.inflight.Release(ip, req.Address)
	}

	preimage, err := h.bridge.Pay(r.Context(), req.Descriptor, req.Address, req.AmountSats, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PayResponse{Preimage: preimage})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"version": Version()})
}

// HealthResponse reports liveness and payment load.
type HealthResponse struct {
	Status         string  `json:"status"`
	InFlight       int     `json:"in_flight"`
	MaxPerIP       int     `json:"max_in_flight_per_ip"`
	OldestInFlight float64 `json:"oldest_in_flight_seconds"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.inflight != nil {
		resp.InFlight = h.inflight.Total()
		resp.MaxPerIP = h.inflight.MaxPerIP()
		resp.OldestInFlight = h.inflight.Oldest().Seconds()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorf("failed to encode response: %v", err)
	}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	kind := payerr.KindOf(err)
	var herr *HostError
	if errors.As(err, &herr) {
		kind = herr.kind
	}
	switch kind {
	case payerr.KindFormat:
		return http.StatusBadRequest
	case payerr.KindAmountOutOfRange:
		return http.StatusUnprocessableEntity
	case payerr.KindTimeout:
		return http.StatusGatewayTimeout
	case payerr.KindNetwork, payerr.KindDecode, payerr.KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
