package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"argent/internal/authorization/application"
	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
	"argent/internal/common/types"
)

// Handler implements the HTTP handlers for the Authorization API.
type Handler struct {
	service *application.AuthorizationService
}

// NewHandler creates a new Handler.
func NewHandler(service *application.AuthorizationService) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the Authorization API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/authorize", h.Authorize)
	mux.HandleFunc("GET /v1/authorize/{id}/status", h.GetStatus)
	mux.HandleFunc("POST /v1/authorize/{id}/void", h.Void)
}

// AuthorizeRequest is the JSON request body for creating an authorization.
type AuthorizeRequest struct {
	PaymentToken     string            `json:"payment_token"`
	RestaurantID     string            `json:"restaurant_id"`
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	IdempotencyKey   string            `json:"idempotency_key"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AuthResult carries the processor outcome columns of a terminal request.
type AuthResult struct {
	ProcessorName              string `json:"processor_name,omitempty"`
	ProcessorAuthID            string `json:"processor_auth_id,omitempty"`
	AuthorizationCode          string `json:"authorization_code,omitempty"`
	AuthorizedAmountMinorUnits int64  `json:"authorized_amount_minor_units,omitempty"`
	DenialCode                 string `json:"denial_code,omitempty"`
	DenialReason               string `json:"denial_reason,omitempty"`
}

// AuthorizeResponse is the JSON response for POST /v1/authorize.
type AuthorizeResponse struct {
	AuthRequestID string      `json:"auth_request_id"`
	Status        string      `json:"status"`
	Result        *AuthResult `json:"result,omitempty"`
	StatusURL     string      `json:"status_url"`
}

// StatusResponse is the JSON response for the status and void endpoints.
type StatusResponse struct {
	AuthRequestID string      `json:"auth_request_id"`
	Status        string      `json:"status"`
	Result        *AuthResult `json:"result,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Authorize handles POST /v1/authorize. It answers 200 with the full result
// when the request reaches a terminal status within the fast-path budget and
// 202 with a status URL otherwise.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.PaymentToken == "" {
		h.writeError(w, http.StatusBadRequest, "payment_token is required", nil)
		return
	}
	restaurantID, err := domain.ParseRestaurantID(req.RestaurantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "restaurant_id must be a valid UUID", nil)
		return
	}
	if req.AmountMinorUnits < 1 {
		h.writeError(w, http.StatusBadRequest, "amount_minor_units must be at least 1", nil)
		return
	}
	if !types.ValidCurrencyCode(req.Currency) {
		h.writeError(w, http.StatusBadRequest, "currency must be a three-letter uppercase code", nil)
		return
	}
	if req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "idempotency_key is required", nil)
		return
	}

	resp, err := h.service.CreateAuthorization(ctx, application.CreateAuthorizationRequest{
		RestaurantID:     restaurantID,
		PaymentToken:     req.PaymentToken,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		IdempotencyKey:   req.IdempotencyKey,
		Metadata:         req.Metadata,
		CorrelationID:    requestCorrelationID(r),
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	state := resp.State
	status := http.StatusAccepted
	if state.Status.Terminal() {
		status = http.StatusOK
	}
	h.writeJSON(w, status, AuthorizeResponse{
		AuthRequestID: state.AuthRequestID.String(),
		Status:        state.Status.String(),
		Result:        resultOf(state),
		StatusURL:     statusURL(state),
	})
}

// GetStatus handles GET /v1/authorize/{id}/status. A request belonging to a
// different restaurant is answered exactly like a missing one.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	restaurantID, err := domain.ParseRestaurantID(r.URL.Query().Get("restaurant_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "restaurant_id query parameter must be a valid UUID", nil)
		return
	}
	authID, err := domain.ParseAuthRequestID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid auth_request_id", nil)
		return
	}

	state, err := h.service.GetStatus(ctx, application.GetStatusRequest{
		AuthRequestID: authID,
		RestaurantID:  restaurantID,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toStatusResponse(state))
}

// VoidRequest is the JSON request body for voiding an authorization.
type VoidRequest struct {
	RestaurantID string `json:"restaurant_id"`
	Reason       string `json:"reason,omitempty"`
}

// Void handles POST /v1/authorize/{id}/void and returns the updated state.
func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	restaurantID, err := domain.ParseRestaurantID(req.RestaurantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "restaurant_id must be a valid UUID", nil)
		return
	}
	authID, err := domain.ParseAuthRequestID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid auth_request_id", nil)
		return
	}

	state, err := h.service.VoidAuthorization(ctx, application.VoidAuthorizationRequest{
		AuthRequestID: authID,
		RestaurantID:  restaurantID,
		Reason:        req.Reason,
		CorrelationID: requestCorrelationID(r),
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toStatusResponse(state))
}

// handleDomainError maps domain errors to HTTP responses.
func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthRequestNotFound):
		h.writeError(w, http.StatusNotFound, "authorization request not found", nil)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		h.writeError(w, http.StatusConflict, "invalid state transition", nil)
	case errors.Is(err, domain.ErrSequenceConflict):
		h.writeError(w, http.StatusConflict, "concurrent modification detected, please retry", nil)
	default:
		logging.Error("Unhandled error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error", nil)
	}
}

// resultOf extracts the processor outcome for responses. Only AUTHORIZED and
// DENIED rows carry one.
func resultOf(state *domain.AuthRequestState) *AuthResult {
	switch state.Status {
	case domain.StatusAuthorized:
		return &AuthResult{
			ProcessorName:              state.ProcessorName,
			ProcessorAuthID:            state.ProcessorAuthID,
			AuthorizationCode:          state.AuthorizationCode,
			AuthorizedAmountMinorUnits: state.AuthorizedAmountMinorUnits,
		}
	case domain.StatusDenied:
		return &AuthResult{
			ProcessorName: state.ProcessorName,
			DenialCode:    state.DenialCode,
			DenialReason:  state.DenialReason,
		}
	default:
		return nil
	}
}

func toStatusResponse(state *domain.AuthRequestState) StatusResponse {
	return StatusResponse{
		AuthRequestID: state.AuthRequestID.String(),
		Status:        state.Status.String(),
		Result:        resultOf(state),
		CreatedAt:     state.CreatedAt,
		UpdatedAt:     state.UpdatedAt,
	}
}

func statusURL(state *domain.AuthRequestState) string {
	return fmt.Sprintf("/v1/authorize/%s/status?restaurant_id=%s",
		state.AuthRequestID, state.RestaurantID)
}

// requestCorrelationID prefers the ID the middleware put on the context, then
// the client-supplied header, then a fresh one.
func requestCorrelationID(r *http.Request) types.CorrelationID {
	if id := logging.CorrelationIDFromContext(r.Context()); !id.IsEmpty() {
		return id
	}
	if id := types.CorrelationID(r.Header.Get("X-Correlation-ID")); !id.IsEmpty() {
		return id
	}
	return types.NewCorrelationID()
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Message = err.Error()
	}
	h.writeJSON(w, status, resp)
}
