package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/flow"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/profile"
	"twofa-service/internal/repository/redis"
	"twofa-service/internal/session"
	"twofa-service/internal/totp"
	"twofa-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const qrImageSize = 256

// AuthHandler exposes the verification flows over HTTP.
type AuthHandler struct {
	manager  *flow.Manager
	sessions *session.Issuer
	profiles profile.Store
	cfg      *config.Config
	logger   *zap.Logger
	health   func() map[string]string
}

// NewAuthHandler builds the handler. healthFn reports per-dependency status
// for the health endpoint and may be nil.
func NewAuthHandler(manager *flow.Manager, sessions *session.Issuer, profiles profile.Store,
	cfg *config.Config, logger *zap.Logger, healthFn func() map[string]string) *AuthHandler {
	return &AuthHandler{
		manager:  manager,
		sessions: sessions,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		health:   healthFn,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)
		r.Get("/session", h.SessionInfo)

		r.Route("/totp", func(r chi.Router) {
			r.Post("/start", h.StartTOTP)
			r.Get("/qr/{flowID}", h.TOTPQRCode)
			r.Post("/verify", h.VerifyTOTP)
		})

		r.Route("/phone", func(r chi.Router) {
			r.Post("/start", h.StartPhone)
			r.Post("/verify", h.VerifyPhone)
			r.Post("/resend", h.ResendPhone)
			r.Post("/recover", h.RecoverPhone)
		})
	})
}

type startTOTPRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
}

type totpFlowResponse struct {
	FlowID     string `json:"flow_id"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Secret     string `json:"secret,omitempty"`
	OtpauthURI string `json:"otpauth_uri,omitempty"`
}

// StartTOTP begins a sign-in or enrollment flow for a username. Enrollment
// responses carry the secret and URI exactly once; they are not retrievable
// again.
func (h *AuthHandler) StartTOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req startTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}
	req.Username = util.SanitizeInput(req.Username)
	if util.ContainsSuspicious(req.Username) {
		h.respondWithError(w, http.StatusBadRequest, profile.ErrUsernameInvalid, "Invalid request")
		return
	}

	f, err := h.manager.StartTOTP(r.Context(), req.Username)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start authenticator flow")
		return
	}

	resp := totpFlowResponse{
		FlowID: f.ID,
		Kind:   string(f.Kind),
		State:  string(f.State),
	}
	if f.Kind == flow.KindTOTPSignUp {
		uri, err := h.manager.ProvisioningURI(f.ID)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Failed to build provisioning URI")
			return
		}
		resp.Secret = f.PendingSecret
		resp.OtpauthURI = uri
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Authenticator flow started"))
	h.logger.Info("authenticator flow started",
		util.String("flow_id", f.ID),
		util.String("kind", string(f.Kind)),
		util.Duration("duration", time.Since(startTime)))
}

// TOTPQRCode renders the enrollment provisioning QR.
func (h *AuthHandler) TOTPQRCode(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	png, err := h.manager.QRCode(flowID, qrImageSize)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "QR code unavailable")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type verifyRequest struct {
	FlowID string `json:"flow_id" validate:"required,uuid4"`
	Code   string `json:"code" validate:"required,min=4,max=10"`
}

type verifyTOTPResponse struct {
	FlowID       string `json:"flow_id"`
	State        string `json:"state"`
	SessionToken string `json:"session_token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// VerifyTOTP submits an authenticator code.
func (h *AuthHandler) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	f, err := h.manager.SubmitTOTPCode(r.Context(), req.FlowID, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Code verification failed")
		return
	}

	resp := verifyTOTPResponse{
		FlowID: f.ID,
		State:  string(f.State),
	}
	if f.Session != nil {
		resp.SessionToken = f.Session.Token
		resp.UserID = f.UserID
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Code accepted"))
}

type startPhoneRequest struct {
	FlowID string `json:"flow_id,omitempty" validate:"omitempty,uuid4"`
	Phone  string `json:"phone" validate:"required,min=7,max=20"`
}

type phoneFlowResponse struct {
	FlowID           string `json:"flow_id"`
	State            string `json:"state"`
	CountdownSeconds int    `json:"countdown_seconds"`
	DebugCode        string `json:"debug_code,omitempty"`
}

// StartPhone issues and dispatches the first phone code. The plaintext code
// appears in the response only outside production.
func (h *AuthHandler) StartPhone(w http.ResponseWriter, r *http.Request) {
	var req startPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	f, err := h.manager.StartPhone(r.Context(), req.FlowID, req.Phone, r.RemoteAddr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start phone verification")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(h.phoneResponse(f), "Verification code sent"))
}

// VerifyPhone submits a phone code.
func (h *AuthHandler) VerifyPhone(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	f, err := h.manager.SubmitPhoneCode(r.Context(), req.FlowID, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Code verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(h.phoneResponse(f), "Phone number verified"))
}

type flowIDRequest struct {
	FlowID string `json:"flow_id" validate:"required,uuid4"`
}

// ResendPhone re-issues the phone code once the cooldown allows it.
func (h *AuthHandler) ResendPhone(w http.ResponseWriter, r *http.Request) {
	var req flowIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	f, err := h.manager.ResendPhoneCode(r.Context(), req.FlowID, r.RemoteAddr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resend code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(h.phoneResponse(f), "Verification code resent"))
}

// RecoverPhone routes a failed phone flow back into the machine.
func (h *AuthHandler) RecoverPhone(w http.ResponseWriter, r *http.Request) {
	var req flowIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	f, err := h.manager.RecoverPhoneFlow(r.Context(), req.FlowID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to recover flow")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(h.phoneResponse(f), "Flow recovered"))
}

type sessionInfoResponse struct {
	SessionID           string `json:"session_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	PhoneVerified       bool   `json:"phone_verified"`
	TOTPEnabled         bool   `json:"totp_enabled"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
}

// SessionInfo authenticates a bearer token and returns the profile behind
// it. Revoked and superseded tokens fail even before their expiry.
func (h *AuthHandler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusUnauthorized, session.ErrTokenInvalid, "Missing bearer token")
		return
	}

	sessionID, userID, err := h.sessions.Authenticate(r.Context(), token)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Session verification failed")
		return
	}

	p, err := h.profiles.GetByID(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load profile")
		return
	}

	resp := sessionInfoResponse{
		SessionID:           sessionID,
		UserID:              p.ID,
		Username:            p.Username,
		PhoneVerified:       p.PhoneVerified,
		TOTPEnabled:         p.TOTPEnabled,
		OnboardingCompleted: p.OnboardingCompleted,
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Session is valid"))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// HealthCheck reports per-dependency health.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"service": "healthy"}
	if h.health != nil {
		for name, state := range h.health() {
			status[name] = state
		}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Health check"))
}

func (h *AuthHandler) phoneResponse(f *flow.Flow) phoneFlowResponse {
	resp := phoneFlowResponse{
		FlowID:           f.ID,
		State:            string(f.State),
		CountdownSeconds: h.manager.CountdownRemaining(f),
	}
	if !h.cfg.IsProduction() {
		resp.DebugCode = f.DebugCode
	}
	return resp
}

func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, flow.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, flow.ErrDuplicateIdentity), errors.Is(err, profile.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, flow.ErrTooManyAttempts), errors.Is(err, flow.ErrResendCooldown),
		errors.Is(err, redis.ErrLockHeld), errors.Is(err, redis.ErrIssueLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, totp.ErrCodeMismatch), errors.Is(err, phoneotp.ErrCodeMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrTokenInvalid), errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrSessionRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, totp.ErrCodeMalformed):
		return http.StatusBadRequest
	case errors.Is(err, phoneotp.ErrExpired):
		return http.StatusGone
	case errors.Is(err, phoneotp.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, phoneotp.ErrPhoneInvalid), errors.Is(err, profile.ErrUsernameInvalid):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, totp.ErrSecretInvalid):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}
