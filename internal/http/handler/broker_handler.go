package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tradebench/broker-auth/internal/csrf"
	"github.com/tradebench/broker-auth/internal/domain"
	"github.com/tradebench/broker-auth/internal/middleware"
	"github.com/tradebench/broker-auth/internal/service"
)

// BrokerHandler exposes the OAuth connection lifecycle over HTTP.
type BrokerHandler struct {
	Connections *service.ConnectionService
	CSRF        *csrf.Manager
	Logger      *zap.Logger
}

// NewBrokerHandler creates the handler set.
func NewBrokerHandler(connections *service.ConnectionService, csrfManager *csrf.Manager, logger *zap.Logger) *BrokerHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &BrokerHandler{Connections: connections, CSRF: csrfManager, Logger: logger}
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, code, message string) {
	body := gin.H{"success": false, "error": code}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}

// respondDomainError maps service errors onto HTTP statuses. Credential and
// crypto failures deliberately surface a generic message so upstream
// rejections never leak broker error detail to the caller.
func (h *BrokerHandler) respondDomainError(c *gin.Context, err error) {
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		respondError(c, http.StatusTooManyRequests, "rate_limited", "Too many requests. Try again later.")
	case errors.Is(err, domain.ErrValidation):
		respondError(c, http.StatusBadRequest, "invalid_request", strings.TrimPrefix(err.Error(), "broker: "))
	case errors.Is(err, domain.ErrCSRF):
		respondError(c, http.StatusBadRequest, "invalid_state", "OAuth state validation failed. Restart the connection flow.")
	case errors.Is(err, domain.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Broker configuration not found.")
	case errors.Is(err, domain.ErrTokenExpired):
		respondError(c, http.StatusUnauthorized, "token_expired", "Access token expired. Reconnect the broker.")
	case errors.Is(err, domain.ErrCredential):
		respondError(c, http.StatusUnauthorized, "credentials_rejected", "Broker rejected the credentials.")
	case errors.Is(err, domain.ErrNetwork):
		respondError(c, http.StatusBadGateway, "broker_unavailable", "Broker API is unreachable. Try again later.")
	default:
		h.Logger.Error("unhandled service error", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "Something went wrong.")
	}
}

func requestMeta(c *gin.Context) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// userID resolves the caller identity from the X-User-ID header, falling back
// to the user_id query parameter.
func userID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-User-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(c.Query("user_id"))
}

// CSRFToken issues the form token the frontend must echo back on setup.
func (h *BrokerHandler) CSRFToken(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "user_id is required.")
		return
	}
	token, err := h.CSRF.IssueFormToken(c.Request.Context(), uid)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, gin.H{"csrfToken": token})
}

// SetupOAuth registers (or reuses) broker credentials and returns the
// authorization URL for the user to complete the handshake. The form token
// from CSRFToken must accompany the submission.
func (h *BrokerHandler) SetupOAuth(c *gin.Context) {
	var req struct {
		UserID      string `json:"user_id"`
		BrokerName  string `json:"broker_name"`
		APIKey      string `json:"api_key"`
		APISecret   string `json:"api_secret"`
		FrontendURL string `json:"frontend_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Malformed request body.")
		return
	}
	if req.UserID == "" {
		req.UserID = userID(c)
	}

	formToken := strings.TrimSpace(c.GetHeader("X-CSRF-Token"))
	if err := h.CSRF.VerifyFormToken(c.Request.Context(), req.UserID, formToken); err != nil {
		h.respondDomainError(c, err)
		return
	}

	out, err := h.Connections.Setup(c.Request.Context(), service.SetupInput{
		UserID:      middleware.SanitizeString(req.UserID),
		BrokerName:  middleware.SanitizeString(req.BrokerName),
		APIKey:      strings.TrimSpace(req.APIKey),
		APISecret:   strings.TrimSpace(req.APISecret),
		FrontendURL: middleware.SanitizeString(req.FrontendURL),
		Meta:        requestMeta(c),
	})
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, out)
}

// Callback completes the OAuth handshake: it verifies the state parameter and
// exchanges the request token for a session.
func (h *BrokerHandler) Callback(c *gin.Context) {
	var req struct {
		ConfigID     int64  `json:"config_id"`
		RequestToken string `json:"request_token"`
		State        string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Malformed request body.")
		return
	}

	out, err := h.Connections.Callback(c.Request.Context(), service.CallbackInput{
		ConfigID:     req.ConfigID,
		RequestToken: strings.TrimSpace(req.RequestToken),
		State:        strings.TrimSpace(req.State),
		Meta:         requestMeta(c),
	})
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, out)
}

// RefreshToken refreshes the stored session for a broker config.
func (h *BrokerHandler) RefreshToken(c *gin.Context) {
	configID, ok := h.configIDFromBody(c)
	if !ok {
		return
	}

	if err := h.Connections.Refresh(c.Request.Context(), configID, requestMeta(c)); err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, gin.H{"config_id": configID, "refreshed": true})
}

// Disconnect revokes the broker session and deletes stored tokens.
func (h *BrokerHandler) Disconnect(c *gin.Context) {
	configID, ok := h.configIDFromBody(c)
	if !ok {
		return
	}

	if err := h.Connections.Disconnect(c.Request.Context(), configID, requestMeta(c)); err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, gin.H{"config_id": configID, "disconnected": true})
}

// Status reports the connection and token state for the caller's config.
func (h *BrokerHandler) Status(c *gin.Context) {
	if raw := strings.TrimSpace(c.Query("config_id")); raw != "" {
		configID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "config_id must be an integer.")
			return
		}
		out, err := h.Connections.Status(c.Request.Context(), configID)
		if err != nil {
			h.respondDomainError(c, err)
			return
		}
		respondOK(c, out)
		return
	}

	uid := userID(c)
	if uid == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "user_id or config_id is required.")
		return
	}
	out, err := h.Connections.StatusByUser(c.Request.Context(), uid)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, out)
}

// ListConfigs returns all broker configs owned by the caller. Secrets never
// appear in the response payload.
func (h *BrokerHandler) ListConfigs(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "user_id is required.")
		return
	}

	configs, err := h.Connections.ListConfigs(c.Request.Context(), uid)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, configs)
}

// DeleteConfig removes a broker config along with its tokens.
func (h *BrokerHandler) DeleteConfig(c *gin.Context) {
	configID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "config id must be an integer.")
		return
	}

	if err := h.Connections.DeleteConfig(c.Request.Context(), configID, requestMeta(c)); err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondOK(c, gin.H{"config_id": configID, "deleted": true})
}

// Health reports process liveness.
func (h *BrokerHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *BrokerHandler) configIDFromBody(c *gin.Context) (int64, bool) {
	var req struct {
		ConfigID int64 `json:"config_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConfigID == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "config_id is required.")
		return 0, false
	}
	return req.ConfigID, true
}
