package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/InRunning/click-translate/internal/auth"
	"github.com/InRunning/click-translate/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type loginRequestPayload struct {
	LoginType   string `json:"login_type" binding:"max=32"`
	DeviceID    string `json:"device_id" binding:"max=128"`
	ExtVersion  string `json:"ext_version" binding:"max=32"`
	Email       string `json:"email" binding:"max=255"`
	DisplayName string `json:"display_name" binding:"max=255"`
}

type loginResponseData struct {
	UserID      int64  `json:"user_id"`
	LoginType   string `json:"login_type"`
	IsNew       bool   `json:"is_new"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type envelopePayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if !bindOptionalJSON(c, &request) {
		h.metrics.LoginsTotal.WithLabelValues(loginTypeLabel(""), "invalid_request").Inc()
		return
	}
	h.login(c, auth.LoginRequest{
		LoginType:     request.LoginType,
		DeviceID:      request.DeviceID,
		ClientVersion: strings.TrimSpace(request.ExtVersion),
		Email:         request.Email,
		DisplayName:   strings.TrimSpace(request.DisplayName),
	})
}

// handleGuestLogin serves clients that predate the unified login endpoint.
func (h *httpHandler) handleGuestLogin(c *gin.Context) {
	var request loginRequestPayload
	if !bindOptionalJSON(c, &request) {
		h.metrics.LoginsTotal.WithLabelValues(string(users.LoginTypeGuest), "invalid_request").Inc()
		return
	}
	h.login(c, auth.LoginRequest{
		LoginType:     string(users.LoginTypeGuest),
		DeviceID:      request.DeviceID,
		ClientVersion: strings.TrimSpace(request.ExtVersion),
	})
}

func (h *httpHandler) login(c *gin.Context, request auth.LoginRequest) {
	result, err := h.logins.Login(c.Request.Context(), request)
	if err != nil {
		status, code := loginErrorStatus(err)
		h.metrics.LoginsTotal.WithLabelValues(loginTypeLabel(request.LoginType), code).Inc()
		if status >= http.StatusInternalServerError {
			h.logger.Error("login failed",
				zap.String("request_id", c.GetString(requestIDContextKey)),
				zap.String("login_type", loginTypeLabel(request.LoginType)),
				zap.Error(err),
			)
		} else {
			h.logger.Info("login rejected",
				zap.String("request_id", c.GetString(requestIDContextKey)),
				zap.String("login_type", loginTypeLabel(request.LoginType)),
				zap.String("reason", code),
			)
		}
		c.JSON(status, errorBody(code, err.Error()))
		return
	}

	h.metrics.LoginsTotal.WithLabelValues(string(result.LoginType), "success").Inc()
	c.JSON(http.StatusOK, envelopePayload{
		Code:    0,
		Message: "ok",
		Data: loginResponseData{
			UserID:      result.UserID,
			LoginType:   string(result.LoginType),
			IsNew:       result.IsNew,
			AccessToken: result.AccessToken,
			TokenType:   result.TokenType,
			ExpiresIn:   result.ExpiresIn,
		},
	})
}

func loginErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnsupportedMode):
		return http.StatusBadRequest, "unsupported_login_type"
	case errors.Is(err, users.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, users.ErrModeConflict):
		return http.StatusConflict, "login_type_conflict"
	case errors.Is(err, users.ErrIdentityCreationExhausted):
		return http.StatusInternalServerError, "identity_creation_exhausted"
	case errors.Is(err, users.ErrIdentityCreationFailed):
		return http.StatusInternalServerError, "identity_creation_failed"
	default:
		return http.StatusInternalServerError, "login_failed"
	}
}

func loginTypeLabel(value string) string {
	loginType, err := auth.ParseLoginType(value)
	if err != nil {
		return "unknown"
	}
	return string(loginType)
}

// bindOptionalJSON decodes and validates the request body into target, treating
// an empty body as an empty object. It writes a 400 response and returns false on invalid input.
func bindOptionalJSON(c *gin.Context, target any) bool {
	err := c.ShouldBindJSON(target)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make([]string, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			fields = append(fields, fieldErr.Field())
		}
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "field too long: "+strings.Join(fields, ", ")))
		return false
	}
	c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "request body must be a JSON object"))
	return false
}
