package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/InRunning/click-translate/internal/auth"
	"github.com/InRunning/click-translate/internal/observability/metrics"
	"github.com/InRunning/click-translate/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "click_translate_user_id"
	requestIDContextKey = "click_translate_request_id"
	requestIDHeader     = "X-Request-ID"
	serviceName         = "click-translate-api"
)

var (
	errMissingLoginService   = errors.New("login service dependency required")
	errMissingRelayForwarder = errors.New("relay forwarder dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required when relay auth is enabled")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type LoginService interface {
	Login(ctx context.Context, request auth.LoginRequest) (auth.LoginResult, error)
}

type RelayForwarder interface {
	Forward(ctx context.Context, body map[string]any) (*relay.Result, error)
	ForwardPrompt(ctx context.Context, input map[string]any) (*relay.Result, error)
}

type AccessTokenValidator interface {
	Validate(token string) (auth.AccessClaims, error)
}

type Dependencies struct {
	LoginService   LoginService
	Relay          RelayForwarder
	TokenValidator AccessTokenValidator
	// RequireRelayAuth puts the relay routes behind a bearer access token.
	RequireRelayAuth bool
	AllowedOrigins   []string
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.LoginService == nil {
		return nil, errMissingLoginService
	}
	if deps.Relay == nil {
		return nil, errMissingRelayForwarder
	}
	if deps.RequireRelayAuth && deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collectors := deps.Metrics
	if collectors == nil {
		collectors = metrics.New(serviceName)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(metricsMiddleware(collectors, logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		logins:  deps.LoginService,
		relay:   deps.Relay,
		tokens:  deps.TokenValidator,
		metrics: collectors,
		logger:  logger,
	}

	router.GET("/metrics", gin.WrapH(collectors.Handler()))

	api := router.Group("/api/v1")
	api.GET("/healthz", handler.handleHealth)
	api.POST("/auth/login", handler.handleLogin)
	api.POST("/auth/guest-login", handler.handleGuestLogin)

	relayGroup := api.Group("/relay")
	if deps.RequireRelayAuth {
		relayGroup.Use(handler.authorizeRequest)
	}
	relayGroup.POST("/chat/completions", handler.handleChatCompletions)
	relayGroup.POST("/prompt", handler.handlePrompt)

	return router, nil
}

type httpHandler struct {
	logins  LoginService
	relay   RelayForwarder
	tokens  AccessTokenValidator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", errInvalidAuthorization.Error()))
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", errInvalidAuthorization.Error()))
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredAccessToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "access token rejected"))
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:           []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:           []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:          []string{requestIDHeader, relayCacheHeader},
		AllowBrowserExtensions: true,
		MaxAge:                 12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

func errorBody(code, detail string) gin.H {
	return gin.H{"error": code, "detail": detail}
}
