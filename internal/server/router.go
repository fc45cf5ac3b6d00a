package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/commands"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	signerContextKey         = "deadswitch_signer"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingCommandRouter = errors.New("command router dependency required")
	errMissingDispatcher    = errors.New("activity dispatcher dependency required")
)

// SessionValidator resolves the signer identity of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SignerClaims, error)
	ValidateToken(token string) (auth.SignerClaims, error)
}

// CommandExecutor runs a decoded command envelope.
type CommandExecutor interface {
	Exec(ctx context.Context, envelope commands.Envelope) (any, error)
}

type Dependencies struct {
	Validator         SessionValidator
	Commands          CommandExecutor
	Activity          *activity.Dispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Commands == nil {
		return nil, errMissingCommandRouter
	}
	if deps.Activity == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator: deps.Validator,
		commands:  deps.Commands,
		activity:  deps.Activity,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/tx", handler.handleTransaction)
	protected.GET("/activity/stream", handler.handleActivityStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	validator SessionValidator
	commands  CommandExecutor
	activity  *activity.Dispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

// txRequestPayload is the body of POST /tx. The signer is always taken from
// the authenticated token; a signer field in the body is ignored.
type txRequestPayload struct {
	Command json.RawMessage `json:"command"`
}

type txResponsePayload struct {
	Result any `json:"result"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleTransaction(c *gin.Context) {
	signer := c.GetString(signerContextKey)
	if signer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request txRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	command, err := commands.DecodeCommand(request.Command)
	if err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.commands.Exec(c.Request.Context(), commands.Envelope{Signer: signer, Command: command})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txResponsePayload{Result: result})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SignerClaims
		err    error
	)
	if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
		claims, err = h.validator.ValidateToken(token)
	} else {
		claims, err = h.validator.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(signerContextKey, claims.Subject)
	c.Next()
}
