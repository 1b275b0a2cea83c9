package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/usecase"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

const (
	// JWT settings
	JWTExpiry = 24 * time.Hour
	JWTIssuer = "guarded-chat"

	// Rate limiting
	DefaultMaxConcurrent = 10

	APITokenHeader = "X-API-Token"

	// Echo context keys set by JWTMiddleware.
	ContextSessionID  = "session_id"
	ContextCredential = "credential"
)

type HandlerConfig struct {
	JWTSecret string
	// ServerCredentialErr is the result of validating the server's own API
	// token. A non-nil value is reported by HealthCheck and forces clients to
	// present their own token.
	ServerCredentialErr error
	PreFlightOnOpen     bool
	MaxConcurrent       int
	// Connections reports live streaming connections, when that transport
	// is mounted.
	Connections func() int
}

type ChatHandler struct {
	chat      *usecase.ChatService
	hasher    domain.Hasher
	jwtSecret []byte
	cfg       HandlerConfig
	// turns is shared by every route RateLimitMiddleware wraps.
	turns chan struct{}
}

type MessageRequest struct {
	Content string                  `json:"content"`
	Params  domain.GenerationParams `json:"params"`
}

type TokenResponse struct {
	Token   string                  `json:"token"`
	Type    string                  `json:"type"`
	Session usecase.SessionSnapshot `json:"session"`
}

type JWTClaims struct {
	SessionID  string `json:"session_id"`
	Credential string `json:"credential,omitempty"`
	jwt.RegisteredClaims
}

func NewChatHandler(chat *usecase.ChatService, hasher domain.Hasher, cfg HandlerConfig) *ChatHandler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &ChatHandler{
		chat:      chat,
		hasher:    hasher,
		jwtSecret: []byte(cfg.JWTSecret),
		cfg:       cfg,
		turns:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// GenerateJWT opens a session and returns a bearer token bound to it. A client
// may present its own API token, which is then used for every call the
// session makes.
func (h *ChatHandler) GenerateJWT(c echo.Context) error {
	credential := strings.TrimSpace(c.Request().Header.Get(APITokenHeader))
	if credential != "" {
		if err := domain.ValidateAPIToken(credential); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
	} else if h.cfg.ServerCredentialErr != nil {
		return echo.NewHTTPError(http.StatusUnauthorized,
			fmt.Sprintf("server credential unavailable, provide %s: %v", APITokenHeader, h.cfg.ServerCredentialErr))
	}

	fingerprint := h.hasher.Hash([]byte(credential))
	ctx := log.WithTransport(log.WithCredential(c.Request().Context(), fingerprint), "http")

	sess := h.chat.Open(credential)
	ctx = log.WithSession(ctx, sess.ID)
	if h.cfg.PreFlightOnOpen {
		err := h.chat.PreFlight(ctx, sess.ID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrUnsafeContent):
			// The session is handed out aborted so the client can see why and reset it.
		default:
			h.chat.Sessions().Close(sess.ID)
			return httpError(err)
		}
	}

	now := time.Now()
	claims := &JWTClaims{
		SessionID:  sess.ID,
		Credential: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(JWTExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    JWTIssuer,
			Subject:   sess.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.jwtSecret)
	if err != nil {
		log.WithCtx(ctx).Error("Error signing JWT", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to generate token")
	}

	log.WithCtx(ctx).Info("session opened", zap.Bool("own_credential", credential != ""))
	return c.JSON(http.StatusOK, TokenResponse{
		Token:   tokenString,
		Type:    "Bearer",
		Session: sess.Snapshot(),
	})
}

// JWT middleware for authentication
func (h *ChatHandler) JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
		}

		// Extract token from "Bearer <token>"
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return h.jwtSecret, nil
		})
		if err != nil {
			log.WithCtx(c.Request().Context()).Debug("JWT validation error", zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok || !token.Valid || claims.SessionID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token claims")
		}

		c.Set(ContextSessionID, claims.SessionID)
		c.Set(ContextCredential, claims.Credential)
		ctx := log.WithCredential(log.WithSession(c.Request().Context(), claims.SessionID), claims.Credential)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// RateLimitMiddleware caps the number of turns generating at once, across
// every route it wraps.
func (h *ChatHandler) RateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case h.turns <- struct{}{}:
			defer func() { <-h.turns }()
			return next(c)
		default:
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many concurrent requests")
		}
	}
}

// Snapshot returns the session's conversation and controller state.
func (h *ChatHandler) Snapshot(c echo.Context) error {
	sess, err := h.chat.Sessions().Get(sessionID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// SendMessage appends the user turn and streams the reply as NDJSON events.
func (h *ChatHandler) SendMessage(c echo.Context) error {
	req := MessageRequest{Params: domain.DefaultGenerationParams()}
	if err := c.Bind(&req); err != nil {
		return err
	}
	id := sessionID(c)
	sink := newNDJSONSink(c)
	ctx := log.WithTransport(c.Request().Context(), "http")
	return sink.finish(h.chat.Submit(ctx, id, req.Content, req.Params, sink.write))
}

// Execute generates a reply for a pending user turn, for example after a
// previous attempt failed upstream.
func (h *ChatHandler) Execute(c echo.Context) error {
	params := domain.DefaultGenerationParams()
	if c.Request().ContentLength > 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&params); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid generation parameters")
		}
	}
	sink := newNDJSONSink(c)
	ctx := log.WithTransport(c.Request().Context(), "http")
	if err := sink.finish(h.chat.Execute(ctx, sessionID(c), params, sink.write)); err != nil {
		return err
	}
	if !sink.started {
		// Nothing was pending.
		return c.NoContent(http.StatusNoContent)
	}
	return nil
}

func (h *ChatHandler) Reset(c echo.Context) error {
	snapshot, err := h.chat.Reset(c.Request().Context(), sessionID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// CloseSession forgets the session. The bearer token stops working.
func (h *ChatHandler) CloseSession(c echo.Context) error {
	if err := h.chat.Sessions().CloseIdle(sessionID(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Health check endpoint
func (h *ChatHandler) HealthCheck(c echo.Context) error {
	status := "healthy"
	credential := "ok"
	if h.cfg.ServerCredentialErr != nil {
		status = "degraded"
		credential = h.cfg.ServerCredentialErr.Error()
	}
	body := map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"service":    "guarded-chat",
		"credential": credential,
		"sessions":   h.chat.Sessions().Len(),
	}
	if h.cfg.Connections != nil {
		body["connections"] = h.cfg.Connections()
	}
	return c.JSON(http.StatusOK, body)
}

func sessionID(c echo.Context) string {
	id, _ := c.Get(ContextSessionID).(string)
	return id
}

// ndjsonSink writes chat events as newline-delimited JSON. The response is
// committed on the first fragment; a turn that ends before any fragment is
// reported as a plain HTTP error instead.
type ndjsonSink struct {
	c       echo.Context
	mu      sync.Mutex
	started bool
	held    *domain.ChatEvent
}

func newNDJSONSink(c echo.Context) *ndjsonSink {
	return &ndjsonSink{c: c}
}

func (s *ndjsonSink) write(_ context.Context, event domain.ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started && (event.Type == domain.EventAborted || event.Type == domain.EventError) {
		s.held = &event
		return nil
	}
	return s.encode(event)
}

func (s *ndjsonSink) encode(event domain.ChatEvent) error {
	res := s.c.Response()
	if !s.started {
		res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		res.Header().Set("Cache-Control", "no-cache")
		res.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := json.NewEncoder(res).Encode(event); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// finish turns the controller's result into the handler's return value. Once
// the stream is committed the terminal event already told the client what
// happened.
func (s *ndjsonSink) finish(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err != nil {
		return httpError(err)
	}
	if s.held != nil {
		return s.encode(*s.held)
	}
	return nil
}

// httpError maps controller errors to HTTP status codes.
func httpError(err error) *echo.HTTPError {
	var code int
	switch {
	case errors.Is(err, domain.ErrConversationTooLong):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnsafeContent):
		code = http.StatusUnavailableForLegalReasons
	case errors.Is(err, domain.ErrConversationAborted):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrSessionBusy):
		code = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidCredential):
		code = http.StatusUnauthorized
	case errors.Is(err, domain.ErrInferenceUnavailable):
		code = http.StatusBadGateway
	case errors.Is(err, domain.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrInvalidParams):
		code = http.StatusBadRequest
	default:
		code = http.StatusInternalServerError
	}
	var unsafe *domain.UnsafeContentError
	if errors.As(err, &unsafe) {
		return echo.NewHTTPError(code, map[string]interface{}{
			"message":    err.Error(),
			"categories": unsafe.Categories,
		})
	}
	return echo.NewHTTPError(code, err.Error())
}

// RegisterRoutes mounts the chat API on api (usually /api/v1).
func (h *ChatHandler) RegisterRoutes(api *echo.Group) {
	// Public endpoints (no auth required)
	api.GET("/health", h.HealthCheck)
	api.POST("/auth/token", h.GenerateJWT)

	chat := api.Group("/chat", h.JWTMiddleware)
	chat.GET("/session", h.Snapshot)
	chat.DELETE("/session", h.CloseSession)
	chat.POST("/reset", h.Reset)
	chat.POST("/messages", h.SendMessage, h.RateLimitMiddleware)
	chat.POST("/execute", h.Execute, h.RateLimitMiddleware)
}
