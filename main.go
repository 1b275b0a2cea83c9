package main

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/hasher"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/http"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/llm"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/message_broker"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/metrics"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/tokenizer"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/websocket"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/config"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/usecase"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

func main() {
	gotenv.Load()
	defer log.Sync()

	ctx := context.Background()
	cfg := config.Load()
	logger := log.With(zap.String("provider", cfg.Provider))

	// A bad server token is a standing warning, not a startup failure:
	// clients can still bring their own.
	var credentialErr error
	if cfg.Provider == config.ProviderReplicate {
		if credentialErr = domain.ValidateAPIToken(cfg.APIToken); credentialErr != nil {
			logger.Warn("server API token is invalid; clients must present their own", zap.Error(credentialErr))
		}
	}

	generator, moderator, err := buildModels(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize models", zap.Error(err))
	}

	dialect, err := config.ResolveDialect(cfg.DialectsFile, cfg.PromptDialect)
	if err != nil {
		logger.Fatal("Failed to resolve prompt dialect", zap.Error(err))
	}
	if err := config.CheckDialect(cfg.Provider, dialect); err != nil {
		logger.Fatal("Prompt dialect does not suit the provider", zap.Error(err))
	}

	tok, err := tokenizer.New(tokenizer.DefaultEncoding)
	if err != nil {
		logger.Warn("tiktoken unavailable, using heuristic token counts", zap.Error(err))
	}

	chatMetrics := metrics.NewChatMetrics(prometheus.DefaultRegisterer)
	svc := usecase.NewChatService(
		generator,
		usecase.NewSafetyGate(moderator),
		usecase.NewBudgetGuard(tok, cfg.TokenCeiling),
		usecase.NewSessionRegistry(cfg.Greeting),
		usecase.ChatConfig{
			Dialect:       dialect,
			SafetyCadence: cfg.SafetyCadence,
			AbortMessage:  cfg.AbortMessage,
		},
		usecase.WithMetrics(chatMetrics),
	)

	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()
	server := websocket.NewServer(svc, broker)

	chatHandler := http.NewChatHandler(svc, hasher.New(), http.HandlerConfig{
		JWTSecret:           cfg.JWTSecret,
		ServerCredentialErr: credentialErr,
		PreFlightOnOpen:     cfg.PreFlightOnOpen,
		MaxConcurrent:       cfg.MaxConcurrent,
		Connections:         server.GetHub().ClientCount,
	})

	e := echo.New()
	e.HideBanner = true

	// Security middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"}, // In production, specify exact origins
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			http.APITokenHeader,
		},
		MaxAge: 86400, // 24 hours
	}))

	// Request size limit
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// JWT auth for WebSocket (same as HTTP)
	wsGroup := e.Group("/ws")
	wsGroup.Use(chatHandler.JWTMiddleware)
	wsGroup.GET("", server.Handler)

	chatHandler.RegisterRoutes(e.Group("/api/v1"))

	logger.Info("Starting server",
		zap.String("port", cfg.Port),
		zap.String("dialect", dialect.Name),
		zap.Int("token_ceiling", cfg.TokenCeiling),
		zap.Bool("preflight_on_open", cfg.PreFlightOnOpen))
	logger.Info("Available endpoints",
		zap.Strings("routes", []string{
			"GET    /api/v1/health        - Health check",
			"POST   /api/v1/auth/token    - Open a session, get JWT",
			"GET    /api/v1/chat/session  - Conversation snapshot (JWT)",
			"POST   /api/v1/chat/messages - Send a message, NDJSON reply (JWT)",
			"POST   /api/v1/chat/execute  - Retry a pending turn (JWT)",
			"POST   /api/v1/chat/reset    - Clear the conversation (JWT)",
			"DELETE /api/v1/chat/session  - Close the session (JWT)",
			"GET    /ws                   - WebSocket chat (JWT)",
			"GET    /metrics              - Prometheus metrics",
		}))
	if err := e.Start(":" + cfg.Port); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}

// buildModels returns the inference model and the moderation model for the
// configured provider.
func buildModels(ctx context.Context, cfg config.Config) (domain.Llm, domain.Llm, error) {
	switch cfg.Provider {
	case config.ProviderReplicate:
		moderation := cfg.ModerationModel
		if moderation == "" {
			moderation = llm.DefaultReplicateModeration
		}
		return llm.NewReplicateClient(cfg.APIToken, cfg.InferenceModel, cfg.MaxLengthKey),
			llm.NewReplicateClient(cfg.APIToken, moderation, ""),
			nil
	case config.ProviderGemini:
		generator, err := llm.NewGeminiClient(ctx, cfg.InferenceModel)
		if err != nil {
			return nil, nil, err
		}
		moderator, err := llm.NewGeminiClient(ctx, cfg.ModerationModel)
		if err != nil {
			return nil, nil, err
		}
		return generator, moderator, nil
	default:
		return nil, nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
