package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-core/internal/config"
	"chat-core/internal/db"
	"chat-core/internal/diagnostics"
	"chat-core/internal/handlers"
	"chat-core/internal/logging"
	"chat-core/internal/policy"
	"chat-core/internal/realtime"
	"chat-core/internal/services"
	"chat-core/internal/store"
	"chat-core/internal/typing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the wired chat core behind its fiber app.
type Server struct {
	App    *fiber.App
	Broker *realtime.Broker
	Chat   *services.ChatService
	Users  *services.UserService
	Store  store.Store
}

// NewServer wires services and routes on top of the given storage. The
// caller runs Broker.Run.
func NewServer(cfg *config.Config, st store.Store, ts typing.Store, reg *prometheus.Registry) *Server {
	diag := diagnostics.NewLogSink(logging.L())

	evaluator := policy.NewEvaluator(st, diag)
	broker := realtime.NewBroker(st, diag, cfg.Chat.BrokerQueueSize)

	rooms := services.NewRoomDirectory(st, evaluator, diag)
	participants := services.NewParticipantRegistry(st, evaluator)
	messages := services.NewMessageStore(st, evaluator, ts, cfg.Chat.MaxMessageLength)
	chat := services.NewChatService(rooms, participants, messages, broker, services.RetryPolicy{
		Attempts:  cfg.Chat.RetryAttempts,
		BaseDelay: cfg.Chat.RetryBaseDelay,
	})
	users := services.NewUserService(st, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)

	// Route params and bodies end up in stored rows and queued events, so
	// they must not alias fiber's reused request buffers.
	app := fiber.New(fiber.Config{
		Immutable:    true,
		ErrorHandler: errorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logging.FiberMiddleware(logging.L()))

	s := &Server{App: app, Broker: broker, Chat: chat, Users: users, Store: st}
	s.routes(cfg, reg)
	return s
}

func (s *Server) routes(cfg *config.Config, reg *prometheus.Registry) {
	app := s.App
	chat, users := s.Chat, s.Users

	api := app.Group("/api")

	// Public Routes
	api.Post("/register", handlers.RegisterHandler(users))
	api.Post("/login", handlers.LoginHandler(users))
	api.Post("/refresh", handlers.RefreshHandler(users))

	// Protected Routes
	protected := api.Group("/")
	protected.Use(handlers.AuthMiddleware(users))

	protected.Get("/users", handlers.ListUsersHandler(users, s.Broker))
	protected.Get("/profile", handlers.GetProfileHandler(users))
	protected.Patch("/profile", handlers.UpdateProfileHandler(users))
	protected.Delete("/profile", handlers.DeleteAccountHandler(users))

	protected.Post("/rooms/direct", handlers.StartDirectRoomHandler(chat))
	protected.Post("/rooms", handlers.CreateGroupRoomHandler(chat))
	protected.Get("/rooms", handlers.ListRoomsHandler(chat))
	protected.Get("/rooms/:id", handlers.GetRoomHandler(chat))
	protected.Delete("/rooms/:id", handlers.DeleteRoomHandler(chat))
	protected.Post("/rooms/:id/leave", handlers.LeaveRoomHandler(chat))
	protected.Get("/rooms/:id/participants", handlers.ListParticipantsHandler(chat))
	protected.Post("/rooms/:id/participants", handlers.AddParticipantHandler(chat))
	protected.Delete("/rooms/:id/participants/:user_id", handlers.RemoveParticipantHandler(chat))
	protected.Get("/rooms/:id/messages", handlers.ListMessagesHandler(chat))
	protected.Post("/rooms/:id/messages", handlers.SendMessageHandler(chat))
	protected.Post("/rooms/:id/read", handlers.MarkReadHandler(chat))
	protected.Post("/rooms/:id/typing", handlers.TypingHandler(chat))
	protected.Get("/rooms/:id/typing", handlers.ActiveTypersHandler(chat))

	protected.Patch("/messages/:id", handlers.EditMessageHandler(chat))
	protected.Delete("/messages/:id", handlers.DeleteMessageHandler(chat))
	protected.Put("/messages/:id/reaction", handlers.ReactHandler(chat))
	protected.Delete("/messages/:id/reaction", handlers.RemoveReactionHandler(chat))

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware rejects plain
	// HTTP, AuthMiddleware checks the token.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(users))
	app.Get("/ws", handlers.WebSocketHandler(chat, s.Broker, handlers.WSConfig{
		RateLimit:  cfg.WebSocket.RateLimit,
		RateBurst:  cfg.WebSocket.RateBurst,
		SendBuffer: cfg.WebSocket.SendBuffer,
	}))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code, msg = fe.Code, fe.Message
	} else {
		l := logging.Ctx(c.UserContext())
		l.Error().Err(err).Msg("unhandled error")
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

// NewRegistry returns a registry with the runtime and chat collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(diagnostics.Collectors()...)
	return reg
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Storage == config.StorageMemory {
		l := logging.L()
		l.Warn().Msg("using in-memory storage; data is lost on restart")
		return store.NewMemoryStore(), nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return store.NewPostgresStore(pool), nil
}

// openTyping keeps typing indicators in Redis. Memory mode and an empty
// REDIS_URL fall back to a process-local store.
func openTyping(cfg *config.Config) (typing.Store, func(), error) {
	if cfg.RedisURL == "" || cfg.Storage == config.StorageMemory {
		return typing.NewMemoryStore(cfg.Chat.TypingTTL), func() {}, nil
	}
	rs, err := typing.NewRedisStore(cfg.RedisURL, cfg.Chat.TypingTTL)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}

func Run() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "chat-core"})
	l := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to open storage")
	}
	defer st.Close()

	ts, closeTyping, err := openTyping(cfg)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeTyping()

	srv := NewServer(cfg, st, ts, NewRegistry())

	brokerCtx, cancelBroker := context.WithCancel(context.Background())
	defer cancelBroker()
	go srv.Broker.Run(brokerCtx)

	go func() {
		if err := srv.App.Listen(":" + cfg.Port); err != nil {
			l.Error().Err(err).Msg("listen")
			stop()
		}
	}()
	l.Info().Str("port", cfg.Port).Str("storage", cfg.Storage).Msg("chat server started")

	<-ctx.Done() // Block until signal
	l.Info().Msg("gracefully shutting down")
	if err := srv.App.ShutdownWithTimeout(10 * time.Second); err != nil {
		l.Error().Err(err).Msg("shutdown")
	}
	srv.Broker.Close()
	l.Info().Msg("server shutdown complete")
}
