package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"realtime-chat/internal/broadcast"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	myMiddleware "realtime-chat/internal/middleware"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/room"
	"realtime-chat/internal/user"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	flag.Parse()
	log := cfg.NewLogger(os.Stdout)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Broadcast bus: Redis when configured, in-process otherwise.
	bus, err := newBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	// 4. Users
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService)

	// 5. Realtime
	chatRepo := chat.NewRepository(database.Conn)
	hub := realtime.NewHub(bus, log.With("component", "hub"))
	registry := presence.NewRegistry(userService, hub, log.With("component", "presence"))
	rooms := room.NewManager()
	locks := realtime.NewChatLocks()
	router := realtime.NewRouter(chatRepo, registry, rooms, hub, cfg.SenderEcho, locks, log.With("component", "router"))

	session := realtime.NewSession(realtime.SessionDeps{
		Hub:       hub,
		Presence:  registry,
		Rooms:     rooms,
		Directory: chatRepo,
		Router:    router,
		Reactions: realtime.NewReactionSynchronizer(chatRepo, registry, hub, locks, log.With("component", "reactions")),
		Typing:    realtime.NewTypingCoordinator(rooms, hub),
		Timeout:   cfg.PersistTimeout,
		Log:       log.With("component", "session"),
	})
	wsHandler := realtime.NewHandler(hub, session, cfg.AllowedOrigins, cfg.SendBuffer, log)
	go hub.Run()

	// 6. Chats over REST
	chatHandler := chat.NewHandler(chatRepo, realtime.NewChatAnnouncer(hub, registry), router, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService, log)

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/ws", wsHandler.ServeWs)

		r.Route("/api/chats", func(r chi.Router) {
			r.Post("/", chatHandler.AccessChat)
			r.Get("/", chatHandler.ListChats)
			r.Get("/{chatId}/messages", chatHandler.GetChatHistory)
			r.Post("/{chatId}/messages", chatHandler.PostMessage)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("hub shutdown", "err", err)
	}
	return nil
}

func newBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (broadcast.Bus, error) {
	if cfg.RedisAddr == "" {
		log.Info("using in-process broadcast bus")
		return broadcast.NewLocalBus(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	bus, err := broadcast.NewRedisBus(ctx, client, cfg.RedisChannel, log.With("component", "redis-bus"))
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Info("connected to redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	return bus, nil
}
