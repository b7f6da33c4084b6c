package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ismail-bs/team-management-sub001/internal/config"
	"github.com/ismail-bs/team-management-sub001/internal/database"
	"github.com/ismail-bs/team-management-sub001/internal/presence"
	postgresrepo "github.com/ismail-bs/team-management-sub001/internal/repository/postgres"
	"github.com/ismail-bs/team-management-sub001/internal/service"
	"github.com/ismail-bs/team-management-sub001/internal/transport/http/handlers"
	"github.com/ismail-bs/team-management-sub001/internal/transport/http/middleware"
	"github.com/ismail-bs/team-management-sub001/internal/transport/ws"
	"github.com/ismail-bs/team-management-sub001/pkg/snowflake"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := database.Connect(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	log.Println("Connected to database")

	// Redis (presence mirror)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	// Message ids
	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal(err)
	}

	// Repositories
	userRepo := postgresrepo.NewUserRepo(pool)
	convRepo := postgresrepo.NewConversationRepo(pool)
	messageRepo := postgresrepo.NewMessageRepo(pool)

	// Services
	authService := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.TokenTTL)
	chatService := service.NewChatService(convRepo, messageRepo, userRepo, ids)

	// Realtime
	hub := ws.NewHub()
	chatService.SetPublisher(ws.NewHubPublisher(hub))

	presenceStore := presence.NewStore(rdb)
	hub.SetPresenceSink(presenceStore)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService)
	convHandler := handlers.NewConversationHandler(chatService)
	messageHandler := handlers.NewMessageHandler(chatService)
	presenceHandler := handlers.NewPresenceHandler(presenceStore)

	auth := middleware.Auth(cfg.JWTSecret)

	// Routes
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)
	mux.HandleFunc("GET /ws", ws.ServeWS(hub, chatService, cfg.JWTSecret))

	// Protected - Conversations
	mux.Handle("POST /api/v1/conversations", auth(http.HandlerFunc(convHandler.Create)))
	mux.Handle("GET /api/v1/conversations", auth(http.HandlerFunc(convHandler.List)))
	mux.Handle("GET /api/v1/conversations/{id}", auth(http.HandlerFunc(convHandler.Get)))
	mux.Handle("PATCH /api/v1/conversations/{id}", auth(http.HandlerFunc(convHandler.Rename)))
	mux.Handle("DELETE /api/v1/conversations/{id}", auth(http.HandlerFunc(convHandler.Delete)))

	// Protected - Participants
	mux.Handle("GET /api/v1/conversations/{id}/participants", auth(http.HandlerFunc(convHandler.ListParticipants)))
	mux.Handle("POST /api/v1/conversations/{id}/participants", auth(http.HandlerFunc(convHandler.AddParticipant)))
	mux.Handle("DELETE /api/v1/conversations/{id}/participants/{uid}", auth(http.HandlerFunc(convHandler.RemoveParticipant)))

	// Protected - Messages
	mux.Handle("GET /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(messageHandler.List)))
	mux.Handle("POST /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(messageHandler.Send)))
	mux.Handle("PATCH /api/v1/messages/{id}", auth(http.HandlerFunc(messageHandler.Edit)))
	mux.Handle("DELETE /api/v1/messages/{id}", auth(http.HandlerFunc(messageHandler.Delete)))

	// Protected - Read state & presence
	mux.Handle("POST /api/v1/conversations/{id}/read", auth(http.HandlerFunc(convHandler.MarkRead)))
	mux.Handle("GET /api/v1/conversations/{id}/unread", auth(http.HandlerFunc(convHandler.UnreadCount)))
	mux.Handle("GET /api/v1/presence/online", auth(http.HandlerFunc(presenceHandler.Online)))

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    addr,
		Handler: middleware.CORS(mux),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := presenceStore.RunJanitor(gctx, hub.OnlineUserIDs)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
