package main

import (
	"context"
	"crypto/rand"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gamehub/internal/anticheat"
	"gamehub/internal/api"
	"gamehub/internal/config"
	"gamehub/internal/leaderboard"
	"gamehub/internal/match"
	"gamehub/internal/platform"
	"gamehub/internal/room"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  GAMEHUB - REALTIME GAME SERVER")
	log.Println("🎮 ================================")

	// Centralized configuration (SSOT - Single Source of Truth)
	cfg := config.Load()

	secret := []byte(cfg.Server.IdentitySecret)
	if len(secret) == 0 {
		// Random per-process secret: tokens stop working across restarts.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatalf("Failed to generate identity secret: %v", err)
		}
		log.Println("⚠️ IDENTITY_SECRET not set, using a random per-process secret")
	}

	metrics := api.PromMetrics{}
	cache := platform.NewMemoryCache()
	store := platform.NewMemoryStore()
	identity := platform.NewHMACIdentity(secret)

	guard := anticheat.NewService(cfg.AntiCheat, cfg.Simulation, store, metrics)
	boards := leaderboard.NewService(cfg.Leaderboard, cache)

	gateway := api.NewGateway(cfg.Gateway, cfg.Server, identity, store, metrics)
	rooms := room.NewManager(cfg.Room, cfg.Simulation, gateway, cache, store, guard, metrics)
	matches := match.NewService(cfg.Matchmaking, rooms, gateway, cache, metrics)
	gateway.Attach(rooms, matches)

	rooms.OnFinish(matches.HandleResult)
	rooms.OnFinish(boards.HandleResult)

	rooms.Start()
	matches.Start()
	log.Printf("✅ Room manager and matchmaking started (tick default %d tps)", cfg.Simulation.DefaultTickRate)

	if os.Getenv("DISABLE_DEBUG_SERVER") != "true" {
		if err := api.StartDebugServer(api.DefaultObservabilityConfig()); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Gateway:     gateway,
		Rooms:       rooms,
		Leaderboard: boards,
		Queue:       matches,
		CORSOrigins: corsOrigins(cfg.Server),
	})

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: WebSocket connections outlive any sane value
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server on http://localhost%s", addr)
		log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown error: %v", err)
	}
	matches.Close()
	rooms.Close()
	cache.Close()
	log.Println("👋 Goodbye!")
}

func corsOrigins(cfg config.ServerConfig) []string {
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
	}
	return cfg.AllowedOrigins
}
