package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gamehub/internal/leaderboard"
	"gamehub/internal/room"
)

// RoomDirectory is the read-only room surface the HTTP API serves.
// Kept minimal so tests can stub it without a full manager.
type RoomDirectory interface {
	// List returns public rooms accepting players, oldest first
	List() []room.View
	// Get returns one room's sanitized view
	Get(roomID string) (room.View, bool)
	// Counts reports rooms and seated players
	Counts() (rooms, players int)
}

// LeaderboardReader is the read-only ranking surface the HTTP API serves.
type LeaderboardReader interface {
	Top(ctx context.Context, gameID string, limit int) []leaderboard.Entry
	ApproxRank(ctx context.Context, gameID, playerID string) (rank int, score float64, ok bool)
	Size(ctx context.Context, gameID string) int
}

// QueueReader reports matchmaking depth for the stats endpoint.
type QueueReader interface {
	QueueDepth() int
}

// RouterConfig contains all dependencies needed to construct the HTTP
// router. Designed for dependency injection and testability.
type RouterConfig struct {
	// Gateway handles the /ws endpoint (required)
	Gateway *Gateway

	// Rooms backs the room listing endpoints (required)
	Rooms RoomDirectory

	// Leaderboard backs the ranking endpoints (required)
	Leaderboard LeaderboardReader

	// Queue backs the queue depth in /api/stats; nil reports zero
	Queue QueueReader

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one is created from RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is used only when RateLimiter is nil. If both are
	// nil, DefaultRateLimitConfig applies.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins overrides the allowed CORS origins.
	CORSOrigins []string

	// DisableLogging disables the request logger middleware (useful for tests).
	DisableLogging bool
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE apart from the rate limiter's cleanup
// goroutine - no listeners are opened, which makes it safe to use with
// httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Rate limiting before CORS to reject early and save CPU
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		gateway:     cfg.Gateway,
		rooms:       cfg.Rooms,
		leaderboard: cfg.Leaderboard,
		queue:       cfg.Queue,
	}

	r.Get("/ws", cfg.Gateway.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", h.handleListRooms)
		r.Get("/rooms/{roomID}", h.handleGetRoom)

		r.Get("/leaderboard/{gameID}", h.handleLeaderboard)
		r.Get("/leaderboard/{gameID}/rank/{playerID}", h.handleRank)

		r.Get("/stats", h.handleStats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
