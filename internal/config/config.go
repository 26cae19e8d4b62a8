// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for all gateway, room, matchmaking,
// simulation and anti-cheat settings.
//
// IMPORTANT: When changing values, only modify this file.
// All other parts of the codebase should reference these values.
package config

import (
	"os"
	"strconv"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int
	MaxConnections int // Hard cap on concurrent WebSocket connections
	MaxConnsPerIP  int // Per-IP WebSocket connection cap
	IdentitySecret string
	AllowedOrigins []string
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:           3000,
		MaxConnections: 500,
		MaxConnsPerIP:  10,
		AllowedOrigins: []string{"*"},
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if mc := getEnvInt("MAX_CONNECTIONS", 0); mc > 0 {
		cfg.MaxConnections = mc
	}
	if mi := getEnvInt("MAX_CONNECTIONS_PER_IP", 0); mi > 0 {
		cfg.MaxConnsPerIP = mi
	}
	if s := os.Getenv("IDENTITY_SECRET"); s != "" {
		cfg.IdentitySecret = s
	}

	return cfg
}

// =============================================================================
// GATEWAY CONFIGURATION
// =============================================================================

// GatewayConfig holds WebSocket connection-layer settings.
type GatewayConfig struct {
	HeartbeatInterval time.Duration // Ping cadence; a missed pong terminates
	MaxFrameBytes     int64         // Inbound frames above this are rejected
	FramesPerSecond   float64       // Per-connection inbound frame budget
	FrameBurst        int
	WriteTimeout      time.Duration
	SendBuffer        int // Outbound frame queue per connection
}

// DefaultGateway returns the default gateway configuration.
func DefaultGateway() GatewayConfig {
	return GatewayConfig{
		HeartbeatInterval: 30 * time.Second,
		MaxFrameBytes:     8192,
		FramesPerSecond:   60,
		FrameBurst:        120,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        256,
	}
}

// GatewayFromEnv returns gateway configuration with environment variable overrides.
func GatewayFromEnv() GatewayConfig {
	cfg := DefaultGateway()

	if d := getEnvDuration("HEARTBEAT_INTERVAL", 0); d > 0 {
		cfg.HeartbeatInterval = d
	}
	if b := getEnvInt("MAX_FRAME_BYTES", 0); b > 0 {
		cfg.MaxFrameBytes = int64(b)
	}
	if f := getEnvFloat("FRAMES_PER_SECOND", 0); f > 0 {
		cfg.FramesPerSecond = f
	}

	return cfg
}

// =============================================================================
// ROOM CONFIGURATION
// =============================================================================

// RoomConfig holds room lifecycle settings.
type RoomConfig struct {
	MirrorTTL    time.Duration // Shared-cache mirror lifetime; also the reaper cutoff
	FinishGrace  time.Duration // Finished rooms linger this long for late result queries
	ReapInterval time.Duration
	MaxChatBytes int
}

// DefaultRoom returns the default room configuration.
func DefaultRoom() RoomConfig {
	return RoomConfig{
		MirrorTTL:    5 * time.Minute,
		FinishGrace:  30 * time.Second,
		ReapInterval: time.Minute,
		MaxChatBytes: 500,
	}
}

// RoomFromEnv returns room configuration with environment variable overrides.
func RoomFromEnv() RoomConfig {
	cfg := DefaultRoom()

	if d := getEnvDuration("ROOM_MIRROR_TTL", 0); d > 0 {
		cfg.MirrorTTL = d
	}
	if d := getEnvDuration("ROOM_FINISH_GRACE", 0); d > 0 {
		cfg.FinishGrace = d
	}

	return cfg
}

// =============================================================================
// MATCHMAKING CONFIGURATION
// =============================================================================

// MatchmakingConfig holds SBMM queue settings.
type MatchmakingConfig struct {
	ProcessInterval   time.Duration // Cadence of the matching pass
	BaseWindow        float64       // Initial skill-rating tolerance
	WindowIncrement   float64       // Added to the window per expansion step
	WindowExpandEvery time.Duration
	WindowCap         float64
	CrossRegionAfter  time.Duration // Entries older than this pool across regions
	MaxLatencyMs      float64       // Region-pair latency ceiling for fallback pairs
	MaxQueueWait      time.Duration // Entries older than this time out
	EloK              float64
	MinRating         float64 // Ratings never drop below this
}

// DefaultMatchmaking returns the default matchmaking configuration.
func DefaultMatchmaking() MatchmakingConfig {
	return MatchmakingConfig{
		ProcessInterval:   time.Second,
		BaseWindow:        100,
		WindowIncrement:   50,
		WindowExpandEvery: 5 * time.Second,
		WindowCap:         500,
		CrossRegionAfter:  15 * time.Second,
		MaxLatencyMs:      150,
		MaxQueueWait:      60 * time.Second,
		EloK:              32,
		MinRating:         100,
	}
}

// MatchmakingFromEnv returns matchmaking configuration with environment variable overrides.
func MatchmakingFromEnv() MatchmakingConfig {
	cfg := DefaultMatchmaking()

	if d := getEnvDuration("MM_PROCESS_INTERVAL", 0); d > 0 {
		cfg.ProcessInterval = d
	}
	if w := getEnvFloat("MM_BASE_WINDOW", 0); w > 0 {
		cfg.BaseWindow = w
	}
	if d := getEnvDuration("MM_MAX_QUEUE_WAIT", 0); d > 0 {
		cfg.MaxQueueWait = d
	}

	return cfg
}

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimulationConfig holds per-room authoritative tick settings.
type SimulationConfig struct {
	DefaultTickRate  int           // Hz, used when no genre preset or override applies
	MaxMovePerTick   float64       // Server-enforced displacement cap per tick
	ScoreDeltaCap    int64         // Max score change per action
	SnapshotRing     int           // Rollback ring buffer size in ticks
	EntityTTL        time.Duration // Transient entities (projectiles) expire after this
	Countdown        time.Duration // Pre-match countdown length
	RoundLimit       int           // Match ends beyond this many rounds
	MaxMatchDuration time.Duration
}

// DefaultSimulation returns the default simulation configuration.
func DefaultSimulation() SimulationConfig {
	return SimulationConfig{
		DefaultTickRate:  30,
		MaxMovePerTick:   10,
		ScoreDeltaCap:    100,
		SnapshotRing:     64,
		EntityTTL:        5 * time.Second,
		Countdown:        3 * time.Second,
		RoundLimit:       50,
		MaxMatchDuration: 10 * time.Minute,
	}
}

// SimulationFromEnv returns simulation configuration with environment variable overrides.
func SimulationFromEnv() SimulationConfig {
	cfg := DefaultSimulation()

	if tr := getEnvInt("TICK_RATE", 0); tr > 0 {
		cfg.DefaultTickRate = tr
	}
	if m := getEnvFloat("MAX_MOVE_PER_TICK", 0); m > 0 {
		cfg.MaxMovePerTick = m
	}
	if d := getEnvDuration("MAX_MATCH_DURATION", 0); d > 0 {
		cfg.MaxMatchDuration = d
	}

	return cfg
}

// =============================================================================
// ANTI-CHEAT CONFIGURATION
// =============================================================================

// AntiCheatConfig holds inline and post-match detection thresholds.
type AntiCheatConfig struct {
	MaxInputsPerSecond int     // Rolling per-player input rate; spam flags but is not rejected
	TeleportFactor     float64 // Displacement beyond factor*MaxMovePerTick is a teleport
	ShortMatch         time.Duration
	MinSampleMatches   int // Win-rate check needs at least this many matches
	MaxWinRate         float64
	MaxWinsPerHour     int
	MaxWinsPerMinute   int
	BanThreshold       int // Open critical flags within BanWindow triggering auto-ban
	BanWindow          time.Duration
	BanDuration        time.Duration
}

// DefaultAntiCheat returns the default anti-cheat configuration.
func DefaultAntiCheat() AntiCheatConfig {
	return AntiCheatConfig{
		MaxInputsPerSecond: 30,
		TeleportFactor:     3,
		ShortMatch:         10 * time.Second,
		MinSampleMatches:   20,
		MaxWinRate:         0.95,
		MaxWinsPerHour:     30,
		MaxWinsPerMinute:   3,
		BanThreshold:       3,
		BanWindow:          10 * time.Minute,
		BanDuration:        24 * time.Hour,
	}
}

// AntiCheatFromEnv returns anti-cheat configuration with environment variable overrides.
func AntiCheatFromEnv() AntiCheatConfig {
	cfg := DefaultAntiCheat()

	if n := getEnvInt("AC_MAX_INPUTS_PER_SECOND", 0); n > 0 {
		cfg.MaxInputsPerSecond = n
	}
	if n := getEnvInt("AC_BAN_THRESHOLD", 0); n > 0 {
		cfg.BanThreshold = n
	}
	if d := getEnvDuration("AC_BAN_DURATION", 0); d > 0 {
		cfg.BanDuration = d
	}

	return cfg
}

// =============================================================================
// LEADERBOARD CONFIGURATION
// =============================================================================

// LeaderboardConfig holds sharded leaderboard settings.
type LeaderboardConfig struct {
	ShardCount int
	KeyTTL     time.Duration
}

// DefaultLeaderboard returns the default leaderboard configuration.
func DefaultLeaderboard() LeaderboardConfig {
	return LeaderboardConfig{
		ShardCount: 4,
		KeyTTL:     2 * time.Hour,
	}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server      ServerConfig
	Gateway     GatewayConfig
	Room        RoomConfig
	Matchmaking MatchmakingConfig
	Simulation  SimulationConfig
	AntiCheat   AntiCheatConfig
	Leaderboard LeaderboardConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Server:      ServerFromEnv(),
		Gateway:     GatewayFromEnv(),
		Room:        RoomFromEnv(),
		Matchmaking: MatchmakingFromEnv(),
		Simulation:  SimulationFromEnv(),
		AntiCheat:   AntiCheatFromEnv(),
		Leaderboard: DefaultLeaderboard(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
