// Package platform defines the contracts for everything the realtime core
// consumes but does not own: identity verification, the shared cache,
// the persistent store, and the metrics sink.
//
// The core must keep working when any of these degrade. Cache and store
// calls from hot paths (admission, ticking, broadcast) are best-effort
// and must never block them.
package platform

import (
	"context"
	"time"
)

// PlayerInfo is the identity metadata attached to an authenticated connection.
type PlayerInfo struct {
	PlayerID    string  `json:"playerId"`
	DisplayName string  `json:"displayName"`
	Avatar      string  `json:"avatar"`
	SkillRating float64 `json:"skillRating"`
	SkillDev    float64 `json:"skillDeviation"`
	Wins        int     `json:"wins"`
	Matches     int     `json:"matches"`
}

// Identity verifies opaque credentials presented during the WebSocket
// handshake and resolves them to a player.
type Identity interface {
	Verify(ctx context.Context, token string) (PlayerInfo, error)
}

// Cache is the shared cross-instance cache. Plain key/value with TTL plus
// the sorted-set operations the leaderboard needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Del(ctx context.Context, key string)

	ZAdd(ctx context.Context, key, member string, score float64)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int) []ScoredMember
	ZScore(ctx context.Context, key, member string) (float64, bool)
	ZCard(ctx context.Context, key string) int
	// ZCount reports members with min < score <= max.
	ZCount(ctx context.Context, key string, min, max float64) int
	Expire(ctx context.Context, key string, ttl time.Duration)
}

// ScoredMember is one entry of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// FlagSeverity classifies anti-cheat flags.
type FlagSeverity string

const (
	SeverityWarning  FlagSeverity = "warning"
	SeverityCritical FlagSeverity = "critical"
)

// Flag is one anti-cheat finding about a player.
type Flag struct {
	ID        string       `json:"id"`
	PlayerID  string       `json:"playerId"`
	Type      string       `json:"type"`
	Severity  FlagSeverity `json:"severity"`
	Details   string       `json:"details"`
	MatchID   string       `json:"matchId,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// MatchPlayerResult is one participant's outcome in a finished match.
type MatchPlayerResult struct {
	PlayerID  string `json:"playerId"`
	Score     int64  `json:"score"`
	Placement int    `json:"placement"`
	IsWinner  bool   `json:"isWinner"`
}

// MatchResult is the persisted record of a finished match.
type MatchResult struct {
	MatchID    string              `json:"matchId"`
	GameID     string              `json:"gameId"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Players    []MatchPlayerResult `json:"players"`
}

// PlayerStats is the lifetime record the post-match analysis reads.
type PlayerStats struct {
	Wins           int
	Matches        int
	WinsLastHour   int
	WinsLastMinute int
}

// Store persists anti-cheat flags, bans and match results.
type Store interface {
	AppendFlag(ctx context.Context, flag Flag) error
	// FlagsSince returns a player's flags created at or after the cutoff.
	FlagsSince(ctx context.Context, playerID string, cutoff time.Time) ([]Flag, error)
	RecordBan(ctx context.Context, playerID, reason string, until time.Time) error
	IsBanned(ctx context.Context, playerID string, at time.Time) (bool, error)
	SaveMatchResult(ctx context.Context, result MatchResult) error
	PlayerStats(ctx context.Context, playerID string) (PlayerStats, error)
}

// Metrics is the observability sink. Implementations must be cheap enough
// to call from tick loops.
type Metrics interface {
	SetConnections(n int)
	SetActiveRooms(n int)
	SetQueueDepth(n int)
	IncFramesIn()
	IncFramesOut(n int)
	IncInputApplied()
	IncInputRejected(reason string)
	IncFlag(flagType string)
	ObserveTick(d time.Duration)
}

// NopMetrics discards everything. Used by tests.
type NopMetrics struct{}

func (NopMetrics) SetConnections(int)        {}
func (NopMetrics) SetActiveRooms(int)        {}
func (NopMetrics) SetQueueDepth(int)         {}
func (NopMetrics) IncFramesIn()              {}
func (NopMetrics) IncFramesOut(int)          {}
func (NopMetrics) IncInputApplied()          {}
func (NopMetrics) IncInputRejected(string)   {}
func (NopMetrics) IncFlag(string)            {}
func (NopMetrics) ObserveTick(time.Duration) {}
