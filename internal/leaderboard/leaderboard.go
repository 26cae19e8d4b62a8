// Package leaderboard keeps per-game score rankings in the shared cache.
// Each game's board is split across a fixed number of sorted-set shards so
// no single key grows hot; reads merge shards, and rank queries trade
// exactness for a cheap per-shard count.
package leaderboard

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"sort"
	"sync"

	"gamehub/internal/config"
	"gamehub/internal/game"
	"gamehub/internal/platform"
)

// Entry is one row of a merged leaderboard page.
type Entry struct {
	Rank     int     `json:"rank"`
	PlayerID string  `json:"playerId"`
	Score    float64 `json:"score"`
}

// Service reads and writes the sharded boards.
type Service struct {
	cfg   config.LeaderboardConfig
	cache platform.Cache

	// Serializes read-modify-write score updates per process.
	mu sync.Mutex
}

// NewService creates the leaderboard service.
func NewService(cfg config.LeaderboardConfig, cache platform.Cache) *Service {
	return &Service{cfg: cfg, cache: cache}
}

// shardKey routes a player to a stable shard of the game's board.
func (s *Service) shardKey(gameID, playerID string) string {
	h := fnv.New32a()
	h.Write([]byte(playerID))
	return fmt.Sprintf("lb:%s:shard:%d", gameID, h.Sum32()%uint32(s.cfg.ShardCount))
}

func (s *Service) shardKeys(gameID string) []string {
	keys := make([]string, s.cfg.ShardCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("lb:%s:shard:%d", gameID, i)
	}
	return keys
}

// SetScore writes a player's absolute score.
func (s *Service) SetScore(ctx context.Context, gameID, playerID string, score float64) {
	key := s.shardKey(gameID, playerID)
	s.cache.ZAdd(ctx, key, playerID, score)
	s.cache.Expire(ctx, key, s.cfg.KeyTTL)
}

// AddScore adds delta to a player's cumulative score and returns the new
// total.
func (s *Service) AddScore(ctx context.Context, gameID, playerID string, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.shardKey(gameID, playerID)
	current, _ := s.cache.ZScore(ctx, key, playerID)
	total := current + delta
	s.cache.ZAdd(ctx, key, playerID, total)
	s.cache.Expire(ctx, key, s.cfg.KeyTTL)
	return total
}

// Top returns the best limit entries across all shards, rank ascending.
func (s *Service) Top(ctx context.Context, gameID string, limit int) []Entry {
	if limit <= 0 {
		limit = 10
	}

	var merged []platform.ScoredMember
	for _, key := range s.shardKeys(gameID) {
		merged = append(merged, s.cache.ZRevRangeWithScores(ctx, key, 0, limit-1)...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Member < merged[j].Member
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	entries := make([]Entry, len(merged))
	for i, m := range merged {
		entries[i] = Entry{Rank: i + 1, PlayerID: m.Member, Score: m.Score}
	}
	return entries
}

// ApproxRank estimates a player's 1-based rank by counting higher scores
// in every shard. Ties across shards can make the estimate off by their
// count; callers treat it as an estimate, not a truth.
func (s *Service) ApproxRank(ctx context.Context, gameID, playerID string) (rank int, score float64, ok bool) {
	score, ok = s.cache.ZScore(ctx, s.shardKey(gameID, playerID), playerID)
	if !ok {
		return 0, 0, false
	}

	higher := 0
	for _, key := range s.shardKeys(gameID) {
		higher += s.cache.ZCount(ctx, key, score, math.Inf(1))
	}
	return higher + 1, score, true
}

// Size reports the total number of ranked players for a game.
func (s *Service) Size(ctx context.Context, gameID string) int {
	total := 0
	for _, key := range s.shardKeys(gameID) {
		total += s.cache.ZCard(ctx, key)
	}
	return total
}

// HandleResult folds a finished match's scores into the game's board.
// Register it as a finish hook on the room manager.
func (s *Service) HandleResult(res game.Result) {
	ctx := context.Background()
	for playerID, score := range res.Scores {
		if score == 0 {
			continue
		}
		total := s.AddScore(ctx, res.GameID, playerID, float64(score))
		log.Printf("🏁 Leaderboard %s: %s now at %.0f", res.GameID, playerID, total)
	}
}
