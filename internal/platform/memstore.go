package platform

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-instance runs.
type MemoryStore struct {
	mu      sync.RWMutex
	flags   map[string][]Flag
	bans    map[string]banRecord
	results []MatchResult
	stats   map[string]*playerRecord
}

type banRecord struct {
	reason string
	until  time.Time
	count  int
}

type playerRecord struct {
	wins     int
	matches  int
	winTimes []time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags: make(map[string][]Flag),
		bans:  make(map[string]banRecord),
		stats: make(map[string]*playerRecord),
	}
}

// AppendFlag records a flag against a player.
func (s *MemoryStore) AppendFlag(_ context.Context, flag Flag) error {
	s.mu.Lock()
	s.flags[flag.PlayerID] = append(s.flags[flag.PlayerID], flag)
	s.mu.Unlock()
	return nil
}

// FlagsSince returns a player's flags created at or after cutoff.
func (s *MemoryStore) FlagsSince(_ context.Context, playerID string, cutoff time.Time) ([]Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Flag
	for _, f := range s.flags[playerID] {
		if !f.CreatedAt.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}

// RecordBan suspends a player until the given time. Re-recording an active
// ban keeps the later expiry.
func (s *MemoryStore) RecordBan(_ context.Context, playerID, reason string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bans[playerID]
	if ok && existing.until.After(until) {
		return nil
	}
	s.bans[playerID] = banRecord{reason: reason, until: until, count: existing.count + 1}
	return nil
}

// BanCount returns how many times a ban was recorded for the player.
// Test helper.
func (s *MemoryStore) BanCount(playerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bans[playerID].count
}

// IsBanned reports whether a player is suspended at the given instant.
func (s *MemoryStore) IsBanned(_ context.Context, playerID string, at time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ban, ok := s.bans[playerID]
	return ok && at.Before(ban.until), nil
}

// SaveMatchResult persists a finished match and folds it into player stats.
func (s *MemoryStore) SaveMatchResult(_ context.Context, result MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, result)
	for _, p := range result.Players {
		rec, ok := s.stats[p.PlayerID]
		if !ok {
			rec = &playerRecord{}
			s.stats[p.PlayerID] = rec
		}
		rec.matches++
		if p.IsWinner {
			rec.wins++
			rec.winTimes = append(rec.winTimes, result.FinishedAt)
		}
	}
	return nil
}

// PlayerStats returns a player's lifetime and trailing-window win counts.
func (s *MemoryStore) PlayerStats(_ context.Context, playerID string) (PlayerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stats[playerID]
	if !ok {
		return PlayerStats{}, nil
	}

	now := time.Now()
	stats := PlayerStats{Wins: rec.wins, Matches: rec.matches}
	for _, t := range rec.winTimes {
		if now.Sub(t) <= time.Hour {
			stats.WinsLastHour++
		}
		if now.Sub(t) <= time.Minute {
			stats.WinsLastMinute++
		}
	}
	return stats, nil
}

// MatchResults returns all saved results, oldest first. Test helper.
func (s *MemoryStore) MatchResults() []MatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MatchResult, len(s.results))
	copy(out, s.results)
	return out
}
