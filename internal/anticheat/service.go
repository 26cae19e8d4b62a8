// Package anticheat validates inputs inline during simulation ticks and
// analyzes finished matches for statistical anomalies. Findings become
// flags persisted through the store collaborator; enough critical flags
// inside the ban window trigger an automatic suspension.
package anticheat

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"gamehub/internal/config"
	"gamehub/internal/game"
	"gamehub/internal/platform"
)

// Flag types raised by this service.
const (
	FlagInputSpam    = "input_spam"
	FlagSpeedHack    = "speed_hack"
	FlagTeleport     = "teleport"
	FlagScoreHack    = "score_hack"
	FlagShortMatch   = "short_match"
	FlagWinRate      = "improbable_win_rate"
	FlagWinFrequency = "impossible_win_frequency"
)

// Rejection is the error returned for inputs that must not be applied.
type Rejection struct {
	FlagType string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("anti-cheat rejection: %s", r.FlagType)
}

// Service implements inline input validation (game.Guard) and post-match
// anomaly analysis. Safe for concurrent use by many room tick loops.
type Service struct {
	cfg      config.AntiCheatConfig
	maxMove  float64 // Per-tick displacement cap, shared with the simulation
	maxScore int64   // Per-action score delta ceiling, shared with the simulation

	store   platform.Store
	metrics platform.Metrics

	mu    sync.Mutex
	rates map[string]*rateWindow
}

// rateWindow counts inputs in a rolling one-second window.
type rateWindow struct {
	windowStart time.Time
	count       int
}

// NewService creates the anti-cheat service. The simulation config supplies
// the displacement and score ceilings so both layers enforce the same physics.
func NewService(cfg config.AntiCheatConfig, sim config.SimulationConfig, store platform.Store, metrics platform.Metrics) *Service {
	if metrics == nil {
		metrics = platform.NopMetrics{}
	}
	return &Service{
		cfg:      cfg,
		maxMove:  sim.MaxMovePerTick,
		maxScore: sim.ScoreDeltaCap,
		store:    store,
		metrics:  metrics,
		rates:    make(map[string]*rateWindow),
	}
}

// CheckInput is the inline guard invoked alongside input application.
// A non-nil return means the input must not be applied.
func (s *Service) CheckInput(matchID string, player *game.PlayerState, in game.InputRecord, now time.Time) error {
	// Input-rate spam is flagged but never rejected: bursty but honest
	// clients exist, and the flag trail is what auto-ban reads.
	if s.overRate(in.PlayerID, now) {
		s.flagAsync(in.PlayerID, FlagInputSpam, platform.SeverityWarning, matchID,
			fmt.Sprintf("more than %d inputs in 1s", s.cfg.MaxInputsPerSecond))
	}

	switch in.Type {
	case "move":
		dx := numField(in.Data, "dx")
		dy := numField(in.Data, "dy")
		displacement := math.Hypot(dx, dy)
		if displacement > s.maxMove {
			s.flagAsync(in.PlayerID, FlagSpeedHack, platform.SeverityCritical, matchID,
				fmt.Sprintf("displacement %.1f exceeds per-tick max %.1f", displacement, s.maxMove))
			return &Rejection{FlagType: FlagSpeedHack}
		}
		// Teleport: a client-reported absolute position far from the last
		// known server position, beyond even the speed-hack ceiling.
		if hasField(in.Data, "x") || hasField(in.Data, "y") {
			jump := math.Hypot(numField(in.Data, "x")-player.X, numField(in.Data, "y")-player.Y)
			if jump > s.maxMove*s.cfg.TeleportFactor {
				s.flagAsync(in.PlayerID, FlagTeleport, platform.SeverityCritical, matchID,
					fmt.Sprintf("reported position %.1f away from last known", jump))
				return &Rejection{FlagType: FlagTeleport}
			}
		}
	case "score":
		delta := math.Abs(numField(in.Data, "delta"))
		if delta > float64(s.maxScore) {
			s.flagAsync(in.PlayerID, FlagScoreHack, platform.SeverityCritical, matchID,
				fmt.Sprintf("score delta %.0f exceeds per-action cap %d", delta, s.maxScore))
			return &Rejection{FlagType: FlagScoreHack}
		}
	}
	return nil
}

// overRate counts one input against the player's rolling window.
func (s *Service) overRate(playerID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rates[playerID]
	if !ok || now.Sub(w.windowStart) >= time.Second {
		s.rates[playerID] = &rateWindow{windowStart: now, count: 1}
		return false
	}
	w.count++
	return w.count > s.cfg.MaxInputsPerSecond
}

// StopTracking drops per-player tracking state. Called on disconnect.
func (s *Service) StopTracking(playerID string) {
	s.mu.Lock()
	delete(s.rates, playerID)
	s.mu.Unlock()
}

// AnalyzeMatch runs the post-match checks for every participant, then the
// auto-ban evaluation. Invoked asynchronously after results persist; store
// failures degrade to logs.
func (s *Service) AnalyzeMatch(ctx context.Context, result game.Result) {
	duration := result.FinishedAt.Sub(result.StartedAt)

	for playerID, placement := range result.Placements {
		if duration < s.cfg.ShortMatch {
			s.flagSync(ctx, playerID, FlagShortMatch, platform.SeverityWarning, result.MatchID,
				fmt.Sprintf("match lasted %s", duration.Round(time.Millisecond)))
		}

		if placement == 1 {
			s.analyzeWinner(ctx, playerID, result.MatchID)
		}

		s.maybeAutoBan(ctx, playerID)
	}
}

// analyzeWinner checks a match winner's lifetime and trailing-window record.
func (s *Service) analyzeWinner(ctx context.Context, playerID, matchID string) {
	stats, err := s.store.PlayerStats(ctx, playerID)
	if err != nil {
		log.Printf("⚠️ Anti-cheat: stats unavailable for %s: %v", playerID, err)
		return
	}

	if stats.Matches >= s.cfg.MinSampleMatches {
		winRate := float64(stats.Wins) / float64(stats.Matches)
		if winRate > s.cfg.MaxWinRate {
			s.flagSync(ctx, playerID, FlagWinRate, platform.SeverityWarning, matchID,
				fmt.Sprintf("win rate %.2f over %d matches", winRate, stats.Matches))
		}
	}
	if stats.WinsLastHour > s.cfg.MaxWinsPerHour || stats.WinsLastMinute > s.cfg.MaxWinsPerMinute {
		s.flagSync(ctx, playerID, FlagWinFrequency, platform.SeverityCritical, matchID,
			fmt.Sprintf("%d wins in the last hour, %d in the last minute",
				stats.WinsLastHour, stats.WinsLastMinute))
	}
}

// maybeAutoBan suspends a player accruing too many critical flags inside
// the trailing ban window. The ban is recorded at most once: an already
// active suspension short-circuits the check.
func (s *Service) maybeAutoBan(ctx context.Context, playerID string) {
	now := time.Now()

	banned, err := s.store.IsBanned(ctx, playerID, now)
	if err != nil {
		log.Printf("⚠️ Anti-cheat: ban lookup failed for %s: %v", playerID, err)
		return
	}
	if banned {
		return
	}

	flags, err := s.store.FlagsSince(ctx, playerID, now.Add(-s.cfg.BanWindow))
	if err != nil {
		log.Printf("⚠️ Anti-cheat: flag lookup failed for %s: %v", playerID, err)
		return
	}

	critical := 0
	for _, f := range flags {
		if f.Severity == platform.SeverityCritical {
			critical++
		}
	}
	if critical < s.cfg.BanThreshold {
		return
	}

	until := now.Add(s.cfg.BanDuration)
	reason := fmt.Sprintf("%d critical anti-cheat flags within %s", critical, s.cfg.BanWindow)
	if err := s.store.RecordBan(ctx, playerID, reason, until); err != nil {
		log.Printf("⚠️ Anti-cheat: failed to record ban for %s: %v", playerID, err)
		return
	}
	log.Printf("🔨 Auto-banned %s until %s (%s)", playerID, until.Format(time.RFC3339), reason)
}

func (s *Service) newFlag(playerID, flagType string, severity platform.FlagSeverity, matchID, details string) platform.Flag {
	s.metrics.IncFlag(flagType)
	log.Printf("🚩 %s flag (%s) for %s: %s", flagType, severity, playerID, details)
	return platform.Flag{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		Type:      flagType,
		Severity:  severity,
		Details:   details,
		MatchID:   matchID,
		CreatedAt: time.Now(),
	}
}

// flagAsync records a finding without blocking the caller. Used from the
// tick path, where a slow store must never stall the loop.
func (s *Service) flagAsync(playerID, flagType string, severity platform.FlagSeverity, matchID, details string) {
	f := s.newFlag(playerID, flagType, severity, matchID, details)
	go func() {
		if err := s.store.AppendFlag(context.Background(), f); err != nil {
			log.Printf("⚠️ Anti-cheat: failed to persist %s flag for %s: %v", flagType, playerID, err)
		}
	}()
}

// flagSync records a finding and waits for persistence, so a ban check in
// the same analysis pass sees it.
func (s *Service) flagSync(ctx context.Context, playerID, flagType string, severity platform.FlagSeverity, matchID, details string) {
	f := s.newFlag(playerID, flagType, severity, matchID, details)
	if err := s.store.AppendFlag(ctx, f); err != nil {
		log.Printf("⚠️ Anti-cheat: failed to persist %s flag for %s: %v", flagType, playerID, err)
	}
}

func numField(data map[string]interface{}, key string) float64 {
	if data == nil {
		return 0
	}
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func hasField(data map[string]interface{}, key string) bool {
	if data == nil {
		return false
	}
	_, ok := data[key]
	return ok
}
