// Package match implements skill-based matchmaking: per-game, per-region
// queues with a skill window that widens while a player waits, a
// cross-region fallback bounded by latency, and post-match Elo updates
// for the matches it creates.
package match

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"gamehub/internal/config"
	"gamehub/internal/game"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
	"gamehub/internal/room"
)

const (
	defaultRating = 1000
	defaultRegion = "us-east"
	maxMatchSize  = 8
)

// RoomCreator is the slice of the room manager matchmaking needs.
type RoomCreator interface {
	CreateMatch(ctx context.Context, gameID, region string, players []platform.PlayerInfo, ranked bool) (room.View, string, error)
}

type bucketKey struct {
	gameID string
	region string
}

type ticket struct {
	player     platform.PlayerInfo
	gameID     string
	region     string
	mode       string
	size       int
	rating     float64
	enqueuedAt time.Time
}

// pendingMatch remembers pre-match ratings so results can be scored.
type pendingMatch struct {
	gameID  string
	ratings map[string]float64
}

// Service owns the matchmaking queues. One mutex guards all of them; the
// matching pass runs on its own goroutine at a fixed cadence.
type Service struct {
	mu       sync.Mutex
	buckets  map[bucketKey][]*ticket
	byPlayer map[string]*ticket
	pending  map[string]pendingMatch

	cfg     config.MatchmakingConfig
	rooms   RoomCreator
	sender  room.Sender
	cache   platform.Cache
	metrics platform.Metrics

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewService creates the matchmaking service. Call Start to run the
// matching loop.
func NewService(cfg config.MatchmakingConfig, rooms RoomCreator, sender room.Sender, cache platform.Cache, metrics platform.Metrics) *Service {
	if metrics == nil {
		metrics = platform.NopMetrics{}
	}
	return &Service{
		buckets:  make(map[bucketKey][]*ticket),
		byPlayer: make(map[string]*ticket),
		pending:  make(map[string]pendingMatch),
		cfg:      cfg,
		rooms:    rooms,
		sender:   sender,
		cache:    cache,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic matching pass.
func (s *Service) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.ProcessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Process(time.Now())
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Close stops the matching loop.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Enqueue adds a player to the ranked queue. Re-enqueueing while already
// queued does not create a second entry; it just reports the current
// position again.
func (s *Service) Enqueue(player platform.PlayerInfo, req protocol.QueueRanked) {
	region := req.Region
	if region == "" {
		region = defaultRegion
	}
	size := req.MaxPlayers
	if size < 2 || size > maxMatchSize {
		size = 2
	}

	s.mu.Lock()
	t, queued := s.byPlayer[player.PlayerID]
	if !queued {
		t = &ticket{
			player:     player,
			gameID:     req.GameID,
			region:     region,
			mode:       req.Mode,
			size:       size,
			rating:     s.lookupRating(req.GameID, player.PlayerID, req.SkillRating),
			enqueuedAt: time.Now(),
		}
		key := bucketKey{gameID: t.gameID, region: t.region}
		s.buckets[key] = append(s.buckets[key], t)
		s.byPlayer[player.PlayerID] = t
		s.metrics.SetQueueDepth(len(s.byPlayer))
	}
	position := s.positionLocked(t)
	s.mu.Unlock()

	// Each pass drains up to one full lobby ahead of this entry.
	passes := (position + t.size - 1) / t.size
	wait := time.Duration(passes) * s.cfg.ProcessInterval
	s.sender.Send(player.PlayerID, protocol.QueueJoined(t.gameID, wait, position))
	if !queued {
		log.Printf("🎮 %s queued for %s/%s (rating %.0f, size %d)", player.PlayerID, t.gameID, t.region, t.rating, size)
	}
}

// Dequeue removes a player from the queue. Safe to call when not queued.
func (s *Service) Dequeue(playerID string) {
	if s.remove(playerID) {
		s.sender.Send(playerID, protocol.QueueCancelled())
	}
}

// Disconnect drops a queued entry without notifying the player.
func (s *Service) Disconnect(playerID string) {
	s.remove(playerID)
}

func (s *Service) remove(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byPlayer[playerID]
	if !ok {
		return false
	}
	s.evictLocked(t)
	return true
}

// evictLocked removes a ticket from its bucket and the player index.
func (s *Service) evictLocked(t *ticket) {
	key := bucketKey{gameID: t.gameID, region: t.region}
	kept := s.buckets[key][:0]
	for _, other := range s.buckets[key] {
		if other != t {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(s.buckets, key)
	} else {
		s.buckets[key] = kept
	}
	delete(s.byPlayer, t.player.PlayerID)
	s.metrics.SetQueueDepth(len(s.byPlayer))
}

// positionLocked is the 1-based queue position within the ticket's bucket.
func (s *Service) positionLocked(t *ticket) int {
	position := 1
	for _, other := range s.buckets[bucketKey{gameID: t.gameID, region: t.region}] {
		if other != t && other.enqueuedAt.Before(t.enqueuedAt) {
			position++
		}
	}
	return position
}

// window is the skill tolerance for a ticket, widening stepwise with wait
// time up to the cap.
func (s *Service) window(t *ticket, now time.Time) float64 {
	steps := math.Floor(now.Sub(t.enqueuedAt).Seconds() / s.cfg.WindowExpandEvery.Seconds())
	return math.Min(s.cfg.WindowCap, s.cfg.BaseWindow+s.cfg.WindowIncrement*steps)
}

// Process runs one matching pass: evict timed-out entries, then repeatedly
// seed a group from the longest-waiting ticket and fill it from compatible
// neighbors. Exposed for deterministic tests; the Start loop calls it.
func (s *Service) Process(now time.Time) {
	s.mu.Lock()

	for _, t := range s.timedOutLocked(now) {
		s.evictLocked(t)
		s.sender.Send(t.player.PlayerID, protocol.MatchmakingTimeout())
		log.Printf("⚠️ Matchmaking timeout for %s after %s", t.player.PlayerID, now.Sub(t.enqueuedAt).Round(time.Second))
	}

	seeds := make([]*ticket, 0, len(s.byPlayer))
	for _, t := range s.byPlayer {
		seeds = append(seeds, t)
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].enqueuedAt.Before(seeds[j].enqueuedAt) })

	// Longest-waiting seeds pick first; a seed that cannot match yet must
	// not block pairs forming behind it.
	var groups [][]*ticket
	for _, seed := range seeds {
		if _, queued := s.byPlayer[seed.player.PlayerID]; !queued {
			continue
		}
		group := s.collectLocked(seed, now)
		if len(group) < 2 {
			continue
		}
		for _, t := range group {
			s.evictLocked(t)
		}
		groups = append(groups, group)
	}
	s.mu.Unlock()

	for _, group := range groups {
		s.launch(group)
	}
}

func (s *Service) timedOutLocked(now time.Time) []*ticket {
	var out []*ticket
	for _, t := range s.byPlayer {
		if now.Sub(t.enqueuedAt) > s.cfg.MaxQueueWait {
			out = append(out, t)
		}
	}
	return out
}

// collectLocked gathers a group around the seed: same game and mode,
// rating within the seed's window, closest ratings first, capped at the
// requested size. Two compatible entries are enough to ship; the group
// never waits for a full lobby. Other regions join only once the seed has
// waited past the fallback threshold, and only under the latency ceiling.
func (s *Service) collectLocked(seed *ticket, now time.Time) []*ticket {
	window := s.window(seed, now)
	crossRegion := now.Sub(seed.enqueuedAt) >= s.cfg.CrossRegionAfter

	var candidates []*ticket
	for _, t := range s.byPlayer {
		if t == seed || t.gameID != seed.gameID || t.mode != seed.mode {
			continue
		}
		if math.Abs(t.rating-seed.rating) > window {
			continue
		}
		if t.region != seed.region {
			if !crossRegion || latencyBetween(seed.region, t.region) > s.cfg.MaxLatencyMs {
				continue
			}
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := math.Abs(candidates[i].rating - seed.rating)
		dj := math.Abs(candidates[j].rating - seed.rating)
		if di != dj {
			return di < dj
		}
		return candidates[i].enqueuedAt.Before(candidates[j].enqueuedAt)
	})

	if len(candidates) > seed.size-1 {
		candidates = candidates[:seed.size-1]
	}

	group := append([]*ticket{seed}, candidates...)
	sort.Slice(group, func(i, j int) bool { return group[i].enqueuedAt.Before(group[j].enqueuedAt) })
	return group
}

// launch turns a matched group into a live room and notifies everyone.
func (s *Service) launch(group []*ticket) {
	players := make([]platform.PlayerInfo, len(group))
	ratings := make(map[string]float64, len(group))
	regions := make([]string, len(group))
	for i, t := range group {
		info := t.player
		info.SkillRating = t.rating
		players[i] = info
		ratings[t.player.PlayerID] = t.rating
		regions[i] = t.region
	}
	gameID := group[0].gameID
	region := hostRegion(regions)

	view, matchID, err := s.rooms.CreateMatch(context.Background(), gameID, region, players, true)
	if err != nil {
		log.Printf("⚠️ Failed to create match room for %s: %v", gameID, err)
		for _, t := range group {
			s.Enqueue(t.player, protocol.QueueRanked{
				GameID: t.gameID, SkillRating: t.rating, Region: t.region,
				Mode: t.mode, MaxPlayers: t.size,
			})
		}
		return
	}

	s.mu.Lock()
	s.pending[matchID] = pendingMatch{gameID: gameID, ratings: ratings}
	s.mu.Unlock()

	frame := protocol.MatchFound(matchID, view, players)
	for _, p := range players {
		s.sender.Send(p.PlayerID, frame)
	}
	log.Printf("🎮 Match %s: %d players in %s, host region %s", matchID, len(players), gameID, region)
}

// HandleResult applies Elo updates for matches this service created.
// Register it as a finish hook on the room manager.
func (s *Service) HandleResult(res game.Result) {
	s.mu.Lock()
	p, ok := s.pending[res.MatchID]
	delete(s.pending, res.MatchID)
	s.mu.Unlock()
	if !ok {
		return
	}

	updated := eloUpdates(p.ratings, res.Placements, s.cfg.EloK, s.cfg.MinRating)
	ctx := context.Background()
	for id, rating := range updated {
		s.cache.ZAdd(ctx, ratingKey(p.gameID), id, rating)
		log.Printf("🎮 Rating %s: %.0f -> %.0f (%s)", id, p.ratings[id], rating, p.gameID)
	}
}

// QueueDepth reports the number of queued players.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPlayer)
}

// lookupRating prefers the cached post-match rating over the rating the
// client reported at enqueue time.
func (s *Service) lookupRating(gameID, playerID string, reported float64) float64 {
	if r, ok := s.cache.ZScore(context.Background(), ratingKey(gameID), playerID); ok {
		return r
	}
	if reported > 0 {
		return reported
	}
	return defaultRating
}

func ratingKey(gameID string) string { return "mmr:" + gameID }
