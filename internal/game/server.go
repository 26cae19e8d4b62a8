// Package game runs the authoritative per-room match simulation: a fixed
// tick loop that validates and applies buffered client inputs, maintains
// transient entities, evaluates end conditions and broadcasts state with
// per-player input acks for client reconciliation.
package game

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gamehub/internal/config"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
)

const (
	// MaxEntities caps live transient entities per match.
	MaxEntities = 64

	// MaxBufferedInputs caps pending inputs per player between ticks.
	MaxBufferedInputs = 128

	projectileSpeed = 20.0
)

// ErrNotYourTurn rejects an end-turn from anyone but the current player.
var ErrNotYourTurn = errors.New("not your turn")

// ErrUnknownAction rejects input types the simulation has no semantics for.
var ErrUnknownAction = errors.New("unknown action type")

// Guard validates inputs inline before application. A non-nil error rejects
// the input without applying it; the guard records its own flags.
type Guard interface {
	CheckInput(matchID string, player *PlayerState, in InputRecord, now time.Time) error
}

// Broadcaster delivers outbound frames to the room attached to a match.
type Broadcaster interface {
	Broadcast(frame protocol.Frame)
	SendTo(playerID string, frame protocol.Frame)
}

// ActionValidator is a pluggable per-action-type check run before the
// built-in semantics. A panicking validator skips only the offending input.
type ActionValidator func(state *MatchState, in InputRecord) error

// Result summarizes a finished match for rating updates and persistence.
type Result struct {
	MatchID    string
	GameID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Scores     map[string]int64
	Placements map[string]int // 1-based, by score descending
}

// Options tune one match instance beyond the global simulation defaults.
type Options struct {
	Genre     string // Picks the tick-rate preset
	TickRate  int    // Explicit override; wins over the genre preset
	TurnBased bool
}

// Server is the authoritative simulation for one active room. All state is
// owned by the server and mutated only inside its tick loop; everything
// handed outward is a deep copy.
type Server struct {
	mu    sync.Mutex
	cfg   config.SimulationConfig
	state *MatchState
	ring  *snapshotRing

	matchID   string
	gameID    string
	order     []string // Player iteration order, fixed at init (join order)
	turnBased bool
	tickRate  int

	inputs     map[string][]InputRecord
	validators map[string]ActionValidator

	guard       Guard
	broadcaster Broadcaster
	metrics     platform.Metrics
	onFinish    func(Result)

	ticker    *time.Ticker
	stopChan  chan struct{}
	running   bool
	destroyed sync.Once

	countdownLeft int
	startedAt     time.Time
	finishedAt    time.Time
}

// NewServer builds a simulation for the given players, assigning indices
// and initial state in join order.
func NewServer(cfg config.SimulationConfig, matchID, gameID string, playerIDs []string, opts Options) *Server {
	tickRate := TickRateForGenre(opts.Genre)
	if opts.TickRate > 0 {
		tickRate = opts.TickRate
	} else if opts.Genre == "" && cfg.DefaultTickRate > 0 {
		tickRate = cfg.DefaultTickRate
	}

	state := &MatchState{
		Phase:   PhaseWaiting,
		Players: make(map[string]*PlayerState, len(playerIDs)),
	}
	order := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		order[i] = id
		state.Players[id] = &PlayerState{
			PlayerID: id,
			Index:    i,
			Health:   100,
			Alive:    true,
		}
	}

	return &Server{
		cfg:        cfg,
		state:      state,
		ring:       newSnapshotRing(cfg.SnapshotRing),
		matchID:    matchID,
		gameID:     gameID,
		order:      order,
		turnBased:  opts.TurnBased,
		tickRate:   tickRate,
		inputs:     make(map[string][]InputRecord, len(playerIDs)),
		validators: make(map[string]ActionValidator),
		metrics:    platform.NopMetrics{},
		stopChan:   make(chan struct{}),
	}
}

// SetGuard installs the inline anti-cheat guard.
func (s *Server) SetGuard(g Guard) { s.guard = g }

// SetBroadcaster installs the outbound frame sink.
func (s *Server) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// SetMetrics installs the metrics sink.
func (s *Server) SetMetrics(m platform.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetOnFinish installs the callback invoked once when the match finishes.
func (s *Server) SetOnFinish(fn func(Result)) { s.onFinish = fn }

// RegisterValidator installs a pluggable validator for one action type.
func (s *Server) RegisterValidator(actionType string, v ActionValidator) {
	s.mu.Lock()
	s.validators[actionType] = v
	s.mu.Unlock()
}

// MatchID returns the match identifier.
func (s *Server) MatchID() string { return s.matchID }

// TickRate returns the simulation rate in Hz.
func (s *Server) TickRate() int { return s.tickRate }

// Start begins the tick loop. With a zero countdown the match enters
// playing immediately; otherwise it counts down first.
func (s *Server) Start() {
	s.mu.Lock()
	if s.running || s.state.Phase == PhaseFinished {
		s.mu.Unlock()
		return
	}
	s.running = true

	interval := time.Second / time.Duration(s.tickRate)
	if s.cfg.Countdown > 0 {
		s.state.Phase = PhaseCountdown
		s.countdownLeft = int(s.cfg.Countdown / interval)
	} else {
		s.state.Phase = PhasePlaying
		s.startedAt = time.Now()
	}
	// Assigned under the lock so a racing Destroy always sees the ticker.
	s.ticker = time.NewTicker(interval)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.step(time.Now())
			case <-s.stopChan:
				return
			}
		}
	}()

	log.Printf("🎮 Match %s started at %d TPS (%d players)", s.matchID, s.tickRate, len(s.order))
}

// SubmitInput buffers one client input for the next tick. Inputs arriving
// after the match finished are dropped.
func (s *Server) SubmitInput(playerID string, action protocol.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase == PhaseFinished {
		return errors.New("match finished")
	}
	if _, ok := s.state.Players[playerID]; !ok {
		return errors.Errorf("player %s not in match", playerID)
	}
	if len(s.inputs[playerID]) >= MaxBufferedInputs {
		return errors.New("input buffer full")
	}

	s.inputs[playerID] = append(s.inputs[playerID], InputRecord{
		PlayerID:   playerID,
		Seq:        action.Seq,
		Type:       action.Type,
		Data:       action.Data,
		ReceivedAt: time.Now(),
		Tick:       s.state.Tick,
	})
	return nil
}

// Pause suspends ticking without tearing down state.
func (s *Server) Pause() {
	s.mu.Lock()
	if s.state.Phase == PhasePlaying {
		s.state.Phase = PhasePaused
	}
	s.mu.Unlock()
}

// Resume continues a paused match.
func (s *Server) Resume() {
	s.mu.Lock()
	if s.state.Phase == PhasePaused {
		s.state.Phase = PhasePlaying
	}
	s.mu.Unlock()
}

// Finish ends the match now. Used for forced teardown and host-initiated end.
func (s *Server) Finish() {
	s.mu.Lock()
	if s.state.Phase == PhaseFinished {
		s.mu.Unlock()
		return
	}
	s.finish(time.Now())
	s.mu.Unlock()
}

// Destroy stops the timer and releases resources. Idempotent; safe to call
// both at natural match end and on forced teardown.
func (s *Server) Destroy() {
	s.destroyed.Do(func() {
		s.mu.Lock()
		if s.state.Phase != PhaseFinished {
			s.state.Phase = PhaseFinished
		}
		s.running = false
		ticker := s.ticker
		s.mu.Unlock()

		if ticker != nil {
			ticker.Stop()
		}
		close(s.stopChan)
		log.Printf("🛑 Match %s simulation destroyed", s.matchID)
	})
}

// Phase returns the current lifecycle phase.
func (s *Server) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// State returns a deep copy of the current state.
func (s *Server) State() *MatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Rollback replaces the live state with the snapshot taken at the given
// tick. The restore is a deep copy; the ring's snapshot stays untouched.
func (s *Server) Rollback(tick uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.ring.at(tick)
	if snap == nil {
		return errors.Errorf("no snapshot for tick %d", tick)
	}
	s.state = snap.Clone()
	return nil
}

// step runs one simulation cycle. Split from the ticker loop so tests can
// drive the clock explicitly.
func (s *Server) step(now time.Time) {
	start := time.Now()
	s.mu.Lock()

	switch s.state.Phase {
	case PhaseCountdown:
		s.countdownLeft--
		if s.countdownLeft <= 0 {
			s.state.Phase = PhasePlaying
			s.startedAt = now
		}
		s.broadcastState()
		s.mu.Unlock()
		return
	case PhasePlaying:
		// Processed below.
	default:
		s.mu.Unlock()
		return
	}

	// 1. Snapshot for rollback, keyed by the current tick.
	s.ring.push(s.state)

	// 2. Drain buffered inputs.
	pending := s.inputs
	s.inputs = make(map[string][]InputRecord, len(s.order))

	// 3. Apply inputs deterministically: players in join order, each
	// player's inputs in arrival order. Anti-cheat auditing replays this
	// order, so it must be stable for a given build.
	for _, playerID := range s.order {
		for _, in := range pending[playerID] {
			s.applyInput(in, now)
		}
	}

	// 4. Simulation maintenance.
	s.advanceEntities()

	// 5. End conditions.
	if reason := s.endReason(now); reason != "" {
		log.Printf("🏁 Match %s over: %s", s.matchID, reason)
		s.finish(now)
		s.mu.Unlock()
		s.metrics.ObserveTick(time.Since(start))
		return
	}

	// 6. Broadcast, then advance the tick counter. Broadcast for tick N
	// completes before tick N+1 begins; the loop is single-threaded and
	// the per-connection sends never block it.
	s.broadcastState()
	s.state.Tick++

	s.mu.Unlock()
	s.metrics.ObserveTick(time.Since(start))
}

// applyInput validates one input and applies its semantics. Called with the
// lock held.
func (s *Server) applyInput(in InputRecord, now time.Time) {
	player, ok := s.state.Players[in.PlayerID]
	if !ok {
		return
	}

	if v, ok := s.validators[in.Type]; ok {
		if err := s.runValidator(v, in); err != nil {
			s.reject(in, err, false)
			return
		}
	}

	if s.guard != nil {
		if err := s.guard.CheckInput(s.matchID, player, in, now); err != nil {
			// Anti-cheat rejections are silent: flagged, never applied,
			// no error frame back to the sender.
			s.reject(in, err, true)
			return
		}
	}

	if err := s.applySemantics(player, in); err != nil {
		s.reject(in, err, false)
		return
	}

	player.LastSeq = in.Seq
	s.metrics.IncInputApplied()
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(protocol.GameActionResult(in.PlayerID, map[string]interface{}{
			"type": in.Type,
			"seq":  in.Seq,
			"ok":   true,
		}))
	}
}

// runValidator isolates pluggable validators: a panic rejects the single
// input and the tick continues.
func (s *Server) runValidator(v ActionValidator, in InputRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ Validator panic for %s action %q: %v", in.PlayerID, in.Type, r)
			err = errors.Errorf("validator failure: %v", r)
		}
	}()
	return v(s.state, in)
}

func (s *Server) reject(in InputRecord, cause error, silent bool) {
	log.Printf("🚫 Rejected %s input from %s (seq %d): %v", in.Type, in.PlayerID, in.Seq, cause)
	s.metrics.IncInputRejected(in.Type)
	if !silent && s.broadcaster != nil {
		s.broadcaster.SendTo(in.PlayerID, protocol.ErrorFrame(fmt.Sprintf("action rejected: %v", cause)))
	}
}

// applySemantics performs the built-in effect of one validated input.
func (s *Server) applySemantics(player *PlayerState, in InputRecord) error {
	switch in.Type {
	case "move":
		dx := numField(in.Data, "dx")
		dy := numField(in.Data, "dy")
		// Clamp to the per-tick displacement cap. The guard rejects gross
		// violations before this; the clamp holds the invariant regardless.
		if dist := math.Hypot(dx, dy); dist > s.cfg.MaxMovePerTick && dist > 0 {
			scale := s.cfg.MaxMovePerTick / dist
			dx *= scale
			dy *= scale
		}
		player.X += dx
		player.Y += dy
		player.VX = dx * float64(s.tickRate)
		player.VY = dy * float64(s.tickRate)
	case "shoot":
		if len(s.state.Entities) >= MaxEntities {
			return errors.New("entity limit reached")
		}
		dirX := numField(in.Data, "dirX")
		dirY := numField(in.Data, "dirY")
		if mag := math.Hypot(dirX, dirY); mag > 0 {
			dirX /= mag
			dirY /= mag
		}
		ttlTicks := uint64(s.cfg.EntityTTL.Seconds() * float64(s.tickRate))
		s.state.Entities = append(s.state.Entities, &Entity{
			ID:          uuid.NewString(),
			OwnerID:     player.PlayerID,
			Kind:        "projectile",
			X:           player.X,
			Y:           player.Y,
			VX:          dirX * projectileSpeed,
			VY:          dirY * projectileSpeed,
			SpawnedTick: s.state.Tick,
			ExpiresTick: s.state.Tick + ttlTicks,
		})
	case "end_turn":
		if !s.turnBased {
			return ErrUnknownAction
		}
		if s.state.Turn != player.Index {
			return ErrNotYourTurn
		}
		s.state.Turn = (s.state.Turn + 1) % len(s.order)
		if s.state.Turn == 0 {
			s.state.Round++
		}
	case "set_data":
		key, _ := in.Data["key"].(string)
		if key == "" {
			return errors.New("set_data requires a key")
		}
		if player.Custom == nil {
			player.Custom = make(map[string]interface{})
		}
		player.Custom[key] = in.Data["value"]
	case "score":
		delta := int64(numField(in.Data, "delta"))
		if delta > s.cfg.ScoreDeltaCap {
			delta = s.cfg.ScoreDeltaCap
		}
		if delta < -s.cfg.ScoreDeltaCap {
			delta = -s.cfg.ScoreDeltaCap
		}
		player.Score += delta
	default:
		return ErrUnknownAction
	}
	return nil
}

// advanceEntities moves transient entities and expires stale ones in place.
func (s *Server) advanceEntities() {
	n := 0
	for _, e := range s.state.Entities {
		if s.state.Tick >= e.ExpiresTick {
			continue
		}
		e.X += e.VX / float64(s.tickRate)
		e.Y += e.VY / float64(s.tickRate)
		s.state.Entities[n] = e
		n++
	}
	s.state.Entities = s.state.Entities[:n]
}

// endReason reports why the match should stop now, or "".
func (s *Server) endReason(now time.Time) string {
	if s.cfg.RoundLimit > 0 && s.state.Round >= s.cfg.RoundLimit {
		return "round limit reached"
	}
	if len(s.order) > 1 && s.state.aliveCount() <= 1 {
		return "last player standing"
	}
	if s.cfg.MaxMatchDuration > 0 && !s.startedAt.IsZero() && now.Sub(s.startedAt) > s.cfg.MaxMatchDuration {
		return "match duration exceeded"
	}
	return ""
}

// finish transitions to the terminal phase, broadcasts the final state and
// scores, and notifies the owner. Called with the lock held.
func (s *Server) finish(now time.Time) {
	s.state.Phase = PhaseFinished
	s.finishedAt = now

	s.broadcastState()

	scores := make(map[string]int64, len(s.order))
	for id, p := range s.state.Players {
		scores[id] = p.Score
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(protocol.GameOver(scores))
	}

	if s.onFinish != nil {
		result := Result{
			MatchID:    s.matchID,
			GameID:     s.gameID,
			StartedAt:  s.startedAt,
			FinishedAt: now,
			Scores:     scores,
			Placements: placements(s.order, scores),
		}
		// The callback tears the room down and touches external stores;
		// keep it off the tick path.
		go s.onFinish(result)
	}
	go s.Destroy()
}

// placements ranks players 1-based by score descending, join order breaking
// ties deterministically.
func placements(order []string, scores map[string]int64) map[string]int {
	ranked := make([]string, len(order))
	copy(ranked, order)
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && scores[ranked[j]] > scores[ranked[j-1]]; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	out := make(map[string]int, len(ranked))
	for i, id := range ranked {
		out[id] = i + 1
	}
	return out
}

// broadcastState sends the authoritative snapshot plus per-player acks.
// Called with the lock held; the clone keeps receivers off live state.
func (s *Server) broadcastState() {
	if s.broadcaster == nil {
		return
	}
	acks := make(map[string]uint64, len(s.state.Players))
	for id, p := range s.state.Players {
		acks[id] = p.LastSeq
	}
	s.broadcaster.Broadcast(protocol.StateSync(s.state.Tick, string(s.state.Phase), s.state.Clone(), acks))
}

func numField(data map[string]interface{}, key string) float64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
