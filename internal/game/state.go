package game

import (
	"time"
)

// Phase is the lifecycle state of one match simulation.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseCountdown Phase = "countdown"
	PhasePlaying   Phase = "playing"
	PhasePaused    Phase = "paused"
	PhaseFinished  Phase = "finished"
)

// Tick-rate presets by game genre. An explicit override in RoomOptions wins.
const (
	TickRateTurnBased = 20
	TickRateStandard  = 30
	TickRateAction    = 60
)

// TickRateForGenre maps a genre tag to its preset rate.
func TickRateForGenre(genre string) int {
	switch genre {
	case "turn_based", "puzzle", "card":
		return TickRateTurnBased
	case "action", "racing", "shooter":
		return TickRateAction
	default:
		return TickRateStandard
	}
}

// PlayerState is the authoritative per-player state within a match.
type PlayerState struct {
	PlayerID string                 `json:"playerId"`
	Index    int                    `json:"index"`
	X        float64                `json:"x"`
	Y        float64                `json:"y"`
	VX       float64                `json:"vx"`
	VY       float64                `json:"vy"`
	Health   int                    `json:"health"`
	Score    int64                  `json:"score"`
	Alive    bool                   `json:"alive"`
	LastSeq  uint64                 `json:"lastSeq"` // Seq of the most recently applied input
	Custom   map[string]interface{} `json:"custom,omitempty"`
}

func (p *PlayerState) clone() *PlayerState {
	cp := *p
	if p.Custom != nil {
		cp.Custom = make(map[string]interface{}, len(p.Custom))
		for k, v := range p.Custom {
			cp.Custom[k] = v
		}
	}
	return &cp
}

// Entity is a transient simulation object, e.g. a projectile.
type Entity struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"ownerId"`
	Kind        string  `json:"kind"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	VX          float64 `json:"vx"`
	VY          float64 `json:"vy"`
	SpawnedTick uint64  `json:"spawnedTick"`
	ExpiresTick uint64  `json:"expiresTick"`
}

// MatchState is the full authoritative state of one match. It is owned
// exclusively by the match's Server; everything handed outward is a clone.
type MatchState struct {
	Tick     uint64                  `json:"tick"`
	Phase    Phase                   `json:"phase"`
	Players  map[string]*PlayerState `json:"players"`
	Entities []*Entity               `json:"entities,omitempty"`
	Turn     int                     `json:"turn"`
	Round    int                     `json:"round"`
}

// Clone returns an independent deep copy. Snapshots and rollback depend on
// the copy sharing nothing with the live state.
func (s *MatchState) Clone() *MatchState {
	cp := &MatchState{
		Tick:    s.Tick,
		Phase:   s.Phase,
		Players: make(map[string]*PlayerState, len(s.Players)),
		Turn:    s.Turn,
		Round:   s.Round,
	}
	for id, p := range s.Players {
		cp.Players[id] = p.clone()
	}
	if len(s.Entities) > 0 {
		cp.Entities = make([]*Entity, len(s.Entities))
		for i, e := range s.Entities {
			ec := *e
			cp.Entities[i] = &ec
		}
	}
	return cp
}

// aliveCount returns the number of players still alive.
func (s *MatchState) aliveCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Alive {
			n++
		}
	}
	return n
}

// InputRecord is one buffered client input awaiting its tick.
type InputRecord struct {
	PlayerID   string
	Seq        uint64
	Type       string
	Data       map[string]interface{}
	ReceivedAt time.Time
	Tick       uint64 // Tick during which the input arrived
}

// snapshotRing is a bounded ring buffer of deep-copied states for rollback.
// The oldest snapshot is evicted once the ring is full.
type snapshotRing struct {
	slots []*MatchState
	next  int
}

func newSnapshotRing(size int) *snapshotRing {
	if size < 1 {
		size = 1
	}
	return &snapshotRing{slots: make([]*MatchState, size)}
}

func (r *snapshotRing) push(s *MatchState) {
	r.slots[r.next] = s.Clone()
	r.next = (r.next + 1) % len(r.slots)
}

// at returns the snapshot taken at the given tick, or nil if it has been
// evicted or never existed.
func (r *snapshotRing) at(tick uint64) *MatchState {
	for _, s := range r.slots {
		if s != nil && s.Tick == tick {
			return s
		}
	}
	return nil
}
