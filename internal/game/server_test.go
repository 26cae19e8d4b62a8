package game

import (
	"encoding/json"
	"testing"
	"time"

	"gamehub/internal/config"
	"gamehub/internal/protocol"
)

// captureBroadcaster records every frame the simulation emits.
type captureBroadcaster struct {
	broadcasts []protocol.Frame
	direct     map[string][]protocol.Frame
}

func newCapture() *captureBroadcaster {
	return &captureBroadcaster{direct: make(map[string][]protocol.Frame)}
}

func (c *captureBroadcaster) Broadcast(frame protocol.Frame) {
	c.broadcasts = append(c.broadcasts, frame)
}

func (c *captureBroadcaster) SendTo(playerID string, frame protocol.Frame) {
	c.direct[playerID] = append(c.direct[playerID], frame)
}

type syncFrame struct {
	Type  string            `json:"type"`
	Tick  uint64            `json:"tick"`
	Phase string            `json:"phase"`
	Acks  map[string]uint64 `json:"acks"`
}

// stateSyncs decodes the tick/acks of every state_sync frame captured.
func (c *captureBroadcaster) stateSyncs(t *testing.T) []syncFrame {
	t.Helper()
	var out []syncFrame
	for _, f := range c.broadcasts {
		var frame syncFrame
		if err := json.Unmarshal(f, &frame); err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		if frame.Type == "state_sync" {
			out = append(out, frame)
		}
	}
	return out
}

func testSimConfig() config.SimulationConfig {
	cfg := config.DefaultSimulation()
	cfg.Countdown = 0
	return cfg
}

// newPlayingServer builds a server in the playing phase without starting
// the wall-clock ticker, so tests drive step explicitly.
func newPlayingServer(t *testing.T, players ...string) (*Server, *captureBroadcaster) {
	t.Helper()
	s := NewServer(testSimConfig(), "m1", "arena", players, Options{})
	b := newCapture()
	s.SetBroadcaster(b)
	s.state.Phase = PhasePlaying
	s.startedAt = time.Now()
	return s, b
}

// TestTickMonotonic verifies ticks are broadcast strictly in order with no
// gaps while the match is playing.
func TestTickMonotonic(t *testing.T) {
	s, b := newPlayingServer(t, "p1", "p2")

	now := time.Now()
	for i := 0; i < 5; i++ {
		s.step(now)
	}

	syncs := b.stateSyncs(t)
	if len(syncs) != 5 {
		t.Fatalf("expected 5 state_sync frames, got %d", len(syncs))
	}
	for i, sync := range syncs {
		if sync.Tick != uint64(i) {
			t.Errorf("frame %d has tick %d, want %d", i, sync.Tick, i)
		}
	}
}

// TestMoveApplied verifies a legal move updates position and the per-player
// ack advances to the applied sequence number.
func TestMoveApplied(t *testing.T) {
	s, b := newPlayingServer(t, "p1", "p2")

	err := s.SubmitInput("p1", protocol.Action{
		Type: "move",
		Seq:  7,
		Data: map[string]interface{}{"dx": 3.0, "dy": 4.0},
	})
	if err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}
	s.step(time.Now())

	state := s.State()
	p := state.Players["p1"]
	if p.X != 3 || p.Y != 4 {
		t.Errorf("position (%.1f, %.1f), want (3, 4)", p.X, p.Y)
	}
	if p.LastSeq != 7 {
		t.Errorf("LastSeq %d, want 7", p.LastSeq)
	}

	syncs := b.stateSyncs(t)
	if got := syncs[len(syncs)-1].Acks["p1"]; got != 7 {
		t.Errorf("broadcast ack %d, want 7", got)
	}
}

// TestMoveClampedWithoutGuard verifies the built-in displacement clamp when
// no guard is installed.
func TestMoveClampedWithoutGuard(t *testing.T) {
	s, _ := newPlayingServer(t, "p1", "p2")

	s.SubmitInput("p1", protocol.Action{
		Type: "move",
		Seq:  1,
		Data: map[string]interface{}{"dx": 30.0, "dy": 40.0},
	})
	s.step(time.Now())

	p := s.State().Players["p1"]
	// Magnitude 50 clamped to 10: direction preserved, so (6, 8).
	if p.X != 6 || p.Y != 8 {
		t.Errorf("position (%.1f, %.1f), want (6, 8)", p.X, p.Y)
	}
}

// rejectingGuard rejects every input it sees.
type rejectingGuard struct{ calls int }

func (g *rejectingGuard) CheckInput(string, *PlayerState, InputRecord, time.Time) error {
	g.calls++
	return ErrUnknownAction
}

// TestGuardRejectionSilent verifies a guard-rejected input leaves position
// and acks untouched and sends no error frame to the player.
func TestGuardRejectionSilent(t *testing.T) {
	s, b := newPlayingServer(t, "p1", "p2")
	guard := &rejectingGuard{}
	s.SetGuard(guard)

	s.SubmitInput("p1", protocol.Action{
		Type: "move",
		Seq:  9,
		Data: map[string]interface{}{"dx": 50.0, "dy": 0.0},
	})
	s.step(time.Now())

	if guard.calls != 1 {
		t.Fatalf("guard called %d times, want 1", guard.calls)
	}
	p := s.State().Players["p1"]
	if p.X != 0 || p.Y != 0 {
		t.Errorf("position moved to (%.1f, %.1f) despite rejection", p.X, p.Y)
	}
	if p.LastSeq != 0 {
		t.Errorf("LastSeq advanced to %d despite rejection", p.LastSeq)
	}
	if len(b.direct["p1"]) != 0 {
		t.Errorf("expected no direct frames for a silent rejection, got %d", len(b.direct["p1"]))
	}
}

// TestUnknownActionRejected verifies an unknown action type is rejected
// with an error frame back to the sender.
func TestUnknownActionRejected(t *testing.T) {
	s, b := newPlayingServer(t, "p1", "p2")

	s.SubmitInput("p1", protocol.Action{Type: "fly", Seq: 1})
	s.step(time.Now())

	if len(b.direct["p1"]) != 1 {
		t.Fatalf("expected 1 error frame, got %d", len(b.direct["p1"]))
	}
	if s.State().Players["p1"].LastSeq != 0 {
		t.Error("LastSeq advanced for a rejected input")
	}
}

// TestLastPlayerStanding verifies the match ends when one player remains
// alive and placements rank by score.
func TestLastPlayerStanding(t *testing.T) {
	s, b := newPlayingServer(t, "p1", "p2")

	results := make(chan Result, 1)
	s.SetOnFinish(func(r Result) { results <- r })

	s.SubmitInput("p1", protocol.Action{
		Type: "score",
		Seq:  1,
		Data: map[string]interface{}{"delta": 50.0},
	})
	s.state.Players["p2"].Alive = false
	s.step(time.Now())

	if s.Phase() != PhaseFinished {
		t.Fatalf("phase %s, want finished", s.Phase())
	}

	var res Result
	select {
	case res = <-results:
	case <-time.After(time.Second):
		t.Fatal("onFinish never fired")
	}
	if res.Placements["p1"] != 1 || res.Placements["p2"] != 2 {
		t.Errorf("placements %v, want p1=1 p2=2", res.Placements)
	}
	if res.Scores["p1"] != 50 {
		t.Errorf("score %d, want 50", res.Scores["p1"])
	}

	var sawGameOver bool
	for _, f := range b.broadcasts {
		var frame struct {
			Type string `json:"type"`
		}
		json.Unmarshal(f, &frame)
		if frame.Type == "game_over" {
			sawGameOver = true
		}
	}
	if !sawGameOver {
		t.Error("no game_over frame broadcast")
	}
}

// TestTurnOrder verifies end_turn is rejected out of turn and advances the
// round when the rotation wraps.
func TestTurnOrder(t *testing.T) {
	s := NewServer(testSimConfig(), "m1", "chess", []string{"p1", "p2"}, Options{TurnBased: true})
	b := newCapture()
	s.SetBroadcaster(b)
	s.state.Phase = PhasePlaying
	s.startedAt = time.Now()

	// p2 moves first out of turn, then both end their turns in order.
	s.SubmitInput("p2", protocol.Action{Type: "end_turn", Seq: 1})
	s.step(time.Now())
	if s.State().Turn != 0 {
		t.Fatalf("turn advanced by out-of-turn input")
	}

	s.SubmitInput("p1", protocol.Action{Type: "end_turn", Seq: 1})
	s.step(time.Now())
	s.SubmitInput("p2", protocol.Action{Type: "end_turn", Seq: 2})
	s.step(time.Now())

	state := s.State()
	if state.Turn != 0 {
		t.Errorf("turn %d after full rotation, want 0", state.Turn)
	}
	if state.Round != 1 {
		t.Errorf("round %d after full rotation, want 1", state.Round)
	}
}

// TestRollback verifies a snapshot restore rewinds live state.
func TestRollback(t *testing.T) {
	s, _ := newPlayingServer(t, "p1", "p2")

	s.step(time.Now()) // snapshot tick 0
	s.SubmitInput("p1", protocol.Action{
		Type: "move",
		Seq:  1,
		Data: map[string]interface{}{"dx": 5.0, "dy": 0.0},
	})
	s.step(time.Now())

	if err := s.Rollback(0); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	p := s.State().Players["p1"]
	if p.X != 0 {
		t.Errorf("X %.1f after rollback, want 0", p.X)
	}

	if err := s.Rollback(99); err == nil {
		t.Error("expected error for missing snapshot")
	}
}

// TestSubmitInputLifecycle verifies submissions are refused after finish
// and for unknown players.
func TestSubmitInputLifecycle(t *testing.T) {
	s, _ := newPlayingServer(t, "p1", "p2")

	if err := s.SubmitInput("ghost", protocol.Action{Type: "move", Seq: 1}); err == nil {
		t.Error("expected error for unknown player")
	}

	s.Finish()
	if err := s.SubmitInput("p1", protocol.Action{Type: "move", Seq: 2}); err == nil {
		t.Error("expected error after finish")
	}
}

// TestProjectileLifecycle verifies shoot spawns an entity that moves and
// expires after its TTL.
func TestProjectileLifecycle(t *testing.T) {
	s, _ := newPlayingServer(t, "p1", "p2")
	s.cfg.EntityTTL = 100 * time.Millisecond

	s.SubmitInput("p1", protocol.Action{
		Type: "shoot",
		Seq:  1,
		Data: map[string]interface{}{"dirX": 1.0, "dirY": 0.0},
	})
	s.step(time.Now())

	state := s.State()
	if len(state.Entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(state.Entities))
	}
	if state.Entities[0].X <= 0 {
		t.Error("projectile did not advance")
	}

	ttlTicks := int(s.cfg.EntityTTL.Seconds()*float64(s.tickRate)) + 1
	for i := 0; i < ttlTicks; i++ {
		s.step(time.Now())
	}
	if n := len(s.State().Entities); n != 0 {
		t.Errorf("expected expired projectile, %d entities remain", n)
	}
}

// TestDestroyRacesStart tears a server down while it is starting and
// verifies the ticker never outlives Destroy.
func TestDestroyRacesStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := NewServer(testSimConfig(), "m1", "arena", []string{"p1", "p2"}, Options{})
		s.SetBroadcaster(newCapture())

		done := make(chan struct{})
		go func() {
			s.Start()
			close(done)
		}()
		s.Destroy()
		<-done

		if s.Phase() != PhaseFinished {
			t.Fatalf("phase %v after destroy, want finished", s.Phase())
		}
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			t.Fatal("server still running after destroy")
		}
		s.Destroy()
	}
}
