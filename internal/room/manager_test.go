package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gamehub/internal/config"
	"gamehub/internal/game"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
)

// fakeSender records frames per player; players in offline report
// unreachable.
type fakeSender struct {
	mu      sync.Mutex
	frames  map[string][]protocol.Frame
	offline map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		frames:  make(map[string][]protocol.Frame),
		offline: make(map[string]bool),
	}
}

func (s *fakeSender) Send(playerID string, frame protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline[playerID] {
		return false
	}
	s.frames[playerID] = append(s.frames[playerID], frame)
	return true
}

func (s *fakeSender) frameTypes(t *testing.T, playerID string) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var types []string
	for _, f := range s.frames[playerID] {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

func (s *fakeSender) hasFrame(t *testing.T, playerID, frameType string) bool {
	for _, ft := range s.frameTypes(t, playerID) {
		if ft == frameType {
			return true
		}
	}
	return false
}

func player(id string) platform.PlayerInfo {
	return platform.PlayerInfo{PlayerID: id, DisplayName: "Player " + id}
}

func newTestManager(t *testing.T) (*Manager, *fakeSender, *platform.MemoryStore) {
	t.Helper()
	sender := newFakeSender()
	cache := platform.NewMemoryCache()
	store := platform.NewMemoryStore()

	simCfg := config.DefaultSimulation()
	simCfg.Countdown = 0

	m := NewManager(config.DefaultRoom(), simCfg, sender, cache, store, nil, nil)
	t.Cleanup(func() {
		m.Close()
		cache.Close()
	})
	return m, sender, store
}

// TestCreateAndJoin covers the basic membership flow and its error cases.
func TestCreateAndJoin(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ctx := context.Background()

	view, err := m.Create(ctx, player("host"), "arena", 2, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if view.HostID != "host" || len(view.Players) != 1 || !view.Players[0].IsHost {
		t.Errorf("unexpected creator view: %+v", view)
	}

	if _, err := m.Join(ctx, player("p2"), "nope"); err != ErrRoomNotFound {
		t.Errorf("join missing room: %v, want ErrRoomNotFound", err)
	}

	view, err = m.Join(ctx, player("p2"), view.ID)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(view.Players) != 2 {
		t.Fatalf("members %d, want 2", len(view.Players))
	}
	if !sender.hasFrame(t, "host", "player_joined") {
		t.Error("host never saw player_joined")
	}

	if _, err := m.Join(ctx, player("p2"), view.ID); err != ErrAlreadyInRoom {
		t.Errorf("rejoin: %v, want ErrAlreadyInRoom", err)
	}
	if _, err := m.Join(ctx, player("p3"), view.ID); err != ErrRoomFull {
		t.Errorf("join full room: %v, want ErrRoomFull", err)
	}
}

// TestJoinReleasesPriorRoom verifies a player occupies at most one room.
func TestJoinReleasesPriorRoom(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.Join(ctx, player("p2"), a.ID)
	b, _ := m.Create(ctx, player("other"), "arena", 4, false)

	if _, err := m.Join(ctx, player("p2"), b.ID); err != nil {
		t.Fatalf("Join second room: %v", err)
	}

	viewA, _ := m.Get(a.ID)
	if len(viewA.Players) != 1 {
		t.Errorf("first room still has %d members, want 1", len(viewA.Players))
	}
	if roomID, _ := m.RoomOf("p2"); roomID != b.ID {
		t.Errorf("p2 tracked in %s, want %s", roomID, b.ID)
	}
}

// TestHostTransfer verifies the earliest-joined member inherits the room
// when the host leaves, and the empty room is destroyed.
func TestHostTransfer(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ctx := context.Background()

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.Join(ctx, player("p2"), view.ID)
	m.Join(ctx, player("p3"), view.ID)

	if err := m.Leave(ctx, "host"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	updated, ok := m.Get(view.ID)
	if !ok {
		t.Fatal("room destroyed with members remaining")
	}
	if updated.HostID != "p2" {
		t.Errorf("host %s, want p2 (earliest joined)", updated.HostID)
	}
	if !sender.hasFrame(t, "p3", "player_left") {
		t.Error("remaining member never saw player_left")
	}

	m.Leave(ctx, "p2")
	m.Leave(ctx, "p3")
	if _, ok := m.Get(view.ID); ok {
		t.Error("empty room not destroyed")
	}

	if err := m.Leave(ctx, "p3"); err != ErrNotInRoom {
		t.Errorf("leave twice: %v, want ErrNotInRoom", err)
	}
}

// TestStartGamePreconditions covers every refusal ahead of a launch, then
// a successful one.
func TestStartGamePreconditions(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ctx := context.Background()

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)

	if err := m.StartGame(ctx, "host"); err != ErrNotEnoughPlayers {
		t.Errorf("solo start: %v, want ErrNotEnoughPlayers", err)
	}

	m.Join(ctx, player("p2"), view.ID)
	if err := m.StartGame(ctx, "p2"); err != ErrNotHost {
		t.Errorf("non-host start: %v, want ErrNotHost", err)
	}
	if err := m.StartGame(ctx, "host"); err != ErrNotAllReady {
		t.Errorf("unready start: %v, want ErrNotAllReady", err)
	}

	// The host never readies up; the start request is their intent.
	m.SetReady(ctx, "p2", true)
	if err := m.StartGame(ctx, "host"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	updated, _ := m.Get(view.ID)
	if updated.State != StatePlaying {
		t.Errorf("state %s, want playing", updated.State)
	}
	if !sender.hasFrame(t, "p2", "game_started") {
		t.Error("member never saw game_started")
	}

	if err := m.StartGame(ctx, "host"); err != ErrGameInProgress {
		t.Errorf("double start: %v, want ErrGameInProgress", err)
	}
	if _, err := m.Join(ctx, player("late"), view.ID); err != ErrGameInProgress {
		t.Errorf("join running room: %v, want ErrGameInProgress", err)
	}
}

// TestStartFinishedRoom distinguishes a finished room from a running one.
func TestStartFinishedRoom(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.Join(ctx, player("p2"), view.ID)

	m.mu.Lock()
	m.rooms[view.ID].State = StateFinished
	m.mu.Unlock()

	if err := m.StartGame(ctx, "host"); err != ErrGameFinished {
		t.Errorf("start after finish: %v, want ErrGameFinished", err)
	}
}

// TestActionForwarding verifies inputs reach the simulation only while a
// game runs.
func TestActionForwarding(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Action("ghost", protocol.Action{Type: "move"}); err != ErrNotInRoom {
		t.Errorf("action outside room: %v, want ErrNotInRoom", err)
	}

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.Join(ctx, player("p2"), view.ID)
	if err := m.Action("host", protocol.Action{Type: "move"}); err != ErrNoActiveGame {
		t.Errorf("action before start: %v, want ErrNoActiveGame", err)
	}

	m.SetReady(ctx, "p2", true)
	m.StartGame(ctx, "host")

	if err := m.Action("host", protocol.Action{Type: "move", Seq: 1}); err != nil {
		t.Errorf("action during game: %v", err)
	}
}

// TestSetReadyTolerant verifies readiness is idempotent and a no-op for
// players outside any room.
func TestSetReadyTolerant(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.SetReady(ctx, "nobody", true); err != nil {
		t.Errorf("ready outside a room: %v, want nil", err)
	}

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.Join(ctx, player("p2"), view.ID)
	m.SetReady(ctx, "p2", true)
	before := len(sender.frameTypes(t, "host"))

	// Repeating the current value must not rebroadcast.
	m.SetReady(ctx, "p2", true)
	if after := len(sender.frameTypes(t, "host")); after != before {
		t.Errorf("idempotent ready rebroadcast: %d frames, was %d", after, before)
	}

	updated, _ := m.Get(view.ID)
	for _, p := range updated.Players {
		if p.PlayerID == "p2" && !p.IsReady {
			t.Error("ready flag lost")
		}
	}
}

// TestChatLimits covers length and flood control.
func TestChatLimits(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ctx := context.Background()

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.Join(ctx, player("p2"), view.ID)

	long := make([]byte, config.DefaultRoom().MaxChatBytes+1)
	if err := m.Chat(ctx, "host", string(long)); err != ErrChatTooLong {
		t.Errorf("oversized chat: %v, want ErrChatTooLong", err)
	}

	for i := 0; i < chatBurst; i++ {
		if err := m.Chat(ctx, "host", "hello"); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	if err := m.Chat(ctx, "host", "one too many"); err != ErrChatRateLimited {
		t.Errorf("flood chat: %v, want ErrChatRateLimited", err)
	}
	if !sender.hasFrame(t, "p2", "chat") {
		t.Error("member never received chat relay")
	}
}

// TestFindOrCreate verifies casual matching joins the oldest open room and
// creates one when none fits.
func TestFindOrCreate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.FindOrCreate(ctx, player("p1"), "arena")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if len(first.Players) != 1 {
		t.Fatalf("fresh room has %d members", len(first.Players))
	}

	second, err := m.FindOrCreate(ctx, player("p2"), "arena")
	if err != nil {
		t.Fatalf("FindOrCreate second: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("p2 landed in %s, want existing %s", second.ID, first.ID)
	}

	// A different game never shares the room.
	other, _ := m.FindOrCreate(ctx, player("p3"), "chess")
	if other.ID == first.ID {
		t.Error("different game joined the same room")
	}
}

// TestCreateMatch verifies matchmade rooms start immediately with everyone
// seated and ready.
func TestCreateMatch(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ctx := context.Background()

	view, matchID, err := m.CreateMatch(ctx, "arena", "eu-west", []platform.PlayerInfo{player("a"), player("b")}, true)
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if matchID == "" {
		t.Error("empty match id")
	}
	if view.State != StatePlaying || !view.Ranked || !view.IsPrivate {
		t.Errorf("unexpected match room: %+v", view)
	}
	if view.Region != "eu-west" {
		t.Errorf("region %q, want eu-west", view.Region)
	}
	if view.HostID != "a" {
		t.Errorf("host %s, want first player", view.HostID)
	}
	for _, p := range view.Players {
		if !p.IsReady {
			t.Errorf("player %s not ready", p.PlayerID)
		}
	}
	if !sender.hasFrame(t, "b", "game_started") {
		t.Error("player never saw game_started")
	}
}

// TestHandleResult verifies a finished match is persisted, the room is
// marked finished, and registered hooks fire.
func TestHandleResult(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	hookResults := make(chan game.Result, 1)
	m.OnFinish(func(r game.Result) { hookResults <- r })

	view, matchID, err := m.CreateMatch(ctx, "arena", "us-east", []platform.PlayerInfo{player("a"), player("b")}, true)
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	// Stop the live simulation so the injected result is the only one.
	m.mu.Lock()
	m.rooms[view.ID].game.Destroy()
	m.mu.Unlock()

	now := time.Now()
	m.handleResult(view.ID, game.Result{
		MatchID:    matchID,
		GameID:     "arena",
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
		Scores:     map[string]int64{"a": 10, "b": 5},
		Placements: map[string]int{"a": 1, "b": 2},
	})

	select {
	case res := <-hookResults:
		if res.MatchID != matchID {
			t.Errorf("hook saw match %s, want %s", res.MatchID, matchID)
		}
	case <-time.After(time.Second):
		t.Fatal("finish hook never fired")
	}

	updated, _ := m.Get(view.ID)
	if updated.State != StateFinished {
		t.Errorf("room state %s, want finished", updated.State)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(store.MatchResults()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	results := store.MatchResults()
	if len(results) != 1 {
		t.Fatalf("persisted %d results, want 1", len(results))
	}
	for _, p := range results[0].Players {
		if p.PlayerID == "a" && (!p.IsWinner || p.Placement != 1) {
			t.Errorf("winner record wrong: %+v", p)
		}
	}
}

// TestReapFinishedRooms verifies finished rooms are culled after the grace
// period.
func TestReapFinishedRooms(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	view, _ := m.Create(ctx, player("host"), "arena", 4, false)
	m.mu.Lock()
	r := m.rooms[view.ID]
	r.State = StateFinished
	r.FinishedAt = time.Now().Add(-config.DefaultRoom().FinishGrace - time.Minute)
	m.mu.Unlock()

	m.reap(time.Now())

	if _, ok := m.Get(view.ID); ok {
		t.Error("finished room survived the reaper")
	}
	if _, ok := m.RoomOf("host"); ok {
		t.Error("membership survived the reaper")
	}
}
