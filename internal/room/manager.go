package room

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gamehub/internal/config"
	"gamehub/internal/game"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
)

// Membership and lifecycle errors. Messages are client-facing.
var (
	ErrRoomNotFound     = errors.New("Room not found")
	ErrGameInProgress   = errors.New("Game already in progress")
	ErrGameFinished     = errors.New("Game already finished")
	ErrRoomFull         = errors.New("Room is full")
	ErrAlreadyInRoom    = errors.New("Already in room")
	ErrNotInRoom        = errors.New("Not in a room")
	ErrNotHost          = errors.New("Only the host can start the game")
	ErrNotEnoughPlayers = errors.New("Need at least 2 players to start")
	ErrNotAllReady      = errors.New("All players must be ready")
	ErrNoActiveGame     = errors.New("No active game in this room")
	ErrChatTooLong      = errors.New("Message too long")
	ErrChatRateLimited  = errors.New("Sending messages too fast")
	ErrFriendOffline    = errors.New("Friend is not connected")
)

const defaultMaxPlayers = 4

// Sender delivers a frame to a connected player. Returns false when the
// player has no live connection; delivery must never block.
type Sender interface {
	Send(playerID string, frame protocol.Frame) bool
}

// Analyzer is the anti-cheat surface the manager wires into matches.
type Analyzer interface {
	game.Guard
	AnalyzeMatch(ctx context.Context, result game.Result)
	StopTracking(playerID string)
}

// Manager owns every room on this server. A single mutex guards the room
// and membership tables; per-room simulations run on their own goroutines.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	byPlayer map[string]string // playerID -> roomID, at most one entry per player

	cfg    config.RoomConfig
	simCfg config.SimulationConfig

	sender  Sender
	cache   platform.Cache
	store   platform.Store
	guard   Analyzer
	metrics platform.Metrics

	hooks []func(game.Result)

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager creates the room manager. Call Start to run the reaper.
func NewManager(cfg config.RoomConfig, simCfg config.SimulationConfig, sender Sender, cache platform.Cache, store platform.Store, guard Analyzer, metrics platform.Metrics) *Manager {
	if metrics == nil {
		metrics = platform.NopMetrics{}
	}
	return &Manager{
		rooms:    make(map[string]*Room),
		byPlayer: make(map[string]string),
		cfg:      cfg,
		simCfg:   simCfg,
		sender:   sender,
		cache:    cache,
		store:    store,
		guard:    guard,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
}

// OnFinish registers a hook invoked after each match result persists.
// Register before Start; hooks run on a background goroutine.
func (m *Manager) OnFinish(fn func(game.Result)) {
	m.hooks = append(m.hooks, fn)
}

// Start launches the background reaper.
func (m *Manager) Start() {
	go m.reapLoop()
}

// Close stops the reaper and destroys every room.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopChan) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		m.destroyLocked(r)
	}
}

// Create makes a new room with the caller as host. Any previous membership
// is released first; a player is in at most one room.
func (m *Manager) Create(ctx context.Context, player platform.PlayerInfo, gameID string, maxPlayers int, isPrivate bool) (View, error) {
	if maxPlayers < 2 || maxPlayers > 16 {
		maxPlayers = defaultMaxPlayers
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(ctx, player.PlayerID)

	r := &Room{
		ID:         uuid.NewString(),
		GameID:     gameID,
		HostID:     player.PlayerID,
		MaxPlayers: maxPlayers,
		IsPrivate:  isPrivate,
		State:      StateWaiting,
		CreatedAt:  time.Now(),
		Members: []*Member{{
			Info:     player,
			IsHost:   true,
			JoinedAt: time.Now(),
		}},
	}
	m.rooms[r.ID] = r
	m.byPlayer[player.PlayerID] = r.ID
	m.metrics.SetActiveRooms(len(m.rooms))

	view := r.view()
	m.mirror(r)
	m.sender.Send(player.PlayerID, protocol.RoomUpdate(view))
	log.Printf("🎮 Room %s created by %s (game=%s, max=%d)", r.ID, player.PlayerID, gameID, maxPlayers)
	return view, nil
}

// Join adds the player to an existing room. Joining the room they are
// already in is an error; joining a different one releases the old
// membership first.
func (m *Manager) Join(ctx context.Context, player platform.PlayerInfo, roomID string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	if m.byPlayer[player.PlayerID] == roomID {
		return View{}, ErrAlreadyInRoom
	}
	if err := m.joinLocked(ctx, player, r); err != nil {
		return View{}, err
	}
	return r.view(), nil
}

// joinLocked performs the membership mechanics. Caller holds the lock and
// has verified the player is not already in this room.
func (m *Manager) joinLocked(ctx context.Context, player platform.PlayerInfo, r *Room) error {
	if r.State != StateWaiting {
		return ErrGameInProgress
	}
	if len(r.Members) >= r.MaxPlayers {
		return ErrRoomFull
	}

	m.releaseLocked(ctx, player.PlayerID)

	member := &Member{Info: player, JoinedAt: time.Now()}
	r.Members = append(r.Members, member)
	m.byPlayer[player.PlayerID] = r.ID

	joined := MemberView{
		PlayerID:    player.PlayerID,
		DisplayName: player.DisplayName,
		Avatar:      player.Avatar,
	}
	for _, other := range r.Members {
		if other.Info.PlayerID != player.PlayerID {
			m.sender.Send(other.Info.PlayerID, protocol.PlayerJoined(joined))
		}
	}
	m.sender.Send(player.PlayerID, protocol.RoomUpdate(r.view()))
	m.mirror(r)
	return nil
}

// FindOrCreate places the player in the oldest public waiting room for the
// game, creating a fresh one when none has space.
func (m *Manager) FindOrCreate(ctx context.Context, player platform.PlayerInfo, gameID string) (View, error) {
	m.mu.Lock()

	var candidates []*Room
	for _, r := range m.rooms {
		if r.GameID == gameID && !r.IsPrivate && r.State == StateWaiting &&
			len(r.Members) < r.MaxPlayers && m.byPlayer[player.PlayerID] != r.ID {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, r := range candidates {
		if err := m.joinLocked(ctx, player, r); err == nil {
			view := r.view()
			m.mu.Unlock()
			return view, nil
		}
	}
	m.mu.Unlock()

	return m.Create(ctx, player, gameID, defaultMaxPlayers, false)
}

// Leave removes the player from their room.
func (m *Manager) Leave(ctx context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPlayer[playerID]; !ok {
		return ErrNotInRoom
	}
	m.releaseLocked(ctx, playerID)
	m.sender.Send(playerID, protocol.RoomLeft())
	return nil
}

// Disconnect releases membership for a dropped connection. Unlike Leave it
// tolerates players who were not in a room.
func (m *Manager) Disconnect(ctx context.Context, playerID string) {
	m.mu.Lock()
	m.releaseLocked(ctx, playerID)
	m.mu.Unlock()

	if m.guard != nil {
		m.guard.StopTracking(playerID)
	}
}

// releaseLocked removes any existing membership: host succession to the
// earliest-joined remaining member, room destruction when it empties.
func (m *Manager) releaseLocked(ctx context.Context, playerID string) {
	roomID, ok := m.byPlayer[playerID]
	if !ok {
		return
	}
	r := m.rooms[roomID]
	delete(m.byPlayer, playerID)
	go m.cache.Del(context.Background(), presenceKey(playerID))

	wasHost := r.HostID == playerID
	kept := r.Members[:0]
	for _, member := range r.Members {
		if member.Info.PlayerID != playerID {
			kept = append(kept, member)
		}
	}
	r.Members = kept

	if len(r.Members) == 0 {
		m.destroyLocked(r)
		return
	}

	if wasHost {
		// Join order decides succession, and Members preserves it.
		r.Members[0].IsHost = true
		r.HostID = r.Members[0].Info.PlayerID
		log.Printf("🎮 Room %s host transferred to %s", r.ID, r.HostID)
	}

	view := r.view()
	for _, member := range r.Members {
		m.sender.Send(member.Info.PlayerID, protocol.PlayerLeft(playerID))
		m.sender.Send(member.Info.PlayerID, protocol.RoomUpdate(view))
	}
	m.mirror(r)
}

func (m *Manager) destroyLocked(r *Room) {
	if r.game != nil {
		r.game.Destroy()
		r.game = nil
	}
	delete(m.rooms, r.ID)
	go m.cache.Del(context.Background(), mirrorKey(r.ID))
	m.metrics.SetActiveRooms(len(m.rooms))
	log.Printf("🛑 Room %s destroyed", r.ID)
}

// SetReady records the player's readiness. Idempotent, and a no-op for
// players who are not in a room.
func (m *Manager) SetReady(ctx context.Context, playerID string, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, member, err := m.memberLocked(playerID)
	if err != nil || member == nil {
		return nil
	}
	if member.IsReady == ready {
		return nil
	}
	member.IsReady = ready

	view := r.view()
	for _, other := range r.Members {
		m.sender.Send(other.Info.PlayerID, protocol.RoomUpdate(view))
	}
	m.mirror(r)
	return nil
}

// StartGame launches the simulation. Host only, at least two players, all
// of them ready.
func (m *Manager) StartGame(ctx context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok := m.byPlayer[playerID]
	if !ok {
		return ErrNotInRoom
	}
	r := m.rooms[roomID]
	if r.HostID != playerID {
		return ErrNotHost
	}
	if r.State == StateFinished {
		return ErrGameFinished
	}
	if r.State != StateWaiting {
		return ErrGameInProgress
	}
	if len(r.Members) < 2 {
		return ErrNotEnoughPlayers
	}
	if !r.allReady() {
		return ErrNotAllReady
	}

	m.launchLocked(r)
	return nil
}

// launchLocked transitions a waiting room into a running match. Caller
// holds the lock and has validated preconditions.
func (m *Manager) launchLocked(r *Room) {
	matchID := uuid.NewString()
	players := r.playerIDs()

	srv := game.NewServer(m.simCfg, matchID, r.GameID, players, game.Options{Genre: r.GameID})
	if m.guard != nil {
		srv.SetGuard(m.guard)
	}
	srv.SetBroadcaster(&roomBroadcaster{sender: m.sender, players: players})
	srv.SetMetrics(m.metrics)
	roomID := r.ID
	srv.SetOnFinish(func(res game.Result) { m.handleResult(roomID, res) })

	r.game = srv
	r.State = StatePlaying

	view := r.view()
	started := protocol.GameStarted(view, srv.State())
	for _, id := range players {
		m.sender.Send(id, started)
	}
	srv.Start()
	m.mirror(r)
	log.Printf("🎮 Match %s started in room %s (%d players, %d tps)", matchID, r.ID, len(players), srv.TickRate())
}

// Action forwards a gameplay input to the room's running simulation.
func (m *Manager) Action(playerID string, action protocol.Action) error {
	m.mu.RLock()
	roomID, ok := m.byPlayer[playerID]
	var srv *game.Server
	if ok {
		srv = m.rooms[roomID].game
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotInRoom
	}
	if srv == nil {
		return ErrNoActiveGame
	}
	return srv.SubmitInput(playerID, action)
}

// Chat relays a message to the room, subject to length and flood limits.
func (m *Manager) Chat(ctx context.Context, playerID, message string) error {
	if len(message) > m.cfg.MaxChatBytes {
		return ErrChatTooLong
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, member, err := m.memberLocked(playerID)
	if err != nil {
		return err
	}
	if !member.allowChat(time.Now()) {
		return ErrChatRateLimited
	}

	relay := protocol.ChatRelay(playerID, member.Info.DisplayName, message)
	for _, other := range r.Members {
		m.sender.Send(other.Info.PlayerID, relay)
	}
	return nil
}

// Invite relays a room invitation to a connected friend. The sender must
// be a member of the room they are inviting into.
func (m *Manager) Invite(fromID, friendID, roomID string) error {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	isMember := ok && r.member(fromID) != nil
	gameID := ""
	if ok {
		gameID = r.GameID
	}
	m.mu.RUnlock()

	if !ok {
		return ErrRoomNotFound
	}
	if !isMember {
		return ErrNotInRoom
	}
	if !m.sender.Send(friendID, protocol.FriendInviteRelay(fromID, roomID, gameID)) {
		return ErrFriendOffline
	}
	return nil
}

// CreateMatch builds a room from a completed matchmaking batch and starts
// it immediately. The first player hosts; everyone arrives ready. region
// is the host region matchmaking selected for the group.
func (m *Manager) CreateMatch(ctx context.Context, gameID, region string, players []platform.PlayerInfo, ranked bool) (View, string, error) {
	if len(players) < 2 {
		return View{}, "", ErrNotEnoughPlayers
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	r := &Room{
		ID:         uuid.NewString(),
		GameID:     gameID,
		HostID:     players[0].PlayerID,
		MaxPlayers: len(players),
		IsPrivate:  true,
		Ranked:     ranked,
		Region:     region,
		State:      StateWaiting,
		CreatedAt:  now,
	}
	for i, p := range players {
		m.releaseLocked(ctx, p.PlayerID)
		r.Members = append(r.Members, &Member{
			Info:     p,
			IsHost:   i == 0,
			IsReady:  true,
			JoinedAt: now,
		})
		m.byPlayer[p.PlayerID] = r.ID
	}
	m.rooms[r.ID] = r
	m.metrics.SetActiveRooms(len(m.rooms))

	m.launchLocked(r)
	return r.view(), r.game.MatchID(), nil
}

// Get returns the sanitized view of one room.
func (m *Manager) Get(roomID string) (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return View{}, false
	}
	return r.view(), true
}

// List returns public waiting rooms, oldest first.
func (m *Manager) List() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]View, 0, len(m.rooms))
	for _, r := range m.rooms {
		if !r.IsPrivate && r.State == StateWaiting {
			views = append(views, r.view())
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// RoomOf returns the roomID the player currently occupies.
func (m *Manager) RoomOf(playerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPlayer[playerID]
	return id, ok
}

// Counts reports rooms and seated players, for the stats endpoint.
func (m *Manager) Counts() (rooms, players int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms), len(m.byPlayer)
}

func (m *Manager) memberLocked(playerID string) (*Room, *Member, error) {
	roomID, ok := m.byPlayer[playerID]
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	r := m.rooms[roomID]
	return r, r.member(playerID), nil
}

// handleResult runs when a room's match finishes: mark the room, persist
// the result, hand it to anti-cheat and the registered hooks. Everything
// past the state flip is off the tick path.
func (m *Manager) handleResult(roomID string, res game.Result) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if ok {
		r.State = StateFinished
		r.FinishedAt = time.Now()
		r.game = nil
		for _, member := range r.Members {
			member.IsReady = false
		}
		m.mirror(r)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("🏁 Match %s finished in room %s", res.MatchID, roomID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		record := platform.MatchResult{
			MatchID:    res.MatchID,
			GameID:     res.GameID,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
		}
		for playerID, placement := range res.Placements {
			record.Players = append(record.Players, platform.MatchPlayerResult{
				PlayerID:  playerID,
				Score:     res.Scores[playerID],
				Placement: placement,
				IsWinner:  placement == 1,
			})
		}
		if err := m.store.SaveMatchResult(ctx, record); err != nil {
			log.Printf("⚠️ Failed to persist match %s: %v", res.MatchID, err)
		}
		if m.guard != nil {
			m.guard.AnalyzeMatch(ctx, res)
		}
		for _, fn := range m.hooks {
			fn(res)
		}
	}()
}

// reapLoop refreshes cache mirrors for live rooms and removes finished
// rooms past the grace period.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.State == StateFinished && now.Sub(r.FinishedAt) > m.cfg.FinishGrace {
			for _, member := range r.Members {
				delete(m.byPlayer, member.Info.PlayerID)
				go m.cache.Del(context.Background(), presenceKey(member.Info.PlayerID))
			}
			m.destroyLocked(r)
			continue
		}
		m.mirror(r)
	}
}

// mirror pushes the room view and member presence into the shared cache.
// Best effort: runs off the calling goroutine and tolerates a cold cache.
func (m *Manager) mirror(r *Room) {
	view := r.view()
	members := r.playerIDs()
	go func() {
		ctx := context.Background()
		if data, err := json.Marshal(view); err == nil {
			m.cache.Set(ctx, mirrorKey(view.ID), string(data), m.cfg.MirrorTTL)
		}
		for _, id := range members {
			m.cache.Set(ctx, presenceKey(id), view.ID, m.cfg.MirrorTTL)
		}
	}()
}

func mirrorKey(roomID string) string   { return "room:" + roomID }
func presenceKey(playerID string) string { return "presence:" + playerID }
