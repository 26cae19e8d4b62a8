package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gamehub/internal/config"
	"gamehub/internal/leaderboard"
	"gamehub/internal/match"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
	"gamehub/internal/room"
)

// recordingRoomOps satisfies RoomOps and remembers which operations the
// gateway dispatched.
type recordingRoomOps struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRoomOps) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingRoomOps) waitFor(t *testing.T, call string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, c := range r.calls {
			if c == call {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gateway never dispatched %s", call)
}

func (r *recordingRoomOps) Create(_ context.Context, _ platform.PlayerInfo, _ string, _ int, _ bool) (room.View, error) {
	r.record("create")
	return room.View{ID: "r1"}, nil
}
func (r *recordingRoomOps) Join(_ context.Context, _ platform.PlayerInfo, _ string) (room.View, error) {
	r.record("join")
	return room.View{ID: "r1"}, nil
}
func (r *recordingRoomOps) FindOrCreate(_ context.Context, _ platform.PlayerInfo, _ string) (room.View, error) {
	r.record("find")
	return room.View{ID: "r1"}, nil
}
func (r *recordingRoomOps) Leave(context.Context, string) error { r.record("leave"); return nil }
func (r *recordingRoomOps) SetReady(_ context.Context, _ string, _ bool) error {
	r.record("ready")
	return nil
}
func (r *recordingRoomOps) StartGame(context.Context, string) error { r.record("start"); return nil }
func (r *recordingRoomOps) Action(string, protocol.Action) error    { r.record("action"); return nil }
func (r *recordingRoomOps) Chat(context.Context, string, string) error {
	r.record("chat")
	return nil
}
func (r *recordingRoomOps) Invite(_, _, _ string) error         { r.record("invite"); return nil }
func (r *recordingRoomOps) Disconnect(context.Context, string) { r.record("disconnect") }

type recordingMatchOps struct {
	mu    sync.Mutex
	calls []string
}

func (m *recordingMatchOps) Enqueue(platform.PlayerInfo, protocol.QueueRanked) {
	m.mu.Lock()
	m.calls = append(m.calls, "enqueue")
	m.mu.Unlock()
}
func (m *recordingMatchOps) Dequeue(string) {
	m.mu.Lock()
	m.calls = append(m.calls, "dequeue")
	m.mu.Unlock()
}
func (m *recordingMatchOps) Disconnect(string) {
	m.mu.Lock()
	m.calls = append(m.calls, "disconnect")
	m.mu.Unlock()
}

type wsFixture struct {
	srv      *httptest.Server
	gateway  *Gateway
	identity *platform.HMACIdentity
	store    *platform.MemoryStore
	rooms    *recordingRoomOps
	matches  *recordingMatchOps
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	identity := platform.NewHMACIdentity([]byte("test-secret"))
	store := platform.NewMemoryStore()
	gw := NewGateway(config.DefaultGateway(), config.DefaultServer(), identity, store, nil)

	rooms := &recordingRoomOps{}
	matches := &recordingMatchOps{}
	gw.Attach(rooms, matches)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Gateway:         gw,
		Rooms:           &stubRooms{},
		Leaderboard:     &stubBoards{},
		RateLimitConfig: &testRateLimit,
		DisableLogging:  true,
	}))
	t.Cleanup(srv.Close)

	return &wsFixture{srv: srv, gateway: gw, identity: identity, store: store, rooms: rooms, matches: matches}
}

func (f *wsFixture) dial(t *testing.T, playerID string) *websocket.Conn {
	t.Helper()

	token, err := f.identity.SignToken(platform.PlayerInfo{PlayerID: playerID, DisplayName: playerID})
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return doc
}

// TestConnectAndDispatch authenticates, gets the greeting and sees inbound
// messages routed to the right subsystem.
func TestConnectAndDispatch(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "p1")

	greeting := readFrame(t, conn)
	if greeting["type"] != "connected" || greeting["playerId"] != "p1" {
		t.Fatalf("greeting %v", greeting)
	}
	if f.gateway.ClientCount() != 1 {
		t.Errorf("client count %d, want 1", f.gateway.ClientCount())
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"create_room","gameId":"arena"}`))
	f.rooms.waitFor(t, "create")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"queue_ranked","gameId":"arena"}`))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.matches.mu.Lock()
		n := len(f.matches.calls)
		f.matches.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.matches.mu.Lock()
	if len(f.matches.calls) == 0 || f.matches.calls[0] != "enqueue" {
		t.Errorf("match calls %v", f.matches.calls)
	}
	f.matches.mu.Unlock()
}

// TestUnknownAndMalformedMessages answer with error frames, never a close.
func TestUnknownAndMalformedMessages(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "p1")
	readFrame(t, conn) // greeting

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))
	doc := readFrame(t, conn)
	if doc["type"] != "error" || !strings.Contains(doc["message"].(string), "unknown message type") {
		t.Errorf("unknown type answer %v", doc)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{{{`))
	doc = readFrame(t, conn)
	if doc["type"] != "error" {
		t.Errorf("malformed answer %v", doc)
	}

	// Connection still alive.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if doc := readFrame(t, conn); doc["type"] != "pong" {
		t.Errorf("ping answer %v", doc)
	}
}

// TestAuthFailureCloses rejects a bad token with the auth close code.
func TestAuthFailureCloses(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token=garbage", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseAuthFailed) {
		t.Errorf("read error %v, want close %d", err, protocol.CloseAuthFailed)
	}
	if f.gateway.ClientCount() != 0 {
		t.Errorf("client count %d after failed auth", f.gateway.ClientCount())
	}
}

// TestBannedPlayerRejected refuses suspended accounts at the handshake.
func TestBannedPlayerRejected(t *testing.T) {
	f := newWSFixture(t)
	f.store.RecordBan(context.Background(), "outlaw", "speed_hack", time.Now().Add(time.Hour))

	token, _ := f.identity.SignToken(platform.PlayerInfo{PlayerID: "outlaw"})
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseAuthFailed) {
		t.Errorf("read error %v, want close %d", err, protocol.CloseAuthFailed)
	}
}

// TestSecondConnectionReplacesFirst closes the old socket with the replaced
// code and keeps the player registered.
func TestSecondConnectionReplacesFirst(t *testing.T) {
	f := newWSFixture(t)

	first := f.dial(t, "p1")
	readFrame(t, first)

	second := f.dial(t, "p1")
	readFrame(t, second)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseReplaced) {
		t.Errorf("old connection read %v, want close %d", err, protocol.CloseReplaced)
	}
	if f.gateway.ClientCount() != 1 {
		t.Errorf("client count %d, want 1", f.gateway.ClientCount())
	}

	// The replacement stays usable; releasing the old one must not have
	// evicted the new session.
	second.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if doc := readFrame(t, second); doc["type"] != "pong" {
		t.Errorf("replacement ping answer %v", doc)
	}
}

// TestDisconnectReleasesState tells rooms and matchmaking when the live
// connection goes away.
func TestDisconnectReleasesState(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "p1")
	readFrame(t, conn)
	conn.Close()

	f.rooms.waitFor(t, "disconnect")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.gateway.ClientCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("client count %d after disconnect", f.gateway.ClientCount())
}

// Wiring in main depends on the production types satisfying these surfaces.
var (
	_ LeaderboardReader = (*leaderboard.Service)(nil)
	_ RoomOps           = (*room.Manager)(nil)
	_ MatchOps          = (*match.Service)(nil)
	_ RoomDirectory     = (*room.Manager)(nil)
)
