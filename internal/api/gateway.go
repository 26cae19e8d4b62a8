// Package api is the transport edge: the WebSocket gateway clients speak
// the realtime protocol over, the HTTP router for read-only queries, and
// the observability surface.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"gamehub/internal/config"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
	"gamehub/internal/room"
)

const authTimeout = 5 * time.Second

// RoomOps is the room manager surface the gateway dispatches into.
// An interface so tests can fake the lobby without real rooms.
type RoomOps interface {
	Create(ctx context.Context, player platform.PlayerInfo, gameID string, maxPlayers int, isPrivate bool) (room.View, error)
	Join(ctx context.Context, player platform.PlayerInfo, roomID string) (room.View, error)
	FindOrCreate(ctx context.Context, player platform.PlayerInfo, gameID string) (room.View, error)
	Leave(ctx context.Context, playerID string) error
	SetReady(ctx context.Context, playerID string, ready bool) error
	StartGame(ctx context.Context, playerID string) error
	Action(playerID string, action protocol.Action) error
	Chat(ctx context.Context, playerID, message string) error
	Invite(fromID, friendID, roomID string) error
	Disconnect(ctx context.Context, playerID string)
}

// MatchOps is the matchmaking surface the gateway dispatches into.
type MatchOps interface {
	Enqueue(player platform.PlayerInfo, req protocol.QueueRanked)
	Dequeue(playerID string)
	Disconnect(playerID string)
}

// client is one authenticated WebSocket connection.
type client struct {
	conn    *websocket.Conn
	player  platform.PlayerInfo
	ip      string
	send    chan protocol.Frame
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// closeWithCode sends a close frame and tears the connection down. Safe to
// call more than once.
func (c *client) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(c.closed)
		c.conn.Close()
	})
}

// Gateway owns every live connection: one per player, replaced on a second
// handshake from the same account. It implements the Sender the room and
// matchmaking layers broadcast through.
type Gateway struct {
	cfg    config.GatewayConfig
	srvCfg config.ServerConfig

	identity platform.Identity
	store    platform.Store
	rooms    RoomOps
	matches  MatchOps
	metrics  platform.Metrics

	upgrader    websocket.Upgrader
	connLimiter *ConnLimiter

	mu      sync.RWMutex
	clients map[string]*client // playerID -> live connection
}

// NewGateway creates the gateway. The gateway is also the Sender the room
// and matchmaking layers deliver frames through, so those are constructed
// after it and wired in with Attach.
func NewGateway(cfg config.GatewayConfig, srvCfg config.ServerConfig, identity platform.Identity, store platform.Store, metrics platform.Metrics) *Gateway {
	if metrics == nil {
		metrics = platform.NopMetrics{}
	}
	g := &Gateway{
		cfg:         cfg,
		srvCfg:      srvCfg,
		identity:    identity,
		store:       store,
		metrics:     metrics,
		connLimiter: NewConnLimiter(srvCfg.MaxConnsPerIP),
		clients:     make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if g.originAllowed(origin) {
				return true
			}
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			RecordConnectionRejected("origin")
			return false
		},
	}
	return g
}

// Attach wires in the subsystems the gateway dispatches into. Must be
// called before the first handshake.
func (g *Gateway) Attach(rooms RoomOps, matches MatchOps) {
	g.rooms = rooms
	g.matches = matches
}

func (g *Gateway) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range g.srvCfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ClientCount returns the number of live connections.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Send delivers a frame to a player's live connection. Slow consumers have
// frames dropped rather than blocking the caller. Returns false when the
// player has no connection.
func (g *Gateway) Send(playerID string, frame protocol.Frame) bool {
	g.mu.RLock()
	c, ok := g.clients[playerID]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.send <- frame:
	default:
		// Queue full: the reconciliation protocol tolerates lost frames,
		// the tick loop does not tolerate a stalled writer.
	}
	return true
}

// HandleWS is the WebSocket endpoint: caps, upgrade, authenticate,
// register, then pump frames until the connection dies.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if g.ClientCount() >= g.srvCfg.MaxConnections {
		log.Printf("⚠️ Connection rejected: total limit reached (%d)", g.srvCfg.MaxConnections)
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if !g.connLimiter.Allow(ip) {
		log.Printf("⚠️ Connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		g.connLimiter.Release(ip)
		return
	}

	player, err := g.authenticate(r)
	if err != nil {
		RecordConnectionRejected("auth")
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseAuthFailed, "authentication failed"), deadline)
		conn.Close()
		g.connLimiter.Release(ip)
		return
	}

	c := &client{
		conn:    conn,
		player:  player,
		ip:      ip,
		send:    make(chan protocol.Frame, g.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.FramesPerSecond), g.cfg.FrameBurst),
		closed:  make(chan struct{}),
	}
	g.register(c)

	c.send <- protocol.Connected(player.PlayerID)

	go g.writePump(c)
	g.readPump(c)
}

// authenticate resolves the handshake credentials and checks suspensions.
func (g *Gateway) authenticate(r *http.Request) (platform.PlayerInfo, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
	defer cancel()

	player, err := g.identity.Verify(ctx, token)
	if err != nil {
		return platform.PlayerInfo{}, err
	}
	if banned, err := g.store.IsBanned(ctx, player.PlayerID, time.Now()); err == nil && banned {
		log.Printf("🚫 Rejected banned player %s", player.PlayerID)
		return platform.PlayerInfo{}, platform.ErrSuspended
	}
	return player, nil
}

// register installs the client as the player's single live connection,
// replacing any previous one.
func (g *Gateway) register(c *client) {
	g.mu.Lock()
	old, replaced := g.clients[c.player.PlayerID]
	g.clients[c.player.PlayerID] = c
	count := len(g.clients)
	g.mu.Unlock()

	if replaced {
		old.closeWithCode(protocol.CloseReplaced, "connected from another session")
		g.connLimiter.Release(old.ip)
	}

	g.metrics.SetConnections(count)
	log.Printf("📱 %s connected from %s (%d total)", c.player.PlayerID, c.ip, count)
}

// unregister tears down the client and, if it was still the player's live
// connection, releases all server-side state tied to the player.
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	current, ok := g.clients[c.player.PlayerID]
	wasCurrent := ok && current == c
	if wasCurrent {
		delete(g.clients, c.player.PlayerID)
	}
	count := len(g.clients)
	g.mu.Unlock()

	c.closeWithCode(protocol.CloseNormal, "")
	if !wasCurrent {
		// A replaced connection: the newcomer owns the player state now.
		return
	}

	g.connLimiter.Release(c.ip)
	g.metrics.SetConnections(count)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.rooms.Disconnect(ctx, c.player.PlayerID)
	g.matches.Disconnect(c.player.PlayerID)

	log.Printf("📱 %s disconnected (%d remaining)", c.player.PlayerID, count)
}

// readPump consumes inbound frames until the connection dies. Runs on the
// handshake goroutine.
func (g *Gateway) readPump(c *client) {
	defer g.unregister(c)

	pongWait := g.cfg.HeartbeatInterval * 2
	c.conn.SetReadLimit(g.cfg.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			g.metrics.IncInputRejected("frame_rate")
			g.Send(c.player.PlayerID, protocol.ErrorFrame("too many messages"))
			continue
		}
		g.metrics.IncFramesIn()
		g.dispatch(c, data)
	}
}

// writePump owns all writes to the socket: queued frames plus heartbeat
// pings. One writer per connection, as gorilla requires.
func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.closeWithCode(protocol.CloseNormal, "")
				return
			}
			g.metrics.IncFramesOut(1)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWithCode(protocol.CloseNormal, "")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// dispatch routes one decoded frame to the owning subsystem. Errors go
// back to the sender as error frames; they never tear the connection down.
func (g *Gateway) dispatch(c *client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		g.Send(c.player.PlayerID, protocol.ErrorFrame("malformed message"))
		return
	}

	ctx := context.Background()
	playerID := c.player.PlayerID

	switch m := msg.(type) {
	case protocol.CreateRoom:
		_, err = g.rooms.Create(ctx, c.player, m.GameID, m.MaxPlayers, m.IsPrivate)
	case protocol.JoinRoom:
		_, err = g.rooms.Join(ctx, c.player, m.RoomID)
	case protocol.FindMatch:
		_, err = g.rooms.FindOrCreate(ctx, c.player, m.GameID)
	case protocol.LeaveRoom:
		err = g.rooms.Leave(ctx, playerID)
	case protocol.Ready:
		err = g.rooms.SetReady(ctx, playerID, m.Ready)
	case protocol.StartGame:
		err = g.rooms.StartGame(ctx, playerID)
	case protocol.GameAction:
		err = g.rooms.Action(playerID, m.Action)
	case protocol.Chat:
		err = g.rooms.Chat(ctx, playerID, m.Message)
	case protocol.QueueRanked:
		g.matches.Enqueue(c.player, m)
	case protocol.CancelQueue:
		g.matches.Dequeue(playerID)
	case protocol.FriendInvite:
		err = g.rooms.Invite(playerID, m.FriendID, m.RoomID)
	case protocol.Ping:
		g.Send(playerID, protocol.Pong())
	case protocol.Unknown:
		g.Send(playerID, protocol.ErrorFrame("unknown message type: "+m.Type))
	}

	if err != nil {
		g.Send(playerID, protocol.ErrorFrame(err.Error()))
	}
}
