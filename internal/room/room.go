// Package room owns the lobby lifecycle: creating and joining rooms,
// readiness, host transfer, launching the authoritative simulation and
// tearing everything down afterwards. One manager instance owns all rooms
// on this server.
package room

import (
	"time"

	"gamehub/internal/game"
	"gamehub/internal/platform"
	"gamehub/internal/protocol"
)

// Room lifecycle states.
const (
	StateWaiting  = "waiting"
	StatePlaying  = "playing"
	StateFinished = "finished"
)

// Chat flood control: per member, at most chatBurst messages inside a
// rolling chatWindow.
const (
	chatBurst  = 5
	chatWindow = 10 * time.Second
)

// Member is one player inside a room. Slice order is join order, which
// also decides host succession.
type Member struct {
	Info     platform.PlayerInfo
	IsHost   bool
	IsReady  bool
	JoinedAt time.Time

	chatTimes []time.Time
}

// allowChat counts one message against the member's rolling window.
func (m *Member) allowChat(now time.Time) bool {
	cutoff := now.Add(-chatWindow)
	kept := m.chatTimes[:0]
	for _, t := range m.chatTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.chatTimes = kept
	if len(m.chatTimes) >= chatBurst {
		return false
	}
	m.chatTimes = append(m.chatTimes, now)
	return true
}

// Room is a lobby and, once started, the handle to its running match.
type Room struct {
	ID         string
	GameID     string
	HostID     string
	MaxPlayers int
	IsPrivate  bool
	Ranked     bool
	Region     string // host region for matchmade rooms, empty otherwise
	State      string
	CreatedAt  time.Time
	FinishedAt time.Time
	Members    []*Member

	game *game.Server
}

func (r *Room) member(playerID string) *Member {
	for _, m := range r.Members {
		if m.Info.PlayerID == playerID {
			return m
		}
	}
	return nil
}

// allReady checks every non-host member. The host's intent is the start
// request itself.
func (r *Room) allReady() bool {
	for _, m := range r.Members {
		if !m.IsHost && !m.IsReady {
			return false
		}
	}
	return true
}

func (r *Room) playerIDs() []string {
	ids := make([]string, len(r.Members))
	for i, m := range r.Members {
		ids[i] = m.Info.PlayerID
	}
	return ids
}

// MemberView is the sanitized member representation sent to clients.
type MemberView struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	IsHost      bool   `json:"isHost"`
	IsReady     bool   `json:"isReady"`
}

// View is the sanitized room representation sent to clients and mirrored
// into the shared cache.
type View struct {
	ID         string       `json:"id"`
	GameID     string       `json:"gameId"`
	HostID     string       `json:"hostId"`
	MaxPlayers int          `json:"maxPlayers"`
	IsPrivate  bool         `json:"isPrivate"`
	Ranked     bool         `json:"ranked"`
	Region     string       `json:"region,omitempty"`
	State      string       `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	Players    []MemberView `json:"players"`
}

func (r *Room) view() View {
	v := View{
		ID:         r.ID,
		GameID:     r.GameID,
		HostID:     r.HostID,
		MaxPlayers: r.MaxPlayers,
		IsPrivate:  r.IsPrivate,
		Ranked:     r.Ranked,
		Region:     r.Region,
		State:      r.State,
		CreatedAt:  r.CreatedAt,
		Players:    make([]MemberView, len(r.Members)),
	}
	for i, m := range r.Members {
		v.Players[i] = MemberView{
			PlayerID:    m.Info.PlayerID,
			DisplayName: m.Info.DisplayName,
			Avatar:      m.Info.Avatar,
			IsHost:      m.IsHost,
			IsReady:     m.IsReady,
		}
	}
	return v
}

// roomBroadcaster adapts a room to the simulation's outbound interface.
// The member list is captured at start time, matching the fixed player
// set of a running match.
type roomBroadcaster struct {
	sender  Sender
	players []string
}

func (b *roomBroadcaster) Broadcast(frame protocol.Frame) {
	for _, id := range b.players {
		b.sender.Send(id, frame)
	}
}

func (b *roomBroadcaster) SendTo(playerID string, frame protocol.Frame) {
	b.sender.Send(playerID, frame)
}
