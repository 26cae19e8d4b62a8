// Package protocol defines the JSON frames exchanged over WebSocket.
//
// Inbound frames are decoded exactly once, at the connection boundary, into
// a closed set of message variants. Handlers never see raw JSON envelopes.
// An unrecognized type decodes to Unknown, which yields an error frame but
// never closes the connection.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// WebSocket close codes.
const (
	CloseNormal     = 1000
	CloseReplaced   = 4000 // A newer connection for the same player took over
	CloseAuthFailed = 4001
)

// ClientMessage is one decoded inbound frame.
type ClientMessage interface {
	clientMessage()
}

// JoinRoom asks to join an existing room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom leaves the current room.
type LeaveRoom struct{}

// Ready toggles the sender's ready flag.
type Ready struct {
	Ready bool `json:"ready"`
}

// StartGame starts the match. Host only.
type StartGame struct{}

// CreateRoom creates a new room with the sender as host.
type CreateRoom struct {
	GameID     string `json:"gameId"`
	MaxPlayers int    `json:"maxPlayers"`
	IsPrivate  bool   `json:"isPrivate"`
}

// FindMatch joins the first open public room for a game, or creates one.
type FindMatch struct {
	GameID string `json:"gameId"`
}

// GameAction carries one simulation input.
type GameAction struct {
	Action Action `json:"action"`
}

// Action is the inner input payload applied by the authoritative loop.
type Action struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
	Seq  uint64                 `json:"seq"`
}

// Chat relays a message to the sender's room.
type Chat struct {
	Message string `json:"message"`
}

// QueueRanked enters skill-based matchmaking.
type QueueRanked struct {
	GameID         string  `json:"gameId"`
	SkillRating    float64 `json:"skillRating"`
	SkillDeviation float64 `json:"skillDeviation"`
	Region         string  `json:"region"`
	Mode           string  `json:"mode"`
	MaxPlayers     int     `json:"maxPlayers"`
}

// CancelQueue leaves matchmaking.
type CancelQueue struct{}

// FriendInvite forwards a room invite to another player.
type FriendInvite struct {
	FriendID string `json:"friendId"`
	RoomID   string `json:"roomId"`
	GameID   string `json:"gameId"`
}

// Ping measures round-trip time.
type Ping struct {
	ClientTime int64 `json:"clientTime"`
}

// Unknown is the fallback for unrecognized message types.
type Unknown struct {
	Type string
}

func (JoinRoom) clientMessage()     {}
func (LeaveRoom) clientMessage()    {}
func (Ready) clientMessage()        {}
func (StartGame) clientMessage()    {}
func (CreateRoom) clientMessage()   {}
func (FindMatch) clientMessage()    {}
func (GameAction) clientMessage()   {}
func (Chat) clientMessage()         {}
func (QueueRanked) clientMessage()  {}
func (CancelQueue) clientMessage()  {}
func (FriendInvite) clientMessage() {}
func (Ping) clientMessage()         {}
func (Unknown) clientMessage()      {}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame into its message variant.
// Malformed JSON is an error; an unrecognized type is not.
func Decode(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}

	var (
		msg ClientMessage
		err error
	)
	switch env.Type {
	case "join_room":
		var m JoinRoom
		err = json.Unmarshal(data, &m)
		msg = m
	case "leave_room":
		msg = LeaveRoom{}
	case "ready":
		var m Ready
		err = json.Unmarshal(data, &m)
		msg = m
	case "start_game":
		msg = StartGame{}
	case "create_room":
		var m CreateRoom
		err = json.Unmarshal(data, &m)
		msg = m
	case "find_match":
		var m FindMatch
		err = json.Unmarshal(data, &m)
		msg = m
	case "game_action":
		var m GameAction
		err = json.Unmarshal(data, &m)
		msg = m
	case "chat":
		var m Chat
		err = json.Unmarshal(data, &m)
		msg = m
	case "queue_ranked":
		var m QueueRanked
		err = json.Unmarshal(data, &m)
		msg = m
	case "cancel_queue":
		msg = CancelQueue{}
	case "friend_invite":
		var m FriendInvite
		err = json.Unmarshal(data, &m)
		msg = m
	case "ping":
		var m Ping
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		msg = Unknown{Type: env.Type}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %s frame", env.Type)
	}
	return msg, nil
}

// Frame is one encoded outbound frame.
type Frame []byte

// encode builds an outbound frame with the given type tag and payload fields.
func encode(msgType string, fields map[string]interface{}) Frame {
	doc := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["type"] = msgType
	data, err := json.Marshal(doc)
	if err != nil {
		// Payloads are server-built; a marshal failure is a programming error.
		data, _ = json.Marshal(map[string]string{"type": "error", "message": "internal encoding error"})
	}
	return data
}

// Connected greets an authenticated player.
func Connected(playerID string) Frame {
	return encode("connected", map[string]interface{}{"playerId": playerID})
}

// RoomUpdate carries a sanitized room view.
func RoomUpdate(room interface{}) Frame {
	return encode("room_update", map[string]interface{}{"room": room})
}

// PlayerJoined announces a new member to a room.
func PlayerJoined(player interface{}) Frame {
	return encode("player_joined", map[string]interface{}{"player": player})
}

// PlayerLeft announces a departed member.
func PlayerLeft(playerID string) Frame {
	return encode("player_left", map[string]interface{}{"playerId": playerID})
}

// RoomLeft confirms the sender left their room.
func RoomLeft() Frame {
	return encode("room_left", nil)
}

// GameStarted announces the match start with the initial state.
func GameStarted(room, gameState interface{}) Frame {
	return encode("game_started", map[string]interface{}{"room": room, "gameState": gameState})
}

// GameActionResult reports the outcome of one applied action.
func GameActionResult(playerID string, result interface{}) Frame {
	return encode("game_action", map[string]interface{}{"playerId": playerID, "result": result})
}

// GameOver carries the final scores.
func GameOver(scores map[string]int64) Frame {
	return encode("game_over", map[string]interface{}{"scores": scores})
}

// ChatRelay carries one room chat message.
func ChatRelay(playerID, displayName, message string) Frame {
	return encode("chat", map[string]interface{}{
		"playerId":    playerID,
		"displayName": displayName,
		"message":     message,
	})
}

// StateSync is the per-tick authoritative broadcast. acks maps each player
// to the sequence number of their most recently applied input.
func StateSync(tick uint64, phase string, state interface{}, acks map[string]uint64) Frame {
	return encode("state_sync", map[string]interface{}{
		"tick":       tick,
		"phase":      phase,
		"state":      state,
		"acks":       acks,
		"serverTime": time.Now().UnixMilli(),
	})
}

// MatchFound announces a formed match to its participants.
func MatchFound(matchID string, room interface{}, players interface{}) Frame {
	return encode("match_found", map[string]interface{}{
		"matchId": matchID,
		"room":    room,
		"players": players,
	})
}

// QueueJoined confirms a matchmaking enqueue.
func QueueJoined(gameID string, estimatedWait time.Duration, position int) Frame {
	return encode("queue_joined", map[string]interface{}{
		"gameId":        gameID,
		"estimatedWait": estimatedWait.Seconds(),
		"position":      position,
	})
}

// QueueCancelled confirms a dequeue.
func QueueCancelled() Frame {
	return encode("queue_cancelled", nil)
}

// MatchmakingTimeout tells a player their queue entry expired.
func MatchmakingTimeout() Frame {
	return encode("matchmaking_timeout", nil)
}

// FriendInviteRelay forwards a room invite.
func FriendInviteRelay(from, roomID, gameID string) Frame {
	return encode("friend_invite", map[string]interface{}{
		"from":   from,
		"roomId": roomID,
		"gameId": gameID,
	})
}

// Pong answers a ping.
func Pong() Frame {
	return encode("pong", map[string]interface{}{"serverTime": time.Now().UnixMilli()})
}

// ErrorFrame reports a per-message failure without closing the connection.
func ErrorFrame(message string) Frame {
	return encode("error", map[string]interface{}{"message": message})
}
