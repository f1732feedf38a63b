/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Messages coming from clients
const (
	MsgJoin              = "join"
	MsgJoinTeam          = "join-team" // older clients
	MsgSubmitAnswer      = "submit-answer"
	MsgRequestState      = "request-state"
	MsgAdminRequestState = "admin:request-state"
	MsgAdminStartRound   = "admin:start-round"
	MsgAdminEndRound     = "admin:end-round"
	MsgAdminAwardPoints  = "admin:award-points"
	MsgAdminResetGame    = "admin:reset-game"
	MsgPing              = "ping"
)

// Messages sent to clients
const (
	MsgSessionInfo        = "session-info"
	MsgTeamsUpdated       = "teams-updated"
	MsgScoresUpdated      = "scores-updated"
	MsgRoundStarted       = "round-started"
	MsgRoundEnded         = "round-ended"
	MsgAllSubmissions     = "all-submissions"
	MsgSubmissionReceived = "submission-received"
	MsgGameReset          = "game-reset"
	MsgAck                = "ack"
	MsgError              = "error"
	MsgPong               = "pong"
)

type Role string

const (
	RolePlayer     Role = "player"
	RoleAdmin      Role = "admin"
	RoleScoreboard Role = "scoreboard"
)

func parseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RolePlayer:
		return RolePlayer, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleScoreboard:
		return RoleScoreboard, true
	}

	return "", false
}

// ClientMessage is one frame read from a client. A non-zero ID asks for an
// ack carrying the same ID.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is one frame written to a client.
type ServerMessage struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeMessage(msgType string, payload any) ([]byte, error) {
	return encodeReply(msgType, 0, payload)
}

func encodeReply(msgType string, id uint64, payload any) ([]byte, error) {
	if msgType == "" {
		return nil, fmt.Errorf("encode message: empty type")
	}

	msg := ServerMessage{Type: msgType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}

	return json.Marshal(msg)
}

func decodeServerMessage(b []byte) (ServerMessage, error) {
	var msg ServerMessage
	if len(b) == 0 {
		return msg, fmt.Errorf("decode message: empty frame")
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}

	return msg, nil
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return out, nil
}

// Client payloads

type JoinPayload struct {
	TeamName   string `json:"teamName"`
	PlayerName string `json:"playerName,omitempty"`
}

type SubmitAnswerPayload struct {
	Answer string `json:"answer"`
}

type StartRoundPayload struct {
	Duration *int `json:"duration,omitempty"` // seconds
}

type AwardPointsPayload struct {
	TeamName string `json:"teamName"`
	Points   Points `json:"points"`
}

// Points accepts a JSON integer or a string holding one, since browser
// forms tend to send the latter.
type Points int

func (p *Points) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return fmt.Errorf("points must be an integer, got %s", b)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return fmt.Errorf("points out of range: %s", b)
	}

	*p = Points(f)

	return nil
}

// Server payloads

type SessionInfoPayload struct {
	ConnectionID string `json:"connectionId"`
	Role         Role   `json:"role"`
}

type RoundStartedPayload struct {
	RoundID  int  `json:"roundId"`
	Duration *int `json:"duration,omitempty"` // seconds left when sent
}

type RoundEndedPayload struct {
	RoundID int `json:"roundId"`
}

type AckPayload struct {
	Success bool   `json:"success,omitempty"`
	Order   int    `json:"order,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// TeamEntry is one team as seen by clients.
type TeamEntry struct {
	Name    string   `json:"-"`
	Score   int      `json:"score"`
	Players []string `json:"players"`
}

// TeamsSnapshot encodes as a JSON object keyed by team name, keeping
// creation order on the wire and when decoded.
type TeamsSnapshot []TeamEntry

func (ts TeamsSnapshot) Lookup(name string) (TeamEntry, bool) {
	for _, t := range ts {
		if t.Name == name {
			return t, true
		}
	}

	return TeamEntry{}, false
}

func (ts TeamsSnapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')
	for i, t := range ts {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(t.Name)
		if err != nil {
			return nil, err
		}

		players := t.Players
		if players == nil {
			players = []string{}
		}
		val, err := json.Marshal(struct {
			Score   int      `json:"score"`
			Players []string `json:"players"`
		}{t.Score, players})
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func (ts *TeamsSnapshot) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*ts = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("teams snapshot: expected object, got %v", tok)
	}

	out := TeamsSnapshot{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("teams snapshot: expected key, got %v", tok)
		}

		var entry TeamEntry
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("teams snapshot %q: %w", name, err)
		}
		entry.Name = name
		out = append(out, entry)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*ts = out

	return nil
}
