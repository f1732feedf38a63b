/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// maxRoundSeconds caps timed rounds at one day.
const maxRoundSeconds = 24 * 60 * 60

// Publisher mirrors every broadcast frame somewhere outside the process.
type Publisher interface {
	Publish(msgType string, frame []byte) error
}

type hubOptions struct {
	clock         clockwork.Clock
	autoEndRounds bool
	publisher     Publisher
}

// Commands accepted by the hub goroutine.
type (
	connectCmd struct {
		client *Client
	}
	disconnectCmd struct {
		client *Client
	}
	frameCmd struct {
		client *Client
		data   []byte
	}
	stateQuery struct {
		reply chan<- StateSnapshot
	}
	roundExpired struct {
		roundID int
	}
)

// RoundStatus is the public view of the current round.
type RoundStatus struct {
	ID          int  `json:"id"`
	Active      bool `json:"active"`
	Submissions int  `json:"submissions"`
	Remaining   *int `json:"remaining,omitempty"` // seconds
}

// StateSnapshot is served on /api/state.
type StateSnapshot struct {
	Teams       TeamsSnapshot `json:"teams"`
	Leaderboard []Standing    `json:"leaderboard"`
	Round       *RoundStatus  `json:"round,omitempty"`
	Connections int           `json:"connections"`
}

// Hub is the only goroutine allowed to touch the Store. Every client
// action, disconnect and timer expiry is funneled through inbox and
// applied one at a time, so checks and mutations never interleave.
type Hub struct {
	store   *Store
	clock   clockwork.Clock
	clients map[*Client]bool

	inbox chan any
	done  chan struct{}

	autoEndRounds bool
	roundTimer    clockwork.Timer
	publisher     Publisher
}

func newHub(store *Store, opts hubOptions) *Hub {
	if opts.clock == nil {
		opts.clock = clockwork.NewRealClock()
	}

	return &Hub{
		store:         store,
		clock:         opts.clock,
		clients:       make(map[*Client]bool),
		inbox:         make(chan any, 256),
		done:          make(chan struct{}),
		autoEndRounds: opts.autoEndRounds,
		publisher:     opts.publisher,
	}
}

func (h *Hub) run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.inbox:
			h.handleCommand(cmd)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopRoundTimer()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}

	close(h.done)
}

// enqueue hands cmd to the hub goroutine, giving up once it has stopped.
func (h *Hub) enqueue(cmd any) bool {
	select {
	case h.inbox <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) connect(c *Client) bool {
	return h.enqueue(connectCmd{client: c})
}

func (h *Hub) disconnect(c *Client) bool {
	return h.enqueue(disconnectCmd{client: c})
}

func (h *Hub) receive(c *Client, data []byte) bool {
	return h.enqueue(frameCmd{client: c, data: data})
}

// State returns a consistent copy of the public game state.
func (h *Hub) State(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)

	select {
	case h.inbox <- stateQuery{reply: reply}:
	case <-h.done:
		return StateSnapshot{}, errors.New("hub stopped")
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}

func (h *Hub) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case connectCmd:
		h.handleConnect(c.client)
	case disconnectCmd:
		h.handleDisconnect(c.client)
	case frameCmd:
		h.handleFrame(c.client, c.data)
	case stateQuery:
		c.reply <- h.snapshot()
	case roundExpired:
		h.handleRoundExpired(c.roundID)
	}
}

func (h *Hub) handleConnect(c *Client) {
	h.clients[c] = true

	log.Debug().
		Str("conn", c.id).
		Str("role", string(c.role)).
		Int("connections", len(h.clients)).
		Msg("client connected")

	h.sendTo(c, MsgSessionInfo, SessionInfoPayload{ConnectionID: c.id, Role: c.role})
	h.sendState(c)
}

func (h *Hub) handleDisconnect(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	if b, ok := h.store.UnbindConnection(c.id); ok {
		log.Info().
			Str("conn", c.id).
			Str("player", b.Identity).
			Str("team", b.Team).
			Msg("player disconnected")
	}

	h.broadcast(MsgTeamsUpdated, h.store.Teams())
}

// sendState replays everything a fresh client needs to rebuild its view.
func (h *Hub) sendState(c *Client) {
	h.sendTo(c, MsgTeamsUpdated, h.store.Teams())
	h.sendTo(c, MsgScoresUpdated, h.store.Leaderboard())

	round, ok := h.store.CurrentRound()
	if !ok {
		return
	}

	if round.Active {
		h.sendTo(c, MsgRoundStarted, h.roundStarted(round))
	} else {
		h.sendTo(c, MsgRoundEnded, RoundEndedPayload{RoundID: round.ID})
	}

	if c.role == RoleAdmin {
		h.sendTo(c, MsgAllSubmissions, round.Submissions)
	}
}

func (h *Hub) roundStarted(round Round) RoundStartedPayload {
	payload := RoundStartedPayload{RoundID: round.ID}

	if left, ok := round.Remaining(h.clock.Now()); ok {
		secs := int(math.Ceil(left.Seconds()))
		payload.Duration = &secs
	}

	return payload
}

func (h *Hub) snapshot() StateSnapshot {
	snap := StateSnapshot{
		Teams:       h.store.Teams(),
		Leaderboard: h.store.Leaderboard(),
		Connections: len(h.clients),
	}

	if round, ok := h.store.CurrentRound(); ok {
		status := &RoundStatus{
			ID:          round.ID,
			Active:      round.Active,
			Submissions: len(round.Submissions),
		}
		if left, ok := round.Remaining(h.clock.Now()); ok && round.Active {
			secs := int(math.Ceil(left.Seconds()))
			status.Remaining = &secs
		}
		snap.Round = status
	}

	return snap
}

func (h *Hub) handleFrame(c *Client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.replyError(c, 0, fmt.Errorf("%w: malformed frame", ErrInvalidPayload))
		return
	}

	switch msg.Type {
	case MsgJoin, MsgJoinTeam:
		h.handleJoin(c, msg)
	case MsgSubmitAnswer:
		h.handleSubmit(c, msg)
	case MsgRequestState, MsgAdminRequestState:
		h.sendState(c)
	case MsgPing:
		h.sendReply(c, MsgPong, msg.ID, nil)
	case MsgAdminStartRound, MsgAdminEndRound, MsgAdminAwardPoints, MsgAdminResetGame:
		if c.role != RoleAdmin {
			log.Warn().Str("conn", c.id).Str("type", msg.Type).Msg("admin action from non-admin connection")
			h.replyError(c, msg.ID, ErrNotAdmin)
			return
		}
		h.handleAdmin(c, msg)
	default:
		h.replyError(c, msg.ID, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type))
	}
}

func (h *Hub) handleJoin(c *Client, msg ClientMessage) {
	p, err := decodePayload[JoinPayload](msg.Payload)
	if err != nil {
		h.replyError(c, msg.ID, err)
		return
	}

	team := strings.TrimSpace(p.TeamName)
	if team == "" {
		h.replyError(c, msg.ID, ErrEmptyTeamName)
		return
	}

	identity := strings.TrimSpace(p.PlayerName)
	if identity == "" {
		identity = defaultIdentity(c.id)
	}

	if err := h.store.BindConnection(c.id, identity, team); err != nil {
		h.replyError(c, msg.ID, err)
		return
	}

	log.Info().Str("conn", c.id).Str("player", identity).Str("team", team).Msg("player joined")

	h.broadcast(MsgTeamsUpdated, h.store.Teams())
	h.ack(c, msg.ID, AckPayload{Success: true})
}

func defaultIdentity(connID string) string {
	if len(connID) > 8 {
		connID = connID[:8]
	}

	return "Player-" + connID
}

func (h *Hub) handleSubmit(c *Client, msg ClientMessage) {
	p, err := decodePayload[SubmitAnswerPayload](msg.Payload)
	if err != nil {
		h.replyError(c, msg.ID, err)
		return
	}

	sub, err := h.store.RecordSubmission(c.id, p.Answer)
	if err != nil {
		log.Debug().Err(err).Str("conn", c.id).Msg("submission rejected")
		h.replyError(c, msg.ID, err)
		return
	}

	log.Info().
		Int("round", sub.RoundID).
		Int("order", sub.Order).
		Str("player", sub.Player).
		Str("team", sub.Team).
		Msg("submission received")

	h.broadcast(MsgSubmissionReceived, sub)
	h.ack(c, msg.ID, AckPayload{Success: true, Order: sub.Order})
}

func (h *Hub) handleAdmin(c *Client, msg ClientMessage) {
	switch msg.Type {
	case MsgAdminStartRound:
		p, err := decodePayload[StartRoundPayload](msg.Payload)
		if err != nil {
			h.replyError(c, msg.ID, err)
			return
		}

		if p.Duration != nil && *p.Duration > maxRoundSeconds {
			h.replyError(c, msg.ID, fmt.Errorf("%w: duration above %d seconds", ErrInvalidPayload, maxRoundSeconds))
			return
		}

		var d time.Duration
		if p.Duration != nil && *p.Duration > 0 {
			d = time.Duration(*p.Duration) * time.Second
		}

		round := h.store.StartRound(d)
		h.scheduleRoundEnd(round)

		log.Info().Int("round", round.ID).Dur("duration", d).Msg("round started")

		payload := RoundStartedPayload{RoundID: round.ID}
		if d > 0 {
			secs := *p.Duration
			payload.Duration = &secs
		}
		h.broadcast(MsgRoundStarted, payload)

	case MsgAdminEndRound:
		h.endRound("admin")

	case MsgAdminAwardPoints:
		p, err := decodePayload[AwardPointsPayload](msg.Payload)
		if err != nil {
			h.replyError(c, msg.ID, err)
			return
		}

		if !h.store.AwardPoints(p.TeamName, int(p.Points)) {
			log.Debug().Str("team", p.TeamName).Msg("award to unknown team ignored")
			return
		}

		log.Info().Str("team", p.TeamName).Int("points", int(p.Points)).Msg("points awarded")

		h.broadcast(MsgTeamsUpdated, h.store.Teams())
		h.broadcast(MsgScoresUpdated, h.store.Leaderboard())

	case MsgAdminResetGame:
		h.stopRoundTimer()
		h.store.Reset()

		log.Info().Msg("game reset")

		h.broadcast(MsgTeamsUpdated, h.store.Teams())
		h.broadcast(MsgScoresUpdated, h.store.Leaderboard())
		h.broadcast(MsgGameReset, nil)
	}
}

func (h *Hub) endRound(by string) {
	round, ok := h.store.EndRound()
	if !ok {
		log.Debug().Msg("end round ignored, no round started")
		return
	}

	h.stopRoundTimer()

	log.Info().Int("round", round.ID).Str("by", by).Msg("round ended")

	h.broadcast(MsgRoundEnded, RoundEndedPayload{RoundID: round.ID})
}

func (h *Hub) handleRoundExpired(roundID int) {
	round, ok := h.store.CurrentRound()
	if !ok || round.ID != roundID || !round.Active {
		return
	}

	h.endRound("timer")
}

func (h *Hub) scheduleRoundEnd(round Round) {
	h.stopRoundTimer()

	if !h.autoEndRounds || round.Duration <= 0 {
		return
	}

	id := round.ID
	h.roundTimer = h.clock.AfterFunc(round.Duration, func() {
		h.enqueue(roundExpired{roundID: id})
	})
}

func (h *Hub) stopRoundTimer() {
	if h.roundTimer != nil {
		h.roundTimer.Stop()
		h.roundTimer = nil
	}
}

func (h *Hub) broadcast(msgType string, payload any) {
	frame, err := encodeMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to encode broadcast")
		return
	}

	for c := range h.clients {
		h.deliver(c, frame)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(msgType, frame); err != nil {
			log.Warn().Err(err).Str("type", msgType).Msg("failed to publish event")
		}
	}
}

func (h *Hub) sendTo(c *Client, msgType string, payload any) {
	h.sendReply(c, msgType, 0, payload)
}

func (h *Hub) sendReply(c *Client, msgType string, id uint64, payload any) {
	frame, err := encodeReply(msgType, id, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return
	}

	h.deliver(c, frame)
}

func (h *Hub) ack(c *Client, id uint64, payload AckPayload) {
	if id == 0 {
		return
	}

	h.sendReply(c, MsgAck, id, payload)
}

// replyError reports err to the requesting client only: through its ack
// when it asked for one, otherwise as an error message.
func (h *Hub) replyError(c *Client, id uint64, err error) {
	if id != 0 {
		h.sendReply(c, MsgAck, id, AckPayload{Error: err.Error()})
		return
	}

	h.sendTo(c, MsgError, ErrorPayload{Message: err.Error()})
}

// deliver never blocks the hub. A client that cannot keep up is dropped;
// its read pump reports the disconnect once the socket closes.
func (h *Hub) deliver(c *Client, frame []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- frame:
	default:
		log.Warn().Str("conn", c.id).Msg("send buffer full, dropping client")
		delete(h.clients, c)
		close(c.send)
	}
}
