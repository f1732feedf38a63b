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
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

func startHub(t *testing.T, opts hubOptions) (*Hub, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	opts.clock = clock

	h := newHub(newStore(clock), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go h.run(ctx)

	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	return h, clock
}

func fakeClient(role Role, buffer int) *Client {
	return &Client{
		id:   uuid.NewString(),
		role: role,
		send: make(chan []byte, buffer),
	}
}

// settle waits until the hub has handled everything queued before it.
func settle(t *testing.T, h *Hub) StateSnapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := h.State(ctx)
	if err != nil {
		t.Fatalf("hub state: %v", err)
	}

	return snap
}

func drain(t *testing.T, c *Client) []ServerMessage {
	t.Helper()

	var msgs []ServerMessage
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return msgs
			}
			msg, err := decodeServerMessage(b)
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// waitFor blocks until c receives msgType, for events the hub raises on
// its own such as timer expiry.
func waitFor(t *testing.T, c *Client, msgType string) ServerMessage {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				t.Fatalf("client closed while waiting for %s", msgType)
			}
			msg, err := decodeServerMessage(b)
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func join(t *testing.T, h *Hub, role Role) *Client {
	t.Helper()

	c := fakeClient(role, 256)
	if !h.connect(c) {
		t.Fatal("hub refused connection")
	}
	settle(t, h)
	drain(t, c)

	return c
}

func frame(t *testing.T, msgType string, id uint64, payload any) []byte {
	t.Helper()

	msg := ClientMessage{Type: msgType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		msg.Payload = raw
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	return data
}

func sendFrame(t *testing.T, h *Hub, c *Client, msgType string, id uint64, payload any) {
	t.Helper()

	if !h.receive(c, frame(t, msgType, id, payload)) {
		t.Fatal("hub refused frame")
	}
}

func msgTypes(msgs []ServerMessage) []string {
	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.Type)
	}

	return types
}

func ackFor(t *testing.T, msgs []ServerMessage, id uint64) AckPayload {
	t.Helper()

	for _, m := range msgs {
		if m.Type == MsgAck && m.ID == id {
			ack, err := decodePayload[AckPayload](m.Payload)
			if err != nil {
				t.Fatal(err)
			}
			return ack
		}
	}

	t.Fatalf("no ack for id %d in %v", id, msgTypes(msgs))

	return AckPayload{}
}

func joinTeam(t *testing.T, h *Hub, c *Client, player, team string) {
	t.Helper()

	sendFrame(t, h, c, MsgJoin, 1, JoinPayload{TeamName: team, PlayerName: player})
	settle(t, h)

	if ack := ackFor(t, drain(t, c), 1); !ack.Success {
		t.Fatalf("join %s: %s", team, ack.Error)
	}
}

func TestConnectWithoutRound(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	c := fakeClient(RolePlayer, 16)
	h.connect(c)
	settle(t, h)

	msgs := drain(t, c)
	want := []string{MsgSessionInfo, MsgTeamsUpdated, MsgScoresUpdated}
	if got := msgTypes(msgs); !slices.Equal(got, want) {
		t.Fatalf("connect sent %v, want %v", got, want)
	}

	info, err := decodePayload[SessionInfoPayload](msgs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if info.ConnectionID != c.id || info.Role != RolePlayer {
		t.Fatalf("session info = %+v", info)
	}
}

func TestConnectReplaysStatePerRole(t *testing.T) {
	h, clock := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	alice := join(t, h, RolePlayer)
	joinTeam(t, h, alice, "Alice", "Red")

	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(30)})
	sendFrame(t, h, alice, MsgSubmitAnswer, 2, SubmitAnswerPayload{Answer: "Paris"})
	settle(t, h)

	clock.Advance(10 * time.Second)

	for _, tc := range []struct {
		role Role
		want []string
	}{
		{RolePlayer, []string{MsgSessionInfo, MsgTeamsUpdated, MsgScoresUpdated, MsgRoundStarted}},
		{RoleScoreboard, []string{MsgSessionInfo, MsgTeamsUpdated, MsgScoresUpdated, MsgRoundStarted}},
		{RoleAdmin, []string{MsgSessionInfo, MsgTeamsUpdated, MsgScoresUpdated, MsgRoundStarted, MsgAllSubmissions}},
	} {
		t.Run(string(tc.role), func(t *testing.T) {
			c := fakeClient(tc.role, 16)
			h.connect(c)
			settle(t, h)

			msgs := drain(t, c)
			if got := msgTypes(msgs); !slices.Equal(got, tc.want) {
				t.Fatalf("connect sent %v, want %v", got, tc.want)
			}

			started, err := decodePayload[RoundStartedPayload](msgs[3].Payload)
			if err != nil {
				t.Fatal(err)
			}
			if started.RoundID != 1 || started.Duration == nil || *started.Duration != 20 {
				t.Fatalf("round-started = %+v, want round 1 with 20s left", started)
			}

			teams, err := decodePayload[TeamsSnapshot](msgs[1].Payload)
			if err != nil {
				t.Fatal(err)
			}
			if red, ok := teams.Lookup("Red"); !ok || !slices.Equal(red.Players, []string{"Alice"}) {
				t.Fatalf("teams = %+v", teams)
			}

			if tc.role == RoleAdmin {
				subs, err := decodePayload[[]Submission](msgs[4].Payload)
				if err != nil {
					t.Fatal(err)
				}
				if len(subs) != 1 || subs[0].Answer != "Paris" || subs[0].Team != "Red" {
					t.Fatalf("all-submissions = %+v", subs)
				}
			}
		})
	}
}

func TestConnectAfterRoundEnded(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	sendFrame(t, h, admin, MsgAdminEndRound, 0, nil)
	settle(t, h)

	c := fakeClient(RoleScoreboard, 16)
	h.connect(c)
	settle(t, h)

	want := []string{MsgSessionInfo, MsgTeamsUpdated, MsgScoresUpdated, MsgRoundEnded}
	if got := msgTypes(drain(t, c)); !slices.Equal(got, want) {
		t.Fatalf("connect sent %v, want %v", got, want)
	}
}

func TestLateAdminLearnsEndedRound(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	player := join(t, h, RolePlayer)
	joinTeam(t, h, player, "Alice", "Red")

	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	sendFrame(t, h, admin, MsgAdminEndRound, 0, nil)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	sendFrame(t, h, player, MsgSubmitAnswer, 2, SubmitAnswerPayload{Answer: "Paris"})
	settle(t, h)
	drain(t, admin)

	sendFrame(t, h, admin, MsgAdminEndRound, 0, nil)
	settle(t, h)

	ended := waitFor(t, admin, MsgRoundEnded)
	if p, _ := decodePayload[RoundEndedPayload](ended.Payload); p.RoundID != 2 {
		t.Fatalf("broadcast round-ended id = %d, want 2", p.RoundID)
	}

	late := fakeClient(RoleAdmin, 16)
	h.connect(late)
	settle(t, h)

	msgs := drain(t, late)
	want := []string{MsgSessionInfo, MsgTeamsUpdated, MsgScoresUpdated, MsgRoundEnded, MsgAllSubmissions}
	if got := msgTypes(msgs); !slices.Equal(got, want) {
		t.Fatalf("connect sent %v, want %v", got, want)
	}
	if p, _ := decodePayload[RoundEndedPayload](msgs[3].Payload); p.RoundID != 2 {
		t.Fatalf("replayed round-ended id = %d, want 2", p.RoundID)
	}

	view := NewAdminView()
	for _, m := range msgs {
		if err := view.Apply(m); err != nil {
			t.Fatalf("apply %s: %v", m.Type, err)
		}
	}
	if view.RoundID != 2 || view.RoundActive || len(view.Submissions) != 1 {
		t.Fatalf("late admin view = id %d active %v submissions %d", view.RoundID, view.RoundActive, len(view.Submissions))
	}
	if view.NextRoundID() != 3 {
		t.Fatalf("NextRoundID = %d, want 3", view.NextRoundID())
	}
}

func TestRequestStateReplaysSnapshot(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	player := join(t, h, RolePlayer)

	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)
	drain(t, admin)
	drain(t, player)

	sendFrame(t, h, player, MsgRequestState, 0, nil)
	sendFrame(t, h, admin, MsgAdminRequestState, 0, nil)
	settle(t, h)

	if got, want := msgTypes(drain(t, player)), []string{MsgTeamsUpdated, MsgScoresUpdated, MsgRoundStarted}; !slices.Equal(got, want) {
		t.Fatalf("player resync = %v, want %v", got, want)
	}
	if got, want := msgTypes(drain(t, admin)), []string{MsgTeamsUpdated, MsgScoresUpdated, MsgRoundStarted, MsgAllSubmissions}; !slices.Equal(got, want) {
		t.Fatalf("admin resync = %v, want %v", got, want)
	}
}

func TestJoinBroadcastsTeams(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	watcher := join(t, h, RoleScoreboard)
	player := join(t, h, RolePlayer)

	sendFrame(t, h, player, MsgJoinTeam, 5, JoinPayload{TeamName: "  Red  "})
	settle(t, h)

	msgs := drain(t, player)
	if got, want := msgTypes(msgs), []string{MsgTeamsUpdated, MsgAck}; !slices.Equal(got, want) {
		t.Fatalf("player got %v, want %v", got, want)
	}
	if ack := ackFor(t, msgs, 5); !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}

	seen := drain(t, watcher)
	if got, want := msgTypes(seen), []string{MsgTeamsUpdated}; !slices.Equal(got, want) {
		t.Fatalf("watcher got %v, want %v", got, want)
	}

	teams, _ := decodePayload[TeamsSnapshot](seen[0].Payload)
	red, ok := teams.Lookup("Red")
	if !ok {
		t.Fatalf("team name was not trimmed: %+v", teams)
	}
	if want := []string{defaultIdentity(player.id)}; !slices.Equal(red.Players, want) {
		t.Fatalf("players = %v, want %v", red.Players, want)
	}
}

func TestJoinRejectsEmptyTeamName(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	watcher := join(t, h, RoleScoreboard)
	player := join(t, h, RolePlayer)

	sendFrame(t, h, player, MsgJoin, 1, JoinPayload{TeamName: "   "})
	settle(t, h)

	ack := ackFor(t, drain(t, player), 1)
	if ack.Success || ack.Error != ErrEmptyTeamName.Error() {
		t.Fatalf("ack = %+v, want %q", ack, ErrEmptyTeamName)
	}
	if msgs := drain(t, watcher); len(msgs) != 0 {
		t.Fatalf("rejected join broadcast %v", msgTypes(msgs))
	}
}

func TestSubmitAnswer(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	red := join(t, h, RolePlayer)
	blue := join(t, h, RolePlayer)
	joinTeam(t, h, red, "Alice", "Red")
	joinTeam(t, h, blue, "Bob", "Blue")

	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)
	drain(t, admin)
	drain(t, red)
	drain(t, blue)

	sendFrame(t, h, red, MsgSubmitAnswer, 7, SubmitAnswerPayload{Answer: "x"})
	settle(t, h)

	if ack := ackFor(t, drain(t, red), 7); !ack.Success || ack.Order != 1 {
		t.Fatalf("red ack = %+v, want order 1", ack)
	}

	feed := drain(t, admin)
	if got := msgTypes(feed); !slices.Equal(got, []string{MsgSubmissionReceived}) {
		t.Fatalf("admin got %v", got)
	}
	sub, _ := decodePayload[Submission](feed[0].Payload)
	if sub.Team != "Red" || sub.Player != "Alice" || sub.Answer != "x" || sub.Order != 1 || sub.RoundID != 1 {
		t.Fatalf("submission = %+v", sub)
	}
	if got := msgTypes(drain(t, blue)); !slices.Equal(got, []string{MsgSubmissionReceived}) {
		t.Fatalf("blue got %v", got)
	}

	// duplicate from the same team
	sendFrame(t, h, red, MsgSubmitAnswer, 8, SubmitAnswerPayload{Answer: "y"})
	settle(t, h)

	if ack := ackFor(t, drain(t, red), 8); ack.Success || ack.Error != ErrAlreadySubmitted.Error() {
		t.Fatalf("duplicate ack = %+v", ack)
	}
	if msgs := drain(t, admin); len(msgs) != 0 {
		t.Fatalf("duplicate broadcast %v", msgTypes(msgs))
	}

	sendFrame(t, h, blue, MsgSubmitAnswer, 9, SubmitAnswerPayload{Answer: "z"})
	settle(t, h)

	if ack := ackFor(t, drain(t, blue), 9); !ack.Success || ack.Order != 2 {
		t.Fatalf("blue ack = %+v, want order 2", ack)
	}
}

func TestSubmitWithoutAckReportsError(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	player := join(t, h, RolePlayer)
	sendFrame(t, h, player, MsgSubmitAnswer, 0, SubmitAnswerPayload{Answer: "x"})
	settle(t, h)

	msgs := drain(t, player)
	if got := msgTypes(msgs); !slices.Equal(got, []string{MsgError}) {
		t.Fatalf("got %v, want a single error", got)
	}

	p, _ := decodePayload[ErrorPayload](msgs[0].Payload)
	if p.Message != ErrNotJoined.Error() {
		t.Fatalf("error = %q, want %q", p.Message, ErrNotJoined)
	}
}

func TestAdminActionsRequireAdmin(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	player := join(t, h, RolePlayer)
	watcher := join(t, h, RoleScoreboard)

	for i, msgType := range []string{MsgAdminStartRound, MsgAdminEndRound, MsgAdminAwardPoints, MsgAdminResetGame} {
		id := uint64(i + 1)
		sendFrame(t, h, player, msgType, id, nil)
		snap := settle(t, h)

		if ack := ackFor(t, drain(t, player), id); ack.Error != ErrNotAdmin.Error() {
			t.Fatalf("%s ack = %+v", msgType, ack)
		}
		if snap.Round != nil {
			t.Fatalf("%s started a round", msgType)
		}
	}

	if msgs := drain(t, watcher); len(msgs) != 0 {
		t.Fatalf("rejected admin actions broadcast %v", msgTypes(msgs))
	}
}

func TestAwardPoints(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	watcher := join(t, h, RoleScoreboard)
	player := join(t, h, RolePlayer)
	joinTeam(t, h, player, "Alice", "Red")
	drain(t, watcher)

	sendFrame(t, h, admin, MsgAdminAwardPoints, 0, map[string]any{"teamName": "Red", "points": "5"})
	settle(t, h)

	msgs := drain(t, watcher)
	if got, want := msgTypes(msgs), []string{MsgTeamsUpdated, MsgScoresUpdated}; !slices.Equal(got, want) {
		t.Fatalf("award broadcast %v, want %v", got, want)
	}

	board, _ := decodePayload[[]Standing](msgs[1].Payload)
	if !slices.Equal(board, []Standing{{Name: "Red", Score: 5}}) {
		t.Fatalf("leaderboard = %v", board)
	}

	sendFrame(t, h, admin, MsgAdminAwardPoints, 0, AwardPointsPayload{TeamName: "Nobody", Points: 5})
	settle(t, h)

	if msgs := drain(t, watcher); len(msgs) != 0 {
		t.Fatalf("award to unknown team broadcast %v", msgTypes(msgs))
	}
	if msgs := drain(t, admin); slices.Contains(msgTypes(msgs), MsgError) {
		t.Fatal("award to unknown team reported an error")
	}
}

func TestEndRoundWithoutRoundIsSilent(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	watcher := join(t, h, RoleScoreboard)

	sendFrame(t, h, admin, MsgAdminEndRound, 0, nil)
	settle(t, h)

	if msgs := drain(t, watcher); len(msgs) != 0 {
		t.Fatalf("end round without round broadcast %v", msgTypes(msgs))
	}
	if msgs := drain(t, admin); len(msgs) != 0 {
		t.Fatalf("admin got %v", msgTypes(msgs))
	}
}

func TestResetBroadcastSequence(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	player := join(t, h, RolePlayer)
	joinTeam(t, h, player, "Alice", "Red")
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)
	drain(t, player)

	sendFrame(t, h, admin, MsgAdminResetGame, 0, nil)
	snap := settle(t, h)

	want := []string{MsgTeamsUpdated, MsgScoresUpdated, MsgGameReset}
	if got := msgTypes(drain(t, player)); !slices.Equal(got, want) {
		t.Fatalf("reset sent %v, want %v", got, want)
	}
	if len(snap.Teams) != 0 || len(snap.Leaderboard) != 0 || snap.Round != nil {
		t.Fatalf("state after reset = %+v", snap)
	}

	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	if snap := settle(t, h); snap.Round == nil || snap.Round.ID != 1 {
		t.Fatalf("round after reset = %+v, want id 1", snap.Round)
	}
}

func TestDisconnectKeepsTeam(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	watcher := join(t, h, RoleScoreboard)
	player := join(t, h, RolePlayer)
	joinTeam(t, h, player, "Alice", "Red")
	drain(t, watcher)

	h.disconnect(player)
	snap := settle(t, h)

	msgs := drain(t, watcher)
	if got := msgTypes(msgs); !slices.Equal(got, []string{MsgTeamsUpdated}) {
		t.Fatalf("disconnect broadcast %v", got)
	}

	teams, _ := decodePayload[TeamsSnapshot](msgs[0].Payload)
	red, ok := teams.Lookup("Red")
	if !ok || len(red.Players) != 0 {
		t.Fatalf("teams after disconnect = %+v", teams)
	}
	if snap.Connections != 1 {
		t.Fatalf("connections = %d, want 1", snap.Connections)
	}

	if _, ok := <-player.send; ok {
		t.Fatal("send channel left open after disconnect")
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	first := join(t, h, RolePlayer)
	joinTeam(t, h, first, "Alice", "Red")
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)

	h.disconnect(first)
	settle(t, h)

	second := join(t, h, RolePlayer)

	sendFrame(t, h, second, MsgSubmitAnswer, 2, SubmitAnswerPayload{Answer: "Paris"})
	settle(t, h)
	if ack := ackFor(t, drain(t, second), 2); ack.Error != ErrNotJoined.Error() {
		t.Fatalf("submit before rejoin = %+v, want %v", ack, ErrNotJoined)
	}

	joinTeam(t, h, second, "Alice", "Red")

	snap := settle(t, h)
	red, ok := snap.Teams.Lookup("Red")
	if !ok || !slices.Equal(red.Players, []string{"Alice"}) {
		t.Fatalf("red after rejoin = %+v", red)
	}

	sendFrame(t, h, second, MsgSubmitAnswer, 3, SubmitAnswerPayload{Answer: "Paris"})
	settle(t, h)
	if ack := ackFor(t, drain(t, second), 3); !ack.Success || ack.Order != 1 {
		t.Fatalf("submit after rejoin = %+v", ack)
	}
}

func TestMalformedFrame(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	watcher := join(t, h, RoleScoreboard)
	player := join(t, h, RolePlayer)

	h.receive(player, []byte("{not json"))
	sendFrame(t, h, player, "dance", 3, nil)
	sendFrame(t, h, player, MsgJoin, 4, json.RawMessage(`{"teamName": 12}`))
	settle(t, h)

	msgs := drain(t, player)
	if got := msgTypes(msgs); !slices.Equal(got, []string{MsgError, MsgAck, MsgAck}) {
		t.Fatalf("got %v", got)
	}
	if ack := ackFor(t, msgs, 3); ack.Error == "" {
		t.Fatal("unknown message type was acked without error")
	}
	if ack := ackFor(t, msgs, 4); ack.Error == "" {
		t.Fatal("bad join payload was acked without error")
	}

	if msgs := drain(t, watcher); len(msgs) != 0 {
		t.Fatalf("malformed frames broadcast %v", msgTypes(msgs))
	}
}

func TestPing(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	c := join(t, h, RoleScoreboard)
	sendFrame(t, h, c, MsgPing, 42, nil)
	settle(t, h)

	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Type != MsgPong || msgs[0].ID != 42 {
		t.Fatalf("got %+v", msgs)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	slow := fakeClient(RolePlayer, 1)
	h.connect(slow)
	snap := settle(t, h)

	if snap.Connections != 0 {
		t.Fatalf("connections = %d, want slow client dropped", snap.Connections)
	}

	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Fatal("slow client still open")
	}

	// a later disconnect from its read pump must be harmless
	h.disconnect(slow)
	settle(t, h)
}

func TestAutoEndRound(t *testing.T) {
	h, clock := startHub(t, hubOptions{autoEndRounds: true})

	admin := join(t, h, RoleAdmin)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(5)})
	settle(t, h)
	drain(t, admin)

	clock.Advance(4 * time.Second)
	if snap := settle(t, h); !snap.Round.Active {
		t.Fatal("round ended early")
	}

	clock.Advance(time.Second)
	waitFor(t, admin, MsgRoundEnded)

	if snap := settle(t, h); snap.Round.Active {
		t.Fatal("round still active after expiry")
	}
}

func TestAutoEndSkipsReplacedRound(t *testing.T) {
	h, clock := startHub(t, hubOptions{autoEndRounds: true})

	admin := join(t, h, RoleAdmin)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(5)})
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)

	clock.Advance(time.Minute)
	snap := settle(t, h)

	if snap.Round.ID != 2 || !snap.Round.Active {
		t.Fatalf("round = %+v, want untimed round 2 still open", snap.Round)
	}
}

func TestRoundsStayOpenWithoutAutoEnd(t *testing.T) {
	h, clock := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(5)})
	settle(t, h)

	clock.Advance(time.Minute)

	snap := settle(t, h)
	if !snap.Round.Active {
		t.Fatal("round closed without auto-end enabled")
	}
	if snap.Round.Remaining == nil || *snap.Round.Remaining != 0 {
		t.Fatalf("remaining = %v, want 0", snap.Round.Remaining)
	}
}

func TestStartRoundRejectsHugeDuration(t *testing.T) {
	h, _ := startHub(t, hubOptions{autoEndRounds: true})

	watcher := join(t, h, RoleScoreboard)
	admin := join(t, h, RoleAdmin)

	for i, secs := range []int{maxRoundSeconds + 1, math.MaxInt} {
		id := uint64(i + 1)
		sendFrame(t, h, admin, MsgAdminStartRound, id, StartRoundPayload{Duration: ptr(secs)})
		snap := settle(t, h)

		ack := ackFor(t, drain(t, admin), id)
		if ack.Success || !strings.Contains(ack.Error, ErrInvalidPayload.Error()) {
			t.Fatalf("duration %d acked %+v", secs, ack)
		}
		if snap.Round != nil {
			t.Fatalf("duration %d started round %+v", secs, snap.Round)
		}
	}

	if msgs := drain(t, watcher); len(msgs) != 0 {
		t.Fatalf("rejected start broadcast %v", msgTypes(msgs))
	}

	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(maxRoundSeconds)})
	settle(t, h)

	started := waitFor(t, watcher, MsgRoundStarted)
	p, _ := decodePayload[RoundStartedPayload](started.Payload)
	if p.Duration == nil || *p.Duration != maxRoundSeconds {
		t.Fatalf("round-started duration = %v, want %d", p.Duration, maxRoundSeconds)
	}
}

func TestPastDueRoundReplaysZeroSeconds(t *testing.T) {
	h, clock := startHub(t, hubOptions{})

	admin := join(t, h, RoleAdmin)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(5)})
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, StartRoundPayload{Duration: ptr(5)})
	settle(t, h)

	clock.Advance(time.Minute)

	late := fakeClient(RolePlayer, 16)
	h.connect(late)
	settle(t, h)

	var started *RoundStartedPayload
	for _, m := range drain(t, late) {
		if m.Type == MsgRoundStarted {
			p, err := decodePayload[RoundStartedPayload](m.Payload)
			if err != nil {
				t.Fatal(err)
			}
			started = &p
		}
	}
	if started == nil || started.RoundID != 3 {
		t.Fatalf("round-started = %+v, want round 3", started)
	}
	if started.Duration == nil || *started.Duration != 0 {
		t.Fatalf("duration = %v, want 0 for a timed round past its deadline", started.Duration)
	}
}

func TestConcurrentSubmissionsStayGapless(t *testing.T) {
	h, _ := startHub(t, hubOptions{})

	const teams = 25

	admin := join(t, h, RoleAdmin)
	players := make([]*Client, teams)
	for i := range players {
		players[i] = join(t, h, RolePlayer)
		joinTeam(t, h, players[i], fmt.Sprintf("p%d", i), fmt.Sprintf("Team %d", i))
	}

	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	settle(t, h)
	for _, p := range players {
		drain(t, p)
	}

	frames := make([][]byte, 3)
	for attempt := range frames {
		frames[attempt] = frame(t, MsgSubmitAnswer, uint64(100+attempt), SubmitAnswerPayload{Answer: "x"})
	}

	var wg sync.WaitGroup
	for _, p := range players {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, f := range frames {
				h.receive(p, f)
			}
		}()
	}
	wg.Wait()

	snap := settle(t, h)
	if snap.Round.Submissions != teams {
		t.Fatalf("submissions = %d, want %d", snap.Round.Submissions, teams)
	}

	var orders []int
	for _, p := range players {
		accepted := 0
		for _, m := range drain(t, p) {
			if m.Type != MsgAck {
				continue
			}
			ack, _ := decodePayload[AckPayload](m.Payload)
			if ack.Success {
				accepted++
				orders = append(orders, ack.Order)
			}
		}
		if accepted != 1 {
			t.Fatalf("team accepted %d times, want 1", accepted)
		}
	}

	sort.Ints(orders)
	for i, o := range orders {
		if o != i+1 {
			t.Fatalf("orders = %v, want 1..%d", orders, teams)
		}
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
	fail  bool
}

func (p *recordingPublisher) Publish(msgType string, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.types = append(p.types, msgType)
	if p.fail {
		return errors.New("bus down")
	}

	return nil
}

func TestBroadcastsArePublished(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	h, _ := startHub(t, hubOptions{publisher: pub})

	admin := join(t, h, RoleAdmin)
	sendFrame(t, h, admin, MsgAdminStartRound, 0, nil)
	sendFrame(t, h, admin, MsgAdminEndRound, 0, nil)
	settle(t, h)

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if want := []string{MsgRoundStarted, MsgRoundEnded}; !slices.Equal(pub.types, want) {
		t.Fatalf("published %v, want %v", pub.types, want)
	}

	// a failing bus must not stop local delivery
	if got := msgTypes(drain(t, admin)); !slices.Equal(got, []string{MsgRoundStarted, MsgRoundEnded}) {
		t.Fatalf("admin got %v", got)
	}
}

func ptr[T any](v T) *T {
	return &v
}
