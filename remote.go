/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var errRemoteClosed = errors.New("connection closed")

// remoteConn is the terminal side of a websocket session. Acks are matched
// to requests by id; everything else goes to the handler passed to listen.
type remoteConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan AckPayload
	closed  bool
}

func remoteURL(server string, role Role, key string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}

	q := u.Query()
	q.Set("role", string(role))
	if key != "" {
		q.Set("key", key)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func dialRemote(ctx context.Context, server string, role Role, key string) (*remoteConn, error) {
	target, err := remoteURL(server, role, key)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", server, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}

	log.Debug().Str("url", target).Msg("connected")

	return &remoteConn{
		conn:    conn,
		pending: make(map[uint64]chan AckPayload),
	}, nil
}

func (r *remoteConn) write(msg ClientMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return r.conn.WriteMessage(websocket.TextMessage, b)
}

func (r *remoteConn) send(msgType string, payload any) error {
	msg := ClientMessage{Type: msgType}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}

	return r.write(msg)
}

// request sends a message and waits for its ack.
func (r *remoteConn) request(ctx context.Context, msgType string, payload any) (AckPayload, error) {
	id := r.nextID.Add(1)
	reply := make(chan AckPayload, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return AckPayload{}, errRemoteClosed
	}
	r.pending[id] = reply
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	msg := ClientMessage{Type: msgType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return AckPayload{}, err
		}
		msg.Payload = raw
	}

	if err := r.write(msg); err != nil {
		return AckPayload{}, err
	}

	select {
	case ack, ok := <-reply:
		if !ok {
			return AckPayload{}, errRemoteClosed
		}
		return ack, nil
	case <-ctx.Done():
		return AckPayload{}, ctx.Err()
	}
}

// listen reads until the connection drops or ctx ends.
func (r *remoteConn) listen(ctx context.Context, handle func(ServerMessage)) error {
	stop := context.AfterFunc(ctx, func() {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		r.writeMu.Unlock()
		_ = r.conn.Close()
	})
	defer stop()

	defer r.closePending()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring frame")
			continue
		}

		if msg.Type == MsgAck {
			r.resolve(msg)
			continue
		}

		handle(msg)
	}
}

func (r *remoteConn) resolve(msg ServerMessage) {
	ack, err := decodePayload[AckPayload](msg.Payload)
	if err != nil {
		log.Warn().Err(err).Uint64("id", msg.ID).Msg("bad ack")
		return
	}

	r.mu.Lock()
	reply, ok := r.pending[msg.ID]
	r.mu.Unlock()

	if ok {
		reply <- ack
	}
}

func (r *remoteConn) closePending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, reply := range r.pending {
		close(reply)
		delete(r.pending, id)
	}
}

func (r *remoteConn) Close() error {
	return r.conn.Close()
}

// runWatch follows the game as a scoreboard or admin and prints every
// change to out.
func runWatch(ctx context.Context, cfg *Config, out io.Writer) error {
	role, ok := parseRole(cfg.role)
	if !ok || role == RolePlayer {
		return fmt.Errorf("watch: role must be scoreboard or admin, got %q", cfg.role)
	}

	rc, err := dialRemote(ctx, cfg.server, role, cfg.adminKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	var proj Projection
	var render func(ServerMessage)

	switch role {
	case RoleAdmin:
		admin := NewAdminView()
		proj = admin
		render = func(msg ServerMessage) { renderAdmin(out, admin, msg) }
	default:
		board := NewScoreboardView()
		proj = board
		render = func(msg ServerMessage) { renderScoreboard(out, board, msg) }
	}

	return rc.listen(ctx, func(msg ServerMessage) {
		if err := proj.Apply(msg); err != nil {
			log.Warn().Err(err).Str("type", msg.Type).Msg("could not apply message")
			return
		}
		render(msg)
	})
}

func renderScoreboard(out io.Writer, board *ScoreboardView, msg ServerMessage) {
	switch msg.Type {
	case MsgScoresUpdated:
		fmt.Fprintln(out, "---- Leaderboard ----")
		ranked := board.Ranked()
		if len(ranked) == 0 {
			fmt.Fprintln(out, "  (no teams yet)")
		}
		for i, s := range ranked {
			fmt.Fprintf(out, "%3d. %-24s %6d\n", i+1, s.Name, s.Score)
		}
	case MsgGameReset:
		fmt.Fprintln(out, "---- Game reset ----")
	}
}

func renderAdmin(out io.Writer, admin *AdminView, msg ServerMessage) {
	switch msg.Type {
	case MsgTeamsUpdated:
		fmt.Fprintln(out, "---- Teams ----")
		for _, t := range admin.Teams {
			fmt.Fprintf(out, "  %-24s %6d  %s\n", t.Name, t.Score, strings.Join(t.Players, ", "))
		}
	case MsgRoundStarted:
		if admin.roundDuration != nil {
			fmt.Fprintf(out, "Round %d started (%ds)\n", admin.RoundID, *admin.roundDuration)
		} else {
			fmt.Fprintf(out, "Round %d started\n", admin.RoundID)
		}
	case MsgRoundEnded:
		fmt.Fprintf(out, "Round %d ended with %d submissions, next is round %d\n",
			admin.RoundID, len(admin.Submissions), admin.NextRoundID())
	case MsgAllSubmissions:
		for _, s := range admin.Submissions {
			printSubmission(out, s)
		}
	case MsgSubmissionReceived:
		if n := len(admin.Submissions); n > 0 {
			printSubmission(out, admin.Submissions[n-1])
		}
	case MsgGameReset:
		fmt.Fprintln(out, "---- Game reset ----")
	}
}

func printSubmission(out io.Writer, s Submission) {
	fmt.Fprintf(out, "  #%d %s [%s] (%s): %s\n",
		s.Order, s.Team, s.Player, s.Time().Format(time.TimeOnly), s.Answer)
}

// runPlay joins a team and submits each line read from in as an answer.
func runPlay(ctx context.Context, cfg *Config, clock clockwork.Clock, in io.Reader, out io.Writer) error {
	team := strings.TrimSpace(cfg.team)
	if team == "" {
		return ErrEmptyTeamName
	}

	rc, err := dialRemote(ctx, cfg.server, RolePlayer, "")
	if err != nil {
		return err
	}
	defer rc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	player := NewPlayerView(clock)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- rc.listen(ctx, func(msg ServerMessage) {
			mu.Lock()
			defer mu.Unlock()

			if err := player.Apply(msg); err != nil {
				log.Warn().Err(err).Str("type", msg.Type).Msg("could not apply message")
				return
			}
			renderPlayer(out, player, msg)
		})
	}()

	ack, err := rc.request(ctx, MsgJoin, JoinPayload{TeamName: team, PlayerName: cfg.name})
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("join %s: %s", team, ack.Error)
	}

	mu.Lock()
	player.JoinResult(team, cfg.name, ack)
	mu.Unlock()

	fmt.Fprintf(out, "Joined team %s. Type an answer and press enter once a round starts.\n", team)

	go countdown(ctx, clock, &mu, player, out)

	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-listenErr:
			return err

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			answer := strings.TrimSpace(line)
			if answer == "" {
				continue
			}

			mu.Lock()
			canSubmit := player.CanSubmit()
			mu.Unlock()

			if !canSubmit {
				fmt.Fprintln(out, "No open round to answer, or your team already answered.")
				continue
			}

			ack, err := rc.request(ctx, MsgSubmitAnswer, SubmitAnswerPayload{Answer: answer})
			if err != nil {
				return err
			}
			if !ack.Success {
				fmt.Fprintf(out, "Rejected: %s\n", ack.Error)
				continue
			}

			mu.Lock()
			player.SubmitResult(answer, ack)
			mu.Unlock()

			fmt.Fprintf(out, "Submitted! Your team answered #%d.\n", ack.Order)
		}
	}
}

func renderPlayer(out io.Writer, p *PlayerView, msg ServerMessage) {
	switch msg.Type {
	case MsgRoundStarted:
		if secs, ok := p.SecondsLeft(); ok {
			fmt.Fprintf(out, "Round %d is open, %ds to answer.\n", p.RoundID, secs)
		} else {
			fmt.Fprintf(out, "Round %d is open.\n", p.RoundID)
		}
	case MsgRoundEnded:
		fmt.Fprintf(out, "Round %d closed.\n", p.RoundID)
	case MsgScoresUpdated:
		for _, r := range p.History {
			if r.RoundID == p.RoundID && r.Points != 0 {
				fmt.Fprintf(out, "Round %d: %+d points\n", r.RoundID, r.Points)
			}
		}
	case MsgGameReset:
		fmt.Fprintln(out, "The game was reset. Restart to join again.")
	}
}

// countdown prints a few reminders while a timed round runs out.
func countdown(ctx context.Context, clock clockwork.Clock, mu *sync.Mutex, p *PlayerView, out io.Writer) {
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			mu.Lock()
			secs, ok := p.SecondsLeft()
			submitted := p.Submitted
			mu.Unlock()

			if !ok || submitted || secs == last {
				continue
			}
			last = secs

			switch secs {
			case 30, 10, 5:
				fmt.Fprintf(out, "%d seconds left\n", secs)
			case 0:
				fmt.Fprintln(out, "Time's up!")
			}
		}
	}
}
