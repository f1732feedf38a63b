/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Projection is a client-side view rebuilt purely from server messages.
type Projection interface {
	Apply(msg ServerMessage) error
}

// view holds the state every role folds the same way. Resync snapshots and
// live deltas go through the same path, so a client that connects late
// converges on the same state as one that saw every message.
type view struct {
	Teams       TeamsSnapshot
	Leaderboard []Standing
	RoundID     int
	RoundActive bool

	// seconds left according to the last round-started, if the round is timed
	roundDuration *int
}

func (v *view) apply(msg ServerMessage) (bool, error) {
	switch msg.Type {
	case MsgTeamsUpdated:
		teams, err := decodePayload[TeamsSnapshot](msg.Payload)
		if err != nil {
			return true, err
		}
		v.Teams = teams

	case MsgScoresUpdated:
		board, err := decodePayload[[]Standing](msg.Payload)
		if err != nil {
			return true, err
		}
		v.Leaderboard = board

	case MsgRoundStarted:
		p, err := decodePayload[RoundStartedPayload](msg.Payload)
		if err != nil {
			return true, err
		}
		v.RoundID = p.RoundID
		v.RoundActive = true
		v.roundDuration = p.Duration

	case MsgRoundEnded:
		p, err := decodePayload[RoundEndedPayload](msg.Payload)
		if err != nil {
			return true, err
		}
		if p.RoundID != 0 {
			v.RoundID = p.RoundID
		}
		v.RoundActive = false
		v.roundDuration = nil

	case MsgGameReset:
		*v = view{Teams: v.Teams, Leaderboard: v.Leaderboard}

	default:
		return false, nil
	}

	return true, nil
}

// RoundResult is one line of a player's local history.
type RoundResult struct {
	RoundID int
	Answer  string
	Points  int
}

// PlayerView tracks what a single player's screen shows.
//
// Points per round are inferred by diffing the team's score between
// successive snapshots. This is best effort: a missed snapshot folds its
// delta into the next one. The first score seen after joining only seeds
// the baseline, so points earned before the player arrived are not
// credited to the latest round.
type PlayerView struct {
	view

	clock clockwork.Clock

	Joined      bool
	Team        string
	Name        string
	Submitted   bool
	SubmitOrder int
	History     []RoundResult

	deadline     time.Time
	lastScore    int
	haveBaseline bool
}

func NewPlayerView(clock clockwork.Clock) *PlayerView {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &PlayerView{clock: clock}
}

func (p *PlayerView) Apply(msg ServerMessage) error {
	prevRound := p.RoundID

	handled, err := p.view.apply(msg)
	if err != nil || !handled {
		return err
	}

	switch msg.Type {
	case MsgTeamsUpdated:
		if t, ok := p.Teams.Lookup(p.Team); ok {
			p.observeScore(t.Score)
		}

	case MsgScoresUpdated:
		for _, s := range p.Leaderboard {
			if s.Name == p.Team {
				p.observeScore(s.Score)
				break
			}
		}

	case MsgRoundStarted:
		if p.RoundID != prevRound {
			p.Submitted = false
			p.SubmitOrder = 0
		}

		p.deadline = time.Time{}
		if p.roundDuration != nil {
			p.deadline = p.clock.Now().Add(time.Duration(*p.roundDuration) * time.Second)
		}

	case MsgRoundEnded:
		if p.RoundID != prevRound {
			p.Submitted = false
			p.SubmitOrder = 0
		}
		p.deadline = time.Time{}

	case MsgGameReset:
		*p = PlayerView{clock: p.clock, view: p.view}
	}

	return nil
}

// JoinResult records the server's answer to our join request.
func (p *PlayerView) JoinResult(team, name string, ack AckPayload) {
	if !ack.Success {
		return
	}

	p.Joined = true
	p.Team = team
	p.Name = name
	p.haveBaseline = false

	if t, ok := p.Teams.Lookup(team); ok {
		p.observeScore(t.Score)
	}
}

// SubmitResult records the server's answer to our submission.
func (p *PlayerView) SubmitResult(answer string, ack AckPayload) {
	if !ack.Success {
		return
	}

	p.Submitted = true
	p.SubmitOrder = ack.Order
	p.historyFor(p.RoundID).Answer = answer
}

func (p *PlayerView) CanSubmit() bool {
	return p.Joined && p.RoundActive && !p.Submitted
}

// SecondsLeft is the local countdown estimate. The server alone decides
// whether a submission is still accepted.
func (p *PlayerView) SecondsLeft() (int, bool) {
	if !p.RoundActive || p.deadline.IsZero() {
		return 0, false
	}

	left := p.deadline.Sub(p.clock.Now())
	if left <= 0 {
		return 0, true
	}

	return int(math.Ceil(left.Seconds())), true
}

func (p *PlayerView) observeScore(score int) {
	if !p.Joined {
		return
	}

	if !p.haveBaseline {
		p.lastScore = score
		p.haveBaseline = true
		return
	}

	delta := score - p.lastScore
	p.lastScore = score

	// Corrections made between rounds land on the most recent one.
	if delta != 0 && p.RoundID > 0 {
		p.historyFor(p.RoundID).Points += delta
	}
}

func (p *PlayerView) historyFor(roundID int) *RoundResult {
	for i := range p.History {
		if p.History[i].RoundID == roundID {
			return &p.History[i]
		}
	}

	p.History = append(p.History, RoundResult{RoundID: roundID})

	return &p.History[len(p.History)-1]
}

// AdminView tracks the moderator's team list and live submission feed.
type AdminView struct {
	view

	Submissions []Submission
}

func NewAdminView() *AdminView {
	return &AdminView{}
}

func (a *AdminView) Apply(msg ServerMessage) error {
	if _, err := a.view.apply(msg); err != nil {
		return err
	}

	switch msg.Type {
	case MsgRoundStarted, MsgGameReset:
		a.Submissions = nil

	case MsgAllSubmissions:
		subs, err := decodePayload[[]Submission](msg.Payload)
		if err != nil {
			return err
		}
		a.Submissions = subs

	case MsgSubmissionReceived:
		sub, err := decodePayload[Submission](msg.Payload)
		if err != nil {
			return err
		}
		a.addSubmission(sub)
	}

	return nil
}

func (a *AdminView) addSubmission(sub Submission) {
	if a.RoundID != 0 && sub.RoundID != a.RoundID {
		return
	}

	for _, s := range a.Submissions {
		if s.Order == sub.Order {
			return
		}
	}

	a.Submissions = append(a.Submissions, sub)
}

// NextRoundID is the id the next start-round will most likely get.
func (a *AdminView) NextRoundID() int {
	return a.RoundID + 1
}

// ScoreboardView only ranks teams; it never sends anything.
type ScoreboardView struct {
	view
}

func NewScoreboardView() *ScoreboardView {
	return &ScoreboardView{}
}

func (s *ScoreboardView) Apply(msg ServerMessage) error {
	if msg.Type == MsgGameReset {
		s.view = view{}
		return nil
	}

	_, err := s.view.apply(msg)

	return err
}

func (s *ScoreboardView) Ranked() []Standing {
	return s.Leaderboard
}
