/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"slices"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// Team is one scoring unit. Members are kept in join order.
type Team struct {
	Name    string
	Score   int
	Members []string
}

func (t *Team) hasMember(identity string) bool {
	return slices.Contains(t.Members, identity)
}

// Binding ties a live connection to the identity and team it joined as.
type Binding struct {
	Identity string
	Team     string
}

type Submission struct {
	RoundID   int    `json:"roundId"`
	Player    string `json:"player"`
	Team      string `json:"team"`
	Answer    string `json:"answer"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Order     int    `json:"order"`
}

// Time returns the server-assigned creation time.
func (s Submission) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

type Round struct {
	ID          int
	Active      bool
	StartedAt   time.Time
	Duration    time.Duration // zero when the round is untimed
	Submissions []Submission
}

// Remaining reports how much of a timed round is left at now. Untimed
// rounds report ok=false.
func (r Round) Remaining(now time.Time) (left time.Duration, ok bool) {
	if r.Duration <= 0 {
		return 0, false
	}

	return max(r.Duration-now.Sub(r.StartedAt), 0), true
}

func (r Round) clone() Round {
	r.Submissions = slices.Clone(r.Submissions)
	if r.Submissions == nil {
		r.Submissions = []Submission{}
	}

	return r
}

func (r *Round) submittedBy(team string) bool {
	for _, s := range r.Submissions {
		if s.Team == team {
			return true
		}
	}

	return false
}

// Standing is one leaderboard row.
type Standing struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Store is the authoritative game state. It is not safe for concurrent
// use; the Hub goroutine is its only caller.
type Store struct {
	clock clockwork.Clock

	teams     []*Team        // creation order
	teamIndex map[string]int // name -> position in teams
	bindings  map[string]Binding

	current    *Round
	roundCount int
}

func newStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{
		clock:     clock,
		teamIndex: make(map[string]int),
		bindings:  make(map[string]Binding),
	}
}

func (s *Store) team(name string) (*Team, bool) {
	i, ok := s.teamIndex[name]
	if !ok {
		return nil, false
	}

	return s.teams[i], true
}

// CreateOrGetTeam returns a copy of the named team, creating it with a zero
// score if it does not exist yet.
func (s *Store) CreateOrGetTeam(name string) Team {
	t := s.ensureTeam(name)

	return Team{Name: t.Name, Score: t.Score, Members: slices.Clone(t.Members)}
}

func (s *Store) ensureTeam(name string) *Team {
	if t, ok := s.team(name); ok {
		return t
	}

	t := &Team{Name: name, Members: []string{}}
	s.teamIndex[name] = len(s.teams)
	s.teams = append(s.teams, t)

	return t
}

// BindConnection joins identity to team on behalf of connID. Joining again
// with the same identity and team is a no-op.
func (s *Store) BindConnection(connID, identity, team string) error {
	if b, ok := s.bindings[connID]; ok {
		if b.Identity == identity && b.Team == team {
			return nil
		}

		return ErrAlreadyJoined
	}

	t := s.ensureTeam(team)
	if !t.hasMember(identity) {
		t.Members = append(t.Members, identity)
	}

	s.bindings[connID] = Binding{Identity: identity, Team: team}

	return nil
}

// UnbindConnection drops the binding for connID and removes its identity
// from the team. The team itself is kept so its score survives.
func (s *Store) UnbindConnection(connID string) (Binding, bool) {
	b, ok := s.bindings[connID]
	if !ok {
		return Binding{}, false
	}

	delete(s.bindings, connID)

	if t, ok := s.team(b.Team); ok && !s.identityBoundElsewhere(b) {
		t.Members = slices.DeleteFunc(t.Members, func(m string) bool { return m == b.Identity })
	}

	return b, true
}

// identityBoundElsewhere reports whether another connection still holds
// the same identity on the same team, e.g. a second browser tab.
func (s *Store) identityBoundElsewhere(b Binding) bool {
	for _, other := range s.bindings {
		if other == b {
			return true
		}
	}

	return false
}

func (s *Store) Binding(connID string) (Binding, bool) {
	b, ok := s.bindings[connID]

	return b, ok
}

// StartRound replaces the current round with a fresh, active one.
func (s *Store) StartRound(duration time.Duration) Round {
	s.roundCount++
	s.current = &Round{
		ID:          s.roundCount,
		Active:      true,
		StartedAt:   s.clock.Now(),
		Duration:    max(duration, 0),
		Submissions: []Submission{},
	}

	return s.current.clone()
}

// EndRound closes the current round. ok is false when no round was ever
// started.
func (s *Store) EndRound() (Round, bool) {
	if s.current == nil {
		return Round{}, false
	}

	s.current.Active = false

	return s.current.clone(), true
}

func (s *Store) CurrentRound() (Round, bool) {
	if s.current == nil {
		return Round{}, false
	}

	return s.current.clone(), true
}

// RecordSubmission appends the team's answer to the active round. Rejected
// attempts leave the round untouched and do not consume an order number.
func (s *Store) RecordSubmission(connID, answer string) (Submission, error) {
	b, ok := s.bindings[connID]
	switch {
	case !ok:
		return Submission{}, ErrNotJoined
	case s.current == nil:
		return Submission{}, ErrNoRound
	case !s.current.Active:
		return Submission{}, ErrRoundClosed
	case s.current.submittedBy(b.Team):
		return Submission{}, ErrAlreadySubmitted
	}

	sub := Submission{
		RoundID:   s.current.ID,
		Player:    b.Identity,
		Team:      b.Team,
		Answer:    answer,
		Timestamp: s.clock.Now().UnixMilli(),
		Order:     len(s.current.Submissions) + 1,
	}
	s.current.Submissions = append(s.current.Submissions, sub)

	return sub, nil
}

// AwardPoints adds points (possibly negative) to an existing team.
func (s *Store) AwardPoints(team string, points int) bool {
	t, ok := s.team(team)
	if !ok {
		return false
	}

	t.Score += points

	return true
}

func (s *Store) Reset() {
	s.teams = nil
	s.teamIndex = make(map[string]int)
	s.bindings = make(map[string]Binding)
	s.current = nil
	s.roundCount = 0
}

// Teams returns every team in creation order.
func (s *Store) Teams() TeamsSnapshot {
	snap := make(TeamsSnapshot, 0, len(s.teams))
	for _, t := range s.teams {
		snap = append(snap, TeamEntry{
			Name:    t.Name,
			Score:   t.Score,
			Players: slices.Clone(t.Members),
		})
	}

	return snap
}

// Leaderboard sorts teams by score, highest first. Equal scores keep
// creation order.
func (s *Store) Leaderboard() []Standing {
	board := make([]Standing, 0, len(s.teams))
	for _, t := range s.teams {
		board = append(board, Standing{Name: t.Name, Score: t.Score})
	}

	sort.SliceStable(board, func(i, j int) bool {
		return board[i].Score > board[j].Score
	})

	return board
}
