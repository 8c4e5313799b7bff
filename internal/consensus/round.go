// Package consensus runs structured decision rounds: a token ring for
// turn-taking and a forward-only state machine ending in a committed
// or aborted outcome.
package consensus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/powermode/internal/session"
)

// State is a round's protocol state.
type State string

const (
	Gathering  State = "GATHERING"
	Proposing  State = "PROPOSING"
	Discussing State = "DISCUSSING"
	Converging State = "CONVERGING"
	Voting     State = "VOTING"
	Committed  State = "COMMITTED"
	Aborted    State = "ABORTED"
)

// Terminal states absorb; a round never leaves them.
func (s State) Terminal() bool { return s == Committed || s == Aborted }

func (s State) rank() int {
	switch s {
	case Gathering:
		return 0
	case Proposing:
		return 1
	case Discussing:
		return 2
	case Converging:
		return 3
	case Voting:
		return 4
	case Committed, Aborted:
		return 5
	}
	return -1
}

// Timing holds the per-state deadlines. A zero duration closes that
// state as soon as it is entered. Proposing caps the whole PROPOSING
// state; zero means one turn per participant. Round is the hard cap on
// the whole round.
type Timing struct {
	Gathering     time.Duration `json:"gathering"`
	ProposingTurn time.Duration `json:"proposing_turn"`
	Proposing     time.Duration `json:"proposing"`
	Discussion    time.Duration `json:"discussion"`
	Converging    time.Duration `json:"converging"`
	Voting        time.Duration `json:"voting"`
	Round         time.Duration `json:"round"`
}

// DefaultTiming is used when no configuration overrides it.
func DefaultTiming() Timing {
	return Timing{
		ProposingTurn: 30 * time.Second,
		Discussion:    time.Minute,
		Converging:    10 * time.Second,
		Voting:        time.Minute,
		Round:         10 * time.Minute,
	}
}

func (t Timing) normalized() Timing {
	d := DefaultTiming()
	if t.ProposingTurn <= 0 {
		t.ProposingTurn = d.ProposingTurn
	}
	if t.Round <= 0 {
		t.Round = d.Round
	}
	return t
}

// VoteValue is an approval-ballot vote.
type VoteValue string

const (
	Approve VoteValue = "approve"
	Reject  VoteValue = "reject"
	Abstain VoteValue = "abstain"
)

func (v VoteValue) valid() bool {
	return v == Approve || v == Reject || v == Abstain
}

// Proposal is one ballot candidate. Authors lists every author merged
// into it, earliest first.
type Proposal struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Authors     []string  `json:"authors"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
	Position    int       `json:"position"`
	Merged      []string  `json:"merged,omitempty"`
}

// Vote is one participant's vote on one proposal.
type Vote struct {
	Voter      string    `json:"voter"`
	ProposalID string    `json:"proposal_id"`
	Value      VoteValue `json:"value"`
	At         time.Time `json:"at"`
	Position   int       `json:"position"`
}

// Choice is a single-choice ballot entry. An empty ProposalID abstains.
type Choice struct {
	Voter      string    `json:"voter"`
	ProposalID string    `json:"proposal_id"`
	At         time.Time `json:"at"`
	Position   int       `json:"position"`
}

// Note is a free-form discussion entry.
type Note struct {
	Agent string    `json:"agent"`
	Text  string    `json:"text"`
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Outcome is the resolution of a round.
type Outcome struct {
	State      State    `json:"state"`
	ProposalID string   `json:"proposal_id,omitempty"`
	Text       string   `json:"text,omitempty"`
	Authors    []string `json:"authors,omitempty"`
	Quorum     float64  `json:"quorum"`
	Approval   float64  `json:"approval"`
	Reason     string   `json:"reason,omitempty"`
}

// Transition records one state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Round is one instance of the protocol. It is not safe for concurrent
// use; the Engine serialises access.
type Round struct {
	id         string
	topic      string
	sessionID  string
	reasons    []string
	context    string
	rule       session.VotingRule
	timing     Timing
	similarity float64

	state     State
	visited   []State
	ring      *Ring
	eligible  []string
	position  map[string]int
	proposals []Proposal
	ballots   []Proposal
	votes     map[string]map[string]Vote
	choices   map[string]Choice
	notes     []Note
	yielded   map[string]bool

	openedAt      time.Time
	deadline      time.Time
	stateDeadline time.Time
	closedAt      time.Time
	outcome       *Outcome
	pending       []Transition
}

// RoundSpec opens a round.
type RoundSpec struct {
	ID           string
	SessionID    string
	Topic        string
	Reasons      []string
	Context      string
	Participants []Participant
	Rule         session.VotingRule
	Timing       Timing
	Similarity   float64
}

// Open starts a round in GATHERING and freezes the eligible voters.
func Open(spec RoundSpec, now time.Time) (*Round, error) {
	if strings.TrimSpace(spec.Topic) == "" {
		return nil, fmt.Errorf("consensus: topic is required: %w", session.ErrInvalidConfig)
	}
	rule := spec.Rule.Normalized()
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}
	ring := NewRing(spec.Participants)
	if ring.Len() == 0 {
		return nil, fmt.Errorf("consensus: round %s has no participants: %w", spec.Topic, session.ErrInvalidConfig)
	}
	timing := spec.Timing.normalized()
	r := &Round{
		id:         spec.ID,
		topic:      spec.Topic,
		sessionID:  spec.SessionID,
		reasons:    append([]string(nil), spec.Reasons...),
		context:    spec.Context,
		rule:       rule,
		timing:     timing,
		similarity: spec.Similarity,
		state:      Gathering,
		visited:    []State{Gathering},
		ring:       ring,
		eligible:   ring.IDs(),
		position:   map[string]int{},
		votes:      map[string]map[string]Vote{},
		choices:    map[string]Choice{},
		yielded:    map[string]bool{},
		openedAt:   now,
		deadline:   now.Add(timing.Round),
	}
	for i, id := range r.eligible {
		r.position[id] = i
	}
	r.stateDeadline = now.Add(timing.Gathering)
	r.pending = append(r.pending, Transition{To: Gathering, At: now, Reason: "opened"})
	r.settle(now)
	return r, nil
}

func (r *Round) ID() string { return r.id }

func (r *Round) Topic() string { return r.topic }

func (r *Round) State() State { return r.state }

// AddReason records a trigger absorbed by this round.
func (r *Round) AddReason(reason string) {
	for _, existing := range r.reasons {
		if existing == reason {
			return
		}
	}
	r.reasons = append(r.reasons, reason)
}

// NextDeadline is the earliest instant at which Tick changes state.
func (r *Round) NextDeadline() time.Time {
	if r.state.Terminal() {
		return time.Time{}
	}
	next := r.deadline
	if !r.stateDeadline.IsZero() && r.stateDeadline.Before(next) {
		next = r.stateDeadline
	}
	if r.state == Proposing {
		if td := r.ring.TurnDeadline(); !td.IsZero() && td.Before(next) {
			next = td
		}
	}
	return next
}

// Tick applies every deadline that has passed at now.
func (r *Round) Tick(now time.Time) []Transition {
	r.settle(now)
	return r.flush()
}

// Submit records the token holder's proposal and passes the token.
func (r *Round) Submit(proposalID, agent, text string, now time.Time) ([]Transition, error) {
	if err := r.requireTurn(agent); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("consensus: proposal text is required: %w", session.ErrInvalidConfig)
	}
	r.proposals = append(r.proposals, Proposal{
		ID:          proposalID,
		Author:      agent,
		Authors:     []string{agent},
		Text:        text,
		SubmittedAt: now,
		Position:    len(r.proposals),
	})
	r.ring.Advance(now, r.timing.ProposingTurn)
	r.settle(now)
	return r.flush(), nil
}

// Pass gives up the holder's turn without proposing.
func (r *Round) Pass(agent string, now time.Time) ([]Transition, error) {
	if err := r.requireTurn(agent); err != nil {
		return nil, err
	}
	r.ring.Advance(now, r.timing.ProposingTurn)
	r.settle(now)
	return r.flush(), nil
}

// Discuss appends a note. Allowed while gathering context and while
// discussing.
func (r *Round) Discuss(agent, text string, now time.Time) ([]Transition, error) {
	if r.state != Gathering && r.state != Discussing {
		return nil, fmt.Errorf("consensus: discuss in %s: %w", r.state, session.ErrWrongPhase)
	}
	if !r.ring.Contains(agent) {
		return nil, fmt.Errorf("consensus: %s: %w", agent, session.ErrNotParticipant)
	}
	r.notes = append(r.notes, Note{Agent: agent, Text: strings.TrimSpace(text), State: r.state, At: now})
	r.settle(now)
	return r.flush(), nil
}

// Yield marks agent finished with discussion. DISCUSSING closes early
// once every ring member yielded.
func (r *Round) Yield(agent string, now time.Time) ([]Transition, error) {
	if r.state != Discussing {
		return nil, fmt.Errorf("consensus: yield in %s: %w", r.state, session.ErrWrongPhase)
	}
	if !r.ring.Contains(agent) {
		return nil, fmt.Errorf("consensus: %s: %w", agent, session.ErrNotParticipant)
	}
	r.yielded[agent] = true
	r.settle(now)
	return r.flush(), nil
}

// Withdraw removes agent from a ballot option's authors while
// converging. An option with no authors left is dropped.
func (r *Round) Withdraw(agent, proposalID string, now time.Time) ([]Transition, error) {
	if r.state != Converging {
		return nil, fmt.Errorf("consensus: withdraw in %s: %w", r.state, session.ErrWrongPhase)
	}
	idx := r.ballotIndex(proposalID)
	if idx < 0 {
		return nil, fmt.Errorf("consensus: unknown proposal %s: %w", proposalID, session.ErrInvalidConfig)
	}
	authors := r.ballots[idx].Authors[:0:0]
	for _, a := range r.ballots[idx].Authors {
		if a != agent {
			authors = append(authors, a)
		}
	}
	if len(authors) == len(r.ballots[idx].Authors) {
		return nil, fmt.Errorf("consensus: %s is not an author of %s: %w", agent, proposalID, session.ErrNotParticipant)
	}
	if len(authors) == 0 {
		r.ballots = append(r.ballots[:idx], r.ballots[idx+1:]...)
	} else {
		r.ballots[idx].Authors = authors
	}
	r.settle(now)
	return r.flush(), nil
}

// Vote records an approval-ballot vote. A later vote from the same
// voter on the same proposal replaces the earlier one.
func (r *Round) Vote(agent, proposalID string, value VoteValue, now time.Time) ([]Transition, error) {
	if err := r.requireVoter(agent, session.BallotApproval); err != nil {
		return nil, err
	}
	if !value.valid() {
		return nil, fmt.Errorf("consensus: unknown vote %q: %w", value, session.ErrInvalidConfig)
	}
	if r.ballotIndex(proposalID) < 0 {
		return nil, fmt.Errorf("consensus: unknown proposal %s: %w", proposalID, session.ErrInvalidConfig)
	}
	if r.votes[agent] == nil {
		r.votes[agent] = map[string]Vote{}
	}
	r.votes[agent][proposalID] = Vote{Voter: agent, ProposalID: proposalID, Value: value, At: now, Position: r.position[agent]}
	r.settle(now)
	return r.flush(), nil
}

// Choose records a single-choice ballot. An empty proposalID abstains.
func (r *Round) Choose(agent, proposalID string, now time.Time) ([]Transition, error) {
	if err := r.requireVoter(agent, session.BallotSingleChoice); err != nil {
		return nil, err
	}
	if proposalID != "" && r.ballotIndex(proposalID) < 0 {
		return nil, fmt.Errorf("consensus: unknown proposal %s: %w", proposalID, session.ErrInvalidConfig)
	}
	r.choices[agent] = Choice{Voter: agent, ProposalID: proposalID, At: now, Position: r.position[agent]}
	r.settle(now)
	return r.flush(), nil
}

// Join appends a late participant to the ring tail. Late participants
// may propose from their natural turn but are not eligible voters.
func (r *Round) Join(p Participant, now time.Time) ([]Transition, error) {
	if r.state.Terminal() {
		return nil, fmt.Errorf("consensus: join in %s: %w", r.state, session.ErrWrongPhase)
	}
	r.ring.Join(p)
	r.settle(now)
	return r.flush(), nil
}

// Leave removes a participant from the ring. Votes it already cast
// stand.
func (r *Round) Leave(agent string, now time.Time) ([]Transition, error) {
	if r.state.Terminal() {
		return nil, nil
	}
	r.ring.Leave(agent, now, r.timing.ProposingTurn)
	delete(r.yielded, agent)
	r.settle(now)
	return r.flush(), nil
}

// Abort ends the round without a decision.
func (r *Round) Abort(reason string, now time.Time) []Transition {
	if !r.state.Terminal() {
		r.abort(now, reason)
	}
	return r.flush()
}

// Outcome returns the resolution once the round is terminal.
func (r *Round) Outcome() (Outcome, bool) {
	if r.outcome == nil {
		return Outcome{}, false
	}
	return *r.outcome, true
}

func (r *Round) requireTurn(agent string) error {
	if r.state != Proposing {
		return fmt.Errorf("consensus: propose in %s: %w", r.state, session.ErrWrongPhase)
	}
	if !r.ring.Contains(agent) {
		return fmt.Errorf("consensus: %s: %w", agent, session.ErrNotParticipant)
	}
	holder, ok := r.ring.Holder()
	if !ok || holder.ID != agent {
		return fmt.Errorf("consensus: %s: %w", agent, session.ErrNotYourTurn)
	}
	return nil
}

func (r *Round) requireVoter(agent string, ballot session.Ballot) error {
	if r.state != Voting {
		return fmt.Errorf("consensus: vote in %s: %w", r.state, session.ErrWrongPhase)
	}
	if r.rule.Ballot != ballot {
		return fmt.Errorf("consensus: round uses %s ballots: %w", r.rule.Ballot, session.ErrWrongPhase)
	}
	if _, eligible := r.position[agent]; !eligible || !r.ring.Contains(agent) {
		return fmt.Errorf("consensus: %s: %w", agent, session.ErrNotParticipant)
	}
	return nil
}

func (r *Round) ballotIndex(id string) int {
	for i, b := range r.ballots {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// settle applies every transition that is due at now, in order.
func (r *Round) settle(now time.Time) {
	for !r.state.Terminal() {
		if !now.Before(r.deadline) {
			if r.state == Voting {
				r.finish(now)
			} else {
				r.abort(now, "round deadline elapsed")
			}
			return
		}
		switch r.state {
		case Gathering:
			if now.Before(r.stateDeadline) {
				return
			}
			r.enter(Proposing, now, "context gathered")
		case Proposing:
			switch {
			case r.ring.Complete():
				r.enter(Discussing, now, "every participant had a turn")
			case !now.Before(r.stateDeadline):
				r.enter(Discussing, now, "proposing deadline elapsed")
			case !now.Before(r.ring.TurnDeadline()):
				// the holder forfeits; the next turn starts when this one lapsed
				r.ring.Advance(r.ring.TurnDeadline(), r.timing.ProposingTurn)
			default:
				return
			}
		case Discussing:
			if !r.allYielded() && now.Before(r.stateDeadline) {
				return
			}
			r.enter(Converging, now, "discussion closed")
		case Converging:
			switch {
			case len(r.ballots) == 0:
				r.abort(now, "no proposals")
				return
			case len(r.ballots) < 2:
				r.enter(Voting, now, "single ballot option")
			case !now.Before(r.stateDeadline):
				r.enter(Voting, now, "converging deadline elapsed")
			default:
				return
			}
		case Voting:
			if !r.ballotsComplete() && now.Before(r.stateDeadline) {
				return
			}
			r.finish(now)
			return
		}
	}
}

func (r *Round) enter(next State, now time.Time, reason string) {
	if next.rank() <= r.state.rank() {
		return
	}
	r.pending = append(r.pending, Transition{From: r.state, To: next, At: now, Reason: reason})
	r.state = next
	r.visited = append(r.visited, next)
	switch next {
	case Proposing:
		r.ring.Start(now, r.timing.ProposingTurn)
		d := r.timing.Proposing
		if d <= 0 {
			d = r.timing.ProposingTurn * time.Duration(max(r.ring.Len(), 1))
		}
		r.stateDeadline = now.Add(d)
	case Discussing:
		r.stateDeadline = now.Add(r.timing.Discussion)
	case Converging:
		r.ballots = Converge(r.proposals, r.similarity)
		r.stateDeadline = now.Add(r.timing.Converging)
	case Voting:
		r.stateDeadline = now.Add(r.timing.Voting)
	case Committed, Aborted:
		r.stateDeadline = time.Time{}
		r.closedAt = now
	}
}

func (r *Round) finish(now time.Time) {
	out := Resolve(r.Snapshot())
	r.outcome = &out
	r.enter(out.State, now, out.Reason)
}

func (r *Round) abort(now time.Time, reason string) {
	out := Outcome{State: Aborted, Reason: reason}
	r.outcome = &out
	r.enter(Aborted, now, reason)
}

func (r *Round) allYielded() bool {
	for _, id := range r.ring.IDs() {
		if !r.yielded[id] {
			return false
		}
	}
	return true
}

// ballotsComplete reports whether every eligible voter still in the
// ring has voted on everything.
func (r *Round) ballotsComplete() bool {
	for _, id := range r.eligible {
		if !r.ring.Contains(id) {
			continue
		}
		if r.rule.Ballot == session.BallotSingleChoice {
			if _, ok := r.choices[id]; !ok {
				return false
			}
			continue
		}
		for _, b := range r.ballots {
			if _, ok := r.votes[id][b.ID]; !ok {
				return false
			}
		}
	}
	return true
}

func (r *Round) flush() []Transition {
	out := r.pending
	r.pending = nil
	return out
}

// Snapshot is an immutable copy of a round.
type Snapshot struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	Topic         string             `json:"topic"`
	Reasons       []string           `json:"reasons"`
	Context       string             `json:"context,omitempty"`
	Rule          session.VotingRule `json:"rule"`
	State         State              `json:"state"`
	Visited       []State            `json:"visited"`
	Ring          RingSnapshot       `json:"ring"`
	Eligible      []string           `json:"eligible"`
	Proposals     []Proposal         `json:"proposals"`
	Ballots       []Proposal         `json:"ballots"`
	Votes         []Vote             `json:"votes"`
	Choices       []Choice           `json:"choices"`
	Notes         []Note             `json:"notes"`
	OpenedAt      time.Time          `json:"opened_at"`
	Deadline      time.Time          `json:"deadline"`
	StateDeadline time.Time          `json:"state_deadline"`
	ClosedAt      time.Time          `json:"closed_at"`
	Outcome       *Outcome           `json:"outcome,omitempty"`
}

// Snapshot copies the round. Votes are ordered by ring position, then
// ballot order, never by arrival.
func (r *Round) Snapshot() Snapshot {
	s := Snapshot{
		ID:            r.id,
		SessionID:     r.sessionID,
		Topic:         r.topic,
		Reasons:       append([]string(nil), r.reasons...),
		Context:       r.context,
		Rule:          r.rule,
		State:         r.state,
		Visited:       append([]State(nil), r.visited...),
		Ring:          r.ring.Snapshot(),
		Eligible:      append([]string(nil), r.eligible...),
		Proposals:     cloneProposals(r.proposals),
		Ballots:       cloneProposals(r.ballots),
		Notes:         append([]Note(nil), r.notes...),
		OpenedAt:      r.openedAt,
		Deadline:      r.deadline,
		StateDeadline: r.stateDeadline,
		ClosedAt:      r.closedAt,
	}
	for _, voter := range r.eligible {
		for _, b := range r.ballots {
			if v, ok := r.votes[voter][b.ID]; ok {
				s.Votes = append(s.Votes, v)
			}
		}
		if c, ok := r.choices[voter]; ok {
			s.Choices = append(s.Choices, c)
		}
	}
	if r.outcome != nil {
		out := *r.outcome
		out.Authors = append([]string(nil), out.Authors...)
		s.Outcome = &out
	}
	return s
}

// Record summarises a snapshot for the session history.
func (s Snapshot) Record() session.RoundRecord {
	rec := session.RoundRecord{
		ID:       s.ID,
		Topic:    s.Topic,
		Reasons:  append([]string(nil), s.Reasons...),
		State:    string(s.State),
		OpenedAt: s.OpenedAt,
		ClosedAt: s.ClosedAt,
	}
	for _, st := range s.Visited {
		rec.Visited = append(rec.Visited, string(st))
	}
	if s.Outcome != nil {
		rec.ProposalID = s.Outcome.ProposalID
		rec.Outcome = s.Outcome.Text
		rec.Authors = append([]string(nil), s.Outcome.Authors...)
		rec.Quorum = s.Outcome.Quorum
		rec.Approval = s.Outcome.Approval
		rec.Reason = s.Outcome.Reason
	}
	return rec
}

func cloneProposals(in []Proposal) []Proposal {
	if in == nil {
		return nil
	}
	out := make([]Proposal, len(in))
	for i, p := range in {
		p.Authors = append([]string(nil), p.Authors...)
		p.Merged = append([]string(nil), p.Merged...)
		out[i] = p
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
