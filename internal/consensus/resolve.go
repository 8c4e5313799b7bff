package consensus

import (
	"fmt"

	"github.com/kingrea/powermode/internal/session"
)

type tally struct {
	ballot  Proposal
	approve int
	reject  int
}

// Resolve decides a round from its snapshot. It depends only on the
// snapshot, so resolving the same snapshot twice yields the same
// outcome.
//
// Quorum is the share of round-open participants that cast any vote,
// abstentions included. Approval is approve / (approve + reject) on a
// proposal. Among proposals clearing both thresholds the one with more
// approve votes wins, then the earlier submission.
func Resolve(s Snapshot) Outcome {
	if len(s.Ballots) == 0 {
		return Outcome{State: Aborted, Reason: "no proposals"}
	}
	rule := s.Rule.Normalized()
	size := len(s.Eligible)
	eligible := make(map[string]bool, size)
	for _, id := range s.Eligible {
		eligible[id] = true
	}

	voted := map[string]bool{}
	tallies := make([]tally, len(s.Ballots))
	index := map[string]int{}
	for i, b := range s.Ballots {
		tallies[i].ballot = b
		index[b.ID] = i
	}
	switch rule.Ballot {
	case session.BallotSingleChoice:
		for _, c := range s.Choices {
			if !eligible[c.Voter] {
				continue
			}
			voted[c.Voter] = true
			if c.ProposalID == "" {
				continue
			}
			pick, ok := index[c.ProposalID]
			if !ok {
				continue
			}
			for i := range tallies {
				if i == pick {
					tallies[i].approve++
				} else {
					tallies[i].reject++
				}
			}
		}
	default:
		for _, v := range s.Votes {
			i, ok := index[v.ProposalID]
			if !ok || !eligible[v.Voter] {
				continue
			}
			voted[v.Voter] = true
			switch v.Value {
			case Approve:
				tallies[i].approve++
			case Reject:
				tallies[i].reject++
			}
		}
	}

	quorum := percent(len(voted), size)
	if size == 0 || float64(len(voted)*100) < rule.Quorum*float64(size) {
		return Outcome{
			State:  Aborted,
			Quorum: quorum,
			Reason: fmt.Sprintf("quorum not met: %d of %d voted, %.0f%% required", len(voted), size, rule.Quorum),
		}
	}

	best := -1
	for i, t := range tallies {
		cast := t.approve + t.reject
		if cast == 0 || float64(t.approve*100) < rule.Approval*float64(cast) {
			continue
		}
		if best < 0 || better(t, tallies[best]) {
			best = i
		}
	}
	if best < 0 {
		return Outcome{
			State:    Aborted,
			Quorum:   quorum,
			Approval: bestApproval(tallies),
			Reason:   fmt.Sprintf("no proposal reached %.0f%% approval", rule.Approval),
		}
	}
	win := tallies[best]
	return Outcome{
		State:      Committed,
		ProposalID: win.ballot.ID,
		Text:       win.ballot.Text,
		Authors:    append([]string(nil), win.ballot.Authors...),
		Quorum:     quorum,
		Approval:   percent(win.approve, win.approve+win.reject),
		Reason:     fmt.Sprintf("%d approve, %d reject", win.approve, win.reject),
	}
}

func better(a, b tally) bool {
	if a.approve != b.approve {
		return a.approve > b.approve
	}
	if !a.ballot.SubmittedAt.Equal(b.ballot.SubmittedAt) {
		return a.ballot.SubmittedAt.Before(b.ballot.SubmittedAt)
	}
	if a.ballot.Position != b.ballot.Position {
		return a.ballot.Position < b.ballot.Position
	}
	return a.ballot.ID < b.ballot.ID
}

func bestApproval(tallies []tally) float64 {
	var top float64
	for _, t := range tallies {
		if p := percent(t.approve, t.approve+t.reject); p > top {
			top = p
		}
	}
	return top
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) * 100 / float64(d)
}
