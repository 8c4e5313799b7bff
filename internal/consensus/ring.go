package consensus

import (
	"sort"
	"time"
)

// Participant is a ring member.
type Participant struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joined_at"`
}

// RingSnapshot is an immutable view of a ring.
type RingSnapshot struct {
	Members      []string  `json:"members"`
	Holder       string    `json:"holder"`
	TurnDeadline time.Time `json:"turn_deadline"`
}

// Ring orders participants by join time, then id, and hands out one
// turn per member per cycle. A member never gets a second turn until
// every other member had one.
type Ring struct {
	members  []Participant
	holder   int
	active   bool
	served   map[string]bool
	turns    map[string]int
	deadline time.Time
}

// NewRing builds a ring. Duplicate ids keep their earliest join time.
func NewRing(participants []Participant) *Ring {
	byID := map[string]Participant{}
	for _, p := range participants {
		if p.ID == "" {
			continue
		}
		if existing, ok := byID[p.ID]; !ok || p.JoinedAt.Before(existing.JoinedAt) {
			byID[p.ID] = p
		}
	}
	members := make([]Participant, 0, len(byID))
	for _, p := range byID {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ID < members[j].ID
	})
	return &Ring{members: members, holder: -1, served: map[string]bool{}, turns: map[string]int{}}
}

func (r *Ring) Len() int { return len(r.members) }

// IDs lists members in ring order.
func (r *Ring) IDs() []string {
	ids := make([]string, 0, len(r.members))
	for _, p := range r.members {
		ids = append(ids, p.ID)
	}
	return ids
}

// Contains reports whether id is currently a member.
func (r *Ring) Contains(id string) bool {
	return r.index(id) >= 0
}

// Holder returns the member holding the token.
func (r *Ring) Holder() (Participant, bool) {
	if r.holder < 0 || r.holder >= len(r.members) {
		return Participant{}, false
	}
	return r.members[r.holder], true
}

// TurnDeadline is when the holder's turn lapses.
func (r *Ring) TurnDeadline() time.Time { return r.deadline }

// Turns reports how many turns id has been given.
func (r *Ring) Turns(id string) int { return r.turns[id] }

// Start begins a cycle; the first member gets the token at start.
func (r *Ring) Start(start time.Time, turn time.Duration) {
	r.active = true
	r.served = map[string]bool{}
	r.holder = -1
	r.moveFrom(-1, start, turn)
}

// Complete reports whether the current cycle has finished.
func (r *Ring) Complete() bool {
	return r.active && r.holder < 0
}

// Advance ends the holder's turn and passes the token to the next
// member who has not had a turn this cycle. The new turn starts at
// start. It returns false once the cycle is complete.
func (r *Ring) Advance(start time.Time, turn time.Duration) bool {
	if r.holder < 0 {
		return false
	}
	r.served[r.members[r.holder].ID] = true
	return r.moveFrom(r.holder, start, turn)
}

// Join appends a member at the tail. It reports false for a member
// already present.
func (r *Ring) Join(p Participant) bool {
	if p.ID == "" || r.Contains(p.ID) {
		return false
	}
	r.members = append(r.members, p)
	return true
}

// Leave removes id. If it held the token, the token passes to the next
// member whose turn starts at start.
func (r *Ring) Leave(id string, start time.Time, turn time.Duration) bool {
	idx := r.index(id)
	if idx < 0 {
		return false
	}
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	switch {
	case idx == r.holder:
		r.holder = -1
		if r.active {
			r.moveFrom(idx-1, start, turn)
		}
	case idx < r.holder:
		r.holder--
	}
	return true
}

// Snapshot returns an immutable copy.
func (r *Ring) Snapshot() RingSnapshot {
	snap := RingSnapshot{Members: r.IDs(), TurnDeadline: r.deadline}
	if p, ok := r.Holder(); ok {
		snap.Holder = p.ID
	}
	return snap
}

func (r *Ring) moveFrom(idx int, start time.Time, turn time.Duration) bool {
	n := len(r.members)
	for step := 1; step <= n; step++ {
		j := (idx + step) % n
		if j < 0 {
			j += n
		}
		id := r.members[j].ID
		if r.served[id] {
			continue
		}
		r.holder = j
		r.turns[id]++
		r.deadline = start.Add(turn)
		return true
	}
	r.holder = -1
	r.deadline = time.Time{}
	return false
}

func (r *Ring) index(id string) int {
	for i, p := range r.members {
		if p.ID == id {
			return i
		}
	}
	return -1
}
