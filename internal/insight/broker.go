// Package insight routes agent discoveries to the agents whose interest
// tags they match, dropping duplicates noticed independently.
package insight

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/session"
)

const (
	DefaultDedupWindow = 2 * time.Minute
	DefaultRetention   = time.Hour
	DefaultQueueLimit  = 256
)

// Wildcard as an interest tag matches every insight.
const Wildcard = "*"

var ErrInvalidInsight = errors.New("insight: invalid insight")

// Settings bounds the broker's memory.
type Settings struct {
	DedupWindow time.Duration
	Retention   time.Duration
	QueueLimit  int
}

func (s *Settings) normalize() {
	if s.DedupWindow <= 0 {
		s.DedupWindow = DefaultDedupWindow
	}
	if s.Retention <= 0 {
		s.Retention = DefaultRetention
	}
	if s.QueueLimit <= 0 {
		s.QueueLimit = DefaultQueueLimit
	}
}

// Stats counts broker activity.
type Stats struct {
	Published  int `json:"published"`
	Duplicates int `json:"duplicates"`
	Queued     int `json:"queued"`
	Delivered  int `json:"delivered"`
	Dropped    int `json:"dropped"`
	Expired    int `json:"expired"`
}

// Result describes one Publish call.
type Result struct {
	Insight    session.Insight
	Duplicate  bool
	Recipients []string
}

type dedupKey struct {
	source  string
	kind    session.InsightType
	content string
}

type mailbox struct {
	interests map[string]struct{}
	wildcard  bool
	queue     []string
}

// Option customizes a Broker.
type Option func(*Broker)

func WithClock(c clock.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithIDs overrides insight id generation.
func WithIDs(next func() string) Option {
	return func(b *Broker) {
		if next != nil {
			b.nextID = next
		}
	}
}

// Broker stores insights and keeps one ordered delivery queue per
// registered agent.
type Broker struct {
	mu       sync.Mutex
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger
	nextID   func() string

	agents map[string]*mailbox
	store  []session.Insight
	byID   map[string]int
	recent map[dedupKey]time.Time
	stats  Stats
}

// New builds a broker.
func New(settings Settings, opts ...Option) *Broker {
	settings.normalize()
	b := &Broker{
		settings: settings,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		nextID:   func() string { return "ins-" + uuid.NewString() },
		agents:   map[string]*mailbox{},
		byID:     map[string]int{},
		recent:   map[dedupKey]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// ContentHash is the hash used in the dedup key.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(content)))
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Register adds or updates an agent's interest tags. Tags match
// case-insensitively. Queued insights are kept on update.
func (b *Broker) Register(agentID string, interests []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, ok := b.agents[agentID]
	if !ok {
		box = &mailbox{}
		b.agents[agentID] = box
	}
	box.interests = map[string]struct{}{}
	box.wildcard = false
	for _, tag := range interests {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if tag == Wildcard {
			box.wildcard = true
		}
		box.interests[tag] = struct{}{}
	}
}

// Unregister drops an agent and its undelivered queue.
func (b *Broker) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
}

// Registered reports whether agentID has a mailbox.
func (b *Broker) Registered(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.agents[agentID]
	return ok
}

// Publish stores the insight and queues it for every other registered
// agent whose interests intersect its tags, or for its audience when it
// names one. A repeat of the same (source, type, content) inside the
// dedup window is counted and dropped, and restarts the window.
func (b *Broker) Publish(in session.Insight) (Result, error) {
	in.Source = strings.TrimSpace(in.Source)
	in.Content = strings.TrimSpace(in.Content)
	in.Tags = session.NormalizeTags(in.Tags)
	in.Audience = audience(in.Audience)
	if in.Source == "" {
		return Result{}, fmt.Errorf("%w: source is required", ErrInvalidInsight)
	}
	if !in.Type.Valid() {
		return Result{}, fmt.Errorf("%w: unknown type %q", ErrInvalidInsight, in.Type)
	}
	if in.Content == "" {
		return Result{}, fmt.Errorf("%w: content is required", ErrInvalidInsight)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now().UTC()
	if in.Supersedes != "" {
		if _, ok := b.byID[in.Supersedes]; !ok {
			return Result{}, fmt.Errorf("%w: supersedes unknown insight %s", ErrInvalidInsight, in.Supersedes)
		}
	}

	b.pruneRecent(now)
	key := dedupKey{source: in.Source, kind: in.Type, content: ContentHash(in.Content)}
	if seen, ok := b.recent[key]; ok && now.Sub(seen) < b.settings.DedupWindow {
		b.recent[key] = now
		b.stats.Duplicates++
		return Result{Insight: in, Duplicate: true}, nil
	}
	b.recent[key] = now

	if in.ID == "" {
		in.ID = b.nextID()
	}
	if _, exists := b.byID[in.ID]; exists {
		return Result{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidInsight, in.ID)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	b.byID[in.ID] = len(b.store)
	b.store = append(b.store, in)
	b.stats.Published++

	var recipients []string
	for _, agentID := range sortedAgents(b.agents) {
		if agentID == in.Source {
			continue
		}
		box := b.agents[agentID]
		if in.Audience != nil {
			if !slices.Contains(in.Audience, agentID) {
				continue
			}
		} else if !box.matches(in.Tags) {
			continue
		}
		b.enqueue(agentID, box, in)
		recipients = append(recipients, agentID)
	}
	return Result{Insight: in, Recipients: recipients}, nil
}

// Pull drains the agent's queue in publish order.
func (b *Broker) Pull(agentID string) []session.Insight {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, ok := b.agents[agentID]
	if !ok || len(box.queue) == 0 {
		return nil
	}
	out := make([]session.Insight, 0, len(box.queue))
	for _, id := range box.queue {
		if idx, ok := b.byID[id]; ok {
			out = append(out, cloneInsight(b.store[idx]))
		}
	}
	box.queue = nil
	b.stats.Delivered += len(out)
	return out
}

// Pending reports how many insights wait for agentID.
func (b *Broker) Pending(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if box, ok := b.agents[agentID]; ok {
		return len(box.queue)
	}
	return 0
}

// Get returns a stored insight by id.
func (b *Broker) Get(id string) (session.Insight, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byID[id]
	if !ok {
		return session.Insight{}, false
	}
	return cloneInsight(b.store[idx]), true
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Collect removes insights older than the retention period that no
// queue still references. It returns how many were removed.
func (b *Broker) Collect() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	queued := map[string]struct{}{}
	for _, box := range b.agents {
		for _, id := range box.queue {
			queued[id] = struct{}{}
		}
	}
	kept := b.store[:0:0]
	removed := 0
	for _, in := range b.store {
		_, pending := queued[in.ID]
		if !pending && now.Sub(in.Timestamp) > b.settings.Retention {
			removed++
			continue
		}
		kept = append(kept, in)
	}
	b.store = kept
	b.byID = make(map[string]int, len(kept))
	for i, in := range kept {
		b.byID[in.ID] = i
	}
	b.stats.Expired += removed
	b.pruneRecent(now)
	return removed
}

// Snapshot returns stored insights and per-agent queues for persistence.
func (b *Broker) Snapshot() ([]session.Insight, map[string][]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	insights := make([]session.Insight, 0, len(b.store))
	for _, in := range b.store {
		insights = append(insights, cloneInsight(in))
	}
	pending := make(map[string][]string, len(b.agents))
	for id, box := range b.agents {
		if len(box.queue) > 0 {
			pending[id] = append([]string(nil), box.queue...)
		}
	}
	return insights, pending
}

// Restore loads persisted insights and queues. Agents must be
// registered first; queues for unknown agents are ignored.
func (b *Broker) Restore(insights []session.Insight, pending map[string][]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = make([]session.Insight, 0, len(insights))
	b.byID = make(map[string]int, len(insights))
	for _, in := range insights {
		b.byID[in.ID] = len(b.store)
		b.store = append(b.store, cloneInsight(in))
	}
	for id, queue := range pending {
		box, ok := b.agents[id]
		if !ok {
			continue
		}
		box.queue = nil
		for _, insightID := range queue {
			if _, known := b.byID[insightID]; known {
				box.queue = append(box.queue, insightID)
			}
		}
	}
}

// enqueue appends to a full queue by evicting the oldest non-critical
// insight. If every queued insight is critical, a non-critical arrival
// is dropped instead.
func (b *Broker) enqueue(agentID string, box *mailbox, in session.Insight) {
	if len(box.queue) < b.settings.QueueLimit {
		box.queue = append(box.queue, in.ID)
		b.stats.Queued++
		return
	}
	victim := -1
	for i, id := range box.queue {
		if idx, ok := b.byID[id]; ok && !b.store[idx].Type.Critical() {
			victim = i
			break
		}
	}
	switch {
	case victim >= 0:
		box.queue = append(box.queue[:victim], box.queue[victim+1:]...)
	case !in.Type.Critical():
		b.stats.Dropped++
		b.logger.Warn("insight queue full, dropping incoming", "agent", agentID, "insight", in.ID)
		return
	default:
		box.queue = box.queue[1:]
	}
	b.stats.Dropped++
	b.logger.Warn("insight queue full, dropped oldest", "agent", agentID, "limit", b.settings.QueueLimit)
	box.queue = append(box.queue, in.ID)
	b.stats.Queued++
}

func (b *Broker) pruneRecent(now time.Time) {
	for key, seen := range b.recent {
		if now.Sub(seen) >= b.settings.DedupWindow {
			delete(b.recent, key)
		}
	}
}

func (m *mailbox) matches(tags []string) bool {
	if m.wildcard {
		return true
	}
	for _, tag := range tags {
		if _, ok := m.interests[tag]; ok {
			return true
		}
	}
	return false
}

func cloneInsight(in session.Insight) session.Insight {
	if in.Tags != nil {
		in.Tags = append([]string{}, in.Tags...)
	}
	if in.Audience != nil {
		in.Audience = append([]string{}, in.Audience...)
	}
	return in
}

func audience(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
