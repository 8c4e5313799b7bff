// Package broker is the pub/sub-broker transport: an HTTP server that
// keeps a bounded log per channel, and a client adapter that long-polls
// it from its own cursor.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kingrea/powermode/internal/clock"
	"github.com/kingrea/powermode/internal/transport"
)

// ProtocolVersion is reported by /health.
const ProtocolVersion = "1.0.0"

const maxBatch = 256

// ServerStatus reports lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// Server is the broker process.
type Server struct {
	settings Settings
	logger   *slog.Logger
	clock    clock.Clock

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time

	logMu    sync.Mutex
	channels map[transport.Channel]*channelLog
	seen     map[string]int64
}

type channelLog struct {
	messages []transport.Message
	next     int64
	notify   chan struct{}
}

// Option customizes server construction.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewServer prepares a broker using settings.
func NewServer(settings Settings, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		logger:   slog.New(slog.DiscardHandler),
		clock:    clock.Real(),
		status:   StatusStarting,
		channels: map[transport.Channel]*channelLog{},
		seen:     map[string]int64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the broker's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /channels/{name}", s.handlePublish)
	mux.HandleFunc("GET /channels/{name}", s.handlePoll)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("broker: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock.Now()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("broker serve failed", "error", err)
		}
	}()
	s.logger.Info("broker listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	s.wakeAll()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// BaseURL returns the URL of the running server.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.settings.URL()
	}
	return "http://" + s.listener.Addr().String()
}

func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Channels      int    `json:"channels"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type publishResponse struct {
	Status   string `json:"status"`
	Sequence int64  `json:"sequence"`
}

type pollResponse struct {
	Messages []transport.Message `json:"messages"`
	Next     int64               `json:"next"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()
	var uptime int64
	if !started.IsZero() {
		uptime = int64(s.clock.Now().Sub(started).Seconds())
	}
	s.logMu.Lock()
	count := len(s.channels)
	s.logMu.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		Channels:      count,
		UptimeSeconds: uptime,
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ch, err := transport.ParseChannel(r.PathValue("name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return
	}
	var msg transport.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	msg.Channel = ch
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if msg.Time.IsZero() {
		msg.Time = s.clock.Now().UTC()
	}
	seq, dup := s.append(ch, msg)
	status := "accepted"
	if dup {
		status = "duplicate"
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Status: status, Sequence: seq})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ch, err := transport.ParseChannel(r.PathValue("name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	after, err := parseInt(r.URL.Query().Get("after"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "after must be an integer"})
		return
	}
	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err = time.ParseDuration(raw)
		if err != nil || wait < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "wait must be a duration"})
			return
		}
		if wait > s.settings.PollWait {
			wait = s.settings.PollWait
		}
	}

	msgs, next, notify := s.read(ch, after)
	if len(msgs) == 0 && wait > 0 && s.Status() == StatusReady {
		select {
		case <-notify:
			msgs, next, _ = s.read(ch, after)
		case <-s.clock.After(wait):
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, pollResponse{Messages: msgs, Next: next})
}

// append stores msg and returns its sequence. A message id seen before
// keeps its first sequence.
func (s *Server) append(ch transport.Channel, msg transport.Message) (int64, bool) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	key := string(ch) + "/" + msg.ID
	if seq, ok := s.seen[key]; ok {
		return seq, true
	}
	log := s.channel(ch)
	log.next++
	msg.Sequence = log.next
	log.messages = append(log.messages, msg)
	if over := len(log.messages) - s.settings.Retention; over > 0 {
		for _, old := range log.messages[:over] {
			delete(s.seen, string(ch)+"/"+old.ID)
		}
		log.messages = append([]transport.Message(nil), log.messages[over:]...)
	}
	s.seen[key] = msg.Sequence
	close(log.notify)
	log.notify = make(chan struct{})
	return msg.Sequence, false
}

func (s *Server) read(ch transport.Channel, after int64) ([]transport.Message, int64, <-chan struct{}) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	log := s.channel(ch)
	var out []transport.Message
	next := after
	for _, msg := range log.messages {
		if msg.Sequence <= after {
			continue
		}
		out = append(out, msg)
		next = msg.Sequence
		if len(out) == maxBatch {
			break
		}
	}
	return out, next, log.notify
}

func (s *Server) channel(ch transport.Channel) *channelLog {
	log, ok := s.channels[ch]
	if !ok {
		log = &channelLog{notify: make(chan struct{})}
		s.channels[ch] = log
	}
	return log
}

func (s *Server) wakeAll() {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	for _, log := range s.channels {
		close(log.notify)
		log.notify = make(chan struct{})
	}
}

func parseInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
