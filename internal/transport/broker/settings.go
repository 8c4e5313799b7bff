package broker

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 45 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	// DefaultRetention is how many messages each channel keeps for
	// late or lagging subscribers.
	DefaultRetention = 4096
	// DefaultPollWait bounds one long-poll request.
	DefaultPollWait = 25 * time.Second
)

// Settings configures the broker server.
type Settings struct {
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Retention    int
	PollWait     time.Duration
}

// DefaultSettings returns settings with environment overrides applied.
func DefaultSettings() Settings {
	s := Settings{Port: DefaultPort}
	s.applyEnvOverrides()
	s.normalize()
	return s
}

// FromAddress parses host:port on top of the defaults.
func FromAddress(addr string) (Settings, error) {
	s := DefaultSettings()
	if strings.TrimSpace(addr) == "" {
		return s, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Settings{}, err
	}
	parsed, err := strconv.Atoi(port)
	if err != nil {
		return Settings{}, err
	}
	s.Host = host
	s.Port = parsed
	s.normalize()
	return s, nil
}

func (s *Settings) applyEnvOverrides() {
	if host := strings.TrimSpace(os.Getenv("POWERMODE_BROKER_HOST")); host != "" {
		s.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("POWERMODE_BROKER_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
			s.Port = parsed
		}
	}
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	// port 0 asks the kernel for a free port
	if s.Port < 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.Retention <= 0 {
		s.Retention = DefaultRetention
	}
	if s.PollWait <= 0 {
		s.PollWait = DefaultPollWait
	}
}

// Address returns the bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
