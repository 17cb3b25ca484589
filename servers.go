package binmemcache

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultPort = 11211
	DefaultHost = "127.0.0.1"
)

// Address is a parsed server address: [user:pass@]host[:port] or an
// absolute unix socket path.
type Address struct {
	// Hostname is the address as given, without credentials. It names the
	// server in the hash ring, logs and stats.
	Hostname string
	Network  string // "tcp" or "unix"
	Host     string
	Port     int
	Username string
	Password string
}

// ParseAddress parses a server address.
func ParseAddress(s string) (Address, error) {
	var addr Address

	if i := strings.LastIndex(s, "@"); i >= 0 {
		auth := s[:i]
		s = s[i+1:]
		user, pass, _ := strings.Cut(auth, ":")
		if user == "" {
			return Address{}, errors.Wrapf(ErrInvalidAddress, "empty username in %q", s)
		}
		addr.Username, addr.Password = user, pass
	}

	if strings.HasPrefix(s, "/") {
		addr.Hostname = s
		addr.Network = "unix"
		addr.Host = s
		return addr, nil
	}

	addr.Network = "tcp"
	addr.Hostname = s
	addr.Host = s
	addr.Port = DefaultPort

	if host, port, err := net.SplitHostPort(s); err == nil {
		p, perr := strconv.Atoi(port)
		if perr != nil || p <= 0 || p > 65535 {
			return Address{}, errors.Wrapf(ErrInvalidAddress, "bad port in %q", s)
		}
		addr.Host, addr.Port = host, p
	} else if strings.Count(s, ":") == 1 {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "%q: %v", s, err)
	} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		addr.Host = s[1 : len(s)-1]
	}

	if addr.Host == "" {
		addr.Host = DefaultHost
		addr.Hostname = net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
	}
	return addr, nil
}

// Addr returns the dial address.
func (a Address) Addr() string {
	if a.Network == "unix" {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ringLabel is the name hashed onto the ring. The default port is left out
// so "host" and "host:11211" land on the same points.
func (a Address) ringLabel() string {
	return strings.TrimSuffix(a.Hostname, ":"+strconv.Itoa(DefaultPort))
}

// Server is one cache endpoint with its connection pool and health state.
type Server struct {
	Address

	pool   Pool
	health *health
}

// Pool returns the server's connection pool.
func (s *Server) Pool() Pool {
	return s.pool
}

// Fail records a failure and returns the failure count. The count stops
// moving once the server is failed.
func (s *Server) Fail() uint32 {
	return s.health.fail()
}

// IsFailed reports whether the server crossed its failure threshold.
func (s *Server) IsFailed() bool {
	return s.health.isFailed()
}

// Revive clears the failed flag and the failure count.
func (s *Server) Revive() {
	s.health.revive()
}

func (s *Server) String() string {
	return s.Hostname
}

// ServerStats is a snapshot of one server.
type ServerStats struct {
	Hostname string
	Active   bool // currently in the ring
	Failed   bool
	Failures uint32
	Pool     PoolStats
}

func (s *Server) stats(active bool) ServerStats {
	return ServerStats{
		Hostname: s.Hostname,
		Active:   active,
		Failed:   s.IsFailed(),
		Failures: s.health.failures(),
		Pool:     s.pool.Stats(),
	}
}
