// Package ports hands out local TCP ports for runtime instances. Released
// ports sit in a cooldown window before re-lease: the OS can report a
// just-closed port as free while the previous process's sockets are still
// tearing down, and re-binding it immediately yields false "ready" signals.
package ports

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clashprobe/internal/shared/logger"
	"clashprobe/internal/shared/types"
)

// Lease is exclusive ownership of one local port until Release.
type Lease struct {
	Port     int
	LeasedAt time.Time
}

// Manager tracks leased and cooling ports over a half-open range
// [start, end). All state lives behind one mutex; this is the only mutable
// resource validation tasks share.
type Manager struct {
	mu       sync.Mutex
	start    int
	end      int
	cursor   int
	cooldown time.Duration
	leased   map[int]bool
	cooling  map[int]time.Time

	log zerolog.Logger
}

func NewManager(cfg types.PortsConf) *Manager {
	return &Manager{
		start:    cfg.RangeStart,
		end:      cfg.RangeEnd,
		cursor:   cfg.RangeStart,
		cooldown: cfg.Cooldown(),
		leased:   make(map[int]bool),
		cooling:  make(map[int]time.Time),
		log:      logger.WithComponent("PortManager"),
	}
}

// Acquire leases one free port, or returns nil when the whole range is
// leased, cooling or unbindable. Exhaustion is a transient condition for the
// caller, not an error.
func (m *Manager) Acquire() *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked()
}

// AcquirePair leases the proxy and control ports for one instance. Either
// both succeed or neither does; a rollback skips the cooldown because the
// port never carried traffic.
func (m *Manager) AcquirePair() (proxy, control *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proxy = m.acquireLocked()
	if proxy == nil {
		return nil, nil
	}
	control = m.acquireLocked()
	if control == nil {
		m.releaseLocked(proxy.Port, false)
		return nil, nil
	}
	return proxy, control
}

// Release returns a lease to the pool and starts its cooldown window.
// Safe to call with nil.
func (m *Manager) Release(l *Lease) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(l.Port, true)
}

func (m *Manager) acquireLocked() *Lease {
	now := time.Now()
	m.pruneLocked(now)

	size := m.end - m.start
	for i := 0; i < size; i++ {
		port := m.cursor
		m.cursor++
		if m.cursor >= m.end {
			m.cursor = m.start
		}

		if m.leased[port] {
			continue
		}
		if _, cooling := m.cooling[port]; cooling {
			continue
		}
		if !bindProbe(port) {
			continue
		}
		m.leased[port] = true
		m.log.Debug().Int("port", port).Msg("port leased")
		return &Lease{Port: port, LeasedAt: now}
	}

	m.log.Warn().Int("range_start", m.start).Int("range_end", m.end).Msg("port range exhausted")
	return nil
}

func (m *Manager) releaseLocked(port int, withCooldown bool) {
	if !m.leased[port] {
		return
	}
	delete(m.leased, port)
	if withCooldown && m.cooldown > 0 {
		m.cooling[port] = time.Now()
	}
	m.log.Debug().Int("port", port).Bool("cooldown", withCooldown).Msg("port released")
}

// pruneLocked drops cooldown stamps older than the window. Called
// opportunistically under the lock; the map never outgrows the range size.
func (m *Manager) pruneLocked(now time.Time) {
	for port, releasedAt := range m.cooling {
		if now.Sub(releasedAt) >= m.cooldown {
			delete(m.cooling, port)
		}
	}
}

// bindProbe checks that the OS will actually hand us the port right now.
// A port can be unleased yet occupied by an unrelated process.
func bindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
