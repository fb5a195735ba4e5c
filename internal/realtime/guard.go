package realtime

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrRateLimited        = errors.New("handshake rate limit exceeded")
	ErrTooManyConnections = errors.New("too many concurrent connections")
)

// GuardConfig bounds what a single address or login session can cost us.
type GuardConfig struct {
	HandshakeWindow    time.Duration
	HandshakeBudget    int
	MaxConnsPerAddress int
	MaxConnsPerSession int
}

// Guard performs connection admission: a token-bucket handshake rate per
// remote address, plus concurrent-slot caps per address and per session.
// Everything here runs before any per-connection state is allocated.
type Guard struct {
	cfg GuardConfig

	mu           sync.Mutex
	limiters     map[string]*addrLimiter
	addrSlots    map[string]int
	sessionSlots map[string]int
}

type addrLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{
		cfg:          cfg,
		limiters:     make(map[string]*addrLimiter),
		addrSlots:    make(map[string]int),
		sessionSlots: make(map[string]int),
	}
}

// AdmitHandshake spends one handshake attempt for the address. The bucket
// holds HandshakeBudget tokens and refills over HandshakeWindow.
func (g *Guard) AdmitHandshake(addr string) bool {
	g.mu.Lock()
	al, ok := g.limiters[addr]
	if !ok {
		refill := rate.Every(g.cfg.HandshakeWindow / time.Duration(g.cfg.HandshakeBudget))
		al = &addrLimiter{limiter: rate.NewLimiter(refill, g.cfg.HandshakeBudget)}
		g.limiters[addr] = al
	}
	al.lastSeen = time.Now()
	g.mu.Unlock()

	return al.limiter.Allow()
}

// AcquireSlots claims one concurrent-connection slot per address and per
// session. The returned release is idempotent: overlapping close and
// error handlers may both call it.
func (g *Guard) AcquireSlots(addr, sessionID string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.addrSlots[addr] >= g.cfg.MaxConnsPerAddress {
		return nil, ErrTooManyConnections
	}
	if g.sessionSlots[sessionID] >= g.cfg.MaxConnsPerSession {
		return nil, ErrTooManyConnections
	}
	g.addrSlots[addr]++
	g.sessionSlots[sessionID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.addrSlots[addr]--; g.addrSlots[addr] <= 0 {
				delete(g.addrSlots, addr)
			}
			if g.sessionSlots[sessionID]--; g.sessionSlots[sessionID] <= 0 {
				delete(g.sessionSlots, sessionID)
			}
		})
	}, nil
}

// GC drops limiters for addresses not seen for a full window with no open
// slots, so the map does not grow with every address ever observed.
func (g *Guard) GC() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-2 * g.cfg.HandshakeWindow)
	for addr, al := range g.limiters {
		if al.lastSeen.Before(cutoff) && g.addrSlots[addr] == 0 {
			delete(g.limiters, addr)
		}
	}
}

// limiterCount is a test hook.
func (g *Guard) limiterCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}
