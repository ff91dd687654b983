package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tunwatch/internal/logx"
)

// ErrPoolClosed is returned by Acquire after the pool has been shut down.
var ErrPoolClosed = errors.New("connection pool closed")

// Conn is one pooled logical connection.
type Conn struct {
	ID       string
	raw      net.Conn
	reused   bool
	evicted  bool
	lastUsed time.Time
}

// Reused reports whether this handle came from the pool rather than a fresh
// dial.
func (c *Conn) Reused() bool { return c.reused }

// Dialer establishes a new underlying connection. Injectable for tests.
type Dialer func(ctx context.Context) (net.Conn, error)

// Config controls one tunnel's pool.
type Config struct {
	Size             int
	ReuseRatio       float64
	DialTimeout      time.Duration
	MaxAcquireJitter time.Duration
	Remote           string
}

// Pool keeps a fixed-size set of long-lived connections for one tunnel and
// mixes reuse with fresh establishment. A perfectly constant connection count
// (or one connection per request) is itself a fingerprint; probabilistic
// reuse plus jittered acquire timing avoids both.
type Pool struct {
	cfg  Config
	dial Dialer

	mu     sync.Mutex
	idle   []*Conn
	active map[string]*Conn
	closed bool

	stats Stats

	// overridable in tests
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Created int `json:"created" yaml:"created"`
	Reused  int `json:"reused" yaml:"reused"`
	Closed  int `json:"closed" yaml:"closed"`
	Evicted int `json:"evicted" yaml:"evicted"`
	Active  int `json:"active" yaml:"active"`
	Idle    int `json:"idle" yaml:"idle"`
}

// ReuseRate is the empirical fraction of acquisitions served from the pool.
func (s Stats) ReuseRate() float64 {
	total := s.Created + s.Reused
	if total == 0 {
		return 0
	}
	return float64(s.Reused) / float64(total)
}

// New creates a pool for one tunnel. A nil dialer gets a TCP dialer to
// cfg.Remote.
func New(cfg Config, dial Dialer) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if dial == nil {
		dial = tcpDialer(cfg.Remote, cfg.DialTimeout)
	}
	return &Pool{
		cfg:       cfg,
		dial:      dial,
		active:    make(map[string]*Conn),
		randFloat: rand.Float64,
		sleep:     sleepCtx,
	}
}

// Acquire returns a pooled connection with probability ReuseRatio, otherwise
// a freshly dialed one. A randomized delay is injected first so consecutive
// acquisitions from one caller do not show uniform inter-request timing.
// The pool never holds more than its configured size: at capacity the
// oldest-idle connection is evicted, and with no idle connections left the
// oldest active one is force-closed.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := p.acquireJitter(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.idle) > 0 && p.randFloat() < p.cfg.ReuseRatio {
		// Randomize which idle connection is picked; strict LRU order would
		// be a pattern of its own.
		i := int(p.randFloat() * float64(len(p.idle)))
		if i >= len(p.idle) {
			i = len(p.idle) - 1
		}
		conn := p.idle[i]
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		conn.reused = true
		conn.lastUsed = time.Now()
		p.active[conn.ID] = conn
		p.stats.Reused++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	raw, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.Remote, err)
	}

	conn := &Conn{ID: uuid.NewString(), raw: raw, lastUsed: time.Now()}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeRaw(raw)
		return nil, ErrPoolClosed
	}
	for len(p.active)+len(p.idle)+1 > p.cfg.Size {
		if len(p.idle) > 0 {
			p.evictOldestIdleLocked()
		} else {
			p.evictOldestActiveLocked()
		}
	}
	p.active[conn.ID] = conn
	p.stats.Created++
	p.mu.Unlock()
	return conn, nil
}

// Release returns the connection to the pool, or closes it when the pool is
// full or shut down. Releasing an evicted handle is a no-op.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn.evicted {
		return
	}
	delete(p.active, conn.ID)
	if p.closed || len(p.active)+len(p.idle) >= p.cfg.Size {
		p.closeLocked(conn)
		return
	}
	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Active = len(p.active)
	st.Idle = len(p.idle)
	return st
}

// Close shuts the pool down and closes every idle connection. Handles still
// held by callers are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, conn := range p.idle {
		p.closeLocked(conn)
	}
	p.idle = nil
}

// Rebuild drops all idle connections so the next acquisitions dial fresh
// ones. The watchdog calls this after a recovery, when pooled connections
// point at a dead transport.
func (p *Pool) Rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.idle {
		p.closeLocked(conn)
	}
	p.idle = nil
	logx.With(logrus.Fields{"remote": p.cfg.Remote}).Debug("connection pool rebuilt")
}

func (p *Pool) acquireJitter(ctx context.Context) error {
	if p.cfg.MaxAcquireJitter <= 0 {
		return nil
	}
	delay := time.Duration(p.randFloat() * float64(p.cfg.MaxAcquireJitter))
	return p.sleep(ctx, delay)
}

func (p *Pool) evictOldestIdleLocked() {
	oldest := 0
	for i := 1; i < len(p.idle); i++ {
		if p.idle[i].lastUsed.Before(p.idle[oldest].lastUsed) {
			oldest = i
		}
	}
	conn := p.idle[oldest]
	p.idle = append(p.idle[:oldest], p.idle[oldest+1:]...)
	p.closeLocked(conn)
	p.stats.Evicted++
}

func (p *Pool) evictOldestActiveLocked() {
	var oldest *Conn
	for _, conn := range p.active {
		if oldest == nil || conn.lastUsed.Before(oldest.lastUsed) {
			oldest = conn
		}
	}
	if oldest == nil {
		return
	}
	oldest.evicted = true
	delete(p.active, oldest.ID)
	p.closeLocked(oldest)
	p.stats.Evicted++
}

func (p *Pool) closeLocked(conn *Conn) {
	closeRaw(conn.raw)
	p.stats.Closed++
}

func closeRaw(raw net.Conn) {
	if raw != nil {
		_ = raw.Close()
	}
}

func tcpDialer(remote string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", remote)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
