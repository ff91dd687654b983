package sampler

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/sirupsen/logrus"

	"tunwatch/internal/logx"
	"tunwatch/internal/model"
)

// Counters is the subset of interface statistics the sampler consumes.
type Counters struct {
	BytesSent   uint64
	BytesRecv   uint64
	PacketsRecv uint64
	ErrIn       uint64
	ErrOut      uint64
	DropIn      uint64
	DropOut     uint64
}

// Sampler takes point-in-time measurements of tunnel endpoints. It holds the
// previous counter reading per tunnel to derive throughput; everything else is
// stateless per invocation. Probe, counter, and STUN sources are injectable
// for tests.
type Sampler struct {
	timeout     time.Duration
	stunServers []string

	probe      func(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error)
	counters   func(iface string) (Counters, bool, error)
	linkUp     func(iface string) bool
	publicAddr func(ctx context.Context, server string, timeout time.Duration) (string, error)

	mu   sync.Mutex
	prev map[string]counterPoint
}

type counterPoint struct {
	at       time.Time
	counters Counters
}

// New creates a sampler with the default OS-backed probe and counter sources.
func New(timeout time.Duration, stunServers []string) *Sampler {
	return &Sampler{
		timeout:     timeout,
		stunServers: stunServers,
		probe:       EchoProbe,
		counters:    readCounters,
		linkUp:      interfaceUp,
		publicAddr:  stunPublicAddr,
		prev:        make(map[string]counterPoint),
	}
}

// Sample measures one tunnel. It never blocks longer than the probe timeout
// per external call and never fails: a timed-out probe yields a sample with
// Up=false rather than an error.
func (s *Sampler) Sample(ctx context.Context, tunnel model.Tunnel) model.Sample {
	now := time.Now().UTC()
	sample := model.Sample{Tunnel: tunnel.Name, Timestamp: now}

	link := s.linkUp(tunnel.Interface)
	counters, found, err := s.counters(tunnel.Interface)
	if err != nil {
		logx.With(logrus.Fields{"tunnel": tunnel.Name, "iface": tunnel.Interface}).
			WithError(err).Debug("interface counters unavailable")
	}
	if found {
		sample.IfaceErrors = counters.ErrIn + counters.ErrOut
		sample.PacketLossPct = packetLossPct(counters)
		sample.ThroughputMbps = s.throughput(tunnel.Name, now, counters)
	} else {
		link = false
	}

	rtt, probeErr := s.probe(ctx, probeAddr(tunnel), s.timeout)
	if probeErr != nil {
		logx.With(logrus.Fields{"tunnel": tunnel.Name, "remote": tunnel.Remote}).
			WithError(probeErr).Debug("reachability probe failed")
	} else {
		sample.HasLatency = true
		sample.LatencyMS = float64(rtt.Microseconds()) / 1000.0
	}

	sample.Up = link && probeErr == nil

	if len(s.stunServers) > 0 && s.publicAddr != nil {
		if addr, err := s.publicAddr(ctx, s.stunServers[0], s.timeout); err == nil {
			sample.PublicAddr = addr
		} else {
			logx.With(logrus.Fields{"tunnel": tunnel.Name}).WithError(err).Debug("stun probe failed")
		}
	}

	return sample
}

// throughput derives Mbps from byte counter deltas since the previous sample
// of the same tunnel. The first reading has no baseline and reports zero.
func (s *Sampler) throughput(tunnel string, now time.Time, counters Counters) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.prev[tunnel]
	s.prev[tunnel] = counterPoint{at: now, counters: counters}
	if !ok {
		return 0
	}
	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	sent := delta(counters.BytesSent, prev.counters.BytesSent)
	recv := delta(counters.BytesRecv, prev.counters.BytesRecv)
	megabits := float64(sent+recv) * 8 / 1e6
	return megabits / dt
}

func delta(cur, prev uint64) uint64 {
	if cur < prev { // counter reset, e.g. interface recreated during recovery
		return cur
	}
	return cur - prev
}

func packetLossPct(c Counters) float64 {
	total := c.PacketsRecv + c.ErrIn
	if total == 0 {
		return 0
	}
	return float64(c.ErrIn) / float64(total) * 100
}

func probeAddr(tunnel model.Tunnel) string {
	if tunnel.ProbePort > 0 {
		if host, _, err := net.SplitHostPort(tunnel.Remote); err == nil {
			return net.JoinHostPort(host, strconv.Itoa(tunnel.ProbePort))
		}
		return net.JoinHostPort(tunnel.Remote, strconv.Itoa(tunnel.ProbePort))
	}
	return tunnel.Remote
}

func readCounters(iface string) (Counters, bool, error) {
	stats, err := psnet.IOCounters(true)
	if err != nil {
		return Counters{}, false, err
	}
	for _, st := range stats {
		if st.Name != iface {
			continue
		}
		return Counters{
			BytesSent:   st.BytesSent,
			BytesRecv:   st.BytesRecv,
			PacketsRecv: st.PacketsRecv,
			ErrIn:       st.Errin,
			ErrOut:      st.Errout,
			DropIn:      st.Dropin,
			DropOut:     st.Dropout,
		}, true, nil
	}
	return Counters{}, false, nil
}

func interfaceUp(iface string) bool {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0
}
