package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDialer() Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			// Drain and discard so writes on the client side never block.
			buf := make([]byte, 256)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func newTestPool(size int, reuse float64) *Pool {
	p := New(Config{Size: size, ReuseRatio: reuse, Remote: "203.0.113.7:7001"}, fakeDialer())
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestAcquireReleaseReuse(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, 1.0) // always reuse when possible
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, first.Reused())
	p.Release(first)

	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, second.Reused())
	assert.Equal(t, first.ID, second.ID)
}

func TestNeverReuseWhenRatioZero(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, 0)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, c2.Reused())
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestPoolNeverExceedsSize(t *testing.T) {
	t.Parallel()

	p := newTestPool(3, 0) // always dial fresh to force eviction pressure
	ctx := context.Background()

	var held []*Conn
	for i := 0; i < 10; i++ {
		conn, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, conn)

		st := p.Stats()
		assert.LessOrEqual(t, st.Active+st.Idle, 3, "iteration %d", i)
	}
	st := p.Stats()
	assert.Equal(t, 10, st.Created)
	assert.Equal(t, 7, st.Evicted, "saturated pool must force-evict the oldest connection")

	for _, conn := range held {
		p.Release(conn)
	}
	st = p.Stats()
	assert.LessOrEqual(t, st.Active+st.Idle, 3)
}

func TestReleaseClosesWhenFull(t *testing.T) {
	t.Parallel()

	p := newTestPool(2, 0)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(a)
	p.Release(b)

	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.LessOrEqual(t, st.Idle, 2)
}

func TestEmpiricalReuseRateConvergesToRatio(t *testing.T) {
	t.Parallel()

	p := newTestPool(8, 0.7)
	ctx := context.Background()

	// Warm the pool so reuse is possible from the start.
	var warm []*Conn
	for i := 0; i < 8; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		warm = append(warm, c)
	}
	for _, c := range warm {
		p.Release(c)
	}
	base := p.Stats()

	for i := 0; i < 2000; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(c)
	}

	st := p.Stats()
	reused := st.Reused - base.Reused
	total := (st.Reused - base.Reused) + (st.Created - base.Created)
	rate := float64(reused) / float64(total)
	assert.InDelta(t, 0.7, rate, 0.05)
}

func TestAcquireJitterHonorsContext(t *testing.T) {
	t.Parallel()

	p := New(Config{Size: 2, ReuseRatio: 0.5, MaxAcquireJitter: time.Hour, Remote: "x"}, fakeDialer())
	p.randFloat = func() float64 { return 0.9 }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Acquire(ctx)
	assert.Error(t, err)
}

func TestAcquireAfterClose(t *testing.T) {
	t.Parallel()

	p := newTestPool(2, 0.5)
	p.Close()
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestRebuildDropsIdle(t *testing.T) {
	t.Parallel()

	p := newTestPool(4, 1.0)
	ctx := context.Background()
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c)
	require.Equal(t, 1, p.Stats().Idle)

	p.Rebuild()
	assert.Equal(t, 0, p.Stats().Idle)

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, fresh.Reused())
}
