package clock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensagent/log2"
)

// fakeNet simulates NTP server which moves fake wall clock forward on success.
type fakeNet struct {
	fails   int
	queries int
	wall    time.Time
	network time.Time
}

func (f *fakeNet) Query(ctx context.Context) (time.Time, error) {
	f.queries++
	if f.queries <= f.fails {
		return time.Time{}, errors.New("i/o timeout")
	}
	return f.network, nil
}

func newTestSyncer(t testing.TB, f *fakeNet, maxRetries uint64) *Syncer {
	return &Syncer{
		Log:       log2.NewTest(t, log2.LDebug),
		Source:    f,
		MinYear:   DefaultMinYear,
		SetSystem: func(tm time.Time) error { f.wall = tm; return nil },
		Now:       func() time.Time { return f.wall },
		Policy: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries)
		},
	}
}

func TestSync(t *testing.T) {
	t.Parallel()

	epoch := time.Unix(0, 0)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	type Case struct {
		name        string
		net         fakeNet
		max         uint64
		expectErr   error
		expectQuery int
	}
	cases := []Case{
		{"first-try", fakeNet{wall: epoch, network: now}, 3, nil, 1},
		{"already-synced-still-queries", fakeNet{wall: now, network: now}, 3, nil, 1},
		{"retry-then-ok", fakeNet{fails: 2, wall: epoch, network: now}, 5, nil, 3},
		{"exhausted", fakeNet{fails: 100, wall: epoch, network: now}, 3, ErrNotSynced, 4},
		{"bogus-network-time", fakeNet{wall: epoch, network: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)}, 2, ErrNotSynced, 3},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s := newTestSyncer(t, &c.net, c.max)
			attempts := 0
			s.OnAttempt = func(error) { attempts++ }
			err := s.Sync(context.Background())
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
				assert.False(t, s.Synced())
			} else {
				require.NoError(t, err)
				assert.True(t, s.Synced())
			}
			assert.Equal(t, c.expectQuery, c.net.queries)
			assert.Equal(t, c.expectQuery, attempts)
		})
	}
}

func TestSyncSetSystemError(t *testing.T) {
	t.Parallel()

	f := &fakeNet{wall: time.Unix(0, 0), network: time.Now()}
	s := newTestSyncer(t, f, 1)
	s.SetSystem = func(time.Time) error { return errors.New("operation not permitted") }
	err := s.Sync(context.Background())
	assert.Equal(t, ErrNotSynced, errors.Cause(err))
	assert.Contains(t, err.Error(), "operation not permitted")
}

func TestSyncCancel(t *testing.T) {
	t.Parallel()

	f := &fakeNet{fails: 1 << 30, wall: time.Unix(0, 0)}
	s := newTestSyncer(t, f, 0)
	s.Policy = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := s.Sync(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.True(t, time.Since(begin) < 10*time.Second)
	assert.Equal(t, 1, f.queries)
}

func TestNew(t *testing.T) {
	t.Parallel()

	s := New(log2.NewTest(t, log2.LDebug), &Config{NTPServer: "ntp.example", RetrySec: 7})
	assert.Equal(t, DefaultMinYear, s.MinYear)
	assert.NotNil(t, s.SetSystem, "system clock is set by default")
	assert.Equal(t, 7*time.Second, s.Policy().NextBackOff())
	n := s.Source.(*NTP)
	assert.Equal(t, "ntp.example", n.Server)
	assert.Equal(t, DefaultTimeout, n.Timeout)
	assert.True(t, s.Synced())

	s = New(nil, &Config{SkipSetSystem: true, MinYear: 2020})
	assert.Nil(t, s.SetSystem)
	assert.Equal(t, 2020, s.MinYear)
}

func TestDefaultConfigSetsClock(t *testing.T) {
	t.Parallel()

	network := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	f := &fakeNet{wall: time.Unix(0, 0), network: network}
	s := New(log2.NewTest(t, log2.LDebug), &Config{})
	require.NotNil(t, s.SetSystem)
	var applied []time.Time
	s.SetSystem = func(tm time.Time) error {
		applied = append(applied, tm)
		f.wall = tm
		return nil
	}
	s.Source = f
	s.Now = func() time.Time { return f.wall }
	s.Policy = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, []time.Time{network}, applied)
	assert.Equal(t, 1, f.queries)
	assert.True(t, s.Synced())
}

func TestSyncSetSystemDeniedClockPlausible(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeNet{wall: now, network: now}
	s := newTestSyncer(t, f, 0)
	s.SetSystem = func(time.Time) error { return errors.New("operation not permitted") }
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 1, f.queries)
}

func TestNTPQueryUnreachable(t *testing.T) {
	t.Parallel()

	// UDP port with nobody listening, query must fail within timeout
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	n := &NTP{Server: addr, Timeout: 200 * time.Millisecond}
	_, err = n.Query(context.Background())
	assert.Error(t, err)
}
