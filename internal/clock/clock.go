// Package clock makes sure wall clock is plausible before readings are timestamped.
package clock

import (
	"context"
	"time"

	"github.com/beevik/ntp"
	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/helpers"
	"github.com/temoto/sensagent/log2"
	"golang.org/x/sys/unix"
)

const (
	DefaultNTPServer = "pool.ntp.org"
	DefaultMinYear   = 2000
	DefaultRetry     = 5 * time.Second
	DefaultTimeout   = 5 * time.Second
)

var ErrNotSynced = errors.New("clock not synced")

type Config struct {
	NTPServer string `hcl:"ntp_server"`
	RetrySec  int    `hcl:"retry_sec"`
	MinYear   int    `hcl:"min_year"`
	// SkipSetSystem leaves system clock to another daemon, e.g. systemd-timesyncd.
	SkipSetSystem bool `hcl:"skip_set_system"`
	TimeoutSec    int  `hcl:"timeout_sec"`
}

// Source returns network time.
type Source interface {
	Query(ctx context.Context) (time.Time, error)
}

type Syncer struct {
	Log     *log2.Log
	Source  Source
	MinYear int
	// SetSystem applies network time to system clock, nil to skip.
	SetSystem func(time.Time) error
	Now       func() time.Time
	// Policy is called for every Sync, default retries forever.
	Policy func() backoff.BackOff
	// OnAttempt observes every attempt result.
	OnAttempt func(err error)
}

func New(log *log2.Log, c *Config) *Syncer {
	s := &Syncer{
		Log:     log,
		Source:  &NTP{Server: c.NTPServer, Timeout: helpers.IntSecondDefault(c.TimeoutSec, DefaultTimeout)},
		MinYear: c.MinYear,
		Now:     time.Now,
	}
	if s.MinYear == 0 {
		s.MinYear = DefaultMinYear
	}
	if !c.SkipSetSystem {
		s.SetSystem = SetSystemClock
	}
	retry := helpers.IntSecondDefault(c.RetrySec, DefaultRetry)
	s.Policy = func() backoff.BackOff { return backoff.NewConstantBackOff(retry) }
	return s
}

// Synced reports wall clock year is past MinYear.
func (s *Syncer) Synced() bool {
	return s.now().Year() > s.MinYear
}

// Sync blocks until clock is synced, ctx is done or policy gives up (ErrNotSynced).
func (s *Syncer) Sync(ctx context.Context) error {
	policy := s.Policy
	if policy == nil {
		policy = func() backoff.BackOff { return backoff.NewConstantBackOff(DefaultRetry) }
	}
	attempt := 0
	op := func() error {
		attempt++
		err := s.attempt(ctx)
		if s.OnAttempt != nil {
			s.OnAttempt(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.Log.Errorf("clock sync attempt=%d err=%v", attempt, err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(policy(), ctx))
	switch {
	case err == nil:
		s.Log.Infof("clock synced time=%s attempts=%d", s.now().UTC().Format(time.RFC3339), attempt)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.Annotatef(ErrNotSynced, "attempts=%d last=%v", attempt, err)
	}
}

func (s *Syncer) attempt(ctx context.Context) error {
	t, err := s.Source.Query(ctx)
	if err != nil {
		return errors.Annotate(err, "ntp query")
	}
	if s.SetSystem != nil {
		if err = s.SetSystem(t); err != nil {
			err = errors.Annotate(err, "set system clock")
			if s.now().Year() <= s.MinYear {
				return err
			}
			s.Log.Errorf("%v, local clock is plausible, continue", err)
		}
	}
	if now := s.now(); now.Year() <= s.MinYear {
		return errors.Errorf("clock year=%d not after %d", now.Year(), s.MinYear)
	}
	return nil
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type NTP struct {
	Server  string
	Timeout time.Duration
}

func (n *NTP) Query(ctx context.Context) (time.Time, error) {
	server := n.Server
	if server == "" {
		server = DefaultNTPServer
	}
	timeout := n.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return time.Time{}, errors.Annotatef(err, "server=%s", server)
	}
	if err = resp.Validate(); err != nil {
		return time.Time{}, errors.Annotatef(err, "server=%s", server)
	}
	return resp.Time, nil
}

// SetSystemClock requires CAP_SYS_TIME.
func SetSystemClock(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return errors.Annotate(unix.Settimeofday(&tv), "settimeofday")
}
