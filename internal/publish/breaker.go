package publish

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/sony/gobreaker"
	"github.com/temoto/sensagent/log2"
)

const DefaultBreakerOpen = 60 * time.Second

// Breaker fails fast after consecutive session failures.
// Open state errors are ordinary transient failures for caller.
type Breaker struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(log *log2.Log, next Publisher, failures int, open time.Duration) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broker",
			Timeout: open,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(failures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Infof("breaker %s %s -> %s", name, from, to)
			},
		}),
	}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Open(ctx context.Context) (Session, error) {
	x, err := b.cb.Execute(func() (interface{}, error) { return b.next.Open(ctx) })
	if err != nil {
		return nil, errors.Annotate(err, "breaker")
	}
	return &breakerSession{b: b, next: x.(Session)}, nil
}

type breakerSession struct {
	b    *Breaker
	next Session
}

func (s *breakerSession) Publish(ctx context.Context, payload []byte) error {
	_, err := s.b.cb.Execute(func() (interface{}, error) { return nil, s.next.Publish(ctx, payload) })
	return errors.Annotate(err, "breaker")
}

func (s *breakerSession) Close() error { return s.next.Close() }
