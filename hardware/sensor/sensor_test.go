package sensor

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensagent/log2"
	"periph.io/x/periph/conn/physic"
)

func TestNew(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	cases := []struct {
		name      string
		config    Config
		expect    map[string]float64
		expectErr string
	}{
		{"default", Config{}, map[string]float64{"temperature": 22.5, "humidity": 50, "pressure": 1013}, ""},
		{"values", Config{Kind: "static", Values: map[string]float64{"co2": 415}}, map[string]float64{"co2": 415}, ""},
		{"invalid", Config{Kind: "dht11"}, nil, "sensor.kind=dht11 not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s, err := New(log, &c.config)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, err.Error())
				return
			}
			require.NoError(t, err)
			m, err := s.Sense()
			require.NoError(t, err)
			assert.Equal(t, c.expect, m)
			assert.NoError(t, s.Close())
		})
	}
}

func TestStaticCopies(t *testing.T) {
	t.Parallel()

	src := map[string]float64{"temperature": 1}
	s := NewStatic(src)
	src["temperature"] = 2
	m, _ := s.Sense()
	m["temperature"] = 3
	m2, _ := s.Sense()
	assert.Equal(t, 1.0, m2["temperature"])
}

type fakeEnv struct {
	env    physic.Env
	err    error
	halted bool
}

func (f *fakeEnv) Sense(e *physic.Env) error { *e = f.env; return f.err }
func (f *fakeEnv) Halt() error               { f.halted = true; return nil }

func TestBME280(t *testing.T) {
	t.Parallel()

	fake := &fakeEnv{env: physic.Env{
		Temperature: physic.ZeroCelsius + 21500*physic.MilliKelvin,
		Pressure:    101325 * physic.Pascal,
		Humidity:    45 * physic.PercentRH,
	}}
	s := &BME280{dev: fake}
	m, err := s.Sense()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"temperature": 21.5, "pressure": 1013.25, "humidity": 45}, m)

	fake.env.Humidity = 0
	m, err = s.Sense()
	require.NoError(t, err)
	_, ok := m["humidity"]
	assert.False(t, ok)

	fake.err = errors.New("i2c nack")
	_, err = s.Sense()
	assert.Contains(t, err.Error(), "i2c nack")

	assert.NoError(t, s.Close())
	assert.True(t, fake.halted)
}
