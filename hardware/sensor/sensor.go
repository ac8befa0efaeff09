// Package sensor reads environment values: temperature, humidity, pressure.
package sensor

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/log2"
)

const (
	KindStatic = "static"
	KindBME280 = "bme280"
)

const (
	Temperature = "temperature"
	Humidity    = "humidity"
	Pressure    = "pressure"
)

type Sensor interface {
	// Sense returns fresh map, caller may modify it.
	Sense() (map[string]float64, error)
	Close() error
}

type Config struct {
	Kind    string             `hcl:"kind"`
	Model   string             `hcl:"model"`
	I2CBus  string             `hcl:"i2c_bus"`
	I2CAddr int                `hcl:"i2c_addr"`
	Values  map[string]float64 `hcl:"values"`
}

func (c *Config) Validate() error {
	switch c.Kind {
	case "", KindStatic, KindBME280:
		return nil
	}
	return errors.NotValidf("sensor.kind=%s", c.Kind)
}

func New(log *log2.Log, c *Config) (Sensor, error) {
	switch c.Kind {
	case "", KindStatic:
		return NewStatic(c.Values), nil
	case KindBME280:
		addr := c.I2CAddr
		if addr == 0 {
			addr = DefaultBME280Addr
		}
		log.Debugf("sensor bme280 bus=%s addr=0x%02x", c.I2CBus, addr)
		return OpenBME280(c.I2CBus, uint16(addr))
	default:
		return nil, errors.NotValidf("sensor.kind=%s", c.Kind)
	}
}

type Static struct {
	values map[string]float64
}

// DefaultValues are reported by static sensor without configured values.
func DefaultValues() map[string]float64 {
	return map[string]float64{
		Temperature: 22.5,
		Humidity:    50,
		Pressure:    1013,
	}
}

func NewStatic(values map[string]float64) *Static {
	if len(values) == 0 {
		values = DefaultValues()
	}
	s := &Static{values: make(map[string]float64, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

func (s *Static) Sense() (map[string]float64, error) {
	m := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		m[k] = v
	}
	return m, nil
}

func (s *Static) Close() error { return nil }

func (s *Static) String() string { return fmt.Sprintf("static%v", s.values) }
