package sensor

import (
	"math"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/helpers"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"
)

const DefaultBME280Addr = 0x76

type envSenser interface {
	Sense(e *physic.Env) error
	Halt() error
}

type BME280 struct {
	bus i2c.BusCloser // only for resource cleanup
	dev envSenser
}

// OpenBME280 works with BMP280 too, humidity is then omitted.
func OpenBME280(busName string, addr uint16) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C open bus=%s", busName)
	}
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, errors.Annotatef(err, "bmxx80 addr=0x%02x", addr)
	}
	return &BME280{bus: bus, dev: dev}, nil
}

func (s *BME280) Sense() (map[string]float64, error) {
	var e physic.Env
	if err := s.dev.Sense(&e); err != nil {
		return nil, errors.Annotate(err, "bme280 sense")
	}
	return envReadings(&e), nil
}

func (s *BME280) Close() error {
	var errs []error
	if s.dev != nil {
		errs = append(errs, s.dev.Halt())
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	return errors.Annotate(helpers.FoldErrors(errs), "bme280 close")
}

func envReadings(e *physic.Env) map[string]float64 {
	m := map[string]float64{
		Temperature: round2(float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Celsius)),
		Pressure:    round2(float64(e.Pressure) / float64(physic.Pascal) / 100),
	}
	if e.Humidity != 0 {
		m[Humidity] = round2(float64(e.Humidity) / float64(physic.PercentRH))
	}
	return m
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
