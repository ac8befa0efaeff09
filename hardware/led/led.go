// Package led drives status LED on GPIO character device. Nil *LED is valid and does nothing.
package led

import (
	"sync"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/sensagent/helpers"
)

const consumer = "sensagent-led"

const DefaultChip = "/dev/gpiochip0"

type Config struct {
	Enable bool   `hcl:"enable"`
	Chip   string `hcl:"chip"`
	Line   int    `hcl:"line"`
}

type LED struct {
	mu    sync.Mutex
	chip  gpio.Chiper  // only for resource cleanup
	lines gpio.Lineser // only for resource cleanup
	line  uint32
	set   gpio.LineSetFunc
	on    bool
	known bool
}

// Open returns nil LED when disabled.
func Open(c *Config) (*LED, error) {
	if !c.Enable {
		return nil, nil
	}
	path := c.Chip
	if path == "" {
		path = DefaultChip
	}
	chip, err := gpio.Open(path, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "led open chip=%s", path)
	}
	l, err := New(chip, uint32(c.Line))
	if err != nil {
		_ = chip.Close()
		return nil, err
	}
	return l, nil
}

func New(chip gpio.Chiper, line uint32) (*LED, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, line)
	if err != nil {
		return nil, errors.Annotatef(err, "led line=%d", line)
	}
	return &LED{
		chip:  chip,
		lines: lines,
		line:  line,
		set:   lines.SetFunc(line),
	}, nil
}

// Set writes only on change.
func (l *LED) Set(on bool) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.known && l.on == on {
		return nil
	}
	var v byte
	if on {
		v = 1
	}
	l.set(v)
	if err := l.lines.Flush(); err != nil {
		l.known = false
		return errors.Annotatef(err, "led line=%d set=%d", l.line, v)
	}
	l.on, l.known = on, true
	return nil
}

func (l *LED) Close() error {
	if l == nil {
		return nil
	}
	_ = l.Set(false)
	errs := []error{l.lines.Close(), l.chip.Close()}
	return errors.Annotate(helpers.FoldErrors(errs), "led close")
}
