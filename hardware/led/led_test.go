package led

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

func TestLED(t *testing.T) {
	t.Parallel()

	var values []byte
	chip := new(gpio_mock.MockChip)
	lines := new(gpio_mock.MockLines)
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, uint32(17)).Return(lines, nil)
	chip.On("Close").Return(nil)
	lines.On("SetFunc", uint32(17)).Return(gpio.LineSetFunc(func(v byte) { values = append(values, v) }))
	lines.On("Flush").Return(nil)
	lines.On("Close").Return(nil)

	l, err := New(chip, 17)
	require.NoError(t, err)
	require.NoError(t, l.Set(true))
	require.NoError(t, l.Set(true))
	require.NoError(t, l.Set(false))
	require.NoError(t, l.Set(true))
	require.NoError(t, l.Close())

	assert.Equal(t, []byte{1, 0, 1, 0}, values)
	chip.AssertExpectations(t)
	lines.AssertExpectations(t)
}

func TestLEDFlushError(t *testing.T) {
	t.Parallel()

	chip := new(gpio_mock.MockChip)
	lines := new(gpio_mock.MockLines)
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, uint32(3)).Return(lines, nil)
	lines.On("SetFunc", uint32(3)).Return(gpio.LineSetFunc(func(byte) {}))
	lines.On("Flush").Return(errors.New("EBUSY")).Once()
	lines.On("Flush").Return(nil)

	l, err := New(chip, 3)
	require.NoError(t, err)
	assert.Error(t, l.Set(true))
	// state unknown after error, next Set writes again
	assert.NoError(t, l.Set(true))
	lines.AssertNumberOfCalls(t, "Flush", 2)
}

func TestLEDOpenError(t *testing.T) {
	t.Parallel()

	chip := new(gpio_mock.MockChip)
	chip.On("OpenLines", mock.Anything, mock.Anything, uint32(5)).Return((*gpio_mock.MockLines)(nil), errors.New("busy"))
	_, err := New(chip, 5)
	assert.Error(t, err)
}

func TestNilLED(t *testing.T) {
	t.Parallel()

	l, err := Open(&Config{Enable: false})
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, l.Set(true))
	assert.NoError(t, l.Close())
}
