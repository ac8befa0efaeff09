// Package reading builds Reading Records: one timestamped sensor payload each.
package reading

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/hardware/sensor"
)

const (
	NicknameLatest = "latest"
	NicknameCached = "cached"
)

// TimeFormat is ISO-8601 UTC with second precision.
const TimeFormat = "2006-01-02T15:04:05Z"

// Record is never mutated after production, only retagged into a copy.
type Record struct {
	ID        string             `json:"id"`
	Nickname  string             `json:"nickname"`
	Readings  map[string]float64 `json:"readings"`
	Model     string             `json:"model"`
	Timestamp string             `json:"timestamp"`
}

func FormatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

func DefaultModel() string {
	return fmt.Sprintf("sensagent %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Tag returns copy with nickname replaced.
func (r Record) Tag(nickname string) Record {
	r.Nickname = nickname
	m := make(map[string]float64, len(r.Readings))
	for k, v := range r.Readings {
		m[k] = v
	}
	r.Readings = m
	return r
}

// Marshal returns single line JSON, without trailing newline.
func (r Record) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	return b, errors.Annotate(err, "record marshal")
}

func Unmarshal(b []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(b, &r)
	return r, errors.Annotate(err, "record unmarshal")
}

func (r Record) String() string {
	return fmt.Sprintf("%s id=%s time=%s readings=%v", r.Nickname, r.ID, r.Timestamp, r.Readings)
}

type Producer struct {
	Sensor sensor.Sensor
	Model  string
	Now    func() time.Time // default time.Now
	NewID  func() string    // default random UUID
}

func NewProducer(s sensor.Sensor, model string) *Producer {
	if model == "" {
		model = DefaultModel()
	}
	return &Producer{Sensor: s, Model: model}
}

func (p *Producer) Produce(nickname string) (Record, error) {
	values, err := p.Sensor.Sense()
	if err != nil {
		return Record{}, errors.Annotate(err, "produce")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	newID := uuid.NewString
	if p.NewID != nil {
		newID = p.NewID
	}
	return Record{
		ID:        newID(),
		Nickname:  nickname,
		Readings:  values,
		Model:     p.Model,
		Timestamp: FormatTime(now()),
	}, nil
}
