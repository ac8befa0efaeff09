package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/hardware/led"
	"github.com/temoto/sensagent/hardware/sensor"
	"github.com/temoto/sensagent/helpers"
	"github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/clock"
	"github.com/temoto/sensagent/internal/link"
	"github.com/temoto/sensagent/internal/metrics"
	"github.com/temoto/sensagent/internal/publish"
	"github.com/temoto/sensagent/internal/reading"
	"github.com/temoto/sensagent/log2"
)

const (
	DefaultConfigName = "sensagent.hcl"
	DefaultLogFile    = "runtime.log"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	Log struct {
		Debug bool `hcl:"debug"`
		// relative to persist.root
		File string `hcl:"file"`
	} `hcl:"log"`

	Network link.Config    `hcl:"network"`
	Clock   clock.Config   `hcl:"clock"`
	Broker  publish.Config `hcl:"broker"`
	Buffer  buffer.Config  `hcl:"buffer"`
	Sensor  sensor.Config  `hcl:"sensor"`
	Metrics metrics.Config `hcl:"metrics"`
	LED     led.Config     `hcl:"led"`
	Cycle   struct {
		IntervalSec int `hcl:"interval_sec"`
	} `hcl:"cycle"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Validate checks presence of settings without usable defaults
// and enumerated values, before any component is built.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"network.ssid", c.Network.SSID},
		{"network.password", c.Network.Password},
		{"broker.url", c.Broker.URL},
		{"broker.client_id", c.Broker.ClientID},
		{"broker.user", c.Broker.User},
		{"broker.password", c.Broker.Password},
		{"broker.topic", c.Broker.Topic},
	}
	errs := make([]error, 0, len(required))
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, errors.NotFoundf("config %s", r.key))
		}
	}
	if c.Cycle.IntervalSec < 0 {
		errs = append(errs, errors.NotValidf("config cycle.interval_sec=%d", c.Cycle.IntervalSec))
	}
	if _, err := reading.NewCodec(c.Broker.Format); err != nil {
		errs = append(errs, err)
	}
	for _, err := range []error{c.Broker.Validate(), c.Buffer.Validate(), c.Sensor.Validate()} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

// LogPath is log.file resolved against persist.root.
func (c *Config) LogPath() string {
	p := c.Log.File
	if p == "" {
		p = DefaultLogFile
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Persist.Root, p)
	}
	return p
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	// content may hold secrets, not included in error
	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = append(errs, c.Validate())
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
