// Package buffer is durable FIFO of serialized Reading Records.
//
// Buffer contract:
// - record is removed only by Commit/Clear after confirmed delivery
// - ReadAll order equals Append order
// - ReadAll without intervening mutation returns identical content
// - all operations of one Store are serialized
package buffer

import (
	"bytes"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/log2"
)

const (
	KindFile    = "file"
	KindLevelDB = "leveldb"
	KindSafe    = "safe"
)

const DefaultFileName = "sensor_cache.json"

type Store interface {
	Append(record []byte) error
	ReadAll() ([][]byte, error)
	Clear() error
	// Commit removes first n records, keeps records appended after ReadAll.
	Commit(n int) error
	Len() (int, error)
	Close() error
}

type Config struct {
	Kind        string `hcl:"kind"`
	Path        string `hcl:"path"`
	WarnRecords int    `hcl:"warn_records"`
}

func (c *Config) Validate() error {
	switch c.Kind {
	case "", KindFile, KindLevelDB, KindSafe:
	default:
		return errors.NotValidf("buffer.kind=%s", c.Kind)
	}
	if c.WarnRecords < 0 {
		return errors.NotValidf("buffer.warn_records=%d", c.WarnRecords)
	}
	return nil
}

// Open relative path is resolved against root.
func Open(log *log2.Log, c *Config, root string) (Store, error) {
	path := c.Path
	if path == "" {
		path = DefaultFileName
		if c.Kind == KindLevelDB || c.Kind == KindSafe {
			path = "sensor_cache." + c.Kind
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	log.Debugf("buffer open kind=%s path=%s", c.Kind, path)
	switch c.Kind {
	case "", KindFile:
		return NewFile(path), nil
	case KindLevelDB:
		return OpenLevelDB(path)
	case KindSafe:
		return NewSafe(log, path), nil
	default:
		return nil, errors.NotValidf("buffer.kind=%s", c.Kind)
	}
}

// Check logs error when buffer holds more than warn records. Returns current length.
func Check(log *log2.Log, s Store, warn int) (int, error) {
	n, err := s.Len()
	if err != nil {
		return 0, errors.Annotate(err, "buffer check")
	}
	if warn > 0 && n > warn {
		log.Errorf("buffer records=%d above warn_records=%d, broker unreachable for long?", n, warn)
	}
	return n, nil
}

func validRecord(record []byte) error {
	if len(record) == 0 {
		return errors.NotValidf("empty record")
	}
	if bytes.IndexByte(record, '\n') != -1 {
		return errors.NotValidf("record with newline")
	}
	return nil
}

// splitLines skips empty lines, unterminated tail is returned as record.
func splitLines(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(b, []byte{'\n'})
	rs := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p) != 0 {
			rs = append(rs, p)
		}
	}
	return rs
}

func joinLines(rs [][]byte) []byte {
	size := 0
	for _, r := range rs {
		size += len(r) + 1
	}
	b := make([]byte, 0, size)
	for _, r := range rs {
		b = append(b, r...)
		b = append(b, '\n')
	}
	return b
}

func commitRange(n, length int) error {
	if n < 0 || n > length {
		return errors.NotValidf("commit n=%d records=%d", n, length)
	}
	return nil
}
