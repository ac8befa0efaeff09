package buffer

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/sensagent/helpers"
	"github.com/temoto/sensagent/log2"
)

const safeGenPrefix = "gen."

// Safe keeps whole buffer as one checksummed blob with backup copy.
// Every mutation writes complete blob into next generation directory,
// older generations are removed only after it is written and synced.
// Blob files are never rewritten in place, so shorter blob can not
// inherit stale tail of previous one.
type Safe struct {
	mu  sync.Mutex
	log *log2.Log
	dir string
	gen uint64 // 0 means no generation written yet
}

// NewSafe does not perform IO, dir is created on first operation.
func NewSafe(log *log2.Log, dir string) *Safe {
	return &Safe{log: log, dir: dir}
}

func (s *Safe) Append(record []byte) error {
	if err := validRecord(record); err != nil {
		return err
	}
	return s.locked(func() error {
		rs, err := s.read()
		if err != nil {
			return errors.Annotate(err, "buffer append")
		}
		return errors.Annotate(s.write(append(rs, record)), "buffer append")
	})
}

func (s *Safe) ReadAll() ([][]byte, error) {
	var rs [][]byte
	err := s.locked(func() error {
		var err error
		rs, err = s.read()
		return errors.Annotate(err, "buffer read")
	})
	return rs, err
}

func (s *Safe) Len() (int, error) {
	rs, err := s.ReadAll()
	return len(rs), err
}

func (s *Safe) Clear() error {
	return s.locked(func() error {
		gens, err := s.generations()
		if err != nil {
			return errors.Annotate(err, "buffer clear")
		}
		if len(gens) != 0 {
			s.gen = gens[0]
		}
		return errors.Annotate(s.write(nil), "buffer clear")
	})
}

func (s *Safe) Commit(n int) error {
	return s.locked(func() error {
		rs, err := s.read()
		if err != nil {
			return errors.Annotate(err, "buffer commit")
		}
		if err = commitRange(n, len(rs)); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return errors.Annotate(s.write(rs[n:]), "buffer commit")
	})
}

func (s *Safe) Close() error { return nil }

// locked runs fn under process mutex and flock on dir/lock.
func (s *Safe) locked(fn func() error) error {
	return helpers.WithLockError(&s.mu, func() error {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return errors.Annotate(err, "buffer lock")
		}
		return withFlock(filepath.Join(s.dir, "lock"), fn)
	})
}

func (s *Safe) genDir(gen uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%020d", safeGenPrefix, gen))
}

type blobStorage interface {
	Read() ([]byte, error)
	io.Writer
}

func (s *Safe) storage(gen uint64) blobStorage {
	return extremofile.New(extremofile.Config{
		Dir:      s.genDir(gen),
		DirPerm:  0755,
		FilePerm: 0644,
	})
}

// generations returns existing generation numbers, newest first.
func (s *Safe) generations() ([]uint64, error) {
	infos, err := ioutil.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	gens := make([]uint64, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() || !strings.HasPrefix(fi.Name(), safeGenPrefix) {
			continue
		}
		g, err := strconv.ParseUint(strings.TrimPrefix(fi.Name(), safeGenPrefix), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	return gens, nil
}

// read loads newest readable generation.
// Generation left unreadable by interrupted write is skipped in favor of previous one.
func (s *Safe) read() ([][]byte, error) {
	gens, err := s.generations()
	if err != nil {
		return nil, err
	}
	var firstErr error
	for _, g := range gens {
		b, err := s.storage(g).Read()
		if b != nil && err != nil {
			s.log.Errorf("buffer safe ignore non-critical storage err=%v", err)
			err = nil
		}
		if err != nil {
			s.log.Errorf("buffer safe generation=%d unreadable err=%v", g, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.gen = g
		return splitLines(b), nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	s.gen = 0
	return nil, nil
}

// write expects s.gen set by preceding read.
func (s *Safe) write(rs [][]byte) error {
	next := s.gen + 1
	dir := s.genDir(next)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	_, err := s.storage(next).Write(joinLines(rs))
	if err != nil && extremofile.IsCritical(err) {
		_ = os.RemoveAll(dir)
		return err
	}
	if err != nil {
		s.log.Errorf("buffer safe backup write err=%v", err)
	}
	s.gen = next

	gens, err := s.generations()
	if err != nil {
		s.log.Errorf("buffer safe list generations err=%v", err)
		return nil
	}
	for _, g := range gens {
		if g < next {
			if err := os.RemoveAll(s.genDir(g)); err != nil {
				s.log.Errorf("buffer safe remove generation=%d err=%v", g, err)
			}
		}
	}
	return nil
}
