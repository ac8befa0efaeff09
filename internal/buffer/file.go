package buffer

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/helpers"
	"golang.org/x/sys/unix"
)

// File is newline delimited text, one record per line.
// Partial write of one record on crash is possible, next Append starts new line.
// Operations take flock on sidecar lock file, so agent and buffer shell
// in separate processes do not interleave append with rewrite.
type File struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) *File { return &File{path: path} }

func (f *File) Path() string { return f.path }

func (f *File) lockPath() string { return f.path + ".lock" }

// locked runs fn under process mutex and exclusive flock.
func (f *File) locked(fn func() error) error {
	return helpers.WithLockError(&f.mu, func() error { return withFlock(f.lockPath(), fn) })
}

// withFlock serializes fn with other processes using the same lock file.
func withFlock(path string, fn func() error) error {
	lf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Annotate(err, "buffer lock")
	}
	defer lf.Close()
	if err = flock(lf, unix.LOCK_EX); err != nil {
		return errors.Annotate(err, "buffer lock")
	}
	defer func() { _ = flock(lf, unix.LOCK_UN) }()
	return fn()
}

func flock(file *os.File, how int) error {
	for {
		err := unix.Flock(int(file.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func (f *File) Append(record []byte) error {
	if err := validRecord(record); err != nil {
		return err
	}
	return f.locked(func() error {
		return errors.Annotate(f.append(record), "buffer append")
	})
}

func (f *File) append(record []byte) error {
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(record)+2)
	torn, err := tornTail(file)
	if err == nil {
		if torn {
			line = append(line, '\n')
		}
		line = append(line, record...)
		line = append(line, '\n')
		_, err = file.Write(line)
	}
	if err == nil {
		err = file.Sync()
	}
	if errClose := file.Close(); err == nil {
		err = errClose
	}
	return err
}

// tornTail reports file does not end with newline.
func tornTail(file *os.File) (bool, error) {
	st, err := file.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return false, nil
	}
	var last [1]byte
	if _, err = file.ReadAt(last[:], st.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (f *File) ReadAll() ([][]byte, error) {
	var rs [][]byte
	err := f.locked(func() error {
		var err error
		rs, err = f.read()
		return errors.Annotate(err, "buffer read")
	})
	return rs, err
}

func (f *File) read() ([][]byte, error) {
	b, err := ioutil.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitLines(b), nil
}

func (f *File) Len() (int, error) {
	rs, err := f.ReadAll()
	return len(rs), err
}

func (f *File) Clear() error {
	return f.locked(func() error {
		return errors.Annotate(f.replace(nil), "buffer clear")
	})
}

func (f *File) Commit(n int) error {
	return f.locked(func() error {
		rs, err := f.read()
		if err != nil {
			return errors.Annotate(err, "buffer commit")
		}
		if err = commitRange(n, len(rs)); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return errors.Annotate(f.replace(rs[n:]), "buffer commit")
	})
}

// replace writes remaining records to temporary file, then renames it over buffer.
func (f *File) replace(rs [][]byte) error {
	tmp, err := ioutil.TempFile(filepath.Dir(f.path), filepath.Base(f.path)+".tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(joinLines(rs))
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = tmp.Chmod(0644)
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Rename(tmpPath, f.path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
	}
	return err
}

func (f *File) Close() error { return nil }
