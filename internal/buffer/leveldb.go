package buffer

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// OnlyForTesting path opens in-memory storage.
const OnlyForTesting = "\x00"

const keyPrefixLen = 4
const keyLen = keyPrefixLen + 8

var itemKeyPrefix = [keyPrefixLen]byte{'s', 'a', 'b', '1'}
var itemKeyLimit = [keyPrefixLen]byte{'s', 'a', 'b', '2'}

var ErrClosed = errors.New("buffer closed")

// LevelDB keeps each record under big-endian sequence key, writes are synchronous.
type LevelDB struct {
	mu       sync.Mutex
	db       *leveldb.DB
	closed   bool
	next     uint64
	wopt     opt.WriteOptions
	rangeAll *util.Range
}

func OpenLevelDB(path string) (*LevelDB, error) {
	l := &LevelDB{
		wopt: opt.WriteOptions{
			NoWriteMerge: true,
			Sync:         true,
		},
		rangeAll: &util.Range{
			Start: itemKeyPrefix[:],
			Limit: itemKeyLimit[:],
		},
	}
	o := &opt.Options{
		BlockCacheCapacity: -1,
		DisableBlockCache:  true,
		NoWriteMerge:       true,
		Strict:             opt.StrictJournalChecksum | opt.StrictBlockChecksum,
		WriteBuffer:        4 << 10,
	}
	var err error
	if path == OnlyForTesting {
		l.db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		l.db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, errors.Annotate(err, "leveldb open")
	}

	iter := l.db.NewIterator(l.rangeAll, nil)
	defer iter.Release()
	if iter.Last() {
		l.next, err = unkey(iter.Key())
		if err != nil {
			_ = l.db.Close()
			return nil, errors.Annotatef(err, "leveldb load key=%x", iter.Key())
		}
	}
	l.next++
	return l, nil
}

func (l *LevelDB) Append(record []byte) error {
	if err := validRecord(record); err != nil {
		return err
	}
	var key [keyLen]byte
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	encodeKey(key[:], l.next)
	if err := l.db.Put(key[:], record, &l.wopt); err != nil {
		return errors.Annotate(err, "buffer append")
	}
	l.next++
	return nil
}

func (l *LevelDB) ReadAll() ([][]byte, error) {
	var rs [][]byte
	err := l.scan(-1, func(_, v []byte) {
		r := make([]byte, len(v))
		copy(r, v)
		rs = append(rs, r)
	})
	return rs, errors.Annotate(err, "buffer read")
}

func (l *LevelDB) Len() (int, error) {
	n := 0
	err := l.scan(-1, func(_, _ []byte) { n++ })
	return n, errors.Annotate(err, "buffer len")
}

func (l *LevelDB) Clear() error {
	return errors.Annotate(l.delete(-1), "buffer clear")
}

func (l *LevelDB) Commit(n int) error {
	if n < 0 {
		return commitRange(n, 0)
	}
	if n == 0 {
		return nil
	}
	return errors.Annotate(l.delete(n), "buffer commit")
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

// delete removes first n records in one batch, n<0 means all.
func (l *LevelDB) delete(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	var b leveldb.Batch
	err := l.scanLocked(n, func(k, _ []byte) { b.Delete(append([]byte(nil), k...)) })
	if err != nil {
		return err
	}
	if n > 0 && b.Len() != n {
		return commitRange(n, b.Len())
	}
	return l.db.Write(&b, &l.wopt)
}

func (l *LevelDB) scan(limit int, fun func(k, v []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.scanLocked(limit, fun)
}

func (l *LevelDB) scanLocked(limit int, fun func(k, v []byte)) error {
	iter := l.db.NewIterator(l.rangeAll, nil)
	defer iter.Release()
	for i := 0; (limit < 0 || i < limit) && iter.Next(); i++ {
		fun(iter.Key(), iter.Value())
	}
	return iter.Error()
}

func encodeKey(key []byte, id uint64) {
	copy(key, itemKeyPrefix[:])
	binary.BigEndian.PutUint64(key[keyPrefixLen:], id)
}

func unkey(key []byte) (uint64, error) {
	if len(key) != keyLen || !bytes.Equal(key[:keyPrefixLen], itemKeyPrefix[:]) {
		return 0, errors.NotValidf("key=%x", key)
	}
	return binary.BigEndian.Uint64(key[keyPrefixLen:]), nil
}
