package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDB implements KV on an on-disk LevelDB directory.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %q", path)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(_ context.Context, key string) ([]byte, error) {
	val, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

// Set writes synchronously so an acknowledged save survives a crash.
func (l *LevelDB) Set(_ context.Context, key string, value []byte) error {
	return l.db.Put([]byte(key), value, &opt.WriteOptions{Sync: true})
}

func (l *LevelDB) Delete(_ context.Context, key string) error {
	return l.db.Delete([]byte(key), &opt.WriteOptions{Sync: true})
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
