// Package storage persists compiled objects in LevelDB.
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrObjectNotFound = errors.New("object not found")

const objectPrefix = "obj/"

// ObjectCache keeps zstd-compressed objects in LevelDB, keyed by object name.
// Safe for concurrent use; LevelDB handles its own synchronization.
type ObjectCache struct {
	db *leveldb.DB

	encMu sync.Mutex
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Open opens or creates the cache under dir. An empty dir keeps everything in
// memory.
func Open(dir string) (*ObjectCache, error) {
	var db *leveldb.DB
	var err error
	if dir == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ppuerrors.ErrRCacheDir, dir, err)
		}
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ppuerrors.ErrRCacheDir, dir, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Debug(log.CacheModule, "Object cache opened", "dir", dir)
	return &ObjectCache{db: db, enc: enc, dec: dec}, nil
}

// OpenMemory returns an in-memory cache for tests.
func OpenMemory() (*ObjectCache, error) {
	return Open("")
}

func key(name string) []byte { return []byte(objectPrefix + name) }

func (c *ObjectCache) Exists(name string) bool {
	ok, err := c.db.Has(key(name), nil)
	if err != nil {
		log.Error(log.CacheModule, "Exists failed", "object", name, "err", err)
		return false
	}
	return ok
}

// Load returns the decompressed object.
func (c *ObjectCache) Load(name string) ([]byte, error) {
	data, err := c.db.Get(key(name), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	blob, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w: %v", name, ppuerrors.ErrRObjectCorrupt, err)
	}
	return blob, nil
}

// Store compresses and writes an object, replacing any previous version.
func (c *ObjectCache) Store(name string, blob []byte) error {
	c.encMu.Lock()
	data := c.enc.EncodeAll(blob, nil)
	c.encMu.Unlock()
	if err := c.db.Put(key(name), data, nil); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	log.Trace(log.CacheModule, "Object stored", "object", name, "size", len(blob), "compressed", len(data))
	return nil
}

func (c *ObjectCache) Delete(name string) error {
	return c.db.Delete(key(name), nil)
}

// Names lists stored object names starting with prefix, in key order.
func (c *ObjectCache) Names(prefix string) ([]string, error) {
	iter := c.db.NewIterator(util.BytesPrefix(key(prefix)), nil)
	defer iter.Release()
	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(objectPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return out, nil
}

func (c *ObjectCache) Close() error {
	c.dec.Close()
	c.enc.Close()
	return c.db.Close()
}
