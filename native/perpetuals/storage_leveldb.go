package perpetuals

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStorage is a durable Storage implementation backed by LevelDB,
// grounded on the teacher's LevelDBNoncePersistence (gateway/auth/nonce_leveldb.go):
// an opened *leveldb.DB addressed by the string key families from §6, with
// JSON-encoded record values.
type LevelDBStorage struct {
	db *leveldb.DB
}

// NewLevelDBStorage opens (or creates) a LevelDB database at the provided path.
func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb perpetuals storage path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb perpetuals path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb perpetuals store: %w", err)
	}
	return &LevelDBStorage{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBStorage) GetPool(name string) (*Pool, error) {
	var pool Pool
	if err := s.get(PoolKey(name), &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *LevelDBStorage) PutPool(pool *Pool) error {
	return s.put(PoolKey(pool.Name), pool)
}

func (s *LevelDBStorage) GetCustody(pool, mint string) (*Custody, error) {
	var custody Custody
	if err := s.get(CustodyKey(pool, mint), &custody); err != nil {
		return nil, err
	}
	return &custody, nil
}

func (s *LevelDBStorage) PutCustody(custody *Custody) error {
	return s.put(CustodyKey(custody.Pool, custody.Mint), custody)
}

func (s *LevelDBStorage) GetPosition(owner, pool, custody string, side Side) (*Position, error) {
	var position Position
	if err := s.get(PositionKey(owner, pool, custody, side), &position); err != nil {
		return nil, err
	}
	return &position, nil
}

func (s *LevelDBStorage) PutPosition(position *Position) error {
	return s.put(PositionKey(position.Owner, position.Pool, position.Custody, position.Side), position)
}

func (s *LevelDBStorage) DeletePosition(owner, pool, custody string, side Side) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb perpetuals storage not configured")
	}
	return s.db.Delete([]byte(PositionKey(owner, pool, custody, side)), nil)
}

func (s *LevelDBStorage) get(key string, out interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb perpetuals storage not configured")
	}
	raw, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *LevelDBStorage) put(key string, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb perpetuals storage not configured")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
