package perpetuals

import "sync"

// MemoryStorage is an in-memory Storage implementation used by tests and by
// hosts that checkpoint state elsewhere (e.g. a chain's trie). Safe for
// concurrent use.
type MemoryStorage struct {
	mu        sync.RWMutex
	pools     map[string]*Pool
	custodies map[string]*Custody
	positions map[string]*Position
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pools:     make(map[string]*Pool),
		custodies: make(map[string]*Custody),
		positions: make(map[string]*Position),
	}
}

func (s *MemoryStorage) GetPool(name string) (*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[PoolKey(name)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStorage) PutPool(pool *Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *pool
	s.pools[PoolKey(pool.Name)] = &clone
	return nil
}

func (s *MemoryStorage) GetCustody(pool, mint string) (*Custody, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.custodies[CustodyKey(pool, mint)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryStorage) PutCustody(custody *Custody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *custody
	s.custodies[CustodyKey(custody.Pool, custody.Mint)] = &clone
	return nil
}

func (s *MemoryStorage) GetPosition(owner, pool, custody string, side Side) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[PositionKey(owner, pool, custody, side)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStorage) PutPosition(position *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *position
	s.positions[PositionKey(position.Owner, position.Pool, position.Custody, position.Side)] = &clone
	return nil
}

func (s *MemoryStorage) DeletePosition(owner, pool, custody string, side Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, PositionKey(owner, pool, custody, side))
	return nil
}
