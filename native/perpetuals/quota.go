package perpetuals

import (
	"fmt"
	"sync"

	"github.com/nhbchain/perpcore/native/common"
)

// MemoryQuotaStore is a reference common.Store backing per-owner,
// per-instruction request quotas (§5's bound on concurrent/rapid
// instructions per owner), adapted from the teacher's
// native/system/quotas.Store key-prefix idiom onto a plain in-memory map
// rather than the teacher's generic KV state interface.
type MemoryQuotaStore struct {
	mu       sync.Mutex
	counters map[string]common.QuotaNow
}

// NewMemoryQuotaStore returns an empty MemoryQuotaStore.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{counters: make(map[string]common.QuotaNow)}
}

func quotaKey(module string, epoch uint64, addr []byte) string {
	return fmt.Sprintf("%s:%d:%s", module, epoch, addr)
}

func (s *MemoryQuotaStore) Load(module string, epoch uint64, addr []byte) (common.QuotaNow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now, ok := s.counters[quotaKey(module, epoch, addr)]
	if !ok {
		return common.QuotaNow{EpochID: epoch}, false, nil
	}
	return now, true, nil
}

func (s *MemoryQuotaStore) Save(module string, epoch uint64, addr []byte, counters common.QuotaNow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[quotaKey(module, epoch, addr)] = counters
	return nil
}

// OwnerQuota bounds how many instructions of a given kind one owner may
// submit per epoch, applied uniformly across the mutating handlers so a
// single owner cannot monopolize engine throughput (§5).
type OwnerQuota struct {
	Store  common.Store
	Limits map[string]common.Quota // keyed by instruction name; absent = unlimited
}

func (e *Engine) checkOwnerQuota(owner, instruction string, now int64) error {
	if e.Quota == nil || e.Quota.Store == nil {
		return nil
	}
	limit, ok := e.Quota.Limits[instruction]
	if !ok || limit.MaxRequestsPerMin == 0 {
		return nil
	}
	epochSeconds := limit.EpochSeconds
	if epochSeconds == 0 {
		epochSeconds = 60
	}
	epoch := uint64(now) / uint64(epochSeconds)
	if _, err := common.Apply(e.Quota.Store, instruction, epoch, []byte(owner), limit, 1, 0); err != nil {
		return fmt.Errorf("%w: %s", ErrInstructionNotAllowed, instruction)
	}
	return nil
}
