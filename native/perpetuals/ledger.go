package perpetuals

import (
	"fmt"
	"math/big"
	"sync"
)

// TokenLedger is the external collaborator the core calls to move tokens,
// per §6. The host implements custody transfers and LP mint/burn; the core
// never touches token balances directly.
type TokenLedger interface {
	TransferFromUser(owner, custody string, amount *big.Int) error
	TransferToUser(custody, owner string, amount *big.Int) error
	MintLP(owner string, amount *big.Int) error
	BurnLP(owner string, amount *big.Int) error
}

// OracleSource is the external collaborator the core reads prices from, per §6.
type OracleSource interface {
	Read(key string, now int64) (RawOracleReading, error)
}

// MemoryTokenLedger is a reference TokenLedger implementation used by tests
// and local development: a plain balance map with no real custody transfer.
type MemoryTokenLedger struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	lpSupply  map[string]*big.Int
}

// NewMemoryTokenLedger returns an empty MemoryTokenLedger.
func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{
		balances: make(map[string]*big.Int),
		lpSupply: make(map[string]*big.Int),
	}
}

// Credit seeds an owner's balance for tests (no-op in a real ledger, which
// would be funded by prior on-chain transfers).
func (l *MemoryTokenLedger) Credit(owner string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = new(big.Int).Add(l.balanceLocked(owner), amount)
}

// Balance returns an owner's current balance.
func (l *MemoryTokenLedger) Balance(owner string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(owner))
}

func (l *MemoryTokenLedger) balanceLocked(owner string) *big.Int {
	b, ok := l.balances[owner]
	if !ok {
		return big.NewInt(0)
	}
	return b
}

func (l *MemoryTokenLedger) TransferFromUser(owner, custody string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(owner)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: owner %s", ErrInsufficientFunds, owner)
	}
	l.balances[owner] = new(big.Int).Sub(bal, amount)
	l.balances[custody] = new(big.Int).Add(l.balanceLocked(custody), amount)
	return nil
}

func (l *MemoryTokenLedger) TransferToUser(custody, owner string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(custody)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody %s", ErrInsufficientFunds, custody)
	}
	l.balances[custody] = new(big.Int).Sub(bal, amount)
	l.balances[owner] = new(big.Int).Add(l.balanceLocked(owner), amount)
	return nil
}

func (l *MemoryTokenLedger) MintLP(owner string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := "lp:" + owner
	l.lpSupply[key] = new(big.Int).Add(l.lpBalanceLocked(key), amount)
	return nil
}

func (l *MemoryTokenLedger) BurnLP(owner string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := "lp:" + owner
	bal := l.lpBalanceLocked(key)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: owner %s lp balance", ErrInsufficientFunds, owner)
	}
	l.lpSupply[key] = new(big.Int).Sub(bal, amount)
	return nil
}

func (l *MemoryTokenLedger) lpBalanceLocked(key string) *big.Int {
	b, ok := l.lpSupply[key]
	if !ok {
		return big.NewInt(0)
	}
	return b
}

// LPBalance returns an owner's current LP token balance.
func (l *MemoryTokenLedger) LPBalance(owner string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.lpBalanceLocked("lp:" + owner))
}

// TestOracleSource is a reference OracleSource backed by a fixed map of
// readings, used by tests and the OracleTest variant described in §9/§12.3.
type TestOracleSource struct {
	mu       sync.Mutex
	readings map[string]RawOracleReading
}

// NewTestOracleSource returns an empty TestOracleSource.
func NewTestOracleSource() *TestOracleSource {
	return &TestOracleSource{readings: make(map[string]RawOracleReading)}
}

// Set installs the reading returned for key by subsequent Read calls.
func (o *TestOracleSource) Set(key string, reading RawOracleReading) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readings[key] = reading
}

func (o *TestOracleSource) Read(key string, now int64) (RawOracleReading, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reading, ok := o.readings[key]
	if !ok {
		return RawOracleReading{}, ErrInvalidOracleAccount
	}
	return reading, nil
}
