package application

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"txscan/internal/domain"
)

// fakeChain serves a fixed set of blocks below a configurable head.
type fakeChain struct {
	mu        sync.Mutex
	height    uint64
	heightErr error
	blockErr  map[uint64]error
	blocks    map[uint64]domain.Block
	receipts  map[string]domain.Receipt
	fetched   []uint64
}

func newFakeChain(height uint64) *fakeChain {
	return &fakeChain{
		height:   height,
		blockErr: make(map[uint64]error),
		blocks:   make(map[uint64]domain.Block),
		receipts: make(map[string]domain.Receipt),
	}
}

func (c *fakeChain) setHeight(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = height
}

func (c *fakeChain) setHeightErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heightErr = err
}

func (c *fakeChain) addBlock(block domain.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[block.Number] = block
}

func (c *fakeChain) fetchedBlocks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.fetched...)
}

func (c *fakeChain) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heightErr != nil {
		return 0, &domain.RPCError{Method: "eth_blockNumber", Err: c.heightErr}
	}
	return c.height, nil
}

func (c *fakeChain) FetchBlockWithTransactions(ctx context.Context, number uint64) (domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, number)
	if err := c.blockErr[number]; err != nil {
		return domain.Block{}, &domain.RPCError{Method: "eth_getBlockByNumber", Err: err}
	}
	if number > c.height {
		return domain.Block{}, &domain.RPCError{Method: "eth_getBlockByNumber", Err: domain.ErrBlockUnavailable}
	}
	if block, ok := c.blocks[number]; ok {
		return block, nil
	}
	return domain.Block{Number: number, Timestamp: 1_700_000_000 + number}, nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if receipt, ok := c.receipts[hash]; ok {
		return receipt, nil
	}
	return domain.Receipt{TxHash: hash, Status: domain.ReceiptStatusSuccessful}, nil
}

// memStore is an in-memory index with the same upsert semantics as the real backends.
type memStore struct {
	mu         sync.Mutex
	txs        map[string]domain.IndexedTransaction
	wallets    map[string]domain.WalletActivity
	checkpoint domain.ScannerCheckpoint
	order      []string
	saveErr    error
	upsertErr  error
	getErr     error
	saves      int
}

func newMemStore() *memStore {
	return &memStore{
		txs:     make(map[string]domain.IndexedTransaction),
		wallets: make(map[string]domain.WalletActivity),
	}
}

func (m *memStore) UpsertTransactions(ctx context.Context, txs []domain.IndexedTransaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return 0, &domain.StoreError{Op: "upsert", Err: m.upsertErr}
	}
	inserted := 0
	for _, tx := range txs {
		if _, ok := m.txs[tx.Hash]; ok {
			continue
		}
		m.txs[tx.Hash] = tx
		m.order = append(m.order, tx.Hash)
		inserted++
		for _, address := range tx.Participants() {
			wallet, ok := m.wallets[address]
			if !ok {
				wallet = domain.NewWalletActivity(address)
			}
			wallet.Apply(tx)
			m.wallets[address] = wallet
		}
	}
	return inserted, nil
}

func (m *memStore) GetCheckpoint(ctx context.Context) (domain.ScannerCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.ScannerCheckpoint{}, &domain.StoreError{Op: "get checkpoint", Err: m.getErr}
	}
	return m.checkpoint, nil
}

func (m *memStore) SaveCheckpoint(ctx context.Context, checkpoint domain.ScannerCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return &domain.StoreError{Op: "save checkpoint", Err: m.saveErr}
	}
	m.checkpoint = checkpoint
	m.saves++
	return nil
}

func (m *memStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *memStore) current() domain.ScannerCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}

func (m *memStore) wallet(address string) (domain.WalletActivity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet, ok := m.wallets[address]
	return wallet, ok
}

func (m *memStore) hashes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.txs))
	for hash := range m.txs {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.IndexedTransaction
	err       error
}

func (p *recordingPublisher) PublishTransactions(ctx context.Context, txs []domain.IndexedTransaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, txs...)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []domain.ScannerStatus
	errors   int
	blocks   []uint64
}

func (o *recordingObserver) OnChainHeight(uint64) {}

func (o *recordingObserver) OnBlockCommitted(block uint64, matched, inserted int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks = append(o.blocks, block)
}

func (o *recordingObserver) OnCycleError(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors++
}

func (o *recordingObserver) OnStatus(status domain.ScannerStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

// fakeClock fires every wait almost immediately and remembers what was asked.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	go func() {
		time.Sleep(time.Millisecond)
		ch <- now
	}()
	return ch
}

var errBoom = errors.New("boom")

const (
	alice = "0x52908400098527886e0f7030069857d2e4169ee7"
	bob   = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
	carol = "0xde709f2102306220921060314715629080e2fb77"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func transfer(hash string, index uint64, from, to string, value *big.Int) domain.ChainTransaction {
	return domain.ChainTransaction{Hash: hash, Index: index, From: from, To: to, Value: value}
}
