package application

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"txscan/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultBatchSize      = 10
	defaultPollInterval   = 5 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	statsHeightTimeout    = 2 * time.Second
	finishTimeout         = 5 * time.Second
)

type ScannerConfig struct {
	// StartBlock is the lower bound used when a Start call names none.
	StartBlock     *uint64
	Confirmations  uint64
	BatchSize      uint64
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CheckReceipts  bool
}

// StartConfig overrides the run parameters for one Start call. Zero values
// fall back to the service defaults.
type StartConfig struct {
	StartBlock *uint64 `json:"startBlock,omitempty"`
	BatchSize  uint64  `json:"batchSize,omitempty"`
	IntervalMs uint64  `json:"intervalMs,omitempty"`
}

type ScannerStats struct {
	Status              domain.ScannerStatus `json:"status"`
	LastScannedBlock    uint64               `json:"lastScannedBlock"`
	HasScanned          bool                 `json:"hasScanned"`
	CurrentChainHeight  uint64               `json:"currentChainHeight"`
	Lag                 uint64               `json:"lag"`
	BatchSize           uint64               `json:"batchSize"`
	IntervalMs          uint64               `json:"intervalMs"`
	Confirmations       uint64               `json:"confirmations"`
	BlocksScanned       uint64               `json:"blocksScanned"`
	TransactionsIndexed uint64               `json:"transactionsIndexed"`
	LastError           string               `json:"lastError,omitempty"`
}

type lifecycle int

const (
	lifecycleStopped lifecycle = iota
	lifecycleRunning
	lifecycleStopping
)

// scanRun is the loop-owned state of one Start..Stop session.
type scanRun struct {
	cursor    uint64
	batchSize uint64
	interval  time.Duration
	backoff   *backoff.ExponentialBackOff
}

// ScannerService owns the scan loop lifecycle. Exactly one goroutine scans at
// a time and it is the only writer of the index and checkpoint.
type ScannerService struct {
	chain      ChainClient
	classifier *Classifier
	store      ScanStore
	publisher  EventPublisher
	observer   ScanObserver
	clock      Clock
	cfg        ScannerConfig

	mu            sync.Mutex
	state         lifecycle
	stopCh        chan struct{}
	doneCh        chan struct{}
	stopRequested atomic.Bool
	keepActive    atomic.Bool

	erroring      atomic.Bool
	chainHeight   atomic.Uint64
	blocksScanned atomic.Uint64
	txIndexed     atomic.Uint64
	runBatch      atomic.Uint64
	runIntervalMs atomic.Uint64

	errMu     sync.RWMutex
	lastError string
}

type ScannerOption func(*ScannerService)

func WithPublisher(publisher EventPublisher) ScannerOption {
	return func(s *ScannerService) { s.publisher = publisher }
}

func WithObserver(observer ScanObserver) ScannerOption {
	return func(s *ScannerService) { s.observer = observer }
}

func WithClock(clock Clock) ScannerOption {
	return func(s *ScannerService) { s.clock = clock }
}

func NewScannerService(chain ChainClient, classifier *Classifier, store ScanStore, cfg ScannerConfig, opts ...ScannerOption) (*ScannerService, error) {
	if chain == nil || classifier == nil || store == nil {
		return nil, errors.New("scanner dependencies must not be nil")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffInitial)
	}
	s := &ScannerService{
		chain:      chain,
		classifier: classifier,
		store:      store,
		clock:      SystemClock(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the scan loop. The first block scanned is the later of the
// requested start block and the block after the last committed one.
func (s *ScannerService) Start(ctx context.Context, cfg StartConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case lifecycleRunning:
		return domain.ErrAlreadyRunning
	case lifecycleStopping:
		return fmt.Errorf("%w: previous run is still stopping", domain.ErrAlreadyRunning)
	}

	run, err := s.prepare(ctx, cfg)
	if err != nil {
		return err
	}

	s.state = lifecycleRunning
	s.stopRequested.Store(false)
	s.keepActive.Store(false)
	s.erroring.Store(false)
	s.setLastError(nil)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if s.observer != nil {
		s.observer.OnStatus(domain.ScannerStatusRunning)
	}
	go s.loop(run, s.stopCh, s.doneCh)

	slog.Info("scanner started",
		"from_block", run.cursor,
		"batch_size", run.batchSize,
		"interval", run.interval,
		"confirmations", s.cfg.Confirmations,
	)
	return nil
}

// Resume restarts a scan that was active when the previous process exited.
func (s *ScannerService) Resume(ctx context.Context) (bool, error) {
	checkpoint, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return false, err
	}
	if !checkpoint.WasActive() {
		return false, nil
	}
	if err := s.Start(ctx, StartConfig{BatchSize: checkpoint.BatchSize, IntervalMs: checkpoint.IntervalMs}); err != nil {
		return false, err
	}
	return true, nil
}

// Stop asks the loop to exit at the next block boundary and waits for it.
// Stopping an idle scanner is a no-op.
func (s *ScannerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == lifecycleStopped {
		s.mu.Unlock()
		return nil
	}
	if s.state == lifecycleRunning {
		s.state = lifecycleStopping
		s.stopRequested.Store(true)
		close(s.stopCh)
	}
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("scanner stop still in progress", "err", ctx.Err())
	}
	return nil
}

// Shutdown stops the loop for process exit. Unlike Stop, the stored status
// stays active so the next process resumes the scan.
func (s *ScannerService) Shutdown(ctx context.Context) error {
	s.keepActive.Store(true)
	return s.Stop(ctx)
}

func (s *ScannerService) Status() domain.ScannerStatus {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == lifecycleStopped {
		return domain.ScannerStatusStopped
	}
	if s.erroring.Load() {
		return domain.ScannerStatusErroring
	}
	return domain.ScannerStatusRunning
}

func (s *ScannerService) Stats(ctx context.Context) (ScannerStats, error) {
	checkpoint, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return ScannerStats{}, err
	}

	height := s.chainHeight.Load()
	heightCtx, cancel := context.WithTimeout(ctx, statsHeightTimeout)
	if live, err := s.chain.CurrentHeight(heightCtx); err == nil {
		height = live
	} else {
		slog.Debug("stats chain height unavailable", "err", err)
	}
	cancel()

	status := s.Status()
	stats := ScannerStats{
		Status:              status,
		LastScannedBlock:    checkpoint.LastScannedBlock,
		HasScanned:          checkpoint.HasScanned,
		CurrentChainHeight:  height,
		BatchSize:           checkpoint.BatchSize,
		IntervalMs:          checkpoint.IntervalMs,
		Confirmations:       s.cfg.Confirmations,
		BlocksScanned:       s.blocksScanned.Load(),
		TransactionsIndexed: s.txIndexed.Load(),
		LastError:           s.getLastError(),
	}
	if status != domain.ScannerStatusStopped {
		stats.BatchSize = s.runBatch.Load()
		stats.IntervalMs = s.runIntervalMs.Load()
	}
	if stats.BatchSize == 0 {
		stats.BatchSize = s.cfg.BatchSize
	}
	if stats.IntervalMs == 0 {
		stats.IntervalMs = uint64(s.cfg.PollInterval.Milliseconds())
	}
	if height > checkpoint.LastScannedBlock {
		stats.Lag = height - checkpoint.LastScannedBlock
	}
	return stats, nil
}

func (s *ScannerService) prepare(ctx context.Context, cfg StartConfig) (*scanRun, error) {
	checkpoint, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	cursor := checkpoint.NextBlock()
	startBlock := cfg.StartBlock
	if startBlock == nil {
		startBlock = s.cfg.StartBlock
	}
	if startBlock != nil && *startBlock > cursor {
		cursor = *startBlock
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = s.cfg.BatchSize
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = s.cfg.PollInterval
	}

	run := &scanRun{
		cursor:    cursor,
		batchSize: batchSize,
		interval:  interval,
		backoff:   newBackoff(s.cfg.BackoffInitial, s.cfg.BackoffMax),
	}
	checkpoint.Status = domain.ScannerStatusRunning
	checkpoint.BatchSize = batchSize
	checkpoint.IntervalMs = uint64(interval.Milliseconds())
	checkpoint.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, err
	}
	s.runBatch.Store(batchSize)
	s.runIntervalMs.Store(checkpoint.IntervalMs)
	return run, nil
}

func (s *ScannerService) loop(run *scanRun, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer s.finish(run)

	ctx := context.Background()
	for !s.stopRequested.Load() {
		wait := s.step(ctx, run)
		if wait <= 0 {
			continue
		}
		select {
		case <-stopCh:
			return
		case <-s.clock.After(wait):
		}
	}
}

func (s *ScannerService) finish(run *scanRun) {
	if !s.keepActive.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		if err := s.saveStatus(ctx, run, domain.ScannerStatusStopped); err != nil {
			slog.Warn("persist stopped status failed", "err", err)
		}
		cancel()
	}

	s.erroring.Store(false)
	s.mu.Lock()
	s.state = lifecycleStopped
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.OnStatus(domain.ScannerStatusStopped)
	}
	slog.Info("scanner stopped", "next_block", run.cursor)
}

// step runs one scan cycle and returns how long to wait before the next one.
func (s *ScannerService) step(ctx context.Context, run *scanRun) time.Duration {
	ctx, span := otel.Tracer("txscan/scanner").Start(ctx, "scanner.cycle")
	defer span.End()

	height, err := s.chain.CurrentHeight(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail(ctx, run, err)
	}
	s.chainHeight.Store(height)
	if s.observer != nil {
		s.observer.OnChainHeight(height)
	}

	if height < s.cfg.Confirmations {
		s.recover(ctx, run)
		return run.interval
	}
	target := height - s.cfg.Confirmations
	if run.cursor > target {
		s.recover(ctx, run)
		return run.interval
	}

	toBlock := run.cursor + run.batchSize - 1
	if toBlock > target || toBlock < run.cursor {
		toBlock = target
	}
	span.SetAttributes(
		attribute.Int64("block.from", int64(run.cursor)),
		attribute.Int64("block.to", int64(toBlock)),
	)

	for number := run.cursor; number <= toBlock; number++ {
		if s.stopRequested.Load() {
			return 0
		}
		if err := s.processBlock(ctx, run, number); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.fail(ctx, run, err)
		}
		run.cursor = number + 1
	}

	s.recover(ctx, run)
	if run.cursor <= target {
		return 0
	}
	return run.interval
}

func (s *ScannerService) processBlock(ctx context.Context, run *scanRun, number uint64) error {
	block, err := s.chain.FetchBlockWithTransactions(ctx, number)
	if err != nil {
		return err
	}

	txs := slices.Clone(block.Transactions)
	slices.SortStableFunc(txs, func(a, b domain.ChainTransaction) int {
		return cmp.Compare(a.Index, b.Index)
	})

	var matches []domain.IndexedTransaction
	for _, tx := range txs {
		indexed, ok := s.classifier.Classify(tx, block)
		if !ok {
			continue
		}
		if s.cfg.CheckReceipts {
			receipt, err := s.chain.TransactionReceipt(ctx, tx.Hash)
			if err != nil {
				return err
			}
			if receipt.Reverted() {
				indexed.Status = domain.TxStatusReverted
			}
		}
		matches = append(matches, indexed)
	}

	inserted, err := s.store.UpsertTransactions(ctx, matches)
	if err != nil {
		return err
	}
	if s.publisher != nil && len(matches) > 0 {
		if err := s.publisher.PublishTransactions(ctx, matches); err != nil {
			return fmt.Errorf("publish block %d: %w", number, err)
		}
	}

	checkpoint := domain.ScannerCheckpoint{
		LastScannedBlock: number,
		HasScanned:       true,
		Status:           s.loopStatus(),
		BatchSize:        run.batchSize,
		IntervalMs:       uint64(run.interval.Milliseconds()),
		UpdatedAt:        s.clock.Now().UTC(),
	}
	if err := s.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}

	s.blocksScanned.Add(1)
	s.txIndexed.Add(uint64(inserted))
	if s.observer != nil {
		s.observer.OnBlockCommitted(number, len(matches), inserted)
	}
	if len(matches) > 0 {
		slog.Debug("block committed", "block", number, "matched", len(matches), "inserted", inserted)
	}
	return nil
}

func (s *ScannerService) fail(ctx context.Context, run *scanRun, err error) time.Duration {
	wait := run.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = s.cfg.BackoffMax
	}
	s.setLastError(err)
	if s.observer != nil {
		s.observer.OnCycleError(err)
	}
	if !s.erroring.Swap(true) {
		if s.observer != nil {
			s.observer.OnStatus(domain.ScannerStatusErroring)
		}
		if saveErr := s.saveStatus(ctx, run, domain.ScannerStatusErroring); saveErr != nil {
			slog.Warn("persist erroring status failed", "err", saveErr)
		}
	}
	slog.Warn("scan cycle failed", "next_block", run.cursor, "err", err, "backoff", wait)
	return wait
}

func (s *ScannerService) recover(ctx context.Context, run *scanRun) {
	run.backoff.Reset()
	if !s.erroring.Swap(false) {
		return
	}
	s.setLastError(nil)
	if s.observer != nil {
		s.observer.OnStatus(domain.ScannerStatusRunning)
	}
	if err := s.saveStatus(ctx, run, domain.ScannerStatusRunning); err != nil {
		slog.Warn("persist running status failed", "err", err)
	}
	slog.Info("scanner recovered", "next_block", run.cursor)
}

// saveStatus rewrites the status fields of the persisted checkpoint. Only the
// loop goroutine, or Start before the loop exists, may call it.
func (s *ScannerService) saveStatus(ctx context.Context, run *scanRun, status domain.ScannerStatus) error {
	checkpoint, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return err
	}
	checkpoint.Status = status
	checkpoint.BatchSize = run.batchSize
	checkpoint.IntervalMs = uint64(run.interval.Milliseconds())
	checkpoint.UpdatedAt = s.clock.Now().UTC()
	return s.store.SaveCheckpoint(ctx, checkpoint)
}

func (s *ScannerService) loopStatus() domain.ScannerStatus {
	if s.erroring.Load() {
		return domain.ScannerStatusErroring
	}
	return domain.ScannerStatusRunning
}

func (s *ScannerService) setLastError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

func (s *ScannerService) getLastError() string {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastError
}

func newBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}
