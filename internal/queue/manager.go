package queue

import (
	"context"
	"sync"
	"time"

	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/metrics"
	"github.com/pkg/errors"
)

var (
	ErrMissingID     = errors.New("transaction id is required")
	ErrInvalidStatus = errors.New("invalid transaction status")
	ErrInvalidType   = errors.New("invalid transaction type")
	ErrPendingExists = errors.New("a pending transaction already exists")
)

const shutdownFlushTimeout = 5 * time.Second

// Manager owns the in-memory transaction log and is the only writer of its
// Store. All mutations are serialised and applied in call order.
type Manager struct {
	store Store
	now   func() time.Time

	flushInterval     time.Duration
	pruneInterval     time.Duration
	reconcileInterval time.Duration
	retention         time.Duration

	mu           sync.Mutex
	entries      []Transaction
	index        map[string]int
	pendingCount int

	// saveMu orders snapshots with their writes so an older snapshot can
	// never overwrite a newer one.
	saveMu   sync.Mutex
	flushReq chan struct{}

	metrics *metrics.QueueMetrics
}

type Option func(*Manager)

// WithClock replaces time.Now, used for age-based pruning.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithConfig applies the cadences and retention from the [queue] section.
func WithConfig(cfg config.Queue) Option {
	return func(m *Manager) {
		m.flushInterval = cfg.FlushInterval()
		m.pruneInterval = cfg.PruneInterval()
		m.reconcileInterval = cfg.ReconcileInterval()
		m.retention = cfg.Retention()
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		now:               time.Now,
		flushInterval:     10 * time.Second,
		pruneInterval:     5 * time.Minute,
		reconcileInterval: 5 * time.Second,
		retention:         time.Hour,
		index:             make(map[string]int),
		flushReq:          make(chan struct{}, 1),
		metrics:           metrics.Queue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load hydrates the log from the Store. Entries already in memory win over
// persisted ones with the same id.
func (m *Manager) Load(ctx context.Context) error {
	txs, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, tx := range txs {
		if _, ok := m.index[tx.ID]; ok {
			continue
		}
		m.appendLocked(tx.clone())
		loaded++
	}

	logger.Infof("loaded %d transactions from store, %d pending", loaded, m.pendingCount)
	return nil
}

// Upsert inserts tx or merges it into the entry with the same id. A status
// change away from a terminal status is refused while the other fields
// still merge; an omitted hash, type, timestamp, data or error keeps the
// stored value. The merged entry is returned.
func (m *Manager) Upsert(tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		return Transaction{}, ErrMissingID
	}
	if tx.Status != "" && !validStatus(tx.Status) {
		return Transaction{}, errors.Wrapf(ErrInvalidStatus, "%q", tx.Status)
	}
	if tx.Type != "" && !validType(tx.Type) {
		return Transaction{}, errors.Wrapf(ErrInvalidType, "%q", tx.Type)
	}

	m.mu.Lock()
	i, exists := m.index[tx.ID]
	if !exists {
		out, err := m.insertLocked(tx)
		m.mu.Unlock()
		if err != nil {
			return Transaction{}, err
		}

		m.inserted(out)
		return out, nil
	}

	cur := m.entries[i]
	merged, rejected := merge(cur, tx.clone())
	m.entries[i] = merged
	m.adjustPendingLocked(cur.Status, merged.Status)
	out := merged.clone()
	m.mu.Unlock()

	if rejected {
		m.metrics.RejectedTransition.WithLabelValues(string(cur.Status), string(tx.Status)).Inc()
		logger.Warnf("refused %s -> %s for transaction %s", cur.Status, tx.Status, tx.ID)
	}
	m.metrics.Upserts.WithLabelValues(string(merged.Type), "update").Inc()
	logger.Debugf("updated %s transaction %s: %s -> %s", merged.Type, merged.ID, cur.Status, merged.Status)
	m.RequestFlush()
	return out, nil
}

// InsertIfIdle appends a new entry only while no entry is pending. The
// check and the insert happen under one lock, which makes it the gate for
// "one lifecycle operation in flight".
func (m *Manager) InsertIfIdle(tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		return Transaction{}, ErrMissingID
	}
	if !validStatus(tx.Status) {
		return Transaction{}, errors.Wrapf(ErrInvalidStatus, "%q", tx.Status)
	}
	if !validType(tx.Type) {
		return Transaction{}, errors.Wrapf(ErrInvalidType, "%q", tx.Type)
	}

	m.mu.Lock()
	if m.pendingCount > 0 {
		m.mu.Unlock()
		return Transaction{}, ErrPendingExists
	}
	if _, exists := m.index[tx.ID]; exists {
		m.mu.Unlock()
		return Transaction{}, errors.Errorf("transaction %s already exists", tx.ID)
	}
	out, err := m.insertLocked(tx)
	m.mu.Unlock()
	if err != nil {
		return Transaction{}, err
	}

	m.inserted(out)
	return out, nil
}

func (m *Manager) insertLocked(tx Transaction) (Transaction, error) {
	if tx.Status == "" || tx.Type == "" {
		return Transaction{}, errors.Errorf("new transaction %s needs a type and a status", tx.ID)
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = m.now().UnixMilli()
	}
	m.appendLocked(tx.clone())
	return m.entries[len(m.entries)-1].clone(), nil
}

func (m *Manager) inserted(tx Transaction) {
	m.metrics.Upserts.WithLabelValues(string(tx.Type), "insert").Inc()
	logger.Debugf("queued %s transaction %s as %s", tx.Type, tx.ID, tx.Status)
	m.RequestFlush()
}

func merge(cur, in Transaction) (Transaction, bool) {
	out := cur
	rejected := false

	if in.Status != "" && in.Status != cur.Status {
		if cur.Status.Terminal() {
			rejected = true
		} else {
			out.Status = in.Status
		}
	}
	if in.Type != "" && in.Type != cur.Type {
		logger.Warnf("ignoring type change %s -> %s for transaction %s", cur.Type, in.Type, cur.ID)
	}
	if in.Timestamp != 0 {
		out.Timestamp = in.Timestamp
	}
	if in.Hash != "" {
		out.Hash = in.Hash
	}
	if in.Data != nil {
		out.Data = in.Data
	}
	if in.Error != "" {
		out.Error = in.Error
	}

	return out, rejected
}

func (m *Manager) appendLocked(tx Transaction) {
	m.index[tx.ID] = len(m.entries)
	m.entries = append(m.entries, tx)
	if tx.Status == StatusPending {
		m.pendingCount++
	}
}

func (m *Manager) adjustPendingLocked(from, to Status) {
	switch {
	case from == StatusPending && to != StatusPending:
		m.pendingCount--
	case from != StatusPending && to == StatusPending:
		m.pendingCount++
	}
}

// Get returns a copy of the log in insertion order.
func (m *Manager) Get() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, len(m.entries))
	for i, tx := range m.entries {
		out[i] = tx.clone()
	}
	return out
}

// Lookup returns the entry with the given id.
func (m *Manager) Lookup(id string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return Transaction{}, false
	}
	return m.entries[i].clone(), true
}

// HasPending reports whether any entry is pending.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingCount > 0
}

// ReconcilePendingFlag recounts pending entries from a fresh scan and
// corrects the cached count. It returns the corrected flag and whether the
// cache had drifted.
func (m *Manager) ReconcilePendingFlag() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actual := 0
	for _, tx := range m.entries {
		if tx.Status == StatusPending {
			actual++
		}
	}

	drifted := actual != m.pendingCount
	if drifted {
		logger.Warnf("pending flag drift: cached %d pending, found %d", m.pendingCount, actual)
		m.metrics.FlagDrift.Inc()
		m.pendingCount = actual
	}

	return actual > 0, drifted
}

// PruneAged removes terminal entries whose timestamp is older than
// retention. Pending entries are never removed.
func (m *Manager) PruneAged(retention time.Duration) int {
	cutoff := m.now().Add(-retention).UnixMilli()

	m.mu.Lock()
	kept := m.entries[:0]
	removed := 0
	for _, tx := range m.entries {
		if tx.Status.Terminal() && tx.Timestamp < cutoff {
			removed++
			continue
		}
		kept = append(kept, tx)
	}
	// Drop references held by the tail of the reused backing array.
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = Transaction{}
	}
	m.entries = kept
	m.reindexLocked()
	m.mu.Unlock()

	if removed > 0 {
		m.metrics.Pruned.Add(float64(removed))
		logger.Infof("pruned %d transactions older than %v", removed, retention)
		m.RequestFlush()
	}

	return removed
}

// FailStalePending marks entries that have been pending for longer than
// maxAge as failed. It is meant for startup, where a pending entry can only
// come from a process that exited before its confirmation arrived.
func (m *Manager) FailStalePending(maxAge time.Duration, reason string) int {
	cutoff := m.now().Add(-maxAge).UnixMilli()
	nowMillis := m.now().UnixMilli()

	m.mu.Lock()
	failed := 0
	for i, tx := range m.entries {
		if tx.Status != StatusPending || tx.Timestamp >= cutoff {
			continue
		}
		tx.Status = StatusFailed
		tx.Error = reason
		tx.Timestamp = nowMillis
		m.entries[i] = tx
		m.pendingCount--
		failed++
	}
	m.mu.Unlock()

	if failed > 0 {
		logger.Warnf("marked %d stale pending transactions as failed", failed)
		m.RequestFlush()
	}

	return failed
}

func (m *Manager) reindexLocked() {
	m.index = make(map[string]int, len(m.entries))
	for i, tx := range m.entries {
		m.index[tx.ID] = i
	}
}

// Clear empties the log and the Store. It is reserved for explicit resets.
func (m *Manager) Clear(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	m.entries = nil
	m.index = make(map[string]int)
	m.pendingCount = 0
	m.mu.Unlock()

	logger.Info("transaction queue cleared")
	return m.store.Clear(ctx)
}

// RequestFlush schedules an asynchronous flush. Requests coalesce while one
// is outstanding.
func (m *Manager) RequestFlush() {
	select {
	case m.flushReq <- struct{}{}:
	default:
	}
}

// ForceFlush persists the current log and waits for the write.
func (m *Manager) ForceFlush(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	snapshot := m.Get()
	m.observeEntries(snapshot)

	if err := m.store.Save(ctx, snapshot); err != nil {
		m.metrics.Flushes.WithLabelValues("error").Inc()
		return err
	}

	m.metrics.Flushes.WithLabelValues("ok").Inc()
	return nil
}

// flush is the background variant: failures are logged and retried on the
// next cycle.
func (m *Manager) flush(ctx context.Context) {
	if err := m.ForceFlush(ctx); err != nil {
		logger.Errorf("failed to persist transaction queue, keeping in-memory state: %v", err)
	}
}

func (m *Manager) observeEntries(txs []Transaction) {
	counts := map[Status]int{StatusPending: 0, StatusConfirmed: 0, StatusFailed: 0}
	for _, tx := range txs {
		counts[tx.Status]++
	}
	for status, n := range counts {
		m.metrics.Entries.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Run services flush requests and the periodic flush, prune and
// reconciliation timers until ctx is done, then flushes once more.
func (m *Manager) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(m.flushInterval)
	defer flushTicker.Stop()
	pruneTicker := time.NewTicker(m.pruneInterval)
	defer pruneTicker.Stop()
	reconcileTicker := time.NewTicker(m.reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			err := m.ForceFlush(finalCtx)
			cancel()
			return errors.Wrap(err, "final queue flush")

		case <-m.flushReq:
			m.flush(ctx)

		case <-flushTicker.C:
			m.flush(ctx)

		case <-pruneTicker.C:
			m.PruneAged(m.retention)

		case <-reconcileTicker.C:
			m.ReconcilePendingFlag()
		}
	}
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

func validType(t Type) bool {
	switch t {
	case TypeStart, TypeJump, TypeEnd:
		return true
	}
	return false
}
