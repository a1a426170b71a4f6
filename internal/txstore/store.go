// Package txstore remembers, per protocol transaction, the user context
// captured when an order is confirmed so the later on_confirm callback can
// be turned into a credential request.
package txstore

import (
	"context"
	"sync"
	"time"

	"pkt.systems/bapd/internal/clock"
	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/pslog"
)

// Entry is the user context stored for a transaction.
type Entry struct {
	Name          string
	Email         string
	MessageID     string
	TransactionID string
	Title         string
	// SessionID binds the transaction to a live session when transaction
	// routing is enabled. Zero means unbound.
	SessionID uint64
	StoredAt  time.Time
}

// Config controls store behaviour.
type Config struct {
	// TTL evicts entries older than this during Sweep. Zero keeps entries
	// for the life of the process.
	TTL    time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// Store is a concurrency-safe map from transaction id to Entry. Critical
// sections never perform I/O.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger
	metrics *storeMetrics
}

// New returns an empty store.
func New(cfg Config) *Store {
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Store)
	return &Store{
		entries: make(map[string]Entry),
		ttl:     cfg.TTL,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logger,
		metrics: newStoreMetrics(logger),
	}
}

// Put inserts or replaces the entry for transactionID. StoredAt is stamped
// from the store clock when unset.
func (s *Store) Put(transactionID string, entry Entry) {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.clock.Now()
	}
	if entry.TransactionID == "" {
		entry.TransactionID = transactionID
	}
	s.mu.Lock()
	_, replaced := s.entries[transactionID]
	s.entries[transactionID] = entry
	size := len(s.entries)
	s.mu.Unlock()

	s.metrics.recordPut(context.Background(), replaced)
	s.logger.Trace("txstore.put", "transaction_id", transactionID, "replaced", replaced, "size", size)
}

// Get returns the entry for transactionID.
func (s *Store) Get(transactionID string) (Entry, bool) {
	s.mu.Lock()
	entry, ok := s.entries[transactionID]
	s.mu.Unlock()
	s.metrics.recordGet(context.Background(), ok)
	return entry, ok
}

// Bind attaches sessionID to an existing entry. It reports whether the
// entry existed.
func (s *Store) Bind(transactionID string, sessionID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[transactionID]
	if !ok {
		return false
	}
	entry.SessionID = sessionID
	s.entries[transactionID] = entry
	return true
}

// SessionFor returns the session bound to transactionID.
func (s *Store) SessionFor(transactionID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[transactionID]
	if !ok || entry.SessionID == 0 {
		return 0, false
	}
	return entry.SessionID, true
}

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TTL returns the current eviction horizon.
func (s *Store) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// SetTTL changes the eviction horizon; it takes effect on the next Sweep.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Sweep removes entries stored more than TTL before now and returns how
// many were evicted. It is a no-op when TTL is zero.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	if s.ttl <= 0 {
		s.mu.Unlock()
		return 0
	}
	cutoff := now.Add(-s.ttl)
	evicted := 0
	for id, entry := range s.entries {
		if entry.StoredAt.Before(cutoff) {
			delete(s.entries, id)
			evicted++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	if evicted > 0 {
		s.metrics.recordEvicted(context.Background(), evicted)
		s.logger.Debug("txstore.sweep", "evicted", evicted, "remaining", remaining)
	}
	return evicted
}
