// Package ledger owns the persisted usage counter (the "local" storage
// scope). It is the single source of truth for rate limiting: a count, the
// end of the current 24h window and the limit, serialized under one mutex so
// two near-simultaneous requests can never interleave their read-modify-write
// on the counter.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"replypilot/internal/logging"
)

// Window is the rolling period over which usage accumulates.
const Window = 24 * time.Hour

// Record is the persisted usage counter. Callers outside this package only
// ever see copies; the on-disk record is mutated exclusively here.
type Record struct {
	Count     int       `json:"count"`
	WindowEnd time.Time `json:"window_end"`
	Limit     int       `json:"limit"`
}

// Remaining returns how long until the window rolls over, measured from now.
func (r Record) Remaining(now time.Time) time.Duration {
	return r.WindowEnd.Sub(now)
}

// DeniedError is returned by TryConsume when the window's quota is
// exhausted. Remaining is the time until the window resets.
type DeniedError struct {
	Remaining time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("usage limit reached, window resets in %s", e.Remaining)
}

// PersistenceError wraps a failed read or write of the usage record. It is
// retryable: the record on disk is either the old state or the new state,
// never a partial write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("usage ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Ledger serializes all access to the usage record. It keeps no in-memory
// copy between operations: every operation reloads from disk, so a torn-down
// and restarted process picks up exactly where it left off.
type Ledger struct {
	mu           sync.Mutex
	path         string
	defaultLimit int
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger persisting to <stateDir>/usage.json. defaultLimit is
// used when the record is created on first access.
func New(stateDir string, defaultLimit int, opts ...Option) *Ledger {
	l := &Ledger{
		path:         filepath.Join(stateDir, "usage.json"),
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
	if l.defaultLimit < 1 {
		l.defaultLimit = 1
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Read returns the current record, lazily rolling the window forward if it
// has expired.
func (l *Ledger) Read() (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, rolled, err := l.loadAndRoll()
	if err != nil {
		return Record{}, err
	}
	if rolled {
		if err := l.persist(rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// TryConsume increments the counter if the quota allows it. On denial it
// returns the unchanged record alongside a *DeniedError carrying the time
// until the window resets. The read-modify-write is a critical section: it
// never interleaves with another TryConsume on the same record.
func (l *Ledger) TryConsume() (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, _, err := l.loadAndRoll()
	if err != nil {
		return Record{}, err
	}

	if rec.Count >= rec.Limit {
		remaining := rec.Remaining(l.now())
		logging.Ledger("consume denied: count=%d limit=%d remaining=%s", rec.Count, rec.Limit, remaining)
		return rec, &DeniedError{Remaining: remaining}
	}

	rec.Count++
	if err := l.persist(rec); err != nil {
		return Record{}, err
	}
	logging.LedgerDebug("consumed: count=%d limit=%d", rec.Count, rec.Limit)
	return rec, nil
}

// Reset forces the counter to zero and starts a fresh window, regardless of
// expiry state. Used for manual user reset and when the limit changes.
func (l *Ledger) Reset() (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, _, err := l.loadAndRoll()
	if err != nil {
		return Record{}, err
	}
	rec.Count = 0
	rec.WindowEnd = l.now().Add(Window)
	if err := l.persist(rec); err != nil {
		return Record{}, err
	}
	logging.Ledger("reset: limit=%d window_end=%s", rec.Limit, rec.WindowEnd.Format(time.RFC3339))
	return rec, nil
}

// SetLimit updates the limit without touching the count or the window.
func (l *Ledger) SetLimit(n int) (Record, error) {
	if n < 1 {
		return Record{}, fmt.Errorf("limit must be >= 1, got %d", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, _, err := l.loadAndRoll()
	if err != nil {
		return Record{}, err
	}
	rec.Limit = n
	if err := l.persist(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// loadAndRoll reads the record from disk, creating it on first access and
// rolling the window forward if expired. Callers must hold l.mu. The rolled
// flag tells Read it still has to persist; the mutating operations persist
// anyway.
func (l *Ledger) loadAndRoll() (Record, bool, error) {
	now := l.now()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return Record{Count: 0, WindowEnd: now.Add(Window), Limit: l.defaultLimit}, true, nil
	}
	if err != nil {
		return Record{}, false, &PersistenceError{Op: "read", Err: err}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is unreadable state, not a quota: start over.
		logging.LedgerError("corrupt usage record, starting fresh window: %v", err)
		return Record{Count: 0, WindowEnd: now.Add(Window), Limit: l.defaultLimit}, true, nil
	}
	if rec.Limit < 1 {
		rec.Limit = l.defaultLimit
	}

	if !now.Before(rec.WindowEnd) {
		rec.Count = 0
		rec.WindowEnd = now.Add(Window)
		return rec, true, nil
	}
	return rec, false, nil
}

// persist writes the record all-or-nothing via write-then-rename.
// Callers must hold l.mu.
func (l *Ledger) persist(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "write", Err: err}
	}
	return nil
}
