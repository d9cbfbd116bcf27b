// Package inventory maintains the three denomination-keyed quantity
// tables (banknotes, coins-in-tubes, coins-in-cashbox) backing the
// controller's cash accounting, with write-through crash-safe
// persistence.
package inventory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/slog"
)

// Snapshot is a deep, point-in-time copy of all three tables.
type Snapshot struct {
	Banknotes     map[int]int `json:"banknotes"`
	Coins         map[int]int `json:"coins"`
	CoinsCashbox  map[int]int `json:"coins_in_cashbox"`
	LastUpdatedAt time.Time   `json:"last_updated_utc"`
}

// Store is the serialised, persisted inventory of cash in the machine.
// Every mutator commits in-memory, then writes through to disk before
// returning.
type Store struct {
	mu   sync.Mutex
	path string
	log  slog.Logger

	banknotes    map[int]int
	coins        map[int]int
	coinsCashbox map[int]int
	lastUpdated  time.Time
}

// Open loads path if it exists. A load failure (missing file, corrupt
// JSON) is tolerated: the store starts empty, logs the failure, and the
// process continues — it must not refuse to start (spec §4.9).
func Open(path string, log slog.Logger) *Store {
	s := &Store{
		path:         path,
		log:          log,
		banknotes:    map[int]int{},
		coins:        map[int]int{},
		coinsCashbox: map[int]int{},
	}
	if err := s.load(); err != nil {
		log.Warnf("inventory: starting empty, load failed: %v", err)
	}
	return s
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	if snap.Banknotes != nil {
		s.banknotes = snap.Banknotes
	}
	if snap.Coins != nil {
		s.coins = snap.Coins
	}
	if snap.CoinsCashbox != nil {
		s.coinsCashbox = snap.CoinsCashbox
	}
	s.lastUpdated = snap.LastUpdatedAt
	return nil
}

// RegisterBanknoteAccepted increments the banknote count for denom.
func (s *Store) RegisterBanknoteAccepted(denom int) {
	s.mutate(func() { s.banknotes[denom]++ })
}

// RegisterCoinAccepted increments the tube count for denom (a ToTube
// coin, credited to the customer).
func (s *Store) RegisterCoinAccepted(denom int) {
	s.mutate(func() { s.coins[denom]++ })
}

// RegisterCoinToCashboxAccepted increments the cashbox count for denom (a
// ToCashbox coin, also credited to the customer).
func (s *Store) RegisterCoinToCashboxAccepted(denom int) {
	s.mutate(func() { s.coinsCashbox[denom]++ })
}

// RegisterCoinDispensed decrements the tube count for denom, never below
// zero; an entry that reaches zero may be removed.
func (s *Store) RegisterCoinDispensed(denom int) {
	s.mutate(func() {
		if s.coins[denom] <= 0 {
			delete(s.coins, denom)
			return
		}
		s.coins[denom]--
		if s.coins[denom] == 0 {
			delete(s.coins, denom)
		}
	})
}

// ResetBanknotes clears the banknote table.
func (s *Store) ResetBanknotes() { s.mutate(func() { s.banknotes = map[int]int{} }) }

// ResetCoins clears the coins-in-tubes table.
func (s *Store) ResetCoins() { s.mutate(func() { s.coins = map[int]int{} }) }

// ResetCoinsInCashbox clears the coins-in-cashbox table.
func (s *Store) ResetCoinsInCashbox() { s.mutate(func() { s.coinsCashbox = map[int]int{} }) }

// TubeCounts returns a live tube-map snapshot (denomination -> available
// count) for the change planner.
func (s *Store) TubeCounts() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.coins)
}

// Snapshot returns a deep copy of all three tables.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Banknotes:     copyMap(s.banknotes),
		Coins:         copyMap(s.coins),
		CoinsCashbox:  copyMap(s.coinsCashbox),
		LastUpdatedAt: s.lastUpdated,
	}
}

// Flush ensures durability of all prior writes (the store is write-through,
// so this is a no-op beyond re-asserting the on-disk copy matches memory).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// mutate runs fn under the lock, stamps the update time, and persists
// write-through before returning.
func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.lastUpdated = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		s.log.Errorf("inventory: persist failed: %v", err)
	}
}

func (s *Store) persistLocked() error {
	snap := Snapshot{
		Banknotes:     s.banknotes,
		Coins:         s.coins,
		CoinsCashbox:  s.coinsCashbox,
		LastUpdatedAt: s.lastUpdated,
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".inventory-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func copyMap(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
