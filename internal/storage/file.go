// Package storage provides crash-safe JSON persistence for orders, trades,
// positions and audit events.
//
// Positions are stored one file per symbol (pos_<SYMBOL>.json) and orders in
// a single orders.json map; both use atomic file replacement (write to .tmp,
// then rename) so a crash mid-save never leaves a corrupt file. Trades and
// audit events are append-only JSONL logs. The store satisfies the
// repository interfaces declared by the consuming packages (execution,
// portfolio, audit); callers route writes through the database circuit
// breaker, so every method here is allowed to fail without stopping the
// trading path.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradeflow/internal/audit"
	"tradeflow/pkg/types"
)

// FileStore persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type FileStore struct {
	dir string
	mu  sync.Mutex

	orders map[string]types.Order // cached orders.json content
}

// Open creates a store backed by the given directory and loads the order
// cache from a previous run, if any.
func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileStore{dir: dir, orders: make(map[string]types.Order)}
	if err := s.loadOrders(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op for file-based storage.
func (s *FileStore) Close() error {
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder stores or replaces an order record.
func (s *FileStore) UpsertOrder(order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return s.saveOrders()
}

// UpdateOrderStatus sets the status of an existing order.
func (s *FileStore) UpdateOrderStatus(id string, status types.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("update order %s: not found", id)
	}
	order.Status = status
	s.orders[id] = order
	return s.saveOrders()
}

// FillOrder records fill progress on an existing order. The status becomes
// FILLED when the filled quantity covers the order, PARTIAL otherwise.
func (s *FileStore) FillOrder(id string, filledQty, price float64, filledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("fill order %s: not found", id)
	}
	if filledQty >= order.Quantity {
		order.Status = types.StatusFilled
		order.FilledAt = filledAt
	} else if filledQty > 0 {
		order.Status = types.StatusPartial
	}
	s.orders[id] = order
	return s.saveOrders()
}

// Order returns a stored order by ID.
func (s *FileStore) Order(id string) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	return order, ok
}

// CreateTrade appends a trade record to the trade log.
func (s *FileStore) CreateTrade(trade types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendJSONL("trades.jsonl", trade)
}

// Trades reads back the full trade log, oldest first.
func (s *FileStore) Trades() ([]types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "trades.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trades: %w", err)
	}

	var trades []types.Trade
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var tr types.Trade
		if err := json.Unmarshal([]byte(line), &tr); err != nil {
			return nil, fmt.Errorf("unmarshal trade: %w", err)
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// UpsertPosition atomically persists the current position for a symbol.
func (s *FileStore) UpsertPosition(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return s.atomicWrite("pos_"+pos.Symbol+".json", data)
}

// Position restores the position for a symbol from disk. The second return
// is false if no saved position exists.
func (s *FileStore) Position(symbol string) (types.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos types.Position
	data, err := os.ReadFile(filepath.Join(s.dir, "pos_"+symbol+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return pos, false, nil
		}
		return pos, false, fmt.Errorf("read position: %w", err)
	}
	if err := json.Unmarshal(data, &pos); err != nil {
		return pos, false, fmt.Errorf("unmarshal position: %w", err)
	}
	return pos, true, nil
}

// Positions lists every persisted position.
func (s *FileStore) Positions() ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "pos_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var out []types.Position
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		var pos types.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
		}
		out = append(out, pos)
	}
	return out, nil
}

// DeletePosition removes the stored position for a symbol, used when a
// position goes flat. Deleting a missing position is not an error.
func (s *FileStore) DeletePosition(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, "pos_"+symbol+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Audit
// ————————————————————————————————————————————————————————————————————————

// Write appends an audit entry to the audit log.
func (s *FileStore) Write(entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendJSONL("audit.jsonl", entry)
}

// ————————————————————————————————————————————————————————————————————————
// File helpers
// ————————————————————————————————————————————————————————————————————————

func (s *FileStore) loadOrders() error {
	data, err := os.ReadFile(filepath.Join(s.dir, "orders.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read orders: %w", err)
	}
	if err := json.Unmarshal(data, &s.orders); err != nil {
		return fmt.Errorf("unmarshal orders: %w", err)
	}
	return nil
}

// saveOrders is called with the mutex held.
func (s *FileStore) saveOrders() error {
	data, err := json.Marshal(s.orders)
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}
	return s.atomicWrite("orders.json", data)
}

// atomicWrite writes to a .tmp file first, then renames over the target so
// the file is never left in a partial state. Called with the mutex held.
func (s *FileStore) atomicWrite(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) appendJSONL(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", name, err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}
