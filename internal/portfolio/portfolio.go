// Package portfolio tracks the net position per symbol as fills arrive.
//
// Positions are signed: positive quantity is LONG, negative is SHORT.
// Side-matching fills extend the position at a quantity-weighted average
// price. Opposing fills realize PnL for the closed portion; a fill larger
// than the open position flips it, opening the residual at the fill
// price. Snapshots persist through the repository on every change so a
// restart resumes from the last known book.
package portfolio

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"tradeflow/internal/breaker"
	"tradeflow/pkg/types"
)

const closedEpsilon = 1e-9

// Repo persists position snapshots across restarts.
type Repo interface {
	UpsertPosition(pos types.Position) error
	DeletePosition(symbol string) error
	Positions() ([]types.Position, error)
}

// Store is the sole mutator of positions. Fills come from the execution
// engine; everything else reads snapshots.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*types.Position
	realized  float64

	baseEquity float64
	repo       Repo
	breaker    *breaker.Manager
	logger     *slog.Logger

	now func() time.Time
}

// NewStore creates a position store. repo may be nil for in-memory use.
func NewStore(baseEquity float64, repo Repo, br *breaker.Manager, logger *slog.Logger) *Store {
	return &Store{
		positions:  make(map[string]*types.Position),
		baseEquity: baseEquity,
		repo:       repo,
		breaker:    br,
		logger:     logger.With("component", "portfolio"),
		now:        time.Now,
	}
}

// Load restores persisted positions. Call once before trading starts.
func (s *Store) Load() error {
	if s.repo == nil {
		return nil
	}
	saved, err := s.repo.Positions()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range saved {
		p := pos
		s.positions[p.Symbol] = &p
	}
	if len(saved) > 0 {
		s.logger.Info("positions restored", "count", len(saved))
	}
	return nil
}

// ApplyFill mutates the position for one fill and returns the updated
// snapshot plus the PnL realized by any closed portion. A snapshot with
// zero quantity means the fill flattened the position.
func (s *Store) ApplyFill(symbol string, side types.Side, qty, price float64) (types.Position, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signedQty := qty
	if side == types.SideSell {
		signedQty = -qty
	}
	now := s.now()

	pos, ok := s.positions[symbol]
	if !ok {
		pos = &types.Position{
			Symbol:       symbol,
			Quantity:     signedQty,
			AveragePrice: price,
			CurrentPrice: price,
			Side:         sideOf(signedQty),
			OpenedAt:     now,
			LastUpdated:  now,
		}
		s.positions[symbol] = pos
		s.persist(*pos)
		return *pos, 0
	}

	var realized float64
	sameDirection := pos.Quantity*signedQty > 0

	switch {
	case sameDirection:
		// Extend: quantity-weighted average entry.
		oldAbs := math.Abs(pos.Quantity)
		newAbs := oldAbs + qty
		pos.AveragePrice = (pos.AveragePrice*oldAbs + price*qty) / newAbs
		pos.Quantity += signedQty

	default:
		// Close some or all, possibly flipping direction.
		closedQty := math.Min(qty, math.Abs(pos.Quantity))
		realized = (price - pos.AveragePrice) * closedQty
		if pos.Side == types.PositionShort {
			realized = -realized
		}
		s.realized += realized

		newQty := pos.Quantity + signedQty
		switch {
		case math.Abs(newQty) < closedEpsilon:
			// Flat: remove the position entirely.
			delete(s.positions, symbol)
			s.remove(symbol)
			flat := types.Position{Symbol: symbol, CurrentPrice: price, LastUpdated: now}
			return flat, realized
		case newQty*pos.Quantity > 0:
			// Partial close keeps the original entry price.
			pos.Quantity = newQty
		default:
			// Flip: residual opens fresh at the fill price.
			pos.Quantity = newQty
			pos.AveragePrice = price
			pos.OpenedAt = now
		}
	}

	pos.Side = sideOf(pos.Quantity)
	pos.CurrentPrice = price
	pos.LastUpdated = now
	s.persist(*pos)
	return *pos, realized
}

// Mark updates the mark price used for unrealized PnL and equity.
func (s *Store) Mark(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[symbol]; ok {
		pos.CurrentPrice = price
	}
}

// Position returns a snapshot of one symbol's position.
func (s *Store) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns snapshots of all open positions, sorted by symbol.
func (s *Store) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RealizedPnL returns cumulative realized PnL since start.
func (s *Store) RealizedPnL() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realized
}

// TotalEquity returns base equity plus realized and mark-to-market PnL.
func (s *Store) TotalEquity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	equity := s.baseEquity + s.realized
	for _, pos := range s.positions {
		equity += pos.UnrealizedPnL()
	}
	return equity
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————
// Writes go through the database breaker; a failure is logged and the
// in-memory book stays authoritative.

func (s *Store) persist(pos types.Position) {
	if s.repo == nil {
		return
	}
	err := s.execute(func() error { return s.repo.UpsertPosition(pos) })
	if err != nil {
		s.logger.Error("position persist failed", "symbol", pos.Symbol, "error", err)
	}
}

func (s *Store) remove(symbol string) {
	if s.repo == nil {
		return
	}
	err := s.execute(func() error { return s.repo.DeletePosition(symbol) })
	if err != nil {
		s.logger.Error("position delete failed", "symbol", symbol, "error", err)
	}
}

func (s *Store) execute(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute("database", fn)
}

func sideOf(signedQty float64) types.PositionSide {
	if signedQty < 0 {
		return types.PositionShort
	}
	return types.PositionLong
}
