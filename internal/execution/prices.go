package execution

import (
	"sort"
	"sync"

	"tradeflow/pkg/types"
)

// defaultSpreadPct is the synthesized total spread when none is configured,
// in percent of the last price.
const defaultSpreadPct = 0.1

// PriceBook caches a synthesized top-of-book per symbol, derived from the
// latest bar close with a symmetric spread. It is updated from the market
// data consumer inside the execution engine and read by the matcher and by
// dashboard snapshots (RWMutex protected). Prices are never persisted.
type PriceBook struct {
	mu        sync.RWMutex
	spreadPct float64
	quotes    map[string]types.MarketPrice
}

// NewPriceBook creates an empty price cache. spreadPct is the full spread
// in percent; zero or negative falls back to the 0.1% default.
func NewPriceBook(spreadPct float64) *PriceBook {
	if spreadPct <= 0 {
		spreadPct = defaultSpreadPct
	}
	return &PriceBook{
		spreadPct: spreadPct,
		quotes:    make(map[string]types.MarketPrice),
	}
}

// ApplyBar refreshes the symbol's quote from a bar close. Half the spread
// goes on each side.
func (p *PriceBook) ApplyBar(bar types.Bar) {
	half := p.spreadPct / 200

	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[bar.Symbol] = types.MarketPrice{
		Symbol: bar.Symbol,
		Bid:    bar.Close * (1 - half),
		Ask:    bar.Close * (1 + half),
		Last:   bar.Close,
		TS:     bar.Timestamp,
	}
}

// Quote returns the latest synthesized quote for the symbol. The second
// return is false before any bar has been seen.
func (p *PriceBook) Quote(symbol string) (types.MarketPrice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[symbol]
	return q, ok
}

// Quotes returns every cached quote, sorted by symbol.
func (p *PriceBook) Quotes() []types.MarketPrice {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.MarketPrice, 0, len(p.quotes))
	for _, q := range p.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
