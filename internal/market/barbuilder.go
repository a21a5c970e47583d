package market

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// BarBuilder accumulates normalized trades into minute-aligned OHLCV bars
// for one (venue, asset, market) stream. Completed bars are pushed to a
// bounded history and handed to the completion callback on minute rollover.
//
// Bar closure is one-way: a late trade stamped in an already-closed minute
// is dropped, never retrofitted into an emitted bar.
type BarBuilder struct {
	venue      Venue
	asset      Asset
	marketType MarketType

	mu         sync.Mutex
	current    *Bar
	completed  []Bar
	onComplete func(Bar)

	droppedLate int64
	droppedCap  int64
}

// NewBarBuilder creates a builder. onComplete may be nil; when set it is
// invoked outside the builder's lock with each finalized bar, in bar-time
// order.
func NewBarBuilder(venue Venue, asset Asset, marketType MarketType, onComplete func(Bar)) *BarBuilder {
	return &BarBuilder{
		venue:      venue,
		asset:      asset,
		marketType: marketType,
		onComplete: onComplete,
	}
}

// AddTrade folds a trade into the current bar, rolling over to a new bar
// when the trade's minute advances past the current one. Missing intervening
// minutes are not synthesized; gaps are a composite-level concept.
func (b *BarBuilder) AddTrade(t Trade) {
	barTime := BarTime(t.Timestamp)

	var done *Bar

	b.mu.Lock()
	switch {
	case b.current == nil:
		b.current = b.openBar(barTime, t)

	case barTime == b.current.Time:
		if b.current.TradeCount >= MaxTradesPerBar {
			b.droppedCap++
			if b.droppedCap%1000 == 1 {
				log.Warn().
					Str("venue", string(b.venue)).
					Str("asset", string(b.asset)).
					Int64("bar_time", b.current.Time).
					Int64("dropped", b.droppedCap).
					Msg("trade buffer cap reached, dropping trades for this minute")
			}
			break
		}
		b.applyTrade(b.current, t)

	case barTime > b.current.Time:
		finalized := *b.current
		finalized.IsPartial = false
		b.completed = append(b.completed, finalized)
		if len(b.completed) > MaxCompletedBars {
			b.completed = b.completed[len(b.completed)-MaxCompletedBars:]
		}
		done = &finalized
		b.current = b.openBar(barTime, t)
		b.droppedCap = 0

	default: // barTime < current: out-of-order past trade
		b.droppedLate++
		log.Debug().
			Str("venue", string(b.venue)).
			Int64("trade_bar_time", barTime).
			Int64("current_bar_time", b.current.Time).
			Msg("dropping late trade from closed minute")
	}
	cb := b.onComplete
	b.mu.Unlock()

	if done != nil && cb != nil {
		cb(*done)
	}
}

func (b *BarBuilder) openBar(barTime int64, t Trade) *Bar {
	bar := &Bar{
		Time:       barTime,
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Venue:      b.venue,
		Asset:      b.asset,
		MarketType: b.marketType,
		IsPartial:  true,
	}
	b.applyFlow(bar, t)
	return bar
}

func (b *BarBuilder) applyTrade(bar *Bar, t Trade) {
	if t.Price > bar.High {
		bar.High = t.Price
	}
	if t.Price < bar.Low {
		bar.Low = t.Price
	}
	bar.Close = t.Price
	b.applyFlow(bar, t)
}

func (b *BarBuilder) applyFlow(bar *Bar, t Trade) {
	bar.Volume += t.Quantity
	bar.TradeCount++
	if t.TakerSide == TakerBuy {
		bar.BuyVolume += t.Quantity
		bar.BuyCount++
	} else {
		bar.SellVolume += t.Quantity
		bar.SellCount++
	}
}

// PartialBar returns a copy of the in-progress bar with IsPartial=true.
func (b *BarBuilder) PartialBar() (Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Bar{}, false
	}
	bar := *b.current
	bar.IsPartial = true
	return bar, true
}

// LatestBar returns the most recently completed bar.
func (b *BarBuilder) LatestBar() (Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.completed) == 0 {
		return Bar{}, false
	}
	return b.completed[len(b.completed)-1], true
}

// CompletedBars returns up to limit most recent completed bars, oldest
// first. limit <= 0 returns all retained bars.
func (b *BarBuilder) CompletedBars(limit int) []Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.completed)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Bar, n)
	copy(out, b.completed[len(b.completed)-n:])
	return out
}

// CurrentPrice returns the close of the in-progress bar.
func (b *BarBuilder) CurrentPrice() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0, false
	}
	return b.current.Close, true
}
