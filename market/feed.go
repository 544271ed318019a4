package market

import (
	"context"
	"sync/atomic"
	"time"

	"hedgegrid/atrengine"
	"hedgegrid/exchange"
	"hedgegrid/logger"

	"github.com/shopspring/decimal"
)

// Snapshot is the shared, read-only view of price and candle history.
// Published atomically by one writer (Feed.Start for the initial snapshot,
// then Feed.Run); read by both executors,
// the stop-loss manager, and the controller without locking.
type Snapshot struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Mid       decimal.Decimal
	Candles   []atrengine.Candle
	UpdatedAt time.Time
}

// Feed owns the single writer side of the shared Snapshot: it polls candles
// over REST on a fixed interval and merges live bookTicker ticks, trimming
// candle history to Period+buffer per §3's candle-lifecycle rule.
type Feed struct {
	client   exchange.Client
	symbol   string
	interval string
	period   int
	buffer   int

	stream *BookTickerStream

	snapshot atomic.Pointer[Snapshot]
}

// NewFeed constructs a Feed for symbol, polling candles at interval and
// keeping period+buffer of history for the ATR analyzer.
func NewFeed(client exchange.Client, symbol, interval string, period, buffer int) *Feed {
	f := &Feed{
		client:   client,
		symbol:   symbol,
		interval: interval,
		period:   period,
		buffer:   buffer,
		stream:   NewBookTickerStream(symbol),
	}
	f.snapshot.Store(&Snapshot{})
	return f
}

// Latest returns the current shared snapshot. Safe for concurrent readers.
func (f *Feed) Latest() Snapshot {
	return *f.snapshot.Load()
}

// Start connects the bookTicker stream and performs an initial candle
// backfill; it must succeed before the controller proceeds to parameter
// calculation.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.refreshCandles(ctx); err != nil {
		return err
	}
	if err := f.stream.Connect(); err != nil {
		return err
	}
	return nil
}

// Run drives the feed until ctx is cancelled: a candle-refresh ticker and
// the bookTicker update channel both publish into the shared snapshot.
func (f *Feed) Run(ctx context.Context, candleRefresh time.Duration) {
	ticker := time.NewTicker(candleRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.stream.Close()
			return
		case <-ticker.C:
			if err := f.refreshCandles(ctx); err != nil {
				logger.Warnf("candle refresh failed: %v", err)
			}
		case tick, ok := <-f.stream.Updates():
			if !ok {
				return
			}
			f.publishTick(tick)
		}
	}
}

func (f *Feed) refreshCandles(ctx context.Context) error {
	n := f.period + f.buffer
	candles, err := f.client.GetCandles(ctx, f.symbol, f.interval, n)
	if err != nil {
		return err
	}

	converted := make([]atrengine.Candle, len(candles))
	for i, c := range candles {
		open, _ := c.Open.Float64()
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		closeP, _ := c.Close.Float64()
		volume, _ := c.Volume.Float64()
		converted[i] = atrengine.Candle{
			OpenTime: c.OpenTime,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
			Volume:   volume,
		}
	}

	prev := f.snapshot.Load()
	next := *prev
	next.Candles = converted
	next.UpdatedAt = time.Now()
	f.snapshot.Store(&next)
	return nil
}

func (f *Feed) publishTick(tick BookTickerUpdate) {
	prev := f.snapshot.Load()
	next := *prev
	next.BestBid = tick.Bid
	next.BestAsk = tick.Ask
	if tick.Bid.Sign() > 0 && tick.Ask.Sign() > 0 {
		next.Mid = tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	}
	next.UpdatedAt = time.Now()
	f.snapshot.Store(&next)
}
