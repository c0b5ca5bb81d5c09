package strategy

import (
	"fmt"
	"time"

	"backsim/internal/types"
)

// stubBroker is an in-memory broker for strategy unit tests
type stubBroker struct {
	now       time.Time
	prices    map[string]types.Tick
	candles   map[string]map[types.Timeframe][]types.Candle
	info      map[string]types.SymbolInfo
	account   types.Account
	positions []types.Position
	orders    []types.OrderRequest
	modifies  []int64
	ticket    int64
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		prices:  make(map[string]types.Tick),
		candles: make(map[string]map[types.Timeframe][]types.Candle),
		info:    make(map[string]types.SymbolInfo),
		account: types.Account{Balance: 10000, Equity: 10000, FreeMargin: 10000, Currency: "USD"},
	}
}

func (b *stubBroker) setPrice(symbol string, bid, ask float64) {
	b.prices[symbol] = types.NewTick(symbol, b.now, bid, ask, 0, 1, 0)
}

func (b *stubBroker) setCandles(symbol string, tf types.Timeframe, bars []types.Candle) {
	if b.candles[symbol] == nil {
		b.candles[symbol] = make(map[types.Timeframe][]types.Candle)
	}
	b.candles[symbol][tf] = bars
}

func (b *stubBroker) PlaceMarketOrder(req types.OrderRequest) (*types.OrderResult, error) {
	b.orders = append(b.orders, req)
	b.ticket++
	quote := b.prices[req.Symbol]
	price := quote.Ask
	if req.Side == types.PositionTypeSell {
		price = quote.Bid
	}
	b.positions = append(b.positions, types.Position{
		Ticket: b.ticket, Symbol: req.Symbol, Type: req.Side, Volume: req.Volume,
		OpenPrice: price, OpenTime: b.now, SL: req.SL, TP: req.TP,
		CurrentPrice: price, MagicNumber: req.Magic, Comment: req.Comment,
	})
	return &types.OrderResult{Ticket: b.ticket, Price: price, Status: "filled"}, nil
}

func (b *stubBroker) ModifyPosition(ticket int64, sl, tp *float64) error {
	for i := range b.positions {
		if b.positions[i].Ticket == ticket {
			if sl != nil {
				b.positions[i].SL = *sl
			}
			if tp != nil {
				b.positions[i].TP = *tp
			}
			b.modifies = append(b.modifies, ticket)
			return nil
		}
	}
	return fmt.Errorf("position %d not found", ticket)
}

func (b *stubBroker) ClosePosition(ticket int64) (*types.OrderResult, error) {
	for i := range b.positions {
		if b.positions[i].Ticket == ticket {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			return &types.OrderResult{Ticket: ticket, Status: "filled"}, nil
		}
	}
	return &types.OrderResult{Status: "rejected", Reason: "not found"}, nil
}

func (b *stubBroker) Positions(filter types.PositionFilter) []types.Position {
	var out []types.Position
	for i := range b.positions {
		if filter.Matches(&b.positions[i]) {
			out = append(out, b.positions[i])
		}
	}
	return out
}

func (b *stubBroker) CurrentPrice(symbol string, side types.PriceSide) (float64, bool) {
	quote, ok := b.prices[symbol]
	if !ok {
		return 0, false
	}
	if side == types.PriceSideAsk {
		return quote.Ask, true
	}
	return quote.Bid, true
}

func (b *stubBroker) Candles(symbol string, tf types.Timeframe, count int) []types.Candle {
	bars := b.candles[symbol][tf]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars
}

func (b *stubBroker) UpdatePositions() {}

func (b *stubBroker) Account() types.Account { return b.account }

func (b *stubBroker) SymbolInfo(symbol string) types.SymbolInfo {
	if info, ok := b.info[symbol]; ok {
		return info
	}
	return types.DefaultSymbolInfo(symbol)
}

func (b *stubBroker) Now() time.Time { return b.now }

func (b *stubBroker) HasDataAt(symbol string) bool { return true }
