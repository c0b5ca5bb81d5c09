package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"backsim/internal/candles"
	"backsim/internal/logging"
	"backsim/internal/timeline"
	"backsim/internal/types"
)

// SimConfig holds simulated broker construction parameters
type SimConfig struct {
	InitialBalance float64
	Currency       string
	SlippagePoints float64
	Leverage       float64
	// SLTPEvaluation labels the stop cadence of this run ("tick" or "bar");
	// it is echoed into results so a journal is never compared across
	// evaluation modes by accident
	SLTPEvaluation string
	// Granularity mirrors the run's clock granularity ("tick" or "minute")
	// and selects which source the data-presence checks consult
	Granularity string
	// Start is the simulation start; ticks before it only warm the candle
	// rollup and price state
	Start time.Time
	End   time.Time
	// Symbols overrides instrument parameters; missing symbols get 5-digit
	// FX defaults
	Symbols     map[string]types.SymbolInfo
	JournalPath string
}

// Sim is the simulated broker. It owns the position book, the current-price
// map and the account, and is the only component that advances the global
// simulated clock. All mutations happen under one mutex; reads are copy-out
// snapshots.
type Sim struct {
	mu sync.Mutex

	cfg      SimConfig
	timeline *timeline.Timeline
	store    *candles.Store
	journal  *Journal
	log      *logging.Logger

	now         time.Time
	prices      map[string]types.Tick
	positions   map[int64]*types.Position
	nextTicket  int64
	balance     float64
	closed      []types.ClosedTrade
	stepSymbols map[string]bool // symbols with data in the last advanced step

	minuteCursor time.Time
	minuteInit   bool
}

// NewSim creates a simulated broker over a tick timeline and candle store.
// A pre-existing position journal is discarded: there is no host broker to
// reconcile against in a backtest, and stale entries would poison duplicate
// checks.
func NewSim(cfg SimConfig, tl *timeline.Timeline, store *candles.Store) (*Sim, error) {
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be positive, got %v", cfg.InitialBalance)
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 100
	}

	s := &Sim{
		cfg:         cfg,
		timeline:    tl,
		store:       store,
		journal:     NewJournal(cfg.JournalPath),
		log:         logging.NewComponentLogger("broker"),
		prices:      make(map[string]types.Tick),
		positions:   make(map[int64]*types.Position),
		balance:     cfg.InitialBalance,
		stepSymbols: make(map[string]bool),
	}
	if persisted, err := s.journal.Load(); err != nil {
		return nil, err
	} else if len(persisted) > 0 {
		s.log.Warnf("Discarding %d persisted positions from a previous run", len(persisted))
	}
	if err := s.journal.Save(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Warmup consumes ticks earlier than the simulation start, feeding the price
// map and the candle rollup without evaluating stops. Returns the first
// in-range tick having already been applied, so the clock stands at the
// start of trading when Warmup returns.
func (s *Sim) Warmup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Start.IsZero() {
		return nil
	}
	for {
		tick, ok := s.timeline.Next()
		if !ok {
			return s.timeline.Err()
		}
		s.applyTickLocked(tick)
		if !tick.Time.Before(s.cfg.Start) {
			return nil
		}
	}
}

// AdvanceTick consumes the next tick from the timeline, installs it as the
// symbol's current quote, rolls the minute bar and evaluates stops for that
// symbol's open positions. Returns false on exhaustion or read error.
func (s *Sim) AdvanceTick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tick, ok := s.timeline.Next()
	if !ok {
		return false
	}
	if !s.cfg.End.IsZero() && tick.Time.After(s.cfg.End) {
		return false
	}
	s.applyTickLocked(tick)
	s.evaluateStopsOnTickLocked(tick)
	return true
}

func (s *Sim) applyTickLocked(tick types.Tick) {
	s.now = tick.Time
	s.prices[tick.Symbol] = tick
	s.store.Roll(tick)
	s.stepSymbols = map[string]bool{tick.Symbol: true}
	s.markToMarketLocked()
}

// AdvanceMinute advances the clock by one minute, installing each symbol's
// bar close as its quote and evaluating stops against the bar's high/low.
// Returns false when every symbol's bar data is exhausted.
func (s *Sim) AdvanceMinute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.minuteInit {
		s.minuteCursor = types.Timeframe1m.Truncate(s.cfg.Start)
		s.minuteInit = true
	} else {
		s.minuteCursor = s.minuteCursor.Add(time.Minute)
	}
	if !s.cfg.End.IsZero() && s.minuteCursor.After(s.cfg.End) {
		return false
	}
	if !s.anyBarAtOrAfterLocked(s.minuteCursor) {
		return false
	}

	s.now = s.minuteCursor.Add(time.Minute)
	s.stepSymbols = make(map[string]bool)
	for _, sym := range s.store.Symbols() {
		bar, ok := s.store.BarAt(sym, s.minuteCursor)
		if !ok {
			continue
		}
		s.stepSymbols[sym] = true
		s.prices[sym] = types.NewTick(sym, s.now, bar.Close, bar.Close, bar.Close, bar.Volume, 0)
		s.evaluateStopsOnBarLocked(sym, bar)
	}
	s.markToMarketLocked()
	return true
}

func (s *Sim) anyBarAtOrAfterLocked(minute time.Time) bool {
	for _, sym := range s.store.Symbols() {
		if last, ok := s.store.LastBarTime(sym); ok && !last.Before(minute) {
			return true
		}
	}
	return false
}

// HasDataAfter reports whether more data will ever arrive for the symbol.
// Workers use a false return to leave the barrier.
func (s *Sim) HasDataAfter(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Granularity == "minute" || s.minuteInit {
		cursor := s.minuteCursor
		if !s.minuteInit {
			cursor = types.Timeframe1m.Truncate(s.cfg.Start)
		}
		last, ok := s.store.LastBarTime(symbol)
		return ok && !last.Before(cursor)
	}
	return s.timeline.Remaining(symbol) || s.stepSymbols[symbol]
}

// Err returns the timeline error that aborted the run, if any
func (s *Sim) Err() error {
	return s.timeline.Err()
}

// Progress returns delivered and total tick counts for reporting
func (s *Sim) Progress() (delivered, total int) {
	return s.timeline.Delivered(), s.timeline.Total()
}

// PlaceMarketOrder implements Broker
func (s *Sim) PlaceMarketOrder(req types.OrderRequest) (*types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.symbolInfoLocked(req.Symbol)
	if !info.TradeAllowed {
		return reject("trade disabled for " + req.Symbol), nil
	}
	if req.Volume < info.MinLot || req.Volume > info.MaxLot {
		return reject(fmt.Sprintf("volume %v outside [%v, %v]", req.Volume, info.MinLot, info.MaxLot)), nil
	}
	quote, ok := s.prices[req.Symbol]
	if !ok {
		return reject("no quote yet for " + req.Symbol), nil
	}

	var fill float64
	if req.Side == types.PositionTypeBuy {
		fill = quote.Ask + s.cfg.SlippagePoints*info.Point
	} else {
		fill = quote.Bid - s.cfg.SlippagePoints*info.Point
	}

	if req.SL > 0 {
		if req.Side == types.PositionTypeBuy && req.SL >= fill {
			return reject(fmt.Sprintf("buy SL %v not below entry %v", req.SL, fill)), nil
		}
		if req.Side == types.PositionTypeSell && req.SL <= fill {
			return reject(fmt.Sprintf("sell SL %v not above entry %v", req.SL, fill)), nil
		}
	}
	if tag := types.ParseComment(req.Comment).Strategy; tag != "" {
		if s.hasDuplicateLocked(req.Symbol, req.Side, tag) {
			return reject(fmt.Sprintf("duplicate %s %s position for strategy %s", req.Symbol, req.Side, tag)), nil
		}
	}

	s.nextTicket++
	pos := &types.Position{
		Ticket:       s.nextTicket,
		Symbol:       req.Symbol,
		Type:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    fill,
		OpenTime:     s.now,
		SL:           req.SL,
		TP:           req.TP,
		CurrentPrice: fill,
		MagicNumber:  req.Magic,
		Comment:      req.Comment,
	}
	s.positions[pos.Ticket] = pos
	if err := s.journal.Save(s.snapshotLocked(types.PositionFilter{})); err != nil {
		delete(s.positions, pos.Ticket)
		return nil, err
	}
	s.log.LogTrade(req.Symbol, string(req.Side), req.Volume, fill, req.SL, req.TP, req.Comment)
	return &types.OrderResult{Ticket: pos.Ticket, Price: fill, Status: "filled"}, nil
}

func reject(reason string) *types.OrderResult {
	return &types.OrderResult{Status: "rejected", Reason: reason}
}

// hasDuplicateLocked checks the union of the live book and the persisted
// journal, in case a previous process died between opening and journaling
func (s *Sim) hasDuplicateLocked(symbol string, side types.PositionType, tag string) bool {
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Type == side && types.ParseComment(p.Comment).Strategy == tag {
			return true
		}
	}
	for _, p := range s.journal.Positions() {
		if _, live := s.positions[p.Ticket]; live {
			continue
		}
		if p.Symbol == symbol && p.Type == side && types.ParseComment(p.Comment).Strategy == tag {
			return true
		}
	}
	return false
}

// ModifyPosition implements Broker
func (s *Sim) ModifyPosition(ticket int64, sl, tp *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("position %d not found", ticket)
	}
	if sl != nil && *sl > 0 {
		quote, ok := s.prices[pos.Symbol]
		if ok {
			if pos.Type == types.PositionTypeBuy && *sl >= quote.Bid {
				return fmt.Errorf("buy SL %v not below bid %v", *sl, quote.Bid)
			}
			if pos.Type == types.PositionTypeSell && *sl <= quote.Ask {
				return fmt.Errorf("sell SL %v not above ask %v", *sl, quote.Ask)
			}
		}
	}
	if sl != nil {
		pos.SL = *sl
	}
	if tp != nil {
		pos.TP = *tp
	}
	return s.journal.Save(s.snapshotLocked(types.PositionFilter{}))
}

// ClosePosition implements Broker
func (s *Sim) ClosePosition(ticket int64) (*types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[ticket]
	if !ok {
		return reject(fmt.Sprintf("position %d not found", ticket)), nil
	}
	quote, ok := s.prices[pos.Symbol]
	if !ok {
		return reject("no quote for " + pos.Symbol), nil
	}
	// A BUY closes by selling at bid, a SELL by buying at ask
	price := quote.Bid
	if pos.Type == types.PositionTypeSell {
		price = quote.Ask
	}
	if err := s.closeLocked(pos, price, "manual"); err != nil {
		return nil, err
	}
	return &types.OrderResult{Ticket: ticket, Price: price, Status: "filled"}, nil
}

// closeLocked realizes the position at the given price, appends the closed
// trade and journals the shrunken book before returning
func (s *Sim) closeLocked(pos *types.Position, price float64, reason string) error {
	info := s.symbolInfoLocked(pos.Symbol)
	rawProfit := (price - pos.OpenPrice) * pos.Type.DirectionSign() * pos.Volume * info.ContractSize
	profit, currency := s.convertLocked(rawProfit, info.CurrencyProfit)

	trade := types.ClosedTrade{
		Ticket:         pos.Ticket,
		Symbol:         pos.Symbol,
		Type:           pos.Type,
		Volume:         pos.Volume,
		OpenPrice:      pos.OpenPrice,
		ClosePrice:     price,
		OpenTime:       pos.OpenTime,
		CloseTime:      s.now,
		Profit:         profit,
		ProfitCurrency: currency,
		Comment:        pos.Comment,
	}
	delete(s.positions, pos.Ticket)
	s.closed = append(s.closed, trade)
	if currency == s.cfg.Currency {
		s.balance += profit
	}
	if err := s.journal.Save(s.snapshotLocked(types.PositionFilter{})); err != nil {
		return err
	}
	s.log.LogPositionClosed(pos.Ticket, pos.Symbol, profit, reason)
	return nil
}

// convertLocked converts an amount in the quote currency to the account
// currency using the current-price state. When no cross-rate is available
// the amount comes back unconverted with its own currency, never silently
// rescaled.
func (s *Sim) convertLocked(amount float64, quoteCurrency string) (float64, string) {
	account := s.cfg.Currency
	if quoteCurrency == "" || quoteCurrency == account {
		return amount, account
	}
	if quote, ok := s.prices[quoteCurrency+account]; ok && quote.Bid > 0 {
		return amount * quote.Bid, account
	}
	if quote, ok := s.prices[account+quoteCurrency]; ok && quote.Bid > 0 {
		return amount / quote.Bid, account
	}
	return amount, quoteCurrency
}

// evaluateStopsOnTickLocked checks SL/TP for open positions on the tick's
// symbol. A hit closes at the stop level itself. When both would trigger on
// the same quote, SL wins.
func (s *Sim) evaluateStopsOnTickLocked(tick types.Tick) {
	for _, pos := range s.sortedPositionsLocked() {
		if pos.Symbol != tick.Symbol {
			continue
		}
		if pos.Type == types.PositionTypeBuy {
			switch {
			case pos.SL > 0 && tick.Bid <= pos.SL:
				s.forceCloseLocked(pos, pos.SL, "sl")
			case pos.TP > 0 && tick.Bid >= pos.TP:
				s.forceCloseLocked(pos, pos.TP, "tp")
			}
		} else {
			switch {
			case pos.SL > 0 && tick.Ask >= pos.SL:
				s.forceCloseLocked(pos, pos.SL, "sl")
			case pos.TP > 0 && tick.Ask <= pos.TP:
				s.forceCloseLocked(pos, pos.TP, "tp")
			}
		}
	}
}

// evaluateStopsOnBarLocked resolves stop hits inside a minute bar using its
// high/low against the stop level. SL precedence when both levels fall
// inside the bar's range.
func (s *Sim) evaluateStopsOnBarLocked(symbol string, bar types.Candle) {
	for _, pos := range s.sortedPositionsLocked() {
		if pos.Symbol != symbol {
			continue
		}
		if pos.Type == types.PositionTypeBuy {
			switch {
			case pos.SL > 0 && bar.Low <= pos.SL:
				s.forceCloseLocked(pos, pos.SL, "sl")
			case pos.TP > 0 && bar.High >= pos.TP:
				s.forceCloseLocked(pos, pos.TP, "tp")
			}
		} else {
			switch {
			case pos.SL > 0 && bar.High >= pos.SL:
				s.forceCloseLocked(pos, pos.SL, "sl")
			case pos.TP > 0 && bar.Low <= pos.TP:
				s.forceCloseLocked(pos, pos.TP, "tp")
			}
		}
	}
}

func (s *Sim) forceCloseLocked(pos *types.Position, price float64, reason string) {
	if err := s.closeLocked(pos, price, reason); err != nil {
		s.log.Errorf("Failed to journal close of ticket %d: %v", pos.Ticket, err)
	}
}

// sortedPositionsLocked returns open positions in ticket order so stop
// evaluation visits them in a reproducible sequence
func (s *Sim) sortedPositionsLocked() []*types.Position {
	out := make([]*types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// markToMarketLocked recomputes profit for all open positions at current
// quotes. A BUY marks at bid, a SELL at ask.
func (s *Sim) markToMarketLocked() {
	for _, pos := range s.positions {
		quote, ok := s.prices[pos.Symbol]
		if !ok {
			continue
		}
		price := quote.Bid
		if pos.Type == types.PositionTypeSell {
			price = quote.Ask
		}
		pos.CurrentPrice = price
		info := s.symbolInfoLocked(pos.Symbol)
		raw := (price - pos.OpenPrice) * pos.Type.DirectionSign() * pos.Volume * info.ContractSize
		converted, currency := s.convertLocked(raw, info.CurrencyProfit)
		if currency == s.cfg.Currency {
			pos.Profit = converted
		} else {
			pos.Profit = raw
		}
	}
}

// UpdatePositions implements Broker
func (s *Sim) UpdatePositions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markToMarketLocked()
}

// Positions implements Broker
func (s *Sim) Positions(filter types.PositionFilter) []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(filter)
}

func (s *Sim) snapshotLocked(filter types.PositionFilter) []types.Position {
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.sortedPositionsLocked() {
		if filter.Matches(p) {
			out = append(out, *p)
		}
	}
	return out
}

// ClosedTrades returns the append-only closed trade journal
func (s *Sim) ClosedTrades() []types.ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ClosedTrade, len(s.closed))
	copy(out, s.closed)
	return out
}

// CurrentPrice implements Broker
func (s *Sim) CurrentPrice(symbol string, side types.PriceSide) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, ok := s.prices[symbol]
	if !ok {
		return 0, false
	}
	if side == types.PriceSideAsk {
		return quote.Ask, true
	}
	return quote.Bid, true
}

// Candles implements Broker; lookups are clamped to simulated-now
func (s *Sim) Candles(symbol string, tf types.Timeframe, count int) []types.Candle {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return s.store.Candles(symbol, tf, count, now)
}

// Account implements Broker
func (s *Sim) Account() types.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	floating := 0.0
	margin := 0.0
	for _, pos := range s.positions {
		floating += pos.Profit
		margin += s.marginLocked(pos)
	}
	equity := s.balance + floating
	return types.Account{
		Balance:     s.balance,
		Equity:      equity,
		FreeMargin:  equity - margin,
		FloatingPnL: floating,
		Currency:    s.cfg.Currency,
	}
}

// marginLocked approximates required margin as notional over leverage,
// converted from quote to account currency
func (s *Sim) marginLocked(pos *types.Position) float64 {
	info := s.symbolInfoLocked(pos.Symbol)
	notional := pos.Volume * info.ContractSize * pos.OpenPrice
	converted, currency := s.convertLocked(notional, info.CurrencyProfit)
	if currency != s.cfg.Currency {
		converted = notional
	}
	return converted / s.cfg.Leverage
}

// SymbolInfo implements Broker
func (s *Sim) SymbolInfo(symbol string) types.SymbolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbolInfoLocked(symbol)
}

func (s *Sim) symbolInfoLocked(symbol string) types.SymbolInfo {
	if info, ok := s.cfg.Symbols[symbol]; ok {
		if info.Name == "" {
			info.Name = symbol
		}
		return info
	}
	return types.DefaultSymbolInfo(symbol)
}

// Now implements Broker
func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// HasDataAt implements Broker
func (s *Sim) HasDataAt(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepSymbols[symbol]
}

// SLTPEvaluation returns the configured stop evaluation cadence label
func (s *Sim) SLTPEvaluation() string {
	return s.cfg.SLTPEvaluation
}
