package strategy

// Strategy is the contract every trading strategy implements. The engine
// calls OnTick once per time step while the owning symbol has data; order
// placement happens inside OnTick through the strategy's broker handle.
type Strategy interface {
	// Initialize is called once before any ticks. A false return keeps the
	// strategy out of the run.
	Initialize() bool

	// OnTick runs one decision cycle. It must not block.
	OnTick()

	// OnPositionClosed is called after a position attributed to this
	// strategy closes, by stop hit or explicit close.
	OnPositionClosed(symbol string, profit, volume float64, comment string)

	// Status returns an arbitrary status record for reporting
	Status() map[string]interface{}

	// Shutdown is called once at the end of the run
	Shutdown()

	// Name identifies the strategy in logs and position comments
	Name() string

	// Symbol returns the symbol this instance trades
	Symbol() string
}
