package timectrl

import (
	"sort"
	"sync"
	"time"

	"backsim/internal/logging"
)

// Granularity selects how the clock advances each barrier cycle
type Granularity string

const (
	GranularityTick   Granularity = "tick"
	GranularityMinute Granularity = "minute"
)

// Mode selects the wall-clock pacing of the simulation
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeFast     Mode = "fast"
	ModeMaxSpeed Mode = "max_speed"
)

// Delay returns the wall-clock delay applied before each advance
func (m Mode) Delay() time.Duration {
	switch m {
	case ModeRealtime:
		return time.Second
	case ModeFast:
		return 100 * time.Millisecond
	}
	return 0
}

// Advancer advances the simulated clock by one step. Both methods return
// false on data exhaustion.
type Advancer interface {
	AdvanceTick() bool
	AdvanceMinute() bool
}

// Controller is a coordinator-based barrier synchronizing N participants
// over the simulated clock. All participants call WaitForNextStep at the end
// of each step; exactly one of them, the coordinator, performs the time
// advance for the cycle. The advance_needed flag plus the generation check
// close the window where two participants could both believe they should
// advance.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *logging.Logger

	advancer    Advancer
	granularity Granularity
	delay       time.Duration

	generation    uint64
	arrivals      int
	participants  map[string]bool
	coordinator   string
	advanceNeeded bool
	running       bool
	paused        bool
}

// NewController creates a barrier over the given advancer
func NewController(advancer Advancer, granularity Granularity, mode Mode) *Controller {
	c := &Controller{
		log:          logging.NewComponentLogger("timectrl"),
		advancer:     advancer,
		granularity:  granularity,
		delay:        mode.Delay(),
		participants: make(map[string]bool),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AddParticipant registers a barrier participant before Start
func (c *Controller) AddParticipant(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[id] = true
}

// SetCoordinator designates the participant responsible for advancing time
func (c *Controller) SetCoordinator(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinator = id
}

// Start arms the barrier
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
}

// Stop releases every waiter; all in-flight and future WaitForNextStep calls
// return false
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.cond.Broadcast()
}

// Pause holds the coordinator before its next advance. Participants stay
// blocked at the barrier until Resume.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume releases a paused barrier
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// Generation returns the current barrier generation
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Participants returns the current participant count
func (c *Controller) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// WaitForNextStep blocks until one time step has been consumed globally.
// Returns false when the controller has stopped or the data is exhausted;
// the caller should remove itself and exit.
func (c *Controller) WaitForNextStep(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}
	gen := c.generation
	c.arrivals++
	if c.arrivals == len(c.participants) {
		c.advanceNeeded = true
		c.arrivals = 0
		c.cond.Broadcast()
	}
	for c.running && c.generation == gen {
		if id == c.coordinator && c.advanceNeeded && !c.paused {
			c.advanceCycleLocked(gen)
			break
		}
		c.cond.Wait()
	}
	return c.running
}

// RemoveParticipant withdraws a departing worker. If the departure completes
// an in-flight cycle, the removing caller performs the coordinator's
// advancement work itself; otherwise the remaining participants would wait
// forever for an arrival that never comes.
func (c *Controller) RemoveParticipant(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.participants[id] {
		return
	}
	delete(c.participants, id)
	c.log.LogBarrier("departure", id, c.generation, len(c.participants))

	if id == c.coordinator && len(c.participants) > 0 {
		remaining := make([]string, 0, len(c.participants))
		for p := range c.participants {
			remaining = append(remaining, p)
		}
		sort.Strings(remaining)
		c.coordinator = remaining[0]
		c.log.LogBarrier("coordinator_handoff", c.coordinator, c.generation, len(c.participants))
	}

	if len(c.participants) == 0 {
		c.running = false
		c.cond.Broadcast()
		return
	}
	if c.running && c.arrivals == len(c.participants) {
		c.advanceNeeded = true
		c.arrivals = 0
		c.advanceCycleLocked(c.generation)
	}
}

// advanceCycleLocked performs one time advance. The lock is dropped around
// the broker call; the generation check on reentry keeps a concurrent
// removal from double-advancing the same cycle.
func (c *Controller) advanceCycleLocked(gen uint64) {
	if c.generation != gen || !c.advanceNeeded {
		return
	}
	c.advanceNeeded = false
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	var ok bool
	if c.granularity == GranularityMinute {
		ok = c.advancer.AdvanceMinute()
	} else {
		ok = c.advancer.AdvanceTick()
	}

	c.mu.Lock()
	c.generation++
	if !ok {
		c.running = false
	}
	c.cond.Broadcast()
}
