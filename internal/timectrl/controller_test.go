package timectrl

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAdvancer counts advances and exhausts after a fixed number of steps
type fakeAdvancer struct {
	steps int64
	limit int64
}

func (f *fakeAdvancer) AdvanceTick() bool {
	return atomic.AddInt64(&f.steps, 1) <= f.limit
}

func (f *fakeAdvancer) AdvanceMinute() bool {
	return f.AdvanceTick()
}

func (f *fakeAdvancer) count() int64 {
	return atomic.LoadInt64(&f.steps)
}

func TestBarrier_OneAdvancePerCycle(t *testing.T) {
	adv := &fakeAdvancer{limit: 50}
	c := NewController(adv, GranularityTick, ModeMaxSpeed)
	ids := []string{"EURUSD", "GBPUSD", "monitor"}
	for _, id := range ids {
		c.AddParticipant(id)
	}
	c.SetCoordinator("monitor")
	c.Start()

	var wg sync.WaitGroup
	cycles := make([]int, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for c.WaitForNextStep(id) {
				cycles[i]++
			}
		}(i, id)
	}
	wg.Wait()

	if got := adv.count(); got != 51 {
		t.Errorf("advancer called %d times, want 51 (50 steps + exhaustion probe)", got)
	}
	if gen := c.Generation(); gen != 51 {
		t.Errorf("generation = %d, want 51", gen)
	}
	// Every participant observed every completed step
	for i, n := range cycles {
		if n != 50 {
			t.Errorf("participant %s saw %d cycles, want 50", ids[i], n)
		}
	}
}

func TestBarrier_ParticipantRemovalCompletesCycle(t *testing.T) {
	adv := &fakeAdvancer{limit: 10}
	c := NewController(adv, GranularityTick, ModeMaxSpeed)
	c.AddParticipant("stayer")
	c.AddParticipant("leaver")
	c.SetCoordinator("stayer")
	c.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The stayer arrives first; the barrier holds at 1 of 2
		c.WaitForNextStep("stayer")
	}()

	// Give the stayer time to arrive, then depart instead of arriving.
	// The removal must complete the cycle or the stayer waits forever.
	time.Sleep(50 * time.Millisecond)
	c.RemoveParticipant("leaver")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier deadlocked after participant removal")
	}
	if adv.count() == 0 {
		t.Error("removal did not perform the pending advance")
	}
	if c.Participants() != 1 {
		t.Errorf("participants = %d, want 1", c.Participants())
	}
}

func TestBarrier_CoordinatorDepartureHandsOff(t *testing.T) {
	adv := &fakeAdvancer{limit: 100}
	c := NewController(adv, GranularityTick, ModeMaxSpeed)
	c.AddParticipant("aaa")
	c.AddParticipant("coordinator")
	c.SetCoordinator("coordinator")
	c.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5 && c.WaitForNextStep("aaa"); i++ {
		}
	}()

	time.Sleep(50 * time.Millisecond)
	c.RemoveParticipant("coordinator")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("time stopped advancing after coordinator departure")
	}
	c.Stop()
}

func TestBarrier_StopReleasesWaiters(t *testing.T) {
	adv := &fakeAdvancer{limit: 1000}
	c := NewController(adv, GranularityTick, ModeMaxSpeed)
	c.AddParticipant("a")
	c.AddParticipant("b")
	c.SetCoordinator("a")
	c.Start()

	done := make(chan bool, 1)
	go func() {
		// Only one of two participants arrives, so the barrier holds
		done <- c.WaitForNextStep("b")
	}()

	time.Sleep(50 * time.Millisecond)
	c.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Error("WaitForNextStep returned true after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not release the waiter")
	}
}

func TestBarrier_ExhaustionStopsAllParticipants(t *testing.T) {
	adv := &fakeAdvancer{limit: 3}
	c := NewController(adv, GranularityTick, ModeMaxSpeed)
	c.AddParticipant("worker")
	c.SetCoordinator("worker")
	c.Start()

	n := 0
	for c.WaitForNextStep("worker") {
		n++
	}
	if n != 3 {
		t.Errorf("completed %d steps, want 3", n)
	}
}

func TestBarrier_LastParticipantRemovalStops(t *testing.T) {
	adv := &fakeAdvancer{limit: 10}
	c := NewController(adv, GranularityTick, ModeMaxSpeed)
	c.AddParticipant("only")
	c.SetCoordinator("only")
	c.Start()

	c.RemoveParticipant("only")
	if c.WaitForNextStep("only") {
		t.Error("barrier still running with zero participants")
	}
}

func TestMode_Delays(t *testing.T) {
	if ModeRealtime.Delay() != time.Second {
		t.Error("realtime delay")
	}
	if ModeFast.Delay() != 100*time.Millisecond {
		t.Error("fast delay")
	}
	if ModeMaxSpeed.Delay() != 0 {
		t.Error("max_speed delay")
	}
}
