package timeline

import (
	"container/heap"
	"sort"
	"time"

	"backsim/internal/types"
)

// Timeline merges per-symbol tick streams into one chronologically ordered
// lazy sequence. The heap holds at most one pending tick per symbol; ties on
// time are broken by symbol name ascending so re-runs over the same files
// always produce the same order. The sequence is finite and non-restartable.
type Timeline struct {
	streams   []*symbolStream
	h         tickHeap
	total     int
	delivered int
	err       error
	done      bool
}

// Config holds timeline construction parameters
type Config struct {
	// Sources maps each symbol to its tick files in day order
	Sources map[string][]string
	// Start and End bound the delivered ticks; zero values mean unbounded
	Start time.Time
	End   time.Time
	// ChunkSize is rows resident per symbol, DefaultChunkSize when 0
	ChunkSize int
}

// New builds a timeline. The construction pass counts in-range rows across
// all files so Total is known before the first Next call; a read error in any
// file fails construction rather than delivering a partial timeline.
func New(cfg Config) (*Timeline, error) {
	symbols := make([]string, 0, len(cfg.Sources))
	for sym := range cfg.Sources {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	tl := &Timeline{}
	for _, sym := range symbols {
		s := newSymbolStream(sym, cfg.Sources[sym], cfg.Start, cfg.End, cfg.ChunkSize)
		n, err := s.countRows()
		if err != nil {
			return nil, err
		}
		tl.total += n
		tl.streams = append(tl.streams, s)
	}

	// Prime the heap with each symbol's earliest tick. Empty streams are
	// simply never entered.
	for _, s := range tl.streams {
		t, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if ok {
			tl.h = append(tl.h, heapEntry{tick: t, stream: s})
		}
	}
	heap.Init(&tl.h)
	return tl, nil
}

// Next yields the earliest pending tick. The bool is false when the timeline
// is exhausted or a read error occurred; check Err to distinguish.
func (tl *Timeline) Next() (types.Tick, bool) {
	if tl.done || tl.err != nil || tl.h.Len() == 0 {
		tl.done = true
		return types.Tick{}, false
	}
	entry := tl.h[0]
	next, ok, err := entry.stream.next()
	if err != nil {
		// A failed read aborts the stream; partial delivery past this
		// point would not be reproducible
		tl.err = err
		tl.done = true
		return types.Tick{}, false
	}
	if ok {
		tl.h[0] = heapEntry{tick: next, stream: entry.stream}
		heap.Fix(&tl.h, 0)
	} else {
		heap.Pop(&tl.h)
	}
	tl.delivered++
	return entry.tick, true
}

// Err returns the error that aborted the timeline, if any
func (tl *Timeline) Err() error {
	return tl.err
}

// Total returns the number of in-range ticks across all sources
func (tl *Timeline) Total() int {
	return tl.total
}

// Delivered returns how many ticks Next has yielded so far
func (tl *Timeline) Delivered() int {
	return tl.delivered
}

// Remaining reports whether the given symbol still has pending ticks
func (tl *Timeline) Remaining(symbol string) bool {
	for _, e := range tl.h {
		if e.tick.Symbol == symbol {
			return true
		}
	}
	return false
}

type heapEntry struct {
	tick   types.Tick
	stream *symbolStream
}

type tickHeap []heapEntry

func (h tickHeap) Len() int           { return len(h) }
func (h tickHeap) Less(i, j int) bool { return h[i].tick.Before(h[j].tick) }
func (h tickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *tickHeap) Push(x interface{}) {
	*h = append(*h, x.(heapEntry))
}

func (h *tickHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
