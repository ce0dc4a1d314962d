package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brainloop/cortexd/internal/stream"
	"github.com/brainloop/cortexd/pkg/signal"
)

// OverloadPolicy selects what happens to a tick whose assigned slot is
// still busy when it arrives.
type OverloadPolicy string

const (
	// PolicyQueue parks the tick in the slot's bounded mailbox; once the
	// mailbox is full, further ticks are dropped and counted. Raises
	// worst-case latency by up to QueueDepth output periods.
	PolicyQueue OverloadPolicy = "queue"

	// PolicyDrop gives each slot a single-entry mailbox: a busy slot loses
	// the tick immediately. Preserves bounded latency at the cost of
	// throughput — the trade-off this component exists to manage.
	PolicyDrop OverloadPolicy = "drop"
)

// IsValid reports whether p is a recognised overload policy.
func (p OverloadPolicy) IsValid() bool {
	return p == PolicyQueue || p == PolicyDrop
}

// Processor runs the decode pipeline on one window. Each worker slot owns
// its own Processor instance; the scheduler never shares one across slots
// because pipelines carry per-slot filter state.
type Processor interface {
	Process(w *signal.Window) (signal.DecodeResult, error)
}

// Extractor produces the window for a tick's end-timestamp, or a skip
// condition ([stream.ErrInsufficientData], [stream.ErrDesynchronized]).
type Extractor interface {
	Extract(end time.Time, seq uint64) (*signal.Window, error)
}

// Config describes one scheduler run.
type Config struct {
	// Workers is the number of slots N. Decode cycles are staggered by
	// Period across them, so N slots sustain one result per Period as long
	// as a single pipeline finishes within N×Period.
	Workers int

	// Period is the virtual decode clock's tick interval — the stride in
	// time. Tick k requests the window ending at Start + k·Period.
	Period time.Duration

	// Start anchors the first tick's end-timestamp. Zero means one period
	// after Run begins.
	Start time.Time

	// Policy selects the overload behaviour; defaults to PolicyDrop.
	Policy OverloadPolicy

	// QueueDepth bounds each slot's mailbox under PolicyQueue. Ignored
	// for PolicyDrop.
	QueueDepth int

	// DrainTimeout bounds how long Run waits for in-flight windows after
	// cancellation before abandoning them.
	DrainTimeout time.Duration
}

// PipelineFactory builds the Processor owned by one slot. It is invoked
// once per slot at construction time so every slot gets private state.
type PipelineFactory func(slot int) (Processor, error)

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Ticks    uint64 // ticks issued by the virtual decode clock
	Overruns uint64 // ticks dropped because the assigned slot was saturated
	Skips    uint64 // ticks skipped by the extractor (insufficient data / desync)
	Errors   uint64 // windows whose pipeline run failed
	Emitted  uint64 // results handed to the consumer
}

// Scheduler distributes decode ticks across worker slots and emits results
// in window-timestamp order. Construct with New, then call Run once.
type Scheduler struct {
	cfg     Config
	extract Extractor
	emit    func(signal.DecodeResult)
	slots   []*slot

	ticks    atomic.Uint64
	overruns atomic.Uint64
	skips    atomic.Uint64
	errs     atomic.Uint64
	emitted  atomic.Uint64

	// abandoned is set when the drain timed out; late outcomes from
	// abandoned slots are then dropped instead of emitted.
	abandoned atomic.Bool
}

// slot is one execution unit: a mailbox of pending ticks and the pipeline
// instance that owns this slot's filter state.
type slot struct {
	id      int
	mailbox chan tick
	proc    Processor
}

type tick struct {
	seq   uint64
	endAt time.Time
}

// New validates cfg, builds one pipeline per slot via factory, and returns
// a scheduler ready to Run. Factory errors are construction faults and
// abort the session.
func New(cfg Config, extract Extractor, factory PipelineFactory, emit func(signal.DecodeResult)) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("sched: worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("sched: period must be positive, got %v", cfg.Period)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDrop
	}
	if !cfg.Policy.IsValid() {
		return nil, fmt.Errorf("sched: unknown overload policy %q", cfg.Policy)
	}
	if cfg.Policy == PolicyQueue && cfg.QueueDepth <= 0 {
		return nil, fmt.Errorf("sched: queue policy needs a positive queue depth, got %d", cfg.QueueDepth)
	}
	if extract == nil || factory == nil || emit == nil {
		return nil, errors.New("sched: extractor, factory and emit are all required")
	}

	depth := 1
	if cfg.Policy == PolicyQueue {
		depth = cfg.QueueDepth
	}

	s := &Scheduler{cfg: cfg, extract: extract, emit: emit}
	for i := 0; i < cfg.Workers; i++ {
		proc, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("sched: build pipeline for slot %d: %w", i, err)
		}
		s.slots = append(s.slots, &slot{
			id:      i,
			mailbox: make(chan tick, depth),
			proc:    proc,
		})
	}
	return s, nil
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:    s.ticks.Load(),
		Overruns: s.overruns.Load(),
		Skips:    s.skips.Load(),
		Errors:   s.errs.Load(),
		Emitted:  s.emitted.Load(),
	}
}

// Run drives the virtual decode clock until ctx is cancelled, then drains.
// Cancellation is observed within one tick period; in-flight windows get
// DrainTimeout to finish before Run stops waiting for them.
//
// Run returns nil on a clean drain and an error when the drain timed out;
// abandoned slots finish their current window in the background, their late
// outcomes are discarded, and the collector winds down behind them.
//
// The emit callback runs on the collector goroutine and must not block for
// extended periods: a stalled consumer backpressures the slots.
func (s *Scheduler) Run(ctx context.Context) error {
	outcomes := make(chan outcome, len(s.slots)*2)

	var workers sync.WaitGroup
	for _, sl := range s.slots {
		workers.Add(1)
		go func(sl *slot) {
			defer workers.Done()
			s.runSlot(sl, outcomes)
		}(sl)
	}

	// Collector: re-orders outcomes by tick sequence and emits results.
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		s.collect(outcomes)
	}()

	s.tickLoop(ctx, outcomes)

	// Shutdown: stop feeding the slots, then wait for in-flight windows
	// within the drain budget.
	for _, sl := range s.slots {
		close(sl.mailbox)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()

	var drainErr error
	if s.cfg.DrainTimeout > 0 {
		select {
		case <-drained:
		case <-time.After(s.cfg.DrainTimeout):
			s.abandoned.Store(true)
			drainErr = fmt.Errorf("sched: drain timed out after %v, abandoning in-flight windows", s.cfg.DrainTimeout)
		}
	} else {
		<-drained
	}

	if drainErr == nil {
		// All slots are gone; release the collector.
		close(outcomes)
		<-collectorDone
		return nil
	}

	// Abandoned slots finish their current window in the background. Close
	// the outcome channel once the last of them exits so the collector does
	// not linger with them.
	go func() {
		<-drained
		close(outcomes)
	}()
	return drainErr
}

// tickLoop issues ticks round-robin until ctx is cancelled.
func (s *Scheduler) tickLoop(ctx context.Context, outcomes chan<- outcome) {
	start := s.cfg.Start
	if start.IsZero() {
		start = time.Now().Add(s.cfg.Period)
	}

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t := tick{seq: seq, endAt: start.Add(time.Duration(seq) * s.cfg.Period)}
		sl := s.slots[seq%uint64(len(s.slots))]
		s.ticks.Add(1)

		select {
		case sl.mailbox <- t:
		default:
			// Slot saturated: the tick is dropped, counted, and resolved
			// as a gap so emission ordering never stalls on it.
			s.overruns.Add(1)
			outcomes <- outcome{seq: seq}
		}
		seq++
	}
}

func (s *Scheduler) runSlot(sl *slot, outcomes chan<- outcome) {
	for t := range sl.mailbox {
		outcomes <- s.decodeTick(sl, t)
	}
}

// decodeTick resolves one tick on one slot.
func (s *Scheduler) decodeTick(sl *slot, t tick) outcome {
	w, err := s.extract.Extract(t.endAt, t.seq)
	switch {
	case errors.Is(err, stream.ErrInsufficientData), errors.Is(err, stream.ErrDesynchronized):
		s.skips.Add(1)
		return outcome{seq: t.seq}
	case err != nil:
		s.errs.Add(1)
		slog.Warn("window extraction failed", "slot", sl.id, "seq", t.seq, "err", err)
		return outcome{seq: t.seq}
	}

	res, err := sl.proc.Process(w)
	if err != nil {
		s.errs.Add(1)
		slog.Warn("pipeline run failed", "slot", sl.id, "seq", t.seq, "err", err)
		return outcome{seq: t.seq}
	}
	return outcome{seq: t.seq, result: res, ok: true}
}

// collect re-orders outcomes by sequence and emits results in order. A
// slower slot's earlier-sequence outcome always leaves before a faster
// slot's later one, regardless of completion order.
func (s *Scheduler) collect(outcomes <-chan outcome) {
	var pending outcomeHeap
	heap.Init(&pending)
	var next uint64

	for o := range outcomes {
		heap.Push(&pending, o)
		for pending.Len() > 0 && pending[0].seq == next {
			head := heap.Pop(&pending).(outcome)
			if head.ok && !s.abandoned.Load() {
				head.result.EmittedAt = time.Now()
				s.emitted.Add(1)
				s.emit(head.result)
			}
			next++
		}
	}
}
