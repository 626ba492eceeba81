package runtime

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/satb/internal/config"
	"github.com/rzbill/satb/internal/tracelog"
	logpkg "github.com/rzbill/satb/pkg/log"
)

func testConfig() cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.BufferCapacity = 8
	cfg.ProcessCompletedThreshold = 2
	cfg.Heap.SizeBytes = 1024 * 16
	cfg.Heap.Roots = 256
	cfg.Trace.RetainCycles = 2
	return cfg
}

func openRuntime(t *testing.T, mutate func(*cfgpkg.Config)) *Runtime {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := Open(Options{Config: cfg, Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NewNullOutput()))})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openRuntime(t, nil)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := rt.Attach("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("attach after close: %v", err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FilterExpr = "addr +"
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatalf("expected filter compile error")
	}
	cfg = testConfig()
	cfg.BufferCapacity = 0
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMarkingStateMachine(t *testing.T) {
	rt := openRuntime(t, nil)
	ctx := context.Background()
	if _, err := rt.FinishMarking(ctx); !errors.Is(err, ErrNotMarking) {
		t.Fatalf("finish without start: %v", err)
	}
	if err := rt.AbandonMarking(ctx); !errors.Is(err, ErrNotMarking) {
		t.Fatalf("abandon without start: %v", err)
	}
	cycle, err := rt.StartMarking(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.StartMarking(ctx); !errors.Is(err, ErrMarkingActive) {
		t.Fatalf("second start: %v", err)
	}
	if got, ok := rt.Marking(); !ok || got != cycle {
		t.Fatalf("Marking() = %s, %t", got, ok)
	}
	if _, err := rt.FinishMarking(ctx); err != nil {
		t.Fatal(err)
	}
	st := rt.Snapshot()
	if st.Marking || st.Stats.Started != 1 || st.Stats.Finished != 1 || st.Queues.Active {
		t.Fatalf("state after finish: %+v", st)
	}
}

func TestOverwrittenValuesAreMarked(t *testing.T) {
	rt := openRuntime(t, nil)
	ctx := context.Background()
	h := rt.Heap()
	th, err := rt.Attach("w")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		*h.Slot(i) = h.Object(i)
	}
	if _, err := rt.StartMarking(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		th.Store(h.Slot(i), h.Object(500+i))
	}
	if rt.QueueSet().CompletedCount() == 0 {
		t.Fatalf("expected completed buffers")
	}
	if n, err := rt.Drain(ctx); err != nil || n == 0 {
		t.Fatalf("drain: %d %v", n, err)
	}
	report, err := rt.FinishMarking(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if !h.IsMarked(h.Object(i)) {
			t.Fatalf("overwritten object %d not marked", i)
		}
		if h.IsMarked(h.Object(500 + i)) {
			t.Fatalf("new value %d should not be marked by the barrier", i)
		}
	}
	if report.Marked != 20 || report.EntriesVisited != 20 {
		t.Fatalf("report: %+v", report)
	}
}

func TestFinishMarkingWaitsForInFlightDrain(t *testing.T) {
	rt := openRuntime(t, func(c *cfgpkg.Config) {
		c.Trace.Enabled = true
		c.Trace.InMemory = true
	})
	ctx := context.Background()
	h := rt.Heap()
	th, err := rt.Attach("w")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		*h.Slot(i) = h.Object(i)
	}
	cycle, err := rt.StartMarking(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		th.Store(h.Slot(i), 0)
	}
	if rt.QueueSet().CompletedCount() == 0 {
		t.Fatalf("expected completed buffers")
	}

	popped := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rt.testHookDrainPopped = func() {
		once.Do(func() {
			close(popped)
			<-release
		})
	}
	drainDone := make(chan error, 1)
	go func() {
		_, err := rt.Drain(ctx)
		drainDone <- err
	}()
	<-popped

	finished := make(chan error, 1)
	go func() {
		_, err := rt.FinishMarking(ctx)
		finished <- err
	}()
	select {
	case err := <-finished:
		t.Fatalf("FinishMarking returned (%v) while a popped buffer was unmarked", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-finished; err != nil {
		t.Fatal(err)
	}
	if err := <-drainDone; err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		if !h.IsMarked(h.Object(i)) {
			t.Fatalf("overwritten object %d not marked", i)
		}
	}
	total := 0
	if err := rt.ReadCycle(cycle, func(b tracelog.Batch) bool {
		total += len(b.Entries)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if total != 16 {
		t.Fatalf("archived %d entries, want 16", total)
	}
	cycles, _ := rt.Cycles()
	if len(cycles) != 1 || !cycles[0].Finished || cycles[0].Entries != 16 {
		t.Fatalf("cycles: %+v", cycles)
	}
}

func TestAbandonWaitsForInFlightDrain(t *testing.T) {
	rt := openRuntime(t, func(c *cfgpkg.Config) {
		c.Trace.Enabled = true
		c.Trace.InMemory = true
	})
	ctx := context.Background()
	h := rt.Heap()
	th, _ := rt.Attach("w")
	for i := 0; i < 16; i++ {
		*h.Slot(i) = h.Object(i)
	}
	if _, err := rt.StartMarking(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		th.Store(h.Slot(i), 0)
	}
	popped := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rt.testHookDrainPopped = func() {
		once.Do(func() {
			close(popped)
			<-release
		})
	}
	go func() { _, _ = rt.Drain(ctx) }()
	<-popped
	abandoned := make(chan error, 1)
	go func() { abandoned <- rt.AbandonMarking(ctx) }()
	select {
	case <-abandoned:
		t.Fatalf("AbandonMarking returned while a popped buffer was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-abandoned; err != nil {
		t.Fatal(err)
	}
	if cycles, _ := rt.Cycles(); len(cycles) != 0 {
		t.Fatalf("abandoned cycle left in archive: %+v", cycles)
	}
}

func TestAbandonDropsEverything(t *testing.T) {
	rt := openRuntime(t, func(c *cfgpkg.Config) {
		c.Trace.Enabled = true
		c.Trace.InMemory = true
	})
	ctx := context.Background()
	h := rt.Heap()
	th, _ := rt.Attach("w")
	for i := 0; i < 30; i++ {
		*h.Slot(i) = h.Object(i)
	}
	cycle, _ := rt.StartMarking(ctx)
	for i := 0; i < 30; i++ {
		th.Store(h.Slot(i), 0)
	}
	if err := rt.AbandonMarking(ctx); err != nil {
		t.Fatal(err)
	}
	st := rt.Snapshot()
	if st.Queues.Completed != 0 || st.Queues.FreeBuffers != st.Queues.Allocated {
		t.Fatalf("buffers leaked: %+v", st.Queues)
	}
	for _, q := range st.Queues.Queues {
		if q.HasBuffer || q.Active {
			t.Fatalf("queue state after abandon: %+v", q)
		}
	}
	if h.MarkedCount() != 0 {
		t.Fatalf("abandoned entries were marked")
	}
	cycles, err := rt.Cycles()
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cycles {
		if c.ID == cycle {
			t.Fatalf("abandoned cycle still archived")
		}
	}
}

func TestTraceArchivesDrainedBuffers(t *testing.T) {
	rt := openRuntime(t, func(c *cfgpkg.Config) {
		c.Trace.Enabled = true
		c.Trace.InMemory = true
	})
	ctx := context.Background()
	h := rt.Heap()
	th, _ := rt.Attach("w")
	for i := 0; i < 12; i++ {
		*h.Slot(i) = h.Object(i)
	}
	cycle, _ := rt.StartMarking(ctx)
	for i := 0; i < 12; i++ {
		th.Store(h.Slot(i), 0)
	}
	archived := false
	rt.testHookRemarkArchive = func() {
		archived = true
		if rt.registry.AtSafepoint() {
			t.Errorf("remark buffers archived while mutators are stopped")
		}
	}
	if _, err := rt.FinishMarking(ctx); err != nil {
		t.Fatal(err)
	}
	if !archived {
		t.Fatalf("remark archive hook not reached")
	}
	kinds := map[tracelog.Kind]int{}
	total := 0
	if err := rt.ReadCycle(cycle, func(b tracelog.Batch) bool {
		kinds[b.Kind]++
		total += len(b.Entries)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if total != 12 || kinds[tracelog.KindCompleted] == 0 || kinds[tracelog.KindFinal] == 0 {
		t.Fatalf("archived %d entries, kinds %v", total, kinds)
	}
	cycles, _ := rt.Cycles()
	if len(cycles) != 1 || !cycles[0].Finished || cycles[0].Entries != 12 {
		t.Fatalf("cycles: %+v", cycles)
	}
}

func TestTraceDisabled(t *testing.T) {
	rt := openRuntime(t, nil)
	if _, err := rt.Cycles(); !errors.Is(err, ErrTraceDisabled) {
		t.Fatalf("expected ErrTraceDisabled, got %v", err)
	}
}

func TestProcessWakesOnThreshold(t *testing.T) {
	rt := openRuntime(t, nil)
	h := rt.Heap()
	th, _ := rt.Attach("w")
	for i := 0; i < 40; i++ {
		*h.Slot(i) = h.Object(i)
	}
	if _, err := rt.StartMarking(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 40; i++ {
		th.Store(h.Slot(i), 0)
	}
	if rt.QueueSet().CompletedCount() != 4 {
		t.Fatalf("completed: %d", rt.QueueSet().CompletedCount())
	}

	// The threshold crossing left a pending wakeup for the processor.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Process(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for rt.QueueSet().CompletedCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("processor did not drain: completed=%d", rt.QueueSet().CompletedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}
	if rt.wakeups.Load() == 0 {
		t.Fatalf("no wakeup recorded")
	}
	if _, err := rt.FinishMarking(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSimulateKeepsSnapshotMarked(t *testing.T) {
	rt := openRuntime(t, nil)
	for _, seed := range []uint64{1, 2, 3} {
		rep, err := rt.Simulate(context.Background(), SimOptions{
			Mutators:       4,
			Stores:         2000,
			Seed:           seed,
			NullEvery:      5,
			HousekeepEvery: 300,
		})
		if err != nil {
			t.Fatalf("seed %d: %v (%+v)", seed, err, rep)
		}
		if rep.Missing != 0 || rep.Roots == 0 || rep.RootsMarked != rep.Roots {
			t.Fatalf("seed %d: %+v", seed, rep)
		}
		if rep.Stores != 4*2000 {
			t.Fatalf("stores: %d", rep.Stores)
		}
	}
	if rt.Registry().Len() != 0 {
		t.Fatalf("simulation threads left attached")
	}
}

func TestSimulateValidates(t *testing.T) {
	rt := openRuntime(t, nil)
	if _, err := rt.Simulate(context.Background(), SimOptions{}); err == nil {
		t.Fatalf("expected error for zero mutators")
	}
}

func TestDumpAndLayout(t *testing.T) {
	rt := openRuntime(t, nil)
	if _, err := rt.Attach("dumped"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	rt.Dump(&buf, "test")
	if !strings.Contains(buf.String(), "dumped") {
		t.Fatalf("dump: %s", buf.String())
	}
	if rt.Layout().Version != 1 {
		t.Fatalf("layout version")
	}
}

func TestSetFilterExpr(t *testing.T) {
	rt := openRuntime(t, nil)
	if err := rt.SetFilterExpr("object > 3"); err != nil {
		t.Fatal(err)
	}
	if rt.Snapshot().Filter.Expr != "object > 3" {
		t.Fatalf("expression not visible in state")
	}
	if err := rt.SetFilterExpr("addr +"); err == nil {
		t.Fatalf("expected compile error")
	}
}
