package runtime

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/satb/internal/mutator"
	"github.com/rzbill/satb/pkg/id"
	logpkg "github.com/rzbill/satb/pkg/log"
)

// SimOptions configures Simulate.
type SimOptions struct {
	// Mutators is the number of concurrent mutator goroutines.
	Mutators int `json:"mutators"`
	// Stores is the number of slot overwrites per mutator.
	Stores int `json:"stores"`
	// Seed makes slot and value choices reproducible.
	Seed uint64 `json:"seed"`
	// NullEvery makes roughly one in NullEvery stored values null. Zero
	// stores no nulls.
	NullEvery int `json:"nullEvery"`
	// HousekeepEvery runs Housekeep after every HousekeepEvery stores of
	// mutator 0. Zero disables it.
	HousekeepEvery int `json:"housekeepEvery"`
}

// SimReport is the outcome of one simulated cycle.
type SimReport struct {
	Cycle       id.ID       `json:"cycle"`
	Stores      uint64      `json:"stores"`
	Roots       int         `json:"roots"`
	RootsMarked int         `json:"rootsMarked"`
	Missing     int         `json:"missing"`
	Wakeups     uint64      `json:"wakeups"`
	Report      CycleReport `json:"report"`
	Filter      FilterState `json:"filter"`
}

// Simulate runs one marking cycle with opts.Mutators goroutines overwriting
// random root slots while a concurrent scan and a background processor run.
// It then checks that every object referenced from a root when marking
// started ended up marked, returning ErrInvariantBroken otherwise.
func (r *Runtime) Simulate(ctx context.Context, opts SimOptions) (SimReport, error) {
	if opts.Mutators <= 0 || opts.Stores < 0 {
		return SimReport{}, fmt.Errorf("runtime: simulate needs mutators > 0 and stores >= 0")
	}
	if r.heap.Slots() == 0 {
		return SimReport{}, fmt.Errorf("runtime: simulate needs heap roots")
	}
	if !r.simulating.TryLock() {
		return SimReport{}, ErrMarkingActive
	}
	defer r.simulating.Unlock()
	if _, marking := r.Marking(); marking {
		return SimReport{}, ErrMarkingActive
	}
	rng := rand.New(rand.NewPCG(opts.Seed, 0x5a7b))
	r.heap.Populate(rng, opts.NullEvery)
	snapshot := r.heap.SnapshotRoots()

	threads := make([]*mutator.Thread, opts.Mutators)
	for i := range threads {
		th, err := r.Attach(fmt.Sprintf("sim-%d", i))
		if err != nil {
			return SimReport{}, err
		}
		threads[i] = th
	}
	defer func() {
		for _, th := range threads {
			_ = r.Detach(th)
		}
	}()

	cycle, err := r.StartMarking(ctx)
	if err != nil {
		return SimReport{}, err
	}
	procCtx, stopProc := context.WithCancel(ctx)
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		_ = r.Process(procCtx)
	}()
	wakeupsBefore := r.wakeups.Load()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := r.ScanRoots(gctx)
		return err
	})
	for i, th := range threads {
		g.Go(func() error {
			return r.mutate(gctx, th, i, opts)
		})
	}
	err = g.Wait()
	stopProc()
	<-procDone
	if err != nil {
		_ = r.AbandonMarking(context.Background())
		return SimReport{Cycle: cycle}, err
	}

	report, err := r.FinishMarking(ctx)
	if err != nil {
		return SimReport{Cycle: cycle}, err
	}
	sim := SimReport{
		Cycle:   cycle,
		Report:  report,
		Wakeups: r.wakeups.Load() - wakeupsBefore,
		Filter:  filterState(r.policy),
	}
	for _, th := range threads {
		sim.Stores += th.Stores()
	}
	for _, v := range snapshot {
		if v == 0 {
			continue
		}
		sim.Roots++
		if r.heap.IsMarked(v) {
			sim.RootsMarked++
		} else {
			sim.Missing++
		}
	}
	r.logger.Info("simulation finished",
		logpkg.Str("cycle", cycle.String()),
		logpkg.Uint64("stores", sim.Stores),
		logpkg.Int("roots", sim.Roots),
		logpkg.Int("missing", sim.Missing))
	if sim.Missing > 0 {
		return sim, fmt.Errorf("%w: %d of %d", ErrInvariantBroken, sim.Missing, sim.Roots)
	}
	return sim, nil
}

func (r *Runtime) mutate(ctx context.Context, th *mutator.Thread, worker int, opts SimOptions) error {
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(worker)+1))
	for n := 1; n <= opts.Stores; n++ {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var v uintptr
		if opts.NullEvery <= 0 || rng.IntN(opts.NullEvery) != 0 {
			v = r.heap.RandomObject(rng)
		}
		th.Store(r.heap.Slot(rng.IntN(r.heap.Slots())), v)
		if worker == 0 && opts.HousekeepEvery > 0 && n%opts.HousekeepEvery == 0 {
			r.Housekeep()
		}
	}
	return nil
}
