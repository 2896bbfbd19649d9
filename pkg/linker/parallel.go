package linker

import (
	"runtime"

	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"
)

// NumJobs is the fork-join width for every pipeline pass. MOLD_JOBS
// overrides the GOMAXPROCS default.
func NumJobs() int {
	if n := env.Int("MOLD_JOBS", 0); n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// ParallelForEach runs fn over items on the worker pool and waits for all
// of them. Tasks must not perform blocking I/O; shared state is touched
// only through atomics or per-record mutexes.
func ParallelForEach[T any](items []T, fn func(T)) {
	g := &errgroup.Group{}
	g.SetLimit(NumJobs())
	for _, item := range items {
		item := item
		g.Go(func() error {
			fn(item)
			return nil
		})
	}
	g.Wait()
}

// ParallelFor runs fn for each index in [begin, end).
func ParallelFor(begin, end int, fn func(int)) {
	g := &errgroup.Group{}
	g.SetLimit(NumJobs())
	for i := begin; i < end; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	g.Wait()
}
