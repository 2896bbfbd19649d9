package linker

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aclements/go-moremath/stats"
)

// Counter collects statistics numbers across worker threads. Counters are
// cheap enough to leave enabled; they are only printed under -stats.
type Counter struct {
	Name  string
	value atomic.Int64
}

var (
	countersMu sync.Mutex
	counters   []*Counter
)

func NewCounter(name string) *Counter {
	c := &Counter{Name: name}
	countersMu.Lock()
	counters = append(counters, c)
	countersMu.Unlock()
	return c
}

func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Get() int64 {
	return c.value.Load()
}

type TimerRecord struct {
	Name     string
	Start    time.Time
	Duration time.Duration
	Depth    int
}

var (
	timersMu   sync.Mutex
	timers     []*TimerRecord
	timerDepth int
)

// Timer measures one pass. Usage: t := NewTimer("resolve"); defer t.Stop().
type Timer struct {
	rec *TimerRecord
}

func NewTimer(name string) *Timer {
	timersMu.Lock()
	rec := &TimerRecord{Name: name, Start: time.Now(), Depth: timerDepth}
	timers = append(timers, rec)
	timerDepth++
	timersMu.Unlock()
	return &Timer{rec: rec}
}

func (t *Timer) Stop() {
	timersMu.Lock()
	t.rec.Duration = time.Since(t.rec.Start)
	timerDepth--
	timersMu.Unlock()
}

// PrintStats dumps counters under -stats.
func PrintStats() {
	countersMu.Lock()
	defer countersMu.Unlock()
	sorted := append([]*Counter{}, counters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, c := range sorted {
		fmt.Fprintf(os.Stderr, "%-20s=%11d\n", c.Name, c.Get())
	}
}

// PrintPerf dumps the per-pass wall times under -perf, with a distribution
// summary of the pass durations.
func PrintPerf() {
	timersMu.Lock()
	defer timersMu.Unlock()

	sample := stats.Sample{}
	for _, rec := range timers {
		if rec.Depth == 0 {
			sample.Xs = append(sample.Xs, rec.Duration.Seconds())
		}
	}

	fmt.Fprintf(os.Stderr, "    Real  Name\n")
	for _, rec := range timers {
		for i := 0; i < rec.Depth; i++ {
			fmt.Fprintf(os.Stderr, "  ")
		}
		fmt.Fprintf(os.Stderr, "%8.3f  %s\n", rec.Duration.Seconds(), rec.Name)
	}
	if len(sample.Xs) > 0 {
		fmt.Fprintf(os.Stderr, "pass mean=%.4fs p95=%.4fs\n",
			sample.Mean(), sample.Quantile(0.95))
	}
}
