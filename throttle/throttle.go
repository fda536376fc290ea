// Package throttle bounds the average CPU share of a child process.
//
// A Throttle attaches to a live process id (typically the sandboxed formula
// interpreter serving a document), samples its cumulative CPU time, and when
// the moving-average CPU rate exceeds the target, duty-cycles the process:
// suspend for a computed "off" interval proportional to the overage, then
// resume for a fixed "on" interval. This is not a hard cap; the process keeps
// making forward progress at a bounded average rate. Suspension per cycle is
// capped at MaxThrottle times the on interval, bounding worst-case latency
// injected into any single computation.
//
// Throttling is best-effort: if usage sampling fails (the process exited) the
// throttle stops quietly and never propagates the failure.
//
// OS side effects are isolated behind the ProcessController interface so the
// control algorithm itself is unit-testable with a fake process and a
// simulated clock.
package throttle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/hupe1980/docwire/internal/fifo"
)

// ProcessController reads and controls a process by id.
type ProcessController interface {
	// Usage returns the cumulative CPU time consumed by pid.
	Usage(pid int) (time.Duration, error)
	// Suspend stops pid's scheduling.
	Suspend(pid int) error
	// Resume restores pid's scheduling.
	Resume(pid int) error
}

// Options configures a Throttle.
type Options struct {
	// Controller performs the OS-level sampling and suspend/resume.
	// Defaults to the platform controller (signals + /proc on Linux).
	Controller ProcessController

	// Clock supplies time. Defaults to clock.WallClock.
	Clock clock.Clock

	// Logger receives throttle lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// DocName tags log entries with the document the process serves.
	DocName string

	// DutyCyclePositive is how long the process runs per throttled cycle.
	DutyCyclePositive time.Duration

	// SamplePeriod is the interval between CPU usage samples.
	SamplePeriod time.Duration

	// TargetAveragingPeriod is the window over which the CPU rate is averaged.
	TargetAveragingPeriod time.Duration

	// MinimumAveragingPeriod damps the measured rate while little history
	// exists, so a short burst right after start does not trigger throttling.
	MinimumAveragingPeriod time.Duration

	// TargetRate is the desired average CPU fraction (0..1].
	TargetRate float64

	// MaxThrottle caps the suspension interval at MaxThrottle times
	// DutyCyclePositive.
	MaxThrottle float64

	// TraceNudgeOffset, when positive, sends a delayed second resume after
	// each cycle. A process stopped under a tracer can miss the first
	// SIGCONT; the nudge unsticks it.
	TraceNudgeOffset time.Duration
}

type sample struct {
	at  time.Time
	cpu time.Duration
}

// Stats exposes observed totals for tests and monitoring.
type Stats struct {
	// CPUDuration is the cumulative CPU time the process consumed while
	// attached.
	CPUDuration time.Duration
	// OffDuration is the cumulative time the process spent suspended.
	OffDuration time.Duration
}

// Throttle is a duty-cycle CPU governor for one process.
type Throttle struct {
	pid  int
	opts Options

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	samples     fifo.Queue[sample]
	lastCPU     time.Duration
	haveLast    bool
	cpuDuration time.Duration
	offDuration time.Duration
}

// New attaches a throttle to pid and starts sampling immediately.
func New(pid int, optFns ...func(*Options)) *Throttle {
	opts := Options{
		Controller:             defaultController(),
		Clock:                  clock.WallClock,
		Logger:                 slog.Default(),
		DutyCyclePositive:      50 * time.Millisecond,
		SamplePeriod:           100 * time.Millisecond,
		TargetAveragingPeriod:  20 * time.Second,
		MinimumAveragingPeriod: 6 * time.Second,
		TargetRate:             0.25,
		MaxThrottle:            10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	t := &Throttle{
		pid:  pid,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

// Stop halts sampling and restores the process to unrestricted scheduling.
// It is idempotent and safe to call concurrently.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}

// Stopped reports whether the throttle loop has exited, either via Stop or
// because the process went away.
func (t *Throttle) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stats returns the observed CPU and suspension totals so far.
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		CPUDuration: t.cpuDuration,
		OffDuration: t.offDuration,
	}
}

func (t *Throttle) loop() {
	defer close(t.done)
	// Leaving the process suspended would be worse than any overshoot.
	defer func() {
		_ = t.opts.Controller.Resume(t.pid)
	}()

	for {
		if !t.sleep(t.opts.SamplePeriod) {
			return
		}

		usage, err := t.opts.Controller.Usage(t.pid)
		if err != nil {
			// Process gone; throttling is best-effort.
			t.opts.Logger.Debug("throttle target gone",
				"pid", t.pid,
				"doc", t.opts.DocName,
				"error", err,
			)
			return
		}
		now := t.opts.Clock.Now()
		rate := t.observe(now, usage)
		if rate <= t.opts.TargetRate {
			continue
		}

		factor := rate/t.opts.TargetRate - 1
		if factor > t.opts.MaxThrottle {
			factor = t.opts.MaxThrottle
		}
		off := time.Duration(float64(t.opts.DutyCyclePositive) * factor)

		if err := t.opts.Controller.Suspend(t.pid); err != nil {
			return
		}
		suspended := t.opts.Clock.Now()
		ok := t.sleep(off)

		// Count only the time actually spent suspended; Stop may cut
		// the off-phase short.
		t.mu.Lock()
		t.offDuration += t.opts.Clock.Now().Sub(suspended)
		t.mu.Unlock()

		if err := t.opts.Controller.Resume(t.pid); err != nil {
			return
		}
		t.nudge()

		if !ok {
			return
		}
		// On-phase of the duty cycle.
		if !t.sleep(t.opts.DutyCyclePositive) {
			return
		}
	}
}

// observe records a usage sample and returns the moving-average CPU rate.
func (t *Throttle) observe(now time.Time, usage time.Duration) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.haveLast && usage > t.lastCPU {
		t.cpuDuration += usage - t.lastCPU
	}
	t.lastCPU = usage
	t.haveLast = true

	t.samples.Push(sample{at: now, cpu: usage})
	for {
		oldest, ok := t.samples.Peek()
		if !ok || now.Sub(oldest.at) <= t.opts.TargetAveragingPeriod || t.samples.Len() <= 2 {
			break
		}
		t.samples.Pop()
	}

	oldest, ok := t.samples.Peek()
	if !ok || t.samples.Len() < 2 {
		return 0
	}
	elapsed := now.Sub(oldest.at)
	if elapsed < t.opts.MinimumAveragingPeriod {
		elapsed = t.opts.MinimumAveragingPeriod
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(usage-oldest.cpu) / float64(elapsed)
}

func (t *Throttle) nudge() {
	if t.opts.TraceNudgeOffset <= 0 {
		return
	}
	pid := t.pid
	ctl := t.opts.Controller
	t.opts.Clock.AfterFunc(t.opts.TraceNudgeOffset, func() {
		_ = ctl.Resume(pid)
	})
}

// sleep waits for d on the configured clock, returning false if the throttle
// was stopped first.
func (t *Throttle) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-t.opts.Clock.After(d):
		return true
	case <-t.stop:
		return false
	}
}
