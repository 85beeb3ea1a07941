// Package shutdown runs registered cleanups in reverse registration order
// under a single deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyShutdown = errors.New("shutdown already started")
	ErrShutdownTimeout = errors.New("shutdown deadline exceeded")
)

// forceGrace bounds each cleanup that runs after the deadline has passed.
var forceGrace = 100 * time.Millisecond

// CleanupFunc releases one component. ctx carries the remaining shutdown
// budget and is already expired when the step runs in force mode.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// StepResult records one cleanup run
type StepResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Forced   bool          `json:"forced"`
}

// Report describes a completed shutdown
type Report struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"steps"`
	TimedOut  bool          `json:"timed_out"`
	Err       error         `json:"-"`
}

// Success reports whether every step finished cleanly within the deadline
func (r Report) Success() bool {
	return r.Err == nil
}

// Status is a point-in-time view of the coordinator
type Status struct {
	Started            bool          `json:"shutdown_started"`
	Complete           bool          `json:"shutdown_complete"`
	StartTime          *time.Time    `json:"start_time"`
	Elapsed            time.Duration `json:"elapsed_time"`
	CleanupsRegistered int           `json:"cleanup_functions_registered"`
	Timeout            time.Duration `json:"timeout"`
	Success            *bool         `json:"success,omitempty"`
}

// Coordinator owns the shutdown sequence of the process
type Coordinator struct {
	mu        sync.Mutex
	timeout   time.Duration
	cleanups  []cleanup
	emergency func()
	started   bool
	complete  bool
	startTime time.Time
	report    Report
	done      chan struct{}

	emergencyOnce sync.Once
	exit          func(int)
}

func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		timeout: timeout,
		done:    make(chan struct{}),
		exit:    os.Exit,
	}
}

// RegisterCleanup appends fn. Cleanups run last registered first.
func (c *Coordinator) RegisterCleanup(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("cleanup-%d", len(c.cleanups)+1)
	}
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
	log.Debug().Str("cleanup", name).Msg("Registered cleanup function")
}

// SetEmergency sets the abbreviated cleanup run by Finalize and on a
// second signal
func (c *Coordinator) SetEmergency(fn func()) {
	c.mu.Lock()
	c.emergency = fn
	c.mu.Unlock()
}

// Shutdown runs every cleanup once. A failing step is recorded and the
// sequence continues. Once the deadline passes the remaining steps run in
// force mode. Calls after the first return the first report with
// ErrAlreadyShutdown, or an empty report while it is still in progress.
func (c *Coordinator) Shutdown(timeout time.Duration) Report {
	c.mu.Lock()
	if c.started {
		report := Report{}
		if c.complete {
			report = c.report
			report.Steps = append([]StepResult(nil), c.report.Steps...)
		}
		c.mu.Unlock()
		log.Warn().Msg("Shutdown already in progress")
		report.Err = ErrAlreadyShutdown
		return report
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.started = true
	c.startTime = time.Now()
	steps := make([]cleanup, len(c.cleanups))
	copy(steps, c.cleanups)
	c.mu.Unlock()

	log.Info().Dur("timeout", timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")

	report := c.run(steps, timeout)

	c.mu.Lock()
	c.complete = true
	c.report = report
	c.mu.Unlock()
	close(c.done)

	if report.Success() {
		log.Info().Dur("elapsed", report.Duration).Msg("Graceful shutdown completed successfully")
	} else {
		log.Warn().Err(report.Err).Dur("elapsed", report.Duration).Msg("Shutdown completed with errors")
	}
	return report
}

func (c *Coordinator) run(steps []cleanup, timeout time.Duration) Report {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report := Report{StartTime: start, Steps: make([]StepResult, 0, len(steps))}
	var errs []error

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		forced := ctx.Err() != nil
		if forced && !report.TimedOut {
			report.TimedOut = true
			errs = append(errs, fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout))
			log.Warn().Dur("timeout", timeout).Int("remaining", i+1).Msg("Shutdown timeout exceeded, forcing remaining cleanups")
		}

		log.Info().Str("cleanup", step.name).Bool("forced", forced).Msg("Running cleanup")
		stepStart := time.Now()
		err := runStep(ctx, step, forced)
		result := StepResult{Name: step.name, Duration: time.Since(stepStart), Forced: forced}

		if err != nil {
			result.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			log.Error().Err(err).Str("cleanup", step.name).Dur("elapsed", result.Duration).Msg("Cleanup failed")
		} else {
			log.Info().Str("cleanup", step.name).Dur("elapsed", result.Duration).Msg("Cleanup completed")
		}
		report.Steps = append(report.Steps, result)
	}

	if !report.TimedOut && ctx.Err() != nil {
		report.TimedOut = true
		errs = append(errs, fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout))
	}
	report.Duration = time.Since(start)
	report.Err = errors.Join(errs...)
	return report
}

// runStep waits for step until ctx expires. A step still running at the
// deadline is abandoned and keeps running in the background; forced steps
// are given forceGrace to return.
func runStep(ctx context.Context, step cleanup, forced bool) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- step.fn(ctx)
	}()

	if forced {
		select {
		case err := <-result:
			return err
		case <-time.After(forceGrace):
			return fmt.Errorf("%w: abandoned after %s in force mode", ErrShutdownTimeout, forceGrace)
		}
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// a step that finished right at the deadline still counts
		select {
		case err := <-result:
			return err
		default:
		}
		return fmt.Errorf("%w: abandoned while running", ErrShutdownTimeout)
	}
}

// Done is closed when Shutdown has completed
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Report returns the report of the completed shutdown
func (c *Coordinator) Report() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report, c.complete
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Started:            c.started,
		Complete:           c.complete,
		CleanupsRegistered: len(c.cleanups),
		Timeout:            c.timeout,
	}
	if c.started {
		t := c.startTime
		s.StartTime = &t
		s.Elapsed = time.Since(t)
		if c.complete {
			s.Elapsed = c.report.Duration
			ok := c.report.Success()
			s.Success = &ok
		}
	}
	return s
}

// HandleSignals runs Shutdown on the first SIGINT or SIGTERM and delivers
// the signal on the returned channel. A second signal during shutdown runs
// the emergency cleanup and exits the process.
func (c *Coordinator) HandleSignals(ctx context.Context) <-chan os.Signal {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	out := make(chan os.Signal, 1)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal, initiating graceful shutdown")
			out <- sig
			go c.Shutdown(0)
		}

		select {
		case <-c.done:
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("Second signal received, forcing exit")
			c.runEmergency()
			c.exit(1)
		}
	}()
	return out
}

// Finalize is the process-exit fallback. It runs the emergency cleanup
// when graceful shutdown never completed.
func (c *Coordinator) Finalize() {
	c.mu.Lock()
	complete := c.complete
	c.mu.Unlock()
	if complete {
		return
	}
	log.Warn().Msg("Emergency cleanup triggered (process terminating)")
	c.runEmergency()
}

func (c *Coordinator) runEmergency() {
	c.mu.Lock()
	fn := c.emergency
	c.mu.Unlock()
	if fn == nil {
		return
	}
	c.emergencyOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Error during emergency cleanup")
			}
		}()
		fn()
		log.Info().Msg("Emergency cleanup completed")
	})
}
