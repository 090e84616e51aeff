// Package shutdown runs a unit of work under signal handling and tears
// down whatever it left running exactly once, on return or on SIGINT or
// SIGTERM.
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

	"github.com/andrej220/remtask/internal/lg"
)

var ErrInterrupted = errors.New("interrupted")

// Drainer stops everything still running. *task.Registry satisfies it.
type Drainer interface {
	Drain(ctx context.Context) error
}

type Config struct {
	// DrainTimeout bounds the teardown and, after an interrupt, how long
	// Run keeps waiting for the work function to return.
	DrainTimeout time.Duration
	Signals      []os.Signal
}

func DefaultConfig() Config {
	return Config{
		DrainTimeout: 30 * time.Second,
		Signals:      []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}

// Run calls fn with a context that is cancelled on the first signal. The
// drainer runs once fn has returned, or right away when a signal arrives so
// that blocking waits inside fn are released.
func Run(ctx context.Context, d Drainer, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = DefaultConfig().Signals
	}
	logger := lg.FromContext(ctx)

	runCtx, stop := signal.NotifyContext(ctx, cfg.Signals...)
	defer stop()

	var (
		once     sync.Once
		drainErr error
	)
	drain := func() {
		once.Do(func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
			defer cancel()
			begin := time.Now()
			drainErr = d.Drain(dctx)
			logger.Debug("drained running tasks", lg.Duration("took", time.Since(begin)), lg.Any("error", drainErr))
		})
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("run panicked: %v", p)
			}
		}()
		done <- fn(runCtx)
	}()

	var (
		err         error
		interrupted bool
	)
	select {
	case err = <-done:
		// a cancelled run context can make fn return before this select
		// sees the cancellation
		interrupted = err != nil && runCtx.Err() != nil
	case <-runCtx.Done():
		interrupted = true
		logger.Warn("interrupted, stopping running tasks")
		drain()
		select {
		case err = <-done:
		case <-time.After(cfg.DrainTimeout):
			logger.Error("work did not return after teardown", lg.Duration("timeout", cfg.DrainTimeout))
		}
	}
	drain()

	if !interrupted {
		return errors.Join(err, drainErr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(ErrInterrupted, err, drainErr)
}
