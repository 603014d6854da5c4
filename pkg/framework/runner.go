package framework

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

// Runner spawns named Runnables and collects their errors.
type Runner struct {
	Context context.Context

	count  int
	errCh  chan error
	exitCh chan struct{}
}

// NewRunner creates a runner with a default background context.
func NewRunner() *Runner {
	return NewRunnerWith(context.Background())
}

// NewRunnerWith creates a runner with a specified context.
func NewRunnerWith(ctx context.Context) *Runner {
	return &Runner{
		Context: ctx,
		errCh:   make(chan error, 1),
		exitCh:  make(chan struct{}),
	}
}

// HandleSignals handles CtrlC and SIGTERM from the system.
func (r *Runner) HandleSignals() *Runner {
	ctx, cancel := context.WithCancel(r.Context)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	r.Context = ctx
	go func() {
		<-sigCh
		glog.Info("stop requested")
		cancel()
		<-sigCh
		glog.Error("stop requested again, force exit")
		close(r.exitCh)
	}()
	return r
}

// Go spawns a named Runnable with the runner's context.
func (r *Runner) Go(name string, runnable Runnable) *Runner {
	r.count++
	go func() {
		glog.V(2).Infof("service[%s] started", name)
		err := runnable.Run(r.Context)
		if err != nil && err != context.Canceled {
			glog.Errorf("service[%s]: %v", name, err)
		}
		glog.V(2).Infof("service[%s] stopped", name)
		r.errCh <- err
	}()
	return r
}

// GoFunc spawns a named func with the runner's context.
func (r *Runner) GoFunc(name string, fn func(context.Context) error) *Runner {
	return r.Go(name, RunFunc(fn))
}

// Wait waits until all spawned services stop and aggregates errors.
func (r *Runner) Wait() error {
	var errs AggregatedError
	for i := 0; i < r.count; i++ {
		select {
		case <-r.exitCh:
			return errors.New("forced exit")
		case err := <-r.errCh:
			if err != context.Canceled {
				errs.Add(err)
			}
		}
	}
	return errs.Aggregate()
}

// RunOrFail waits for all services and exits the process on error.
func (r *Runner) RunOrFail() {
	if err := r.Wait(); err != nil {
		glog.Exitf("exit on error: %v", err)
	}
}
