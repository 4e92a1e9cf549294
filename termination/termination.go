// Package termination blocks a long running command until it is asked to shut down.
package termination

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

var ErrTerminated = errors.New("terminated")

// SignalError is returned by Wait when a signal ended the wait. It matches ErrTerminated.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "terminated by " + e.Signal.String()
}

func (e *SignalError) Is(target error) bool {
	return target == ErrTerminated
}

// Wait blocks until the process receives an interrupt or SIGTERM, returning a SignalError,
// or until ctx is done, returning nil.
func Wait(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		return &SignalError{Signal: sig}
	case <-ctx.Done():
		return nil
	}
}
