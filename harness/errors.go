package harness

import (
	"fmt"
	"time"
)

// LaunchError means the process could not be started, or something failed while its
// output was being drained.
type LaunchError struct {
	Args []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch distribution with args %q: %v", e.Args, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// StopError means the process ignored the graceful stop and had to be killed.
type StopError struct {
	Timeout time.Duration
}

func (e *StopError) Error() string {
	return fmt.Sprintf("process did not stop within %s and was killed", e.Timeout)
}
