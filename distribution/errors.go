package distribution

import "fmt"

// PreparationError means no usable installation could be produced. It is never retried.
type PreparationError struct {
	Op       string
	Artifact string
	Err      error
}

func (e *PreparationError) Error() string {
	if e.Artifact == "" {
		return fmt.Sprintf("prepare distribution: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("prepare distribution: %s %s: %v", e.Op, e.Artifact, e.Err)
}

func (e *PreparationError) Unwrap() error {
	return e.Err
}
