package upgrade

import (
	"errors"
	"fmt"
)

// ErrUpgradeInProgress is returned when an upgrade is requested for a
// container that already has one running.
var ErrUpgradeInProgress = errors.New("upgrade already in progress")

// StageError wraps a failure with the state-machine stage it occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("upgrade failed during %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
