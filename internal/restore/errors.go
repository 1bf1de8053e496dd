package restore

import "fmt"

// StageError reports the stage in which a restore attempt failed.
type StageError struct {
	Stage State
	Key   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
