package vision

import (
	"errors"
	"fmt"
)

// ErrNoPreviousFrame is returned when the last-ball policy is enabled, the
// ball is missing and no previous normalized frame was supplied.
var ErrNoPreviousFrame = errors.New("no previous normalized frame")

// PreconditionError reports a Normalize call whose inputs cannot produce a
// defined result. It is a caller error and is never retried.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("vision: %s: %v", e.Op, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }
