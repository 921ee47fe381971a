package queue

import (
	"errors"
	"fmt"
)

var (
	ErrClosed     = errors.New("queue closed")
	ErrNilJob     = errors.New("queue: nil job")
	ErrResultType = errors.New("queue: unexpected result type")
)

// PanicError is the rejection a caller receives when its job panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }
