package core

import "fmt"

// StorageError reports a session store I/O failure. It is fatal for the
// current turn and surfaces to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for the named operation.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// IndexError reports a semantic index failure. Callers recover locally by
// skipping semantic augmentation; it is never surfaced to the end user.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("semantic index: %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// NewIndexError wraps err as an IndexError for the named operation.
func NewIndexError(op string, err error) *IndexError {
	return &IndexError{Op: op, Err: err}
}

// BudgetExceededError is raised when even the newest message plus the
// in-flight turn exceed the configured token budget. This is a
// configuration problem, not a runtime fault, and is never retried.
type BudgetExceededError struct {
	Budget   int
	Required int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("message too large for configured budget: need %d tokens, budget is %d", e.Required, e.Budget)
}
