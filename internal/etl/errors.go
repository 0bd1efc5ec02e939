package etl

import "fmt"

// InputError means the staged data could not be read or parsed. It is always
// raised before anything in staging is copied or deleted, so a retry is safe.
type InputError struct {
	Key string // staged object, empty when the error is batch-wide
	Op  string
	Err error
}

func (e *InputError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("input %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("input %s: %v", e.Op, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// StorageError is a failed S3 call. When Op is copy, delete or put the run
// may have left staging archived without a committed dataset write.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
