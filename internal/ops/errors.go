package ops

import "fmt"

// UnknownOperationError is returned when a name is not in the registry.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return "unknown operation: " + e.Name
}

// ParamError reports parameters that could not be decoded or failed validation.
type ParamError struct {
	Operation string
	Err       error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %v", e.Operation, e.Err)
}

func (e *ParamError) Unwrap() error { return e.Err }
