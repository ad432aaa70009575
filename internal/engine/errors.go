package engine

import "fmt"

// Class is the failure taxonomy every dispatch outcome is sorted into.
// Only transient and timeout classes are retried.
type Class string

const (
	ClassTransient  Class = "transient_dependency_error"
	ClassPermanent  Class = "permanent_input_error"
	ClassTimeout    Class = "timeout_exceeded"
	ClassDefinition Class = "definition_invalid"
	ClassPolicy     Class = "policy_violation"
)

func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

type DispatchError struct {
	Class Class
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func transientErr(format string, args ...any) *DispatchError {
	return &DispatchError{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

func permanentErr(format string, args ...any) *DispatchError {
	return &DispatchError{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

func timeoutErr(format string, args ...any) *DispatchError {
	return &DispatchError{Class: ClassTimeout, Err: fmt.Errorf(format, args...)}
}

func policyErr(format string, args ...any) *DispatchError {
	return &DispatchError{Class: ClassPolicy, Err: fmt.Errorf(format, args...)}
}
