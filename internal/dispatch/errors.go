package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// UnknownFunctionError reports a call to a name with no registered handler.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function: %s", e.Name)
}

// InvalidArgumentsError reports arguments that do not match the function's
// parameter schema.
type InvalidArgumentsError struct {
	Function string
	Problems []string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Function, strings.Join(e.Problems, "; "))
}

// DispatchTimeoutError reports a handler that did not finish in time or was
// cancelled while the session drained.
type DispatchTimeoutError struct {
	Function string
	After    time.Duration
}

func (e *DispatchTimeoutError) Error() string {
	return fmt.Sprintf("function %s timed out after %s", e.Function, e.After.Round(time.Millisecond))
}
