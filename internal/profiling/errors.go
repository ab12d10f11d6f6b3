package profiling

import "fmt"

// ValidationError reports a request that is well formed on the wire but
// logically invalid, such as a stop request with no resolvable targets or a
// completion report for a command the server never assigned. Handlers map it
// to a 400 response.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
