package productions

import "fmt"

// ValidationError reports an invalid request field.
type ValidationError struct {
	Field string
	Issue string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Issue)
}
