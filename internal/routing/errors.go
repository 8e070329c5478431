package routing

import "fmt"

// NoEligibleKeysError means every candidate key was excluded by state,
// quota, budget, or policy before scoring could run.
type NoEligibleKeysError struct {
	ProviderID string
	Reason     string
}

func (e *NoEligibleKeysError) Error() string {
	return fmt.Sprintf("no eligible keys for provider %q: %s", e.ProviderID, e.Reason)
}

// ValidationError reports a malformed routing intent. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s %s", e.Field, e.Reason)
}
