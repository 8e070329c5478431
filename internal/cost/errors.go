package cost

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// BudgetExceededError is a hard-enforcement rejection. It carries the
// diagnostic fields callers need to act, and nothing provider-native.
type BudgetExceededError struct {
	Message           string
	RemainingBudget   decimal.Decimal
	ViolatedBudgetIDs []string
	EstimatedCost     decimal.Decimal
	BudgetLimit       decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s: estimated %s exceeds remaining %s (budgets: %s)",
		e.Message, e.EstimatedCost, e.RemainingBudget, strings.Join(e.ViolatedBudgetIDs, ", "))
}
