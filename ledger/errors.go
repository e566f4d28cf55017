/*
errors.go - Error taxonomy for the budget ledger

PURPOSE:
  All ledger errors in one place. Sentinels are matched with errors.Is; the
  structured errors carry the figures a caller needs to explain a rejection
  ("Available: 80000.00, Requested: 95000.00") and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Budget rule violations - InsufficientBudget, BudgetExceeded, ExceedsAvailable
  2. State machine violations - AlreadyProcessed (StateError)
  3. Lookup failures - NotFound, NoActiveBudget
  4. Store conflicts - ConcurrentModification, ActiveBudgetExists

SEE ALSO:
  - api/handlers.go: maps these onto HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoActiveBudget is returned when no envelope is in the active state.
	ErrNoActiveBudget = errors.New("no active budget")

	// ErrInsufficientBudget is returned when the envelope's available balance
	// cannot cover a new allocation.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrAlreadyProcessed is returned when an entity is not in the state the
	// operation requires.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrBudgetExceeded is returned when reported spend exceeds the task allocation.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrNothingToRefetch is returned when a request has no unused balance left,
	// including when it was already refetched.
	ErrNothingToRefetch = errors.New("nothing to refetch")

	// ErrInvalidAmount is returned for zero, negative or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrExceedsAvailable is returned when a refetch asks for more than is unused.
	ErrExceedsAvailable = errors.New("amount exceeds refetchable balance")

	// ErrNotFound is returned when a grievance, request or envelope is missing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed operation input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when a versioned save loses a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrActiveBudgetExists is returned when activating a second envelope.
	ErrActiveBudgetExists = errors.New("another budget is already active")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBudgetError reports an envelope shortfall. Required is the
// headroom the operation needs; it is Requested unless the movement books the
// amount into more than one counter.
type InsufficientBudgetError struct {
	Available Money
	Requested Money
	Required  Money
}

func (e *InsufficientBudgetError) required() Money {
	if e.Required.IsZero() {
		return e.Requested
	}
	return e.Required
}

func (e *InsufficientBudgetError) Error() string {
	if need := e.required(); !need.Equal(e.Requested) {
		return fmt.Sprintf("insufficient budget: available %s, requested %s (needs %s of headroom)",
			e.Available, e.Requested, need)
	}
	return fmt.Sprintf("insufficient budget: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

func (e *InsufficientBudgetError) Figures() map[string]Money {
	return map[string]Money{
		"available": e.Available,
		"requested": e.Requested,
		"required":  e.required(),
		"shortfall": e.required().Sub(e.Available),
	}
}

// BudgetExceededError reports engineer spend above the task allocation.
type BudgetExceededError struct {
	GrievanceID string
	Allocated   Money
	Attempted   Money
	MaxAllowed  Money
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for grievance %s: allocated %s, attempted %s, max allowed %s",
		e.GrievanceID, e.Allocated, e.Attempted, e.MaxAllowed)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

func (e *BudgetExceededError) Figures() map[string]Money {
	return map[string]Money{
		"allocated":  e.Allocated,
		"attempted":  e.Attempted,
		"maxAllowed": e.MaxAllowed,
	}
}

// ExceedsAvailableError reports a refetch above totalApprovedCost - actualSpent.
type ExceedsAvailableError struct {
	RequestID      string
	MaxRefetchable Money
	Requested      Money
}

func (e *ExceedsAvailableError) Error() string {
	return fmt.Sprintf("refetch of %s exceeds refetchable balance %s on request %s",
		e.Requested, e.MaxRefetchable, e.RequestID)
}

func (e *ExceedsAvailableError) Unwrap() error { return ErrExceedsAvailable }

func (e *ExceedsAvailableError) Figures() map[string]Money {
	return map[string]Money{
		"maxRefetchable": e.MaxRefetchable,
		"requested":      e.Requested,
	}
}

// StateError reports a state machine violation.
type StateError struct {
	Kind     string // "resource request", "grievance", "budget"
	ID       string
	Actual   string
	Expected string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s, expected %s", e.Kind, e.ID, e.Actual, e.Expected)
}

func (e *StateError) Unwrap() error { return ErrAlreadyProcessed }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// FigureCarrier is implemented by errors that expose amounts for display.
type FigureCarrier interface {
	Figures() map[string]Money
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func invalidAmount(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAmount, fmt.Sprintf(format, args...))
}

// IsClientError returns true if the error is due to caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrExceedsAvailable)
}

// IsBudgetViolation returns true for rejected money movements.
func IsBudgetViolation(err error) bool {
	return errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrBudgetExceeded) ||
		errors.Is(err, ErrNothingToRefetch) ||
		errors.Is(err, ErrNoActiveBudget)
}

// IsConflict returns true for state and concurrency conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrActiveBudgetExists)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
