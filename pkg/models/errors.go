package models

import "errors"

var (
	// Validation
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidTermKind    = errors.New("invalid repayment term")
	ErrInvalidRestructure = errors.New("invalid restructure")
	ErrEmptyNote          = errors.New("note must not be empty")

	// State
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyDisbursed       = errors.New("loan already disbursed")
	ErrNotDue                 = errors.New("installment is not due")
	ErrAlreadyPaid            = errors.New("installment already paid")
	ErrTerminalStateProtected = errors.New("closed loans cannot be deleted")

	// Concurrency
	ErrConcurrentModification = errors.New("loan was modified concurrently")

	// Not found
	ErrLoanNotFound        = errors.New("loan not found")
	ErrInstallmentNotFound = errors.New("installment not found")
	ErrNotBelongsToLoan    = errors.New("installment does not belong to loan")
	ErrEmployeeNotFound    = errors.New("employee not found")
	ErrEmployeeInactive    = errors.New("employee is not active")

	// Authorization
	ErrNotAuthorized = errors.New("action not authorized")
)

type Category int

const (
	CategoryInternal Category = iota
	CategoryValidation
	CategoryState
	CategoryConcurrency
	CategoryNotFound
	CategoryAuthorization
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryState:
		return "state"
	case CategoryConcurrency:
		return "concurrency"
	case CategoryNotFound:
		return "not_found"
	case CategoryAuthorization:
		return "authorization"
	}
	return "internal"
}

var categories = []struct {
	err      error
	category Category
}{
	{ErrInvalidAmount, CategoryValidation},
	{ErrInvalidTermKind, CategoryValidation},
	{ErrInvalidRestructure, CategoryValidation},
	{ErrEmptyNote, CategoryValidation},
	{ErrInvalidTransition, CategoryState},
	{ErrAlreadyDisbursed, CategoryState},
	{ErrNotDue, CategoryState},
	{ErrAlreadyPaid, CategoryState},
	{ErrTerminalStateProtected, CategoryState},
	{ErrConcurrentModification, CategoryConcurrency},
	{ErrLoanNotFound, CategoryNotFound},
	{ErrInstallmentNotFound, CategoryNotFound},
	{ErrNotBelongsToLoan, CategoryNotFound},
	{ErrEmployeeNotFound, CategoryNotFound},
	{ErrEmployeeInactive, CategoryValidation},
	{ErrNotAuthorized, CategoryAuthorization},
}

// CategoryOf classifies err into the error taxonomy. Unknown errors are internal.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryInternal
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryInternal
}
