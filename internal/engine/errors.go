package engine

import (
	"errors"
	"fmt"

	"flowstate/internal/domain"
)

// User-actionable failures.
var (
	ErrNotAdjacent           = errors.New("stages are not adjacent")
	ErrWipExceeded           = errors.New("wip limit exceeded")
	ErrCategoryBlocked       = errors.New("category blocked for stage")
	ErrInsufficientMaterials = errors.New("insufficient materials")
	ErrNothingToCommit       = errors.New("nothing to commit")
)

// Contract violations: the caller broke a precondition.
var (
	ErrContractViolation     = errors.New("contract violation")
	ErrOperationNotAllowed   = errors.New("operation not allowed in current day/phase")
	ErrBlockedItemInCommit   = errors.New("blocked item offered for commitment")
	ErrAlreadyCommitted      = errors.New("commitment already frozen for this window")
	ErrUnknownItem           = errors.New("unknown item")
	ErrItemNotInStage        = errors.New("item not in source stage")
	ErrItemFinalized         = errors.New("item is finalized")
	ErrConstraintOnCommitted = errors.New("cannot add constraint to committed item")
	ErrWindowClosed          = errors.New("window closed")
	ErrNotCommitted          = errors.New("item is not committed")
	ErrExecutionInProgress   = errors.New("promise still in execution")
)

// MoveError reports a rejected Pipeline.Move. Kind is one of the user
// sentinels above and is matched through errors.Is.
type MoveError struct {
	Kind   error
	ItemID string
	From   domain.StageID
	To     domain.StageID
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s %s -> %s: %v", e.ItemID, e.From, e.To, e.Kind)
}

func (e *MoveError) Unwrap() error { return e.Kind }

// ContractError wraps a contract violation so callers can tell caller bugs
// from simulation outcomes.
type ContractError struct {
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrContractViolation, e.Err)
}

func (e *ContractError) Unwrap() []error { return []error{ErrContractViolation, e.Err} }

func contract(op string, err error) error {
	return &ContractError{Op: op, Err: err}
}

// IsContractViolation reports whether err signals a caller bug.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

// IsUserError reports whether err is a recoverable, player-facing failure.
func IsUserError(err error) bool {
	for _, target := range []error{ErrNotAdjacent, ErrWipExceeded, ErrCategoryBlocked, ErrInsufficientMaterials, ErrNothingToCommit} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
