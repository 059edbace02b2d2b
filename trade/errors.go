package trade

import (
	"errors"
	"fmt"
	"math/big"
)

// Failure taxonomy for a single coordinator action. Every failure is terminal
// for the attempted action; the caller may retry explicitly but the
// coordinator never resubmits a financial action on its own.
var (
	// ErrAuthRequired: no or invalid session credential, checked before any
	// external call.
	ErrAuthRequired = errors.New("trade: session credential required")
	// ErrPreconditionMismatch: the authoritative state disagrees with the
	// action's precondition; refused before submission.
	ErrPreconditionMismatch = errors.New("trade: authoritative state does not permit action")
	// ErrWalletUnavailable: no signing provider configured.
	ErrWalletUnavailable = errors.New("trade: wallet unavailable")
	// ErrUserRejected: the signer declined before submission.
	ErrUserRejected = errors.New("trade: signing rejected")
	// ErrTransactionReverted: submitted, confirmed, failed on-chain.
	ErrTransactionReverted = errors.New("trade: transaction reverted")
	// ErrBackendRejected: the record store answered with a non-success status.
	ErrBackendRejected = errors.New("trade: backend rejected request")
	// ErrNotFound: referenced product or offer record is absent.
	ErrNotFound = errors.New("trade: record not found")
	// ErrTxInFlight: a prior transaction for the same escrow key has not
	// resolved yet; resubmission is refused.
	ErrTxInFlight = errors.New("trade: transaction already in flight for key")
)

// StateMismatchError reports a contract phase read that violated an action's
// precondition. It is raised before any transaction is submitted.
type StateMismatchError struct {
	Key  *big.Int
	Want EscrowPhase
	Got  EscrowPhase
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("trade: escrow key %s in phase %s, action requires %s", e.Key, e.Got, e.Want)
}

func (e *StateMismatchError) Is(target error) bool {
	return target == ErrPreconditionMismatch
}

// StatusMismatchError reports a backend projection status that does not
// permit the requested action.
type StatusMismatchError struct {
	ProductID int64
	Status    ProductStatus
	Action    string
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("trade: product %d in status %q does not permit %s", e.ProductID, e.Status, e.Action)
}

func (e *StatusMismatchError) Is(target error) bool {
	return target == ErrPreconditionMismatch
}

// RevertError carries the confirmed failure of a submitted transaction.
type RevertError struct {
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("trade: transaction %s reverted", e.TxHash)
	}
	return fmt.Sprintf("trade: transaction %s reverted: %s", e.TxHash, e.Reason)
}

func (e *RevertError) Is(target error) bool {
	return target == ErrTransactionReverted
}

// BackendError carries the HTTP status a record-store mutation failed with.
type BackendError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("trade: backend %s returned status %d", e.Endpoint, e.Status)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendRejected
}
