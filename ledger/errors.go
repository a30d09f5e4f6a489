/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  Every Engine operation returns either a definite result or one of the
  sentinel errors below. All of them are request-scoped and recoverable.
  Storage failures are something else: Stores wrap them with %w and they
  never match any sentinel here.

ERROR CATEGORIES:
  1. Amount errors      - ErrInvalidAmount, ErrInsufficientFunds
  2. Lookup errors      - ErrAccountNotFound, ErrRecipientNotFound
  3. Rule violations    - ErrSelfTransfer, ErrAccountExists, ErrCannotDeleteAdmin
  4. Authority errors   - ErrUnauthorized, ErrInvalidCredentials

USAGE:
  newBalance, err := engine.Transfer(ctx, senderID, "bob", amount)
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      // tell the user
  }

SEE ALSO:
  - engine.go: Returns these errors
  - api/errors.go: Maps them to HTTP status codes
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
	// ErrInvalidAmount is returned for zero, negative or over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is returned when a transfer exceeds the sender's balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound is returned when an account id does not resolve.
	ErrAccountNotFound = errors.New("account not found")

	// ErrRecipientNotFound is returned when a transfer recipient does not resolve.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrSelfTransfer is returned when sender and recipient are the same account.
	ErrSelfTransfer = errors.New("cannot transfer to yourself")

	// ErrAccountExists is returned when a username is already taken.
	ErrAccountExists = errors.New("username already exists")

	// ErrUnauthorized is returned when the actor lacks admin authority.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCannotDeleteAdmin is returned when deleting an administrative account.
	ErrCannotDeleteAdmin = errors.New("admin account cannot be deleted")

	// ErrInvalidUsername is returned for empty or overlong usernames.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrInvalidCredential is returned when new credential material is empty.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrInvalidCredentials is returned by Authenticate for an unknown user or
	// a failed verification. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidPeriod is returned for a non-positive bonus period.
	ErrInvalidPeriod = errors.New("invalid bonus period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a failed debit.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %d has %s %s, requested %s",
		e.AccountID, e.Available, Unit, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInvalidUsername) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrRecipientNotFound)
}

// IsBusinessError returns true for any error in the taxonomy above, false for
// storage faults and anything unknown.
func IsBusinessError(err error) bool {
	return IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrCannotDeleteAdmin) ||
		errors.Is(err, ErrInvalidCredentials)
}
