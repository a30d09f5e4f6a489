package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/diz-ledger/ledger"
)

// statusFor maps a ledger error to an HTTP status. Anything outside the
// ledger's taxonomy is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, ledger.ErrCannotDeleteAdmin):
		return http.StatusForbidden
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client-facing message for err. Storage faults are
// not echoed to the client.
func messageFor(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "Insufficient balance"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Invalid amount"
	case errors.Is(err, ledger.ErrRecipientNotFound):
		return "Recipient not found"
	case errors.Is(err, ledger.ErrSelfTransfer):
		return "Cannot transfer to yourself"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "User not found"
	case errors.Is(err, ledger.ErrInvalidCredentials):
		return "Invalid credentials"
	case ledger.IsBusinessError(err):
		return err.Error()
	default:
		return "Internal server error"
	}
}

// writeLedgerError writes err with its mapped status and logs server faults.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[Server] %s %s failed (request %s): %v",
			r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
	}
	writeError(w, status, messageFor(err))
}
