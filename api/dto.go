/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

RESPONSE ENVELOPE:
  Every response carries "status": "success" or "error". Errors add a
  human-readable "message". Amounts are JSON numbers with two decimals.

NAMING CONVENTION:
  - *DTO: Nested objects returned to clients
  - *Request: Request body types from clients
  - *Response: Top-level response bodies

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/diz-ledger/ledger"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses. Balance and bonus data
// are omitted when the caller may not see them.
type AccountDTO struct {
	ID          ledger.AccountID `json:"id"`
	Username    string           `json:"username"`
	Balance     *ledger.Amount   `json:"balance,omitempty"`
	IsAdmin     bool             `json:"is_admin"`
	LastBonusAt *string          `json:"last_bonus_at,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
}

type AccountResponse struct {
	Status  string     `json:"status"`
	Account AccountDTO `json:"account"`
}

type AccountsResponse struct {
	Status   string       `json:"status"`
	Accounts []AccountDTO `json:"accounts"`
}

// CreateAccountRequest is the request to create an account.
type CreateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChangePasswordRequest replaces an account's password.
type ChangePasswordRequest struct {
	Password string `json:"password"`
}

// SetBalanceRequest overrides an account balance. Balance is required.
type SetBalanceRequest struct {
	Balance *ledger.Amount `json:"balance"`
}

// =============================================================================
// LOGIN
// =============================================================================

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse keeps the original login fields and adds a bearer token.
type LoginResponse struct {
	Status    string           `json:"status"`
	UserID    ledger.AccountID `json:"user_id"`
	Username  string           `json:"username"`
	Balance   ledger.Amount    `json:"balance"`
	IsAdmin   bool             `json:"is_admin"`
	Token     string           `json:"token"`
	ExpiresAt string           `json:"expires_at"`
}

// =============================================================================
// BALANCE & TRANSFER
// =============================================================================

type BalanceResponse struct {
	Status  string           `json:"status"`
	UserID  ledger.AccountID `json:"user_id"`
	Balance ledger.Amount    `json:"balance"`
}

// TransferRequest moves Amount from the caller to Recipient (a username).
type TransferRequest struct {
	Recipient string        `json:"recipient"`
	Amount    ledger.Amount `json:"amount"`
}

type TransferResponse struct {
	Status     string        `json:"status"`
	Message    string        `json:"message"`
	NewBalance ledger.Amount `json:"new_balance"`
}

// =============================================================================
// JOURNAL
// =============================================================================

// JournalEntryDTO represents one journal entry in API responses.
type JournalEntryDTO struct {
	ID           string           `json:"id"`
	Kind         string           `json:"kind"`
	Counterparty string           `json:"counterparty,omitempty"`
	Delta        ledger.Amount    `json:"delta"`
	BalanceAfter ledger.Amount    `json:"balance_after"`
	ActorID      ledger.AccountID `json:"actor_id"`
	At           string           `json:"at"`
}

type JournalResponse struct {
	Status  string            `json:"status"`
	Entries []JournalEntryDTO `json:"entries"`
}

// =============================================================================
// BONUS
// =============================================================================

// BonusRunDTO describes one bonus run.
type BonusRunDTO struct {
	At       string `json:"at"`
	Credited int    `json:"credited"`
	Error    string `json:"error,omitempty"`
}

type BonusStatusResponse struct {
	Status  string       `json:"status"`
	Running bool         `json:"running"`
	LastRun *BonusRunDTO `json:"last_run,omitempty"`
	NextRun string       `json:"next_run,omitempty"`
}

type BonusRunResponse struct {
	Status string      `json:"status"`
	Run    BonusRunDTO `json:"run"`
}

// =============================================================================
// GENERIC
// =============================================================================

// MessageResponse is a success with a message and nothing else.
type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(acc ledger.Account, withBalance bool) AccountDTO {
	dto := AccountDTO{
		ID:        acc.ID,
		Username:  acc.Username,
		IsAdmin:   acc.IsAdmin,
		CreatedAt: acc.CreatedAt.Format(time.RFC3339),
	}
	if withBalance {
		balance := acc.Balance
		dto.Balance = &balance
		if acc.LastBonusAt != nil {
			s := acc.LastBonusAt.Format(time.RFC3339)
			dto.LastBonusAt = &s
		}
	}
	return dto
}

func toJournalEntryDTO(e ledger.JournalEntry) JournalEntryDTO {
	return JournalEntryDTO{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Counterparty: e.Counterparty,
		Delta:        e.Delta,
		BalanceAfter: e.BalanceAfter,
		ActorID:      e.ActorID,
		At:           e.At.Format(time.RFC3339Nano),
	}
}
