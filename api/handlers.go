/*
handlers.go - HTTP API handlers for the DIZ ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every rule to ledger.Engine.

ENDPOINTS:
  Public:
    POST   /api/login                         Authenticate, get a bearer token
    GET    /api/balance/{id}                  Balance of any account

  Authenticated:
    GET    /api/me                            The caller's account
    GET    /api/accounts                      All accounts (balances for admins)
    POST   /api/transfer                      Send DIZ from the caller
    GET    /api/accounts/{id}/journal         Journal (self or admin)

  Admin:
    POST   /api/admin/accounts                Create account
    DELETE /api/admin/accounts/{id}           Delete account
    PUT    /api/admin/accounts/{id}/password  Change password
    PUT    /api/admin/accounts/{id}/balance   Set balance
    GET    /api/admin/bonus                   Bonus scheduler status
    POST   /api/admin/bonus/run               Apply the bonus now

REQUEST FLOW:
  1. Parse HTTP request
  2. Resolve the caller (auth.go middleware)
  3. Call the ledger with the caller's Actor
  4. Serialize response, or map the ledger error (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Passwords, tokens, caller middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/diz-ledger/ledger"
	"github.com/warp/diz-ledger/scheduler"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// BonusRunner is the part of the bonus scheduler exposed to administrators.
type BonusRunner interface {
	RunNow(ctx context.Context) scheduler.RunResult
	LastRun() (scheduler.RunResult, bool)
	NextRunTime() time.Time
	Running() bool
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Passwords Passwords
	Tokens    *Tokens

	// Bonus is optional; the bonus endpoints answer 503 without it.
	Bonus BonusRunner
}

// NewHandler creates a handler over engine.
func NewHandler(engine *ledger.Engine, passwords Passwords, tokens *Tokens, bonus BonusRunner) *Handler {
	return &Handler{
		Engine:    engine,
		Passwords: passwords,
		Tokens:    tokens,
		Bonus:     bonus,
	}
}

// =============================================================================
// PUBLIC
// =============================================================================

// Login checks a username and password and returns a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	acc, err := h.Engine.Authenticate(r.Context(), req.Username, req.Password, h.Passwords)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	token, expires, err := h.Tokens.Issue(acc.ID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Status:    statusSuccess,
		UserID:    acc.ID,
		Username:  acc.Username,
		Balance:   acc.Balance,
		IsAdmin:   acc.IsAdmin,
		Token:     token,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}

// GetBalance returns the balance of any account by id.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	balance, err := h.Engine.Balance(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{Status: statusSuccess, UserID: id, Balance: balance})
}

// =============================================================================
// AUTHENTICATED
// =============================================================================

// Me returns the caller's own account.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	acc, err := h.Engine.Account(r.Context(), caller.ID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AccountResponse{Status: statusSuccess, Account: toAccountDTO(acc, true)})
}

// ListAccounts returns every account. Only administrators see balances.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	accounts, err := h.Engine.Accounts(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, acc := range accounts {
		dtos[i] = toAccountDTO(acc, caller.IsAdmin || acc.ID == caller.ID)
	}

	writeJSON(w, http.StatusOK, AccountsResponse{Status: statusSuccess, Accounts: dtos})
}

// Transfer sends DIZ from the caller to another account.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	newBalance, err := h.Engine.Transfer(r.Context(), caller.ID, req.Recipient, req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TransferResponse{
		Status:     statusSuccess,
		Message:    fmt.Sprintf("Successfully transferred %s %s to %s", req.Amount, ledger.Unit, req.Recipient),
		NewBalance: newBalance,
	})
}

// GetJournal returns recent journal entries for an account, newest first.
func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	entries, err := h.Engine.Journal(r.Context(), caller.Actor(), id, limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]JournalEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toJournalEntryDTO(e)
	}

	writeJSON(w, http.StatusOK, JournalResponse{Status: statusSuccess, Entries: dtos})
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateAccount creates a regular account with a zero balance.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	credential, err := h.Passwords.Hash(req.Password)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	acc, err := h.Engine.CreateAccount(r.Context(), caller.Actor(), req.Username, credential)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, AccountResponse{Status: statusSuccess, Account: toAccountDTO(acc, true)})
}

// DeleteAccount removes a regular account.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	if err := h.Engine.DeleteAccount(r.Context(), caller.Actor(), id); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Status: statusSuccess, Message: "Account deleted"})
}

// ChangePassword replaces an account's password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	credential, err := h.Passwords.Hash(req.Password)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	if err := h.Engine.ChangeCredential(r.Context(), caller.Actor(), id, credential); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Status: statusSuccess, Message: "Password updated"})
}

// SetBalance overrides an account balance.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Balance == nil {
		writeError(w, http.StatusBadRequest, "balance is required")
		return
	}

	if err := h.Engine.SetBalance(r.Context(), caller.Actor(), id, *req.Balance); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{Status: statusSuccess, UserID: id, Balance: *req.Balance})
}

// BonusStatus reports the scheduler state and its last run.
func (h *Handler) BonusStatus(w http.ResponseWriter, r *http.Request) {
	if h.Bonus == nil {
		writeError(w, http.StatusServiceUnavailable, "Bonus scheduler not configured")
		return
	}

	resp := BonusStatusResponse{Status: statusSuccess, Running: h.Bonus.Running()}
	if last, ok := h.Bonus.LastRun(); ok {
		dto := toBonusRunDTO(last)
		resp.LastRun = &dto
	}
	if resp.Running {
		resp.NextRun = h.Bonus.NextRunTime().UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// RunBonus applies the periodic bonus immediately. Accounts credited within
// the current period are skipped.
func (h *Handler) RunBonus(w http.ResponseWriter, r *http.Request) {
	if h.Bonus == nil {
		writeError(w, http.StatusServiceUnavailable, "Bonus scheduler not configured")
		return
	}

	result := h.Bonus.RunNow(r.Context())
	if result.Err != nil {
		writeLedgerError(w, r, result.Err)
		return
	}

	writeJSON(w, http.StatusOK, BonusRunResponse{Status: statusSuccess, Run: toBonusRunDTO(result)})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Status: statusError, Message: message})
}

// accountIDParam parses the {id} URL parameter, writing a 400 on failure.
func accountIDParam(w http.ResponseWriter, r *http.Request) (ledger.AccountID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid account id")
		return 0, false
	}
	return ledger.AccountID(id), true
}

func toBonusRunDTO(result scheduler.RunResult) BonusRunDTO {
	dto := BonusRunDTO{
		At:       result.At.UTC().Format(time.RFC3339),
		Credited: result.Credited,
	}
	if result.Err != nil {
		dto.Error = messageFor(result.Err)
	}
	return dto
}
