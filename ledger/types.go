/*
Package ledger provides the DIZ account ledger.

PURPOSE:
  This package owns balances. Every change to an account balance, whether a
  transfer between users, an administrative correction or the weekly bonus,
  goes through the Engine defined in engine.go. Stores only persist what the
  Engine decides.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: An exact DIZ quantity (decimal, never float)
  - Account: A balance holder with an admin flag and a bonus timestamp
  - Actor: Who is asking, and whether they hold admin authority
  - JournalEntry: One recorded balance or account change

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere money is involved
  2. Explicit authority: callers pass an Actor, nothing is read from ambient state
  3. Copies out: Stores hand out Account values, never pointers into their state

SEE ALSO:
  - engine.go: Business rules
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Exact quantity of DIZ
// =============================================================================

// Unit is the display name of the ledger's single currency.
const Unit = "DIZ"

// MaxScale is the number of fractional digits an Amount may carry.
const MaxScale = 2

// Amount is a quantity of DIZ. The zero value is zero DIZ.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount { return Amount{Value: decimal.NewFromFloat(value)} }
func NewAmountFromInt(value int64) Amount { return Amount{Value: decimal.NewFromInt(value)} }

// ParseAmount parses a decimal string such as "20" or "12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic("ledger: bad amount " + s)
	}
	return a
}

func Zero() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) String() string { return a.Value.StringFixed(MaxScale) }

// Exact reports whether a fits in MaxScale fractional digits.
func (a Amount) Exact() bool {
	return a.Value.Equal(a.Value.Truncate(MaxScale))
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.Value.UnmarshalJSON(data)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is assigned by the Store on creation and never reused.
type AccountID int64

// Credential is opaque verification material (a password hash). The ledger
// stores and replaces it but never interprets it.
type Credential string

// AdminUsername is the account provisioned by bootstrap.
const AdminUsername = "admincontrol"

// MaxUsernameLength bounds usernames, counted in characters.
const MaxUsernameLength = 80

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID          AccountID
	Username    string
	Credential  Credential
	Balance     Amount
	IsAdmin     bool
	LastBonusAt *time.Time // nil: never received a periodic bonus
	CreatedAt   time.Time
}

// BonusDue reports whether the account may receive a bonus at now.
func (a Account) BonusDue(now time.Time, period time.Duration) bool {
	if a.LastBonusAt == nil {
		return true
	}
	return now.Sub(*a.LastBonusAt) >= period
}

// NewAccount is what callers hand to Store.Create.
type NewAccount struct {
	Username   string
	Credential Credential
	IsAdmin    bool
}

// =============================================================================
// ACTOR - Authority asserted by the caller
// =============================================================================

// Actor identifies who requested an operation. IsAdmin is trusted as given;
// resolving it is the caller's job.
type Actor struct {
	ID      AccountID
	IsAdmin bool
}

// System is the actor used for scheduled work and bootstrap.
var System = Actor{ID: 0, IsAdmin: true}

// =============================================================================
// JOURNAL
// =============================================================================

type JournalKind string

const (
	JournalTransferOut       JournalKind = "transfer_out"
	JournalTransferIn        JournalKind = "transfer_in"
	JournalBonus             JournalKind = "bonus"
	JournalSetBalance        JournalKind = "set_balance"
	JournalAccountCreated    JournalKind = "account_created"
	JournalCredentialChanged JournalKind = "credential_changed"
)

// JournalEntry records one change. Entries are append-only and written in the
// same store transaction as the change they describe.
type JournalEntry struct {
	ID           string
	AccountID    AccountID
	Kind         JournalKind
	Counterparty string
	Delta        Amount
	BalanceAfter Amount
	ActorID      AccountID
	At           time.Time
}
