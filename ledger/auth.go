package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// CredentialVerifier compares a presented secret with stored credential
// material. The ledger never does the comparison itself.
type CredentialVerifier interface {
	Verify(stored Credential, presented string) error
}

// Authenticate resolves username and asks v to check presented against the
// stored credential. Unknown users and failed checks both return
// ErrInvalidCredentials.
func (e *Engine) Authenticate(ctx context.Context, username, presented string, v CredentialVerifier) (Account, error) {
	acc, err := e.Store.GetByUsername(ctx, username)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := v.Verify(acc.Credential, presented); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return acc, nil
}

// EnsureAdmin provisions the administrative account if it does not exist.
// It reports whether the account was created by this call.
func (e *Engine) EnsureAdmin(ctx context.Context, credential Credential) (Account, bool, error) {
	acc, err := e.Store.GetByUsername(ctx, AdminUsername)
	if err == nil {
		if !acc.IsAdmin {
			return Account{}, false, fmt.Errorf("bootstrap: account %q exists without admin rights", AdminUsername)
		}
		return acc, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, false, err
	}
	if credential == "" {
		return Account{}, false, ErrInvalidCredential
	}

	acc, err = e.create(ctx, System, NewAccount{Username: AdminUsername, Credential: credential, IsAdmin: true})
	if errors.Is(err, ErrAccountExists) {
		// Lost a race with another bootstrap; use what it created.
		acc, err = e.Store.GetByUsername(ctx, AdminUsername)
		return acc, false, err
	}
	if err != nil {
		return Account{}, false, err
	}
	log.Printf("[Ledger] Provisioned admin account %q (id %d)", acc.Username, acc.ID)
	return acc, true, nil
}
