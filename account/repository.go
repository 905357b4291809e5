package account

import (
	"context"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/storage"
)

// Repository persists accounts and credentials.
type Repository struct {
	store storage.Store
}

// NewRepository returns a repository backed by store.
func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// Init prepares the backing store for accounts and credentials.
func (r *Repository) Init(ctx context.Context) error {
	return storage.InitModels(ctx, r.store, Account{}, Credential{})
}

// Create persists a new account together with its first credential. Neither
// is written if either already exists.
func (r *Repository) Create(ctx context.Context, acct *Account, cred *Credential) error {
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	acct.UpdatedAt, cred.UpdatedAt = now, now
	cred.AccountID = acct.ID
	return r.store.Create(ctx, *acct, *cred)
}

// Account reads an account by id.
func (r *Repository) Account(ctx context.Context, id string) (*Account, error) {
	var a Account
	if err := r.store.Read(ctx, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Credential reads a credential by its normalized identifier.
func (r *Repository) Credential(ctx context.Context, identifier string) (*Credential, error) {
	var c Credential
	if err := r.store.Read(ctx, identifier, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CredentialFor returns the primary credential of an account, the oldest one
// registered.
func (r *Repository) CredentialFor(ctx context.Context, accountID string) (*Credential, error) {
	var creds []Credential
	if err := r.store.List(ctx, &creds, Credential{AccountID: accountID}); err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	primary := creds[0]
	for _, c := range creds[1:] {
		if c.CreatedAt.Before(primary.CreatedAt) {
			primary = c
		}
	}
	return &primary, nil
}

// IdentifierTaken reports whether a credential already uses identifier.
func (r *Repository) IdentifierTaken(ctx context.Context, identifier string) (bool, error) {
	return r.store.Exists(ctx, identifier, &Credential{})
}

// UpdateAccount applies fn to the stored account and writes it back.
func (r *Repository) UpdateAccount(ctx context.Context, id string, fn func(*Account)) (*Account, error) {
	a, err := storage.FindOneAndUpdate(ctx, r.store, Account{ID: id}, func(a *Account) {
		fn(a)
		a.UpdatedAt = time.Now()
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateCredential applies fn to the stored credential and writes it back.
func (r *Repository) UpdateCredential(ctx context.Context, identifier string, fn func(*Credential)) (*Credential, error) {
	c, err := storage.FindOneAndUpdate(ctx, r.store, Credential{ID: identifier}, func(c *Credential) {
		fn(c)
		c.UpdatedAt = time.Now()
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
