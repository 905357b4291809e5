// Package registration creates self-service accounts and drives the
// confirmation email loop around them.
package registration

import (
	"context"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/codealloc"
	"github.com/dpup/warden/email"
	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/eventbus"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/policy"
	"github.com/dpup/warden/storage"
	"github.com/dpup/warden/workqueue"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// EventRegistered is published with a RegisteredEvent for every new account.
const EventRegistered = "account.registered"

var (
	ErrIdentifierTaken = errors.NewC("identifier already registered", codes.AlreadyExists).
				WithPublicMessage("An account is already registered with that identifier.")

	ErrPasswordRequired = errors.NewC("password required", codes.InvalidArgument).
				WithPublicMessage("A password is required.")

	ErrAlreadyConfirmed = errors.NewC("credential already confirmed", codes.FailedPrecondition).
				WithPublicMessage("This account is already confirmed.")

	ErrAccountNotFound = errors.NewC("account not found", codes.NotFound)
)

// RegisteredEvent is the payload of EventRegistered.
type RegisteredEvent struct {
	AccountID  string
	Identifier string
	Code       string
}

// Request describes a new account.
type Request struct {
	Identifier string
	Kind       account.Kind // Guessed from Identifier when empty.
	Password   string
	Scope      []string // Defaults to Config.DefaultScope.
}

// Config for the registrar.
type Config struct {
	Policy       policy.Config
	DefaultScope []string
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithHasher sets the password hasher. Defaults to bcrypt.
func WithHasher(h account.Hasher) Option {
	return func(r *Registrar) {
		r.hasher = h
	}
}

// WithEventBus publishes registration events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(r *Registrar) {
		r.bus = bus
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) {
		r.now = now
	}
}

// Registrar creates accounts.
type Registrar struct {
	accounts *account.Repository
	confirm  *account.Service
	alloc    codealloc.Allocator
	queue    workqueue.WorkQueue
	cfg      Config
	hasher   account.Hasher
	bus      eventbus.EventBus
	now      func() time.Time
}

// New returns a registrar. Confirmation emails are enqueued on queue.
func New(accounts *account.Repository, confirm *account.Service, alloc codealloc.Allocator, queue workqueue.WorkQueue, cfg Config, opts ...Option) *Registrar {
	r := &Registrar{
		accounts: accounts,
		confirm:  confirm,
		alloc:    alloc,
		queue:    queue,
		cfg:      cfg,
		hasher:   account.BcryptHasher{},
		bus:      eventbus.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a REGISTERED account with an unconfirmed credential and
// sends the credential's confirmation message.
func (r *Registrar) Register(ctx context.Context, req Request) (*account.Account, error) {
	kind := req.Kind
	if kind == "" {
		kind = account.KindOf(req.Identifier)
	}
	identifier, err := account.Normalize(kind, req.Identifier)
	if err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, errors.Mark(ErrPasswordRequired, 0)
	}
	logging.Track(ctx, "registration.identifier", identifier)

	if taken, err := r.accounts.IdentifierTaken(ctx, identifier); err != nil {
		return nil, err
	} else if taken {
		return nil, errors.Mark(ErrIdentifierTaken, 0)
	}

	hash, err := r.hasher.Generate([]byte(req.Password))
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	code, err := r.alloc.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	v, err := r.confirm.NewValidation()
	if err != nil {
		return nil, err
	}

	scope := req.Scope
	if len(scope) == 0 {
		scope = r.cfg.DefaultScope
	}
	acct := &account.Account{
		ID:                  uuid.NewString(),
		Status:              account.StatusRegistered,
		Scope:               scope,
		PasswordHash:        hash,
		ConfirmationExpires: r.cfg.Policy.ConfirmationDeadline(r.now()),
		Code:                code,
	}
	cred := &account.Credential{
		ID:         identifier,
		Kind:       kind,
		Status:     account.CredentialRegistered,
		Validation: v,
	}
	// Two concurrent registrations of one identifier both pass the check
	// above; the store rejects the second.
	if err := r.accounts.Create(ctx, acct, cred); errors.Is(err, storage.ErrAlreadyExists) {
		return nil, errors.Mark(ErrIdentifierTaken, 0)
	} else if err != nil {
		return nil, err
	}

	logging.Infow(ctx, "registration: account created", "account_id", acct.ID, "account.code", acct.Code)
	r.sendConfirmation(ctx, acct.ID, cred)
	r.bus.Publish(EventRegistered, RegisteredEvent{AccountID: acct.ID, Identifier: identifier, Code: code})
	return acct, nil
}

// ResendConfirmation issues a new validation token for the account's primary
// credential and sends it. It is the remedy offered with
// policy.ErrEmailNotConfirmed.
func (r *Registrar) ResendConfirmation(ctx context.Context, accountID string) error {
	cred, err := r.accounts.CredentialFor(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Mark(ErrAccountNotFound, 0)
	} else if err != nil {
		return err
	}
	return r.resend(ctx, cred)
}

// ResendConfirmationTo is ResendConfirmation keyed by the normalized
// identifier the message is sent to.
func (r *Registrar) ResendConfirmationTo(ctx context.Context, identifier string) error {
	cred, err := r.accounts.Credential(ctx, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Mark(ErrAccountNotFound, 0)
	} else if err != nil {
		return err
	}
	return r.resend(ctx, cred)
}

func (r *Registrar) resend(ctx context.Context, cred *account.Credential) error {
	if err := resendable(cred.Status); err != nil {
		return err
	}
	cred, err := r.confirm.Reissue(ctx, cred.ID)
	if err != nil {
		return err
	}
	r.sendConfirmation(ctx, cred.AccountID, cred)
	return nil
}

// resendable rejects credentials that a new token could not confirm, using
// the errors the gate reports for the same states.
func resendable(status account.CredentialStatus) error {
	switch status {
	case account.CredentialConfirmed:
		return errors.Mark(ErrAlreadyConfirmed, 0)
	case account.CredentialTemporallyBlocked:
		return errors.Mark(policy.ErrAccountBlocked, 0)
	case account.CredentialCancelled:
		return errors.Mark(policy.ErrAccountCancelled, 0)
	case account.CredentialDisabledByAdmin:
		return errors.Mark(policy.ErrAccountDisabled, 0)
	}
	return nil
}

func (r *Registrar) sendConfirmation(ctx context.Context, accountID string, cred *account.Credential) {
	if cred.Kind != account.KindEmail {
		logging.Warnw(ctx, "registration: no confirmation delivery for credential kind", "kind", cred.Kind)
		return
	}
	r.queue.Enqueue(email.QueueConfirmations, email.Confirmation{
		To:        cred.ID,
		AccountID: accountID,
		Token:     cred.Validation.Token,
		ExpiresAt: cred.Validation.Expire,
	})
}
