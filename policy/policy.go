// Package policy decides whether an account may sign in. The gate is consulted
// before a user-bound token is issued and again whenever one is read.
package policy

import (
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
)

// ErrorDomain identifies error details produced by the gate.
const ErrorDomain = "warden.policy"

var (
	ErrNotAllowedSignin = errors.NewC("sign in not allowed", codes.PermissionDenied).
				WithPublicMessage("Sign in is not allowed.")

	ErrAccountBlocked = errors.NewC("account temporarily blocked", codes.PermissionDenied).
				WithPublicMessage("This account is temporarily blocked.")

	ErrAccountCancelled = errors.NewC("account cancelled", codes.PermissionDenied).
				WithPublicMessage("This account has been cancelled.")

	ErrAccountDisabled = errors.NewC("account disabled by administrator", codes.PermissionDenied).
				WithPublicMessage("This account has been disabled.")

	// Carries an errdetails.ErrorInfo with the account id so callers can offer
	// to resend the confirmation message. See AccountIDFromError.
	ErrEmailNotConfirmed = errors.NewC("email not confirmed", codes.FailedPrecondition).
				WithPublicMessage("Confirm your email address to sign in.")
)

// ConfirmationPolicy controls whether unconfirmed credentials may sign in.
type ConfirmationPolicy string

const (
	// Unconfirmed credentials may always sign in.
	NotRequired ConfirmationPolicy = "NOT_REQUIRED"

	// Credentials must be confirmed before sign in.
	Required ConfirmationPolicy = "REQUIRED"

	// Unconfirmed credentials may sign in until the account's confirmation
	// window closes.
	RequiredByTime ConfirmationPolicy = "REQUIRED_BY_TIME"
)

// Config for the gate.
type Config struct {
	EmailConfirmation ConfirmationPolicy

	// Length of the confirmation window stamped on new accounts under
	// RequiredByTime.
	ConfirmationWindow time.Duration
}

// ConfirmationDeadline returns the ConfirmationExpires value a newly
// registered account should carry, or nil when the policy has no window.
func (c Config) ConfirmationDeadline(now time.Time) *time.Time {
	if c.EmailConfirmation != RequiredByTime {
		return nil
	}
	t := now.Add(c.ConfirmationWindow)
	return &t
}

// Gate is the access policy decision function. It holds no per-call state and
// is safe for concurrent use.
type Gate struct {
	cfg Config
	now func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate returns a gate enforcing cfg.
func NewGate(cfg Config, opts ...Option) *Gate {
	g := &Gate{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanSignin returns nil if acct may sign in with cred. Social sign ins carry
// no local credential, so cred is not inspected when isSocial is true.
func (g *Gate) CanSignin(acct *account.Account, cred *account.Credential, isSocial bool) error {
	if acct == nil {
		return errors.Mark(ErrNotAllowedSignin, 0)
	}
	switch acct.Status {
	case account.StatusTemporallyBlocked:
		return errors.Mark(ErrAccountBlocked, 0)
	case account.StatusCancelled:
		return errors.Mark(ErrAccountCancelled, 0)
	case account.StatusDisabledByAdmin:
		return errors.Mark(ErrAccountDisabled, 0)
	}

	if isSocial {
		return nil
	}
	if cred == nil {
		return errors.Mark(ErrNotAllowedSignin, 0)
	}

	now := g.now()
	switch cred.Status {
	case account.CredentialRegistered:
		switch {
		case g.cfg.EmailConfirmation == NotRequired:
			return nil
		case g.cfg.EmailConfirmation == RequiredByTime && acct.ConfirmationPending(now):
			return nil
		}
		return emailNotConfirmed(acct.ID)
	case account.CredentialTemporallyBlocked:
		return errors.Mark(ErrAccountBlocked, 0)
	case account.CredentialCancelled:
		return errors.Mark(ErrAccountCancelled, 0)
	case account.CredentialDisabledByAdmin:
		return errors.Mark(ErrAccountDisabled, 0)
	case account.CredentialNeedsConfirmCanNotAuth:
		return emailNotConfirmed(acct.ID)
	case account.CredentialNeedsConfirmCanAuth:
		if acct.ConfirmationPending(now) {
			return nil
		}
		return emailNotConfirmed(acct.ID)
	}
	return nil
}

func emailNotConfirmed(accountID string) error {
	return errors.Mark(ErrEmailNotConfirmed, 1).WithDetails(&errdetails.ErrorInfo{
		Reason:   "EMAIL_NOT_CONFIRMED",
		Domain:   ErrorDomain,
		Metadata: map[string]string{"account_id": accountID},
	})
}

// AccountIDFromError returns the account id attached to an
// ErrEmailNotConfirmed rejection.
func AccountIDFromError(err error) (string, bool) {
	if !errors.Is(err, ErrEmailNotConfirmed) {
		return "", false
	}
	var e *errors.Error
	if !errors.As(err, &e) {
		return "", false
	}
	for _, d := range e.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			id, ok := info.GetMetadata()["account_id"]
			return id, ok
		}
	}
	return "", false
}
