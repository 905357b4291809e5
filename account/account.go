// Package account holds the user records the authorization server signs in:
// accounts, their email and phone credentials, and the confirmation flow that
// moves a credential from REGISTERED to CONFIRMED.
package account

import (
	"net/mail"
	"strings"
	"time"

	"github.com/dpup/warden/errors"
	"google.golang.org/grpc/codes"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusDisabledByAdmin   Status = "DISABLED_BY_ADMIN"
	StatusTemporallyBlocked Status = "TEMPORALLY_BLOCKED"
	StatusCancelled         Status = "CANCELLED"
	StatusDeleted           Status = "DELETED"
	StatusUnknown           Status = "UNKNOWN"
	StatusDisabled          Status = "DISABLED"
	StatusEnabled           Status = "ENABLED"
	StatusRegistered        Status = "REGISTERED"
)

// CredentialStatus is the validation state of an email or phone credential.
type CredentialStatus string

const (
	CredentialRegistered             CredentialStatus = "REGISTERED"
	CredentialConfirmed              CredentialStatus = "CONFIRMED"
	CredentialNeedsConfirmCanNotAuth CredentialStatus = "NEEDS_CONFIRM_CAN_NOT_AUTH"
	CredentialNeedsConfirmCanAuth    CredentialStatus = "NEEDS_CONFIRM_CAN_AUTH"
	CredentialTemporallyBlocked      CredentialStatus = "TEMPORALLY_BLOCKED"
	CredentialCancelled              CredentialStatus = "CANCELLED"
	CredentialDisabledByAdmin        CredentialStatus = "DISABLED_BY_ADMIN"
)

// AwaitingConfirmation reports whether a credential in this state may be
// sent a validation token and confirmed with it. Blocked, cancelled and
// disabled credentials are changed by administrators only.
func (s CredentialStatus) AwaitingConfirmation() bool {
	switch s {
	case CredentialRegistered, CredentialNeedsConfirmCanAuth, CredentialNeedsConfirmCanNotAuth:
		return true
	}
	return false
}

// Kind distinguishes email from phone credentials.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

// ValidationStatus tracks a single confirmation token.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationUsed    ValidationStatus = "USED"
)

var (
	// Returned when an identifier can not be normalized.
	ErrInvalidIdentifier = errors.NewC("invalid identifier", codes.InvalidArgument).
				WithPublicMessage("The email address or phone number is not valid.")

	// Returned when a credential has had too many confirmation attempts.
	ErrTooManyAttempts = errors.NewC("too many validation attempts", codes.ResourceExhausted).
				WithPublicMessage("Too many attempts. Request a new confirmation code.")

	// Returned when the confirmation token has expired.
	ErrValidationExpired = errors.NewC("validation token expired", codes.FailedPrecondition).
				WithPublicMessage("The confirmation code has expired. Request a new one.")

	// Returned when the confirmation token does not match.
	ErrInvalidValidationToken = errors.NewC("invalid validation token", codes.InvalidArgument).
					WithPublicMessage("The confirmation code is not valid.")

	// Returned by Reissue for a credential that is not awaiting confirmation.
	ErrNotAwaitingConfirmation = errors.NewC("credential is not awaiting confirmation", codes.FailedPrecondition)

	// Returned by Reissue when the outstanding token was issued too recently.
	ErrReissueTooSoon = errors.NewC("validation token reissued too soon", codes.ResourceExhausted).
				WithPublicMessage("A confirmation message was sent recently. Try again later.")
)

// Account is a user that may sign in. Accounts are never physically deleted;
// DELETED and CANCELLED are terminal states.
type Account struct {
	ID                  string
	Status              Status
	Scope               []string
	PasswordHash        []byte
	ConfirmationExpires *time.Time
	Code                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (a Account) PK() string {
	return a.ID
}

// ConfirmationPending reports whether the account's confirmation window is
// still open at now.
func (a *Account) ConfirmationPending(now time.Time) bool {
	return a.ConfirmationExpires != nil && now.Before(*a.ConfirmationExpires)
}

// Validation is the confirmation token currently outstanding for a credential.
type Validation struct {
	Token    string
	Attempts int
	Status   ValidationStatus
	Issued   time.Time
	Expire   time.Time
}

// Credential is an email address or phone number that belongs to exactly one
// account. Its ID is the normalized identifier.
type Credential struct {
	ID         string
	AccountID  string
	Kind       Kind
	Status     CredentialStatus
	Validation *Validation
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (c Credential) PK() string {
	return c.ID
}

// Normalize returns the canonical form of an identifier. Emails are lowercased
// and stripped of any display name; phone numbers keep only a leading plus and
// digits.
func Normalize(kind Kind, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	switch kind {
	case KindEmail:
		addr, err := mail.ParseAddress(identifier)
		if err != nil {
			return "", errors.Mark(ErrInvalidIdentifier, 0).Append(err.Error())
		}
		return strings.ToLower(addr.Address), nil
	case KindPhone:
		var b strings.Builder
		for i, r := range identifier {
			switch {
			case r >= '0' && r <= '9':
				b.WriteRune(r)
			case r == '+' && i == 0:
				b.WriteRune(r)
			case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			default:
				return "", errors.Mark(ErrInvalidIdentifier, 0)
			}
		}
		if n := len(strings.TrimPrefix(b.String(), "+")); n < 5 || n > 15 {
			return "", errors.Mark(ErrInvalidIdentifier, 0)
		}
		return b.String(), nil
	}
	return "", errors.Mark(ErrInvalidIdentifier, 0).Append("unknown kind " + string(kind))
}

// KindOf guesses the kind of a raw identifier supplied at sign in.
func KindOf(identifier string) Kind {
	if strings.Contains(identifier, "@") {
		return KindEmail
	}
	return KindPhone
}
