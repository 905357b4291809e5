package account

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/eventbus"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/storage"
)

// EventConfirmed is published with a ConfirmedEvent when a credential is
// confirmed.
const EventConfirmed = "account.confirmed"

// ConfirmedEvent is the payload of EventConfirmed.
type ConfirmedEvent struct {
	AccountID  string
	Identifier string
}

// Config controls the confirmation flow.
type Config struct {
	// Verification attempts allowed per token.
	MaxAttempts int

	// How long a validation token stays valid.
	TokenLifetime time.Duration

	// Minimum time between two tokens for one credential. Zero disables the
	// limit.
	ReissueInterval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithEventBus publishes confirmation events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *Service) {
		s.bus = bus
	}
}

// Service runs the credential confirmation flow.
type Service struct {
	repo *Repository
	cfg  Config
	now  func() time.Time
	bus  eventbus.EventBus
}

// NewService returns a confirmation service.
func NewService(repo *Repository, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
		bus:  eventbus.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewValidation returns a fresh validation record. It is not persisted.
func (s *Service) NewValidation() (*Validation, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &Validation{
		Token:  token,
		Status: ValidationPending,
		Issued: now,
		Expire: now.Add(s.cfg.TokenLifetime),
	}, nil
}

// Reissue replaces the outstanding validation token of a credential, resetting
// its attempt counter. Only credentials awaiting confirmation get a new token,
// and at most one per ReissueInterval.
func (s *Service) Reissue(ctx context.Context, identifier string) (*Credential, error) {
	v, err := s.NewValidation()
	if err != nil {
		return nil, err
	}
	var rejected error
	cred, err := s.repo.UpdateCredential(ctx, identifier, func(c *Credential) {
		switch {
		case !c.Status.AwaitingConfirmation():
			rejected = errors.Mark(ErrNotAwaitingConfirmation, 0).Append("status=" + string(c.Status))
		case s.issuedRecently(c.Validation, v.Issued):
			rejected = errors.Mark(ErrReissueTooSoon, 0)
		default:
			c.Validation = v
		}
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return cred, nil
}

func (s *Service) issuedRecently(v *Validation, now time.Time) bool {
	if s.cfg.ReissueInterval <= 0 || v == nil || v.Status != ValidationPending || v.Issued.IsZero() {
		return false
	}
	return now.Before(v.Issued.Add(s.cfg.ReissueInterval))
}

// Confirm checks token against the credential's outstanding validation token.
// Every call counts as an attempt, and the attempt is persisted before the
// token is compared. On success the credential becomes CONFIRMED and a
// REGISTERED account becomes ENABLED.
func (s *Service) Confirm(ctx context.Context, identifier, token string) error {
	cred, err := s.repo.UpdateCredential(ctx, identifier, func(c *Credential) {
		if c.Validation != nil && c.Validation.Status == ValidationPending {
			c.Validation.Attempts++
		}
	})
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Mark(ErrInvalidValidationToken, 0)
	} else if err != nil {
		return err
	}

	// A blocked credential keeps its status even when it still holds a token
	// issued before the block.
	if !cred.Status.AwaitingConfirmation() {
		logging.Warnw(ctx, "account: confirmation refused for credential status",
			"account_id", cred.AccountID, "credential.status", cred.Status)
		return errors.Mark(ErrInvalidValidationToken, 0)
	}
	v := cred.Validation
	if v == nil || v.Status != ValidationPending {
		return errors.Mark(ErrInvalidValidationToken, 0)
	}
	if v.Attempts > s.cfg.MaxAttempts {
		logging.Warnw(ctx, "account: validation attempts exceeded",
			"account_id", cred.AccountID, "attempts", v.Attempts)
		return errors.Mark(ErrTooManyAttempts, 0)
	}
	if !s.now().Before(v.Expire) {
		return errors.Mark(ErrValidationExpired, 0)
	}
	if subtle.ConstantTimeCompare([]byte(v.Token), []byte(token)) != 1 {
		return errors.Mark(ErrInvalidValidationToken, 0)
	}

	confirmed := false
	if _, err := s.repo.UpdateCredential(ctx, identifier, func(c *Credential) {
		if !c.Status.AwaitingConfirmation() {
			return
		}
		confirmed = true
		c.Status = CredentialConfirmed
		if c.Validation != nil {
			c.Validation.Status = ValidationUsed
		}
	}); err != nil {
		return err
	} else if !confirmed {
		return errors.Mark(ErrInvalidValidationToken, 0)
	}
	if _, err := s.repo.UpdateAccount(ctx, cred.AccountID, func(a *Account) {
		if a.Status == StatusRegistered {
			a.Status = StatusEnabled
		}
		a.ConfirmationExpires = nil
	}); err != nil {
		return err
	}

	logging.Infow(ctx, "account: credential confirmed", "account_id", cred.AccountID)
	s.bus.Publish(EventConfirmed, ConfirmedEvent{AccountID: cred.AccountID, Identifier: identifier})
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, 0)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
