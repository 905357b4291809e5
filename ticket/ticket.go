// Package ticket issues short-lived, single-use authentication tickets. A
// ticket proves that a user just authenticated, locally or with a social
// provider, and is exchanged exactly once at the authorization endpoint.
package ticket

import (
	"context"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// ProviderLocal marks tickets issued after a password sign in.
const ProviderLocal = "local"

const jwtLeeway = 5 * time.Second

var (
	ErrTicketInvalid = errors.NewC("invalid authentication ticket", codes.Unauthenticated).
				WithPublicMessage("The sign in ticket is invalid or has expired.")

	ErrTicketUsed = errors.NewC("authentication ticket already used", codes.Unauthenticated).
			WithPublicMessage("The sign in ticket has already been used.")
)

// Claims carried by a ticket.
type Claims struct {
	jwt.RegisteredClaims

	// Identity provider that authenticated the subject.
	Provider string `json:"idp"`
}

// Ticket is a redeemed ticket.
type Ticket struct {
	ID        string
	Subject   string
	Provider  string
	ExpiresAt time.Time
}

// IsSocial reports whether the ticket came from an external provider.
func (t Ticket) IsSocial() bool {
	return t.Provider != ProviderLocal
}

// UsedTicket records a redeemed ticket id.
type UsedTicket struct {
	ID     string
	UsedAt time.Time
}

// PK implements storage.Model.
func (u UsedTicket) PK() string {
	return u.ID
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// Issuer signs and redeems tickets.
type Issuer struct {
	store    storage.Store
	key      []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer returns an issuer signing with key. Redeemed ticket ids are
// recorded in store.
func NewIssuer(store storage.Store, key []byte, issuer string, lifetime time.Duration, opts ...Option) *Issuer {
	i := &Issuer{
		store:    store,
		key:      key,
		issuer:   issuer,
		lifetime: lifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Init prepares the backing store.
func (i *Issuer) Init(ctx context.Context) error {
	return storage.InitModels(ctx, i.store, UsedTicket{})
}

// Issue returns a signed ticket for subject.
func (i *Issuer) Issue(ctx context.Context, subject, provider string) (string, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
		Provider: provider,
	}
	ss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", errors.Wrap(err, 0).WithCode(codes.Internal)
	}
	logging.Track(ctx, "ticket.id", claims.ID)
	return ss, nil
}

// Redeem validates raw and consumes it. A ticket can be redeemed once.
func (i *Issuer) Redeem(ctx context.Context, raw string) (Ticket, error) {
	token, err := jwt.ParseWithClaims(
		raw,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			return i.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.issuer),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Ticket{}, errors.Mark(ErrTicketInvalid, 0).Append(err.Error())
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" || claims.Subject == "" || claims.Provider == "" {
		return Ticket{}, errors.Mark(ErrTicketInvalid, 0).Append("invalid claims")
	}

	err = i.store.Create(ctx, UsedTicket{ID: claims.ID, UsedAt: i.now()})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return Ticket{}, errors.Mark(ErrTicketUsed, 0)
	} else if err != nil {
		return Ticket{}, err
	}

	logging.Track(ctx, "ticket.id", claims.ID)
	return Ticket{
		ID:        claims.ID,
		Subject:   claims.Subject,
		Provider:  claims.Provider,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
