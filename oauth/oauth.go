// Package oauth implements the grant and token model behind warden's OAuth2
// endpoints, and binds it to the go-oauth2 protocol engine.
//
// The Model interface is the callback surface the engine drives: client and
// user lookup, code and token generation, persistence, scope resolution and
// revocation. GrantModel implements it over a storage.Store and consults the
// access policy gate before any user-bound token is issued or accepted.
//
// # Usage
//
//	model := oauth.NewGrantModel(store, accounts, gate, oauth.Config{...})
//	engine := oauth.NewEngine(model, tickets, oauth.EngineConfig{...})
//	srv := server.New(engine.ServerOptions()...)
//
// Protected handlers can require scopes on the bearer token:
//
//	http.Handle("/me", engine.RequireScope("profile")(meHandler))
package oauth

import (
	"context"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/errors"
	"google.golang.org/grpc/codes"
)

var (
	ErrInvalidApplication = errors.NewC("invalid application", codes.Unauthenticated).
				WithPublicMessage("Unknown client or bad client credentials.")

	ErrAccountNotRegistered = errors.NewC("account not registered", codes.NotFound).
				WithPublicMessage("No account is registered with that identifier.")

	ErrInvalidAuthorizationCode = errors.NewC("invalid authorization code", codes.InvalidArgument).
					WithPublicMessage("The authorization code is invalid or has expired.")

	ErrInvalidToken = errors.NewC("invalid token", codes.Unauthenticated).
			WithPublicMessage("The token is invalid.")

	ErrInvalidCredentials = errors.NewC("invalid credentials", codes.Unauthenticated).
				WithPublicMessage("Invalid username or password.")

	ErrTokenExpired = errors.NewC("token expired", codes.Unauthenticated).
			WithPublicMessage("The token has expired.")

	ErrInvalidScope = errors.NewC("invalid scope", codes.InvalidArgument).
			WithPublicMessage("The requested scope is invalid.")

	ErrInsufficientScope = errors.NewC("insufficient scope", codes.PermissionDenied).
				WithPublicMessage("The token does not grant the required scope.")

	ErrInvalidRedirectURI = errors.NewC("redirect uri not registered", codes.InvalidArgument).
				WithPublicMessage("The redirect URI is not registered for this client.")
)

// Infinite marks a client whose access tokens never expire.
const Infinite = -1

// keepWindow is how far a keep token's expiry is pushed on every read.
const keepWindow = 365 * 24 * time.Hour

// ClientType describes how a client is deployed.
type ClientType string

const (
	ClientModule        ClientType = "MODULE"
	ClientService       ClientType = "SERVICE"
	ClientAndroid       ClientType = "ANDROID"
	ClientIOS           ClientType = "IOS"
	ClientWebServerSide ClientType = "WEB_SERVER_SIDE"
	ClientWebClientSide ClientType = "WEB_CLIENT_SIDE"
)

// TokenType tags a token with the shape of the grant that produced it.
type TokenType string

const (
	TypeApplication  TokenType = "APPLICATION"
	TypeUser         TokenType = "USER"
	TypeExternalAuth TokenType = "EXTERNAL_AUTH"
)

func (t TokenType) rank() int {
	switch t {
	case TypeApplication:
		return 1
	case TypeUser:
		return 2
	case TypeExternalAuth:
		return 3
	}
	return 0
}

// ClassifyTokenType decides the type of a token issued to a client.
// Server-side clients always receive application tokens. Other clients
// receive application tokens for client grants and user tokens otherwise,
// unless the caller pre-tagged a higher-ranked type.
func ClassifyTokenType(ct ClientType, clientGrant bool, preTagged TokenType) (TokenType, error) {
	switch ct {
	case ClientModule, ClientService:
		return TypeApplication, nil
	case ClientAndroid, ClientIOS, ClientWebServerSide, ClientWebClientSide:
		if clientGrant {
			return TypeApplication, nil
		}
		if preTagged.rank() > TypeUser.rank() {
			return preTagged, nil
		}
		return TypeUser, nil
	}
	return "", errors.Mark(ErrInvalidApplication, 0).Append("unknown client type " + string(ct))
}

// Client is a registered application. Lifetimes are in seconds; zero falls
// back to the server default and Infinite disables expiry of access tokens.
type Client struct {
	ID                   string
	Type                 ClientType
	Secret               string
	Scope                []string
	RedirectURIs         []string
	AccessTokenLifetime  int
	RefreshTokenLifetime int
	CreatedAt            time.Time
}

// PK implements storage.Model.
func (c Client) PK() string {
	return c.ID
}

// IsPublic reports whether the client cannot keep a secret.
func (c *Client) IsPublic() bool {
	return c.Secret == ""
}

// AuthorizationCode is a single-use code issued by the authorization
// endpoint.
type AuthorizationCode struct {
	Code                string
	ExpiresAt           time.Time
	RedirectURI         string
	Scope               []string
	ClientID            string
	UserID              string // Empty for client grants.
	CodeChallenge       string
	CodeChallengeMethod string
	Type                TokenType // Pre-tag carried to the token exchange.
	CreatedAt           time.Time

	Client *Client          `json:"-"`
	User   *account.Account `json:"-"`
}

// PK implements storage.Model.
func (c AuthorizationCode) PK() string {
	return c.Code
}

// Token is an access token with an optional refresh token.
type Token struct {
	AccessToken           string
	AccessTokenCreatedAt  time.Time
	AccessTokenExpiresAt  time.Time
	RefreshToken          string // Empty when no refresh token was issued or it was revoked.
	RefreshTokenCreatedAt time.Time
	RefreshTokenExpiresAt time.Time
	Scope                 []string
	ClientID              string
	UserID                string // Empty for client grants.
	Keep                  bool
	Type                  TokenType

	Client *Client          `json:"-"`
	User   *account.Account `json:"-"`
}

// PK implements storage.Model.
func (t Token) PK() string {
	return t.AccessToken
}

// RefreshToken is the refresh half of a Token.
type RefreshToken struct {
	RefreshToken          string
	RefreshTokenCreatedAt time.Time
	RefreshTokenExpiresAt time.Time
	AccessToken           string
	Scope                 []string
	ClientID              string
	UserID                string
	Type                  TokenType

	Client *Client
	User   *account.Account
}

// Model is the callback surface consumed by the protocol engine.
type Model interface {
	GetClient(ctx context.Context, id, secret string) (*Client, error)
	GetUser(ctx context.Context, username, password string) (*account.Account, error)
	LookupUser(ctx context.Context, id string) (*account.Account, error)
	MatchScope(ctx context.Context, client *Client, userID string, requested []string) ([]string, error)

	GenerateAuthorizationCode(ctx context.Context, client *Client, user *account.Account, scope []string) (string, error)
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode, client *Client, user *account.Account) (*AuthorizationCode, error)
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	RevokeAuthorizationCode(ctx context.Context, code *AuthorizationCode) (bool, error)

	GenerateAccessToken(ctx context.Context, client *Client, user *account.Account, scope []string) (string, error)
	GenerateRefreshToken(ctx context.Context, client *Client, user *account.Account, scope []string) (string, error)
	SaveToken(ctx context.Context, token *Token, client *Client, user *account.Account) (*Token, error)
	GetAccessToken(ctx context.Context, access string) (*Token, error)
	LoadAccessToken(ctx context.Context, access string) (*Token, error)
	GetRefreshToken(ctx context.Context, refresh string) (*RefreshToken, error)
	VerifyScope(ctx context.Context, token *Token, required []string) (bool, error)
	RevokeToken(ctx context.Context, token *Token) (bool, error)
	RevokeRefreshToken(ctx context.Context, token *RefreshToken) (bool, error)
}

// isClientGrant reports whether a grant is bound to the client alone.
func isClientGrant(client *Client, user *account.Account) bool {
	return user == nil || user.ID == client.ID
}

type grantKey struct{}

// grantContext is shared by the engine callbacks of a single request.
type grantContext struct {
	typ     TokenType
	refresh *RefreshToken // Set once a refresh token has been loaded.
}

// WithTokenType pre-tags tokens saved within ctx, for example by a social
// sign in path that wants EXTERNAL_AUTH tokens.
func WithTokenType(ctx context.Context, t TokenType) context.Context {
	return context.WithValue(ctx, grantKey{}, &grantContext{typ: t})
}

// TokenTypeFromContext returns the pre-tag attached with WithTokenType.
func TokenTypeFromContext(ctx context.Context) TokenType {
	if g, ok := ctx.Value(grantKey{}).(*grantContext); ok {
		return g.typ
	}
	return ""
}

// raiseTokenType upgrades the pre-tag in ctx when t outranks it. It lets the
// engine carry a code's or refresh token's type into the token it is
// exchanged for.
func raiseTokenType(ctx context.Context, t TokenType) {
	if g, ok := ctx.Value(grantKey{}).(*grantContext); ok && t.rank() > g.typ.rank() {
		g.typ = t
	}
}

func rememberRefresh(ctx context.Context, rt *RefreshToken) {
	if g, ok := ctx.Value(grantKey{}).(*grantContext); ok {
		g.refresh = rt
	}
}

func loadedRefresh(ctx context.Context) *RefreshToken {
	if g, ok := ctx.Value(grantKey{}).(*grantContext); ok {
		return g.refresh
	}
	return nil
}
