package oauth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/eventbus"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/policy"
	"github.com/dpup/warden/scope"
	"github.com/dpup/warden/storage"
	"github.com/go-oauth2/oauth2/v4"
	"github.com/go-oauth2/oauth2/v4/generates"
)

// Topics published by the model.
const (
	EventTokenIssued  = "oauth.token.issued"
	EventTokenRevoked = "oauth.token.revoked"
)

// TokenEvent is the payload of token events. It never carries token values.
type TokenEvent struct {
	ClientID string
	UserID   string
	Type     TokenType
	Scope    []string
	Refresh  bool
}

// Config holds server-wide lifetimes, used when a client does not set its
// own.
type Config struct {
	AccessTokenLifetime       time.Duration
	RefreshTokenLifetime      time.Duration
	AuthorizationCodeLifetime time.Duration
}

// GrantModelOption configures a GrantModel.
type GrantModelOption func(*GrantModel)

// WithHasher sets the password hasher. Defaults to bcrypt.
func WithHasher(h account.Hasher) GrantModelOption {
	return func(m *GrantModel) {
		m.hasher = h
	}
}

// WithEventBus publishes token events to bus.
func WithEventBus(bus eventbus.EventBus) GrantModelOption {
	return func(m *GrantModel) {
		m.bus = bus
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GrantModelOption {
	return func(m *GrantModel) {
		m.now = now
	}
}

// GrantModel implements Model over a storage.Store. It is stateless between
// calls and safe for concurrent use.
type GrantModel struct {
	store        storage.Store
	accounts     *account.Repository
	gate         *policy.Gate
	hasher       account.Hasher
	bus          eventbus.EventBus
	cfg          Config
	now          func() time.Time
	authorizeGen oauth2.AuthorizeGenerate
	accessGen    oauth2.AccessGenerate
}

var _ Model = (*GrantModel)(nil)

// NewGrantModel returns a model persisting clients, codes and tokens in store.
func NewGrantModel(store storage.Store, accounts *account.Repository, gate *policy.Gate, cfg Config, opts ...GrantModelOption) *GrantModel {
	m := &GrantModel{
		store:        store,
		accounts:     accounts,
		gate:         gate,
		hasher:       account.BcryptHasher{},
		bus:          eventbus.Nop(),
		cfg:          cfg,
		now:          time.Now,
		authorizeGen: generates.NewAuthorizeGenerate(),
		accessGen:    generates.NewAccessGenerate(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init prepares the backing store.
func (m *GrantModel) Init(ctx context.Context) error {
	return storage.InitModels(ctx, m.store, Client{}, AuthorizationCode{}, Token{})
}

// GetClient returns the client with id. The secret is only checked when one
// is supplied.
func (m *GrantModel) GetClient(ctx context.Context, id, secret string) (*Client, error) {
	var c Client
	if err := m.store.Read(ctx, id, &c); errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidApplication, 0)
	} else if err != nil {
		return nil, err
	}
	if secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(c.Secret)) != 1 {
		return nil, errors.Mark(ErrInvalidApplication, 0)
	}
	logging.Track(ctx, "oauth.client_id", c.ID)
	return &c, nil
}

// GetUser authenticates username and password against the local
// credentials.
func (m *GrantModel) GetUser(ctx context.Context, username, password string) (*account.Account, error) {
	identifier, err := account.Normalize(account.KindOf(username), username)
	if err != nil {
		return nil, errors.Mark(ErrAccountNotRegistered, 0)
	}
	cred, err := m.accounts.Credential(ctx, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrAccountNotRegistered, 0)
	} else if err != nil {
		return nil, err
	}
	acct, err := m.LookupUser(ctx, cred.AccountID)
	if err != nil {
		return nil, err
	}
	if err := m.hasher.Compare(acct.PasswordHash, []byte(password)); err != nil {
		return nil, errors.Mark(ErrInvalidCredentials, 0)
	}
	return acct, nil
}

// LookupUser returns the account with id.
func (m *GrantModel) LookupUser(ctx context.Context, id string) (*account.Account, error) {
	acct, err := m.accounts.Account(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrAccountNotRegistered, 0)
	}
	return acct, err
}

func (m *GrantModel) GenerateAuthorizationCode(ctx context.Context, client *Client, user *account.Account, _ []string) (string, error) {
	return m.authorizeGen.Token(ctx, m.generateBasic(client, user))
}

// SaveAuthorizationCode resolves the code's scope and persists it. The owning
// user is dropped for client grants.
func (m *GrantModel) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode, client *Client, user *account.Account) (*AuthorizationCode, error) {
	clientGrant := isClientGrant(client, user)
	resolved, err := m.MatchScope(ctx, client, userID(user), code.Scope)
	if err != nil {
		return nil, err
	}

	now := m.now()
	row := *code
	row.ClientID = client.ID
	row.UserID = ""
	if !clientGrant {
		row.UserID = user.ID
	}
	row.Scope = scope.StripVirtual(resolved)
	if row.Type == "" {
		row.Type = TokenTypeFromContext(ctx)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.ExpiresAt.IsZero() {
		row.ExpiresAt = now.Add(m.cfg.AuthorizationCodeLifetime)
	}
	row.Client, row.User = nil, nil

	if err := m.store.Create(ctx, row); err != nil {
		return nil, err
	}

	row.Scope = resolved
	row.Client = client
	if !clientGrant {
		row.User = user
	}
	return &row, nil
}

// GetAuthorizationCode returns an unexpired code with its client and user.
func (m *GrantModel) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var row AuthorizationCode
	if err := m.store.Read(ctx, code, &row); errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidAuthorizationCode, 0)
	} else if err != nil {
		return nil, err
	}
	if m.now().After(row.ExpiresAt) {
		return nil, errors.Mark(ErrInvalidAuthorizationCode, 0).Append("expired")
	}

	client, err := m.GetClient(ctx, row.ClientID, "")
	if err != nil {
		return nil, errors.Mark(ErrInvalidAuthorizationCode, 0).Append(err.Error())
	}
	row.Client = client
	if row.UserID != "" {
		if row.User, err = m.LookupUser(ctx, row.UserID); err != nil {
			return nil, err
		}
	}
	row.Scope = scope.Tag(row.Scope, row.UserID == "")
	return &row, nil
}

// RevokeAuthorizationCode deletes code if the stored row still matches its
// client and expiry. It reports whether a row was removed.
func (m *GrantModel) RevokeAuthorizationCode(ctx context.Context, code *AuthorizationCode) (bool, error) {
	var row AuthorizationCode
	if err := m.store.Read(ctx, code.Code, &row); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if row.ClientID != code.ClientID || !row.ExpiresAt.Equal(code.ExpiresAt) {
		return false, nil
	}
	if err := m.store.Delete(ctx, row); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// GenerateAccessToken returns a new access token value. User-bound tokens are
// only generated once the access policy gate approves the user; its error is
// returned as is.
func (m *GrantModel) GenerateAccessToken(ctx context.Context, client *Client, user *account.Account, _ []string) (string, error) {
	if !isClientGrant(client, user) {
		if err := m.checkGate(ctx, user, TokenTypeFromContext(ctx) == TypeExternalAuth); err != nil {
			return "", err
		}
	}
	access, _, err := m.accessGen.Token(ctx, m.generateBasic(client, user), false)
	return access, err
}

func (m *GrantModel) GenerateRefreshToken(ctx context.Context, client *Client, user *account.Account, _ []string) (string, error) {
	_, refresh, err := m.accessGen.Token(ctx, m.generateBasic(client, user), true)
	return refresh, err
}

// MatchScope resolves requested against the client's scope and, when userID
// names someone other than the client, the user's persisted scope.
func (m *GrantModel) MatchScope(ctx context.Context, client *Client, userID string, requested []string) ([]string, error) {
	if userID == "" || userID == client.ID {
		return scope.Resolve(client.Scope, requested, nil, true), nil
	}
	acct, err := m.LookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return scope.Resolve(client.Scope, requested, acct.Scope, false), nil
}

// SaveToken classifies, scopes and persists token.
func (m *GrantModel) SaveToken(ctx context.Context, token *Token, client *Client, user *account.Account) (*Token, error) {
	clientGrant := isClientGrant(client, user)
	if client.AccessTokenLifetime == Infinite && !clientGrant {
		return nil, errors.Mark(policy.ErrNotAllowedSignin, 0).Append("client issues non-expiring tokens only to itself")
	}

	preTagged := TokenTypeFromContext(ctx)
	if token.Type.rank() > preTagged.rank() {
		preTagged = token.Type
	}
	typ, err := ClassifyTokenType(client.Type, clientGrant, preTagged)
	if err != nil {
		return nil, err
	}

	resolved, err := m.MatchScope(ctx, client, userID(user), token.Scope)
	if err != nil {
		return nil, err
	}

	now := m.now()
	row := Token{
		AccessToken:          token.AccessToken,
		AccessTokenCreatedAt: now,
		Scope:                scope.StripVirtual(resolved),
		ClientID:             client.ID,
		Type:                 typ,
	}
	if !clientGrant {
		row.UserID = user.ID
	}
	switch client.AccessTokenLifetime {
	case Infinite:
		row.Keep = true
		row.AccessTokenExpiresAt = now.Add(keepWindow)
	case 0:
		row.AccessTokenExpiresAt = now.Add(m.cfg.AccessTokenLifetime)
	default:
		row.AccessTokenExpiresAt = now.Add(time.Duration(client.AccessTokenLifetime) * time.Second)
	}
	if token.RefreshToken != "" {
		row.RefreshToken = token.RefreshToken
		row.RefreshTokenCreatedAt = now
		if client.RefreshTokenLifetime > 0 {
			row.RefreshTokenExpiresAt = now.Add(time.Duration(client.RefreshTokenLifetime) * time.Second)
		} else {
			row.RefreshTokenExpiresAt = now.Add(m.cfg.RefreshTokenLifetime)
		}
	}

	if err := m.store.Create(ctx, row); err != nil {
		return nil, err
	}
	logging.Debugw(ctx, "oauth: token saved", "token.type", row.Type, "token.keep", row.Keep)
	m.bus.Publish(EventTokenIssued, TokenEvent{
		ClientID: row.ClientID,
		UserID:   row.UserID,
		Type:     row.Type,
		Scope:    row.Scope,
		Refresh:  row.RefreshToken != "",
	})

	row.Scope = resolved
	row.Client = client
	if !clientGrant {
		row.User = user
	}
	return &row, nil
}

// GetAccessToken returns a valid access token. Keep tokens have their expiry
// pushed out on every read, and user-bound tokens are re-checked against the
// access policy gate.
func (m *GrantModel) GetAccessToken(ctx context.Context, access string) (*Token, error) {
	var row Token
	if err := m.store.Read(ctx, access, &row); errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidToken, 0)
	} else if err != nil {
		return nil, err
	}
	client, err := m.GetClient(ctx, row.ClientID, "")
	if errors.Is(err, ErrInvalidApplication) {
		return nil, errors.Mark(ErrInvalidToken, 0).Append("client no longer exists")
	} else if err != nil {
		return nil, err
	}

	clientGrant := row.UserID == "" || row.UserID == row.ClientID
	now := m.now()
	if row.Keep {
		if !clientGrant {
			return nil, errors.Mark(policy.ErrNotAllowedSignin, 0).Append("keep token bound to a user")
		}
		row.AccessTokenExpiresAt = now.Add(keepWindow)
		if err := m.store.Update(ctx, row); err != nil {
			return nil, err
		}
	}
	if now.After(row.AccessTokenExpiresAt) {
		return nil, errors.Mark(ErrTokenExpired, 0)
	}

	if !clientGrant {
		user, err := m.accounts.Account(ctx, row.UserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err := m.checkGate(ctx, user, row.Type == TypeExternalAuth); err != nil {
			return nil, err
		}
		row.User = user
	}
	row.Client = client
	row.Scope = scope.Tag(row.Scope, clientGrant)
	return &row, nil
}

// LoadAccessToken returns the stored access token row with its client,
// without the expiry check or the access policy gate. Revocation goes through
// it so a token can be withdrawn while its user is blocked.
func (m *GrantModel) LoadAccessToken(ctx context.Context, access string) (*Token, error) {
	var row Token
	if err := m.store.Read(ctx, access, &row); errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidToken, 0)
	} else if err != nil {
		return nil, err
	}
	client, err := m.GetClient(ctx, row.ClientID, "")
	if err != nil && !errors.Is(err, ErrInvalidApplication) {
		return nil, err
	}
	row.Client = client
	return &row, nil
}

// GetRefreshToken returns an unexpired refresh token.
func (m *GrantModel) GetRefreshToken(ctx context.Context, refresh string) (*RefreshToken, error) {
	if refresh == "" {
		return nil, errors.Mark(ErrInvalidToken, 0)
	}
	row, err := storage.FindOne(ctx, m.store, Token{RefreshToken: refresh})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Mark(ErrInvalidToken, 0)
	} else if err != nil {
		return nil, err
	}
	if !row.RefreshTokenExpiresAt.IsZero() && m.now().After(row.RefreshTokenExpiresAt) {
		return nil, errors.Mark(ErrTokenExpired, 0)
	}

	client, err := m.GetClient(ctx, row.ClientID, "")
	if errors.Is(err, ErrInvalidApplication) {
		return nil, errors.Mark(ErrInvalidToken, 0).Append("client no longer exists")
	} else if err != nil {
		return nil, err
	}
	clientGrant := row.UserID == "" || row.UserID == row.ClientID
	rt := &RefreshToken{
		RefreshToken:          row.RefreshToken,
		RefreshTokenCreatedAt: row.RefreshTokenCreatedAt,
		RefreshTokenExpiresAt: row.RefreshTokenExpiresAt,
		AccessToken:           row.AccessToken,
		Scope:                 scope.Tag(row.Scope, clientGrant),
		ClientID:              row.ClientID,
		UserID:                row.UserID,
		Type:                  row.Type,
		Client:                client,
	}
	if !clientGrant {
		if rt.User, err = m.accounts.Account(ctx, row.UserID); errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Mark(ErrInvalidToken, 0).Append("account no longer exists")
		} else if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// VerifyScope reports whether token carries every required scope.
func (m *GrantModel) VerifyScope(_ context.Context, token *Token, required []string) (bool, error) {
	if token == nil {
		return false, errors.Mark(ErrInvalidToken, 0)
	}
	return scope.ContainsAll(token.Scope, required), nil
}

// RevokeToken deletes the access token row when it still belongs to the same
// client and user.
func (m *GrantModel) RevokeToken(ctx context.Context, token *Token) (bool, error) {
	var row Token
	if err := m.store.Read(ctx, token.AccessToken, &row); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if row.ClientID != token.ClientID || row.UserID != token.UserID {
		return false, nil
	}
	if err := m.store.Delete(ctx, row); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	m.publishRevoked(row, false)
	return true, nil
}

// RevokeRefreshToken clears the refresh token from its row, leaving the
// access token usable until it expires.
func (m *GrantModel) RevokeRefreshToken(ctx context.Context, token *RefreshToken) (bool, error) {
	row, err := storage.FindOne(ctx, m.store, Token{RefreshToken: token.RefreshToken, ClientID: token.ClientID})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if row.UserID != token.UserID {
		return false, nil
	}
	row.RefreshToken = ""
	row.RefreshTokenCreatedAt = time.Time{}
	row.RefreshTokenExpiresAt = time.Time{}
	if err := m.store.Update(ctx, row); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	m.publishRevoked(row, true)
	return true, nil
}

// checkGate runs the access policy gate for user. Social grants carry no
// local credential to check.
func (m *GrantModel) checkGate(ctx context.Context, user *account.Account, social bool) error {
	var cred *account.Credential
	if user != nil && !social {
		c, err := m.accounts.CredentialFor(ctx, user.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		cred = c
	}
	if err := m.gate.CanSignin(user, cred, social); err != nil {
		logging.Infow(ctx, "oauth: sign in rejected", "error", err)
		return err
	}
	return nil
}

func (m *GrantModel) publishRevoked(row Token, refresh bool) {
	m.bus.Publish(EventTokenRevoked, TokenEvent{
		ClientID: row.ClientID,
		UserID:   row.UserID,
		Type:     row.Type,
		Scope:    row.Scope,
		Refresh:  refresh,
	})
}

func (m *GrantModel) generateBasic(client *Client, user *account.Account) *oauth2.GenerateBasic {
	data := &oauth2.GenerateBasic{
		Client:   &clientInfo{client: client},
		CreateAt: m.now(),
	}
	if user != nil {
		data.UserID = user.ID
	}
	return data
}

func userID(user *account.Account) string {
	if user == nil {
		return ""
	}
	return user.ID
}
