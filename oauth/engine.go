package oauth

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/scope"
	"github.com/dpup/warden/ticket"
	"github.com/go-oauth2/oauth2/v4"
	oautherrors "github.com/go-oauth2/oauth2/v4/errors"
	"github.com/go-oauth2/oauth2/v4/manage"
	"github.com/go-oauth2/oauth2/v4/models"
	oauthserver "github.com/go-oauth2/oauth2/v4/server"
	"google.golang.org/grpc/codes"
)

// TicketRedeemer exchanges an authentication ticket for the identity it
// carries. Satisfied by *ticket.Issuer.
type TicketRedeemer interface {
	Redeem(ctx context.Context, raw string) (ticket.Ticket, error)
}

// EngineConfig configures the protocol engine.
type EngineConfig struct {
	// Issuer advertised in the authorization server metadata.
	Issuer string

	AccessTokenLifetime       time.Duration
	RefreshTokenLifetime      time.Duration
	AuthorizationCodeLifetime time.Duration

	// Logger for failures the engine cannot attribute to a request.
	Logger logging.Logger
}

// Engine binds a Model to the go-oauth2 manager and server, and exposes the
// HTTP endpoints built on them.
type Engine struct {
	model   Model
	tickets TicketRedeemer
	issuer  string
	logger  logging.Logger
	manager *manage.Manager
	srv     *oauthserver.Server
}

// NewEngine returns an engine driving model.
func NewEngine(model Model, tickets TicketRedeemer, cfg EngineConfig) *Engine {
	e := &Engine{
		model:   model,
		tickets: tickets,
		issuer:  strings.TrimSuffix(cfg.Issuer, "/"),
		logger:  cfg.Logger,
	}
	if e.logger == nil {
		e.logger = logging.Nop()
	}

	e.manager = manage.NewManager()
	e.manager.SetAuthorizeCodeExp(cfg.AuthorizationCodeLifetime)
	e.manager.SetAuthorizeCodeTokenCfg(&manage.Config{
		AccessTokenExp:    cfg.AccessTokenLifetime,
		RefreshTokenExp:   cfg.RefreshTokenLifetime,
		IsGenerateRefresh: true,
	})
	e.manager.SetPasswordTokenCfg(&manage.Config{
		AccessTokenExp:    cfg.AccessTokenLifetime,
		RefreshTokenExp:   cfg.RefreshTokenLifetime,
		IsGenerateRefresh: true,
	})
	e.manager.SetClientTokenCfg(&manage.Config{
		AccessTokenExp: cfg.AccessTokenLifetime,
	})
	e.manager.SetRefreshTokenCfg(&manage.RefreshingConfig{
		AccessTokenExp:     cfg.AccessTokenLifetime,
		RefreshTokenExp:    cfg.RefreshTokenLifetime,
		IsGenerateRefresh:  true,
		IsRemoveAccess:     true,
		IsRemoveRefreshing: true,
	})
	e.manager.MapClientStorage(&clientStore{model: model})
	e.manager.MapTokenStorage(&tokenStore{model: model})
	e.manager.MapAuthorizeGenerate(&authorizeGenerate{model: model})
	e.manager.MapAccessGenerate(&accessGenerate{model: model})

	// GetDomain joins every registered redirect URI with newlines.
	e.manager.SetValidateURIHandler(func(baseURI, redirectURI string) error {
		if slices.Contains(strings.Split(baseURI, "\n"), redirectURI) {
			return nil
		}
		return oautherrors.ErrInvalidRedirectURI
	})

	e.srv = oauthserver.NewDefaultServer(e.manager)
	e.srv.SetAllowGetAccessRequest(false)
	e.srv.SetAllowedGrantType(oauth2.AuthorizationCode, oauth2.PasswordCredentials, oauth2.ClientCredentials, oauth2.Refreshing)
	e.srv.SetAllowedResponseType(oauth2.Code)

	// Allow both form and basic auth for client credentials.
	e.srv.SetClientInfoHandler(func(r *http.Request) (string, string, error) {
		clientID, clientSecret, ok := r.BasicAuth()
		if ok {
			return clientID, clientSecret, nil
		}
		return r.Form.Get("client_id"), r.Form.Get("client_secret"), nil
	})

	e.srv.SetPasswordAuthorizationHandler(func(ctx context.Context, clientID, username, password string) (string, error) {
		acct, err := e.model.GetUser(ctx, username, password)
		if err != nil {
			return "", err
		}
		return acct.ID, nil
	})

	e.srv.SetUserAuthorizationHandler(func(w http.ResponseWriter, r *http.Request) (string, error) {
		if id := authenticatedUser(r.Context()); id != "" {
			return id, nil
		}
		return "", oautherrors.ErrAccessDenied
	})

	e.srv.SetAuthorizeScopeHandler(func(w http.ResponseWriter, r *http.Request) (string, error) {
		requested := r.FormValue("scope")
		if err := e.checkScope(r.Context(), r.FormValue("client_id"), requested); err != nil {
			return "", err
		}
		return requested, nil
	})
	e.srv.SetClientScopeHandler(func(tgr *oauth2.TokenGenerateRequest) (bool, error) {
		err := e.checkScope(tgr.Request.Context(), tgr.ClientID, tgr.Scope)
		if errors.Is(err, ErrInvalidScope) {
			return false, nil
		}
		return err == nil, err
	})
	// A refresh may narrow the original grant but never widen it.
	e.srv.SetRefreshingScopeHandler(func(tgr *oauth2.TokenGenerateRequest, oldScope string) (bool, error) {
		requested := scope.StripVirtual(scope.Parse(tgr.Scope))
		return scope.ContainsAll(scope.Parse(oldScope), requested), nil
	})

	e.srv.SetInternalErrorHandler(e.internalError)
	return e
}

// Model returns the model the engine drives.
func (e *Engine) Model() Model {
	return e.model
}

// checkScope rejects requests whose scope shares nothing with the client's.
// An empty request defaults to the full grant and is always accepted.
func (e *Engine) checkScope(ctx context.Context, clientID, requested string) error {
	want := scope.StripVirtual(scope.Parse(requested))
	if len(want) == 0 {
		return nil
	}
	client, err := e.model.GetClient(ctx, clientID, "")
	if err != nil {
		return err
	}
	for _, s := range want {
		if slices.Contains(client.Scope, s) {
			return nil
		}
	}
	return errors.Mark(ErrInvalidScope, 0)
}

// internalError translates model errors into OAuth2 error responses. Errors
// without a mapping become server_error.
func (e *Engine) internalError(err error) *oautherrors.Response {
	var oerr error
	switch {
	case errors.Is(err, ErrInvalidApplication):
		oerr = oautherrors.ErrInvalidClient
	case errors.Is(err, ErrAccountNotRegistered),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidAuthorizationCode),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired):
		oerr = oautherrors.ErrInvalidGrant
	case errors.Is(err, ErrInvalidScope):
		oerr = oautherrors.ErrInvalidScope
	case errors.Is(err, ErrInvalidRedirectURI):
		oerr = oautherrors.ErrInvalidRequest
	case errors.Code(err) == codes.PermissionDenied, errors.Code(err) == codes.FailedPrecondition:
		oerr = oautherrors.ErrAccessDenied
	default:
		e.logger.Errorw("oauth: internal error", "error", err)
		return nil
	}

	re := &oautherrors.Response{
		Error:      oerr,
		StatusCode: errors.HTTPStatusCode(err),
	}
	var werr *errors.Error
	if errors.As(err, &werr) {
		re.Description = werr.PublicMessage()
	}
	return re
}

type authUserKey struct{}

func withAuthenticatedUser(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, authUserKey{}, id)
}

func authenticatedUser(ctx context.Context) string {
	id, _ := ctx.Value(authUserKey{}).(string)
	return id
}

// clientInfo adapts a Client to oauth2.ClientInfo.
type clientInfo struct {
	// Request the client was loaded for, used when verifying its secret.
	ctx    context.Context
	model  Model
	client *Client
}

func (c *clientInfo) GetID() string     { return c.client.ID }
func (c *clientInfo) GetSecret() string { return c.client.Secret }
func (c *clientInfo) GetDomain() string { return strings.Join(c.client.RedirectURIs, "\n") }
func (c *clientInfo) IsPublic() bool    { return c.client.IsPublic() }
func (c *clientInfo) GetUserID() string { return "" }

// VerifyPassword implements oauth2.ClientPasswordVerifier. Public clients
// have no secret to verify.
func (c *clientInfo) VerifyPassword(secret string) bool {
	if c.client.IsPublic() {
		return true
	}
	if secret == "" || c.model == nil {
		return false
	}
	_, err := c.model.GetClient(c.ctx, c.client.ID, secret)
	return err == nil
}

// clientStore adapts Model to oauth2.ClientStore.
type clientStore struct {
	model Model
}

func (s *clientStore) GetByID(ctx context.Context, id string) (oauth2.ClientInfo, error) {
	c, err := s.model.GetClient(ctx, id, "")
	if err != nil {
		return nil, err
	}
	return &clientInfo{ctx: ctx, model: s.model, client: c}, nil
}

// parties resolves the client and user a generation request is for. Client
// grants have no user.
func parties(ctx context.Context, model Model, client oauth2.ClientInfo, userID string) (*Client, *account.Account, error) {
	var c *Client
	if ci, ok := client.(*clientInfo); ok {
		c = ci.client
	} else {
		var err error
		if c, err = model.GetClient(ctx, client.GetID(), ""); err != nil {
			return nil, nil, err
		}
	}
	if userID == "" || userID == c.ID {
		return c, nil, nil
	}
	u, err := model.LookupUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return c, u, nil
}

type authorizeGenerate struct {
	model Model
}

func (g *authorizeGenerate) Token(ctx context.Context, data *oauth2.GenerateBasic) (string, error) {
	client, user, err := parties(ctx, g.model, data.Client, data.UserID)
	if err != nil {
		return "", err
	}
	return g.model.GenerateAuthorizationCode(ctx, client, user, scope.Parse(data.TokenInfo.GetScope()))
}

type accessGenerate struct {
	model Model
}

func (g *accessGenerate) Token(ctx context.Context, data *oauth2.GenerateBasic, isGenRefresh bool) (string, string, error) {
	client, user, err := parties(ctx, g.model, data.Client, data.UserID)
	if err != nil {
		return "", "", err
	}
	requested := scope.Parse(data.TokenInfo.GetScope())
	access, err := g.model.GenerateAccessToken(ctx, client, user, requested)
	if err != nil {
		return "", "", err
	}
	var refresh string
	if isGenRefresh {
		if refresh, err = g.model.GenerateRefreshToken(ctx, client, user, requested); err != nil {
			return "", "", err
		}
	}
	return access, refresh, nil
}

// tokenStore adapts Model to oauth2.TokenStore. Create writes back the
// resolved scope and lifetimes so the engine reports what was persisted.
type tokenStore struct {
	model Model
}

func (s *tokenStore) Create(ctx context.Context, info oauth2.TokenInfo) error {
	client, err := s.model.GetClient(ctx, info.GetClientID(), "")
	if err != nil {
		return err
	}
	_, user, err := parties(ctx, s.model, &clientInfo{client: client}, info.GetUserID())
	if err != nil {
		return err
	}
	requested := scope.StripVirtual(scope.Parse(info.GetScope()))

	if code := info.GetCode(); code != "" {
		ac, err := s.model.SaveAuthorizationCode(ctx, &AuthorizationCode{
			Code:                code,
			ExpiresAt:           info.GetCodeCreateAt().Add(info.GetCodeExpiresIn()),
			RedirectURI:         info.GetRedirectURI(),
			Scope:               requested,
			CodeChallenge:       info.GetCodeChallenge(),
			CodeChallengeMethod: string(info.GetCodeChallengeMethod()),
			CreatedAt:           info.GetCodeCreateAt(),
		}, client, user)
		if err != nil {
			return err
		}
		info.SetScope(scope.Format(ac.Scope))
		return nil
	}

	t, err := s.model.SaveToken(ctx, &Token{
		AccessToken:  info.GetAccess(),
		RefreshToken: info.GetRefresh(),
		Scope:        requested,
	}, client, user)
	if err != nil {
		return err
	}
	info.SetScope(scope.Format(t.Scope))
	info.SetAccessCreateAt(t.AccessTokenCreatedAt)
	info.SetAccessExpiresIn(t.AccessTokenExpiresAt.Sub(t.AccessTokenCreatedAt))
	if t.RefreshToken != "" {
		info.SetRefreshCreateAt(t.RefreshTokenCreatedAt)
		info.SetRefreshExpiresIn(t.RefreshTokenExpiresAt.Sub(t.RefreshTokenCreatedAt))
	}
	return nil
}

// RemoveByCode consumes an authorization code. Losing a race with another
// redemption of the same code is an error.
func (s *tokenStore) RemoveByCode(ctx context.Context, code string) error {
	ac, err := s.model.GetAuthorizationCode(ctx, code)
	if err != nil {
		return err
	}
	ok, err := s.model.RevokeAuthorizationCode(ctx, ac)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Mark(ErrInvalidAuthorizationCode, 0).Append("already redeemed")
	}
	return nil
}

func (s *tokenStore) RemoveByAccess(ctx context.Context, access string) error {
	t := &Token{AccessToken: access}
	if rt := loadedRefresh(ctx); rt != nil && rt.AccessToken == access {
		// The access token being replaced by a refresh may already have
		// expired, so match on the row the refresh token was loaded from.
		t.ClientID, t.UserID = rt.ClientID, rt.UserID
	} else {
		loaded, err := s.model.LoadAccessToken(ctx, access)
		if errors.Is(err, ErrInvalidToken) {
			return nil
		} else if err != nil {
			return err
		}
		t = loaded
	}
	_, err := s.model.RevokeToken(ctx, t)
	return err
}

func (s *tokenStore) RemoveByRefresh(ctx context.Context, refresh string) error {
	rt, err := s.model.GetRefreshToken(ctx, refresh)
	if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
		return nil
	} else if err != nil {
		return err
	}
	_, err = s.model.RevokeRefreshToken(ctx, rt)
	return err
}

func (s *tokenStore) GetByCode(ctx context.Context, code string) (oauth2.TokenInfo, error) {
	ac, err := s.model.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	raiseTokenType(ctx, ac.Type)

	ti := models.NewToken()
	ti.SetClientID(ac.ClientID)
	ti.SetUserID(ac.UserID)
	ti.SetRedirectURI(ac.RedirectURI)
	ti.SetScope(scope.Format(ac.Scope))
	ti.SetCode(ac.Code)
	ti.SetCodeCreateAt(ac.CreatedAt)
	ti.SetCodeExpiresIn(ac.ExpiresAt.Sub(ac.CreatedAt))
	ti.SetCodeChallenge(ac.CodeChallenge)
	ti.SetCodeChallengeMethod(oauth2.CodeChallengeMethod(ac.CodeChallengeMethod))
	return ti, nil
}

func (s *tokenStore) GetByAccess(ctx context.Context, access string) (oauth2.TokenInfo, error) {
	t, err := s.model.GetAccessToken(ctx, access)
	if err != nil {
		return nil, err
	}
	ti := models.NewToken()
	ti.SetClientID(t.ClientID)
	ti.SetUserID(t.UserID)
	ti.SetScope(scope.Format(t.Scope))
	ti.SetAccess(t.AccessToken)
	ti.SetAccessCreateAt(t.AccessTokenCreatedAt)
	ti.SetAccessExpiresIn(t.AccessTokenExpiresAt.Sub(t.AccessTokenCreatedAt))
	if t.RefreshToken != "" {
		ti.SetRefresh(t.RefreshToken)
		ti.SetRefreshCreateAt(t.RefreshTokenCreatedAt)
		ti.SetRefreshExpiresIn(t.RefreshTokenExpiresAt.Sub(t.RefreshTokenCreatedAt))
	}
	return ti, nil
}

func (s *tokenStore) GetByRefresh(ctx context.Context, refresh string) (oauth2.TokenInfo, error) {
	rt, err := s.model.GetRefreshToken(ctx, refresh)
	if err != nil {
		return nil, err
	}
	raiseTokenType(ctx, rt.Type)
	rememberRefresh(ctx, rt)

	ti := models.NewToken()
	ti.SetClientID(rt.ClientID)
	ti.SetUserID(rt.UserID)
	ti.SetScope(scope.Format(rt.Scope))
	ti.SetAccess(rt.AccessToken)
	ti.SetRefresh(rt.RefreshToken)
	ti.SetRefreshCreateAt(rt.RefreshTokenCreatedAt)
	if !rt.RefreshTokenExpiresAt.IsZero() {
		ti.SetRefreshExpiresIn(rt.RefreshTokenExpiresAt.Sub(rt.RefreshTokenCreatedAt))
	}
	return ti, nil
}
