package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/policy"
	"github.com/dpup/warden/server"
	"github.com/dpup/warden/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	*fixture
	engine  *Engine
	tickets *ticket.Issuer
	handler http.Handler
}

// newEngineFixture runs on the wall clock since the protocol engine checks
// expiries against time.Now.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := newFixture(t, policy.NotRequired)
	f.now = time.Now()

	tickets := ticket.NewIssuer(f.store, []byte("0123456789abcdef0123456789abcdef"), "https://auth.example.com", time.Minute)
	require.NoError(t, tickets.Init(f.ctx))

	e := NewEngine(f.model, tickets, EngineConfig{
		Issuer:                    "https://auth.example.com/",
		AccessTokenLifetime:       time.Hour,
		RefreshTokenLifetime:      24 * time.Hour,
		AuthorizationCodeLifetime: 10 * time.Minute,
	})
	return &engineFixture{
		fixture: f,
		engine:  e,
		tickets: tickets,
		handler: server.New(e.ServerOptions()...).Handler(),
	}
}

func (f *engineFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *engineFixture) post(path string, form url.Values, user, pass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	return f.do(req)
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr), rec.Body.String())
	return tr
}

func TestEngine_PasswordGrant(t *testing.T) {
	f := newEngineFixture(t)

	rec := f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"hunter2"},
		"scope":      {"read admin"},
	}, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tr := decodeToken(t, rec)
	assert.NotEmpty(t, tr.AccessToken)
	assert.NotEmpty(t, tr.RefreshToken)
	assert.Equal(t, "Bearer", tr.TokenType)
	assert.Equal(t, "default read user", tr.Scope)

	tok, err := f.model.GetAccessToken(f.ctx, tr.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TypeUser, tok.Type)
	assert.Equal(t, "acct-1", tok.UserID)
}

func TestEngine_PasswordGrantErrors(t *testing.T) {
	f := newEngineFixture(t)

	rec := f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"wrong"},
	}, "", "")
	assert.Equal(t, "invalid_grant", decodeToken(t, rec).Error)

	rec = f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"nobody@example.com"},
		"password":   {"hunter2"},
	}, "", "")
	assert.Equal(t, "invalid_grant", decodeToken(t, rec).Error)

	rec = f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"hunter2"},
		"scope":      {"metrics"},
	}, "", "")
	assert.Equal(t, "invalid_scope", decodeToken(t, rec).Error)
}

func TestEngine_PasswordGrantGateRejection(t *testing.T) {
	f := newEngineFixture(t)
	f.addUser(t, "acct-2", "bob@example.com", account.StatusTemporallyBlocked, account.CredentialConfirmed)

	rec := f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"bob@example.com"},
		"password":   {"hunter2"},
	}, "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	tr := decodeToken(t, rec)
	assert.Equal(t, "access_denied", tr.Error)
	assert.NotEmpty(t, tr.ErrorDescription)
}

func TestEngine_ClientCredentials(t *testing.T) {
	f := newEngineFixture(t)

	rec := f.post(TokenPath, url.Values{"grant_type": {"client_credentials"}}, "svc", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decodeToken(t, rec)
	assert.Equal(t, "application default metrics read", tr.Scope)
	assert.Greater(t, tr.ExpiresIn, int64(364*24*3600))

	tok, err := f.model.GetAccessToken(f.ctx, tr.AccessToken)
	require.NoError(t, err)
	assert.True(t, tok.Keep)
	assert.Equal(t, TypeApplication, tok.Type)

	rec = f.post(TokenPath, url.Values{"grant_type": {"client_credentials"}}, "svc", "nope")
	assert.Equal(t, "invalid_client", decodeToken(t, rec).Error)
}

func (f *engineFixture) authorize(t *testing.T, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+params.Encode(), nil))
}

func (f *engineFixture) authorizeCode(t *testing.T, provider string) string {
	t.Helper()
	raw, err := f.tickets.Issue(f.ctx, "acct-1", provider)
	require.NoError(t, err)

	rec := f.authorize(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"web"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"scope":         {"read"},
		"state":         {"xyz"},
		"ticket":        {raw},
	})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *engineFixture) exchange(code string) *httptest.ResponseRecorder {
	return f.post(TokenPath, url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {"web"},
		"code":         {code},
		"redirect_uri": {"https://app.example.com/cb"},
	}, "", "")
}

func TestEngine_AuthorizationCodeFlow(t *testing.T) {
	f := newEngineFixture(t)
	code := f.authorizeCode(t, ticket.ProviderLocal)

	rec := f.exchange(code)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decodeToken(t, rec)
	assert.Equal(t, "default read user", tr.Scope)

	tok, err := f.model.GetAccessToken(f.ctx, tr.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TypeUser, tok.Type)

	// Codes are single use.
	rec = f.exchange(code)
	assert.Equal(t, "invalid_grant", decodeToken(t, rec).Error)
}

func TestEngine_SocialTicketTagsToken(t *testing.T) {
	f := newEngineFixture(t)
	code := f.authorizeCode(t, "google")

	rec := f.exchange(code)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decodeToken(t, rec)
	tok, err := f.model.GetAccessToken(f.ctx, tr.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TypeExternalAuth, tok.Type)

	// Refreshing keeps the type.
	rec = f.post(TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web"},
		"refresh_token": {tr.RefreshToken},
	}, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok, err = f.model.GetAccessToken(f.ctx, decodeToken(t, rec).AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TypeExternalAuth, tok.Type)
}

func TestEngine_AuthorizeWithoutTicket(t *testing.T) {
	f := newEngineFixture(t)

	rec := f.authorize(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"web"},
		"redirect_uri":  {"https://app.example.com/cb"},
	})
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
}

func TestEngine_AuthorizeUnregisteredRedirect(t *testing.T) {
	f := newEngineFixture(t)
	raw, err := f.tickets.Issue(f.ctx, "acct-1", ticket.ProviderLocal)
	require.NoError(t, err)

	rec := f.authorize(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"web"},
		"redirect_uri":  {"https://evil.example.com/cb"},
		"ticket":        {raw},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Equal(t, "invalid_request", decodeToken(t, rec).Error)
}

func TestEngine_AuthorizeReusedTicket(t *testing.T) {
	f := newEngineFixture(t)
	raw, err := f.tickets.Issue(f.ctx, "acct-1", ticket.ProviderLocal)
	require.NoError(t, err)
	_, err = f.tickets.Redeem(f.ctx, raw)
	require.NoError(t, err)

	rec := f.authorize(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"web"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"ticket":        {raw},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEngine_Refresh(t *testing.T) {
	f := newEngineFixture(t)
	first := decodeToken(t, f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"hunter2"},
	}, "", ""))
	require.NotEmpty(t, first.RefreshToken)

	// Widening is refused.
	rec := f.post(TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web"},
		"refresh_token": {first.RefreshToken},
		"scope":         {"read write admin"},
	}, "", "")
	assert.Equal(t, "invalid_scope", decodeToken(t, rec).Error)

	rec = f.post(TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web"},
		"refresh_token": {first.RefreshToken},
		"scope":         {"read"},
	}, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeToken(t, rec)
	assert.Equal(t, "default read user", second.Scope)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	_, err := f.model.GetAccessToken(f.ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "old access token is removed")
	_, err = f.model.GetRefreshToken(f.ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "old refresh token is removed")

	rec = f.post(TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web"},
		"refresh_token": {first.RefreshToken},
	}, "", "")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestEngine_Revoke(t *testing.T) {
	f := newEngineFixture(t)
	tr := decodeToken(t, f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"hunter2"},
	}, "", ""))

	// Another client cannot revoke it.
	rec := f.post(RevokePath, url.Values{"token": {tr.AccessToken}}, "backend", "shh")
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := f.model.GetAccessToken(f.ctx, tr.AccessToken)
	require.NoError(t, err)

	rec = f.post(RevokePath, url.Values{
		"token":           {tr.RefreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {"web"},
	}, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err = f.model.GetRefreshToken(f.ctx, tr.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.model.GetAccessToken(f.ctx, tr.AccessToken)
	require.NoError(t, err, "revoking the refresh token leaves the access token")

	rec = f.post(RevokePath, url.Values{"token": {tr.AccessToken}, "client_id": {"web"}}, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err = f.model.GetAccessToken(f.ctx, tr.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	rec = f.post(RevokePath, url.Values{"token": {"unknown"}, "client_id": {"web"}}, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEngine_RevokeWhileUserBlocked(t *testing.T) {
	f := newEngineFixture(t)
	tr := decodeToken(t, f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"hunter2"},
	}, "", ""))
	require.NotEmpty(t, tr.AccessToken)

	setStatus := func(s account.Status) {
		_, err := f.accounts.UpdateAccount(f.ctx, "acct-1", func(a *account.Account) { a.Status = s })
		require.NoError(t, err)
	}
	setStatus(account.StatusTemporallyBlocked)
	rec := f.post(RevokePath, url.Values{"token": {tr.AccessToken}, "client_id": {"web"}}, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	setStatus(account.StatusEnabled)

	_, err := f.model.GetAccessToken(f.ctx, tr.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "the token stays revoked once the block is lifted")
	_, err = f.model.LoadAccessToken(f.ctx, tr.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEngine_RevokeRequiresClientAuth(t *testing.T) {
	f := newEngineFixture(t)

	rec := f.post(RevokePath, url.Values{"token": {"x"}, "client_id": {"backend"}}, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, RevokePath+"?token=x&client_id=web", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEngine_Metadata(t *testing.T) {
	f := newEngineFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var md map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, "https://auth.example.com", md["issuer"])
	assert.Equal(t, "https://auth.example.com/oauth/token", md["token_endpoint"])
	assert.Equal(t, "https://auth.example.com/oauth/revoke", md["revocation_endpoint"])
}

func TestEngine_RequireScope(t *testing.T) {
	f := newEngineFixture(t)
	tr := decodeToken(t, f.post(TokenPath, url.Values{
		"grant_type": {"password"},
		"client_id":  {"web"},
		"username":   {"alice@example.com"},
		"password":   {"hunter2"},
		"scope":      {"read"},
	}, "", ""))

	var seen *Token
	protected := func(required ...string) http.Handler {
		return f.engine.RequireScope(required...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = TokenFromContext(r.Context())
			assert.Equal(t, "web", ClientIDFromContext(r.Context()))
			assert.True(t, HasScope(r.Context(), "user"))
			w.WriteHeader(http.StatusNoContent)
		}))
	}
	call := func(h http.Handler, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call(protected("read", "user"), tr.AccessToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "acct-1", seen.UserID)

	rec = call(protected("write"), tr.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "insufficient_scope")

	rec = call(protected("read"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(protected("read"), "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}
