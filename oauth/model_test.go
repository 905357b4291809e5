package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/eventbus"
	"github.com/dpup/warden/eventbus/membus"
	"github.com/dpup/warden/policy"
	"github.com/dpup/warden/storage"
	"github.com/dpup/warden/storage/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx      context.Context
	now      time.Time
	store    storage.Store
	accounts *account.Repository
	model    *GrantModel
	bus      *membus.Bus
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, confirmation policy.ConfirmationPolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		ctx:   ctx,
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		store: memorystore.New(),
		bus:   membus.New(ctx),
	}
	f.accounts = account.NewRepository(f.store)
	require.NoError(t, f.accounts.Init(ctx))

	gate := policy.NewGate(policy.Config{EmailConfirmation: confirmation, ConfirmationWindow: time.Hour},
		policy.WithClock(f.clock))
	f.model = NewGrantModel(f.store, f.accounts, gate, Config{
		AccessTokenLifetime:       time.Hour,
		RefreshTokenLifetime:      24 * time.Hour,
		AuthorizationCodeLifetime: 10 * time.Minute,
	}, WithHasher(account.PlainHasher{}), WithClock(f.clock), WithEventBus(f.bus))
	require.NoError(t, f.model.Init(ctx))

	require.NoError(t, f.model.RegisterClients(ctx,
		Client{
			ID:           "web",
			Type:         ClientWebClientSide,
			Scope:        []string{"read", "write", "admin"},
			RedirectURIs: []string{"https://app.example.com/cb"},
		},
		Client{
			ID:                  "svc",
			Type:                ClientService,
			Secret:              "s3cret",
			Scope:               []string{"read", "metrics"},
			AccessTokenLifetime: Infinite,
		},
		Client{
			ID:                   "backend",
			Type:                 ClientWebServerSide,
			Secret:               "shh",
			Scope:                []string{"read", "write"},
			RedirectURIs:         []string{"https://backend.example.com/cb"},
			AccessTokenLifetime:  60,
			RefreshTokenLifetime: 120,
		},
	))
	f.addUser(t, "acct-1", "alice@example.com", account.StatusEnabled, account.CredentialConfirmed)
	return f
}

func (f *fixture) addUser(t *testing.T, id, email string, status account.Status, credStatus account.CredentialStatus) *account.Account {
	t.Helper()
	acct := &account.Account{
		ID:           id,
		Status:       status,
		Scope:        []string{"read", "write"},
		PasswordHash: []byte("hunter2"),
	}
	cred := &account.Credential{ID: email, Kind: account.KindEmail, Status: credStatus}
	require.NoError(t, f.accounts.Create(f.ctx, acct, cred))
	return acct
}

func (f *fixture) client(t *testing.T, id string) *Client {
	t.Helper()
	c, err := f.model.GetClient(f.ctx, id, "")
	require.NoError(t, err)
	return c
}

func (f *fixture) user(t *testing.T, id string) *account.Account {
	t.Helper()
	u, err := f.model.LookupUser(f.ctx, id)
	require.NoError(t, err)
	return u
}

func TestGetClient(t *testing.T) {
	f := newFixture(t, policy.NotRequired)

	_, err := f.model.GetClient(f.ctx, "nope", "")
	assert.ErrorIs(t, err, ErrInvalidApplication)

	_, err = f.model.GetClient(f.ctx, "svc", "wrong")
	assert.ErrorIs(t, err, ErrInvalidApplication)

	c, err := f.model.GetClient(f.ctx, "svc", "")
	require.NoError(t, err)
	assert.Equal(t, ClientService, c.Type)

	c, err = f.model.GetClient(f.ctx, "svc", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "svc", c.ID)
}

func TestGetUser(t *testing.T) {
	f := newFixture(t, policy.NotRequired)

	_, err := f.model.GetUser(f.ctx, "bob@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrAccountNotRegistered)

	_, err = f.model.GetUser(f.ctx, "not an identifier", "hunter2")
	assert.ErrorIs(t, err, ErrAccountNotRegistered)

	_, err = f.model.GetUser(f.ctx, "alice@example.com", "letmein")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	u, err := f.model.GetUser(f.ctx, "Alice@Example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", u.ID)
}

func TestClassifyTokenType(t *testing.T) {
	tests := []struct {
		ct          ClientType
		clientGrant bool
		preTagged   TokenType
		want        TokenType
		wantErr     bool
	}{
		{ClientModule, false, TypeExternalAuth, TypeApplication, false},
		{ClientService, false, "", TypeApplication, false},
		{ClientAndroid, true, "", TypeApplication, false},
		{ClientIOS, true, TypeExternalAuth, TypeApplication, false},
		{ClientWebServerSide, false, "", TypeUser, false},
		{ClientWebClientSide, false, TypeApplication, TypeUser, false},
		{ClientWebClientSide, false, TypeExternalAuth, TypeExternalAuth, false},
		{"DESKTOP", false, "", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.ct)+"/"+string(tt.preTagged), func(t *testing.T) {
			got, err := ClassifyTokenType(tt.ct, tt.clientGrant, tt.preTagged)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidApplication)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchScope(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	web := f.client(t, "web")

	got, err := f.model.MatchScope(f.ctx, web, "acct-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "read", "user", "write"}, got, "empty request takes the user's scope")

	got, err = f.model.MatchScope(f.ctx, web, "acct-1", []string{"write", "admin", "default"})
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "user", "write"}, got)

	got, err = f.model.MatchScope(f.ctx, web, "web", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "application", "default", "read", "write"}, got)

	again, err := f.model.MatchScope(f.ctx, web, "web", got)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = f.model.MatchScope(f.ctx, web, "ghost", nil)
	assert.ErrorIs(t, err, ErrAccountNotRegistered)
}

func TestSaveToken_ClientActingAsUser(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	web := f.client(t, "web")

	tok, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, web, &account.Account{ID: "web"})
	require.NoError(t, err)

	assert.Equal(t, TypeApplication, tok.Type)
	assert.Contains(t, tok.Scope, "application")
	assert.Contains(t, tok.Scope, "default")
	assert.NotContains(t, tok.Scope, "user")
	assert.Empty(t, tok.UserID)
	assert.Equal(t, f.now.Add(time.Hour), tok.AccessTokenExpiresAt)
}

func TestSaveToken_UserGrant(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	web := f.client(t, "web")
	alice := f.user(t, "acct-1")

	tok, err := f.model.SaveToken(f.ctx, &Token{
		AccessToken:  "a1",
		RefreshToken: "r1",
		Scope:        []string{"admin", "read", "application"},
	}, web, alice)
	require.NoError(t, err)

	assert.Equal(t, TypeUser, tok.Type)
	assert.Equal(t, []string{"default", "read", "user"}, tok.Scope)
	assert.Equal(t, "acct-1", tok.UserID)
	assert.False(t, tok.Keep)
	assert.Equal(t, f.now.Add(24*time.Hour), tok.RefreshTokenExpiresAt)

	var row Token
	require.NoError(t, f.store.Read(f.ctx, "a1", &row))
	assert.Equal(t, []string{"read"}, row.Scope, "virtual tags are not persisted")
	assert.Nil(t, row.Client)
}

func TestSaveToken_ClientLifetimes(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	backend := f.client(t, "backend")

	tok, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1", RefreshToken: "r1"}, backend, f.user(t, "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(60*time.Second), tok.AccessTokenExpiresAt)
	assert.Equal(t, f.now.Add(120*time.Second), tok.RefreshTokenExpiresAt)
}

func TestSaveToken_Infinite(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	svc := f.client(t, "svc")

	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, svc, f.user(t, "acct-1"))
	assert.ErrorIs(t, err, policy.ErrNotAllowedSignin)

	tok, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a2"}, svc, nil)
	require.NoError(t, err)
	assert.True(t, tok.Keep)
	assert.Equal(t, TypeApplication, tok.Type)
	assert.Equal(t, f.now.Add(keepWindow), tok.AccessTokenExpiresAt)

	tok, err = f.model.SaveToken(f.ctx, &Token{AccessToken: "a3"}, svc, &account.Account{ID: "svc"})
	require.NoError(t, err)
	assert.True(t, tok.Keep)
}

func TestSaveToken_PreTagged(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	ctx := WithTokenType(f.ctx, TypeExternalAuth)

	tok, err := f.model.SaveToken(ctx, &Token{AccessToken: "a1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, TypeExternalAuth, tok.Type)

	tok, err = f.model.SaveToken(ctx, &Token{AccessToken: "a2"}, f.client(t, "svc"), nil)
	require.NoError(t, err)
	assert.Equal(t, TypeApplication, tok.Type)
}

func TestSaveToken_UnknownClientType(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, &Client{ID: "x", Type: "DESKTOP"}, nil)
	assert.ErrorIs(t, err, ErrInvalidApplication)
}

func TestSaveToken_PublishesEvent(t *testing.T) {
	f := newFixture(t, policy.NotRequired)

	var mu sync.Mutex
	var got []TokenEvent
	f.bus.Subscribe(EventTokenIssued, func(_ context.Context, msg *eventbus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.Data.(TokenEvent))
		return nil
	})

	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1", RefreshToken: "r1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)
	require.NoError(t, f.bus.Wait(f.ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].ClientID)
	assert.Equal(t, "acct-1", got[0].UserID)
	assert.True(t, got[0].Refresh)
}

func TestGetAccessToken(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)

	tok, err := f.model.GetAccessToken(f.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "web", tok.Client.ID)
	assert.Equal(t, "acct-1", tok.User.ID)
	assert.Equal(t, []string{"default", "read", "user", "write"}, tok.Scope)

	_, err = f.model.GetAccessToken(f.ctx, "missing")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetAccessToken_Expired(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, f.client(t, "backend"), f.user(t, "acct-1"))
	require.NoError(t, err)

	f.now = f.now.Add(61 * time.Second)
	_, err = f.model.GetAccessToken(f.ctx, "a1")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestGetAccessToken_KeepExtends(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, f.client(t, "svc"), nil)
	require.NoError(t, err)

	f.now = f.now.Add(2 * keepWindow)
	tok, err := f.model.GetAccessToken(f.ctx, "a1")
	require.NoError(t, err)
	assert.False(t, tok.AccessTokenExpiresAt.Before(f.now.Add(keepWindow)))

	var row Token
	require.NoError(t, f.store.Read(f.ctx, "a1", &row))
	assert.True(t, row.AccessTokenExpiresAt.Equal(f.now.Add(keepWindow)), "extension is persisted")
}

func TestGetAccessToken_KeepBoundToUser(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	require.NoError(t, f.store.Create(f.ctx, Token{
		AccessToken:          "bad",
		AccessTokenCreatedAt: f.now,
		AccessTokenExpiresAt: f.now.Add(time.Hour),
		ClientID:             "svc",
		UserID:               "acct-1",
		Keep:                 true,
		Type:                 TypeApplication,
	}))

	_, err := f.model.GetAccessToken(f.ctx, "bad")
	assert.ErrorIs(t, err, policy.ErrNotAllowedSignin)
}

func TestGetAccessToken_GateRechecked(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)

	_, err = f.accounts.UpdateAccount(f.ctx, "acct-1", func(a *account.Account) {
		a.Status = account.StatusTemporallyBlocked
	})
	require.NoError(t, err)

	_, err = f.model.GetAccessToken(f.ctx, "a1")
	assert.ErrorIs(t, err, policy.ErrAccountBlocked)
}

func TestLoadAccessToken_SkipsGateAndExpiry(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)
	_, err = f.accounts.UpdateAccount(f.ctx, "acct-1", func(a *account.Account) {
		a.Status = account.StatusTemporallyBlocked
	})
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Hour)

	tok, err := f.model.LoadAccessToken(f.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", tok.UserID)
	require.NotNil(t, tok.Client)
	assert.Equal(t, "web", tok.Client.ID)

	ok, err := f.model.RevokeToken(f.ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.model.LoadAccessToken(f.ctx, "a1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetAccessToken_ExternalAuthSkipsCredential(t *testing.T) {
	f := newFixture(t, policy.Required)
	f.addUser(t, "acct-2", "bob@example.com", account.StatusRegistered, account.CredentialRegistered)
	bob := f.user(t, "acct-2")

	_, err := f.model.SaveToken(WithTokenType(f.ctx, TypeExternalAuth), &Token{AccessToken: "social"}, f.client(t, "web"), bob)
	require.NoError(t, err)
	_, err = f.model.SaveToken(f.ctx, &Token{AccessToken: "local"}, f.client(t, "web"), bob)
	require.NoError(t, err)

	_, err = f.model.GetAccessToken(f.ctx, "social")
	assert.NoError(t, err)

	_, err = f.model.GetAccessToken(f.ctx, "local")
	assert.ErrorIs(t, err, policy.ErrEmailNotConfirmed)
	id, ok := policy.AccountIDFromError(err)
	assert.True(t, ok)
	assert.Equal(t, "acct-2", id)
}

func TestGenerateAccessToken_Gate(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	f.addUser(t, "acct-2", "bob@example.com", account.StatusTemporallyBlocked, account.CredentialConfirmed)
	web := f.client(t, "web")

	_, err := f.model.GenerateAccessToken(f.ctx, web, f.user(t, "acct-2"), nil)
	assert.ErrorIs(t, err, policy.ErrAccountBlocked)

	a1, err := f.model.GenerateAccessToken(f.ctx, web, f.user(t, "acct-1"), nil)
	require.NoError(t, err)
	a2, err := f.model.GenerateAccessToken(f.ctx, web, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	r, err := f.model.GenerateRefreshToken(f.ctx, web, f.user(t, "acct-1"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, r)
}

func TestAuthorizationCode(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	web := f.client(t, "web")
	alice := f.user(t, "acct-1")

	value, err := f.model.GenerateAuthorizationCode(f.ctx, web, alice, nil)
	require.NoError(t, err)
	require.NotEmpty(t, value)

	saved, err := f.model.SaveAuthorizationCode(WithTokenType(f.ctx, TypeExternalAuth), &AuthorizationCode{
		Code:        value,
		RedirectURI: "https://app.example.com/cb",
		Scope:       []string{"read", "user"},
	}, web, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "read", "user"}, saved.Scope)
	assert.Equal(t, f.now.Add(10*time.Minute), saved.ExpiresAt)
	assert.Equal(t, TypeExternalAuth, saved.Type)

	got, err := f.model.GetAuthorizationCode(f.ctx, value)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Client.ID)
	assert.Equal(t, "acct-1", got.User.ID)
	assert.Equal(t, saved.Scope, got.Scope)

	stale := *got
	stale.ExpiresAt = stale.ExpiresAt.Add(time.Second)
	ok, err := f.model.RevokeAuthorizationCode(f.ctx, &stale)
	require.NoError(t, err)
	assert.False(t, ok, "expiry must match")

	ok, err = f.model.RevokeAuthorizationCode(f.ctx, got)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.model.RevokeAuthorizationCode(f.ctx, got)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.model.GetAuthorizationCode(f.ctx, value)
	assert.ErrorIs(t, err, ErrInvalidAuthorizationCode)
}

func TestAuthorizationCode_ClientGrantDropsUser(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	web := f.client(t, "web")

	saved, err := f.model.SaveAuthorizationCode(f.ctx, &AuthorizationCode{Code: "c1"}, web, &account.Account{ID: "web"})
	require.NoError(t, err)
	assert.Empty(t, saved.UserID)
	assert.Nil(t, saved.User)
	assert.Equal(t, []string{"admin", "application", "default", "read", "write"}, saved.Scope)
}

func TestAuthorizationCode_Expired(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveAuthorizationCode(f.ctx, &AuthorizationCode{Code: "c1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.model.GetAuthorizationCode(f.ctx, "c1")
	assert.ErrorIs(t, err, ErrInvalidAuthorizationCode)
}

func TestRefreshToken(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1", RefreshToken: "r1"}, f.client(t, "backend"), f.user(t, "acct-1"))
	require.NoError(t, err)

	rt, err := f.model.GetRefreshToken(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a1", rt.AccessToken)
	assert.Equal(t, "backend", rt.Client.ID)
	assert.Equal(t, "acct-1", rt.User.ID)

	_, err = f.model.GetRefreshToken(f.ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)

	f.now = f.now.Add(121 * time.Second)
	_, err = f.model.GetRefreshToken(f.ctx, "r1")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeRefreshToken_KeepsAccessRow(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1", RefreshToken: "r1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)

	rt, err := f.model.GetRefreshToken(f.ctx, "r1")
	require.NoError(t, err)

	other := *rt
	other.UserID = "someone-else"
	ok, err := f.model.RevokeRefreshToken(f.ctx, &other)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.model.RevokeRefreshToken(f.ctx, rt)
	require.NoError(t, err)
	assert.True(t, ok)

	var row Token
	require.NoError(t, f.store.Read(f.ctx, "a1", &row))
	assert.Empty(t, row.RefreshToken)

	_, err = f.model.GetAccessToken(f.ctx, "a1")
	assert.NoError(t, err)
	_, err = f.model.GetRefreshToken(f.ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	_, err := f.model.SaveToken(f.ctx, &Token{AccessToken: "a1"}, f.client(t, "web"), f.user(t, "acct-1"))
	require.NoError(t, err)
	tok, err := f.model.GetAccessToken(f.ctx, "a1")
	require.NoError(t, err)

	ok, err := f.model.RevokeToken(f.ctx, &Token{AccessToken: "a1", ClientID: "backend", UserID: "acct-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.model.RevokeToken(f.ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.model.GetAccessToken(f.ctx, "a1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyScope(t *testing.T) {
	f := newFixture(t, policy.NotRequired)
	tok := &Token{Scope: []string{"default", "read", "user"}}

	ok, err := f.model.VerifyScope(f.ctx, tok, []string{"user", "read"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.model.VerifyScope(f.ctx, tok, []string{"read", "write"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.model.VerifyScope(f.ctx, tok, []string{"rea"})
	require.NoError(t, err)
	assert.False(t, ok, "no prefix matching")

	_, err = f.model.VerifyScope(f.ctx, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterClients_Invalid(t *testing.T) {
	f := newFixture(t, policy.NotRequired)

	err := f.model.RegisterClients(f.ctx, Client{ID: "x", Type: "DESKTOP"})
	assert.ErrorIs(t, err, ErrInvalidClientConfig)

	err = f.model.RegisterClients(f.ctx, Client{Type: ClientService})
	assert.ErrorIs(t, err, ErrInvalidClientConfig)

	// Re-registering replaces the stored client.
	require.NoError(t, f.model.RegisterClients(f.ctx, Client{ID: "web", Type: ClientWebClientSide, Scope: []string{"read"}}))
	assert.Equal(t, []string{"read"}, f.client(t, "web").Scope)
}
