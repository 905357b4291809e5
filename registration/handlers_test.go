package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/server"
	"github.com/dpup/warden/storage/memorystore"
	"github.com/dpup/warden/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authFunc func(ctx context.Context, username, password string) (*account.Account, error)

func (fn authFunc) GetUser(ctx context.Context, username, password string) (*account.Account, error) {
	return fn(ctx, username, password)
}

type apiFixture struct {
	*fixture
	tickets *ticket.Issuer
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t)
	tickets := ticket.NewIssuer(memorystore.New(), []byte("test-signing-key-test-signing-key"), "warden", time.Minute)
	require.NoError(t, tickets.Init(f.ctx))

	auth := authFunc(func(ctx context.Context, username, password string) (*account.Account, error) {
		cred, err := f.accounts.Credential(ctx, username)
		if err != nil {
			return nil, err
		}
		return f.accounts.Account(ctx, cred.AccountID)
	})
	api := NewAPI(f.registrar, f.confirm, auth, tickets)
	return &apiFixture{
		fixture: f,
		tickets: tickets,
		handler: server.New(api.ServerOptions()...).Handler(),
	}
}

func (f *apiFixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RegisterConfirmSignin(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.post(RegisterPath, `{"identifier":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reg registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.NotEmpty(t, reg.AccountID)
	assert.Len(t, reg.Code, 4)

	token := f.sentMails(t)[0].Token
	rec = f.post(ConfirmPath, `{"identifier":"Alice@Example.com","token":"`+token+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"confirmed":true}`, rec.Body.String())

	rec = f.post(SigninPath, `{"identifier":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var in signinResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))

	tk, err := f.tickets.Redeem(f.ctx, in.Ticket)
	require.NoError(t, err)
	assert.Equal(t, reg.AccountID, tk.Subject)
	assert.False(t, tk.IsSocial())
}

func TestAPI_Errors(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.post(RegisterPath, `{"identifier":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(RegisterPath, `{"identifier":"alice@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp server.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ALREADY_EXISTS", resp.CodeName)
	assert.Equal(t, "An account is already registered with that identifier.", resp.Message)

	rec = f.post(RegisterPath, `{"identifier":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.post(ConfirmPath, `{"identifier":"alice@example.com","token":"wrong"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.post(ResendPath, `{"identifier":"not an identifier"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, RegisterPath, nil)
	get := httptest.NewRecorder()
	f.handler.ServeHTTP(get, req)
	assert.Equal(t, http.StatusMethodNotAllowed, get.Code)
}

func TestAPI_ResendAnswersUniformly(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.post(RegisterPath, `{"identifier":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.post(RegisterPath, `{"identifier":"bob@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := f.accounts.UpdateCredential(f.ctx, "bob@example.com", func(c *account.Credential) {
		c.Status = account.CredentialDisabledByAdmin
	})
	require.NoError(t, err)
	require.Len(t, f.sentMails(t), 2)

	for _, identifier := range []string{"Alice@Example.com", "bob@example.com", "nobody@example.com"} {
		rec = f.post(ResendPath, `{"identifier":"`+identifier+`"}`)
		assert.Equal(t, http.StatusOK, rec.Code, identifier)
		assert.JSONEq(t, `{"sent":true}`, rec.Body.String(), identifier)
	}

	mails := f.sentMails(t)
	require.Len(t, mails, 3, "only the pending registration gets a new message")
	assert.Equal(t, "alice@example.com", mails[2].To)
}
