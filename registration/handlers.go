package registration

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/server"
	"github.com/dpup/warden/ticket"
	"google.golang.org/grpc/codes"
)

// Endpoint paths.
const (
	RegisterPath = "/api/accounts/register"
	ConfirmPath  = "/api/accounts/confirm"
	ResendPath   = "/api/accounts/resend"
	SigninPath   = "/api/signin"
)

var errMethodNotAllowed = errors.NewC("method not allowed", codes.InvalidArgument).
	WithHTTPStatusCode(http.StatusMethodNotAllowed)

// Authenticator checks local credentials. Satisfied by *oauth.GrantModel.
type Authenticator interface {
	GetUser(ctx context.Context, username, password string) (*account.Account, error)
}

// TicketIssuer mints authentication tickets. Satisfied by *ticket.Issuer.
type TicketIssuer interface {
	Issue(ctx context.Context, subject, provider string) (string, error)
}

// API exposes registration, confirmation and password sign in over JSON.
type API struct {
	registrar *Registrar
	confirm   *account.Service
	auth      Authenticator
	tickets   TicketIssuer
}

// NewAPI returns the JSON API.
func NewAPI(registrar *Registrar, confirm *account.Service, auth Authenticator, tickets TicketIssuer) *API {
	return &API{registrar: registrar, confirm: confirm, auth: auth, tickets: tickets}
}

// ServerOptions registers the API's endpoints with a server.
func (a *API) ServerOptions() []server.ServerOption {
	return []server.ServerOption{
		server.WithJSONHandler(RegisterPath, a.Register),
		server.WithJSONHandler(ConfirmPath, a.Confirm),
		server.WithJSONHandler(ResendPath, a.Resend),
		server.WithJSONHandler(SigninPath, a.Signin),
	}
}

type registerRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type registerResponse struct {
	AccountID string `json:"accountId"`
	Code      string `json:"code"`
}

// Register creates an account with the default scope.
func (a *API) Register(r *http.Request) (any, error) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	acct, err := a.registrar.Register(r.Context(), Request{Identifier: req.Identifier, Password: req.Password})
	if err != nil {
		return nil, err
	}
	return registerResponse{AccountID: acct.ID, Code: acct.Code}, nil
}

type confirmRequest struct {
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
}

// Confirm checks a validation token.
func (a *API) Confirm(r *http.Request) (any, error) {
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	identifier, err := account.Normalize(account.KindOf(req.Identifier), req.Identifier)
	if err != nil {
		return nil, err
	}
	if err := a.confirm.Confirm(r.Context(), identifier, req.Token); err != nil {
		return nil, err
	}
	return map[string]bool{"confirmed": true}, nil
}

type resendRequest struct {
	Identifier string `json:"identifier"`
}

// Resend reissues a confirmation message. The reply is the same whether or
// not the identifier is registered, confirmed or blocked, so the endpoint
// can not be used to discover accounts. Only server faults surface.
func (a *API) Resend(r *http.Request) (any, error) {
	var req resendRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	identifier, err := account.Normalize(account.KindOf(req.Identifier), req.Identifier)
	if err != nil {
		return nil, err
	}
	if err := a.registrar.ResendConfirmationTo(r.Context(), identifier); err != nil {
		switch errors.Code(err) {
		case codes.Unknown, codes.Internal, codes.Unavailable, codes.DataLoss:
			return nil, err
		}
		logging.Track(r.Context(), "resend.skipped", err.Error())
	}
	return map[string]bool{"sent": true}, nil
}

type signinRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type signinResponse struct {
	Ticket string `json:"ticket"`
}

// Signin checks a password and returns a ticket for the authorization
// endpoint. Whether the account may sign in is decided when the ticket is
// exchanged for a token.
func (a *API) Signin(r *http.Request) (any, error) {
	var req signinRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	acct, err := a.auth.GetUser(r.Context(), req.Identifier, req.Password)
	if err != nil {
		return nil, err
	}
	raw, err := a.tickets.Issue(r.Context(), acct.ID, ticket.ProviderLocal)
	if err != nil {
		return nil, err
	}
	logging.Track(r.Context(), "account_id", acct.ID)
	return signinResponse{Ticket: raw}, nil
}

func decode(r *http.Request, v any) error {
	if r.Method != http.MethodPost {
		return errors.Mark(errMethodNotAllowed, 0)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewC("malformed request body", codes.InvalidArgument).Append(err.Error())
	}
	return nil
}
