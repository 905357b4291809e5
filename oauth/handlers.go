package oauth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/scope"
	"github.com/dpup/warden/server"
	oautherrors "github.com/go-oauth2/oauth2/v4/errors"
	"google.golang.org/grpc/codes"
)

// Endpoint paths served by the engine.
const (
	AuthorizePath = "/oauth/authorize"
	TokenPath     = "/oauth/token"
	RevokePath    = "/oauth/revoke"
	MetadataPath  = "/.well-known/oauth-authorization-server"
)

// ServerOptions registers the engine's endpoints with a server.
func (e *Engine) ServerOptions() []server.ServerOption {
	return []server.ServerOption{
		server.WithHTTPHandler(AuthorizePath, e.AuthorizeHandler()),
		server.WithHTTPHandler(TokenPath, e.TokenHandler()),
		server.WithHTTPHandler(RevokePath, e.RevokeHandler()),
		server.WithHTTPHandler(MetadataPath, e.MetadataHandler()),
	}
}

// AuthorizeHandler serves the authorization endpoint. The user is identified
// by a single-use authentication ticket passed as the "ticket" parameter.
// Without one the request is denied back to the client.
func (e *Engine) AuthorizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := r.ParseForm(); err != nil {
			e.writeError(w, r, oautherrors.ErrInvalidRequest)
			return
		}

		// Checked before the engine runs, which would otherwise redirect the
		// error to an unregistered URI.
		if err := e.checkRedirectURI(ctx, r.FormValue("client_id"), r.FormValue("redirect_uri")); err != nil {
			e.writeError(w, r, err)
			return
		}

		if raw := r.FormValue("ticket"); raw != "" {
			t, err := e.tickets.Redeem(ctx, raw)
			if err != nil {
				e.writeError(w, r, err)
				return
			}
			ctx = withAuthenticatedUser(ctx, t.Subject)
			if t.IsSocial() {
				ctx = WithTokenType(ctx, TypeExternalAuth)
			}
			logging.Track(ctx, "oauth.user_id", t.Subject)
		}

		if err := e.srv.HandleAuthorizeRequest(w, r.WithContext(ctx)); err != nil {
			e.writeError(w, r, err)
		}
	})
}

// TokenHandler serves the token endpoint.
func (e *Engine) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithTokenType(r.Context(), "")
		if err := e.srv.HandleTokenRequest(w, r.WithContext(ctx)); err != nil {
			e.writeError(w, r, err)
		}
	})
}

// RevokeHandler serves token revocation. Clients authenticate as they do at
// the token endpoint. Unknown tokens are not an error, so the response does
// not reveal whether a token existed.
func (e *Engine) RevokeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodPost {
			e.writeError(w, r, oautherrors.ErrInvalidRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			e.writeError(w, r, oautherrors.ErrInvalidRequest)
			return
		}
		clientID, secret, ok := r.BasicAuth()
		if !ok {
			clientID, secret = r.Form.Get("client_id"), r.Form.Get("client_secret")
		}
		client, err := e.model.GetClient(ctx, clientID, secret)
		if err != nil {
			e.writeError(w, r, err)
			return
		}
		if !client.IsPublic() && secret == "" {
			e.writeError(w, r, errors.Mark(ErrInvalidApplication, 0))
			return
		}

		value := r.Form.Get("token")
		if value == "" {
			e.writeError(w, r, oautherrors.ErrInvalidRequest)
			return
		}
		revoked, err := e.revoke(ctx, client, value, r.Form.Get("token_type_hint"))
		if err != nil {
			e.writeError(w, r, err)
			return
		}
		logging.Track(ctx, "oauth.revoked", revoked)
		w.WriteHeader(http.StatusOK)
	})
}

func (e *Engine) revoke(ctx context.Context, client *Client, value, hint string) (bool, error) {
	tryRefresh := func() (bool, error) {
		rt, err := e.model.GetRefreshToken(ctx, value)
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		if rt.ClientID != client.ID {
			return false, nil
		}
		return e.model.RevokeRefreshToken(ctx, rt)
	}
	tryAccess := func() (bool, error) {
		t, err := e.model.LoadAccessToken(ctx, value)
		if errors.Is(err, ErrInvalidToken) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		if t.ClientID != client.ID {
			return false, nil
		}
		return e.model.RevokeToken(ctx, t)
	}

	first, second := tryAccess, tryRefresh
	if hint == "refresh_token" {
		first, second = tryRefresh, tryAccess
	}
	ok, err := first()
	if ok || err != nil {
		return ok, err
	}
	return second()
}

// MetadataHandler returns OAuth2 authorization server metadata.
func (e *Engine) MetadataHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := e.issuer
		if issuer == "" {
			scheme := "https"
			if r.TLS == nil {
				scheme = "http"
			}
			issuer = scheme + "://" + r.Host
		}

		server.WriteJSON(w, http.StatusOK, map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + AuthorizePath,
			"token_endpoint":                        issuer + TokenPath,
			"revocation_endpoint":                   issuer + RevokePath,
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 []string{"authorization_code", "password", "client_credentials", "refresh_token"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
			"code_challenge_methods_supported":      []string{"plain", "S256"},
		})
	})
}

// RequireScope returns middleware that only admits requests bearing a valid
// access token that carries every one of the given scopes. The token, its
// client id and its scopes are attached to the request context.
func (e *Engine) RequireScope(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			value, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
				server.WriteError(w, r, errors.Mark(ErrInvalidToken, 0).Append("missing bearer token"))
				return
			}
			t, err := e.model.GetAccessToken(ctx, value)
			if err != nil {
				if errors.Code(err) == codes.Unauthenticated {
					w.Header().Set("WWW-Authenticate", `Bearer realm="warden", error="invalid_token"`)
				}
				server.WriteError(w, r, err)
				return
			}
			allowed, err := e.model.VerifyScope(ctx, t, required)
			if err != nil {
				server.WriteError(w, r, err)
				return
			}
			if !allowed {
				w.Header().Set("WWW-Authenticate",
					`Bearer realm="warden", error="insufficient_scope", scope="`+strings.Join(required, " ")+`"`)
				server.WriteError(w, r, errors.Mark(ErrInsufficientScope, 0))
				return
			}

			logging.Track(ctx, "oauth.client_id", t.ClientID)
			ctx = context.WithValue(ctx, tokenKey{}, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type tokenKey struct{}

// TokenFromContext returns the access token admitted by RequireScope.
func TokenFromContext(ctx context.Context) (*Token, bool) {
	t, ok := ctx.Value(tokenKey{}).(*Token)
	return t, ok
}

// ClientIDFromContext returns the client the request's access token was
// issued to.
func ClientIDFromContext(ctx context.Context) string {
	if t, ok := TokenFromContext(ctx); ok {
		return t.ClientID
	}
	return ""
}

// ScopesFromContext returns the scope of the request's access token.
func ScopesFromContext(ctx context.Context) []string {
	if t, ok := TokenFromContext(ctx); ok {
		return t.Scope
	}
	return nil
}

// HasScope checks if the request's access token carries s.
func HasScope(ctx context.Context, s string) bool {
	return scope.ContainsAll(ScopesFromContext(ctx), []string{s})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	prefix := "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):]), true
	}
	return "", false
}

// checkRedirectURI verifies redirectURI is registered for the client. An
// empty URI is left for the engine to reject.
func (e *Engine) checkRedirectURI(ctx context.Context, clientID, redirectURI string) error {
	if clientID == "" || redirectURI == "" {
		return nil
	}
	client, err := e.model.GetClient(ctx, clientID, "")
	if err != nil {
		return err
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return errors.Mark(ErrInvalidRedirectURI, 0)
	}
	return nil
}

// writeError renders go-oauth2 protocol errors in the OAuth2 error format
// and everything else through the server's JSON errors.
func (e *Engine) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status, ok := oautherrors.StatusCodes[err]; ok {
		logging.Infow(r.Context(), "oauth: request rejected", "error", err)
		server.WriteJSON(w, status, map[string]string{
			"error":             err.Error(),
			"error_description": oautherrors.Descriptions[err],
		})
		return
	}
	if re := e.internalError(err); re != nil {
		logging.Infow(r.Context(), "oauth: request rejected", "error", err)
		server.WriteJSON(w, re.StatusCode, map[string]string{
			"error":             re.Error.Error(),
			"error_description": re.Description,
		})
		return
	}
	server.WriteError(w, r, err)
}
