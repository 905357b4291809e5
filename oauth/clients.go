package oauth

import (
	"context"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/settings"
	"google.golang.org/grpc/codes"
)

// ErrInvalidClientConfig is returned when a static client cannot be
// registered.
var ErrInvalidClientConfig = errors.NewC("invalid client configuration", codes.InvalidArgument)

// ClientsFromSettings converts the statically configured clients.
func ClientsFromSettings(cfg settings.OAuth) []Client {
	clients := make([]Client, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients = append(clients, Client{
			ID:                   c.ID,
			Type:                 ClientType(c.Type),
			Secret:               c.Secret,
			Scope:                c.Scope,
			RedirectURIs:         c.RedirectURIs,
			AccessTokenLifetime:  c.AccessTokenLifetime,
			RefreshTokenLifetime: c.RefreshTokenLifetime,
		})
	}
	return clients
}

// RegisterClients validates clients and writes them to the store, replacing
// any stored client with the same id. Used to seed static clients at
// startup.
func (m *GrantModel) RegisterClients(ctx context.Context, clients ...Client) error {
	for _, c := range clients {
		ctx := logging.With(ctx, logging.FromContext(ctx).Named(c.ID))
		if err := validateClient(c); err != nil {
			return err
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = m.now()
		}
		if err := m.store.Upsert(ctx, c); err != nil {
			return errors.WrapPrefix(err, "registering client "+c.ID, 0)
		}
		logging.Infow(ctx, "oauth: client registered", "client.type", c.Type, "client.scope", c.Scope)
	}
	return nil
}

func validateClient(c Client) error {
	if c.ID == "" {
		return errors.Mark(ErrInvalidClientConfig, 0).Append("missing id")
	}
	if _, err := ClassifyTokenType(c.Type, true, ""); err != nil {
		return errors.Mark(ErrInvalidClientConfig, 0).Append(c.ID + ": unknown type " + string(c.Type))
	}
	if c.AccessTokenLifetime < Infinite || c.RefreshTokenLifetime < 0 {
		return errors.Mark(ErrInvalidClientConfig, 0).Append(c.ID + ": negative lifetime")
	}
	for _, u := range c.RedirectURIs {
		if u == "" {
			return errors.Mark(ErrInvalidClientConfig, 0).Append(c.ID + ": empty redirect uri")
		}
	}
	return nil
}
