// Command warden runs the authorization server.
//
// Configuration is read from warden.yaml and WD__ environment variables, see
// the settings package and warden.example.yaml. With the example clients:
//
//	curl -X POST http://localhost:8000/api/accounts/register \
//	  -d '{"identifier":"alice@example.com","password":"hunter2"}'
//	curl -X POST http://localhost:8000/oauth/token \
//	  -d grant_type=password -d client_id=demo \
//	  -d username=alice@example.com -d password=hunter2
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"

	"github.com/dpup/warden/account"
	"github.com/dpup/warden/codealloc"
	"github.com/dpup/warden/email"
	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/eventbus"
	"github.com/dpup/warden/eventbus/membus"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/oauth"
	"github.com/dpup/warden/policy"
	"github.com/dpup/warden/registration"
	"github.com/dpup/warden/server"
	"github.com/dpup/warden/settings"
	"github.com/dpup/warden/storage"
	"github.com/dpup/warden/storage/memorystore"
	"github.com/dpup/warden/storage/postgres"
	"github.com/dpup/warden/storage/sqlitestore"
	"github.com/dpup/warden/ticket"
	"github.com/dpup/warden/workqueue/memqueue"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := settings.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warnw("config: " + w)
	}
	ctx := logging.With(context.Background(), logger)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	bus := membus.New(ctx)
	queue := memqueue.New(ctx)
	subscribeAudit(ctx, bus)

	accounts := account.NewRepository(store)
	if err := accounts.Init(ctx); err != nil {
		return err
	}
	confirm := account.NewService(accounts, account.Config{
		MaxAttempts:     cfg.Account.MaxValidationAttempts,
		TokenLifetime:   cfg.Account.ValidationTokenLifetime,
		ReissueInterval: cfg.Account.ReissueInterval,
	}, account.WithEventBus(bus))

	policyCfg := policy.Config{
		EmailConfirmation:  policy.ConfirmationPolicy(cfg.Policy.EmailConfirmation),
		ConfirmationWindow: cfg.Policy.ConfirmationWindow,
	}
	gate := policy.NewGate(policyCfg)

	var serverOpts []server.ServerOption
	alloc, allocOpts, err := newAllocator(ctx, cfg.CodeAlloc, store)
	if err != nil {
		return err
	}
	serverOpts = append(serverOpts, allocOpts...)

	templates, err := email.LoadTemplates(cfg.Email.TemplateDir)
	if err != nil {
		return err
	}
	mailer := email.New(cfg.Email, logger, email.WithTemplates(templates))
	if err := mailer.Validate(); err != nil {
		return err
	}
	mailer.Subscribe(queue)

	tickets := ticket.NewIssuer(store, signingKey(logger, cfg.Ticket.SigningKey), cfg.OAuth.Issuer, cfg.Ticket.Lifetime)
	if err := tickets.Init(ctx); err != nil {
		return err
	}

	model := oauth.NewGrantModel(store, accounts, gate, oauth.Config{
		AccessTokenLifetime:       cfg.OAuth.AccessTokenLifetime,
		RefreshTokenLifetime:      cfg.OAuth.RefreshTokenLifetime,
		AuthorizationCodeLifetime: cfg.OAuth.AuthorizationCodeLifetime,
	}, oauth.WithEventBus(bus))
	if err := model.Init(ctx); err != nil {
		return err
	}
	if err := model.RegisterClients(ctx, oauth.ClientsFromSettings(cfg.OAuth)...); err != nil {
		return err
	}
	engine := oauth.NewEngine(model, tickets, oauth.EngineConfig{
		Issuer:                    cfg.OAuth.Issuer,
		AccessTokenLifetime:       cfg.OAuth.AccessTokenLifetime,
		RefreshTokenLifetime:      cfg.OAuth.RefreshTokenLifetime,
		AuthorizationCodeLifetime: cfg.OAuth.AuthorizationCodeLifetime,
		Logger:                    logger.Named("oauth"),
	})

	registrar := registration.New(accounts, confirm, alloc, queue, registration.Config{
		Policy:       policyCfg,
		DefaultScope: cfg.Account.DefaultScope,
	}, registration.WithEventBus(bus))
	api := registration.NewAPI(registrar, confirm, model, tickets)

	serverOpts = append(serverOpts,
		server.WithSettings(cfg.Server),
		server.WithLogger(logger),
		server.WithHTTPHandler("/api/me", engine.RequireScope("profile")(server.JSONHandler(me))),
		// Hooks run in reverse, so the queue drains before the bus.
		server.WithShutdownHook(bus.Shutdown),
		server.WithShutdownHook(queue.Shutdown),
	)
	serverOpts = append(serverOpts, engine.ServerOptions()...)
	serverOpts = append(serverOpts, api.ServerOptions()...)

	return server.New(serverOpts...).Start()
}

func openStore(cfg settings.Storage) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlitestore.New(cfg.DSN)
	case "postgres":
		return postgres.New(cfg.DSN)
	case "memory", "":
		return memorystore.New(), nil
	}
	return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
}

// newAllocator returns the code allocator for the configured mode. The owner
// also serves the allocator to workers over gRPC.
func newAllocator(ctx context.Context, cfg settings.CodeAlloc, store storage.Store) (codealloc.Allocator, []server.ServerOption, error) {
	if cfg.Mode == "worker" {
		conn, err := grpc.NewClient(cfg.OwnerAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, errors.WrapPrefix(err, "codealloc: dialing owner", 0)
		}
		logging.Infow(ctx, "codealloc: forwarding to owner", "owner", cfg.OwnerAddress)
		return codealloc.NewRemote(conn, cfg.RequestTimeout), []server.ServerOption{
			server.WithShutdownHook(func(context.Context) error { return conn.Close() }),
		}, nil
	}

	var segments codealloc.SegmentStore
	var err error
	if cfg.Store == "file" {
		segments, err = codealloc.NewFileSegmentStore(cfg.SegmentDir)
	} else {
		segments, err = codealloc.NewStorageSegmentStore(ctx, store)
	}
	if err != nil {
		return nil, nil, err
	}
	local, err := codealloc.NewLocal(segments, codealloc.WithHalfLength(cfg.HalfLength))
	if err != nil {
		return nil, nil, err
	}
	return local, []server.ServerOption{
		server.WithGRPCService(func(s grpc.ServiceRegistrar) { codealloc.RegisterService(s, local) }),
	}, nil
}

// signingKey returns the configured ticket key, or a random one that only
// lives as long as the process.
func signingKey(logger logging.Logger, configured string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	logger.Warnw("ticket: no signing key configured, using an ephemeral key")
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}

func subscribeAudit(ctx context.Context, bus eventbus.EventBus) {
	audit := logging.FromContext(ctx).Named("audit")
	for _, topic := range []string{
		oauth.EventTokenIssued,
		oauth.EventTokenRevoked,
		registration.EventRegistered,
		account.EventConfirmed,
	} {
		bus.Subscribe(topic, func(_ context.Context, msg *eventbus.Message) error {
			audit.Infow(msg.Topic, "event_id", msg.ID, "data", msg.Data)
			return nil
		})
	}
}

type meResponse struct {
	ClientID string   `json:"clientId"`
	UserID   string   `json:"userId,omitempty"`
	Scope    []string `json:"scope"`
}

func me(r *http.Request) (any, error) {
	t, _ := oauth.TokenFromContext(r.Context())
	return meResponse{ClientID: t.ClientID, UserID: t.UserID, Scope: t.Scope}, nil
}
