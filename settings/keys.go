package settings

import (
	"github.com/dpup/warden/internal/config"
)

type key = config.Key

func init() {
	config.Register(
		key{Name: "name", Description: "User-facing name that identifies the service", Type: "string", Default: "Warden"},

		key{Name: "server.host", Description: "Host to bind the server to", Type: "string", Default: "localhost"},
		key{Name: "server.port", Description: "Port to bind the server to", Type: "int", Default: 8000},
		key{Name: "server.maxMsgSizeBytes", Description: "Maximum gRPC message size in bytes", Type: "int", Default: 4 << 20},
		key{Name: "server.shutdownTimeout", Description: "Grace period for in-flight requests on shutdown", Type: "duration", Default: "10s"},
		key{Name: "server.corsOrigins", Description: "Origins allowed to make cross-origin requests", Type: "[]string"},
		key{Name: "server.tls.certFile", Description: "Path to TLS certificate file", Type: "string"},
		key{Name: "server.tls.keyFile", Description: "Path to TLS key file", Type: "string"},

		key{Name: "log.format", Description: "Log encoder", Type: "string", Default: "dev", Allowed: []string{"dev", "prod"}},
		key{Name: "log.level", Description: "Minimum log level", Type: "string", Default: "info"},

		key{Name: "storage.driver", Description: "Persistence backend", Type: "string", Default: "memory", Allowed: []string{"memory", "sqlite", "postgres"}},
		key{Name: "storage.dsn", Description: "Data source name for sqlite or postgres", Type: "string"},

		key{Name: "oauth.issuer", Description: "Issuer advertised in authorization server metadata", Type: "string", Default: "http://localhost:8000"},
		key{Name: "oauth.accessTokenLifetime", Description: "Default access token lifetime when a client sets none", Type: "duration", Default: "1h"},
		key{Name: "oauth.refreshTokenLifetime", Description: "Default refresh token lifetime when a client sets none", Type: "duration", Default: "720h"},
		key{Name: "oauth.authorizationCodeLifetime", Description: "Lifetime of authorization codes", Type: "duration", Default: "10m"},
		key{Name: "oauth.clients", Description: "Static clients seeded at startup", Type: "[]map"},

		key{
			Name:        "policy.emailConfirmation",
			Description: "Whether sign-in requires a confirmed email",
			Type:        "string",
			Default:     "REQUIRED_BY_TIME",
			Allowed:     []string{"NOT_REQUIRED", "REQUIRED", "REQUIRED_BY_TIME"},
		},
		key{Name: "policy.confirmationWindow", Description: "Grace period to confirm under REQUIRED_BY_TIME", Type: "duration", Default: "72h"},

		key{Name: "account.maxValidationAttempts", Description: "Verification attempts allowed per validation token", Type: "int", Default: 5},
		key{Name: "account.validationTokenLifetime", Description: "Lifetime of credential validation tokens", Type: "duration", Default: "24h"},
		key{Name: "account.reissueInterval", Description: "Minimum time between confirmation messages for one credential", Type: "duration", Default: "1m"},
		key{Name: "account.defaultScope", Description: "Scope granted to self-registered accounts", Type: "[]string", Default: []string{"profile"}},

		key{Name: "codealloc.mode", Description: "owner allocates locally and serves workers; worker calls the owner", Type: "string", Default: "owner", Allowed: []string{"owner", "worker"}},
		key{Name: "codealloc.store", Description: "Where bitmap segments are kept", Type: "string", Default: "storage", Allowed: []string{"storage", "file"}},
		key{Name: "codealloc.halfLength", Description: "Base-36 digits per code half", Type: "int", Default: 4},
		key{Name: "codealloc.segmentDir", Description: "Directory for file segment storage", Type: "string", Default: "./segments"},
		key{Name: "codealloc.ownerAddress", Description: "gRPC address of the owning allocator", Type: "string", Default: "localhost:8000"},
		key{Name: "codealloc.requestTimeout", Description: "Per-call timeout for remote allocation", Type: "duration", Default: "5s"},

		key{Name: "ticket.signingKey", Description: "HMAC key for authentication tickets", Type: "string"},
		key{Name: "ticket.lifetime", Description: "Lifetime of authentication tickets", Type: "duration", Default: "5m"},

		key{Name: "email.from", Description: "Sender address for outgoing email", Type: "string", Default: "noreply@localhost"},
		key{Name: "email.confirmURL", Description: "Link template for confirmation emails, %s is replaced with the token", Type: "string", Default: "http://localhost:8000/confirm?token=%s"},
		key{Name: "email.smtp.host", Description: "SMTP host, empty disables delivery", Type: "string"},
		key{Name: "email.smtp.port", Description: "SMTP port", Type: "int", Default: 587},
		key{Name: "email.smtp.username", Description: "SMTP username", Type: "string"},
		key{Name: "email.smtp.password", Description: "SMTP password", Type: "string"},
		key{Name: "email.templateDir", Description: "Directory of *.tmpl files overriding the built-in email templates", Type: "string"},
	)
}
