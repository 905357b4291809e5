// Package settings loads warden's configuration into a typed Settings value
// that is handed to every component at construction.
//
// Sources are applied in order, later sources overriding earlier ones:
//
//  1. Registered defaults.
//  2. warden.yaml, discovered in the search directory or any parent.
//  3. Files passed with WithFile.
//  4. Environment variables with the WD__ prefix.
//  5. Values passed with WithValues.
//
// Environment variables map onto keys as follows:
//
//	WD__SERVER__PORT                 → server.port
//	WD__OAUTH__ACCESS_TOKEN_LIFETIME → oauth.accessTokenLifetime
package settings

import (
	"net"
	"strconv"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/internal/config"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"google.golang.org/grpc/codes"
)

// Filename of the standard configuration file.
const ConfigFile = "warden.yaml"

// ErrInvalidConfig is returned when a loaded value is not acceptable.
var ErrInvalidConfig = errors.NewC("invalid configuration", codes.InvalidArgument)

// Settings is the fully resolved configuration.
type Settings struct {
	Name      string
	Server    Server
	Log       Log
	Storage   Storage
	OAuth     OAuth
	Policy    Policy
	Account   Account
	CodeAlloc CodeAlloc
	Ticket    Ticket
	Email     Email

	// Warnings about unknown or deprecated keys found while loading.
	Warnings []string
}

type Server struct {
	Host            string
	Port            int
	MaxMsgSizeBytes int
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
	CORSOrigins     []string
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Log struct {
	Format string
	Level  string
}

type Storage struct {
	Driver string
	DSN    string
}

type OAuth struct {
	Issuer                    string
	AccessTokenLifetime       time.Duration
	RefreshTokenLifetime      time.Duration
	AuthorizationCodeLifetime time.Duration
	Clients                   []StaticClient
}

// StaticClient describes a client registered from configuration rather than
// storage. Lifetimes are in seconds, -1 meaning an access token never expires.
type StaticClient struct {
	ID                   string
	Secret               string
	Type                 string
	Scope                []string
	RedirectURIs         []string
	AccessTokenLifetime  int
	RefreshTokenLifetime int
}

type Policy struct {
	EmailConfirmation  string
	ConfirmationWindow time.Duration
}

type Account struct {
	MaxValidationAttempts   int
	ValidationTokenLifetime time.Duration
	ReissueInterval         time.Duration
	DefaultScope            []string
}

type CodeAlloc struct {
	Mode           string
	Store          string
	HalfLength     int
	SegmentDir     string
	OwnerAddress   string
	RequestTimeout time.Duration
}

type Ticket struct {
	SigningKey string
	Lifetime   time.Duration
}

type Email struct {
	From         string
	ConfirmURL   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	TemplateDir  string
}

// Option customizes loading.
type Option func(*loader)

type loader struct {
	searchDir string
	files     []string
	values    map[string]interface{}
	env       bool
}

// WithFile loads an additional YAML file after the discovered warden.yaml.
func WithFile(path string) Option {
	return func(l *loader) {
		l.files = append(l.files, path)
	}
}

// WithValues overrides keys after every other source has been applied.
func WithValues(values map[string]interface{}) Option {
	return func(l *loader) {
		l.values = values
	}
}

// WithSearchDir sets where discovery of warden.yaml starts. An empty dir
// disables discovery.
func WithSearchDir(dir string) Option {
	return func(l *loader) {
		l.searchDir = dir
	}
}

// WithoutEnv ignores WD__ environment variables.
func WithoutEnv() Option {
	return func(l *loader) {
		l.env = false
	}
}

// Load resolves settings from all configured sources.
func Load(opts ...Option) (*Settings, error) {
	l := &loader{searchDir: ".", env: true}
	for _, opt := range opts {
		opt(l)
	}

	k := koanf.New(".")
	if err := config.LoadDefaults(k); err != nil {
		return nil, errors.WrapPrefix(err, "loading defaults", 0)
	}
	if l.searchDir != "" {
		if cfg := config.SearchForConfig(ConfigFile, l.searchDir); cfg != "" {
			if err := k.Load(file.Provider(cfg), yaml.Parser()); err != nil {
				return nil, errors.WrapPrefix(err, "loading "+cfg, 0)
			}
		}
	}
	for _, f := range l.files {
		if err := k.Load(file.Provider(f), yaml.Parser()); err != nil {
			return nil, errors.WrapPrefix(err, "loading "+f, 0)
		}
	}
	if l.env {
		if err := k.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
			return nil, errors.WrapPrefix(err, "loading environment", 0)
		}
	}
	if l.values != nil {
		if err := k.Load(confmap.Provider(l.values, "."), nil); err != nil {
			return nil, errors.WrapPrefix(err, "loading overrides", 0)
		}
	}

	if err := config.ValidateConfigValues(k); err != nil {
		return nil, errors.Mark(ErrInvalidConfig, 0).Append(err.Error())
	}

	s := fromKoanf(k)
	for _, w := range config.ValidateConfigKeys(k) {
		s.Warnings = append(s.Warnings, w.String())
	}
	if s.CodeAlloc.HalfLength < 1 || s.CodeAlloc.HalfLength > 6 {
		return nil, errors.Mark(ErrInvalidConfig, 0).Append("codealloc.halfLength must be between 1 and 6")
	}
	return s, nil
}

func fromKoanf(k *koanf.Koanf) *Settings {
	s := &Settings{
		Name: k.String("name"),
		Server: Server{
			Host:            k.String("server.host"),
			Port:            k.Int("server.port"),
			MaxMsgSizeBytes: k.Int("server.maxMsgSizeBytes"),
			ShutdownTimeout: k.Duration("server.shutdownTimeout"),
			TLSCertFile:     k.String("server.tls.certFile"),
			TLSKeyFile:      k.String("server.tls.keyFile"),
			CORSOrigins:     k.Strings("server.corsOrigins"),
		},
		Log: Log{
			Format: k.String("log.format"),
			Level:  k.String("log.level"),
		},
		Storage: Storage{
			Driver: k.String("storage.driver"),
			DSN:    k.String("storage.dsn"),
		},
		OAuth: OAuth{
			Issuer:                    k.String("oauth.issuer"),
			AccessTokenLifetime:       k.Duration("oauth.accessTokenLifetime"),
			RefreshTokenLifetime:      k.Duration("oauth.refreshTokenLifetime"),
			AuthorizationCodeLifetime: k.Duration("oauth.authorizationCodeLifetime"),
		},
		Policy: Policy{
			EmailConfirmation:  k.String("policy.emailConfirmation"),
			ConfirmationWindow: k.Duration("policy.confirmationWindow"),
		},
		Account: Account{
			MaxValidationAttempts:   k.Int("account.maxValidationAttempts"),
			ValidationTokenLifetime: k.Duration("account.validationTokenLifetime"),
			ReissueInterval:         k.Duration("account.reissueInterval"),
			DefaultScope:            k.Strings("account.defaultScope"),
		},
		CodeAlloc: CodeAlloc{
			Mode:           k.String("codealloc.mode"),
			Store:          k.String("codealloc.store"),
			HalfLength:     k.Int("codealloc.halfLength"),
			SegmentDir:     k.String("codealloc.segmentDir"),
			OwnerAddress:   k.String("codealloc.ownerAddress"),
			RequestTimeout: k.Duration("codealloc.requestTimeout"),
		},
		Ticket: Ticket{
			SigningKey: k.String("ticket.signingKey"),
			Lifetime:   k.Duration("ticket.lifetime"),
		},
		Email: Email{
			From:         k.String("email.from"),
			ConfirmURL:   k.String("email.confirmURL"),
			SMTPHost:     k.String("email.smtp.host"),
			SMTPPort:     k.Int("email.smtp.port"),
			SMTPUsername: k.String("email.smtp.username"),
			SMTPPassword: k.String("email.smtp.password"),
			TemplateDir:  k.String("email.templateDir"),
		},
	}

	for _, c := range k.Slices("oauth.clients") {
		s.OAuth.Clients = append(s.OAuth.Clients, StaticClient{
			ID:                   c.String("id"),
			Secret:               c.String("secret"),
			Type:                 c.String("type"),
			Scope:                c.Strings("scope"),
			RedirectURIs:         c.Strings("redirectUris"),
			AccessTokenLifetime:  c.Int("accessTokenLifetime"),
			RefreshTokenLifetime: c.Int("refreshTokenLifetime"),
		})
	}
	return s
}
