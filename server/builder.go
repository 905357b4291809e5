package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/settings"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServerOptions customize the configuration and operation of the server.
type ServerOption func(*builder)

type handler struct {
	prefix  string
	handler http.Handler
}

// New returns a new server.
func New(opts ...ServerOption) *Server {
	b := &builder{
		host:            "localhost",
		port:            8000,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

type builder struct {
	host            string
	port            int
	corsOrigins     []string
	certFile        string
	keyFile         string
	maxMsgSizeBytes int
	shutdownTimeout time.Duration
	logger          logging.Logger
	httpHandlers    []handler
	serverBuilders  []func(s *Server)
	shutdownHooks   []func(context.Context) error
}

func (b *builder) build() *Server {
	logger := b.logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx := logging.With(context.Background(), logger)

	s := &Server{
		baseContext:     ctx,
		host:            b.host,
		port:            b.port,
		certFile:        b.certFile,
		keyFile:         b.keyFile,
		httpMux:         http.NewServeMux(),
		grpcServer:      grpc.NewServer(b.buildGRPCOpts(logger)...),
		shutdownTimeout: b.shutdownTimeout,
		shutdownHooks:   b.shutdownHooks,
		stopped:         make(chan struct{}),
	}

	for _, fn := range b.serverBuilders {
		fn(s)
	}

	mw := logging.Middleware(logger)
	for _, h := range b.httpHandlers {
		s.httpMux.Handle(h.prefix, mw(b.wrapHandler(h.handler)))
	}

	return s
}

func (b *builder) wrapHandler(h http.Handler) http.Handler {
	if len(b.corsOrigins) == 0 {
		// If there are no allowed origins configured, disable CORS headers completely.
		return h
	}
	allowed := map[string]bool{}
	for _, origin := range b.corsOrigins {
		allowed[origin] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed[r.Header.Get("Origin")] {
			w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			return // Just the headers.
		}
		h.ServeHTTP(w, r)
	})
}

func (b *builder) buildGRPCOpts(logger logging.Logger) []grpc.ServerOption {
	opts := []grpc.ServerOption{grpc.UnaryInterceptor(logging.Interceptor(logger))}
	if b.isSecure() {
		opts = append(opts, grpc.Creds(serverTLSFromFile(b.certFile, b.keyFile)))
	}
	if b.maxMsgSizeBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(b.maxMsgSizeBytes))
	}
	return opts
}

func (b *builder) isSecure() bool {
	return b.certFile != "" && b.keyFile != ""
}

// WithSettings applies the server section of the loaded configuration.
func WithSettings(cfg settings.Server) ServerOption {
	return func(b *builder) {
		if cfg.Host != "" {
			b.host = cfg.Host
		}
		if cfg.Port != 0 {
			b.port = cfg.Port
		}
		if cfg.MaxMsgSizeBytes > 0 {
			b.maxMsgSizeBytes = cfg.MaxMsgSizeBytes
		}
		if cfg.ShutdownTimeout > 0 {
			b.shutdownTimeout = cfg.ShutdownTimeout
		}
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			b.certFile, b.keyFile = cfg.TLSCertFile, cfg.TLSKeyFile
		}
		b.corsOrigins = append(b.corsOrigins, cfg.CORSOrigins...)
	}
}

// WithCORSAllowedOrigins specifies origins that are allowed to make requests.
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS
func WithCORSAllowedOrigins(origins ...string) ServerOption {
	return func(b *builder) {
		b.corsOrigins = append(b.corsOrigins, origins...)
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for connections and
// hooks.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(b *builder) {
		b.shutdownTimeout = d
	}
}

// WithShutdownHook registers fn to run after connections are drained. Hooks
// run in reverse order of registration.
func WithShutdownHook(fn func(context.Context) error) ServerOption {
	return func(b *builder) {
		b.shutdownHooks = append(b.shutdownHooks, fn)
	}
}

// WithHTTPHandler adds an HTTP handler.
func WithHTTPHandler(prefix string, h http.Handler) ServerOption {
	return func(b *builder) {
		b.httpHandlers = append(b.httpHandlers, handler{
			prefix:  prefix,
			handler: h,
		})
	}
}

// WithHTTPHandlerFunc adds an HTTP handler function.
func WithHTTPHandlerFunc(prefix string, h func(http.ResponseWriter, *http.Request)) ServerOption {
	return WithHTTPHandler(prefix, http.HandlerFunc(h))
}

// WithJSONHandler adds a handler whose result is encoded as JSON.
func WithJSONHandler(prefix string, h JSONHandler) ServerOption {
	return WithHTTPHandler(prefix, h)
}

// WithGRPCService registers a GRPC service with a registration function, such
// as codealloc.RegisterService.
func WithGRPCService(register func(grpc.ServiceRegistrar)) ServerOption {
	return func(b *builder) {
		b.serverBuilders = append(b.serverBuilders, func(s *Server) {
			register(s.ServiceRegistrar())
		})
	}
}

// WithLogger overrides the logger used by the server.
func WithLogger(logger logging.Logger) ServerOption {
	return func(b *builder) {
		b.logger = logger
	}
}

// Creates credentials from a cert and key file.
// Based on credentials.NewServerTLSFromFile
func serverTLSFromFile(cert, key string) credentials.TransportCredentials {
	c, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		panic(err)
	}
	tlsConfig := safeTLSConfig()
	tlsConfig.Certificates = []tls.Certificate{c}
	return credentials.NewTLS(tlsConfig)
}

// TLS1.2 min and support for HTTP2.
func safeTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
}
