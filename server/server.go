// Package server provides a hybrid web server that serves gRPC and regular
// HTTP handlers on a single port, over TLS or h2c.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
)

// Server wraps a HTTP server and a GRPC server.
//
// Usage:
//
//	s := server.New(opts...)
//	codealloc.RegisterService(s.ServiceRegistrar(), alloc)
//	s.Start()
type Server struct {
	// Hostname or IP to bind to.
	host string

	// Port to listen on.
	port int

	// Location of certificate file, if TLS to be used.
	certFile string

	// Location of key file, if TLS to be used.
	keyFile string

	// Context carrying the root logger, passed to every request.
	baseContext context.Context

	// Handles original request and multiplexes to grpcServer or httpMux.
	httpServer *http.Server

	// Handles regular HTTP requests.
	httpMux *http.ServeMux

	// Handles GRPC requests of content-type application/grpc.
	grpcServer *grpc.Server

	shutdownTimeout time.Duration
	shutdownHooks   []func(context.Context) error

	mu      sync.Mutex
	closing bool
	stopped chan struct{}
}

// ServiceRegistrar returns the GRPC Service Registrar for use with service
// implementations.
func (s *Server) ServiceRegistrar() grpc.ServiceRegistrar {
	return s.grpcServer
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprint(s.port))
}

// Handler returns the combined handler that routes gRPC traffic to the gRPC
// server and everything else to the HTTP mux.
func (s *Server) Handler() http.Handler {
	grpcHandler := s.grpcServer
	httpHandler := gziphandler.GzipHandler(s.httpMux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.Contains(r.Header.Get("Content-Type"), "application/grpc") {
			grpcHandler.ServeHTTP(w, r)
		} else {
			httpHandler.ServeHTTP(w, r)
		}
	})
}

// Start listens on the configured address and serves requests. Blocks until
// SIGTERM or SIGINT is received, or Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.WrapPrefix(err, "failed to listen", 0)
	}

	go func() {
		gracefulStop := make(chan os.Signal, 1)
		signal.Notify(gracefulStop, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(gracefulStop)
		select {
		case sig := <-gracefulStop:
			logging.Infow(s.baseContext, "Graceful shutdown triggered", "signal", sig.String())
			_ = s.Shutdown(s.baseContext)
		case <-s.stopped:
		}
	}()

	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(listener net.Listener) context.Context {
			return s.baseContext
		},
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	var err error
	if s.certFile != "" {
		httpServer.Handler = s.Handler()
		httpServer.TLSConfig = safeTLSConfig()
		logging.Infow(s.baseContext, "Listening for traffic", "url", "https://"+ln.Addr().String())
		err = httpServer.ServeTLS(ln, s.certFile, s.keyFile)
	} else {
		httpServer.Handler = h2c.NewHandler(s.Handler(), &http2.Server{})
		logging.Infow(s.baseContext, "Listening for traffic", "url", "http://"+ln.Addr().String())
		err = httpServer.Serve(ln)
	}

	if !errors.Is(err, http.ErrServerClosed) {
		return err // The server wasn't shutdown gracefully.
	}
	<-s.stopped
	return nil
}

// Shutdown drains connections, stops the gRPC server and then runs shutdown
// hooks in reverse registration order. It is bounded by the configured
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.closing = true
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var firstErr error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Errorw(ctx, "Shutdown error", "error", err)
			firstErr = err
		} else {
			logging.Infow(ctx, "Connections drained")
		}
	}
	s.grpcServer.GracefulStop()

	for i := len(s.shutdownHooks) - 1; i >= 0; i-- {
		if err := s.shutdownHooks[i](ctx); err != nil {
			logging.Errorw(ctx, "Shutdown hook failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.mu.Lock()
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
	s.mu.Unlock()
	return firstErr
}
