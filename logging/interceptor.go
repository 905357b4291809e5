package logging

import (
	"context"
	"net/http"
	"reflect"

	"github.com/dpup/warden/errors"
	"github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logging "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

const stackSize = 5

// Interceptor returns a GRPC Logging interceptor which scopes root into each
// call, recovers panics and logs the outcome of the call.
func Interceptor(root Logger) grpc.UnaryServerInterceptor {
	return grpc_middleware.ChainUnaryServer(scopingInterceptor(root), grpcLoggingInterceptor, errorInterceptor)
}

// Creates a new logging scope for each request, adding the RPC method name as
// the logger name. This ensures logging.Track works as expected.
func scopingInterceptor(root Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(With(ctx, root.Named(info.FullMethod)), req)
	}
}

// Adds extra error fields to the logging context.
func errorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			Track(ctx, "error.panic", true)
			perr := errors.FromPanic(r, 2)
			if perr.Code() == codes.Unknown {
				perr = perr.WithCode(codes.Internal)
			}
			err = perr
			resp = nil
		}
		if err != nil {
			trackError(ctx, err)
		}
	}()

	resp, err = handler(ctx, req)
	return
}

func trackError(ctx context.Context, err error) {
	Track(ctx, "error.type", reflect.TypeOf(err).String())
	Track(ctx, "error.http_status", errors.HTTPStatusCode(err))

	var wardenErr *errors.Error
	if errors.As(err, &wardenErr) {
		Track(ctx, "error.stack_trace", wardenErr.MinimalStack(0, stackSize))
		Track(ctx, "error.original_type", wardenErr.TypeName())
	}
}

// Standard interceptor from the GRPC Logging middleware.
var grpcLoggingInterceptor = grpc_logging.UnaryServerInterceptor(grpc_logging.LoggerFunc(func(ctx context.Context, lvl grpc_logging.Level, msg string, fields ...any) {
	logger := FromContext(ctx)
	if z, ok := logger.(*ZapLogger); ok {
		logger = z.withoutStacktrace()
	}

	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := fields[i].(string)
		logger = logger.With(key, fields[i+1])
	}

	switch lvl {
	case grpc_logging.LevelDebug:
		logger.Debugw(msg)
	case grpc_logging.LevelInfo:
		logger.Infow(msg)
	case grpc_logging.LevelWarn:
		logger.Warnw(msg)
	default:
		logger.Errorw(msg)
	}
}), grpc_logging.WithLogOnEvents(grpc_logging.FinishCall))

// Middleware scopes root into every HTTP request, tagged with a request id, and
// logs the completed request. Handlers may Track fields which appear on the
// completion line.
func Middleware(root Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			ctx := With(r.Context(), root.Named(r.URL.Path).With("request_id", reqID))
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			l := FromContext(ctx).With("http.method", r.Method).With("http.status", rec.status)
			if rec.status >= http.StatusInternalServerError {
				l.Errorw("request failed")
			} else {
				l.Infow("request finished")
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
