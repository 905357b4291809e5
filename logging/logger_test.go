package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dpup/warden/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

func TestTrack(t *testing.T) {
	observedZapCore, observedLogs := observer.New(zap.InfoLevel)
	observedLogger := zap.New(observedZapCore)

	ctx := With(t.Context(), NewZapLogger(observedLogger))
	Track(ctx, "foo", "bar") // Should be passed on to child logger.

	ctx2 := With(ctx, FromContext(ctx).Named("nested"))
	Track(ctx2, "baz", "bam") // Should not propagate to root logger.

	Infow(ctx, "root log")
	Infow(ctx2, "nested log")

	require.Equal(t, 2, observedLogs.Len())
	allLogs := observedLogs.All()
	assert.Equal(t, "root log", allLogs[0].Message)
	assert.ElementsMatch(t, []zap.Field{
		zap.String("foo", "bar"),
	}, allLogs[0].Context)

	assert.Equal(t, "nested log", allLogs[1].Message)
	assert.ElementsMatch(t, []zap.Field{
		zap.String("foo", "bar"),
		zap.String("baz", "bam"),
	}, allLogs[1].Context)
}

func TestFromContextWithoutLogger(t *testing.T) {
	assert.Equal(t, Nop(), FromContext(context.Background()))
	assert.NotPanics(t, func() {
		Track(context.Background(), "ignored", true)
		Infow(context.Background(), "dropped")
	})
}

var testInfo = &grpc.UnaryServerInfo{FullMethod: "/warden.codealloc.v1.CodeAllocator/Allocate"}

func TestInterceptorTracksErrors(t *testing.T) {
	core, obs := observer.New(zap.DebugLevel)
	sentinel := errors.NewC("code space full", codes.ResourceExhausted)

	_, err := Interceptor(NewZapLogger(zap.New(core)))(t.Context(), nil, testInfo,
		func(ctx context.Context, req any) (any, error) {
			return nil, errors.Mark(sentinel, 0)
		})

	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	require.Equal(t, 1, obs.Len())
	entry := obs.All()[0]
	assert.Equal(t, testInfo.FullMethod, entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, int64(http.StatusTooManyRequests), fields["error.http_status"])
	assert.Contains(t, fields["error.stack_trace"], "logging.TestInterceptorTracksErrors")
}

func TestInterceptorRecoversPanics(t *testing.T) {
	core, obs := observer.New(zap.DebugLevel)

	resp, err := Interceptor(NewZapLogger(zap.New(core)))(t.Context(), nil, testInfo,
		func(ctx context.Context, req any) (any, error) {
			panic("kaboom")
		})

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, errors.Code(err))
	require.Equal(t, 1, obs.Len())
	assert.Equal(t, true, obs.All()[0].ContextMap()["error.panic"])
}

func TestMiddleware(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	h := Middleware(NewZapLogger(zap.New(core)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Track(r.Context(), "client_id", "web")
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 1, obs.Len())
	fields := obs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "web", fields["client_id"])
	assert.Equal(t, int64(http.StatusUnauthorized), fields["http.status"])
}
