package codealloc

import (
	"context"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "warden.codealloc.v1.CodeAllocator"
	allocateMethod = "/" + serviceName + "/Allocate"

	// DefaultRequestTimeout bounds a remote allocation.
	DefaultRequestTimeout = 5 * time.Second
)

// allocatorServer is the server API for the CodeAllocator service.
type allocatorServer interface {
	Allocate(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*allocatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Allocate",
			Handler:    allocateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/codealloc/v1/codealloc.proto",
}

func allocateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(allocatorServer).Allocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: allocateMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(allocatorServer).Allocate(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterService exposes alloc to worker processes on s. Only the owning
// process should do this.
func RegisterService(s grpc.ServiceRegistrar, alloc Allocator) {
	s.RegisterService(&serviceDesc, &service{alloc: alloc})
}

type service struct {
	alloc Allocator
}

func (s *service) Allocate(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	code, err := s.alloc.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	logging.Track(ctx, "codealloc.code", code)
	return wrapperspb.String(code), nil
}

// Remote forwards allocations to the owning process.
type Remote struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

var _ Allocator = (*Remote)(nil)

// NewRemote returns an Allocator that calls the owner over conn. Each call is
// bounded by timeout; zero uses DefaultRequestTimeout.
func NewRemote(conn grpc.ClientConnInterface, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Remote{conn: conn, timeout: timeout}
}

func (r *Remote) Allocate(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out := new(wrapperspb.StringValue)
	err := r.conn.Invoke(ctx, allocateMethod, &emptypb.Empty{}, out)
	switch status.Code(err) {
	case codes.OK:
		return out.GetValue(), nil
	case codes.ResourceExhausted:
		return "", errors.Mark(ErrCodeSpaceFull, 0)
	case codes.DeadlineExceeded:
		logging.Warnw(ctx, "codealloc: owner did not answer", "timeout", r.timeout)
		return "", errors.Mark(ErrAllocatorTimeout, 0)
	}
	return "", errors.Wrap(err, 0)
}
