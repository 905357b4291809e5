// Package errors is a fork of `github.com/go-errors/errors` that adds support
// for gRPC status codes, public messages, as well as stack-traces.
//
// Every failure surfaced by warden is an *Error with a stable identity and a
// gRPC code. The boundary layer maps the code to an HTTP status with
// HTTPStatusCode; the core never frames HTTP responses itself.
//
// Sentinels are declared once and re-stamped at the return site with Mark, so
// the stack points at the caller while errors.Is still matches:
//
//	var ErrTokenExpired = errors.NewC("token expired", codes.Unauthenticated)
//
//	func load() error {
//	    return errors.Mark(ErrTokenExpired, 0)
//	}
//
//	if errors.Is(err, ErrTokenExpired) {
//	    fmt.Println(err.(*errors.Error).ErrorStack())
//	}
package errors

import (
	"bytes"
	baseErrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/runtime/protoiface"
)

// MaxStackDepth bounds the number of frames captured for any error.
var MaxStackDepth = 50

// Error carries an underlying error together with the call stack at the point
// it was created or marked, a gRPC code and the response hints used at the
// HTTP boundary.
type Error struct {
	Err    error
	stack  []uintptr
	frames []StackFrame

	prefix   string
	appended []string

	code           codes.Code
	details        []protoiface.MessageV1
	httpStatusCode int // Overrides the status derived from code when set.
	publicMessage  string
}

// httpStatusByCode maps gRPC codes to the status returned to HTTP clients.
// Codes not listed map to 500.
var httpStatusByCode = map[codes.Code]int{
	codes.OK:                 http.StatusOK,
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.OutOfRange:         http.StatusBadRequest,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.FailedPrecondition: http.StatusPreconditionFailed,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Unavailable:        http.StatusServiceUnavailable,
}

// callers captures the stack starting skip frames above its own caller.
func callers(skip int) []uintptr {
	stack := make([]uintptr, MaxStackDepth)
	n := runtime.Callers(2+skip, stack)
	return stack[:n]
}

func asError(e any) error {
	if err, ok := e.(error); ok {
		return err
	}
	return fmt.Errorf("%v", e)
}

// New makes an Error with codes.Unknown from e, which may be an error or any
// value printable with %v. The stack points at the caller of New.
func New(e any) *Error {
	return &Error{Err: asError(e), stack: callers(1), code: codes.Unknown}
}

// NewC is New with an explicit gRPC code. It is the usual way to declare a
// package sentinel.
func NewC(e any, code codes.Code) *Error {
	return &Error{Err: asError(e), stack: callers(1), code: code}
}

// Wrap returns e as an *Error. An existing *Error is returned unchanged;
// anything else is wrapped with a stack starting skip frames above the caller.
func Wrap(e any, skip int) *Error {
	if e == nil {
		return nil
	}
	if err, ok := e.(*Error); ok {
		return err
	}
	return &Error{Err: asError(e), stack: callers(1 + skip), code: codes.Unknown}
}

// MaybeWrap is Wrap returning a plain nil error when e is nil, so the result
// can be returned directly from functions with an error signature.
func MaybeWrap(e error, skip int) error {
	if e == nil {
		return nil
	}
	return Wrap(e, 1+skip)
}

// WrapPrefix wraps e and prefixes its message with prefix. Existing prefixes
// are kept, outermost first.
func WrapPrefix(e any, prefix string, skip int) *Error {
	if e == nil {
		return nil
	}
	out := Wrap(e, 1+skip).clone()
	if out.prefix != "" {
		prefix = prefix + ": " + out.prefix
	}
	out.prefix = prefix
	return out
}

// Mark copies e with a fresh stack taken skip frames above the caller. Code,
// details and public message carry over and Is still matches the original.
func Mark(e any, skip int) *Error {
	if e == nil {
		return nil
	}
	err, ok := e.(*Error)
	if !ok {
		return Wrap(e, 1+skip)
	}
	out := err.clone()
	out.stack = callers(1 + skip)
	out.frames = nil
	return out
}

// Errorf is a drop-in replacement for fmt.Errorf that records a stack.
func Errorf(format string, a ...any) *Error {
	return Wrap(fmt.Errorf(format, a...), 1)
}

// Is reports whether e matches original, looking through *Error wrappers on
// either side.
func Is(e error, original error) bool {
	if baseErrors.Is(e, original) {
		return true
	}
	if err, ok := e.(*Error); ok {
		return Is(err.Err, original)
	}
	if o, ok := original.(*Error); ok {
		return Is(e, o.Err)
	}
	return false
}

// As is a passthrough to the standard library.
func As(err error, target any) bool {
	return baseErrors.As(err, target)
}

// Code returns the gRPC code of the first coded error in err's chain, OK for
// nil and Unknown when nothing in the chain carries a code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e interface{ Code() codes.Code }
	if baseErrors.As(err, &e) {
		return e.Code()
	}
	return codes.Unknown
}

// HTTPStatusCode returns the HTTP status for err: 200 for nil, the status of
// the first error in the chain that declares one, otherwise 500.
func HTTPStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e interface{ HTTPStatusCode() int }
	if baseErrors.As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

func (err *Error) clone() *Error {
	out := *err
	out.details = append([]protoiface.MessageV1(nil), err.details...)
	out.appended = append([]string(nil), err.appended...)
	return &out
}

func (err *Error) Error() string {
	msg := err.Err.Error()
	if err.prefix != "" {
		msg = err.prefix + ": " + msg
	}
	if len(err.appended) > 0 {
		msg += ", " + strings.Join(err.appended, ", ")
	}
	return msg
}

// Is matches any *Error wrapping the same underlying error, so sentinel
// identity survives Mark and Append.
func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == err.Err
}

func (err *Error) Unwrap() error { return err.Err }

// Append returns a copy with msg added to the message. Identity and code are
// unchanged and the receiver is not modified.
func (err *Error) Append(msg string) *Error {
	out := err.clone()
	out.appended = append(out.appended, msg)
	return out
}

// Stack returns the call stack formatted like runtime/debug.Stack.
func (err *Error) Stack() []byte {
	var buf bytes.Buffer
	for _, frame := range err.StackFrames() {
		buf.WriteString(frame.String())
	}
	return buf.Bytes()
}

// MinimalStack renders at most length frames, after dropping skip, on a
// single line for use in structured log fields.
func (err *Error) MinimalStack(skip, length int) string {
	frames := err.StackFrames()
	if skip >= len(frames) {
		return ""
	}
	frames = frames[skip:]
	if length > 0 && len(frames) > length {
		frames = frames[:length]
	}
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = f.Short()
	}
	return strings.Join(parts, " < ")
}

// ErrorStack returns the type, message and call stack.
func (err *Error) ErrorStack() string {
	return err.TypeName() + " " + err.Error() + "\n" + string(err.Stack())
}

// StackFrames resolves the captured program counters lazily.
func (err *Error) StackFrames() []StackFrame {
	if err.frames == nil {
		err.frames = make([]StackFrame, len(err.stack))
		for i, pc := range err.stack {
			err.frames[i] = NewStackFrame(pc)
		}
	}
	return err.frames
}

// TypeName returns the type of the underlying error, or "panic" for errors
// built by FromPanic.
func (err *Error) TypeName() string {
	if _, ok := err.Err.(panicError); ok {
		return "panic"
	}
	return reflect.TypeOf(err.Err).String()
}

func (err *Error) Code() codes.Code { return err.code }

// WithCode sets the gRPC code in place.
func (err *Error) WithCode(code codes.Code) *Error {
	err.code = code
	return err
}

func (err *Error) Details() []protoiface.MessageV1 { return err.details }

// WithDetails adds gRPC status details in place.
func (err *Error) WithDetails(details ...protoiface.MessageV1) *Error {
	err.details = append(err.details, details...)
	return err
}

// HTTPStatusCode returns the explicit status if one was set, otherwise the
// status mapped from the gRPC code.
func (err *Error) HTTPStatusCode() int {
	if err.httpStatusCode != 0 {
		return err.httpStatusCode
	}
	if s, ok := httpStatusByCode[err.code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithHTTPStatusCode sets an explicit HTTP status in place.
func (err *Error) WithHTTPStatusCode(code int) *Error {
	err.httpStatusCode = code
	return err
}

// PublicMessage is the message safe to show clients. It falls back to Error.
func (err *Error) PublicMessage() string {
	if err.publicMessage != "" {
		return err.publicMessage
	}
	return err.Error()
}

// WithPublicMessage sets the client-facing message in place.
func (err *Error) WithPublicMessage(publicMessage string) *Error {
	err.publicMessage = publicMessage
	return err
}

// GRPCStatus lets grpc-go convert the error into a status on the wire.
func (err *Error) GRPCStatus() *status.Status {
	st := status.New(err.code, err.PublicMessage())
	if len(err.details) > 0 {
		st, _ = st.WithDetails(err.details...)
	}
	return st
}
