// Package codealloc hands out short unique codes for new accounts.
//
// A code is two base-36 halves of equal length, "left" and "right". Every left
// value owns a bitmap segment recording which right values are taken under it.
// Allocation picks a random left value, scans its segment from a random right
// value for a clear bit, sets it and persists the segment before returning.
//
// Only one process may touch the segments. The owner runs a Local allocator
// and serves it over gRPC; workers call it through Remote.
package codealloc

import (
	"context"
	"strconv"
	"strings"

	"github.com/dpup/warden/errors"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultHalfLength gives 36^4 = 1,679,616 values per half.
	DefaultHalfLength = 4

	// MaxHalfLength keeps a single segment addressable as an int.
	MaxHalfLength = 6
)

var (
	// Returned when every code has been allocated.
	ErrCodeSpaceFull = errors.NewC("code space exhausted", codes.ResourceExhausted)

	// Returned when the owning allocator does not answer in time.
	ErrAllocatorTimeout = errors.NewC("timed out waiting for code allocator", codes.DeadlineExceeded)

	// Returned when a code does not have the expected shape.
	ErrInvalidCode = errors.NewC("invalid code", codes.InvalidArgument)
)

// Allocator hands out unique codes.
type Allocator interface {
	Allocate(ctx context.Context) (string, error)
}

// Space returns the number of values a half of the given length can take.
func Space(halfLength int) int {
	n := 1
	for range halfLength {
		n *= 36
	}
	return n
}

// FormatCode composes a code from its halves, each zero padded to halfLength
// upper-case base-36 digits.
func FormatCode(left, right, halfLength int) string {
	return formatHalf(left, halfLength) + formatHalf(right, halfLength)
}

// ParseCode splits a code into its halves. Parsing is case-insensitive.
func ParseCode(code string, halfLength int) (left, right int, err error) {
	if halfLength < 1 || len(code) != 2*halfLength {
		return 0, 0, errors.Mark(ErrInvalidCode, 0)
	}
	l, err := strconv.ParseUint(code[:halfLength], 36, 64)
	if err != nil {
		return 0, 0, errors.Mark(ErrInvalidCode, 0).Append(err.Error())
	}
	r, err := strconv.ParseUint(code[halfLength:], 36, 64)
	if err != nil {
		return 0, 0, errors.Mark(ErrInvalidCode, 0).Append(err.Error())
	}
	return int(l), int(r), nil
}

func formatHalf(v, halfLength int) string {
	s := strings.ToUpper(strconv.FormatUint(uint64(v), 36))
	if len(s) < halfLength {
		s = strings.Repeat("0", halfLength-len(s)) + s
	}
	return s
}
