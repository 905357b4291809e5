package codealloc

import (
	"context"
	"math/rand/v2"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/storage"
	"google.golang.org/grpc/codes"
)

// LocalOption configures a Local allocator.
type LocalOption func(*Local)

// WithHalfLength sets the number of base-36 digits per half.
func WithHalfLength(n int) LocalOption {
	return func(l *Local) {
		l.halfLength = n
	}
}

// WithRand replaces the source of starting points. fn must return a value in
// [0, n).
func WithRand(fn func(n int) int) LocalOption {
	return func(l *Local) {
		l.randN = fn
	}
}

// Local allocates codes against a SegmentStore. At most one allocation runs at
// a time; the whole scan-and-mark sequence holds the slot.
type Local struct {
	store      SegmentStore
	halfLength int
	space      int
	randN      func(n int) int
	sem        chan struct{}
}

var _ Allocator = (*Local)(nil)

// NewLocal returns an allocator that owns the segments in store.
func NewLocal(store SegmentStore, opts ...LocalOption) (*Local, error) {
	l := &Local{
		store:      store,
		halfLength: DefaultHalfLength,
		randN:      rand.IntN,
		sem:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.halfLength < 1 || l.halfLength > MaxHalfLength {
		return nil, errors.NewC("codealloc: half length out of range", codes.InvalidArgument)
	}
	l.space = Space(l.halfLength)
	return l, nil
}

// HalfLength returns the number of digits per half.
func (l *Local) HalfLength() int {
	return l.halfLength
}

// Allocate returns a code that has never been returned before by any
// allocator sharing the same segments. It waits for any in-flight allocation
// to finish, honoring ctx while it waits.
func (l *Local) Allocate(ctx context.Context) (string, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", contextError(ctx)
	}
	defer func() { <-l.sem }()

	start := l.randN(l.space)
	left := start
	for {
		if ctx.Err() != nil {
			return "", contextError(ctx)
		}
		seg, err := l.load(ctx, left)
		if err != nil {
			return "", err
		}
		if right, ok := l.claim(seg); ok {
			if err := l.store.WriteSegment(ctx, seg); err != nil {
				return "", err
			}
			return FormatCode(left, right, l.halfLength), nil
		}

		logging.Debugw(ctx, "codealloc: segment full", "left", left)
		left = (left + 1) % l.space
		if left == start {
			logging.Errorw(ctx, "codealloc: code space exhausted", "half_length", l.halfLength)
			return "", errors.Mark(ErrCodeSpaceFull, 0)
		}
	}
}

func (l *Local) load(ctx context.Context, left int) (*Segment, error) {
	seg, err := l.store.ReadSegment(ctx, left)
	if errors.Is(err, storage.ErrNotFound) {
		return NewSegment(left, l.space), nil
	} else if err != nil {
		return nil, err
	}
	if len(seg.Bits) < (l.space+7)/8 {
		grown := make([]byte, (l.space+7)/8)
		copy(grown, seg.Bits)
		seg.Bits = grown
	}
	return seg, nil
}

// claim scans seg from a random right value, wrapping around, and sets the
// first clear bit. It reports false when the segment is full.
func (l *Local) claim(seg *Segment) (int, bool) {
	start := l.randN(l.space)
	r := start
	for {
		if !seg.IsSet(r) {
			seg.Set(r)
			return r, true
		}
		r = (r + 1) % l.space
		if r == start {
			return 0, false
		}
	}
}

func contextError(ctx context.Context) error {
	code := codes.Canceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = codes.DeadlineExceeded
	}
	return errors.Wrap(ctx.Err(), 1).WithCode(code)
}
