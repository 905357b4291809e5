package storage

import (
	"context"

	"github.com/dpup/warden/errors"
)

// FindOne returns the single record matching filter. No match yields
// ErrNotFound, several yield ErrAmbiguous.
func FindOne[T Model](ctx context.Context, s Store, filter T) (T, error) {
	var zero T
	var out []T
	if err := s.List(ctx, &out, filter); err != nil {
		return zero, err
	}
	switch len(out) {
	case 0:
		return zero, errors.Mark(ErrNotFound, 0)
	case 1:
		return out[0], nil
	default:
		return zero, errors.Mark(ErrAmbiguous, 0)
	}
}

// FindOneAndUpdate finds the record matching filter, applies update to it and
// writes it back by primary key. The updated record is returned.
func FindOneAndUpdate[T Model](ctx context.Context, s Store, filter T, update func(*T)) (T, error) {
	m, err := FindOne(ctx, s, filter)
	if err != nil {
		return m, err
	}
	update(&m)
	if err := s.Update(ctx, m); err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}

// FindOneAndDelete removes the record matching filter and returns it.
func FindOneAndDelete[T Model](ctx context.Context, s Store, filter T) (T, error) {
	m, err := FindOne(ctx, s, filter)
	if err != nil {
		return m, err
	}
	if err := s.Delete(ctx, m); err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}
