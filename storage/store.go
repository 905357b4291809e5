package storage

import (
	"context"

	"github.com/dpup/warden/errors"
	"google.golang.org/grpc/codes"
)

var (
	// Returned when a record does not exist.
	ErrNotFound = errors.NewC("record not found", codes.NotFound)

	// Returned when a record conficts with an existing key.
	ErrAlreadyExists = errors.NewC("primary key already exists", codes.AlreadyExists)

	// Returned when List is called with a non-slice.
	ErrSliceRequired = errors.NewC("pointer slice required", codes.InvalidArgument)

	// Returned when a store can not marshal/unmarshal a model.
	ErrInvalidModel = errors.NewC("invalid model", codes.InvalidArgument)

	// Returned when List is called with a filter and slice of mismatching types.
	ErrTypeMismatch = errors.NewC("type mismatch", codes.InvalidArgument)

	// Returned when a store is passed an uninitialized pointer.
	ErrNilModel = errors.NewC("uninitialized pointer passed as model", codes.InvalidArgument)

	// Returned by FindOne when more than one record matches the filter.
	ErrAmbiguous = errors.NewC("filter matched more than one record", codes.FailedPrecondition)
)

// Store offers a basic CRUUDLE (Create Read Update Upsert Delete List Exists)
// interface. Writes are keyed by primary key and last writer wins.
type Store interface {
	// Create multiple entities.
	Create(ctx context.Context, models ...Model) error

	// Read a record with the given id.
	Read(ctx context.Context, id string, model Model) error

	// Update multiple entities.
	Update(ctx context.Context, models ...Model) error

	// Update or insert multiple entities.
	Upsert(ctx context.Context, models ...Model) error

	// Delete a record. Only the primary key needs to be populated.
	Delete(ctx context.Context, model Model) error

	// List populates the slice of models with records that have fields which
	// match the fields of filter. Zero-value fields will be ignored, unless the
	// field is a pointer.
	List(ctx context.Context, models any, filter Model) error

	// Exists returns true if a record with the given id exists.
	Exists(ctx context.Context, id string, model Model) (bool, error)
}

// Optional interface that stores can implement in order to support per-model
// configuration, for example a table per model in SQL databases.
type ModelInitializer interface {
	InitModel(ctx context.Context, model Model) error
}
