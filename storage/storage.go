// Package storage defines the persistence interface used by warden's
// repositories, along with document-store style helpers built on top of it.
//
// Stores provide simple create, read, update, delete, and list operations.
// Models are represented as structs and must have a `PK() string` method.
// List filters on every non-zero field of the filter model, which is how
// repositories look up rows by secondary values:
//
//	var tok oauth.Token
//	err := storage.FindOne(ctx, store, &tok, oauth.Token{RefreshToken: v})
//
// Field names are used verbatim as document paths, so models must not rename
// fields with json tags.
package storage

import "context"

// InitModels prepares dedicated tables for each model when the store supports
// it. Stores that do not implement ModelInitializer still work, sharing a
// single table.
func InitModels(ctx context.Context, s Store, models ...Model) error {
	i, ok := s.(ModelInitializer)
	if !ok {
		return nil
	}
	for _, m := range models {
		if err := i.InitModel(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
