// Package storagetests provides common acceptance tests for storage.Store
// implementations.
package storagetests

import (
	"testing"

	"github.com/dpup/warden/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Kind int

const (
	KindCode Kind = iota + 1
	KindAccess
	KindRefresh
)

// Grant is the primary fixture. Client and Kind are used as secondary filters
// the way repositories look up tokens by value.
type Grant struct {
	ID     string
	Client string
	User   string
	Kind   Kind
	Uses   *int // Ptr fields allow filtering on zero values.
}

func (g Grant) PK() string {
	return g.ID
}

type Tenant struct {
	ID   string
	Name string
}

func (t Tenant) PK() string {
	return t.ID
}

type BadModel struct {
	ID    string
	Cycle *BadModel
}

func (b BadModel) PK() string {
	return b.ID
}

func pint(i int) *int {
	return &i
}

func badModel() BadModel {
	bm := BadModel{ID: "XXX"}
	bm.Cycle = &bm
	return bm
}

//nolint:funlen // This is a test helper.
func Run(t *testing.T, newStore func() storage.Store) {
	t.Run("CreateReadRoundTrip", func(t *testing.T) {
		ctx := t.Context()
		web := Grant{ID: "1", Client: "web", User: "u1", Kind: KindAccess}
		cli := Grant{ID: "2", Client: "cli", Kind: KindCode}

		store := newStore()
		require.NoError(t, store.Create(ctx, web, &cli))

		var got Grant
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, web, got)

		require.NoError(t, store.Read(ctx, "2", &got))
		assert.Equal(t, cli, got)
	})

	t.Run("CreateConflict", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Grant{ID: "1", Client: "web"}))

		err := store.Create(ctx, Grant{ID: "1", Client: "cli"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		var got Grant
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, "web", got.Client, "conflicting create must not overwrite")
	})

	t.Run("CreateIsAllOrNothing", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Grant{ID: "2"}))

		err := store.Create(ctx, Grant{ID: "1"}, Grant{ID: "2"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		exists, err := store.Exists(ctx, "1", Grant{})
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("BadModel", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		assert.ErrorIs(t, store.Create(ctx, badModel()), storage.ErrInvalidModel)
		assert.ErrorIs(t, store.Update(ctx, badModel()), storage.ErrInvalidModel)
		assert.ErrorIs(t, store.Upsert(ctx, badModel()), storage.ErrInvalidModel)
	})

	t.Run("ReadNotFound", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.ErrorIs(t, store.Read(ctx, "1", &Grant{}), storage.ErrNotFound)

		require.NoError(t, store.Create(ctx, Tenant{ID: "1", Name: "acme"}))
		require.ErrorIs(t, store.Read(ctx, "1", &Grant{}), storage.ErrNotFound, "ids are scoped per model")
	})

	t.Run("ReadWithNilPointer", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Grant{ID: "1"}))

		var g *Grant
		require.ErrorIs(t, store.Read(ctx, "1", g), storage.ErrNilModel)
	})

	t.Run("Update", func(t *testing.T) {
		ctx := t.Context()
		g := Grant{ID: "1", Client: "web", Kind: KindAccess}

		store := newStore()
		require.NoError(t, store.Create(ctx, g))

		g.Kind = KindRefresh
		require.NoError(t, store.Update(ctx, g))

		var got Grant
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, g, got)
	})

	t.Run("UpdateNotExists", func(t *testing.T) {
		store := newStore()
		require.ErrorIs(t, store.Update(t.Context(), Grant{ID: "1"}), storage.ErrNotFound)
	})

	t.Run("Upsert", func(t *testing.T) {
		ctx := t.Context()
		g := Grant{ID: "1", Client: "web"}

		store := newStore()
		require.NoError(t, store.Create(ctx, g))

		g.User = "u1"
		other := Grant{ID: "2", Client: "cli"}
		require.NoError(t, store.Upsert(ctx, g, other))

		var got Grant
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, g, got)
		require.NoError(t, store.Read(ctx, "2", &got))
		assert.Equal(t, other, got)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, &Grant{ID: "4"}))

		exists, err := store.Exists(ctx, "4", &Grant{})
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, store.Delete(ctx, &Grant{ID: "4"}))

		exists, err = store.Exists(ctx, "4", &Grant{})
		require.NoError(t, err)
		assert.False(t, exists)

		require.ErrorIs(t, store.Delete(ctx, &Grant{ID: "4"}), storage.ErrNotFound)
	})

	t.Run("ListErrorCases", func(t *testing.T) {
		store := newStore()
		out := []Grant{}

		tests := []struct {
			name    string
			models  any
			filter  storage.Model
			wantErr error
		}{
			{"Ok", &out, Grant{}, nil},
			{"Not a slice", Grant{}, Grant{}, storage.ErrSliceRequired},
			{"Not a pointer", out, Grant{}, storage.ErrSliceRequired},
			{"Mismatched type", &out, Tenant{}, storage.ErrTypeMismatch},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := store.List(t.Context(), tt.models, tt.filter)
				require.ErrorIs(t, err, tt.wantErr)
			})
		}
	})

	t.Run("ListFilter", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Grant{"1", "web", "u1", KindAccess, nil},
			Grant{"2", "web", "u2", KindRefresh, nil},
			Grant{"3", "cli", "u1", KindAccess, nil},
			Grant{"4", "web", "u1", KindAccess, nil},
		))

		all := []Grant{}
		require.NoError(t, store.List(ctx, &all, Grant{}))
		assert.Len(t, all, 4)

		actual := []Grant{}
		require.NoError(t, store.List(ctx, &actual, Grant{Client: "web", User: "u1"}))
		assert.Equal(t, []Grant{
			{"1", "web", "u1", KindAccess, nil},
			{"4", "web", "u1", KindAccess, nil},
		}, actual)

		byKind := []Grant{}
		require.NoError(t, store.List(ctx, &byKind, Grant{Kind: KindRefresh}))
		assert.Equal(t, []Grant{{"2", "web", "u2", KindRefresh, nil}}, byKind)
	})

	t.Run("ListFilterZero", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Grant{"1", "web", "", KindCode, pint(4)},
			Grant{"2", "web", "", KindCode, pint(0)},
			Grant{"3", "cli", "", KindCode, nil},
		))

		actual := []Grant{}
		require.NoError(t, store.List(ctx, &actual, Grant{Uses: pint(0)}))
		assert.Equal(t, []Grant{{"2", "web", "", KindCode, pint(0)}}, actual)
	})

	t.Run("FindOne", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Grant{ID: "1", Client: "web", User: "u1"},
			Grant{ID: "2", Client: "web", User: "u2"},
		))

		g, err := storage.FindOne(ctx, store, Grant{User: "u2"})
		require.NoError(t, err)
		assert.Equal(t, "2", g.ID)

		_, err = storage.FindOne(ctx, store, Grant{User: "u3"})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = storage.FindOne(ctx, store, Grant{Client: "web"})
		assert.ErrorIs(t, err, storage.ErrAmbiguous)
	})

	t.Run("FindOneAndUpdate", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Grant{ID: "1", Client: "web", User: "u1", Kind: KindRefresh}))

		g, err := storage.FindOneAndUpdate(ctx, store, Grant{User: "u1"}, func(g *Grant) {
			g.Kind = KindAccess
		})
		require.NoError(t, err)
		assert.Equal(t, KindAccess, g.Kind)

		var got Grant
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, KindAccess, got.Kind)
	})

	t.Run("FindOneAndDelete", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Grant{ID: "1", Client: "web"}))

		g, err := storage.FindOneAndDelete(ctx, store, Grant{Client: "web"})
		require.NoError(t, err)
		assert.Equal(t, "1", g.ID)

		_, err = storage.FindOneAndDelete(ctx, store, Grant{Client: "web"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Exists", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		exists, err := store.Exists(ctx, "3", &Grant{})
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, store.Create(ctx, &Grant{ID: "3"}))

		exists, err = store.Exists(ctx, "3", &Grant{})
		require.NoError(t, err)
		assert.True(t, exists)
	})
}
