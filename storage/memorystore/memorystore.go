// Package memorystore implements storage.Store in a purely in-memory manner.
// Records are kept as JSON so reads never alias caller memory.
package memorystore

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/storage"
)

// New returns a store that provides transient, in-memory storage.
func New() storage.Store {
	return &store{
		data: map[string]map[string][]byte{},
	}
}

type store struct {
	// data[tableName][entityID] = JSON
	data map[string]map[string][]byte
	mu   sync.RWMutex
}

func (s *store) Create(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(table map[string][]byte, pk string) error {
		if _, ok := table[pk]; ok {
			return errors.Mark(storage.ErrAlreadyExists, 2)
		}
		return nil
	})
}

func (s *store) Update(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(table map[string][]byte, pk string) error {
		if _, ok := table[pk]; !ok {
			return errors.Mark(storage.ErrNotFound, 2)
		}
		return nil
	})
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, nil)
}

// write applies all models or none: every model is encoded and checked before
// the first one is stored.
func (s *store) write(ctx context.Context, models []storage.Model, check func(map[string][]byte, string) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, 0)
	}

	encoded := make([][]byte, len(models))
	for i, m := range models {
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
		}
		encoded[i] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if check != nil {
		for _, m := range models {
			if err := check(s.data[storage.Name(m)], m.PK()); err != nil {
				return err
			}
		}
	}
	for i, m := range models {
		n := storage.Name(m)
		if s.data[n] == nil {
			s.data[n] = map[string][]byte{}
		}
		s.data[n][m.PK()] = encoded[i]
	}
	return nil
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, 0)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id, model)
}

func (s *store) read(id string, model storage.Model) error {
	b, ok := s.data[storage.Name(model)][id]
	if !ok {
		return errors.Mark(storage.ErrNotFound, 1)
	}
	if err := json.Unmarshal(b, model); err != nil {
		return errors.Mark(storage.ErrInvalidModel, 1).Append(err.Error())
	}
	return nil
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Wrap(err, 0)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[storage.Name(model)][id]
	return ok, nil
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := storage.Name(model)
	id := model.PK()
	if _, ok := s.data[n][id]; !ok {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	delete(s.data[n], id)
	return nil
}

// List always performs a full scan of all items, returned sorted by primary
// key.
func (s *store) List(ctx context.Context, models any, filter storage.Model) error {
	modelsVal := reflect.ValueOf(models)
	if modelsVal.Kind() != reflect.Ptr || modelsVal.Elem().Kind() != reflect.Slice {
		return errors.Mark(storage.ErrSliceRequired, 0)
	}
	sliceVal := modelsVal.Elem()
	elemType := sliceVal.Type().Elem()
	if elemType != reflect.TypeOf(filter) {
		return errors.Mark(storage.ErrTypeMismatch, 0)
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, 0)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.data[storage.Name(filter)]
	pks := make([]string, 0, len(table))
	for pk := range table {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	filterValue := storage.FilterValue(filter)
	for _, pk := range pks {
		elemPtr := reflect.New(elemType)
		if err := json.Unmarshal(table[pk], elemPtr.Interface()); err != nil {
			return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
		}
		elem := reflect.Indirect(elemPtr)
		if !matches(reflect.Indirect(elem), filterValue) {
			continue
		}
		sliceVal.Set(reflect.Append(sliceVal, elem))
	}

	return nil
}

func matches(v, filter reflect.Value) bool {
	for i := 0; i < filter.NumField(); i++ {
		if !filter.Type().Field(i).IsExported() || !storage.ShouldFilter(filter.Field(i)) {
			continue
		}
		if !reflect.DeepEqual(v.Field(i).Interface(), filter.Field(i).Interface()) {
			return false
		}
	}
	return true
}
