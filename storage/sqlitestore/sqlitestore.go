// Package sqlitestore provides a SQLite implementation of the storage.Store
// interface. Models are stored as JSON documents and List filters use
// json_extract on the Go field names.
//
// Examples:
//
//	store, err := sqlitestore.New("file:warden.s3db?_busy_timeout=5000")
//
//	store, err := sqlitestore.New(":memory:", sqlitestore.WithPrefix("test_"))
//
//nolint:gosec // Reports on G202. SQL string concat used to parameterize table.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/storage"

	"github.com/mattn/go-sqlite3"
)

// Option is a functional option for configuring the store.
type Option func(*store)

// WithPrefix overides the default prefix for table names.
func WithPrefix(prefix string) Option {
	return func(s *store) {
		s.prefix = prefix
	}
}

// New returns a store that provides sqlite backed storage. The shared default
// table is created on initialization.
func New(conn string, opts ...Option) (storage.Store, error) {
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, errors.WrapPrefix(err, "failed to open sqlite connection", 0)
	}
	// SQLite serializes writers anyway, and each connection to :memory: would
	// otherwise see its own database.
	db.SetMaxOpenConns(1)

	s := &store{
		db:     db,
		prefix: "warden_",
		tables: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureDefaultTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type store struct {
	db     *sql.DB
	prefix string

	mu     sync.RWMutex
	tables map[string]bool
}

// From ModelInitializer interface. Sets up a dedicated table for the model.
func (s *store) InitModel(ctx context.Context, model storage.Model) error {
	name := storage.Name(model)
	if err := s.ensureTable(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	s.tables[name] = true
	s.mu.Unlock()
	return nil
}

func (s *store) Create(ctx context.Context, models ...storage.Model) error {
	return s.insert(ctx, false, models...)
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}

	var row *sql.Row
	if tableName, isDefault := s.tableName(model); isDefault {
		row = s.db.QueryRowContext(ctx, "SELECT value FROM "+tableName+" WHERE id = ? AND entity_type = ?", id, storage.Name(model))
	} else {
		row = s.db.QueryRowContext(ctx, "SELECT value FROM "+tableName+" WHERE id = ?", id)
	}

	var value []byte
	if err := row.Scan(&value); err != nil {
		return translateError(err)
	}
	if err := json.Unmarshal(value, model); err != nil {
		return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
	}
	return nil
}

func (s *store) Update(ctx context.Context, models ...storage.Model) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}

	for _, model := range models {
		value, err := json.Marshal(model)
		if err != nil {
			tx.Rollback()
			return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
		}

		var res sql.Result
		if tableName, isDefault := s.tableName(model); isDefault {
			res, err = tx.ExecContext(ctx,
				"UPDATE "+tableName+" SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND entity_type = ?",
				value, model.PK(), storage.Name(model))
		} else {
			res, err = tx.ExecContext(ctx,
				"UPDATE "+tableName+" SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
				value, model.PK())
		}
		if err != nil {
			tx.Rollback()
			return translateError(err)
		}
		if i, err := res.RowsAffected(); i == 0 || err != nil {
			tx.Rollback()
			return errors.Mark(storage.ErrNotFound, 0)
		}
	}

	if err := tx.Commit(); err != nil {
		return translateError(err)
	}
	return nil
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	return s.insert(ctx, true, models...)
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	var res sql.Result
	var err error
	if tableName, isDefault := s.tableName(model); isDefault {
		res, err = s.db.ExecContext(ctx, "DELETE FROM "+tableName+" WHERE id = ? AND entity_type = ?", model.PK(), storage.Name(model))
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM "+tableName+" WHERE id = ?", model.PK())
	}
	if err != nil {
		return translateError(err)
	}
	if i, err := res.RowsAffected(); i == 0 || err != nil {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	return nil
}

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

	query, args := s.buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return translateError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return translateError(err)
		}

		elemPtr := reflect.New(elemType)
		if err := json.Unmarshal([]byte(value), elemPtr.Interface()); err != nil {
			return errors.Mark(storage.ErrInvalidModel, 0).
				Append(err.Error()).
				Append(fmt.Sprintf("<%v>", value))
		}
		sliceVal.Set(reflect.Append(sliceVal, elemPtr.Elem()))
	}

	if err := rows.Err(); err != nil {
		return translateError(err)
	}
	return nil
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	var row *sql.Row
	if tableName, isDefault := s.tableName(model); isDefault {
		row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName+" WHERE id = ? AND entity_type = ?", id, storage.Name(model))
	} else {
		row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName+" WHERE id = ?", id)
	}

	var count int
	if err := row.Scan(&count); err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (s *store) tableName(model any) (string, bool) {
	name := storage.Name(model)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.tables[name] {
		return s.prefix + "default", true
	}
	return s.prefix + name, false
}

func (s *store) insert(ctx context.Context, upsert bool, models ...storage.Model) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}

	for _, model := range models {
		value, err := json.Marshal(model)
		if err != nil {
			tx.Rollback()
			return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
		}

		if tableName, isDefault := s.tableName(model); isDefault {
			query := `INSERT INTO ` + tableName + ` (id, entity_type, value, created_at, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
			if upsert {
				query += `
					ON CONFLICT(id, entity_type) DO UPDATE SET
					value = excluded.value, updated_at = CURRENT_TIMESTAMP`
			}
			_, err = tx.ExecContext(ctx, query, model.PK(), storage.Name(model), value)
		} else {
			query := `INSERT INTO ` + tableName + ` (id, value, created_at, updated_at)
				VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
			if upsert {
				query += `
					ON CONFLICT(id) DO UPDATE SET
					value = excluded.value, updated_at = CURRENT_TIMESTAMP`
			}
			_, err = tx.ExecContext(ctx, query, model.PK(), value)
		}
		if err != nil {
			tx.Rollback()
			return translateError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return translateError(err)
	}
	return nil
}

func (s *store) ensureDefaultTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + s.prefix + `default (
		id TEXT,
		entity_type TEXT,
		value BLOB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id, entity_type)
	);`)
	if err != nil {
		return errors.WrapPrefix(err, "failed to create default table", 0)
	}
	return nil
}

func (s *store) ensureTable(ctx context.Context, tableName string) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.prefix+tableName+` (
		id TEXT,
		value BLOB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id)
	);`)
	if err != nil {
		return errors.Errorf("failed to create table [%s]: %w", tableName, err)
	}
	return nil
}

func (s *store) buildListQuery(model storage.Model) (string, []any) {
	tableName, isDefault := s.tableName(model)
	filterValue := storage.FilterValue(model)

	var whereClauses []string
	var params []any

	if isDefault {
		whereClauses = append(whereClauses, "entity_type = ?")
		params = append(params, storage.Name(model))
	}

	for i := range filterValue.NumField() {
		field := filterValue.Field(i)
		typeField := filterValue.Type().Field(i)
		if !typeField.IsExported() || !storage.ShouldFilter(field) {
			continue
		}
		whereClauses = append(whereClauses, fmt.Sprintf("json_extract(value, '$.%s') = ?", typeField.Name))
		params = append(params, field.Interface())
	}

	query := "SELECT value FROM " + tableName
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	return query + " ORDER BY id", params
}

func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Mark(storage.ErrNotFound, 1)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrNotFound:
			return errors.Mark(storage.ErrNotFound, 1)
		case sqlite3.ErrConstraint:
			return errors.Mark(storage.ErrAlreadyExists, 1)
		}
	}
	return errors.MaybeWrap(err, 1)
}
