package codealloc

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/storage"
)

// Segment is the allocation bitmap for one left value. Bit r is set when the
// code (Left, r) has been handed out.
type Segment struct {
	ID   string
	Left int
	Bits []byte
}

func (s Segment) PK() string {
	return s.ID
}

// NewSegment returns an empty segment sized for space right values.
func NewSegment(left, space int) *Segment {
	return &Segment{
		ID:   segmentID(left),
		Left: left,
		Bits: make([]byte, (space+7)/8),
	}
}

func segmentID(left int) string {
	return strconv.FormatInt(int64(left), 36)
}

// IsSet reports whether right value r is allocated.
func (s *Segment) IsSet(r int) bool {
	return s.Bits[r/8]&(1<<(r%8)) != 0
}

// Set marks right value r as allocated.
func (s *Segment) Set(r int) {
	s.Bits[r/8] |= 1 << (r % 8)
}

// SegmentStore is the durable home of bitmap segments. ReadSegment returns
// storage.ErrNotFound for a left value that has never been written.
type SegmentStore interface {
	ReadSegment(ctx context.Context, left int) (*Segment, error)
	WriteSegment(ctx context.Context, seg *Segment) error
}

// StorageSegmentStore keeps segments as records in a storage.Store.
type StorageSegmentStore struct {
	store storage.Store
}

// NewStorageSegmentStore returns a SegmentStore backed by store.
func NewStorageSegmentStore(ctx context.Context, store storage.Store) (*StorageSegmentStore, error) {
	if err := storage.InitModels(ctx, store, Segment{}); err != nil {
		return nil, err
	}
	return &StorageSegmentStore{store: store}, nil
}

func (s *StorageSegmentStore) ReadSegment(ctx context.Context, left int) (*Segment, error) {
	var seg Segment
	if err := s.store.Read(ctx, segmentID(left), &seg); err != nil {
		return nil, err
	}
	return &seg, nil
}

func (s *StorageSegmentStore) WriteSegment(ctx context.Context, seg *Segment) error {
	return s.store.Upsert(ctx, *seg)
}

// FileSegmentStore keeps one raw bitmap file per left value in a directory.
type FileSegmentStore struct {
	dir string
}

// NewFileSegmentStore returns a SegmentStore writing under dir, creating it if
// needed.
func NewFileSegmentStore(dir string) (*FileSegmentStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &FileSegmentStore{dir: dir}, nil
}

func (f *FileSegmentStore) path(left int) string {
	return filepath.Join(f.dir, segmentID(left)+".seg")
}

func (f *FileSegmentStore) ReadSegment(ctx context.Context, left int) (*Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	b, err := os.ReadFile(f.path(left))
	if os.IsNotExist(err) {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	} else if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &Segment{ID: segmentID(left), Left: left, Bits: b}, nil
}

// WriteSegment replaces the segment file atomically so a crash never leaves a
// torn bitmap behind.
func (f *FileSegmentStore) WriteSegment(ctx context.Context, seg *Segment) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, 0)
	}
	tmp, err := os.CreateTemp(f.dir, segmentID(seg.Left)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, 0)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(seg.Bits); err != nil {
		tmp.Close()
		return errors.Wrap(err, 0)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, 0)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, 0)
	}
	if err := os.Rename(tmp.Name(), f.path(seg.Left)); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}
