package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/AngelCh415/crmsync/internal/models"
)

// FileStore keeps the snapshot as one JSON file. Saves go through a
// temporary file and a rename so readers never see a partial write.
type FileStore struct {
	fs   afero.Fs
	path string
}

func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Raw(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.path)
	}
	return b, nil
}

func (s *FileStore) Load(ctx context.Context) (models.Snapshot, error) {
	raw, err := s.Raw(ctx)
	if err != nil {
		return models.Snapshot{}, err
	}
	return Decode(raw)
}

func (s *FileStore) Save(ctx context.Context, snap models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := Encode(snap)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	f, err := afero.TempFile(s.fs, filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrap(err, "close temp snapshot")
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "rename to %s", s.path)
	}
	return nil
}
