package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/robertlestak/contract-txcache/internal/schema"
	log "github.com/sirupsen/logrus"
)

// FileStore keeps the snapshot as one JSON file. Saves go to a temp file in
// the same directory, are synced, then renamed over the target.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load returns the stored snapshot, or an empty one if the file is missing.
func (f *FileStore) Load(ctx context.Context) (*schema.Snapshot, error) {
	l := log.WithFields(log.Fields{
		"package": "cache",
		"func":    "FileStore.Load",
		"path":    f.Path,
	})
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		l.Info("no stored snapshot")
		return schema.NewSnapshot(), nil
	} else if err != nil {
		l.Error(err)
		return nil, err
	}
	return decode(data)
}

// Save stamps the integrity tag on s and replaces the file atomically.
func (f *FileStore) Save(ctx context.Context, s *schema.Snapshot) error {
	l := log.WithFields(log.Fields{
		"package": "cache",
		"func":    "FileStore.Save",
		"path":    f.Path,
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(s)
	if err != nil {
		l.Error(err)
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.Error(err)
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		l.Error(err)
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		l.Error(err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		l.Error(err)
		return err
	}
	if err := tmp.Close(); err != nil {
		l.Error(err)
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		l.Error(err)
		return err
	}
	l.Debugf("saved %d bytes", len(data))
	return nil
}
