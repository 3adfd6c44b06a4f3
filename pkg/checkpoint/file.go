package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FileStore keeps the checkpoint in a local file, replaced atomically by
// writing a temp file in the same directory and renaming it over the old one.
type FileStore struct {
	path   string
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	last *Checkpoint
}

// NewFileStore creates a file-backed store at path. The directory is created
// if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{
		path:   path,
		now:    time.Now,
		logger: log.With().Str("component", "checkpoint").Str("backend", "file").Logger(),
	}, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint file.
func (s *FileStore) Load(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.read()
	if err != nil {
		return nil, err
	}
	if cp.Legacy {
		s.logger.Warn().Str("path", s.path).Msg("Loaded legacy raw-cursor checkpoint, it will be upgraded on next save")
	}
	s.last = cp
	return cp, nil
}

func (s *FileStore) read() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	modTime := s.now()
	if info, err := os.Stat(s.path); err == nil {
		modTime = info.ModTime()
	}
	return Unmarshal(data, modTime)
}

// Save writes the checkpoint that results from adv.
func (s *FileStore) Save(ctx context.Context, adv Advance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.last
	if prev == nil {
		cp, err := s.read()
		switch {
		case err == nil:
			prev = cp
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}

	next := Apply(prev, adv, s.now())
	data, err := Marshal(next)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	s.last = next
	RecordSave("file")
	return nil
}

// Reset deletes the checkpoint file.
func (s *FileStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	s.last = nil
	return nil
}

// writeAtomic replaces path with data so readers see the old or the new
// content, never a mix.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	committed = true

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
