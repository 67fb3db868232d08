package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per board under a directory. Writes go to a
// temp file and are renamed into place.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("board directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create board directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(boardID string) string {
	return filepath.Join(s.dir, filepath.Base(boardID)+".json")
}

func (s *FileStore) LoadBoard(_ context.Context, boardID string) ([]Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(boardID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read board file: %w", err)
	}
	return UnmarshalCommands(data)
}

func (s *FileStore) SaveBoard(_ context.Context, boardID string, cmds []Command) error {
	data, err := MarshalCommands(cmds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.path(boardID)
	tmp, err := os.CreateTemp(s.dir, ".board-*.json")
	if err != nil {
		return fmt.Errorf("create temp board file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write board file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close board file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace board file: %w", err)
	}
	return nil
}
