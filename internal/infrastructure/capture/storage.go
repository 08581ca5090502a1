package capture

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/aibridge/aibridge/internal/domain/entity"
)

// sessionFile is the on-disk shape of one capture session.
type sessionFile struct {
	Session entity.CaptureSession `json:"session"`
	Events  []entity.CaptureEvent `json:"events"`
}

// Storage persists capture sessions as one JSON file each.
type Storage struct {
	dir string
}

// NewStorage ensures the storage directory exists.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Storage{dir: dir}, nil
}

// Path returns the file path for a session id.
func (s *Storage) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Write replaces the session file atomically.
func (s *Storage) Write(session entity.CaptureSession, events []entity.CaptureEvent) error {
	if events == nil {
		events = []entity.CaptureEvent{}
	}
	data, err := json.MarshalIndent(sessionFile{Session: session, Events: events}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path(session.ID), data, 0o644)
}

// Read loads a persisted session file.
func (s *Storage) Read(sessionID string) (*entity.CaptureSession, []entity.CaptureEvent, error) {
	data, err := os.ReadFile(s.Path(sessionID))
	if err != nil {
		return nil, nil, err
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	return &f.Session, f.Events, nil
}

// writeFileAtomic writes via temp file + fsync + rename so a crash never
// leaves a truncated session file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
