package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store persists checkpoints keyed by study ID.
type Store interface {
	Save(ckpt Checkpoint) error
	Load(studyID string) (*Checkpoint, error)
	Exists(studyID string) bool
	Delete(studyID string) error
	List() ([]string, error)
}

// FileStore keeps one JSON document per study under a directory.
// Saves are atomic: write temp, fsync, rename, fsync directory. Readers see
// either the pre-image or the post-image, never a torn write.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(studyID string) string {
	return filepath.Join(s.dir, studyID+".json")
}

// Save atomically writes the full snapshot.
func (s *FileStore) Save(ckpt Checkpoint) error {
	if ckpt.StudyID == "" {
		return errors.New("checkpoint: empty study id")
	}
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	final := s.path(ckpt.StudyID)
	tmp, err := os.CreateTemp(s.dir, ckpt.StudyID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

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
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return syncDir(s.dir)
}

// Load reads a study's checkpoint. Returns (nil, nil) when none exists.
// Unknown JSON keys are tolerated for forward compatibility; a major format
// version mismatch is a refusal to load.
func (s *FileStore) Load(studyID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(studyID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", studyID, err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", studyID, err)
	}
	if majorOf(ckpt.Version) != majorOf(FormatVersion) {
		return nil, fmt.Errorf("checkpoint %s: format version %q incompatible with %q", studyID, ckpt.Version, FormatVersion)
	}
	if ckpt.CellResults == nil {
		ckpt.CellResults = map[string]CellResult{}
	}
	if ckpt.RetryStates == nil {
		ckpt.RetryStates = map[string]RetryState{}
	}
	return &ckpt, nil
}

// Exists reports whether a snapshot file is present for the study.
func (s *FileStore) Exists(studyID string) bool {
	_, err := os.Stat(s.path(studyID))
	return err == nil
}

// Delete removes the snapshot. Idempotent.
func (s *FileStore) Delete(studyID string) error {
	err := os.Remove(s.path(studyID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", studyID, err)
	}
	return nil
}

// List returns the study IDs with a stored checkpoint.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func majorOf(version string) string {
	if i := strings.IndexByte(version, '.'); i > 0 {
		return version[:i]
	}
	return version
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}
