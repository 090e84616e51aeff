package filestore

import (
	"fmt"
	"os"

	"github.com/andrej220/remtask/pkg/config/configstore"
	"gopkg.in/yaml.v3"
)

var _ configstore.ConfigStore = (*FileStore)(nil)

// FileStore keeps a YAML document in a single file.
type FileStore struct {
	Path string
}

func New(path string) *FileStore {
	return &FileStore{Path: path}
}

func WriteSecureFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(data)
	return err
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("load: read %s: %w", f.Path, err)
	}
	if len(bytes) == 0 {
		return fmt.Errorf("load: config file %s is empty", f.Path)
	}

	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("load: parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

// Save writes to a temporary file first and renames it over Path, so a
// reader never sees a half-written document.
func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("save: input parameter must not be nil")
	}

	bytes, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("save: marshal YAML: %w", err)
	}

	tmpPath := f.Path + ".tmp"
	if err := WriteSecureFile(tmpPath, bytes); err != nil {
		return fmt.Errorf("save: write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save: replace %s: %w", f.Path, err)
	}
	return nil
}
