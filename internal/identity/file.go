package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps one YAML document per preference scope:
//
//	defaultDeviceAddress: AA:BB:CC:DD:EE:FF
//	defaultDeviceName: catfish
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileDoc struct {
	Address string `yaml:"defaultDeviceAddress"`
	Name    string `yaml:"defaultDeviceName"`
}

// NewFileStore returns a store writing <dir>/<scope>.yaml. The directory is
// created on first write.
func NewFileStore(dir, scope string) *FileStore {
	if scope == "" {
		scope = DefaultScope
	}
	return &FileStore{path: filepath.Join(dir, scope+".yaml")}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: reading %s: %w", s.path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Identity{}, fmt.Errorf("identity: parsing %s: %w", s.path, err)
	}
	return Identity{Address: doc.Address, Name: doc.Name}, nil
}

func (s *FileStore) Set(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(fileDoc{Address: id.Address, Name: id.Name})
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(fileDoc{})
}

// write replaces the file atomically: temp file, fsync, rename.
func (s *FileStore) write(doc fileDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", ErrPersistence, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating dir: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrPersistence, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: syncing: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming: %v", ErrPersistence, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
