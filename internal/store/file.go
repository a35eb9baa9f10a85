package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// File is a Memory whose collections are mirrored to <dir>/<name>.json.
type File struct {
	*Memory
	dir string
}

func OpenFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("OpenFile: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}
	f := &File{Memory: NewMemory(), dir: dir}
	if err := loadCollection(f.path(collThreads), &f.Memory.data.Threads); err != nil {
		return nil, err
	}
	if err := loadCollection(f.path(collBranches), &f.Memory.data.Branches); err != nil {
		return nil, err
	}
	if err := loadCollection(f.path(collSnapshots), &f.Memory.data.Snapshots); err != nil {
		return nil, err
	}
	if err := loadCollection(f.path(collSessions), &f.Memory.data.Sessions); err != nil {
		return nil, err
	}
	f.Memory.persist = f.save
	log.Debug().
		Str("dir", dir).
		Int("threads", len(f.Memory.data.Threads)).
		Int("sessions", len(f.Memory.data.Sessions)).
		Msg("file store opened")
	return f, nil
}

func (f *File) Dir() string { return f.dir }

func (f *File) path(c collection) string {
	return filepath.Join(f.dir, string(c)+".json")
}

// loadCollection leaves target untouched when the file does not exist yet.
func loadCollection[T any](path string, target *map[string]T) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loadCollection %s: %w", path, err)
	}
	loaded := map[string]T{}
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("loadCollection %s: %w", path, err)
	}
	*target = loaded
	return nil
}

func (f *File) save(data *dataset, changed ...collection) error {
	for _, c := range changed {
		var payload any
		switch c {
		case collThreads:
			payload = data.Threads
		case collBranches:
			payload = data.Branches
		case collSnapshots:
			payload = data.Snapshots
		case collSessions:
			payload = data.Sessions
		default:
			continue
		}
		if err := writeJSON(f.path(c), payload); err != nil {
			log.Error().Err(err).Str("collection", string(c)).Msg("store write failed")
			return err
		}
	}
	return nil
}

// writeJSON replaces path atomically so a crash never leaves half a file.
func writeJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("writeJSON %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writeJSON %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writeJSON %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writeJSON %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writeJSON %s: %w", path, err)
	}
	return nil
}
