package filestore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/andrej220/biusrv/pkg/config/configstore"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	_ configstore.ConfigStore = (*FileStore)(nil)
	_ configstore.Watcher     = (*FileStore)(nil)
)

// debounce folds the burst of events an editor save produces.
const debounce = 100 * time.Millisecond

type Format int

const (
	YAML Format = iota
	TOML
)

// FileStore reads and writes a YAML or TOML file, picked by extension.
type FileStore struct {
	Path   string
	Format Format
	Logger lg.Logger
}

func New(path string) *FileStore {
	f := &FileStore{Path: path, Format: YAML, Logger: lg.Discard}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		f.Format = TOML
	}
	return f
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
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}

	switch f.Format {
	case TOML:
		if _, err := toml.Decode(string(data), out); err != nil {
			return fmt.Errorf("Load: failed to parse TOML in %s: %w", f.Path, err)
		}
	default:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
		}
	}
	return nil
}

// Save writes in atomically through a temp file and rename.
func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	var (
		data []byte
		err  error
	)
	switch f.Format {
	case TOML:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(in)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(in)
	}
	if err != nil {
		return fmt.Errorf("Save: failed to marshal config: %w", err)
	}

	tmpPath := f.Path + ".tmp"
	if err := WriteSecureFile(tmpPath, data); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}

// Watch calls onChange after the file is written or replaced, until ctx ends. The parent directory is watched so that atomic
// replacements are seen.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	target := filepath.Clean(f.Path)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				f.Logger.Info("Config changed", lg.String("path", f.Path))
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.Logger.Error("Watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()

	return nil
}
