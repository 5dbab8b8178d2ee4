package passwords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// descriptor is one entry of the passwords file. The file never holds
// secrets, so only command and prompt sources may be named.
type descriptor struct {
	Shortname string `yaml:"shortname"`
	Types     Types  `yaml:"types"`
	Command   string `yaml:"command,omitempty"`
	Lifetime  string `yaml:"lifetime,omitempty"`
}

type descriptorFile struct {
	Passwords []descriptor `yaml:"passwords"`
}

// ParseDescriptors decodes a passwords file. Lifetimes are resolved
// against now.
func ParseDescriptors(data []byte, now time.Time) ([]*Entry, error) {
	var f descriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing passwords file: %v", apperrors.ErrConfig, err)
	}

	entries := make([]*Entry, 0, len(f.Passwords))
	seen := make(map[string]bool, len(f.Passwords))

	for i, d := range f.Passwords {
		if d.Types.Has(TypeMemory) || d.Types.Has(TypeKeyring) {
			return nil, fmt.Errorf("%w: passwords file entry %d (%s): only command and prompt types are allowed", apperrors.ErrConfig, i, d.Shortname)
		}

		e := &Entry{Shortname: d.Shortname, Types: d.Types, Command: d.Command}

		if d.Lifetime != "" {
			lt, err := time.ParseDuration(d.Lifetime)
			if err != nil || lt <= 0 {
				return nil, fmt.Errorf("%w: passwords file entry %d (%s): invalid lifetime %q", apperrors.ErrConfig, i, d.Shortname, d.Lifetime)
			}

			e.ExpiresAt = now.Add(lt)
		}

		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("passwords file entry %d: %w", i, err)
		}

		if seen[e.Shortname] {
			return nil, fmt.Errorf("%w: passwords file lists %q twice", apperrors.ErrConfig, e.Shortname)
		}

		seen[e.Shortname] = true
		entries = append(entries, e)
	}

	return entries, nil
}

// DescriptorFile keeps the store in sync with a passwords file.
type DescriptorFile struct {
	path   string
	store  *Store
	logger *slog.Logger

	// loaded are the shortnames the file contributed on the last load.
	loaded map[string]bool
}

// NewDescriptorFile creates a loader for path.
func NewDescriptorFile(path string, store *Store, logger *slog.Logger) *DescriptorFile {
	return &DescriptorFile{
		path:   path,
		store:  store,
		logger: logger,
		loaded: make(map[string]bool),
	}
}

// Load reads the file and saves its entries. Entries a previous load
// contributed that are no longer listed are removed. A missing file
// counts as empty.
func (d *DescriptorFile) Load() error {
	data, err := os.ReadFile(d.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: reading passwords file: %v", apperrors.ErrConfig, err)
	}

	entries, err := ParseDescriptors(data, d.store.now())
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(entries))

	for _, e := range entries {
		if err := d.store.Save(e); err != nil {
			return fmt.Errorf("loading passwords file: %w", err)
		}

		current[e.Shortname] = true
	}

	for name := range d.loaded {
		if !current[name] {
			d.store.Remove(name, true)
		}
	}

	d.loaded = current

	d.logger.Info("loaded passwords file",
		slog.String("path", d.path),
		slog.Int("entries", len(entries)),
	)

	return nil
}

// Watch reloads the file whenever it changes. The parent directory is
// watched so editors that replace the file by rename are picked up. It
// blocks until ctx is cancelled.
func (d *DescriptorFile) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("watching passwords file directory: %w", err)
	}

	target := filepath.Clean(d.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := d.Load(); err != nil {
				d.logger.Warn("reloading passwords file failed",
					slog.String("path", d.path),
					slog.String("error", err.Error()),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			d.logger.Warn("passwords file watcher error", slog.String("error", err.Error()))
		}
	}
}
