package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// LoadFile overlays the settings found in path onto base. Fields absent from
// the file keep their base value. The format is chosen by extension.
func LoadFile(path string, base ProctorConfig) (ProctorConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}

	cfg := base
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return base, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return base, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return base, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return base, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Load returns the env defaults, overlaid by the file at path when one is given.
func Load(path string) (ProctorConfig, error) {
	cfg := DefaultProctorConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	return LoadFile(path, cfg)
}

// Watch reloads the config file whenever it changes and passes valid results
// to onChange. Invalid edits are logged and ignored. Watch blocks until ctx
// is cancelled.
func Watch(ctx context.Context, path string, base ProctorConfig, log *logrus.Logger, onChange func(ProctorConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory and filter by name.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := LoadFile(path, base)
			if err != nil {
				log.WithError(err).WithField("path", path).Warn("Ignoring invalid config change")
				continue
			}
			log.WithField("path", path).Info("Config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("Config watcher error")
		}
	}
}
