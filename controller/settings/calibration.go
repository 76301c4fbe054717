package settings

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/tipsy-mixer/tipsy/controller/storage"
)

// SaveCalibration rewrites the calibration section of the YAML file at path,
// leaving every other key untouched.
func SaveCalibration(path string, c Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var doc yaml.MapSlice
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}
	replaced := false
	for i := range doc {
		if k, ok := doc[i].Key.(string); ok && k == "calibration" {
			doc[i].Value = c
			replaced = true
		}
	}
	if !replaced {
		doc = append(doc, yaml.MapItem{Key: "calibration", Value: c})
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return storage.WriteFile(path, out, 0o644)
}

// WatchCalibration calls fn with the reloaded calibration every time the
// settings file changes. Invalid edits are logged and ignored. It blocks
// until ctx is done.
func WatchCalibration(ctx context.Context, path string, log *zap.Logger, fn func(Calibration)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Editors and SaveCalibration replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s, err := Load(path)
			if err != nil {
				log.Warn("ignoring invalid settings change", zap.String("file", path), zap.Error(err))
				continue
			}
			log.Info("calibration reloaded", zap.String("file", path))
			fn(s.Calibration)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("settings watcher", zap.Error(err))
		}
	}
}
