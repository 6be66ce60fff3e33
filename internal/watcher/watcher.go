// Package watcher watches the credential file and the config file.
// It reports external removal of persisted credentials and hot-reloads the config.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/keyward/sessiond/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	// replaceCheckDelay lets an atomic replace (rename) settle before a
	// Remove event is treated as a real deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Options configures a Watcher.
type Options struct {
	// CredentialPath is the credential file to watch. Empty disables credential watching.
	CredentialPath string
	// ConfigPath is the YAML config to hot-reload. Empty disables config watching.
	ConfigPath string
	// OnCredentialsRemoved runs when the credential file disappears.
	OnCredentialsRemoved func(ctx context.Context)
	// OnConfigReload receives every successfully reloaded config.
	OnConfigReload func(*config.Config)
}

// Watcher manages file watching for the credential and configuration files.
type Watcher struct {
	credentialPath string
	configPath     string
	onRemoved      func(ctx context.Context)
	onReload       func(*config.Config)
	watcher        *fsnotify.Watcher

	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	lastConfigHash    string
}

// NewWatcher creates a new file watcher instance.
func NewWatcher(opts Options) (*Watcher, error) {
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	w := &Watcher{
		credentialPath: cleanPath(opts.CredentialPath),
		configPath:     cleanPath(opts.ConfigPath),
		onRemoved:      opts.OnCredentialsRemoved,
		onReload:       opts.OnConfigReload,
		watcher:        fsw,
	}
	return w, nil
}

// Start begins watching. Directories are watched rather than files so atomic
// replaces are observed.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := make(map[string]struct{})
	if w.credentialPath != "" {
		dirs[filepath.Dir(w.credentialPath)] = struct{}{}
	}
	if w.configPath != "" {
		dirs[filepath.Dir(w.configPath)] = struct{}{}
		w.lastConfigHash = hashFile(w.configPath)
	}
	for dir := range dirs {
		if errAdd := w.watcher.Add(dir); errAdd != nil {
			log.Errorf("failed to watch directory %s: %v", dir, errAdd)
			return errAdd
		}
		log.Debugf("watching directory: %s", dir)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}
