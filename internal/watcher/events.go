package watcher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := cleanPath(event.Name)
	switch {
	case w.credentialPath != "" && name == w.credentialPath:
		if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
			return
		}
		log.Debugf("credential file event detected: %s %s", event.Op.String(), filepath.Base(event.Name))
		w.handleCredentialRemoval(ctx)
	case w.configPath != "" && name == w.configPath:
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			return
		}
		log.Debugf("config file event detected: %s", event.Op.String())
		w.scheduleConfigReload()
	}
}

func (w *Watcher) handleCredentialRemoval(ctx context.Context) {
	w.sleep(ctx, replaceCheckDelay)
	if _, statErr := os.Stat(w.credentialPath); statErr == nil {
		log.Debug("credential file replaced, ignoring")
		return
	}
	log.Info("credential file removed")
	if w.onRemoved != nil {
		w.onRemoved(ctx)
	}
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
