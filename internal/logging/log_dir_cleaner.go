package logging

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanerInterval = time.Minute

// logDirCleaner keeps the total size of rotated log files under a limit.
// The active log file is never removed.
type logDirCleaner struct {
	dir       string
	maxBytes  int64
	protected string
	cancel    context.CancelFunc
}

func startLogDirCleaner(dir string, maxBytes int64, protectedPath string) *logDirCleaner {
	dir = strings.TrimSpace(dir)
	if dir == "" || maxBytes <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &logDirCleaner{
		dir:       filepath.Clean(dir),
		maxBytes:  maxBytes,
		protected: strings.TrimSpace(protectedPath),
		cancel:    cancel,
	}
	if c.protected != "" {
		c.protected = filepath.Clean(c.protected)
	}
	go c.run(ctx)
	return c
}

func (c *logDirCleaner) stop() {
	if c != nil && c.cancel != nil {
		c.cancel()
	}
}

func (c *logDirCleaner) run(ctx context.Context) {
	ticker := time.NewTicker(logDirCleanerInterval)
	defer ticker.Stop()
	for {
		deleted, errClean := c.enforce()
		if errClean != nil {
			log.WithError(errClean).Warn("logging: failed to enforce log directory size limit")
		} else if deleted > 0 {
			log.Debugf("logging: removed %d old log file(s)", deleted)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// enforce removes the oldest log files until the directory fits maxBytes.
func (c *logDirCleaner) enforce() (int, error) {
	entries, errRead := os.ReadDir(c.dir)
	if errRead != nil {
		if os.IsNotExist(errRead) {
			return 0, nil
		}
		return 0, errRead
	}

	var files []logFile
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{path: filepath.Join(c.dir, entry.Name()), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= c.maxBytes {
		return 0, nil
	}

	slices.SortFunc(files, func(a, b logFile) int { return a.modTime.Compare(b.modTime) })

	deleted := 0
	for _, file := range files {
		if total <= c.maxBytes {
			break
		}
		if file.path == c.protected {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file: %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

// isLogFileName matches active and lumberjack-rotated log files.
func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
