package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/fsnotify/fsnotify"
)

const (
	// fileDirPerm is the permission mode for the draft directory.
	fileDirPerm = fs.FileMode(0o700)

	// fileDataPerm is the permission mode for slot files.
	fileDataPerm = fs.FileMode(0o600)

	fileSuffix     = ".json"
	tempFilePrefix = ".buildr-write-"

	// removedHash marks a key whose file is absent.
	removedHash = "-"
)

// FileBackend stores each key as a JSON file in a directory. Writes are
// atomic (temp file + rename). Other processes sharing the directory are
// observed through fsnotify.
type FileBackend struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger

	mu sync.Mutex
	// seen maps key to the content hash this backend last wrote or
	// observed. Events whose content matches are echoes and are dropped.
	seen map[string]string
	subs subscribers

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewFileBackend opens (creating if needed) a file-backed slot directory.
// maxBytes caps the size of a single value; zero disables the cap.
func NewFileBackend(dir string, maxBytes int64, logger *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, fileDirPerm); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage dir: %w", err)
	}

	return &FileBackend{
		dir:      absDir,
		maxBytes: maxBytes,
		logger:   logger,
		seen:     make(map[string]string),
	}, nil
}

// Dir returns the absolute storage directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+fileSuffix)
}

// Read returns the stored bytes for key.
func (b *FileBackend) Read(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.ErrKeyNotFound
		}

		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return data, nil
}

// Write atomically replaces the value stored under key.
func (b *FileBackend) Write(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if b.maxBytes > 0 && int64(len(data)) > b.maxBytes {
		return fmt.Errorf("writing %s (%d bytes, limit %d): %w", key, len(data), b.maxBytes, apperrors.ErrQuotaExceeded)
	}

	tmp, err := os.CreateTemp(b.dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Chmod(fileDataPerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Record the hash before the rename so the watcher can recognise
	// the resulting event as our own.
	b.mu.Lock()
	prev, had := b.seen[key]
	b.seen[key] = contentHash(data)
	b.mu.Unlock()

	if err := os.Rename(tmpName, b.path(key)); err != nil {
		os.Remove(tmpName)

		b.mu.Lock()
		if had {
			b.seen[key] = prev
		} else {
			delete(b.seen, key)
		}
		b.mu.Unlock()

		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (b *FileBackend) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	b.seen[key] = removedHash
	b.mu.Unlock()

	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

// Subscribe registers fn for keys changed by other processes. The
// directory watcher starts with the first subscription.
func (b *FileBackend) Subscribe(fn func(key string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.subs.add(fn)

	if b.watchCancel == nil {
		if err := b.startWatchLocked(); err != nil {
			b.logger.Warn("storage watcher unavailable, cross-process changes will not be seen",
				slog.String("dir", b.dir),
				slog.String("error", err.Error()),
			)
		}
	}

	return func() {
		b.mu.Lock()
		b.subs.remove(id)
		b.mu.Unlock()
	}
}

func (b *FileBackend) startWatchLocked() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", b.dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.watchCancel = cancel
	b.watchDone = make(chan struct{})

	go b.watch(ctx, watcher)

	return nil
}

func (b *FileBackend) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(b.watchDone)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			b.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			b.logger.Warn("storage watcher error", slog.String("error", err.Error()))
		}
	}
}

func (b *FileBackend) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return
	}

	key := strings.TrimSuffix(name, fileSuffix)
	if validateKey(key) != nil {
		return
	}

	current := removedHash
	if data, err := os.ReadFile(event.Name); err == nil {
		current = contentHash(data)
	}

	b.mu.Lock()
	if b.seen[key] == current {
		b.mu.Unlock()
		return
	}

	b.seen[key] = current
	fns := b.subs.snapshot()
	b.mu.Unlock()

	b.logger.Debug("storage key changed externally", slog.String("key", key))

	for _, fn := range fns {
		fn(key)
	}
}

// Close stops the directory watcher.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	cancel := b.watchCancel
	done := b.watchDone
	b.watchCancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	return nil
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
