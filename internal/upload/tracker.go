package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cyruslayo/buildr/internal/draft"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/google/uuid"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// Tracker uploads images for one draft and merges their URLs into the
// draft's images field on success.
type Tracker struct {
	store    *draft.Store
	uploader Uploader
	prefix   string
	logger   *slog.Logger

	mu     sync.Mutex
	assets []models.UploadingAsset
	next   int
	subs   map[int]func(models.UploadingAsset)

	// mergeMu serializes read-modify-write of the images field.
	mergeMu sync.Mutex
}

// NewTracker creates a Tracker. Object keys are prefix + local id + ext.
func NewTracker(store *draft.Store, uploader Uploader, prefix string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		uploader: uploader,
		prefix:   prefix,
		logger:   logger,
		subs:     make(map[int]func(models.UploadingAsset)),
	}
}

// Assets returns a copy of every tracked asset in attach order.
func (t *Tracker) Assets() []models.UploadingAsset {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]models.UploadingAsset(nil), t.assets...)
}

// Subscribe registers fn for every asset change.
func (t *Tracker) Subscribe(fn func(models.UploadingAsset)) (cancel func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Attach uploads localPath and blocks until the upload finishes. The
// asset is reported as pending, then uploading, then success or error.
// The returned asset reflects the final state.
func (t *Tracker) Attach(ctx context.Context, localPath string) (models.UploadingAsset, error) {
	ext := strings.ToLower(filepath.Ext(localPath))
	if !imageExts[ext] {
		return models.UploadingAsset{}, fmt.Errorf("%s is not a supported image", filepath.Base(localPath))
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return models.UploadingAsset{}, fmt.Errorf("reading image: %w", err)
	}

	if info.IsDir() {
		return models.UploadingAsset{}, fmt.Errorf("%s is a directory", localPath)
	}

	id := uuid.NewString()
	key := path.Join(t.prefix, id+ext)

	var url string

	err = WithOptimisticUpdate(
		func() {
			t.add(models.UploadingAsset{
				LocalID: id,
				Preview: localPath,
				Status:  models.AssetPending,
			})
		},
		func(err error) {
			t.logger.Warn("image upload failed",
				slog.String("file", filepath.Base(localPath)),
				slog.String("error", err.Error()),
			)
			t.update(id, func(a *models.UploadingAsset) {
				a.Status = models.AssetError
				a.Error = err.Error()
			})
		},
		func() error {
			t.update(id, func(a *models.UploadingAsset) { a.Status = models.AssetUploading })

			var err error
			url, err = t.uploader.Upload(ctx, localPath, key, func(pct int) {
				t.update(id, func(a *models.UploadingAsset) { a.Progress = pct })
			})

			return err
		},
	)
	if err != nil {
		return t.get(id), err
	}

	t.mergeImage(url)
	t.update(id, func(a *models.UploadingAsset) {
		a.Status = models.AssetSuccess
		a.Progress = 100
		a.URL = url
	})

	t.logger.Info("image attached", slog.String("url", url))

	return t.get(id), nil
}

// Remove forgets an asset. Images already merged into the draft stay.
func (t *Tracker) Remove(localID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, a := range t.assets {
		if a.LocalID == localID {
			t.assets = append(t.assets[:i], t.assets[i+1:]...)
			return
		}
	}
}

func (t *Tracker) mergeImage(url string) {
	t.mergeMu.Lock()
	defer t.mergeMu.Unlock()

	images := t.store.Snapshot().Fields.Strings(models.FieldImages)
	t.store.UpdateFields(models.Fields{models.FieldImages: append(images, url)})
}

func (t *Tracker) add(a models.UploadingAsset) {
	t.mu.Lock()
	t.assets = append(t.assets, a)
	subs := t.snapshotSubsLocked()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(a)
	}
}

func (t *Tracker) update(id string, fn func(*models.UploadingAsset)) {
	t.mu.Lock()

	var (
		changed models.UploadingAsset
		found   bool
	)

	for i := range t.assets {
		if t.assets[i].LocalID == id {
			fn(&t.assets[i])
			changed, found = t.assets[i], true

			break
		}
	}

	subs := t.snapshotSubsLocked()
	t.mu.Unlock()

	if !found {
		return
	}

	for _, s := range subs {
		s(changed)
	}
}

func (t *Tracker) get(id string) models.UploadingAsset {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range t.assets {
		if a.LocalID == id {
			return a
		}
	}

	return models.UploadingAsset{}
}

func (t *Tracker) snapshotSubsLocked() []func(models.UploadingAsset) {
	out := make([]func(models.UploadingAsset), 0, len(t.subs))
	for _, fn := range t.subs {
		out = append(out, fn)
	}

	return out
}
