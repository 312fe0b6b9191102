package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/cyruslayo/buildr/internal/draft"
	"github.com/cyruslayo/buildr/internal/logging"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/cyruslayo/buildr/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = logging.Discard()

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, _ string, objectKey string, progress ProgressFunc) (string, error) {
	progress(0)
	progress(50)

	if f.err != nil {
		return "", f.err
	}

	f.mu.Lock()
	f.keys = append(f.keys, objectKey)
	f.mu.Unlock()

	progress(100)

	return "https://cdn.buildr.ng/" + objectKey, nil
}

func testTracker(t *testing.T, up Uploader) (*Tracker, *draft.Store) {
	t.Helper()

	mem := storage.NewMemory(0)
	session := mem.Session()
	store := draft.New(storage.NewAdapter(session, quietLogger), "buildr.property-draft", models.Fields{}, quietLogger)
	store.Hydrate()
	t.Cleanup(func() {
		store.Dispose()
		session.Close()
	})

	return NewTracker(store, up, "drafts/", quietLogger), store
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("\x89PNG fake"), 0o600))
	return p
}

// --- WithOptimisticUpdate ---

func TestWithOptimisticUpdate(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name         string
		opErr        error
		wantRollback bool
	}{
		{name: "success keeps the change", opErr: nil},
		{name: "failure rolls back", opErr: boom, wantRollback: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var steps []string

			err := WithOptimisticUpdate(
				func() { steps = append(steps, "apply") },
				func(err error) { steps = append(steps, "rollback:"+err.Error()) },
				func() error { steps = append(steps, "op"); return tt.opErr },
			)

			assert.ErrorIs(t, err, tt.opErr)
			if tt.wantRollback {
				assert.Equal(t, []string{"apply", "op", "rollback:boom"}, steps)
			} else {
				assert.Equal(t, []string{"apply", "op"}, steps)
			}
		})
	}
}

// --- Tracker ---

func TestAttach_SuccessMergesURL(t *testing.T) {
	up := &fakeUploader{}
	tr, store := testTracker(t, up)
	store.UpdateFields(models.Fields{models.FieldImages: []any{"https://cdn.buildr.ng/existing.jpg"}})

	var (
		mu      sync.Mutex
		updates []models.UploadingAsset
	)
	tr.Subscribe(func(a models.UploadingAsset) {
		mu.Lock()
		updates = append(updates, a)
		mu.Unlock()
	})

	asset, err := tr.Attach(context.Background(), writeImage(t, "front.PNG"))
	require.NoError(t, err)

	assert.Equal(t, models.AssetSuccess, asset.Status)
	assert.Equal(t, 100, asset.Progress)
	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(up.keys[0], "drafts/"))
	assert.True(t, strings.HasSuffix(up.keys[0], ".png"))
	assert.Equal(t, "https://cdn.buildr.ng/"+up.keys[0], asset.URL)

	images := store.Snapshot().Fields.Strings(models.FieldImages)
	assert.Equal(t, []string{"https://cdn.buildr.ng/existing.jpg", asset.URL}, images)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(updates), 3)
	assert.Equal(t, models.AssetPending, updates[0].Status)
	assert.Equal(t, 0, updates[0].Progress)
	assert.Equal(t, models.AssetUploading, updates[1].Status)
	assert.Equal(t, models.AssetSuccess, updates[len(updates)-1].Status)
}

func TestAttach_FailureNeverTouchesDraft(t *testing.T) {
	tr, store := testTracker(t, &fakeUploader{err: errors.New("network down")})

	asset, err := tr.Attach(context.Background(), writeImage(t, "front.jpg"))
	require.ErrorContains(t, err, "network down")

	assert.Equal(t, models.AssetError, asset.Status)
	assert.Equal(t, "network down", asset.Error)
	assert.Equal(t, 50, asset.Progress)
	assert.Empty(t, asset.URL)
	assert.NotContains(t, store.Snapshot().Fields, models.FieldImages)

	require.Len(t, tr.Assets(), 1)
	tr.Remove(asset.LocalID)
	assert.Empty(t, tr.Assets())
}

func TestAttach_RejectsBadInput(t *testing.T) {
	tr, _ := testTracker(t, &fakeUploader{})

	_, err := tr.Attach(context.Background(), writeImage(t, "notes.txt"))
	assert.ErrorContains(t, err, "not a supported image")

	_, err = tr.Attach(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorContains(t, err, "reading image")

	assert.Empty(t, tr.Assets())
}

func TestAttach_ConcurrentUploadsAllMerged(t *testing.T) {
	tr, store := testTracker(t, &fakeUploader{})

	paths := make([]string, 8)
	for i := range paths {
		paths[i] = writeImage(t, string(rune('a'+i))+".jpg")
	}

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Attach(context.Background(), p)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.Snapshot().Fields.Strings(models.FieldImages), 8)
}

// --- OSS helpers ---

func TestProgressListener(t *testing.T) {
	var got []int
	l := &progressListener{fn: func(p int) { got = append(got, p) }}

	l.ProgressChanged(&oss.ProgressEvent{EventType: oss.TransferStartedEvent, TotalBytes: 200})
	l.ProgressChanged(&oss.ProgressEvent{EventType: oss.TransferDataEvent, ConsumedBytes: 1, TotalBytes: 200})
	l.ProgressChanged(&oss.ProgressEvent{EventType: oss.TransferDataEvent, ConsumedBytes: 100, TotalBytes: 200})
	l.ProgressChanged(&oss.ProgressEvent{EventType: oss.TransferDataEvent, ConsumedBytes: 101, TotalBytes: 200})
	l.ProgressChanged(&oss.ProgressEvent{EventType: oss.TransferDataEvent, ConsumedBytes: 200, TotalBytes: 200})
	l.ProgressChanged(&oss.ProgressEvent{EventType: oss.TransferCompletedEvent, ConsumedBytes: 200, TotalBytes: 200})

	assert.Equal(t, []int{0, 50, 99, 100}, got)
}

func TestPublicBaseURL(t *testing.T) {
	assert.Equal(t, "https://listings.oss-eu-west-1.aliyuncs.com",
		publicBaseURL(OSSConfig{Endpoint: "https://oss-eu-west-1.aliyuncs.com/", Bucket: "listings"}))
	assert.Equal(t, "https://cdn.buildr.ng",
		publicBaseURL(OSSConfig{Endpoint: "oss-eu-west-1.aliyuncs.com", Bucket: "listings", PublicBaseURL: "https://cdn.buildr.ng/"}))
}
