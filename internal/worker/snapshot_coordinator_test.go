package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shiftwire/shiftwire/internal/queue"
)

type fakeSnapshotQueue struct {
	mu          sync.Mutex
	generated   int
	generateErr error
	path        string
	pathErr     error
}

func (q *fakeSnapshotQueue) GenerateSnapshot(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.generateErr != nil {
		return q.generateErr
	}
	q.generated++
	return nil
}

func (q *fakeSnapshotQueue) GetSnapshotPath(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.path, q.pathErr
}

func (q *fakeSnapshotQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generated
}

type recordingUploader struct {
	mu        sync.Mutex
	uploads   []string
	uploadErr error
}

func (u *recordingUploader) Upload(ctx context.Context, filePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.uploadErr != nil {
		return u.uploadErr
	}
	u.uploads = append(u.uploads, filePath)
	return nil
}

func (u *recordingUploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	return "", time.Time{}, nil
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploads)
}

func runCoordinator(t *testing.T, c *SnapshotCoordinator, until func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !until() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition never met")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSnapshotCoordinator_GeneratesAndUploads(t *testing.T) {
	q := &fakeSnapshotQueue{path: "/tmp/current.db"}
	u := &recordingUploader{}

	c := NewSnapshotCoordinator(q, time.Hour, u)
	runCoordinator(t, c, func() bool { return q.count() >= 1 && u.count() >= 1 })

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.uploads[0] != "/tmp/current.db" {
		t.Errorf("uploaded wrong path %q", u.uploads[0])
	}
}

func TestSnapshotCoordinator_NilUploaderSkipsUpload(t *testing.T) {
	q := &fakeSnapshotQueue{path: "/tmp/current.db"}

	c := NewSnapshotCoordinator(q, time.Hour, nil)
	runCoordinator(t, c, func() bool { return q.count() >= 1 })
}

func TestSnapshotCoordinator_UploadFailureNotFatal(t *testing.T) {
	q := &fakeSnapshotQueue{path: "/tmp/current.db"}
	u := &recordingUploader{uploadErr: errors.New("bucket gone")}

	c := NewSnapshotCoordinator(q, 10*time.Millisecond, u)
	// Generation keeps running despite the failing uploader
	runCoordinator(t, c, func() bool { return q.count() >= 2 })
}

func TestSnapshotCoordinator_InProgressIsQuiet(t *testing.T) {
	q := &fakeSnapshotQueue{generateErr: queue.ErrSnapshotInProgress}
	u := &recordingUploader{}

	c := NewSnapshotCoordinator(q, 10*time.Millisecond, u)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if u.count() != 0 {
		t.Error("no upload should happen while snapshot is in progress")
	}
}
