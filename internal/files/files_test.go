package files

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vanish/server/internal/apperr"
	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/store"
)

func newTestService(t *testing.T, now time.Time) (*Service, *store.Store, *clock.Fixed, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vanish.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := clock.NewFixed(now)
	baseDir := filepath.Join(t.TempDir(), "staging")
	return New(st, cache.NewMemory(), clk, baseDir, time.Hour), st, clk, baseDir
}

func TestStageThenDownloadFallsBackToCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, now)

	content := "hello ciphertext bytes"
	msg, err := svc.Stage(ctx, StageInput{
		ConversationID: "conv-1",
		DeviceID:       "device-a",
		Name:           "note.txt",
		MimeType:       "text/plain",
		ContentBase64:  base64.StdEncoding.EncodeToString([]byte(content)),
		MessageType:    core.MessageFile,
		ExpiresAt:      now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if msg.FileRef == nil {
		t.Fatalf("expected FileRef to be set")
	}

	rc, meta, err := svc.Download(ctx, *msg.FileRef)
	if err != nil {
		t.Fatalf("download before promotion: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content = %q, want %q", got, content)
	}
	if meta.Name != "note.txt" {
		t.Fatalf("meta.Name = %q", meta.Name)
	}
}

func TestPromoteWritesToDiskAndClearsCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	svc, _, _, baseDir := newTestService(t, now)

	content := "promoted bytes"
	msg, err := svc.Stage(ctx, StageInput{
		ConversationID: "conv-1",
		DeviceID:       "device-a",
		Name:           "photo.png",
		MimeType:       "image/png",
		ContentBase64:  base64.StdEncoding.EncodeToString([]byte(content)),
		MessageType:    core.MessageImage,
		ExpiresAt:      now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := svc.Promote(ctx, *msg.FileRef); err != nil {
		t.Fatalf("promote: %v", err)
	}

	wantPath := filepath.Join(baseDir, "2026-01-01", *msg.FileRef+".enc")
	got, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read promoted file: %v", err)
	}
	if string(got) != content {
		t.Fatalf("promoted content = %q, want %q", got, content)
	}

	if _, err := svc.cache.Get(ctx, uploadCacheKey(*msg.FileRef)); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected staging cache entry cleared, got err=%v", err)
	}

	rc, _, err := svc.Download(ctx, *msg.FileRef)
	if err != nil {
		t.Fatalf("download after promotion: %v", err)
	}
	defer rc.Close()
	got2, _ := io.ReadAll(rc)
	if string(got2) != content {
		t.Fatalf("post-promotion content = %q, want %q", got2, content)
	}
}

func TestDownloadExpiredReturnsGone(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	svc, _, clk, _ := newTestService(t, now)

	msg, err := svc.Stage(ctx, StageInput{
		ConversationID: "conv-1",
		DeviceID:       "device-a",
		Name:           "note.txt",
		MimeType:       "text/plain",
		ContentBase64:  base64.StdEncoding.EncodeToString([]byte("x")),
		MessageType:    core.MessageFile,
		ExpiresAt:      now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	clk.Advance(time.Hour)
	_, _, err = svc.Download(ctx, *msg.FileRef)
	if !apperr.Is(err, apperr.CodeGone) {
		t.Fatalf("expected Gone after expiry, got %v", err)
	}
}

func TestCleanupBeforeRemovesOldDateFolders(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	svc, _, _, baseDir := newTestService(t, now)

	for _, day := range []string{"2026-01-01", "2026-01-05", "2026-01-09"} {
		if err := os.MkdirAll(filepath.Join(baseDir, day), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", day, err)
		}
	}

	removed, err := svc.CleanupBefore(context.Background(), time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "2026-01-09")); err != nil {
		t.Fatalf("expected 2026-01-09 to survive: %v", err)
	}
}
