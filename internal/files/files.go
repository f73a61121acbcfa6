// Package files implements the two-phase file upload. A client upload
// lands in the cache immediately and is promoted to disk storage by an
// asynchronous task, adapting a disk-bytes-plus-sqlite-metadata blob store
// into a cache->disk staging pipeline instead of a single synchronous
// write.
package files

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"vanish/server/internal/apperr"
	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/store"
)

// uploadCacheTTL is the staging lifetime before promotion is expected to
// have completed, used when no configured file-staging TTL is supplied.
const uploadCacheTTL = time.Hour

const dateFolderLayout = "2006-01-02"

func uploadCacheKey(fileID string) string { return "file:upload:" + fileID }

// Service coordinates the cache staging area, durable message metadata,
// and the on-disk promoted store.
type Service struct {
	store      *store.Store
	cache      cache.Cache
	clock      clock.Clock
	baseDir    string
	stagingTTL time.Duration
}

// New returns a Service rooted at baseDir. baseDir is created lazily on
// first promotion, not at construction, so tests can point it at a
// directory that does not yet exist.
func New(st *store.Store, c cache.Cache, clk clock.Clock, baseDir string, stagingTTL time.Duration) *Service {
	if stagingTTL <= 0 {
		stagingTTL = uploadCacheTTL
	}
	return &Service{store: st, cache: c, clock: clk, baseDir: baseDir, stagingTTL: stagingTTL}
}

// StageInput is the client-supplied upload envelope.
type StageInput struct {
	ConversationID string
	DeviceID       string
	Name           string
	MimeType       string
	ContentBase64  string
	MessageType    core.MessageType
	ExpiresAt      time.Time // copied from the parent conversation by the caller
}

// Stage decodes the base64 ciphertext, writes it to the cache under a
// freshly minted file id, and persists the Message row with a staging
// FileRef. It returns before the bytes ever touch disk.
func (s *Service) Stage(ctx context.Context, in StageInput) (core.Message, error) {
	raw, err := base64.StdEncoding.DecodeString(in.ContentBase64)
	if err != nil {
		return core.Message{}, apperr.Validation("file content is not valid base64: %v", err)
	}
	if strings.TrimSpace(in.Name) == "" {
		return core.Message{}, apperr.Validation("file name is required")
	}

	fileID := uuid.NewString()
	if err := s.cache.Set(ctx, uploadCacheKey(fileID), raw, s.stagingTTL); err != nil {
		return core.Message{}, apperr.ServiceUnavailable("stage file bytes: %v", err)
	}

	now := s.clock.Now()
	convID := in.ConversationID
	deviceID := in.DeviceID
	msg := core.Message{
		ID:             uuid.NewString(),
		ConversationID: &convID,
		MessageType:    in.MessageType,
		CreatedAt:      now,
		ExpiresAt:      in.ExpiresAt,
		SenderDeviceID: &deviceID,
		File: &core.FileMetadata{
			Name:     in.Name,
			Size:     int64(len(raw)),
			MimeType: in.MimeType,
		},
		FileRef: &fileID,
	}

	if err := s.store.WithTx(ctx, func(q *store.Queries) error {
		return q.InsertMessage(ctx, msg)
	}); err != nil {
		_ = s.cache.Del(ctx, uploadCacheKey(fileID))
		return core.Message{}, apperr.Internal(err, "persist staged file message")
	}

	slog.Info("file staged", "file_id", fileID, "size", humanize.Bytes(uint64(len(raw))))

	// Promotion runs off the request path: the client gets its response
	// before bytes ever touch disk. A background context is used
	// deliberately; the request that triggered staging is about to return
	// and its context will be cancelled.
	go func() {
		if err := s.Promote(context.Background(), fileID); err != nil {
			slog.Error("async file promotion failed", "file_id", fileID, "err", err)
		}
	}()

	return msg, nil
}

// Promote is the asynchronous step-2 task: it reads the staged bytes back
// out of the cache, writes them to {baseDir}/YYYY-MM-DD/<fileID>.enc,
// records the storage reference on the Message, and deletes the cache
// entry. It is safe to call more than once for the same fileID.
func (s *Service) Promote(ctx context.Context, fileID string) error {
	raw, err := s.cache.Get(ctx, uploadCacheKey(fileID))
	if errors.Is(err, cache.ErrMiss) {
		slog.Debug("file promotion found nothing staged, assuming already promoted", "file_id", fileID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}

	storageRef, err := s.writeToDisk(fileID, raw)
	if err != nil {
		return fmt.Errorf("write staged file to disk: %w", err)
	}

	// The Message row is keyed by its own ID, not fileID; resolve it first
	// so the storage ref lands on the right row.
	msg, err := s.store.FindMessageByFileRef(ctx, fileID)
	if err != nil {
		return fmt.Errorf("resolve promoted message: %w", err)
	}
	if err := s.store.UpdateMessageFileStorageRef(ctx, msg.ID, storageRef); err != nil {
		return fmt.Errorf("record storage ref: %w", err)
	}

	if err := s.cache.Del(ctx, uploadCacheKey(fileID)); err != nil {
		slog.Debug("file promotion: cache cleanup failed", "file_id", fileID, "err", err)
	}
	slog.Info("file promoted to disk", "file_id", fileID, "storage_ref", storageRef, "size", humanize.Bytes(uint64(len(raw))))
	return nil
}

func (s *Service) writeToDisk(fileID string, raw []byte) (string, error) {
	dir := filepath.Join(s.baseDir, s.clock.Now().Format(dateFolderLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}

	finalPath := filepath.Join(dir, fileID+".enc")
	tempFile, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(raw)
	closeErr := tempFile.Close()
	if writeErr != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("write bytes: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("close temp file: %w", closeErr)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("move file into place: %w", err)
	}
	return finalPath, nil
}

// Download resolves the Message embedding fileID and returns a reader over
// its bytes, preferring the promoted on-disk copy and falling back to the
// cache to handle the race where a download arrives before promotion.
func (s *Service) Download(ctx context.Context, fileID string) (io.ReadCloser, core.FileMetadata, error) {
	msg, err := s.store.FindMessageByFileRef(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.FileMetadata{}, apperr.NotFound("file %s not found", fileID)
	}
	if err != nil {
		return nil, core.FileMetadata{}, apperr.Internal(err, "find staged file")
	}
	if msg.File == nil {
		return nil, core.FileMetadata{}, apperr.NotFound("file %s not found", fileID)
	}
	if msg.IsExpired(s.clock.Now()) {
		return nil, core.FileMetadata{}, apperr.Gone("file %s has expired", fileID)
	}

	if msg.File.StorageRef != "" {
		f, err := os.Open(msg.File.StorageRef)
		if err == nil {
			return f, *msg.File, nil
		}
		slog.Warn("file promoted but disk read failed, falling back to cache", "file_id", fileID, "err", err)
	}

	raw, err := s.cache.Get(ctx, uploadCacheKey(fileID))
	if errors.Is(err, cache.ErrMiss) {
		return nil, core.FileMetadata{}, apperr.NotFound("file %s not found on disk or in staging", fileID)
	}
	if err != nil {
		return nil, core.FileMetadata{}, apperr.ServiceUnavailable("read staged file: %v", err)
	}
	return io.NopCloser(bytes.NewReader(raw)), *msg.File, nil
}

// CleanupBefore deletes whole date folders older than cutoff (sweeper step
// 6). It logs and continues past any single folder it cannot remove.
func (s *Service) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read staging base dir: %w", err)
	}

	cutoffDay := cutoff.Format(dateFolderLayout)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if entry.Name() >= cutoffDay {
			continue
		}
		path := filepath.Join(s.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Error("file staging cleanup failed", "dir", path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}
