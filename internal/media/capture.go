// Package media handles captured photo and voice blobs: persisting them to
// the media directory, generating photo thumbnails, and queueing the upload.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/logging"
	"github.com/agridesk/fieldsync/internal/models"
	"github.com/agridesk/fieldsync/internal/uuid"
)

// Enqueuer is the slice of the reconciliation controller the intake needs:
// an optimistic local write plus a queued mutation.
type Enqueuer interface {
	Do(ctx context.Context, m models.Mutation) error
}

const (
	thumbnailWidth  = 320
	thumbnailHeight = 0 // preserve aspect ratio
)

var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/ogg":  ".ogg",
	"audio/wav":  ".wav",
}

// Intake persists captured blobs and queues their upload.
type Intake struct {
	dir      string
	enqueuer Enqueuer
}

// NewIntake creates a media intake rooted at dir. The directory is created
// if missing.
func NewIntake(dir string, enqueuer Enqueuer) (*Intake, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create media directory", err)
	}
	return &Intake{dir: dir, enqueuer: enqueuer}, nil
}

// CaptureRequest describes one captured blob.
type CaptureRequest struct {
	Kind       string // photo or voice
	TaskKey    string // owning task, optional
	MIMEType   string
	CapturedAt int64 // unix seconds; zero means now
}

// Capture writes the blob to disk, records its metadata under a provisional
// key, and enqueues the upload. The returned record reflects local state; the
// key is rebound once the backend assigns one.
func (i *Intake) Capture(ctx context.Context, req CaptureRequest, blob io.Reader) (*models.PendingMedia, error) {
	if err := i.validate(req); err != nil {
		return nil, err
	}

	id := uuid.NewProvisional()
	path := filepath.Join(i.dir, id+extByMIME[req.MIMEType])

	size, checksum, err := i.writeBlob(path, blob)
	if err != nil {
		return nil, err
	}

	capturedAt := req.CapturedAt
	if capturedAt == 0 {
		capturedAt = time.Now().Unix()
	}

	record := &models.PendingMedia{
		ID:         models.UUID(id),
		TaskKey:    req.TaskKey,
		Kind:       req.Kind,
		Path:       path,
		MIMEType:   req.MIMEType,
		SizeBytes:  size,
		Checksum:   checksum,
		CapturedAt: capturedAt,
		CreatedAt:  time.Now().Unix(),
	}

	if req.Kind == models.MediaKindPhoto {
		thumbPath, err := i.writeThumbnail(path, id)
		if err != nil {
			// A missing thumbnail never blocks the capture.
			logging.Warn("Thumbnail generation failed", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
		} else {
			record.ThumbnailPath = thumbPath
		}
	}

	payload, err := json.Marshal(record)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(errors.ErrStorage, "failed to encode media record", err)
	}

	err = i.enqueuer.Do(ctx, models.Mutation{
		Type:             models.MutationCreate,
		TargetCollection: models.CollectionPendingMedia,
		Key:              id,
		Payload:          payload,
	})
	if err != nil {
		os.Remove(path)
		if record.ThumbnailPath != "" {
			os.Remove(record.ThumbnailPath)
		}
		return nil, err
	}

	logging.Info("Media captured", map[string]interface{}{
		"id":   id,
		"kind": req.Kind,
		"size": size,
	})
	return record, nil
}

func (i *Intake) validate(req CaptureRequest) error {
	if req.Kind != models.MediaKindPhoto && req.Kind != models.MediaKindVoice {
		return errors.New(errors.ErrMediaInvalid, fmt.Sprintf("unknown media kind: %q", req.Kind))
	}
	if _, ok := extByMIME[req.MIMEType]; !ok {
		return errors.New(errors.ErrMediaInvalid, fmt.Sprintf("unsupported MIME type: %q", req.MIMEType))
	}
	isImage := strings.HasPrefix(req.MIMEType, "image/")
	if req.Kind == models.MediaKindPhoto && !isImage {
		return errors.New(errors.ErrMediaInvalid, fmt.Sprintf("MIME type %q is not a photo", req.MIMEType))
	}
	if req.Kind == models.MediaKindVoice && isImage {
		return errors.New(errors.ErrMediaInvalid, fmt.Sprintf("MIME type %q is not a voice note", req.MIMEType))
	}
	return nil
}

// writeBlob streams the blob to path, hashing as it goes.
func (i *Intake) writeBlob(path string, blob io.Reader) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", errors.Wrap(errors.ErrStorage, "failed to create media file", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), blob)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, "", errors.Wrap(errors.ErrStorage, "failed to write media blob", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// writeThumbnail decodes the stored photo and saves a resized copy.
func (i *Intake) writeThumbnail(path, id string) (string, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", err
	}

	thumbnail := imaging.Resize(img, thumbnailWidth, thumbnailHeight, imaging.Lanczos)
	thumbPath := filepath.Join(i.dir, id+"_thumb.jpg")
	if err := imaging.Save(thumbnail, thumbPath); err != nil {
		return "", err
	}
	return thumbPath, nil
}
