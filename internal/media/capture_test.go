package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"

	"github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/models"
	"github.com/agridesk/fieldsync/internal/uuid"
)

type recordingEnqueuer struct {
	mutations []models.Mutation
	fail      error
}

func (r *recordingEnqueuer) Do(ctx context.Context, m models.Mutation) error {
	if r.fail != nil {
		return r.fail
	}
	r.mutations = append(r.mutations, m)
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestCapturePhoto(t *testing.T) {
	enq := &recordingEnqueuer{}
	intake, err := NewIntake(t.TempDir(), enq)
	if err != nil {
		t.Fatalf("Failed to create intake: %v", err)
	}

	blob := pngBytes(t)
	record, err := intake.Capture(context.Background(), CaptureRequest{
		Kind:     models.MediaKindPhoto,
		TaskKey:  "t1",
		MIMEType: "image/png",
	}, bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if !uuid.IsProvisional(record.ID.String()) {
		t.Errorf("Expected provisional key, got %s", record.ID)
	}

	stored, err := os.ReadFile(record.Path)
	if err != nil {
		t.Fatalf("Blob not persisted: %v", err)
	}
	if !bytes.Equal(stored, blob) {
		t.Error("Persisted blob differs from captured blob")
	}
	if record.SizeBytes != int64(len(blob)) {
		t.Errorf("Expected size %d, got %d", len(blob), record.SizeBytes)
	}

	sum := sha256.Sum256(blob)
	if record.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum mismatch: got %s", record.Checksum)
	}

	if record.ThumbnailPath == "" {
		t.Fatal("Expected a thumbnail for a photo")
	}
	if _, err := os.Stat(record.ThumbnailPath); err != nil {
		t.Errorf("Thumbnail not persisted: %v", err)
	}

	if len(enq.mutations) != 1 {
		t.Fatalf("Expected 1 queued mutation, got %d", len(enq.mutations))
	}
	m := enq.mutations[0]
	if m.Type != models.MutationCreate || m.TargetCollection != models.CollectionPendingMedia {
		t.Errorf("Unexpected mutation: %s %s", m.Type, m.TargetCollection)
	}
	var queued models.PendingMedia
	if err := json.Unmarshal(m.Payload, &queued); err != nil {
		t.Fatalf("Mutation payload does not decode: %v", err)
	}
	if queued.TaskKey != "t1" || queued.Checksum != record.Checksum {
		t.Error("Queued metadata does not match the captured record")
	}
}

func TestCaptureVoiceSkipsThumbnail(t *testing.T) {
	enq := &recordingEnqueuer{}
	intake, err := NewIntake(t.TempDir(), enq)
	if err != nil {
		t.Fatalf("Failed to create intake: %v", err)
	}

	record, err := intake.Capture(context.Background(), CaptureRequest{
		Kind:     models.MediaKindVoice,
		MIMEType: "audio/mpeg",
	}, bytes.NewReader([]byte("not really audio")))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if record.ThumbnailPath != "" {
		t.Errorf("Voice note must not get a thumbnail, got %s", record.ThumbnailPath)
	}
}

func TestCaptureRejectsInvalidInput(t *testing.T) {
	intake, err := NewIntake(t.TempDir(), &recordingEnqueuer{})
	if err != nil {
		t.Fatalf("Failed to create intake: %v", err)
	}
	ctx := context.Background()

	cases := []CaptureRequest{
		{Kind: "video", MIMEType: "image/png"},
		{Kind: models.MediaKindPhoto, MIMEType: "application/pdf"},
		{Kind: models.MediaKindPhoto, MIMEType: "audio/mpeg"},
		{Kind: models.MediaKindVoice, MIMEType: "image/jpeg"},
	}
	for _, req := range cases {
		_, err := intake.Capture(ctx, req, bytes.NewReader([]byte("x")))
		if !errors.Is(err, errors.ErrMediaInvalid) {
			t.Errorf("Kind %q MIME %q: expected media validation error, got %v", req.Kind, req.MIMEType, err)
		}
	}
}

func TestCaptureCleansUpOnEnqueueFailure(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{fail: errors.New(errors.ErrStorage, "disk trouble")}
	intake, err := NewIntake(dir, enq)
	if err != nil {
		t.Fatalf("Failed to create intake: %v", err)
	}

	_, err = intake.Capture(context.Background(), CaptureRequest{
		Kind:     models.MediaKindVoice,
		MIMEType: "audio/wav",
	}, bytes.NewReader([]byte("blob")))
	if err == nil {
		t.Fatal("Expected capture to fail when the queue write fails")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected orphaned blob removed, found %d files", len(entries))
	}
}
