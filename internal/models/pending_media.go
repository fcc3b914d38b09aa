// Package models provides data model definitions for the fieldsync engine.
package models

// Media kinds accepted by the capture intake.
const (
	MediaKindPhoto = "photo"
	MediaKindVoice = "voice"
)

// PendingMedia represents a captured binary blob (photo or voice note)
// awaiting upload. The blob itself lives on disk under the media directory;
// the record carries its metadata.
type PendingMedia struct {
	ID            UUID   `json:"id"`
	TaskKey       string `json:"taskKey,omitempty"` // owning task, if any
	Kind          string `json:"kind"`              // photo, voice
	Path          string `json:"path"`
	ThumbnailPath string `json:"thumbnailPath,omitempty"`
	MIMEType      string `json:"mimeType"`
	SizeBytes     int64  `json:"sizeBytes"`
	Checksum      string `json:"checksum"` // hex SHA-256 of the blob
	CapturedAt    int64  `json:"capturedAt"`
	CreatedAt     int64  `json:"createdAt"`
}

// Collection returns the local store collection for PendingMedia.
func (PendingMedia) Collection() string {
	return CollectionPendingMedia
}
