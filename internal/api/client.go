// Package api provides the client for the farm-operations REST backend.
//
// The reconciliation controller treats remote failures uniformly through the
// classification helpers here; it never inspects response bodies beyond
// success or failure (the one exception being the server-assigned key
// returned for creates).
package api

import (
	"context"
	"encoding/json"
	"io"

	"github.com/agridesk/fieldsync/internal/models"
)

// RemoteRecord is one authoritative record as returned by the backend.
type RemoteRecord struct {
	Key  string
	Data json.RawMessage
}

// ApplyResult reports the outcome of a successfully applied mutation. Key is
// the server-assigned identifier, which may differ from a provisional
// client-generated key.
type ApplyResult struct {
	Key string
}

// Client is the external API collaborator used during drain and refresh.
type Client interface {
	// Apply applies one mutation against the backend.
	Apply(ctx context.Context, m models.Mutation) (*ApplyResult, error)

	// FetchCollection fetches the authoritative contents of a collection.
	FetchCollection(ctx context.Context, collection string) ([]RemoteRecord, error)

	// UploadMedia uploads a captured blob together with its metadata.
	UploadMedia(ctx context.Context, media *models.PendingMedia, blob io.Reader) (*ApplyResult, error)
}
