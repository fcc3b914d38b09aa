// Package api provides the client for the farm-operations REST backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	fielderrors "github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/models"
)

// HTTPConfig holds backend connection configuration.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration // per-request bound; applies to each drain attempt
}

// DefaultHTTPConfig returns the default backend configuration.
func DefaultHTTPConfig(baseURL string) *HTTPConfig {
	return &HTTPConfig{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// HTTPClient implements Client against the REST backend.
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Apply applies one mutation against the backend. Mutations map onto the
// REST surface:
//
//	create   POST   /api/{collection}
//	update   PUT    /api/{collection}/{key}
//	complete POST   /api/{collection}/{key}/complete
//	delete   DELETE /api/{collection}/{key}
//	custom   POST   /api/{collection}/{key}/actions
func (c *HTTPClient) Apply(ctx context.Context, m models.Mutation) (*ApplyResult, error) {
	var method, path string
	switch m.Type {
	case models.MutationCreate:
		method, path = http.MethodPost, fmt.Sprintf("/api/%s", m.TargetCollection)
	case models.MutationUpdate:
		method, path = http.MethodPut, fmt.Sprintf("/api/%s/%s", m.TargetCollection, url.PathEscape(m.Key))
	case models.MutationComplete:
		method, path = http.MethodPost, fmt.Sprintf("/api/%s/%s/complete", m.TargetCollection, url.PathEscape(m.Key))
	case models.MutationDelete:
		method, path = http.MethodDelete, fmt.Sprintf("/api/%s/%s", m.TargetCollection, url.PathEscape(m.Key))
	case models.MutationCustom:
		method, path = http.MethodPost, fmt.Sprintf("/api/%s/%s/actions", m.TargetCollection, url.PathEscape(m.Key))
	default:
		return nil, fielderrors.New(fielderrors.ErrInvalid, fmt.Sprintf("unknown mutation type: %q", m.Type))
	}

	var body io.Reader
	if len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	}

	op := fmt.Sprintf("apply %s %s/%s", m.Type, m.TargetCollection, m.Key)
	data, err := c.do(ctx, op, method, path, "application/json", body)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{Key: m.Key}
	if m.Type == models.MutationCreate && len(data) > 0 {
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &created); err == nil && created.ID != "" {
			result.Key = created.ID
		}
	}
	return result, nil
}

// FetchCollection fetches the authoritative contents of a collection.
func (c *HTTPClient) FetchCollection(ctx context.Context, collection string) ([]RemoteRecord, error) {
	op := "fetch " + collection
	data, err := c.do(ctx, op, http.MethodGet, "/api/"+collection, "", nil)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", op, err)
	}

	records := make([]RemoteRecord, 0, len(raw))
	for _, item := range raw {
		var keyed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &keyed); err != nil || keyed.ID == "" {
			return nil, fmt.Errorf("%s: record without id", op)
		}
		records = append(records, RemoteRecord{Key: keyed.ID, Data: item})
	}
	return records, nil
}

// UploadMedia uploads a captured blob together with its metadata as a
// multipart request.
func (c *HTTPClient) UploadMedia(ctx context.Context, media *models.PendingMedia, blob io.Reader) (*ApplyResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	meta, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("upload media: failed to encode metadata: %w", err)
	}
	if err := writer.WriteField("metadata", string(meta)); err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	part, err := writer.CreateFormFile("file", media.ID.String())
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	if _, err := io.Copy(part, blob); err != nil {
		return nil, fmt.Errorf("upload media: failed to read blob: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	data, err := c.do(ctx, "upload media", http.MethodPost, "/api/media", writer.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{Key: media.ID.String()}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err == nil && created.ID != "" {
		result.Key = created.ID
	}
	return result, nil
}

// do executes one request and returns the response body for 2xx statuses.
func (c *HTTPClient) do(ctx context.Context, op, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}
	return data, nil
}
