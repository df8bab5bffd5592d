package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"shelfstream/config"
	"shelfstream/model"
	"shelfstream/storage"
)

// ErrUnauthorized is returned when the catalog rejects the bearer token.
// Fatal for the operation; never retried.
var ErrUnauthorized = errors.New("catalog: unauthorized")

// Client talks to the remote catalog (document store) API. When no
// catalog base URL is configured, streaming URLs are presigned directly
// against the object store and progress operations report an error.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	store      *storage.Client
	urlTTL     time.Duration
}

// NewClient creates a catalog client.
func NewClient(cfg *config.Config, store *storage.Client) *Client {
	return &Client{
		baseURL: cfg.CatalogBaseURL,
		token:   cfg.CatalogToken,
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
		store:  store,
		urlTTL: cfg.StreamURLTTL,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("catalog returned status %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode catalog response: %w", err)
		}
	}
	return nil
}

var errNotFound = errors.New("catalog: not found")

// ResolveStreamingURL resolves a fresh time-limited streaming URL for an
// audio object. Never cached; call again for every play or download.
func (c *Client) ResolveStreamingURL(ctx context.Context, obj model.AudioObject) (string, time.Time, error) {
	if c.baseURL == "" {
		return c.store.PresignedStreamURL(ctx, storage.AudioKey(obj.BookID, obj.ID, obj.Format), c.urlTTL)
	}

	var out struct {
		URL    string    `json:"url"`
		Expiry time.Time `json:"expiry"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/objects/"+obj.ID+"/stream-url", nil, &out); err != nil {
		return "", time.Time{}, err
	}
	return out.URL, out.Expiry, nil
}

// SaveProgress upserts the listening position for a book. Idempotent;
// last write wins, no merge.
func (c *Client) SaveProgress(ctx context.Context, rec model.ProgressRecord) error {
	if c.baseURL == "" {
		return errors.New("catalog: not configured")
	}
	return c.do(ctx, http.MethodPut, "/api/books/"+rec.BookID+"/progress", rec, nil)
}

// GetProgress fetches the listening position for a book, or nil when the
// book has never been listened to.
func (c *Client) GetProgress(ctx context.Context, bookID string) (*model.ProgressRecord, error) {
	if c.baseURL == "" {
		return nil, errors.New("catalog: not configured")
	}
	var rec model.ProgressRecord
	err := c.do(ctx, http.MethodGet, "/api/books/"+bookID+"/progress", nil, &rec)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RegisterUploadedObject records a freshly uploaded audio object with the
// catalog and returns its assigned id.
func (c *Client) RegisterUploadedObject(ctx context.Context, bookID string, obj model.AudioObject) (string, error) {
	if c.baseURL == "" {
		// Standalone mode: the object key already identifies the upload.
		return obj.ID, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/books/"+bookID+"/objects", obj, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SetPartNumbers reassigns part numbers for a book's audio objects to
// match the given order.
func (c *Client) SetPartNumbers(ctx context.Context, bookID string, orderedObjectIDs []string) error {
	if c.baseURL == "" {
		return errors.New("catalog: not configured")
	}
	body := struct {
		Order []string `json:"order"`
	}{Order: orderedObjectIDs}
	return c.do(ctx, http.MethodPut, "/api/books/"+bookID+"/objects/order", body, nil)
}

// Objects lists a book's audio objects in part order.
func (c *Client) Objects(ctx context.Context, bookID string) ([]model.AudioObject, error) {
	if c.baseURL == "" {
		return nil, errors.New("catalog: not configured")
	}
	var out []model.AudioObject
	err := c.do(ctx, http.MethodGet, "/api/books/"+bookID+"/objects", nil, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountObjects returns how many audio objects the book already has.
func (c *Client) CountObjects(ctx context.Context, bookID string) (int, error) {
	if c.baseURL == "" {
		return 0, nil
	}
	objects, err := c.Objects(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return len(objects), nil
}
