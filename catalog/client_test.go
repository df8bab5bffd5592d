package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfstream/config"
	"shelfstream/model"
)

func newTestClient(baseURL string) *Client {
	return NewClient(&config.Config{
		CatalogBaseURL: baseURL,
		CatalogToken:   "secret-token",
		StreamURLTTL:   15 * time.Minute,
	}, nil)
}

func TestResolveStreamingURL(t *testing.T) {
	expiry := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/objects/obj-1/stream-url", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"url":    "https://cdn.example/obj-1?sig=abc",
			"expiry": expiry,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	url, gotExpiry, err := c.ResolveStreamingURL(context.Background(), model.AudioObject{ID: "obj-1", BookID: "book-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/obj-1?sig=abc", url)
	assert.True(t, expiry.Equal(gotExpiry))
}

func TestSaveProgress(t *testing.T) {
	var got model.ProgressRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/books/book-1/progress", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.SaveProgress(context.Background(), model.ProgressRecord{
		BookID:        "book-1",
		AudioObjectID: "obj-1",
		Position:      42.5,
		Rate:          1.25,
	})
	require.NoError(t, err)
	assert.Equal(t, "obj-1", got.AudioObjectID)
	assert.Equal(t, 42.5, got.Position)
}

func TestGetProgressNotFoundIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.GetProgress(context.Background(), "book-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.ProgressRecord{
			BookID:        "book-1",
			AudioObjectID: "obj-2",
			Position:      120,
			Rate:          1.5,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.GetProgress(context.Background(), "book-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "obj-2", rec.AudioObjectID)
	assert.Equal(t, 1.5, rec.Rate)
}

func TestUnauthorizedIsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	_, err := c.GetProgress(context.Background(), "book-1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = c.SaveProgress(context.Background(), model.ProgressRecord{BookID: "book-1"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = c.ResolveStreamingURL(context.Background(), model.AudioObject{ID: "obj-1"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegisterUploadedObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/books/book-1/objects", r.URL.Path)

		var obj model.AudioObject
		require.NoError(t, json.NewDecoder(r.Body).Decode(&obj))
		assert.Equal(t, 3, obj.PartNumber)

		json.NewEncoder(w).Encode(map[string]string{"id": "assigned-42"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.RegisterUploadedObject(context.Background(), "book-1", model.AudioObject{
		ID:         "local-id",
		BookID:     "book-1",
		Name:       "part3.mp3",
		PartNumber: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "assigned-42", id)
}

func TestSetPartNumbers(t *testing.T) {
	var got struct {
		Order []string `json:"order"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/books/book-1/objects/order", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.SetPartNumbers(context.Background(), "book-1", []string{"b", "a", "c"}))
	assert.Equal(t, []string{"b", "a", "c"}, got.Order)
}

func TestObjectsAndCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.AudioObject{
			{ID: "a", PartNumber: 1},
			{ID: "b", PartNumber: 2},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	objects, err := c.Objects(context.Background(), "book-1")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "a", objects[0].ID)

	n, err := c.CountObjects(context.Background(), "book-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStandaloneModeWithoutCatalog(t *testing.T) {
	c := newTestClient("")

	id, err := c.RegisterUploadedObject(context.Background(), "book-1", model.AudioObject{ID: "local-id"})
	require.NoError(t, err)
	assert.Equal(t, "local-id", id)

	n, err := c.CountObjects(context.Background(), "book-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	err = c.SaveProgress(context.Background(), model.ProgressRecord{BookID: "book-1"})
	assert.Error(t, err)
}
