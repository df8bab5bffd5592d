package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestFetchWritesFullFile(t *testing.T) {
	payload := testPayload(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "obj.mp3")
	var lastWritten, lastTotal int64

	d := NewDownloader()
	err := d.Fetch(context.Background(), srv.URL, dest, func(written, total int64) {
		lastWritten, lastTotal = written, total
	})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	assert.Equal(t, int64(len(payload)), lastWritten)
	assert.Equal(t, int64(len(payload)), lastTotal)
}

func TestFetchResumesWithRange(t *testing.T) {
	payload := testPayload(4096)
	const have = 1000

	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", have, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[have:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "obj.mp3")
	require.NoError(t, os.WriteFile(dest, payload[:have], 0o644))

	d := NewDownloader()
	require.NoError(t, d.Fetch(context.Background(), srv.URL, dest, nil))

	assert.True(t, strings.HasPrefix(gotRange, "bytes=1000-"))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	payload := testPayload(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Pretend resume is unsupported regardless of the Range header.
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "obj.mp3")
	require.NoError(t, os.WriteFile(dest, []byte("stale partial data"), 0o644))

	d := NewDownloader()
	require.NoError(t, d.Fetch(context.Background(), srv.URL, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestFetchSurfacesCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write(make([]byte, 40*1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "obj.mp3")

	progressed := make(chan struct{})
	var once bool

	d := NewDownloader()
	done := make(chan error, 1)
	go func() {
		done <- d.Fetch(ctx, srv.URL, dest, func(written, total int64) {
			if !once {
				once = true
				close(progressed)
			}
		})
	}()

	<-progressed
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDownloader()
	err := d.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), nil)
	assert.Error(t, err)
}
