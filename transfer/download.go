package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"shelfstream/logger"
)

// Downloader fetches remote audio into local files, resuming partial
// files where the server honors range requests. Transfers inherit the
// transport's default timeout behavior; a failure is terminal, there is
// no retry.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a Downloader.
func NewDownloader() *Downloader {
	// No client-level timeout: audio files are large and the request
	// context carries cancellation.
	return &Downloader{client: &http.Client{}}
}

// Fetch downloads url into dest. A pre-existing partial file is resumed
// via a Range request when the server answers 206; a 200 answer restarts
// from scratch. progress receives cumulative bytes written and the total
// size (-1 when unknown). Cancellation of ctx surfaces as ctx.Err().
func (d *Downloader) Fetch(ctx context.Context, url, dest string, progress func(written, total int64)) error {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		logger.Debug("resuming partial download", logger.String("dest", dest), logger.Int64("offset", offset))
	case http.StatusOK:
		// Server ignored the range header; start over.
		offset = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	out, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open destination file: %w", err)
	}

	written := offset
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("failed to write destination file: %w", werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("download interrupted: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	return nil
}
