package player

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"

	"shelfstream/logger"
)

// Transport is the audio backend the session drives. Load tears down any
// previous stream and invokes onReady once the new one is seekable;
// seeking before that point is silently dropped by real backends, which
// is why the session buffers resume targets until onReady fires.
type Transport interface {
	Load(ctx context.Context, streamURL string, onReady func(duration float64)) error
	Play()
	Pause()
	Seek(position float64) error
	SetRate(rate float64)
	Position() float64
	Duration() float64
	Close() error
}

// beepTransport plays audio through the speaker package. Remote URLs are
// fetched into a temp file first so the decoder has a seekable source.
type beepTransport struct {
	mu       sync.Mutex
	streamer beep.StreamSeekCloser
	ctrl     *beep.Ctrl
	resample *beep.Resampler
	format   beep.Format
	rate     float64
	tmpPath  string
	client   *http.Client
}

// NewBeepTransport creates the speaker-backed transport.
func NewBeepTransport() Transport {
	return &beepTransport{
		rate:   1.0,
		client: &http.Client{},
	}
}

func (t *beepTransport) Load(ctx context.Context, streamURL string, onReady func(duration float64)) error {
	t.Close()

	path := streamURL
	var tmp string
	if !isLocalPath(streamURL) {
		fetched, err := t.fetchToTemp(ctx, streamURL)
		if err != nil {
			return err
		}
		path = fetched
		tmp = fetched
	}

	f, err := os.Open(path)
	if err != nil {
		removeIfSet(tmp)
		return fmt.Errorf("failed to open audio source: %w", err)
	}

	streamer, format, err := decodeAudio(f, path)
	if err != nil {
		f.Close()
		removeIfSet(tmp)
		return fmt.Errorf("failed to decode audio: %w", err)
	}

	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		streamer.Close()
		removeIfSet(tmp)
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}

	t.mu.Lock()
	t.streamer = streamer
	t.format = format
	t.ctrl = &beep.Ctrl{Streamer: streamer, Paused: true}
	t.resample = beep.ResampleRatio(4, t.rate, t.ctrl)
	t.tmpPath = tmp
	resample := t.resample
	duration := format.SampleRate.D(streamer.Len()).Seconds()
	t.mu.Unlock()

	speaker.Play(resample)

	if onReady != nil {
		onReady(duration)
	}
	return nil
}

func (t *beepTransport) fetchToTemp(ctx context.Context, streamURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stream fetch returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "shelfstream-*"+urlExt(streamURL))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to buffer stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (t *beepTransport) Play() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctrl != nil {
		speaker.Lock()
		t.ctrl.Paused = false
		speaker.Unlock()
	}
}

func (t *beepTransport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctrl != nil {
		speaker.Lock()
		t.ctrl.Paused = true
		speaker.Unlock()
	}
}

func (t *beepTransport) Seek(position float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamer == nil {
		return nil
	}
	sample := t.format.SampleRate.N(time.Duration(position * float64(time.Second)))
	if sample < 0 {
		sample = 0
	}
	if max := t.streamer.Len(); sample > max {
		sample = max
	}
	speaker.Lock()
	err := t.streamer.Seek(sample)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("seek failed: %w", err)
	}
	return nil
}

func (t *beepTransport) SetRate(rate float64) {
	if rate <= 0 {
		rate = 1.0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rate = rate
	if t.resample != nil {
		speaker.Lock()
		t.resample.SetRatio(rate)
		speaker.Unlock()
	}
}

func (t *beepTransport) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamer == nil {
		return 0
	}
	speaker.Lock()
	pos := t.streamer.Position()
	speaker.Unlock()
	return t.format.SampleRate.D(pos).Seconds()
}

func (t *beepTransport) Duration() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamer == nil {
		return 0
	}
	return t.format.SampleRate.D(t.streamer.Len()).Seconds()
}

func (t *beepTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamer == nil {
		return nil
	}
	speaker.Clear()
	if err := t.streamer.Close(); err != nil {
		logger.Warn("failed to close audio streamer", logger.ErrorField(err))
	}
	t.streamer = nil
	t.ctrl = nil
	t.resample = nil
	removeIfSet(t.tmpPath)
	t.tmpPath = ""
	return nil
}

func decodeAudio(f *os.File, path string) (beep.StreamSeekCloser, beep.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		return flac.Decode(f)
	case ".wav":
		return wav.Decode(f)
	case ".ogg":
		return vorbis.Decode(f)
	default:
		return mp3.Decode(f)
	}
}

func isLocalPath(s string) bool {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return false
	}
	_, err := os.Stat(s)
	return err == nil
}

func urlExt(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil {
		return ".mp3"
	}
	if ext := filepath.Ext(u.Path); ext != "" {
		return ext
	}
	return ".mp3"
}

func removeIfSet(path string) {
	if path != "" {
		os.Remove(path)
	}
}
