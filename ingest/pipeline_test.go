package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfstream/model"
)

type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string]int64
	removed  []string

	failSize int64         // Uploads of exactly this size fail.
	started  chan struct{} // Closed when the first upload begins, if set.
	release  chan struct{} // Uploads block on this until closed, if set.
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploaded: make(map[string]int64)}
}

func (s *fakeStore) UploadAudio(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress func(read int64)) error {
	s.mu.Lock()
	if s.started != nil {
		select {
		case <-s.started:
		default:
			close(s.started)
		}
	}
	s.mu.Unlock()

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	if s.failSize != 0 && size == s.failSize {
		return errors.New("connection reset")
	}
	if progress != nil {
		progress(size)
	}

	s.mu.Lock()
	s.uploaded[key] = size
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) RemoveObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, key)
	return nil
}

type fakeCatalog struct {
	mu           sync.Mutex
	existing     int
	registered   []model.AudioObject
	failRegister bool
}

func (c *fakeCatalog) RegisterUploadedObject(ctx context.Context, bookID string, obj model.AudioObject) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRegister {
		return "", errors.New("catalog unavailable")
	}
	c.registered = append(c.registered, obj)
	return obj.ID, nil
}

func (c *fakeCatalog) CountObjects(ctx context.Context, bookID string) (int, error) {
	return c.existing, nil
}

func writeAudio(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestStageValidation(t *testing.T) {
	dir := t.TempDir()
	good := writeAudio(t, dir, "chapter01.mp3", 100)
	text := writeAudio(t, dir, "notes.txt", 10)
	huge := writeAudio(t, dir, "huge.m4b", 5000)

	p := NewPipeline("book-1", newFakeStore(), &fakeCatalog{}, nil, 1000, 2)

	results := p.Stage([]string{good, text, huge, filepath.Join(dir, "missing.mp3")})
	require.Len(t, results, 4)

	assert.True(t, results[0].Accepted)
	assert.False(t, results[1].Accepted)
	assert.Contains(t, results[1].Reason, "unsupported format")
	assert.False(t, results[2].Accepted)
	assert.Equal(t, "file too large", results[2].Reason)
	assert.False(t, results[3].Accepted)
	assert.Equal(t, "file not readable", results[3].Reason)

	files := p.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "chapter01.mp3", files[0].Name)
	assert.Equal(t, StatusStaged, files[0].Status)
	assert.Equal(t, "mp3", files[0].Format)
}

func TestStageRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := writeAudio(t, dir, "a.mp3", 64)

	p := NewPipeline("book-1", newFakeStore(), &fakeCatalog{}, nil, 0, 2)

	first := p.Stage([]string{path})
	require.True(t, first[0].Accepted)

	second := p.Stage([]string{path})
	require.False(t, second[0].Accepted)
	assert.Equal(t, "already staged", second[0].Reason)
	assert.Len(t, p.Files(), 1)
}

func stageThree(t *testing.T, p *Pipeline) []StagedFile {
	t.Helper()
	dir := t.TempDir()
	paths := []string{
		writeAudio(t, dir, "part1.mp3", 10),
		writeAudio(t, dir, "part2.mp3", 20),
		writeAudio(t, dir, "part3.mp3", 30),
	}
	for _, r := range p.Stage(paths) {
		require.True(t, r.Accepted)
	}
	return p.Files()
}

func names(files []StagedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func TestMoveSwapsNeighbors(t *testing.T) {
	p := NewPipeline("book-1", newFakeStore(), &fakeCatalog{}, nil, 0, 2)
	files := stageThree(t, p)

	require.NoError(t, p.Move(files[2].ID, MoveUp))
	assert.Equal(t, []string{"part1.mp3", "part3.mp3", "part2.mp3"}, names(p.Files()))

	// Edge moves are silent no-ops.
	require.NoError(t, p.Move(files[0].ID, MoveUp))
	assert.Equal(t, []string{"part1.mp3", "part3.mp3", "part2.mp3"}, names(p.Files()))

	assert.ErrorIs(t, p.Move("nope", MoveUp), ErrUnknownFile)
}

func TestReorderKeepsSelectionOrder(t *testing.T) {
	p := NewPipeline("book-1", newFakeStore(), &fakeCatalog{}, nil, 0, 2)
	files := stageThree(t, p)

	require.NoError(t, p.Reorder([]string{files[1].ID, files[2].ID}, MoveUp))
	assert.Equal(t, []string{"part2.mp3", "part3.mp3", "part1.mp3"}, names(p.Files()))

	require.NoError(t, p.Reorder([]string{files[1].ID, files[2].ID}, MoveDown))
	assert.Equal(t, []string{"part1.mp3", "part2.mp3", "part3.mp3"}, names(p.Files()))
}

func TestMoveRejectsCompletedFiles(t *testing.T) {
	p := NewPipeline("book-1", newFakeStore(), &fakeCatalog{}, nil, 0, 2)
	files := stageThree(t, p)

	_, err := p.UploadAll(context.Background())
	require.NoError(t, err)

	err = p.Move(files[0].ID, MoveDown)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestUploadAssignsPartNumbersFromOrder(t *testing.T) {
	store := newFakeStore()
	cat := &fakeCatalog{existing: 4}
	p := NewPipeline("book-1", store, cat, nil, 0, 2)
	files := stageThree(t, p)

	// part3 moves to second place before the upload starts.
	require.NoError(t, p.Move(files[2].ID, MoveUp))

	n, err := p.UploadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	parts := make(map[string]int)
	for _, obj := range cat.registered {
		parts[obj.Name] = obj.PartNumber
	}
	assert.Equal(t, map[string]int{
		"part1.mp3": 5,
		"part3.mp3": 6,
		"part2.mp3": 7,
	}, parts)

	for _, f := range p.Files() {
		assert.Equal(t, StatusComplete, f.Status)
		assert.Equal(t, float64(100), f.Progress)
		assert.NotEmpty(t, f.ObjectID)
	}
}

func TestUploadFailureDoesNotBlockSiblings(t *testing.T) {
	store := newFakeStore()
	store.failSize = 20 // part2.mp3
	cat := &fakeCatalog{}
	p := NewPipeline("book-1", store, cat, nil, 0, 2)
	stageThree(t, p)

	n, err := p.UploadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byName := make(map[string]StagedFile)
	for _, f := range p.Files() {
		byName[f.Name] = f
	}
	assert.Equal(t, StatusError, byName["part2.mp3"].Status)
	assert.Equal(t, "upload failed", byName["part2.mp3"].Error)
	assert.Equal(t, StatusComplete, byName["part1.mp3"].Status)
	assert.Equal(t, StatusComplete, byName["part3.mp3"].Status)
	assert.Len(t, cat.registered, 2)
}

func TestRegistrationFailureRemovesOrphanedObject(t *testing.T) {
	store := newFakeStore()
	cat := &fakeCatalog{failRegister: true}
	p := NewPipeline("book-1", store, cat, nil, 0, 1)

	dir := t.TempDir()
	p.Stage([]string{writeAudio(t, dir, "a.mp3", 8)})

	n, err := p.UploadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.removed, 1)
	for key := range store.uploaded {
		assert.Equal(t, key, store.removed[0])
	}

	files := p.Files()
	require.Len(t, files, 1)
	assert.Equal(t, StatusError, files[0].Status)
}

func TestOperationsRefusedMidUpload(t *testing.T) {
	store := newFakeStore()
	store.started = make(chan struct{})
	store.release = make(chan struct{})
	p := NewPipeline("book-1", store, &fakeCatalog{}, nil, 0, 1)
	stageThree(t, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.UploadAll(context.Background())
	}()

	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	assert.ErrorIs(t, p.Clear(false), ErrUploadInProgress)
	_, err := p.UploadAll(context.Background())
	assert.ErrorIs(t, err, ErrUploadInProgress)

	close(store.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never finished")
	}
}

func TestClearCompletedOnly(t *testing.T) {
	store := newFakeStore()
	store.failSize = 20 // part2.mp3
	p := NewPipeline("book-1", store, &fakeCatalog{}, nil, 0, 2)
	stageThree(t, p)

	_, err := p.UploadAll(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Clear(true))
	files := p.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "part2.mp3", files[0].Name)
	assert.Equal(t, StatusError, files[0].Status)

	require.NoError(t, p.Clear(false))
	assert.Empty(t, p.Files())
}

func TestRemove(t *testing.T) {
	p := NewPipeline("book-1", newFakeStore(), &fakeCatalog{}, nil, 0, 2)
	files := stageThree(t, p)

	require.NoError(t, p.Remove(files[1].ID))
	assert.Equal(t, []string{"part1.mp3", "part3.mp3"}, names(p.Files()))
	assert.ErrorIs(t, p.Remove(files[1].ID), ErrUnknownFile)
}
