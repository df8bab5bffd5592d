package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shelfstream/events"
	"shelfstream/logger"
	"shelfstream/model"
	"shelfstream/storage"
	"shelfstream/transfer"
)

// Status is the lifecycle state of one staged file.
type Status string

const (
	StatusStaged    Status = "staged"
	StatusUploading Status = "uploading"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Direction selects which neighbor a reorder swaps with.
type Direction int

const (
	MoveUp Direction = iota
	MoveDown
)

var (
	// ErrUploadInProgress is returned when an operation is rejected
	// because a batch upload is running.
	ErrUploadInProgress = errors.New("ingest: upload in progress")
	// ErrNotPending is returned when a reorder touches a file that is no
	// longer pending.
	ErrNotPending = errors.New("ingest: file is not pending")
	// ErrUnknownFile is returned for an id that is not staged.
	ErrUnknownFile = errors.New("ingest: unknown file")
)

var allowedFormats = map[string]bool{
	"mp3":  true,
	"m4a":  true,
	"m4b":  true,
	"flac": true,
	"ogg":  true,
	"wav":  true,
	"aac":  true,
}

// StagedFile is one candidate audio file in the pipeline. Progress is a
// percentage in [0,100].
type StagedFile struct {
	ID         string  `json:"id"`
	ObjectID   string  `json:"objectId,omitempty"` // Catalog id, set on completion.
	Name       string  `json:"name"`
	Path       string  `json:"-"`
	Size       int64   `json:"size"`
	Format     string  `json:"format"`
	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	Error      string  `json:"error,omitempty"`
	PartNumber int     `json:"partNumber,omitempty"`
}

// StageResult reports acceptance or rejection of one candidate.
type StageResult struct {
	Name     string `json:"name"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ObjectStore is the slice of the object store the pipeline uses.
type ObjectStore interface {
	UploadAudio(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress func(read int64)) error
	RemoveObject(ctx context.Context, key string) error
}

// Catalog is the slice of the catalog API the pipeline uses.
type Catalog interface {
	RegisterUploadedObject(ctx context.Context, bookID string, obj model.AudioObject) (string, error)
	CountObjects(ctx context.Context, bookID string) (int, error)
}

// Pipeline validates, orders and uploads a batch of local audio files for
// one book. All state behind the mutex; callers only see snapshots.
type Pipeline struct {
	bookID      string
	store       ObjectStore
	catalog     Catalog
	bus         *events.Bus
	maxSize     int64
	concurrency int

	mu        sync.Mutex
	files     []*StagedFile
	uploading bool
}

// NewPipeline creates a pipeline for one book.
func NewPipeline(bookID string, store ObjectStore, catalog Catalog, bus *events.Bus, maxSize int64, concurrency int) *Pipeline {
	if concurrency < 1 {
		concurrency = 3
	}
	return &Pipeline{
		bookID:      bookID,
		store:       store,
		catalog:     catalog,
		bus:         bus,
		maxSize:     maxSize,
		concurrency: concurrency,
	}
}

// Stage validates the candidate paths and appends accepted ones to the
// pending list in the given order. Rejections are per-file and never
// block the rest of the batch.
func (p *Pipeline) Stage(paths []string) []StageResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]StageResult, 0, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)

		info, err := os.Stat(path)
		if err != nil {
			results = append(results, StageResult{Name: name, Reason: "file not readable"})
			continue
		}

		format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		if !allowedFormats[format] {
			results = append(results, StageResult{Name: name, Reason: fmt.Sprintf("unsupported format %q", format)})
			continue
		}
		if p.maxSize > 0 && info.Size() > p.maxSize {
			results = append(results, StageResult{Name: name, Reason: "file too large"})
			continue
		}
		if p.isDuplicateLocked(name, info.Size()) {
			results = append(results, StageResult{Name: name, Reason: "already staged"})
			continue
		}

		p.files = append(p.files, &StagedFile{
			ID:     uuid.NewString(),
			Name:   name,
			Path:   path,
			Size:   info.Size(),
			Format: format,
			Status: StatusStaged,
		})
		results = append(results, StageResult{Name: name, Accepted: true})
	}

	p.publishLocked()
	return results
}

func (p *Pipeline) isDuplicateLocked(name string, size int64) bool {
	for _, f := range p.files {
		if f.Name == name && f.Size == size {
			return true
		}
	}
	return false
}

// Move swaps a pending file with its neighbor in the given direction.
// Files that are uploading or terminal cannot take part, on either side
// of the swap.
func (p *Pipeline) Move(id string, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, f := range p.files {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrUnknownFile
	}

	neighbor := idx - 1
	if dir == MoveDown {
		neighbor = idx + 1
	}
	if neighbor < 0 || neighbor >= len(p.files) {
		return nil // Already at the edge.
	}
	if p.files[idx].Status != StatusStaged || p.files[neighbor].Status != StatusStaged {
		return ErrNotPending
	}

	p.files[idx], p.files[neighbor] = p.files[neighbor], p.files[idx]
	p.publishLocked()
	return nil
}

// Reorder moves each of the given pending files one step in dir.
// Processing order is chosen so a multi-selection keeps its relative
// order.
func (p *Pipeline) Reorder(ids []string, dir Direction) error {
	ordered := p.sortByPosition(ids)
	if dir == MoveDown {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	for _, id := range ordered {
		if err := p.Move(id, dir); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) sortByPosition(ids []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	ordered := make([]string, 0, len(ids))
	for _, f := range p.files {
		if wanted[f.ID] {
			ordered = append(ordered, f.ID)
		}
	}
	return ordered
}

// UploadAll uploads every pending file through the worker pool and
// returns how many completed. Part numbers are assigned now, from the
// book's current object count plus each file's 1-based position among
// the pending files; reordering before this call changes the assignment.
// Failed files stay in the list with their error for inspection.
func (p *Pipeline) UploadAll(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.uploading {
		p.mu.Unlock()
		return 0, ErrUploadInProgress
	}
	pending := make([]*StagedFile, 0, len(p.files))
	for _, f := range p.files {
		if f.Status == StatusStaged {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		p.mu.Unlock()
		return 0, nil
	}
	p.uploading = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.uploading = false
		p.mu.Unlock()
	}()

	existing, err := p.catalog.CountObjects(ctx, p.bookID)
	if err != nil {
		return 0, fmt.Errorf("failed to count existing objects: %w", err)
	}

	p.mu.Lock()
	for i, f := range pending {
		f.PartNumber = existing + i + 1
	}
	p.mu.Unlock()

	results := transfer.Pool(ctx, pending, p.concurrency, func(ctx context.Context, _ int, f *StagedFile) error {
		return p.uploadOne(ctx, f)
	})

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	p.publish()
	return succeeded, nil
}

func (p *Pipeline) uploadOne(ctx context.Context, f *StagedFile) error {
	p.setStatus(f, StatusUploading, "")

	src, err := os.Open(f.Path)
	if err != nil {
		p.setStatus(f, StatusError, "file not readable")
		return err
	}
	defer src.Close()

	key := storage.AudioKey(p.bookID, f.ID, f.Format)
	err = p.store.UploadAudio(ctx, key, src, f.Size, storage.ContentTypeFor(f.Format), func(read int64) {
		p.setProgress(f, float64(read)/float64(f.Size)*100)
	})
	if err != nil {
		logger.Error("upload failed", logger.String("file", f.Name), logger.ErrorField(err))
		p.setStatus(f, StatusError, uploadErrorMessage(err))
		return err
	}

	objectID, err := p.catalog.RegisterUploadedObject(ctx, p.bookID, model.AudioObject{
		ID:         f.ID,
		BookID:     p.bookID,
		Name:       f.Name,
		Size:       f.Size,
		Format:     f.Format,
		PartNumber: f.PartNumber,
	})
	if err != nil {
		logger.Error("object registration failed", logger.String("file", f.Name), logger.ErrorField(err))
		// The object is in the bucket but not in the catalog; remove it so
		// a retry starts clean.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rmErr := p.store.RemoveObject(cleanupCtx, key); rmErr != nil {
			logger.Warn("failed to remove unregistered object", logger.String("key", key), logger.ErrorField(rmErr))
		}
		p.setStatus(f, StatusError, uploadErrorMessage(err))
		return err
	}

	p.mu.Lock()
	f.ObjectID = objectID
	f.Status = StatusComplete
	f.Progress = 100
	f.Error = ""
	p.publishLocked()
	p.mu.Unlock()
	logger.Info("file uploaded", logger.String("file", f.Name), logger.Int("part", f.PartNumber))
	return nil
}

// uploadErrorMessage reduces transport errors to a generic message unless
// a more specific cause is detectable.
func uploadErrorMessage(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EntityTooLarge"):
		return "file too large"
	case strings.Contains(msg, "exists") || strings.Contains(msg, "duplicate"):
		return "file already exists"
	default:
		return "upload failed"
	}
}

// Clear removes entries from the staged list: only completed ones when
// completedOnly is set, otherwise everything. Refused mid-upload.
func (p *Pipeline) Clear(completedOnly bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.uploading {
		return ErrUploadInProgress
	}

	if completedOnly {
		kept := p.files[:0]
		for _, f := range p.files {
			if f.Status != StatusComplete {
				kept = append(kept, f)
			}
		}
		p.files = kept
	} else {
		p.files = nil
	}
	p.publishLocked()
	return nil
}

// Remove drops a single non-uploading file from the list, e.g. a failed
// one the user gives up on.
func (p *Pipeline) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, f := range p.files {
		if f.ID != id {
			continue
		}
		if f.Status == StatusUploading {
			return ErrUploadInProgress
		}
		p.files = append(p.files[:i], p.files[i+1:]...)
		p.publishLocked()
		return nil
	}
	return ErrUnknownFile
}

// Files returns a snapshot of the staged list.
func (p *Pipeline) Files() []StagedFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() []StagedFile {
	out := make([]StagedFile, len(p.files))
	for i, f := range p.files {
		out[i] = *f
	}
	return out
}

func (p *Pipeline) setStatus(f *StagedFile, status Status, errMsg string) {
	p.mu.Lock()
	f.Status = status
	f.Error = errMsg
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pipeline) setProgress(f *StagedFile, pct float64) {
	p.mu.Lock()
	if pct > 100 {
		pct = 100
	}
	f.Progress = pct
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pipeline) publish() {
	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pipeline) publishLocked() {
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.StagedChanged, Payload: p.snapshotLocked()})
	}
}
