package downloads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"shelfstream/events"
	"shelfstream/logger"
	"shelfstream/model"
)

// ErrNotReady is returned when the manager is queried before startup
// reconciliation has completed.
var ErrNotReady = errors.New("downloads: manager not ready")

// URLResolver resolves a fresh streaming URL for an object. Called once
// per transfer, never cached.
type URLResolver interface {
	ResolveStreamingURL(ctx context.Context, obj model.AudioObject) (string, time.Time, error)
}

// Fetcher performs one resumable transfer into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, progress func(written, total int64)) error
}

// DeviceStore persists the download index.
type DeviceStore interface {
	DownloadIndex() (map[string]model.DownloadRecord, error)
	WriteDownloadIndex(map[string]model.DownloadRecord) error
}

type activeDownload struct {
	bookID    string
	progress  float64
	cancel    context.CancelFunc
	cancelled bool
}

// Manager owns the local cache of downloaded audio: a durable index
// (re-verified against the filesystem at startup), the in-flight transfer
// registry, and per-book batch abort flags. All mutation goes through its
// methods; callers only ever see snapshots.
type Manager struct {
	cacheDir string
	store    DeviceStore
	resolver URLResolver
	fetcher  Fetcher
	bus      *events.Bus

	mu      sync.Mutex
	ready   bool
	index   map[string]model.DownloadRecord
	active  map[string]*activeDownload
	aborted map[string]bool // bookID -> batch abort flag

	watcher *fsnotify.Watcher
	watchWG sync.WaitGroup
}

// NewManager creates the cache manager and runs startup reconciliation:
// the cache directory is created if missing and every persisted record
// whose file no longer exists is silently purged. The manager is ready
// once NewManager returns.
func NewManager(cacheDir string, store DeviceStore, resolver URLResolver, fetcher Fetcher, bus *events.Bus) (*Manager, error) {
	m := &Manager{
		cacheDir: cacheDir,
		store:    store,
		resolver: resolver,
		fetcher:  fetcher,
		bus:      bus,
		index:    make(map[string]model.DownloadRecord),
		active:   make(map[string]*activeDownload),
		aborted:  make(map[string]bool),
	}
	if err := m.Reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reconcile loads the persisted index and keeps only records whose file
// is verified present. Idempotent; a missing file is treated as "not
// downloaded", never surfaced as an error.
func (m *Manager) Reconcile() error {
	if err := os.MkdirAll(m.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	persisted, err := m.store.DownloadIndex()
	if err != nil {
		return fmt.Errorf("failed to load download index: %w", err)
	}

	verified := make(map[string]model.DownloadRecord, len(persisted))
	for id, rec := range persisted {
		if _, err := os.Stat(rec.LocalPath); err == nil {
			verified[id] = rec
		} else {
			logger.Debug("purging download record with missing file",
				logger.String("objectId", id), logger.String("path", rec.LocalPath))
		}
	}

	m.mu.Lock()
	m.index = verified
	m.ready = true
	if len(verified) != len(persisted) {
		m.persistLocked()
	}
	m.mu.Unlock()
	m.publishDownloads()
	return nil
}

// Ready reports whether startup reconciliation has completed.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// LocalPathFor is the deterministic cache path for an object.
func (m *Manager) LocalPathFor(obj model.AudioObject) string {
	return filepath.Join(m.cacheDir, obj.ID+"."+obj.Format)
}

// DownloadFile transfers one audio object into the cache. A no-op when
// the object is already downloaded or already in flight; both checks read
// live state at call time. A DownloadRecord is written only on
// completion. On failure the partial file is removed best-effort and the
// error returned; on cancellation the same cleanup runs but no error is
// reported.
func (m *Manager) DownloadFile(ctx context.Context, obj model.AudioObject, bookTitle string) error {
	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return ErrNotReady
	}
	if _, downloaded := m.index[obj.ID]; downloaded {
		m.mu.Unlock()
		return nil
	}
	if _, inFlight := m.active[obj.ID]; inFlight {
		m.mu.Unlock()
		return nil
	}

	dctx, cancel := context.WithCancel(ctx)
	ad := &activeDownload{bookID: obj.BookID, cancel: cancel}
	m.active[obj.ID] = ad
	m.mu.Unlock()
	m.publishTransfers()

	err := m.runTransfer(dctx, obj, bookTitle, ad)
	cancel()
	return err
}

func (m *Manager) runTransfer(ctx context.Context, obj model.AudioObject, bookTitle string, ad *activeDownload) error {
	dest := m.LocalPathFor(obj)

	fail := func(err error) error {
		m.mu.Lock()
		if m.active[obj.ID] == ad {
			delete(m.active, obj.ID)
		}
		cancelled := ad.cancelled
		m.mu.Unlock()

		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove partial download", logger.String("path", dest), logger.ErrorField(rmErr))
		}
		m.publishTransfers()

		if cancelled || errors.Is(err, context.Canceled) {
			logger.Info("download cancelled", logger.String("objectId", obj.ID))
			return nil
		}
		logger.Error("download failed", logger.String("objectId", obj.ID), logger.ErrorField(err))
		return fmt.Errorf("download failed: %w", err)
	}

	streamURL, _, err := m.resolver.ResolveStreamingURL(ctx, obj)
	if err != nil {
		return fail(err)
	}

	err = m.fetcher.Fetch(ctx, streamURL, dest, func(written, total int64) {
		m.mu.Lock()
		current, tracked := m.active[obj.ID]
		if !tracked || current != ad {
			// Lingering callback from a transfer no longer tracked.
			m.mu.Unlock()
			return
		}
		if total > 0 {
			current.progress = float64(written) / float64(total)
		}
		m.mu.Unlock()
		m.publishTransfers()
	})
	if err != nil {
		return fail(err)
	}

	size := obj.Size
	if info, statErr := os.Stat(dest); statErr == nil {
		size = info.Size()
	}

	m.mu.Lock()
	if m.active[obj.ID] != ad {
		// Cancelled while the last bytes landed; do not trust the file.
		m.mu.Unlock()
		return fail(context.Canceled)
	}
	delete(m.active, obj.ID)
	m.index[obj.ID] = model.DownloadRecord{
		ObjectID:     obj.ID,
		BookID:       obj.BookID,
		BookTitle:    bookTitle,
		Name:         obj.Name,
		LocalPath:    dest,
		Size:         size,
		DownloadedAt: time.Now(),
	}
	m.persistLocked()
	m.mu.Unlock()

	m.publishTransfers()
	m.publishDownloads()
	logger.Info("download complete", logger.String("objectId", obj.ID), logger.Int64("size", size))
	return nil
}

// DownloadAllForBook downloads the given objects strictly one at a time,
// skipping any already downloaded. The book's batch abort flag is checked
// before each item; once set, remaining items are skipped without
// interrupting an item already running. Returns how many completed.
func (m *Manager) DownloadAllForBook(ctx context.Context, bookID, bookTitle string, objects []model.AudioObject) (int, error) {
	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return 0, ErrNotReady
	}
	delete(m.aborted, bookID) // A new batch clears a stale flag.
	m.mu.Unlock()

	completed := 0
	for _, obj := range objects {
		if m.batchAborted(bookID) {
			logger.Info("batch aborted", logger.String("bookId", bookID))
			break
		}
		if m.IsDownloaded(obj.ID) {
			continue
		}
		if err := m.DownloadFile(ctx, obj, bookTitle); err != nil {
			// Per-item isolation; the batch moves on.
			logger.Warn("batch item failed", logger.String("objectId", obj.ID), logger.ErrorField(err))
			continue
		}
		if m.IsDownloaded(obj.ID) {
			completed++
		}
	}
	return completed, nil
}

// CancelBatch sets the batch abort flag for a book.
func (m *Manager) CancelBatch(bookID string) {
	m.mu.Lock()
	m.aborted[bookID] = true
	m.mu.Unlock()
}

func (m *Manager) batchAborted(bookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted[bookID]
}

// CancelDownload aborts an in-flight transfer and removes any partial
// file whose name starts with the object id. The directory scan is
// deliberate: the exact path may not be known to the caller yet.
func (m *Manager) CancelDownload(objectID string) {
	m.mu.Lock()
	if ad, ok := m.active[objectID]; ok {
		ad.cancelled = true
		ad.cancel()
		delete(m.active, objectID)
	}
	m.mu.Unlock()

	m.removePartials(objectID)
	m.publishTransfers()
}

func (m *Manager) removePartials(objectID string) {
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), objectID+".") {
			path := filepath.Join(m.cacheDir, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove partial file", logger.String("path", path), logger.ErrorField(err))
			}
		}
	}
}

// DeleteDownload removes one cached file and its record. Also cancels the
// transfer if the object is currently in flight. A missing file is not an
// error.
func (m *Manager) DeleteDownload(objectID string) {
	m.mu.Lock()
	if ad, ok := m.active[objectID]; ok {
		ad.cancelled = true
		ad.cancel()
		delete(m.active, objectID)
	}
	rec, existed := m.index[objectID]
	if existed {
		delete(m.index, objectID)
		m.persistLocked()
	}
	m.mu.Unlock()

	if existed {
		if err := os.Remove(rec.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove cached file", logger.String("path", rec.LocalPath), logger.ErrorField(err))
		}
	}
	m.removePartials(objectID)
	m.publishTransfers()
	m.publishDownloads()
}

// DeleteDownloadsForBook removes every cached file and record for a book
// and sets the book's batch abort flag so an in-progress batch stops
// adding new items. In-flight transfers for the book are cancelled.
func (m *Manager) DeleteDownloadsForBook(bookID string) {
	m.mu.Lock()
	m.aborted[bookID] = true

	var victims []model.DownloadRecord
	for id, rec := range m.index {
		if rec.BookID == bookID {
			victims = append(victims, rec)
			delete(m.index, id)
		}
	}
	var cancelled []string
	for id, ad := range m.active {
		if ad.bookID == bookID {
			ad.cancelled = true
			ad.cancel()
			delete(m.active, id)
			cancelled = append(cancelled, id)
		}
	}
	if len(victims) > 0 {
		m.persistLocked()
	}
	m.mu.Unlock()

	for _, rec := range victims {
		if err := os.Remove(rec.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove cached file", logger.String("path", rec.LocalPath), logger.ErrorField(err))
		}
	}
	for _, id := range cancelled {
		m.removePartials(id)
	}
	m.publishTransfers()
	m.publishDownloads()
}

// DeleteAllDownloads removes every cached file and record and cancels all
// in-flight transfers.
func (m *Manager) DeleteAllDownloads() {
	m.mu.Lock()
	victims := make([]model.DownloadRecord, 0, len(m.index))
	for _, rec := range m.index {
		victims = append(victims, rec)
	}
	m.index = make(map[string]model.DownloadRecord)

	var cancelled []string
	for id, ad := range m.active {
		ad.cancelled = true
		ad.cancel()
		m.aborted[ad.bookID] = true
		cancelled = append(cancelled, id)
	}
	m.active = make(map[string]*activeDownload)
	m.persistLocked()
	m.mu.Unlock()

	for _, rec := range victims {
		if err := os.Remove(rec.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove cached file", logger.String("path", rec.LocalPath), logger.ErrorField(err))
		}
	}
	for _, id := range cancelled {
		m.removePartials(id)
	}
	m.publishTransfers()
	m.publishDownloads()
}

// IsDownloaded reports whether an object is in the cache index.
func (m *Manager) IsDownloaded(objectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[objectID]
	return ok
}

// DownloadProgress returns the fractional progress of an in-flight
// transfer, if any.
func (m *Manager) DownloadProgress(objectID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ad, ok := m.active[objectID]
	if !ok {
		return 0, false
	}
	return ad.progress, true
}

// LocalPath returns the cached file path for a downloaded object.
func (m *Manager) LocalPath(objectID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.index[objectID]
	if !ok {
		return "", false
	}
	return rec.LocalPath, true
}

// StorageUsed returns the total bytes of all cached files, per the index.
func (m *Manager) StorageUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, rec := range m.index {
		total += rec.Size
	}
	return total
}

// StorageUsedForBook returns the cached bytes for one book.
func (m *Manager) StorageUsedForBook(bookID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, rec := range m.index {
		if rec.BookID == bookID {
			total += rec.Size
		}
	}
	return total
}

// DownloadedBooks returns the ids of books with at least one cached file,
// sorted for stable output.
func (m *Manager) DownloadedBooks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, rec := range m.index {
		seen[rec.BookID] = true
	}
	books := make([]string, 0, len(seen))
	for id := range seen {
		books = append(books, id)
	}
	sort.Strings(books)
	return books
}

// Records returns a snapshot of the download index sorted by object id.
func (m *Manager) Records() []model.DownloadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordsLocked()
}

func (m *Manager) recordsLocked() []model.DownloadRecord {
	out := make([]model.DownloadRecord, 0, len(m.index))
	for _, rec := range m.index {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// ActiveTransfers returns a snapshot of in-flight transfer progress.
func (m *Manager) ActiveTransfers() []model.ActiveTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfersLocked()
}

func (m *Manager) transfersLocked() []model.ActiveTransfer {
	out := make([]model.ActiveTransfer, 0, len(m.active))
	for id, ad := range m.active {
		out = append(out, model.ActiveTransfer{ObjectID: id, BookID: ad.bookID, Progress: ad.progress})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// persistLocked re-serializes the whole index to device storage. Failure
// is logged, not surfaced: losing an index entry only costs a redundant
// re-download.
func (m *Manager) persistLocked() {
	if err := m.store.WriteDownloadIndex(m.index); err != nil {
		logger.Error("failed to persist download index", logger.ErrorField(err))
	}
}

func (m *Manager) publishDownloads() {
	if m.bus != nil {
		m.mu.Lock()
		snapshot := m.recordsLocked()
		m.mu.Unlock()
		m.bus.Publish(events.Event{Type: events.DownloadsChanged, Payload: snapshot})
	}
}

func (m *Manager) publishTransfers() {
	if m.bus != nil {
		m.mu.Lock()
		snapshot := m.transfersLocked()
		m.mu.Unlock()
		m.bus.Publish(events.Event{Type: events.TransferProgress, Payload: snapshot})
	}
}
