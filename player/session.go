package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"shelfstream/catalog"
	"shelfstream/config"
	"shelfstream/events"
	"shelfstream/localstate"
	"shelfstream/logger"
	"shelfstream/model"
)

// Catalog is the slice of the catalog API the session uses.
type Catalog interface {
	ResolveStreamingURL(ctx context.Context, obj model.AudioObject) (string, time.Time, error)
	SaveProgress(ctx context.Context, rec model.ProgressRecord) error
	GetProgress(ctx context.Context, bookID string) (*model.ProgressRecord, error)
}

// ResumeOptions override the starting position and rate for one Play.
type ResumeOptions struct {
	Position float64
	Rate     float64
}

const defaultSkip = 15.0

// Session is the single process-wide playback state machine. At most one
// track is active; starting a new one flushes a save for the old one
// first, with the old track's identity captured at flush time.
type Session struct {
	catalog   Catalog
	state     *localstate.Store
	transport Transport
	bus       *events.Bus

	saveInterval   time.Duration
	saveThreshold  float64
	recoveryWindow time.Duration

	// opMu serializes track transitions (Play/Stop); mu protects fields.
	opMu sync.Mutex
	mu   sync.Mutex

	track       *model.TrackDescriptor
	playing     bool
	loading     bool
	expanded    bool
	rate        float64 // Cross-session default.
	currentRate float64 // Effective rate for the active track.
	duration    float64

	pendingSeek    float64
	hasPendingSeek bool

	lastSavedObject string
	lastSavedPos    float64
	hasSaved        bool

	stopSaver chan struct{}
	saverOnce sync.Once
}

// NewSession creates the playback session and starts its periodic saver.
func NewSession(cat Catalog, state *localstate.Store, transport Transport, bus *events.Bus, cfg *config.Config) *Session {
	rate := 1.0
	if saved, ok, err := state.PlaybackRate(); err != nil {
		logger.Warn("failed to read playback rate default", logger.ErrorField(err))
	} else if ok {
		rate = saved
	}

	s := &Session{
		catalog:        cat,
		state:          state,
		transport:      transport,
		bus:            bus,
		saveInterval:   cfg.SaveInterval,
		saveThreshold:  cfg.SaveThreshold,
		recoveryWindow: cfg.RecoveryWindow,
		rate:           rate,
		currentRate:    rate,
		stopSaver:      make(chan struct{}),
	}
	go s.saverLoop()
	return s
}

// RecoverCrashSave flushes a pending crash-recovery record to the catalog
// if it is fresh enough, then clears the slot. A stale record is dropped
// without flushing. Call once at startup.
func (s *Session) RecoverCrashSave(ctx context.Context) {
	rec, err := s.state.RecoverySlot()
	if err != nil {
		logger.Warn("failed to read crash-recovery slot", logger.ErrorField(err))
		return
	}
	if rec == nil {
		return
	}

	if time.Since(rec.SavedAt) > s.recoveryWindow {
		logger.Debug("dropping stale crash-recovery record", logger.String("bookId", rec.BookID))
		if err := s.state.ClearRecoverySlot(); err != nil {
			logger.Warn("failed to clear crash-recovery slot", logger.ErrorField(err))
		}
		return
	}

	// Fresh record wins over whatever the catalog has: last write wins.
	err = s.catalog.SaveProgress(ctx, model.ProgressRecord{
		BookID:        rec.BookID,
		AudioObjectID: rec.AudioObjectID,
		Position:      rec.Position,
		Rate:          rec.Rate,
		ListenedAt:    rec.SavedAt,
	})
	if err != nil {
		// Leave the slot in place; the next startup retries.
		logger.Warn("failed to flush crash-recovery record", logger.ErrorField(err))
		return
	}
	logger.Info("flushed crash-recovery record",
		logger.String("bookId", rec.BookID), logger.Float64("position", rec.Position))
	if err := s.state.ClearRecoverySlot(); err != nil {
		logger.Warn("failed to clear crash-recovery slot", logger.ErrorField(err))
	}
}

// Play starts playback of a track. If the track is already active it
// resumes in place. Otherwise the outgoing track's position is flushed
// first, then a fresh streaming URL is resolved and the stream loaded; a
// resume position is buffered and applied only when the stream reports
// ready. On any failure the session falls back to idle.
func (s *Session) Play(ctx context.Context, track model.TrackDescriptor, opts *ResumeOptions) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.track != nil && s.track.Object.ID == track.Object.ID && !s.loading {
		s.playing = true
		s.mu.Unlock()
		s.transport.Play()
		s.publish()
		return nil
	}

	outgoing := s.savePayloadLocked()

	s.track = &track
	s.loading = true
	s.playing = false
	s.duration = track.Object.Duration
	s.hasSaved = false
	s.lastSavedObject = ""
	s.lastSavedPos = 0

	rate := s.rate
	if opts != nil && opts.Rate > 0 {
		rate = opts.Rate
	}
	s.currentRate = rate

	initial := 0.0
	if opts != nil && opts.Position > 0 {
		initial = opts.Position
	}
	s.pendingSeek = initial
	s.hasPendingSeek = initial > 0
	s.mu.Unlock()

	// The outgoing flush completes before the new track is authoritative.
	if outgoing != nil {
		s.transmit(ctx, *outgoing)
	}
	s.publish()

	streamURL, _, err := s.catalog.ResolveStreamingURL(ctx, track.Object)
	if err != nil {
		s.toIdle()
		return fmt.Errorf("failed to resolve stream URL: %w", err)
	}

	if err := s.transport.Load(ctx, streamURL, s.onReady); err != nil {
		s.toIdle()
		return fmt.Errorf("failed to load stream: %w", err)
	}

	s.transport.SetRate(rate)
	s.transport.Play()
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	s.publish()
	return nil
}

// PlayFromProgress fetches the book's saved progress and resumes the
// track from it. The saved position is re-validated against the track's
// current duration; a saved rate overrides the session default for this
// track only.
func (s *Session) PlayFromProgress(ctx context.Context, track model.TrackDescriptor) error {
	rec, err := s.catalog.GetProgress(ctx, track.Object.BookID)
	if errors.Is(err, catalog.ErrUnauthorized) {
		return err
	}
	if err != nil {
		logger.Warn("failed to fetch progress, starting from zero", logger.ErrorField(err))
		rec = nil
	}

	var opts *ResumeOptions
	if rec != nil && rec.AudioObjectID == track.Object.ID {
		pos := rec.Position
		if track.Object.Duration > 0 && pos > track.Object.Duration {
			pos = track.Object.Duration
		}
		opts = &ResumeOptions{Position: pos, Rate: rec.Rate}
	}
	return s.Play(ctx, track, opts)
}

// onReady runs when the transport reports the stream is seekable: the
// buffered resume target is clamped to the real duration and applied now,
// never earlier.
func (s *Session) onReady(duration float64) {
	s.mu.Lock()
	s.duration = duration
	s.loading = false
	apply := s.hasPendingSeek
	target := s.pendingSeek
	s.hasPendingSeek = false
	s.mu.Unlock()

	if apply {
		if target > duration {
			target = duration
		}
		if err := s.transport.Seek(target); err != nil {
			logger.Warn("failed to apply resume position", logger.ErrorField(err))
		}
	}
	s.publish()
}

// Pause pauses playback and immediately flushes a position save.
func (s *Session) Pause(ctx context.Context) {
	s.mu.Lock()
	if s.track == nil {
		s.mu.Unlock()
		return
	}
	s.playing = false
	s.mu.Unlock()
	s.transport.Pause()
	s.saveNow(ctx)
	s.publish()
}

// TogglePlayPause flips between playing and paused.
func (s *Session) TogglePlayPause(ctx context.Context) {
	s.mu.Lock()
	if s.track == nil {
		s.mu.Unlock()
		return
	}
	playing := s.playing
	s.mu.Unlock()

	if playing {
		s.Pause(ctx)
		return
	}
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	s.transport.Play()
	s.publish()
}

// Seek jumps to a position, clamped to [0, duration].
func (s *Session) Seek(position float64) {
	s.mu.Lock()
	if s.track == nil {
		s.mu.Unlock()
		return
	}
	if position < 0 {
		position = 0
	}
	if s.duration > 0 && position > s.duration {
		position = s.duration
	}
	s.mu.Unlock()

	if err := s.transport.Seek(position); err != nil {
		logger.Warn("seek failed", logger.ErrorField(err))
	}
	s.publish()
}

// SkipForward jumps ahead by seconds (default 15).
func (s *Session) SkipForward(seconds float64) {
	if seconds <= 0 {
		seconds = defaultSkip
	}
	s.Seek(s.transport.Position() + seconds)
}

// SkipBackward jumps back by seconds (default 15).
func (s *Session) SkipBackward(seconds float64) {
	if seconds <= 0 {
		seconds = defaultSkip
	}
	s.Seek(s.transport.Position() - seconds)
}

// SetRate updates the cross-session default rate, persists it to device
// storage (best-effort), applies it to the active stream, and flushes a
// position save.
func (s *Session) SetRate(ctx context.Context, rate float64) {
	if rate <= 0 {
		return
	}
	s.mu.Lock()
	s.rate = rate
	s.currentRate = rate
	hasTrack := s.track != nil
	s.mu.Unlock()

	if err := s.state.SetPlaybackRate(rate); err != nil {
		logger.Warn("failed to persist playback rate", logger.ErrorField(err))
	}
	if hasTrack {
		s.transport.SetRate(rate)
		s.saveNow(ctx)
	}
	s.publish()
}

// SetExpanded toggles the expanded/collapsed presentation flag.
func (s *Session) SetExpanded(expanded bool) {
	s.mu.Lock()
	s.expanded = expanded
	s.mu.Unlock()
	s.publish()
}

// Stop flushes a save, tears down the stream, and returns to idle.
func (s *Session) Stop(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.saveNow(ctx)
	if err := s.transport.Close(); err != nil {
		logger.Warn("failed to close transport", logger.ErrorField(err))
	}
	s.toIdle()
}

// Shutdown writes the crash-recovery record for the active track, stops
// the periodic saver, and tears down the transport. It is the
// about-to-terminate path and must never fail the caller.
func (s *Session) Shutdown() {
	s.mu.Lock()
	var rec *model.RecoveryRecord
	if s.track != nil {
		rec = &model.RecoveryRecord{
			BookID:        s.track.Object.BookID,
			AudioObjectID: s.track.Object.ID,
			Position:      s.transport.Position(),
			Rate:          s.currentRate,
			SavedAt:       time.Now(),
		}
	}
	s.mu.Unlock()

	if rec != nil {
		if err := s.state.PutRecoverySlot(*rec); err != nil {
			logger.Warn("failed to write crash-recovery record", logger.ErrorField(err))
		}
	}

	s.saverOnce.Do(func() { close(s.stopSaver) })
	if err := s.transport.Close(); err != nil {
		logger.Warn("failed to close transport", logger.ErrorField(err))
	}
}

// State returns a snapshot of the playback state.
func (s *Session) State() model.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := model.PlaybackState{
		Playing:  s.playing,
		Loading:  s.loading,
		Duration: s.duration,
		Rate:     s.currentRate,
		Expanded: s.expanded,
	}
	if s.track != nil {
		trackCopy := *s.track
		state.Track = &trackCopy
		state.Position = s.transport.Position()
	}
	return state
}

func (s *Session) saverLoop() {
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSaver:
			return
		case <-ticker.C:
			s.mu.Lock()
			playing := s.playing && s.track != nil
			s.mu.Unlock()
			if playing {
				s.saveNow(context.Background())
			}
		}
	}
}

// saveNow flushes the current position if it moved at least the minimum
// threshold since the last transmitted save. A save is a remote write, so
// the threshold keeps timer jitter from producing redundant writes.
func (s *Session) saveNow(ctx context.Context) {
	s.mu.Lock()
	rec := s.savePayloadLocked()
	s.mu.Unlock()
	if rec != nil {
		s.transmit(ctx, *rec)
	}
}

// savePayloadLocked builds the save payload, capturing track identity at
// flush time, and applies the threshold check. Returns nil when nothing
// should be transmitted.
func (s *Session) savePayloadLocked() *model.ProgressRecord {
	if s.track == nil {
		return nil
	}

	pos := s.transport.Position()
	objectID := s.track.Object.ID
	if s.hasSaved && s.lastSavedObject == objectID && math.Abs(pos-s.lastSavedPos) < s.saveThreshold {
		return nil
	}

	s.hasSaved = true
	s.lastSavedObject = objectID
	s.lastSavedPos = pos

	return &model.ProgressRecord{
		BookID:        s.track.Object.BookID,
		AudioObjectID: objectID,
		Position:      pos,
		Rate:          s.currentRate,
		ListenedAt:    time.Now(),
	}
}

func (s *Session) transmit(ctx context.Context, rec model.ProgressRecord) {
	if err := s.catalog.SaveProgress(ctx, rec); err != nil {
		logger.Warn("failed to save progress",
			logger.String("bookId", rec.BookID), logger.ErrorField(err))
	}
}

func (s *Session) toIdle() {
	s.mu.Lock()
	s.track = nil
	s.playing = false
	s.loading = false
	s.duration = 0
	s.hasPendingSeek = false
	s.mu.Unlock()
	s.publish()
}

func (s *Session) publish() {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.PlaybackChanged, Payload: s.State()})
	}
}
