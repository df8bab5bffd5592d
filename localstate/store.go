package localstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"shelfstream/model"
)

var (
	bucketSettings  = []byte("settings")
	bucketDownloads = []byte("downloads")
	bucketRecovery  = []byte("recovery")

	keyPlaybackRate = []byte("playbackRate")
	keyRecoverySlot = []byte("pending")
)

// Store is the durable local device store: the playback-rate default, the
// download index, and the at-most-one crash-recovery slot. One Store per
// process; all buckets live in a single bbolt file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the device store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSettings, bucketDownloads, bucketRecovery} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize device store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PlaybackRate returns the persisted cross-session playback rate default.
// ok is false when no rate has ever been saved.
func (s *Store) PlaybackRate() (rate float64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettings).Get(keyPlaybackRate)
		if raw == nil {
			return nil
		}
		parsed, perr := strconv.ParseFloat(string(raw), 64)
		if perr != nil {
			return fmt.Errorf("corrupt playback rate value %q: %w", raw, perr)
		}
		rate, ok = parsed, true
		return nil
	})
	return rate, ok, err
}

// SetPlaybackRate persists the cross-session playback rate default.
func (s *Store) SetPlaybackRate(rate float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyPlaybackRate, []byte(strconv.FormatFloat(rate, 'f', -1, 64)))
	})
}

// DownloadIndex reads the full download index, keyed by audio object id.
func (s *Store) DownloadIndex() (map[string]model.DownloadRecord, error) {
	index := make(map[string]model.DownloadRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDownloads).ForEach(func(k, v []byte) error {
			var rec model.DownloadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt download record %q: %w", k, err)
			}
			index[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}

// WriteDownloadIndex replaces the persisted download index wholesale.
func (s *Store) WriteDownloadIndex(index map[string]model.DownloadRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDownloads); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDownloads)
		if err != nil {
			return err
		}
		for id, rec := range index {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecoverySlot reads the pending crash-recovery record, or nil if empty.
func (s *Store) RecoverySlot() (*model.RecoveryRecord, error) {
	var rec *model.RecoveryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecovery).Get(keyRecoverySlot)
		if raw == nil {
			return nil
		}
		rec = &model.RecoveryRecord{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return fmt.Errorf("corrupt recovery record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRecoverySlot overwrites the crash-recovery slot.
func (s *Store) PutRecoverySlot(rec model.RecoveryRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecovery).Put(keyRecoverySlot, raw)
	})
}

// ClearRecoverySlot deletes the crash-recovery slot if present.
func (s *Store) ClearRecoverySlot() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecovery).Delete(keyRecoverySlot)
	})
}
