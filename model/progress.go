package model

import "time"

// ProgressRecord is the durable per-book listening position kept by the
// remote catalog. Position must be clamped against the current duration
// of the referenced object before it is applied to a resume.
type ProgressRecord struct {
	BookID        string    `json:"bookId"`
	AudioObjectID string    `json:"audioObjectId"`
	Position      float64   `json:"position"` // Seconds.
	Rate          float64   `json:"rate"`
	ListenedAt    time.Time `json:"listenedAt"`
}

// RecoveryRecord is the at-most-one crash-recovery entry written to local
// device storage when the process is about to terminate. It is flushed to
// the catalog on the next startup if still fresh, then deleted.
type RecoveryRecord struct {
	BookID        string    `json:"bookId"`
	AudioObjectID string    `json:"audioObjectId"`
	Position      float64   `json:"position"`
	Rate          float64   `json:"rate"`
	SavedAt       time.Time `json:"savedAt"`
}
