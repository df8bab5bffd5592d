package model

import "time"

// DownloadRecord is the durable local index entry for one cached audio
// object. Created only when a transfer completes; its LocalPath is
// re-verified against the filesystem at every startup.
type DownloadRecord struct {
	ObjectID     string    `json:"objectId"`
	BookID       string    `json:"bookId"`
	BookTitle    string    `json:"bookTitle"`
	Name         string    `json:"name"`
	LocalPath    string    `json:"localPath"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// ActiveTransfer is the ephemeral progress of one in-flight download.
// Never persisted.
type ActiveTransfer struct {
	ObjectID string  `json:"objectId"`
	BookID   string  `json:"bookId"`
	Progress float64 `json:"progress"` // Fractional, in [0,1].
}
