package model

// AudioObject identifies one uploaded audio file belonging to a book.
// Immutable once registered except for PartNumber, which the catalog
// reassigns through an explicit reorder.
type AudioObject struct {
	ID         string  `json:"id"`
	BookID     string  `json:"bookId"`
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Duration   float64 `json:"duration"` // Seconds; 0 until the catalog has probed the file.
	Format     string  `json:"format"`   // File extension without the dot, e.g. "mp3".
	PartNumber int     `json:"partNumber"`
}

// TrackDescriptor bundles an audio object with the presentation context
// needed to drive playback. Built fresh each time playback starts.
type TrackDescriptor struct {
	Object      AudioObject `json:"object"`
	BookTitle   string      `json:"bookTitle"`
	CoverPath   string      `json:"coverPath"`
	SeriesName  string      `json:"seriesName,omitempty"`
	SeriesOrder string      `json:"seriesOrder,omitempty"`
	TotalParts  int         `json:"totalParts"`
}

// PlaybackState is a snapshot of the playback session, as exposed to the
// presentation layer. Track is nil when nothing is loaded.
type PlaybackState struct {
	Track    *TrackDescriptor `json:"track"`
	Playing  bool             `json:"playing"`
	Loading  bool             `json:"loading"`
	Position float64          `json:"position"` // Seconds.
	Duration float64          `json:"duration"` // Seconds.
	Rate     float64          `json:"rate"`
	Expanded bool             `json:"expanded"`
}

// HasTrack reports whether a track is loaded.
func (s *PlaybackState) HasTrack() bool {
	return s != nil && s.Track != nil
}
