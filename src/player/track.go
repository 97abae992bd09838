package player

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// FallbackTitle is used when the extraction backend returns no title.
	FallbackTitle = "Unknown Track"
	// FallbackThumbnail is used when no artwork can be derived from the source.
	FallbackThumbnail = "https://img.youtube.com/vi/default/hqdefault.jpg"
)

// Track is one playable item. It is immutable once resolved: the resolver
// builds it fully defaulted, and afterwards exactly one queue slot or one
// session "current" slot owns it.
type Track struct {
	ID           string
	SourceURL    string
	Title        string
	ThumbnailURL string
	Duration     time.Duration
	RequestedBy  string
	StreamURL    string
	Volume       *int // optional per-track override, nil means session volume
}

// NewTrack builds a resolved Track, filling in fallbacks for metadata the
// backend could not provide.
func NewTrack(sourceURL, title, thumbnail, streamURL, requestedBy string, duration time.Duration) *Track {
	if title == "" || title == "NA" {
		title = FallbackTitle
	}
	if thumbnail == "" {
		if id := ExtractVideoID(sourceURL); id != "" {
			thumbnail = fmt.Sprintf("https://img.youtube.com/vi/%s/hqdefault.jpg", id)
		} else {
			thumbnail = FallbackThumbnail
		}
	}
	if streamURL == "" {
		streamURL = sourceURL
	}
	return &Track{
		ID:           uuid.NewString(),
		SourceURL:    sourceURL,
		Title:        title,
		ThumbnailURL: thumbnail,
		Duration:     duration,
		RequestedBy:  requestedBy,
		StreamURL:    streamURL,
	}
}

// EffectiveVolume returns the per-track override if set, else the session volume.
func (t *Track) EffectiveVolume(sessionVolume int) int {
	if t.Volume != nil {
		return *t.Volume
	}
	return sessionVolume
}
