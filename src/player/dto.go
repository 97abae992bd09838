package player

import (
	"time"

	"github.com/disgoorg/omit"
)

// TrackInfo is the outward JSON shape of a Track, shared by pull reads
// and push events.
type TrackInfo struct {
	ID           string  `json:"id"`
	SourceURL    string  `json:"source_url"`
	Title        string  `json:"title"`
	ThumbnailURL string  `json:"thumbnail_url"`
	DurationSecs float64 `json:"duration_secs"`
	RequestedBy  string  `json:"requested_by"`
}

func trackInfo(t *Track) TrackInfo {
	return TrackInfo{
		ID:           t.ID,
		SourceURL:    t.SourceURL,
		Title:        t.Title,
		ThumbnailURL: t.ThumbnailURL,
		DurationSecs: t.Duration.Round(time.Second).Seconds(),
		RequestedBy:  t.RequestedBy,
	}
}

func trackInfos(tracks []*Track) []TrackInfo {
	out := make([]TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, trackInfo(t))
	}
	return out
}

// SessionState is the authoritative full-state read returned to the
// control surface and the dashboard. Push events are a latency
// optimization layered on top of this.
type SessionState struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	State          string               `json:"state"`
	IsPlaying      bool                 `json:"is_playing"`
	IsPaused       bool                 `json:"is_paused"`
	VoiceConnected bool                 `json:"voice_connected"`
	Volume         int                  `json:"volume"`
	CurrentSong    omit.Omit[*TrackInfo] `json:"current_song,omitzero"`
	Queue          []TrackInfo          `json:"queue"`
	QueueLength    int                  `json:"queue_length"`
	MemberCount    int                  `json:"member_count"`
}

// SongUpdate is the payload of an EventSongUpdate.
type SongUpdate struct {
	GuildID     string               `json:"guild_id"`
	CurrentSong omit.Omit[*TrackInfo] `json:"current_song,omitzero"`
	IsPlaying   bool                 `json:"is_playing"`
	IsPaused    bool                 `json:"is_paused"`
}

// QueueUpdate is the payload of an EventQueueUpdate.
type QueueUpdate struct {
	GuildID     string      `json:"guild_id"`
	Queue       []TrackInfo `json:"queue"`
	QueueLength int         `json:"queue_length"`
}
