package player

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	videoIDRegex    = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	shortLinkRegex  = regexp.MustCompile(`youtu\.be/([0-9A-Za-z_-]{11})`)
	spotifyURLRegex = regexp.MustCompile(`(?:https?://)?(?:open\.)?spotify\.com/(track|playlist|album)/([a-zA-Z0-9]+)`)
	spotifyURIRegex = regexp.MustCompile(`^spotify:(track|playlist|album):([a-zA-Z0-9]+)`)
)

// ExtractVideoID pulls the YouTube video id out of watch and short-link
// URL forms, returning "" for anything else.
func ExtractVideoID(u string) string {
	if m := videoIDRegex.FindStringSubmatch(u); len(m) == 2 {
		id := m[1]
		if i := strings.IndexAny(id, "&?"); i >= 0 {
			id = id[:i]
		}
		return id
	}
	if m := shortLinkRegex.FindStringSubmatch(u); len(m) == 2 {
		return m[1]
	}
	return ""
}

// SpotifyKind reports the Spotify resource type ("track", "playlist",
// "album") for URL and URI forms, or "" when the input is not Spotify.
func SpotifyKind(input string) string {
	if m := spotifyURLRegex.FindStringSubmatch(input); len(m) == 3 {
		return m[1]
	}
	if m := spotifyURIRegex.FindStringSubmatch(input); len(m) == 3 {
		return m[1]
	}
	return ""
}

// IsURL reports whether input parses as an absolute http(s) URL.
func IsURL(input string) bool {
	u, err := url.Parse(input)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsPlaylistInput reports whether input names a multi-track source:
// a YouTube list parameter or a Spotify playlist/album.
func IsPlaylistInput(input string) bool {
	if strings.Contains(input, "list=") {
		return true
	}
	kind := SpotifyKind(input)
	return kind == "playlist" || kind == "album"
}

// PlaylistItem is one element of a lazy playlist resolution. Either
// Track or Err is set; a failed element never aborts the remainder.
type PlaylistItem struct {
	Track *Track
	Err   error
}

// Extractor is the external extraction backend. Implementations must
// return kinded errors (see Kind) and honor context cancellation.
type Extractor interface {
	Extract(ctx context.Context, input string) (*Track, error)
	ExtractPlaylist(ctx context.Context, input string) (<-chan PlaylistItem, error)
}

// ResolverConfig bounds the resolver's retry and timing behavior.
type ResolverConfig struct {
	MaxAttempts    int           // total attempts per input, including the first
	BackoffBase    time.Duration // doubled per retry
	AttemptTimeout time.Duration // per-attempt bound
	RatePerSecond  float64       // backend call budget shared across tenants
	RateBurst      int
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	return c
}

// Resolver turns raw user input into playable tracks via the extraction
// backend, retrying only RateLimited and Timeout failures.
type Resolver struct {
	backend Extractor
	cfg     ResolverConfig
	limiter *rate.Limiter
}

func NewResolver(backend Extractor, cfg ResolverConfig) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
}

// Resolve classifies input and extracts a single Track. Blank input is
// rejected up front without touching the backend.
func (r *Resolver) Resolve(ctx context.Context, input, requestedBy string) (*Track, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, Errf(KindInput, "empty query")
	}

	var track *Track
	err := r.withRetry(ctx, func(attemptCtx context.Context) error {
		t, err := r.backend.Extract(attemptCtx, input)
		if err != nil {
			return err
		}
		track = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	track.RequestedBy = requestedBy
	return track, nil
}

// ResolvePlaylist lazily extracts a finite sequence of tracks so playback
// can start before the whole playlist is known. The returned channel is
// closed when the sequence ends; it cannot be restarted.
func (r *Resolver) ResolvePlaylist(ctx context.Context, input, requestedBy string) (<-chan PlaylistItem, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, Errf(KindInput, "empty query")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Wrap(KindTimeout, "rate limiter", err)
	}

	items, err := r.backend.ExtractPlaylist(ctx, input)
	if err != nil {
		return nil, err
	}

	out := make(chan PlaylistItem)
	go func() {
		defer close(out)
		for item := range items {
			if item.Track != nil {
				item.Track.RequestedBy = requestedBy
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// withRetry runs fn up to MaxAttempts times, backing off between
// retryable failures. Context cancellation wins over retries.
func (r *Resolver) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.BackoffBase << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Wrap(KindTimeout, "cancelled during backoff", ctx.Err())
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return Wrap(KindTimeout, "rate limiter", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && KindOf(err) == KindInternal {
			err = Wrap(KindTimeout, "extraction attempt timed out", err)
		}
		lastErr = err
		if ctx.Err() != nil {
			return Wrap(KindTimeout, "cancelled", ctx.Err())
		}
		if !Retryable(err) {
			return err
		}
	}
	return lastErr
}
