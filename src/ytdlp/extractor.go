package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/leeineian/sacudo/src/player"
	"github.com/leeineian/sacudo/src/sys"
)

var (
	jsOnce       sync.Once
	cachedJSArgs []string
)

// Extractor resolves user input into playable tracks via yt-dlp, with
// ytmusic/ytsearch handling free-text queries natively. It implements
// player.Extractor.
type Extractor struct {
	// PlaylistLimit caps how many entries a playlist extraction walks.
	PlaylistLimit int
}

func New() *Extractor {
	return &Extractor{PlaylistLimit: 100}
}

// newCommand returns a new yt-dlp command with sane defaults
func newCommand() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// baseArgs returns common args for yt-dlp commands
func baseArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
	)
	return args
}

// classify maps a yt-dlp failure plus its stderr onto a failure kind so
// the resolver knows what is retryable and what must surface as-is.
func classify(err error, stderr string) error {
	msg := strings.ToLower(stderr + " " + err.Error())
	switch {
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate-limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return player.Wrap(player.KindRateLimited, "extraction rate limited", err)
	case strings.Contains(msg, "sign in") ||
		strings.Contains(msg, "log in") ||
		strings.Contains(msg, "login required") ||
		strings.Contains(msg, "cookies") ||
		strings.Contains(msg, "age-restricted"):
		return player.Wrap(player.KindAuthRequired, "extraction requires authentication", err)
	case strings.Contains(msg, "not available in your country") ||
		strings.Contains(msg, "geo restriction") ||
		strings.Contains(msg, "geo-restricted") ||
		strings.Contains(msg, "blocked it in your country"):
		return player.Wrap(player.KindRegionBlocked, "source is region blocked", err)
	case strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded"):
		return player.Wrap(player.KindTimeout, "extraction timed out", err)
	case strings.Contains(msg, "video unavailable") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "private video") ||
		strings.Contains(msg, "has been removed") ||
		strings.Contains(msg, "404"):
		return player.Wrap(player.KindNotFound, "source not found", err)
	case strings.Contains(msg, "unsupported url"):
		return player.Wrap(player.KindInput, "unsupported source", err)
	default:
		return player.Wrap(player.KindInternal, "extraction failed", err)
	}
}

// Extract resolves a single input (URL or free-text query) into a Track.
func (e *Extractor) Extract(ctx context.Context, input string) (*player.Track, error) {
	sourceURL := input
	if !player.IsURL(input) && player.SpotifyKind(input) == "" {
		u, err := e.searchFirst(ctx, input)
		if err != nil {
			return nil, err
		}
		sourceURL = u
	}
	return e.resolveURL(ctx, sourceURL)
}

// searchFirst races a YouTube Music and a plain YouTube search and
// returns the watch URL of the best hit, preferring YTM.
func (e *Extractor) searchFirst(ctx context.Context, query string) (string, error) {
	var ytmURL, ytURL string
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, err := s.Next()
		if err != nil {
			return
		}
		for _, v := range r.Tracks {
			if v.VideoID != "" {
				ytmURL = "https://www.youtube.com/watch?v=" + v.VideoID
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, err := c.Search(ctx, query)
		if err != nil {
			return
		}
		for _, v := range r.Results {
			if v.VideoID != "" {
				ytURL = "https://www.youtube.com/watch?v=" + v.VideoID
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return "", player.Wrap(player.KindTimeout, "search cancelled", ctx.Err())
	}

	if ytmURL != "" {
		return ytmURL, nil
	}
	if ytURL != "" {
		return ytURL, nil
	}
	return "", player.Errf(player.KindNotFound, "no results for %q", query)
}

// resolveURL pulls metadata and a direct audio stream URL for one source.
func (e *Extractor) resolveURL(ctx context.Context, u string) (*player.Track, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd := newCommand()

	args := baseArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(thumbnail)s\t%(duration)s").
		NoPlaylist().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		sys.LogResolver("yt-dlp metadata failed for %s: %v", u, err)
		return nil, classify(err, stderr)
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		thumb := ps[2]
		if thumb == "NA" {
			thumb = ""
		}
		return player.NewTrack(u, ps[1], thumb, ps[0], "", d), nil
	}
	return nil, player.Errf(player.KindNotFound, "no playable media at %s", u)
}

// ExtractPlaylist walks a playlist lazily: entries stream out as yt-dlp
// prints them, so the first track can play before the tail is known.
func (e *Extractor) ExtractPlaylist(ctx context.Context, input string) (<-chan player.PlaylistItem, error) {
	cmd := newCommand()

	args := baseArgs()
	execCmd := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(id)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", e.PlaylistLimit)).
		NoWarnings().
		IgnoreConfig().
		BuildCommand(ctx, append(args, "--yes-playlist", input)...)

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, player.Wrap(player.KindInternal, "yt-dlp pipe", err)
	}
	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		return nil, player.Wrap(player.KindInternal, "yt-dlp start", err)
	}

	isYouTube := strings.Contains(input, "youtube.com") || strings.Contains(input, "youtu.be")

	out := make(chan player.PlaylistItem)
	go func() {
		defer close(out)

		count := 0
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ps := strings.Split(scanner.Text(), "\t")
			if len(ps) < 4 {
				continue
			}
			u, title, id := ps[0], ps[1], ps[2]
			if isYouTube && id != "" && id != "NA" {
				u = "https://www.youtube.com/watch?v=" + id
			}
			if u == "" || u == "NA" {
				continue
			}
			d, _ := time.ParseDuration(ps[3] + "s")
			count++

			item := player.PlaylistItem{Track: player.NewTrack(u, title, "", "", "", d)}
			select {
			case out <- item:
			case <-ctx.Done():
				_ = execCmd.Process.Kill()
				_ = execCmd.Wait()
				return
			}
		}

		if err := execCmd.Wait(); err != nil && count == 0 {
			sys.LogResolver("yt-dlp playlist failed for %s: %v", input, err)
			item := player.PlaylistItem{Err: classify(err, stderr.String())}
			select {
			case out <- item:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}
