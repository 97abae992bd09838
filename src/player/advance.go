package player

import (
	"context"

	"github.com/leeineian/sacudo/src/sys"
)

// watchPlayback waits for the completion signal of one started playback.
// Each playback carries a generation tag; a watcher whose generation was
// superseded by skip/stop/play-now returns without acting, so a user
// command racing a completion yields exactly one advancement each.
func (s *Session) watchPlayback(gen uint64, t *Track, done <-chan error) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogPlayer("CRITICAL: playback watcher panic recovered in guild %s: %v", s.GuildID, r)
		}
	}()

	var err error
	select {
	case err = <-done:
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.playGen {
		// Superseded while we waited; the newer command already advanced.
		return
	}

	if err != nil {
		// Transport-level failure: head toward Disconnected and keep the
		// queue so the user can rejoin without losing pending tracks.
		// The track may have partially played, so it is not retried.
		sys.LogPlayer("Transport failure during %s in guild %s: %v", t.SourceURL, s.GuildID, err)
		s.playGen++
		if s.trackCancel != nil {
			s.trackCancel()
			s.trackCancel = nil
		}
		s.current = nil
		s.state = StateDisconnected
		handle := s.handle
		s.handle = nil
		if handle != nil {
			go func() {
				_ = handle.Leave(context.Background())
			}()
		}
		s.emitSongLocked()
		return
	}

	if aerr := s.advanceLocked(); aerr != nil {
		sys.LogPlayer("Advance failed in guild %s: %v", s.GuildID, aerr)
	}
}

// advanceLocked moves to the next queued track, or Idle when none is
// left. Shared by Skip and normal track completion.
func (s *Session) advanceLocked() error {
	s.playGen++
	if s.trackCancel != nil {
		s.trackCancel()
		s.trackCancel = nil
	}
	next := s.queue.PopFront()
	if next == nil {
		s.current = nil
		if s.state == StatePlaying || s.state == StatePaused {
			s.state = StateIdle
		}
		s.emitSongLocked()
		s.emitQueueLocked()
		return nil
	}
	return s.startPlaybackLocked(next)
}
