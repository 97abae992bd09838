package player

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/sacudo/src/sys"
)

// MaxVolume is the inclusive upper bound for session and track volume.
const MaxVolume = 150

// DefaultVolume is used when no per-guild setting is stored.
const DefaultVolume = 100

// VoiceTransport connects sessions to voice channels. Implementations
// live outside the core (see src/discord).
type VoiceTransport interface {
	Join(ctx context.Context, guildID, channelID snowflake.ID) (VoiceHandle, error)
}

// VoiceHandle is one live voice connection. Play returns a channel that
// yields exactly one value when the track ends: nil on normal completion,
// an error on a transport-level failure. Cancelling the play context
// stops the audio without a completion signal being acted on.
type VoiceHandle interface {
	Play(ctx context.Context, streamURL string, volume int) (<-chan error, error)
	Pause(paused bool)
	SetVolume(volume int)
	Leave(ctx context.Context) error
}

// SessionConfig carries the per-guild knobs a session starts with.
type SessionConfig struct {
	Volume      int
	Dedup       DedupPolicy
	JoinTimeout time.Duration
}

// Session owns one guild's queue, playback state and voice handle.
// Every mutation runs under mu: commands from the control surface and
// the playback watcher serialize through it, so cross-guild operations
// run in parallel while same-guild operations apply in arrival order.
type Session struct {
	GuildID snowflake.ID

	transport   VoiceTransport
	resolver    *Resolver
	broadcaster *Broadcaster

	mu           sync.Mutex
	name         string
	channelID    snowflake.ID
	state        State
	current      *Track
	queue        *Queue
	volume       int
	handle       VoiceHandle
	lastActivity time.Time

	// epoch invalidates in-flight resolutions on Stop; playGen
	// invalidates playback watchers on skip/stop/play-now.
	epoch          uint64
	playGen        uint64
	trackCancel    context.CancelFunc
	resolveCancels map[uint64]context.CancelFunc
	resolveSeq     uint64

	joinTimeout time.Duration
	memberCount func() int
	onVolume    func(int)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(guildID snowflake.ID, transport VoiceTransport, resolver *Resolver, broadcaster *Broadcaster, cfg SessionConfig) *Session {
	if cfg.Volume <= 0 || cfg.Volume > MaxVolume {
		cfg.Volume = DefaultVolume
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		GuildID:        guildID,
		transport:      transport,
		resolver:       resolver,
		broadcaster:    broadcaster,
		state:          StateDisconnected,
		queue:          NewQueue(cfg.Dedup),
		volume:         cfg.Volume,
		joinTimeout:    cfg.JoinTimeout,
		resolveCancels: make(map[uint64]context.CancelFunc),
		lastActivity:   time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetName records the guild's display name for outward reads.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// SetMemberCounter injects the voice-channel member count source.
func (s *Session) SetMemberCounter(fn func() int) {
	s.mu.Lock()
	s.memberCount = fn
	s.mu.Unlock()
}

// OnVolumeChange installs a hook called after each accepted volume change,
// used by the command surface to persist the guild default.
func (s *Session) OnVolumeChange(fn func(int)) {
	s.mu.Lock()
	s.onVolume = fn
	s.mu.Unlock()
}

// Join connects the session to a voice channel. Joining is time-bounded;
// a transport failure reports TransportError and leaves the session
// Disconnected with its queue intact.
func (s *Session) Join(ctx context.Context, channelID snowflake.ID) error {
	s.mu.Lock()
	if s.state.Connected() && s.channelID == channelID {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateConnecting {
		s.mu.Unlock()
		return Errf(KindState, "voice join already in progress")
	}
	s.state = StateConnecting
	s.channelID = channelID
	s.touchLocked()
	s.mu.Unlock()

	jctx, cancel := context.WithTimeout(ctx, s.joinTimeout)
	defer cancel()
	handle, err := s.transport.Join(jctx, s.GuildID, channelID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateDisconnected
		return Wrap(KindTransport, "voice join failed", err)
	}
	if s.ctx.Err() != nil {
		go handle.Leave(context.Background())
		return Errf(KindState, "session closed")
	}
	s.handle = handle
	s.state = StateIdle
	sys.LogPlayer("Joined channel %s in guild %s", channelID, s.GuildID)
	return nil
}

// Play resolves input and either starts playback (returned position 0)
// or appends to the queue (returned position is 1-based). A resolution
// superseded by Stop is abandoned without enqueuing its result.
func (s *Session) Play(ctx context.Context, input, requestedBy string) (*Track, int, error) {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		return nil, 0, Errf(KindState, "not connected to a voice channel")
	}
	epoch := s.epoch
	rctx, finish := s.registerResolveLocked(ctx)
	s.touchLocked()
	s.mu.Unlock()

	t, err := s.resolver.Resolve(rctx, input, requestedBy)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Read supersession before finish: finish cancels rctx itself.
	superseded := s.epoch != epoch || rctx.Err() != nil
	finish()
	if err != nil {
		return nil, 0, err
	}
	if superseded {
		return nil, 0, Errf(KindState, "superseded before resolution finished")
	}

	switch s.state {
	case StatePlaying, StatePaused:
		pos, err := s.queue.Enqueue(t)
		if err != nil {
			return nil, 0, err
		}
		s.emitQueueLocked()
		return t, pos, nil
	case StateIdle:
		if err := s.startPlaybackLocked(t); err != nil {
			return nil, 0, err
		}
		return t, 0, nil
	default:
		return nil, 0, Errf(KindState, "not connected to a voice channel")
	}
}

// PlayPlaylist lazily resolves a playlist, starting playback on the first
// usable entry while the rest stream into the queue. Elements that fail
// to resolve are skipped. Returns how many tracks were accepted.
func (s *Session) PlayPlaylist(ctx context.Context, input, requestedBy string) (int, error) {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		return 0, Errf(KindState, "not connected to a voice channel")
	}
	epoch := s.epoch
	rctx, finish := s.registerResolveLocked(ctx)
	s.mu.Unlock()

	items, err := s.resolver.ResolvePlaylist(rctx, input, requestedBy)
	if err != nil {
		s.mu.Lock()
		finish()
		s.mu.Unlock()
		return 0, err
	}

	accepted := 0
	for item := range items {
		if item.Err != nil {
			sys.LogPlayer("Skipping playlist entry in guild %s: %v", s.GuildID, item.Err)
			continue
		}
		s.mu.Lock()
		if s.epoch != epoch || rctx.Err() != nil || !s.state.Connected() {
			s.mu.Unlock()
			break
		}
		if s.state == StateIdle {
			if err := s.startPlaybackLocked(item.Track); err != nil {
				s.mu.Unlock()
				sys.LogPlayer("Playlist playback start failed in guild %s: %v", s.GuildID, err)
				continue
			}
		} else {
			if _, err := s.queue.Enqueue(item.Track); err != nil {
				s.mu.Unlock()
				continue
			}
			s.emitQueueLocked()
		}
		accepted++
		s.mu.Unlock()
	}

	s.mu.Lock()
	finish()
	s.mu.Unlock()
	return accepted, nil
}

// Skip advances past the current track: next queue head starts playing,
// or the session goes Idle when the queue is empty. The superseded
// playback's completion signal is invalidated so it cannot double-advance.
func (s *Session) Skip() (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying && s.state != StatePaused {
		return nil, Errf(KindState, "nothing is playing")
	}
	skipped := s.current
	s.touchLocked()
	return skipped, s.advanceLocked()
}

// Pause suspends playback. Only valid while Playing.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return Errf(KindState, "cannot pause while %s", s.state)
	}
	s.state = StatePaused
	if s.handle != nil {
		s.handle.Pause(true)
	}
	s.touchLocked()
	s.emitSongLocked()
	return nil
}

// Resume continues playback. Only valid while Paused.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return Errf(KindState, "cannot resume while %s", s.state)
	}
	s.state = StatePlaying
	if s.handle != nil {
		s.handle.Pause(false)
	}
	s.touchLocked()
	s.emitSongLocked()
	return nil
}

// Stop drops the current track AND clears the whole queue. That the
// queue is cleared too is a product rule, not an accident.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	s.epoch++
	for id, cancel := range s.resolveCancels {
		cancel()
		delete(s.resolveCancels, id)
	}
	s.playGen++
	if s.trackCancel != nil {
		s.trackCancel()
		s.trackCancel = nil
	}
	s.queue.Clear()
	s.current = nil
	if s.state.Connected() {
		s.state = StateIdle
	}
	s.touchLocked()
	s.emitSongLocked()
	s.emitQueueLocked()
}

// SetVolume applies v to the session and the live connection. Values
// outside [0,150] are rejected, never clamped.
func (s *Session) SetVolume(v int) error {
	if v < 0 || v > MaxVolume {
		return Errf(KindInput, "volume %d out of range [0,%d]", v, MaxVolume)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	if s.handle != nil {
		s.handle.SetVolume(v)
	}
	s.touchLocked()
	if s.onVolume != nil {
		s.onVolume(v)
	}
	return nil
}

// Remove deletes the queued track at the 0-based index.
func (s *Session) Remove(index int) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.queue.Remove(index)
	if err != nil {
		return nil, err
	}
	s.touchLocked()
	s.emitQueueLocked()
	return t, nil
}

// PlayNow promotes the queued track at index to current immediately,
// superseding whatever is playing.
func (s *Session) PlayNow(index int) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Connected() {
		return nil, Errf(KindState, "not connected to a voice channel")
	}
	t, err := s.queue.Remove(index)
	if err != nil {
		return nil, err
	}
	s.touchLocked()
	if err := s.startPlaybackLocked(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Clear empties the queue without touching the current track.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Clear()
	s.touchLocked()
	s.emitQueueLocked()
}

// Disconnect stops playback, leaves the voice channel and marks the
// session Disconnected. Queue and current track are dropped.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	s.stopLocked()
	s.state = StateDisconnected
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Leave(ctx); err != nil {
			sys.LogPlayer("Voice leave failed in guild %s: %v", s.GuildID, err)
		}
	}
}

// Close tears the session down for good. Safe to call once during
// registry removal or process shutdown.
func (s *Session) Close(ctx context.Context) {
	s.Disconnect(ctx)
	s.cancel()
}

// Snapshot returns the authoritative full state for pull reads.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionState{
		ID:             s.GuildID.String(),
		Name:           s.name,
		State:          s.state.String(),
		IsPlaying:      s.state == StatePlaying,
		IsPaused:       s.state == StatePaused,
		VoiceConnected: s.state.Connected(),
		Volume:         s.volume,
		Queue:          trackInfos(s.queue.Tracks()),
		QueueLength:    s.queue.Len(),
	}
	if s.current != nil {
		info := trackInfo(s.current)
		st.CurrentSong = omit.New(&info)
	}
	if s.memberCount != nil {
		st.MemberCount = s.memberCount()
	}
	return st
}

// State returns the current playback state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the currently playing track, nil when none.
func (s *Session) Current() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// QueueTracks returns a snapshot of the pending queue.
func (s *Session) QueueTracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Tracks()
}

// Volume returns the session volume.
func (s *Session) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// IdleFor reports how long the session has been Idle with an empty
// voice channel; ok is false when it is not eligible for reaping.
func (s *Session) IdleFor() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return 0, false
	}
	if s.memberCount != nil && s.memberCount() > 0 {
		return 0, false
	}
	return time.Since(s.lastActivity), true
}

// --- internals, all called under s.mu ---

// registerResolveLocked derives a cancellable resolution context that
// Stop can abort; finish (also called under s.mu) releases it.
func (s *Session) registerResolveLocked(ctx context.Context) (context.Context, func()) {
	rctx, cancel := context.WithCancel(ctx)
	id := s.resolveSeq
	s.resolveSeq++
	s.resolveCancels[id] = cancel
	return rctx, func() {
		if c, ok := s.resolveCancels[id]; ok {
			delete(s.resolveCancels, id)
			c()
		}
	}
}

func (s *Session) startPlaybackLocked(t *Track) error {
	if s.handle == nil {
		return Errf(KindState, "no voice connection")
	}
	s.playGen++
	gen := s.playGen
	if s.trackCancel != nil {
		s.trackCancel()
	}
	tctx, cancel := context.WithCancel(s.ctx)
	s.trackCancel = cancel

	done, err := s.handle.Play(tctx, t.StreamURL, t.EffectiveVolume(s.volume))
	if err != nil {
		cancel()
		s.trackCancel = nil
		s.current = nil
		s.state = StateDisconnected
		handle := s.handle
		s.handle = nil
		go func() {
			_ = handle.Leave(context.Background())
		}()
		s.emitSongLocked()
		return Wrap(KindTransport, "playback start failed", err)
	}
	s.current = t
	s.state = StatePlaying
	s.touchLocked()
	sys.LogPlayer("Playing in guild %s: %s (%s)", s.GuildID, t.Title, t.SourceURL)
	s.emitSongLocked()
	s.emitQueueLocked()
	go s.watchPlayback(gen, t, done)
	return nil
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

func (s *Session) emitSongLocked() {
	if s.broadcaster == nil {
		return
	}
	payload := SongUpdate{
		GuildID:   s.GuildID.String(),
		IsPlaying: s.state == StatePlaying,
		IsPaused:  s.state == StatePaused,
	}
	if s.current != nil {
		info := trackInfo(s.current)
		payload.CurrentSong = omit.New(&info)
	}
	s.broadcaster.Publish(Event{GuildID: s.GuildID, Kind: EventSongUpdate, Payload: payload})
}

func (s *Session) emitQueueLocked() {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(Event{GuildID: s.GuildID, Kind: EventQueueUpdate, Payload: QueueUpdate{
		GuildID:     s.GuildID.String(),
		Queue:       trackInfos(s.queue.Tracks()),
		QueueLength: s.queue.Len(),
	}})
}
