package player

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// --- fakes ---

type playCall struct {
	url    string
	volume int
	ctx    context.Context
	done   chan error
}

type fakeHandle struct {
	mu      sync.Mutex
	plays   []*playCall
	pauses  []bool
	volumes []int
	leaves  int
	playErr error
}

func (h *fakeHandle) Play(ctx context.Context, streamURL string, volume int) (<-chan error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playErr != nil {
		return nil, h.playErr
	}
	c := &playCall{url: streamURL, volume: volume, ctx: ctx, done: make(chan error, 1)}
	h.plays = append(h.plays, c)
	return c.done, nil
}

func (h *fakeHandle) Pause(paused bool) {
	h.mu.Lock()
	h.pauses = append(h.pauses, paused)
	h.mu.Unlock()
}

func (h *fakeHandle) SetVolume(volume int) {
	h.mu.Lock()
	h.volumes = append(h.volumes, volume)
	h.mu.Unlock()
}

func (h *fakeHandle) Leave(ctx context.Context) error {
	h.mu.Lock()
	h.leaves++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) play(i int) *playCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.plays) {
		return nil
	}
	return h.plays[i]
}

func (h *fakeHandle) playCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.plays)
}

type fakeTransport struct {
	handle  *fakeHandle
	joinErr error
}

func (t *fakeTransport) Join(ctx context.Context, guildID, channelID snowflake.ID) (VoiceHandle, error) {
	if t.joinErr != nil {
		return nil, t.joinErr
	}
	return t.handle, nil
}

// echoBackend resolves any input instantly into a track for that URL.
type echoBackend struct{}

func (echoBackend) Extract(ctx context.Context, input string) (*Track, error) {
	return NewTrack(input, "track "+input, "", "", "", time.Minute), nil
}

func (echoBackend) ExtractPlaylist(ctx context.Context, input string) (<-chan PlaylistItem, error) {
	ch := make(chan PlaylistItem)
	close(ch)
	return ch, nil
}

func newTestSession(t *testing.T) (*Session, *fakeHandle) {
	t.Helper()
	handle := &fakeHandle{}
	transport := &fakeTransport{handle: handle}
	s := NewSession(snowflake.ID(1), transport, fastResolver(echoBackend{}, 3), NewBroadcaster(), SessionConfig{})
	t.Cleanup(func() { s.Close(context.Background()) })
	if err := s.Join(context.Background(), snowflake.ID(100)); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return s, handle
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- tests ---

func TestJoinTransitionsToIdle(t *testing.T) {
	s, _ := newTestSession(t)
	if got := s.State(); got != StateIdle {
		t.Errorf("state after join = %v, want idle", got)
	}
}

func TestJoinFailureStaysDisconnected(t *testing.T) {
	transport := &fakeTransport{joinErr: errors.New("gateway down")}
	s := NewSession(snowflake.ID(1), transport, fastResolver(echoBackend{}, 3), nil, SessionConfig{})
	defer s.Close(context.Background())

	err := s.Join(context.Background(), snowflake.ID(100))
	if err == nil {
		t.Fatal("Join succeeded, want error")
	}
	if KindOf(err) != KindTransport {
		t.Errorf("error kind = %v, want KindTransport", KindOf(err))
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}

func TestPlayWhileDisconnected(t *testing.T) {
	s := NewSession(snowflake.ID(1), &fakeTransport{handle: &fakeHandle{}}, fastResolver(echoBackend{}, 3), nil, SessionConfig{})
	defer s.Close(context.Background())

	_, _, err := s.Play(context.Background(), "https://a", "tester")
	if err == nil {
		t.Fatal("Play succeeded while disconnected, want error")
	}
	if KindOf(err) != KindState {
		t.Errorf("error kind = %v, want KindState", KindOf(err))
	}
}

func TestPlayStartsWhenIdle(t *testing.T) {
	s, h := newTestSession(t)

	tr, pos, err := s.Play(context.Background(), "https://a", "tester")
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("position = %d, want 0 (immediate playback)", pos)
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want playing", s.State())
	}
	if cur := s.Current(); cur == nil || cur.ID != tr.ID {
		t.Error("current track not set to the played track")
	}
	if h.playCount() != 1 {
		t.Errorf("transport Play called %d times, want 1", h.playCount())
	}
}

func TestPlayEnqueuesWhilePlaying(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	tr, pos, err := s.Play(context.Background(), "https://b", "tester")
	if err != nil {
		t.Fatalf("second Play failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}
	if tr.SourceURL != "https://b" {
		t.Errorf("queued track = %s, want https://b", tr.SourceURL)
	}
	if h.playCount() != 1 {
		t.Errorf("transport Play called %d times, want 1 (second track queued)", h.playCount())
	}
	if got := len(s.QueueTracks()); got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
}

func TestPlayResolutionCleanupIsNotSupersession(t *testing.T) {
	s, h := newTestSession(t)

	// Each Play releases its own resolution registration on the way out;
	// that release must not read as a Stop-driven supersession.
	for i, u := range []string{"https://a", "https://b", "https://c"} {
		tr, pos, err := s.Play(context.Background(), u, "tester")
		if err != nil {
			t.Fatalf("Play(%s) failed: %v", u, err)
		}
		if tr == nil || pos != i {
			t.Errorf("Play(%s) position = %d, want %d", u, pos, i)
		}
	}
	if h.playCount() != 1 {
		t.Errorf("transport Play called %d times, want 1", h.playCount())
	}
	if got := len(s.QueueTracks()); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
}

func TestCompletionAdvancesToNext(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")

	h.play(0).done <- nil
	waitFor(t, "advance to https://b", func() bool {
		cur := s.Current()
		return cur != nil && cur.SourceURL == "https://b"
	})
	if got := len(s.QueueTracks()); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want playing", s.State())
	}
}

func TestCompletionOnEmptyQueueGoesIdle(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	h.play(0).done <- nil

	waitFor(t, "idle after last track", func() bool { return s.State() == StateIdle })
	if s.Current() != nil {
		t.Error("current track still set after completion")
	}
}

func TestSkipAdvancesToNext(t *testing.T) {
	s, _ := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")

	skipped, err := s.Skip()
	if err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if skipped.SourceURL != "https://a" {
		t.Errorf("skipped = %s, want https://a", skipped.SourceURL)
	}
	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://b" {
		t.Error("current not advanced to https://b")
	}
}

func TestSkipOnEmptyQueueGoesIdle(t *testing.T) {
	s, _ := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	if _, err := s.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.Current() != nil {
		t.Error("current still set after skip to empty queue")
	}
}

func TestSkipWhileIdleRejected(t *testing.T) {
	s, _ := newTestSession(t)
	if _, err := s.Skip(); err == nil {
		t.Fatal("Skip succeeded while idle, want error")
	} else if KindOf(err) != KindState {
		t.Errorf("error kind = %v, want KindState", KindOf(err))
	}
}

func TestConcurrentSkipsAdvanceExactlyTwice(t *testing.T) {
	s, _ := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")
	s.Play(context.Background(), "https://c", "tester")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Skip()
		}()
	}
	wg.Wait()

	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://c" {
		t.Errorf("current after two skips = %v, want https://c", cur)
	}
	if got := len(s.QueueTracks()); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestStaleCompletionAfterSkipDoesNotDoubleAdvance(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")

	if _, err := s.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}

	// The superseded track's completion signal arrives late.
	h.play(0).done <- nil
	time.Sleep(50 * time.Millisecond)

	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://b" {
		t.Error("late completion of superseded track moved playback")
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want playing", s.State())
	}
}

func TestStopClearsQueueAndCurrent(t *testing.T) {
	s, _ := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")
	s.Play(context.Background(), "https://c", "tester")

	s.Stop()

	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.Current() != nil {
		t.Error("current still set after stop")
	}
	if got := len(s.QueueTracks()); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestStopAbandonsInflightResolution(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{results: []func() (*Track, error){
		func() (*Track, error) {
			close(started)
			<-release
			return testTrack("https://slow"), nil
		},
	}}

	handle := &fakeHandle{}
	s := NewSession(snowflake.ID(1), &fakeTransport{handle: handle}, fastResolver(backend, 3), nil, SessionConfig{})
	defer s.Close(context.Background())
	if err := s.Join(context.Background(), snowflake.ID(100)); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := s.Play(context.Background(), "https://slow", "tester")
		errc <- err
	}()

	<-started
	s.Stop()
	close(release)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("superseded Play succeeded, want error")
		}
		if KindOf(err) != KindState {
			t.Errorf("error kind = %v, want KindState", KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return")
	}

	if s.Current() != nil || len(s.QueueTracks()) != 0 {
		t.Error("stale resolution was enqueued after Stop")
	}
	if handle.playCount() != 0 {
		t.Error("stale resolution started playback after Stop")
	}
}

func newPlaylistSession(t *testing.T, items chan PlaylistItem) (*Session, *fakeHandle) {
	t.Helper()
	handle := &fakeHandle{}
	s := NewSession(snowflake.ID(1), &fakeTransport{handle: handle}, fastResolver(&playlistBackend{items: items}, 3), NewBroadcaster(), SessionConfig{})
	t.Cleanup(func() { s.Close(context.Background()) })
	if err := s.Join(context.Background(), snowflake.ID(100)); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return s, handle
}

func TestPlaylistFanOut(t *testing.T) {
	items := make(chan PlaylistItem, 4)
	items <- PlaylistItem{Track: testTrack("https://a")}
	items <- PlaylistItem{Err: Errf(KindNotFound, "entry removed")}
	items <- PlaylistItem{Track: testTrack("https://b")}
	items <- PlaylistItem{Track: testTrack("https://c")}
	close(items)

	s, h := newPlaylistSession(t, items)
	accepted, err := s.PlayPlaylist(context.Background(), "https://playlist", "alice")
	if err != nil {
		t.Fatalf("PlayPlaylist failed: %v", err)
	}
	if accepted != 3 {
		t.Errorf("accepted = %d, want 3 (failed entry skipped)", accepted)
	}
	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://a" {
		t.Error("first usable entry did not start playback")
	}
	if cur != nil && cur.RequestedBy != "alice" {
		t.Errorf("RequestedBy = %q, want alice", cur.RequestedBy)
	}
	tracks := s.QueueTracks()
	if len(tracks) != 2 || tracks[0].SourceURL != "https://b" || tracks[1].SourceURL != "https://c" {
		t.Errorf("queue = %v, want [https://b https://c]", tracks)
	}
	if h.playCount() != 1 {
		t.Errorf("transport Play called %d times, want 1", h.playCount())
	}
}

func TestPlaylistAbandonedOnStop(t *testing.T) {
	items := make(chan PlaylistItem)
	s, h := newPlaylistSession(t, items)

	got := make(chan int, 1)
	go func() {
		n, _ := s.PlayPlaylist(context.Background(), "https://playlist", "alice")
		got <- n
	}()

	items <- PlaylistItem{Track: testTrack("https://a")}
	waitFor(t, "first entry playing", func() bool { return s.State() == StatePlaying })

	s.Stop()
	items <- PlaylistItem{Track: testTrack("https://b")}
	close(items)

	select {
	case n := <-got:
		if n != 1 {
			t.Errorf("accepted = %d, want 1 (remainder abandoned)", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PlayPlaylist did not return after Stop")
	}
	if s.Current() != nil || len(s.QueueTracks()) != 0 {
		t.Error("entries accepted after Stop")
	}
	if h.playCount() != 1 {
		t.Errorf("transport Play called %d times, want 1", h.playCount())
	}
}

func TestPlayStartFailureLeavesVoice(t *testing.T) {
	s, h := newTestSession(t)
	h.mu.Lock()
	h.playErr = errors.New("udp connect refused")
	h.mu.Unlock()

	_, _, err := s.Play(context.Background(), "https://a", "tester")
	if err == nil {
		t.Fatal("Play succeeded, want error")
	}
	if KindOf(err) != KindTransport {
		t.Errorf("error kind = %v, want KindTransport", KindOf(err))
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	// The dead connection must not be orphaned.
	waitFor(t, "voice leave after failed start", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.leaves == 1
	})

	h.mu.Lock()
	h.playErr = nil
	h.mu.Unlock()
	if err := s.Join(context.Background(), snowflake.ID(100)); err != nil {
		t.Fatalf("rejoin after failed start: %v", err)
	}
}

func TestTransportFailurePreservesQueue(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")

	h.play(0).done <- errors.New("udp stream died")

	waitFor(t, "disconnect after transport failure", func() bool {
		return s.State() == StateDisconnected
	})
	if s.Current() != nil {
		t.Error("current still set after transport failure")
	}
	if got := len(s.QueueTracks()); got != 1 {
		t.Errorf("queue length = %d, want 1 (preserved)", got)
	}
	if h.playCount() != 1 {
		t.Error("failed track was retried")
	}
}

func TestPauseResume(t *testing.T) {
	s, h := newTestSession(t)

	if err := s.Pause(); err == nil {
		t.Fatal("Pause succeeded while idle, want error")
	}

	s.Play(context.Background(), "https://a", "tester")
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if s.State() != StatePaused {
		t.Errorf("state = %v, want paused", s.State())
	}
	if err := s.Pause(); err == nil {
		t.Fatal("double Pause succeeded, want error")
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want playing", s.State())
	}
	if err := s.Resume(); err == nil {
		t.Fatal("double Resume succeeded, want error")
	}

	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://a" {
		t.Error("current track lost across pause/resume")
	}

	h.mu.Lock()
	pauses := append([]bool(nil), h.pauses...)
	h.mu.Unlock()
	if len(pauses) != 2 || pauses[0] != true || pauses[1] != false {
		t.Errorf("transport pause calls = %v, want [true false]", pauses)
	}
}

func TestSetVolumeBounds(t *testing.T) {
	s, _ := newTestSession(t)

	for _, v := range []int{0, 1, 100, 150} {
		if err := s.SetVolume(v); err != nil {
			t.Errorf("SetVolume(%d) failed: %v", v, err)
		}
		if got := s.Volume(); got != v {
			t.Errorf("Volume = %d, want %d", got, v)
		}
	}
	for _, v := range []int{-1, 151, 1000} {
		if err := s.SetVolume(v); err == nil {
			t.Errorf("SetVolume(%d) succeeded, want error", v)
		} else if KindOf(err) != KindInput {
			t.Errorf("SetVolume(%d) kind = %v, want KindInput", v, KindOf(err))
		}
	}
	if got := s.Volume(); got != 150 {
		t.Errorf("Volume = %d after rejected sets, want 150", got)
	}
}

func TestVolumeChangeHook(t *testing.T) {
	s, _ := newTestSession(t)

	var got []int
	s.OnVolumeChange(func(v int) { got = append(got, v) })

	s.SetVolume(42)
	s.SetVolume(151) // rejected, hook must not fire
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("hook calls = %v, want [42]", got)
	}
}

func TestPlayNowPromotesQueuedTrack(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")
	s.Play(context.Background(), "https://c", "tester")

	tr, err := s.PlayNow(1)
	if err != nil {
		t.Fatalf("PlayNow failed: %v", err)
	}
	if tr.SourceURL != "https://c" {
		t.Errorf("promoted = %s, want https://c", tr.SourceURL)
	}
	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://c" {
		t.Error("current not set to the promoted track")
	}
	tracks := s.QueueTracks()
	if len(tracks) != 1 || tracks[0].SourceURL != "https://b" {
		t.Errorf("queue after PlayNow = %v, want [https://b]", tracks)
	}

	// The superseded playback's completion must not advance anything.
	h.play(0).done <- nil
	time.Sleep(50 * time.Millisecond)
	if cur := s.Current(); cur == nil || cur.SourceURL != "https://c" {
		t.Error("late completion of superseded track moved playback")
	}
}

func TestRemoveFromQueue(t *testing.T) {
	s, _ := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")
	s.Play(context.Background(), "https://c", "tester")

	tr, err := s.Remove(0)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if tr.SourceURL != "https://b" {
		t.Errorf("removed = %s, want https://b", tr.SourceURL)
	}
	if _, err := s.Remove(5); err == nil {
		t.Error("Remove(5) succeeded, want error")
	}
}

func TestClearKeepsCurrent(t *testing.T) {
	s, _ := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Play(context.Background(), "https://b", "tester")

	s.Clear()
	if got := len(s.QueueTracks()); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
	cur := s.Current()
	if cur == nil || cur.SourceURL != "https://a" {
		t.Error("current track dropped by Clear")
	}
	if s.State() != StatePlaying {
		t.Errorf("state = %v, want playing", s.State())
	}
}

func TestDisconnectLeavesVoice(t *testing.T) {
	s, h := newTestSession(t)

	s.Play(context.Background(), "https://a", "tester")
	s.Disconnect(context.Background())

	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	h.mu.Lock()
	leaves := h.leaves
	h.mu.Unlock()
	if leaves != 1 {
		t.Errorf("Leave called %d times, want 1", leaves)
	}
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestSession(t)
	s.SetName("Test Guild")
	s.SetMemberCounter(func() int { return 3 })

	s.Play(context.Background(), "https://a", "alice")
	s.Play(context.Background(), "https://b", "bob")

	st := s.Snapshot()
	if st.ID != "1" || st.Name != "Test Guild" {
		t.Errorf("identity = %s/%s, want 1/Test Guild", st.ID, st.Name)
	}
	if !st.IsPlaying || st.IsPaused || !st.VoiceConnected {
		t.Errorf("flags = playing:%v paused:%v connected:%v", st.IsPlaying, st.IsPaused, st.VoiceConnected)
	}
	if st.QueueLength != 1 || len(st.Queue) != 1 {
		t.Errorf("queue length = %d/%d, want 1/1", st.QueueLength, len(st.Queue))
	}
	if st.MemberCount != 3 {
		t.Errorf("member count = %d, want 3", st.MemberCount)
	}
	if !strings.Contains(st.Queue[0].Title, "https://b") {
		t.Errorf("queued title = %s, want track https://b", st.Queue[0].Title)
	}
}

func TestIdleForEligibility(t *testing.T) {
	s, _ := newTestSession(t)

	if _, ok := s.IdleFor(); !ok {
		t.Error("idle session with no members not eligible for reaping")
	}

	s.SetMemberCounter(func() int { return 2 })
	if _, ok := s.IdleFor(); ok {
		t.Error("session with listeners reported eligible for reaping")
	}

	s.SetMemberCounter(func() int { return 0 })
	s.Play(context.Background(), "https://a", "tester")
	if _, ok := s.IdleFor(); ok {
		t.Error("playing session reported eligible for reaping")
	}
}
