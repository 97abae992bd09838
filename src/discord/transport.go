package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/sacudo/src/player"
	"github.com/leeineian/sacudo/src/sys"
)

// OpusSilence is the opus frame for silence, sent while paused so the
// UDP stream stays warm.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// DefaultEncoderCommand pipes the stream URL through yt-dlp and ffmpeg
// into dca-framed opus on stdout. %[1]s is the stream URL, %[2]d the
// volume percentage.
const DefaultEncoderCommand = `yt-dlp -q -f "bestaudio[ext=webm]/bestaudio/best" -o - %[1]q | ffmpeg -hide_banner -loglevel error -i pipe:0 -filter:a "volume=%[2]d/100" -f s16le -ar 48000 -ac 2 pipe:1 | dca`

const joinAttempts = 5

// Transport adapts disgo voice connections to the session core.
type Transport struct {
	client         *bot.Client
	encoderCommand string
}

func NewTransport(client *bot.Client, encoderCommand string) *Transport {
	if encoderCommand == "" {
		encoderCommand = DefaultEncoderCommand
	}
	return &Transport{client: client, encoderCommand: encoderCommand}
}

// Join opens a voice connection, retrying transient gateway failures
// with backoff inside the caller's deadline.
func (t *Transport) Join(ctx context.Context, guildID, channelID snowflake.ID) (player.VoiceHandle, error) {
	conn := t.client.VoiceManager.CreateConn(guildID)

	var err error
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		if err = conn.Open(ctx, channelID, false, false); err == nil {
			return newHandle(conn, t.encoderCommand), nil
		}
		sys.LogPlayer("Voice connect attempt %d/%d failed for guild %s: %v", attempt, joinAttempts, guildID, err)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			conn.Close(context.Background())
			return nil, ctx.Err()
		}
	}
	conn.Close(context.Background())
	return nil, err
}

// handle is one live voice connection with at most one active encoder
// pipeline at a time.
type handle struct {
	conn           voice.Conn
	encoderCommand string

	mu     sync.Mutex
	paused bool
}

func newHandle(conn voice.Conn, encoderCommand string) *handle {
	return &handle{conn: conn, encoderCommand: encoderCommand}
}

// Play launches the encoder pipeline for one track and streams its
// frames until it exits. The returned channel yields exactly one value.
func (h *handle) Play(ctx context.Context, streamURL string, volume int) (<-chan error, error) {
	cmdline := fmt.Sprintf(h.encoderCommand, streamURL, volume)
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := newFrameProvider(h)
	h.conn.SetOpusFrameProvider(p)
	h.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sys.LogPlayer("CRITICAL: encoder reader panic recovered: %v", r)
			}
		}()

		readErr := readFrames(ctx, stdout, p)
		p.push(nil)
		waitErr := cmd.Wait()

		h.conn.SetSpeaking(context.Background(), 0)

		if ctx.Err() != nil {
			// Stopped on purpose; the session already moved on.
			done <- nil
			return
		}
		if waitErr != nil {
			done <- fmt.Errorf("encoder exited: %w", waitErr)
			return
		}
		done <- readErr
	}()
	return done, nil
}

// readFrames decodes length-prefixed opus frames (dca framing) from the
// encoder's stdout into the provider.
func readFrames(ctx context.Context, r io.Reader, p *frameProvider) error {
	for {
		var frameLen int16
		if err := binary.Read(r, binary.LittleEndian, &frameLen); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if frameLen <= 0 {
			return nil
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if !p.pushCtx(ctx, frame) {
			return nil
		}
	}
}

func (h *handle) Pause(paused bool) {
	h.mu.Lock()
	h.paused = paused
	h.mu.Unlock()
}

// SetVolume records nothing live: volume is baked into the encoder
// filter, so a change takes effect when the next track starts.
func (h *handle) SetVolume(volume int) {}

func (h *handle) Leave(ctx context.Context) error {
	h.conn.SetOpusFrameProvider(nil)
	h.conn.SetSpeaking(ctx, 0)
	h.conn.Close(ctx)
	return nil
}

// frameProvider buffers encoder frames for the voice connection. A nil
// frame marks the end of the stream.
type frameProvider struct {
	h      *handle
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFrameProvider(h *handle) *frameProvider {
	return &frameProvider{
		h:      h,
		frames: make(chan []byte, 100),
		closed: make(chan struct{}),
	}
}

func (p *frameProvider) push(f []byte) {
	select {
	case p.frames <- f:
	case <-p.closed:
	}
}

func (p *frameProvider) pushCtx(ctx context.Context, f []byte) bool {
	select {
	case p.frames <- f:
		return true
	case <-p.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	p.h.mu.Lock()
	paused := p.h.paused
	p.h.mu.Unlock()
	if paused {
		return OpusSilence, nil
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.Close()
			return nil, io.EOF
		}
		return f, nil
	case <-time.After(100 * time.Millisecond):
		return nil, nil // Silence
	}
}

func (p *frameProvider) Close() {
	p.once.Do(func() { close(p.closed) })
}
