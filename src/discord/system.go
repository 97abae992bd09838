package discord

import (
	"context"
	"sync"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/sacudo/src/player"
	"github.com/leeineian/sacudo/src/sys"
	"github.com/leeineian/sacudo/src/ytdlp"
)

var (
	system     *System
	systemOnce sync.Once
)

// System wires the session core to the Discord client: one registry of
// per-guild sessions sharing a resolver, a broadcaster and the voice
// transport.
type System struct {
	Client      *bot.Client
	Registry    *player.Registry
	Resolver    *player.Resolver
	Broadcaster *player.Broadcaster
	transport   *Transport
}

// InitSystem builds the singleton on first call. Later calls return the
// same instance regardless of arguments.
func InitSystem(client *bot.Client) *System {
	systemOnce.Do(func() {
		cfg := sys.GlobalConfig

		transport := NewTransport(client, cfg.EncoderCommand)
		resolver := player.NewResolver(ytdlp.New(), player.ResolverConfig{
			MaxAttempts:    cfg.ResolveMaxAttempts,
			BackoffBase:    cfg.ResolveBackoff,
			AttemptTimeout: cfg.ResolveTimeout,
		})
		broadcaster := player.NewBroadcaster()

		s := &System{
			Client:      client,
			Resolver:    resolver,
			Broadcaster: broadcaster,
			transport:   transport,
		}
		s.Registry = player.NewRegistry(s.newSession)
		system = s
	})
	return system
}

// GetSystem returns the singleton, nil before InitSystem ran.
func GetSystem() *System {
	return system
}

// newSession is the registry factory: it seeds the session from the
// guild's stored settings and hooks volume persistence and the
// voice-channel member counter.
func (s *System) newSession(guildID snowflake.ID) *player.Session {
	gs, err := sys.GetGuildSettings(context.Background(), guildID.String())
	if err != nil {
		sys.LogDatabase("Falling back to default settings for guild %s: %v", guildID, err)
	}
	dedup := player.ParseDedupPolicy(gs.DedupPolicy)

	sess := player.NewSession(guildID, s.transport, s.Resolver, s.Broadcaster, player.SessionConfig{
		Volume:      gs.DefaultVolume,
		Dedup:       dedup,
		JoinTimeout: sys.GlobalConfig.JoinTimeout,
	})

	if guild, ok := s.Client.Caches.Guild(guildID); ok {
		sess.SetName(guild.Name)
	}
	sess.SetMemberCounter(func() int {
		return s.countVoiceMembers(guildID)
	})
	sess.OnVolumeChange(func(v int) {
		if err := sys.SetGuildVolume(context.Background(), guildID.String(), v); err != nil {
			sys.LogDatabase("Failed to persist volume for guild %s: %v", guildID, err)
		}
	})
	return sess
}

// countVoiceMembers counts humans sharing the bot's voice channel.
func (s *System) countVoiceMembers(guildID snowflake.ID) int {
	botState, ok := s.Client.Caches.VoiceState(guildID, s.Client.ID())
	if !ok || botState.ChannelID == nil {
		return 0
	}
	count := 0
	for state := range s.Client.Caches.VoiceStates(guildID) {
		if state.ChannelID != nil && *state.ChannelID == *botState.ChannelID && state.UserID != s.Client.ID() {
			if m, ok := s.Client.Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
				count++
			}
		}
	}
	return count
}
