package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	sacudo "github.com/leeineian/sacudo/src/discord"
	"github.com/leeineian/sacudo/src/player"
	"github.com/leeineian/sacudo/src/sys"
)

func init() {
	sys.OnClientReady(func(ctx context.Context, client *bot.Client) {
		s := sacudo.InitSystem(client)
		sys.RegisterVoiceStateUpdateHandler(func(event *events.GuildVoiceStateUpdate) {
			onVoiceStateUpdate(s, event)
		})
	})

	minVolume, maxVolume := 0, player.MaxVolume

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song or playlist from a URL or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "query",
						Description: "The URL or song name to play",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Set the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "level",
						Description: "Volume from 0 to 150",
						Required:    true,
						MinValue:    &minVolume,
						MaxValue:    &maxVolume,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Remove a song from the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position to remove (1 = next up)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "jump",
				Description: "Play a queued song immediately",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position to jump to (1 = next up)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear the queue without stopping the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "Join your voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Leave the voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "dedup",
				Description: "Set how duplicate songs in the queue are handled",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "policy",
						Description: "Duplicate handling",
						Required:    true,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "Allow duplicates", Value: "off"},
							{Name: "Reject duplicates", Value: "reject"},
							{Name: "Move duplicate to end", Value: "relocate"},
						},
					},
				},
			},
		},
	}, handleMusic)
}

// handleMusic routes music subcommands to their respective handlers
func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("Not in a guild.").WithEphemeral(true))
		return
	}
	if sacudo.GetSystem() == nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("Still starting up, try again in a moment.").WithEphemeral(true))
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "skip":
		handleMusicSkip(event)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "stop":
		handleMusicStop(event)
	case "volume":
		handleMusicVolume(event, data)
	case "queue":
		handleMusicQueue(event)
	case "remove":
		handleMusicRemove(event, data)
	case "jump":
		handleMusicJump(event, data)
	case "clear":
		handleMusicClear(event)
	case "join":
		handleMusicJoin(event)
	case "leave":
		handleMusicLeave(event)
	case "dedup":
		handleMusicDedup(event, data)
	}
}

// currentSession returns the guild's session without creating one.
func currentSession(event *events.ApplicationCommandInteractionCreate) *player.Session {
	return sacudo.GetSystem().Registry.Get(*event.GuildID())
}

// joinInvokerChannel ensures a session exists and is connected to the
// invoking user's voice channel.
func joinInvokerChannel(event *events.ApplicationCommandInteractionCreate) (*player.Session, error) {
	s := sacudo.GetSystem()
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return nil, player.Errf(player.KindInput, "you are not in a voice channel")
	}
	sess, _ := s.Registry.GetOrCreate(*event.GuildID())
	if err := sess.Join(context.Background(), *vs.ChannelID); err != nil {
		return nil, err
	}
	return sess, nil
}

func respond(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(content))
}

func respondEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(content).WithEphemeral(true))
}

func updateResponse(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdate().WithContent(content))
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := data.String("query")
	sys.LogPlayer("User %s (%s) requested playback in guild %s: %s", event.User().Username, event.User().ID, *event.GuildID(), query)

	_ = event.DeferCreateMessage(false)

	sess, err := joinInvokerChannel(event)
	if err != nil {
		updateResponse(event, "Failed: "+err.Error())
		return
	}

	requestedBy := event.User().Username

	if player.IsPlaylistInput(query) {
		updateResponse(event, "⏳ Queueing playlist...")
		go func() {
			accepted, err := sess.PlayPlaylist(context.Background(), query, requestedBy)
			if err != nil {
				updateResponse(event, "Playlist failed: "+err.Error())
				return
			}
			updateResponse(event, fmt.Sprintf("✅ Queued %d tracks from the playlist.", accepted))
		}()
		return
	}

	t, pos, err := sess.Play(context.Background(), query, requestedBy)
	if err != nil {
		updateResponse(event, "Failed: "+err.Error())
		return
	}
	if pos == 0 {
		updateResponse(event, fmt.Sprintf("🎶 Now playing: [%s](%s)", t.Title, t.SourceURL))
	} else {
		updateResponse(event, fmt.Sprintf("✅ Added to queue at position %d: [%s](%s)", pos, t.Title, t.SourceURL))
	}
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	t, err := sess.Skip()
	if err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, fmt.Sprintf("⏭️ Skipped **%s**.", t.Title))
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	if err := sess.Pause(); err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, "⏸️ Paused.")
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	if err := sess.Resume(); err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, "▶️ Resumed.")
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	sess.Stop()
	respond(event, "🛑 Stopped and cleared the queue.")
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	level := data.Int("level")
	if err := sess.SetVolume(level); err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, fmt.Sprintf("🔊 Volume set to %d%%. Takes effect on the next track.", level))
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}

	var sb strings.Builder
	if cur := sess.Current(); cur != nil {
		sb.WriteString("▶️ **Now Playing:**\n")
		sb.WriteString(fmt.Sprintf("[%s](%s) | requested by %s\n\n", cur.Title, cur.SourceURL, cur.RequestedBy))
	}

	tracks := sess.QueueTracks()
	sb.WriteString("**Queue:**\n")
	if len(tracks) == 0 {
		sb.WriteString("_Empty_")
	} else {
		for i, t := range tracks {
			if i >= 10 {
				sb.WriteString(fmt.Sprintf("\n*...and %d more*", len(tracks)-10))
				break
			}
			sb.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, t.Title, t.SourceURL))
		}
	}

	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(sb.String()).
		WithEphemeral(true))
}

func handleMusicRemove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	pos := data.Int("position")
	t, err := sess.Remove(pos - 1)
	if err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, fmt.Sprintf("🗑️ Removed **%s** from the queue.", t.Title))
}

func handleMusicJump(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	pos := data.Int("position")
	t, err := sess.PlayNow(pos - 1)
	if err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, fmt.Sprintf("🎶 Now playing: [%s](%s)", t.Title, t.SourceURL))
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate) {
	sess := currentSession(event)
	if sess == nil {
		respondEphemeral(event, "Not playing anything.")
		return
	}
	sess.Clear()
	respond(event, "🧹 Queue cleared.")
}

func handleMusicJoin(event *events.ApplicationCommandInteractionCreate) {
	_, err := joinInvokerChannel(event)
	if err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, "👋 Joined your voice channel.")
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	s := sacudo.GetSystem()
	sess := s.Registry.Remove(*event.GuildID())
	if sess == nil {
		respondEphemeral(event, "Not in a voice channel.")
		return
	}
	sess.Close(context.Background())
	respond(event, "👋 Left the voice channel.")
}

func handleMusicDedup(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	policy := data.String("policy")
	if err := sys.SetGuildDedupPolicy(context.Background(), event.GuildID().String(), policy); err != nil {
		respondEphemeral(event, "Failed: "+err.Error())
		return
	}
	respond(event, fmt.Sprintf("✅ Duplicate policy set to `%s`. Applies to new sessions.", policy))
}

// onVoiceStateUpdate disconnects the session when the bot is kicked or
// moved out of its channel.
func onVoiceStateUpdate(s *sacudo.System, event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	sess := s.Registry.Remove(event.VoiceState.GuildID)
	if sess == nil {
		return
	}
	sys.LogPlayer("Voice connection dropped in guild %s, tearing down session", event.VoiceState.GuildID)
	sess.Close(context.Background())
}
