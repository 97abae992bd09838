package proc

import (
	"context"
	"time"

	"github.com/disgoorg/disgo/bot"

	sacudo "github.com/leeineian/sacudo/src/discord"
	"github.com/leeineian/sacudo/src/sys"
)

const reapInterval = 30 * time.Second

func init() {
	sys.OnClientReady(func(ctx context.Context, client *bot.Client) {
		sys.RegisterDaemon(sys.LogReaper, StartSessionReaper)
	})
}

// StartSessionReaper launches the loop that disconnects sessions left
// idle in an empty voice channel past the configured timeout.
func StartSessionReaper(ctx context.Context) (bool, func(), func()) {
	s := sacudo.GetSystem()
	if s == nil {
		return false, nil, nil
	}
	idleTimeout := sys.GlobalConfig.IdleTimeout
	if idleTimeout <= 0 {
		return false, nil, nil
	}

	run := func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reapIdleSessions(s, idleTimeout)
			case <-ctx.Done():
				return
			}
		}
	}
	return true, run, nil
}

func reapIdleSessions(s *sacudo.System, idleTimeout time.Duration) {
	for _, sess := range s.Registry.Sessions() {
		idle, ok := sess.IdleFor()
		if !ok || idle < idleTimeout {
			continue
		}
		sys.LogReaper("Disconnecting session in guild %s after %s idle", sess.GuildID, idle.Round(time.Second))
		if removed := s.Registry.Remove(sess.GuildID); removed != nil {
			removed.Close(context.Background())
		}
	}
}
