package player

import (
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

type EventKind string

const (
	EventSongUpdate  EventKind = "song_update"
	EventQueueUpdate EventKind = "queue_update"
)

// Event is a transient state-change notification for one guild.
type Event struct {
	GuildID snowflake.ID `json:"guild_id"`
	Kind    EventKind    `json:"kind"`
	Payload any          `json:"payload"`
}

// Broadcaster fans out session events to guild-scoped subscribers.
// Delivery is best-effort and at most once: a subscriber whose buffer is
// full misses the event and reconciles through pull reads, which are the
// source of truth.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[snowflake.ID]map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[snowflake.ID]map[chan Event]struct{})}
}

// Subscribe registers an observer on the guild's channel and returns the
// buffered event channel it will receive on.
func (b *Broadcaster) Subscribe(guildID snowflake.ID) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[guildID] == nil {
		b.subs[guildID] = make(map[chan Event]struct{})
	}
	b.subs[guildID][ch] = struct{}{}
	return ch
}

// Unsubscribe detaches ch from the guild's channel and closes it.
func (b *Broadcaster) Unsubscribe(guildID snowflake.ID, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[guildID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(b.subs, guildID)
	}
	close(ch)
}

// Publish sends ev to every subscriber of its guild without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.GuildID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many observers are on the guild's channel.
func (b *Broadcaster) SubscriberCount(guildID snowflake.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[guildID])
}
