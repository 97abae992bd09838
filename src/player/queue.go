package player

// DedupPolicy controls how the queue treats a track whose SourceURL is
// already queued. The default is no deduplication; the policy is a
// per-guild configuration knob, never inferred.
type DedupPolicy int

const (
	DedupOff DedupPolicy = iota
	DedupReject
	DedupRelocate
)

// ParseDedupPolicy maps the persisted setting string to a policy,
// defaulting to DedupOff for anything unrecognized.
func ParseDedupPolicy(s string) DedupPolicy {
	switch s {
	case "reject":
		return DedupReject
	case "relocate":
		return DedupRelocate
	default:
		return DedupOff
	}
}

func (p DedupPolicy) String() string {
	switch p {
	case DedupReject:
		return "reject"
	case DedupRelocate:
		return "relocate"
	default:
		return "off"
	}
}

// Queue is the ordered pending-track list of one session. It is not
// thread safe: all mutation happens under the owning session's lock.
type Queue struct {
	tracks []*Track
	dedup  DedupPolicy
}

func NewQueue(dedup DedupPolicy) *Queue {
	return &Queue{dedup: dedup}
}

// Enqueue appends t and returns its 1-based queue position. Under
// DedupReject a duplicate SourceURL fails with an InputError; under
// DedupRelocate the existing entry is moved to the tail instead.
func (q *Queue) Enqueue(t *Track) (int, error) {
	if q.dedup != DedupOff {
		for i, qt := range q.tracks {
			if qt.SourceURL != t.SourceURL {
				continue
			}
			if q.dedup == DedupReject {
				return 0, Errf(KindInput, "already queued at position %d: %s", i+1, t.SourceURL)
			}
			existing := q.tracks[i]
			q.tracks = append(q.tracks[:i], q.tracks[i+1:]...)
			q.tracks = append(q.tracks, existing)
			return len(q.tracks), nil
		}
	}
	q.tracks = append(q.tracks, t)
	return len(q.tracks), nil
}

// Remove deletes and returns the track at the 0-based index.
func (q *Queue) Remove(index int) (*Track, error) {
	if index < 0 || index >= len(q.tracks) {
		return nil, Errf(KindInput, "queue index %d out of range [0,%d)", index, len(q.tracks))
	}
	t := q.tracks[index]
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)
	return t, nil
}

// PopFront removes and returns the queue head, or nil when empty.
func (q *Queue) PopFront() *Track {
	if len(q.tracks) == 0 {
		return nil
	}
	t := q.tracks[0]
	q.tracks = q.tracks[1:]
	return t
}

func (q *Queue) Clear() {
	q.tracks = nil
}

func (q *Queue) Len() int {
	return len(q.tracks)
}

// Tracks returns a snapshot copy so callers can read it outside the
// session lock.
func (q *Queue) Tracks() []*Track {
	out := make([]*Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}
